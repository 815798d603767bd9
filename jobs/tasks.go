package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/pharmacore/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"

	// TaskExpirySweep moves batches past their expiry date to EXPIRED.
	TaskExpirySweep = "inventory:expiry_sweep"
	// TaskNearExpiryCheck reports stock expiring in the 30/60/90 day tiers.
	TaskNearExpiryCheck = "inventory:near_expiry_check"
	// TaskITCReversal reverses input tax credit on invoices unpaid past the window.
	TaskITCReversal = "purchasing:itc_reversal"
	// TaskIdempotencyCleanup purges processed request keys past retention.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

const defaultIdempotencyRetention = 30 * 24 * time.Hour

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// AsOfPayload pins a dated job to a business day. An empty date means today.
type AsOfPayload struct {
	AsOf string `json:"as_of,omitempty"`
}

// Date parses AsOf, falling back to the date of now.
func (p AsOfPayload) Date(now time.Time) (time.Time, error) {
	if p.AsOf == "" {
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	}
	day, err := time.Parse(time.DateOnly, p.AsOf)
	if err != nil {
		return time.Time{}, fmt.Errorf("as_of: %w", err)
	}
	return day, nil
}

// CleanupPayload configures idempotency key retention.
type CleanupPayload struct {
	RetentionHours int `json:"retention_hours,omitempty"`
}

func (p CleanupPayload) retention() time.Duration {
	if p.RetentionHours <= 0 {
		return defaultIdempotencyRetention
	}
	return time.Duration(p.RetentionHours) * time.Hour
}

// NewExpirySweepTask builds an expiry sweep task for the given day.
func NewExpirySweepTask(payload AsOfPayload) (*asynq.Task, error) {
	return newTask(TaskExpirySweep, payload)
}

// NewNearExpiryCheckTask builds a near-expiry report task.
func NewNearExpiryCheckTask() (*asynq.Task, error) {
	return newTask(TaskNearExpiryCheck, struct{}{})
}

// NewITCReversalTask builds an ITC reversal task for the given day.
func NewITCReversalTask(payload AsOfPayload) (*asynq.Task, error) {
	return newTask(TaskITCReversal, payload)
}

// NewIdempotencyCleanupTask builds a cleanup task.
func NewIdempotencyCleanupTask(payload CleanupPayload) (*asynq.Task, error) {
	return newTask(TaskIdempotencyCleanup, payload)
}

func newTask(taskType string, payload any) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, data, asynq.Queue(QueueDefault)), nil
}

func decodePayload(t *asynq.Task, dest any) error {
	if len(t.Payload()) == 0 {
		return nil
	}
	if err := json.Unmarshal(t.Payload(), dest); err != nil {
		return fmt.Errorf("%s: decode payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	return nil
}

// DefaultSchedule returns the daily cron registrations for the worker, in UTC.
func DefaultSchedule() ([]CronRegistration, error) {
	sweep, err := NewExpirySweepTask(AsOfPayload{})
	if err != nil {
		return nil, err
	}
	check, err := NewNearExpiryCheckTask()
	if err != nil {
		return nil, err
	}
	reversal, err := NewITCReversalTask(AsOfPayload{})
	if err != nil {
		return nil, err
	}
	cleanup, err := NewIdempotencyCleanupTask(CleanupPayload{})
	if err != nil {
		return nil, err
	}
	return []CronRegistration{
		{Spec: "5 0 * * *", Task: sweep, Options: []asynq.Option{asynq.MaxRetry(3)}},
		{Spec: "0 1 * * *", Task: reversal, Options: []asynq.Option{asynq.MaxRetry(3)}},
		{Spec: "0 3 * * *", Task: cleanup},
		{Spec: "0 8 * * *", Task: check},
	}, nil
}
