package jobs

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/pharmacore/internal/inventory"
	jobmetrics "github.com/odyssey-erp/pharmacore/internal/jobs"
	"github.com/odyssey-erp/pharmacore/internal/shared"
)

// ExpiryReporter is implemented by the inventory service.
type ExpiryReporter interface {
	NearExpirySummary(ctx context.Context) (inventory.ExpirySummary, error)
}

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// NearExpiryCheckJob publishes the daily near-expiry tiers as gauges, log
// lines and one audit entry.
type NearExpiryCheckJob struct {
	Inventory ExpiryReporter
	Audit     AuditRecorder
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewNearExpiryCheckJob initialises the report handler.
func NewNearExpiryCheckJob(inv ExpiryReporter, audit AuditRecorder, logger *slog.Logger, metrics *jobmetrics.Metrics) *NearExpiryCheckJob {
	return &NearExpiryCheckJob{Inventory: inv, Audit: audit, Logger: logger, Metrics: metrics}
}

// Handle computes and records the summary.
func (j *NearExpiryCheckJob) Handle(ctx context.Context, _ *asynq.Task) (resultErr error) {
	if j == nil || j.Inventory == nil {
		return errors.New("near expiry check: handler not configured")
	}
	metrics := metricsFor(j.Metrics)
	tracker := metrics.Track(TaskNearExpiryCheck)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := logFor(j.Logger, TaskNearExpiryCheck)
	summary, err := j.Inventory.NearExpirySummary(ctx)
	if err != nil {
		logger.Error("summary failed", slog.Any("error", err))
		return err
	}

	meta := map[string]any{
		"total_batches":  summary.TotalBatches,
		"total_quantity": summary.TotalQuantity,
		"total_value":    summary.TotalValue.StringFixed(2),
	}
	for _, tier := range summary.Tiers {
		metrics.SetNearExpiry(tier.Days, tier.Quantity)
		label := strconv.Itoa(tier.Days) + "d"
		meta[label] = map[string]any{
			"batches":  len(tier.Batches),
			"quantity": tier.Quantity,
			"value":    tier.Value.StringFixed(2),
		}
		level := slog.LevelInfo
		if len(tier.Batches) > 0 && tier.Days == inventory.ExpiryThresholds[0] {
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "near expiry tier",
			slog.Int("days", tier.Days),
			slog.Int("batches", len(tier.Batches)),
			slog.Int64("quantity", tier.Quantity),
			slog.String("value", tier.Value.StringFixed(2)),
		)
	}

	if j.Audit != nil {
		err := j.Audit.Record(ctx, shared.AuditLog{
			Action:   "inventory.near_expiry_report",
			Entity:   "inventory",
			EntityID: summary.AsOf.Format(time.DateOnly),
			Meta:     meta,
			At:       summary.AsOf,
		})
		if err != nil {
			logger.Warn("audit near expiry report", slog.Any("error", err))
		}
	}
	return nil
}
