package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bsm/redislock"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/pharmacore/internal/inventory"
	jobmetrics "github.com/odyssey-erp/pharmacore/internal/jobs"
	"github.com/odyssey-erp/pharmacore/internal/shared"
)

// ExpirySweeper is implemented by the inventory service.
type ExpirySweeper interface {
	SweepExpired(ctx context.Context, asOf time.Time) (inventory.SweepResult, error)
}

// Locker obtains distributed locks. *redislock.Client satisfies it.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration, opt *redislock.Options) (*redislock.Lock, error)
}

const sweepLockTTL = 10 * time.Minute

// ExpirySweepJob expires batches once per day. Only one worker runs the sweep
// at a time; a second delivery while the lock is held is skipped.
type ExpirySweepJob struct {
	Inventory ExpirySweeper
	Locker    Locker
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	clock     func() time.Time
}

// NewExpirySweepJob initialises the sweep handler.
func NewExpirySweepJob(inv ExpirySweeper, locker Locker, logger *slog.Logger, metrics *jobmetrics.Metrics) *ExpirySweepJob {
	return &ExpirySweepJob{
		Inventory: inv,
		Locker:    locker,
		Logger:    logger,
		Metrics:   metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the sweep.
func (j *ExpirySweepJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Inventory == nil {
		return errors.New("expiry sweep: handler not configured")
	}
	var payload AsOfPayload
	if err := decodePayload(t, &payload); err != nil {
		return err
	}
	asOf, err := payload.Date(j.now())
	if err != nil {
		return errors.Join(err, asynq.SkipRetry)
	}

	logger := logFor(j.Logger, TaskExpirySweep).With(slog.String("as_of", asOf.Format(time.DateOnly)))
	if j.Locker != nil {
		lock, err := j.Locker.Obtain(ctx, shared.JobLockKey(TaskExpirySweep), sweepLockTTL, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			logger.Info("sweep already running elsewhere, skipping")
			return nil
		}
		if err != nil {
			return err
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				logger.Warn("release sweep lock", slog.Any("error", err))
			}
		}()
	}

	tracker := metricsFor(j.Metrics).Track(TaskExpirySweep)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	start := time.Now()
	result, err := j.Inventory.SweepExpired(ctx, asOf)
	if err != nil {
		logger.Error("sweep failed", slog.Any("error", err))
		return err
	}
	metricsFor(j.Metrics).AddExpired(len(result.Expired))
	for _, b := range result.Expired {
		logger.Warn("batch expired",
			slog.Int64("batch_id", b.ID),
			slog.Int64("product_id", b.ProductID),
			slog.String("batch_number", b.BatchNumber),
			slog.Int64("quantity_on_hand", b.QuantityRemaining),
		)
	}
	logger.Info("expiry sweep finished",
		slog.Int("expired", len(result.Expired)),
		slog.Int64("quantity_on_hand", result.QuantityOnHand),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

func (j *ExpirySweepJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

func logFor(logger *slog.Logger, job string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String("job", job))
}

func metricsFor(m *jobmetrics.Metrics) *jobmetrics.Metrics {
	if m != nil {
		return m
	}
	return defaultJobMetrics
}
