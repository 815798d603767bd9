package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/pharmacore/internal/jobs"
	"github.com/odyssey-erp/pharmacore/internal/purchasing"
)

// ITCReverser is implemented by the purchasing service.
type ITCReverser interface {
	ReverseOverdueITC(ctx context.Context, asOf time.Time) (purchasing.ITCResult, error)
}

// ITCReversalJob reverses claimed credit on invoices left unpaid past the
// payment window.
type ITCReversalJob struct {
	Purchasing ITCReverser
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
	clock      func() time.Time
}

// NewITCReversalJob initialises the reversal handler.
func NewITCReversalJob(svc ITCReverser, logger *slog.Logger, metrics *jobmetrics.Metrics) *ITCReversalJob {
	return &ITCReversalJob{
		Purchasing: svc,
		Logger:     logger,
		Metrics:    metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the reversal for the payload day.
func (j *ITCReversalJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Purchasing == nil {
		return errors.New("itc reversal: handler not configured")
	}
	var payload AsOfPayload
	if err := decodePayload(t, &payload); err != nil {
		return err
	}
	now := time.Now().UTC()
	if j.clock != nil {
		now = j.clock()
	}
	asOf, err := payload.Date(now)
	if err != nil {
		return errors.Join(err, asynq.SkipRetry)
	}

	tracker := metricsFor(j.Metrics).Track(TaskITCReversal)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := logFor(j.Logger, TaskITCReversal).With(slog.String("as_of", asOf.Format(time.DateOnly)))
	result, err := j.Purchasing.ReverseOverdueITC(ctx, asOf)
	if err != nil {
		logger.Error("reversal failed", slog.Any("error", err))
		return err
	}
	metricsFor(j.Metrics).AddReversals(len(result.InvoiceIDs))
	if len(result.InvoiceIDs) > 0 {
		logger.Warn("input tax credit reversed",
			slog.Any("invoice_ids", result.InvoiceIDs),
			slog.String("tax_credit", result.TaxCredit.StringFixed(2)),
		)
		return nil
	}
	logger.Info("no overdue credit to reverse")
	return nil
}
