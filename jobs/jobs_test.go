package jobs

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bsm/redislock"
	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/pharmacore/internal/inventory"
	jobmetrics "github.com/odyssey-erp/pharmacore/internal/jobs"
	"github.com/odyssey-erp/pharmacore/internal/purchasing"
	"github.com/odyssey-erp/pharmacore/internal/shared"
)

var fixedNow = time.Date(2026, time.June, 15, 0, 5, 0, 0, time.UTC)

type fakeSweeper struct {
	mu    sync.Mutex
	calls []time.Time
	block chan struct{}
	err   error
}

func (f *fakeSweeper) SweepExpired(ctx context.Context, asOf time.Time) (inventory.SweepResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, asOf)
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return inventory.SweepResult{}, f.err
	}
	return inventory.SweepResult{
		AsOf:           asOf,
		Expired:        []inventory.Batch{{ID: 1, ProductID: 7, BatchNumber: "AMX-01", QuantityRemaining: 4}, {ID: 2, ProductID: 7, BatchNumber: "AMX-02"}},
		QuantityOnHand: 4,
	}, nil
}

func (f *fakeSweeper) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newLocker(t *testing.T) *redislock.Client {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return redislock.New(client)
}

func newJobMetrics(t *testing.T) (*jobmetrics.Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return jobmetrics.NewMetrics(reg), reg
}

func TestExpirySweepUsesPayloadDate(t *testing.T) {
	sweeper := &fakeSweeper{}
	metrics, reg := newJobMetrics(t)
	job := NewExpirySweepJob(sweeper, newLocker(t), nil, metrics)
	job.clock = func() time.Time { return fixedNow }

	task, err := NewExpirySweepTask(AsOfPayload{AsOf: "2026-06-01"})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	require.Equal(t, []time.Time{time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC)}, sweeper.calls)
	require.InDelta(t, 2, counterValue(t, reg, "pharmacore_batches_expired_total"), 0)
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not gathered", name)
	return 0
}

func TestExpirySweepDefaultsToToday(t *testing.T) {
	sweeper := &fakeSweeper{}
	job := NewExpirySweepJob(sweeper, nil, nil, nil)
	job.clock = func() time.Time { return fixedNow }

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskExpirySweep, nil)))
	require.Equal(t, []time.Time{time.Date(2026, time.June, 15, 0, 0, 0, 0, time.UTC)}, sweeper.calls)
}

func TestExpirySweepSkipsWhileLockHeld(t *testing.T) {
	locker := newLocker(t)
	sweeper := &fakeSweeper{block: make(chan struct{})}
	first := NewExpirySweepJob(sweeper, locker, nil, nil)
	second := NewExpirySweepJob(sweeper, locker, nil, nil)
	task, err := NewExpirySweepTask(AsOfPayload{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- first.Handle(context.Background(), task) }()
	require.Eventually(t, func() bool { return sweeper.count() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, second.Handle(context.Background(), task))
	require.Equal(t, 1, sweeper.count())

	close(sweeper.block)
	require.NoError(t, <-done)

	// The lock is released once the first run finishes.
	require.NoError(t, second.Handle(context.Background(), task))
	require.Equal(t, 2, sweeper.count())
}

func TestExpirySweepPropagatesFailure(t *testing.T) {
	sweeper := &fakeSweeper{err: errors.New("db down")}
	job := NewExpirySweepJob(sweeper, newLocker(t), nil, nil)
	err := job.Handle(context.Background(), asynq.NewTask(TaskExpirySweep, nil))
	require.ErrorContains(t, err, "db down")
}

func TestMalformedPayloadSkipsRetry(t *testing.T) {
	job := NewExpirySweepJob(&fakeSweeper{}, nil, nil, nil)
	err := job.Handle(context.Background(), asynq.NewTask(TaskExpirySweep, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	err = job.Handle(context.Background(), asynq.NewTask(TaskExpirySweep, []byte(`{"as_of":"15/06/2026"}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

type fakeReporter struct {
	summary inventory.ExpirySummary
}

func (f fakeReporter) NearExpirySummary(ctx context.Context) (inventory.ExpirySummary, error) {
	return f.summary, nil
}

type recordingAudit struct {
	logs []shared.AuditLog
}

func (r *recordingAudit) Record(ctx context.Context, log shared.AuditLog) error {
	r.logs = append(r.logs, log)
	return nil
}

func TestNearExpiryCheckSetsGaugesAndAudits(t *testing.T) {
	asOf := time.Date(2026, time.June, 15, 0, 0, 0, 0, time.UTC)
	summary := inventory.ExpirySummary{
		AsOf: asOf,
		Tiers: []inventory.ExpiryTier{
			{Days: 30, Batches: []inventory.NearExpiryBatch{{BatchID: 1}}, Quantity: 12, Value: decimal.NewFromInt(900)},
			{Days: 60, Quantity: 0, Value: decimal.Zero},
			{Days: 90, Batches: []inventory.NearExpiryBatch{{BatchID: 2}, {BatchID: 3}}, Quantity: 40, Value: decimal.NewFromInt(1200)},
		},
		TotalBatches:  3,
		TotalQuantity: 52,
		TotalValue:    decimal.NewFromInt(2100),
	}
	audit := &recordingAudit{}
	metrics, reg := newJobMetrics(t)
	job := NewNearExpiryCheckJob(fakeReporter{summary: summary}, audit, nil, metrics)

	task, err := NewNearExpiryCheckTask()
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	require.Len(t, audit.logs, 1)
	entry := audit.logs[0]
	require.Equal(t, "inventory.near_expiry_report", entry.Action)
	require.Equal(t, "2026-06-15", entry.EntityID)
	require.Equal(t, "2100.00", entry.Meta["total_value"])
	require.Equal(t, int64(12), entry.Meta["30d"].(map[string]any)["quantity"])

	count, err := testutil.GatherAndCount(reg, "pharmacore_near_expiry_quantity")
	require.NoError(t, err)
	require.Equal(t, 3, count)
}

type fakeReverser struct {
	asOf   time.Time
	result purchasing.ITCResult
}

func (f *fakeReverser) ReverseOverdueITC(ctx context.Context, asOf time.Time) (purchasing.ITCResult, error) {
	f.asOf = asOf
	return f.result, nil
}

func TestITCReversalCountsReversedInvoices(t *testing.T) {
	reverser := &fakeReverser{result: purchasing.ITCResult{InvoiceIDs: []int64{4, 9}, TaxCredit: decimal.RequireFromString("108.00")}}
	metrics, reg := newJobMetrics(t)
	job := NewITCReversalJob(reverser, nil, metrics)
	job.clock = func() time.Time { return fixedNow }

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskITCReversal, nil)))
	require.Equal(t, time.Date(2026, time.June, 15, 0, 0, 0, 0, time.UTC), reverser.asOf)

	require.InDelta(t, 2, counterValue(t, reg, "pharmacore_itc_reversals_total"), 0)
}

type fakeCleaner struct {
	olderThan time.Duration
}

func (f *fakeCleaner) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	f.olderThan = olderThan
	return 3, nil
}

func TestIdempotencyCleanupRetention(t *testing.T) {
	cleaner := &fakeCleaner{}
	job := NewIdempotencyCleanupJob(cleaner, nil, nil)

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskIdempotencyCleanup, nil)))
	require.Equal(t, 30*24*time.Hour, cleaner.olderThan)

	task, err := NewIdempotencyCleanupTask(CleanupPayload{RetentionHours: 48})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 48*time.Hour, cleaner.olderThan)
}

func TestDefaultScheduleCoversEveryJob(t *testing.T) {
	entries, err := DefaultSchedule()
	require.NoError(t, err)
	specs := map[string]string{}
	for _, e := range entries {
		specs[e.Task.Type()] = e.Spec
	}
	require.Equal(t, map[string]string{
		TaskExpirySweep:        "5 0 * * *",
		TaskITCReversal:        "0 1 * * *",
		TaskIdempotencyCleanup: "0 3 * * *",
		TaskNearExpiryCheck:    "0 8 * * *",
	}, specs)
}

func TestRegisterSkipsNilJobs(t *testing.T) {
	var cfg WorkerConfig
	Register(&cfg, NewExpirySweepJob(&fakeSweeper{}, nil, nil, nil), nil, NewITCReversalJob(&fakeReverser{}, nil, nil), nil)
	require.Len(t, cfg.Handlers, 2)
	require.Equal(t, TaskExpirySweep, cfg.Handlers[0].Type)
	require.Equal(t, TaskITCReversal, cfg.Handlers[1].Type)
}

func TestTriggerRoutes(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(nil, nil, nil).MountRoutes(r)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"queue":"default","pending":0}`, rr.Body.String())

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/expiry-sweep", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestTriggerEnqueuesOncePerDay(t *testing.T) {
	srv := miniredis.RunT(t)
	opts := asynq.RedisClientOpt{Addr: srv.Addr()}
	client, err := NewClient(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	r := chi.NewRouter()
	NewHandler(nil, client, nil).MountRoutes(r)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/itc-reversal?as_of=2026-06-15", nil))
	require.Equal(t, http.StatusAccepted, rr.Code)

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/itc-reversal?as_of=2026-06-15", nil))
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/itc-reversal?as_of=june", nil))
	require.Equal(t, http.StatusBadRequest, rr.Code)
}
