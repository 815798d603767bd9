package jobmetrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs       *prometheus.CounterVec
	failures   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	expired    prometheus.Counter
	nearExpiry *prometheus.GaugeVec
	reversals  prometheus.Counter
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// AddExpired counts batches moved to EXPIRED by the sweep.
func (m *Metrics) AddExpired(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.expired.Add(float64(count))
}

// SetNearExpiry records the quantity at risk in one expiry tier.
func (m *Metrics) SetNearExpiry(tierDays int, quantity int64) {
	if m == nil {
		return
	}
	m.nearExpiry.WithLabelValues(formatDays(tierDays)).Set(float64(quantity))
}

// AddReversals counts invoices whose input tax credit was reversed.
func (m *Metrics) AddReversals(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.reversals.Add(float64(count))
}

func formatDays(days int) string {
	return strconv.Itoa(days) + "d"
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pharmacore_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pharmacore_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pharmacore_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	expired := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pharmacore_batches_expired_total",
		Help: "Batches moved to EXPIRED by the expiry sweep.",
	})
	nearExpiry := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pharmacore_near_expiry_quantity",
		Help: "Units of sellable stock expiring within the tier window.",
	}, []string{"tier"})
	reversals := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pharmacore_itc_reversals_total",
		Help: "Purchase invoices whose input tax credit was reversed.",
	})
	registerer.MustRegister(runs, failures, duration, expired, nearExpiry, reversals)
	return &Metrics{
		runs:       runs,
		failures:   failures,
		duration:   duration,
		expired:    expired,
		nearExpiry: nearExpiry,
		reversals:  reversals,
	}
}
