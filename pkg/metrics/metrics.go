package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Memory metrics
	MemUsedBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_mem_used_bytes",
			Help: "Memory consumed by resident items and engine overhead",
		},
	)

	MemQuotaBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_mem_quota_bytes",
			Help: "Configured memory quota for the bucket",
		},
	)

	// VBucket metrics
	VBucketsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_vbuckets_total",
			Help: "Number of vbuckets by state",
		},
		[]string{"state"},
	)

	ItemsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_items_total",
			Help: "Total number of items tracked across all vbuckets",
		},
	)

	// Expiration metrics
	ExpiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_expired_total",
			Help: "Items expired by source (access, pager, compactor)",
		},
		[]string{"source"},
	)

	// Flusher metrics
	FlushBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_flush_batch_items",
			Help:    "Items written per flusher commit",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)

	FlushCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_flush_commit_duration_seconds",
			Help:    "Time taken to commit one flusher batch in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	FlushCommitFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_flush_commit_failures_total",
			Help: "Flusher commits that failed and were retried",
		},
	)

	ItemsPersistedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_items_persisted_total",
			Help: "Total mutations persisted to the KV store",
		},
	)

	// Background fetch metrics
	BGFetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_bg_fetch_duration_seconds",
			Help:    "Wait from fetch enqueue to completion in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	BGFetchBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_bg_fetch_batch_items",
			Help:    "Keys fetched per getMulti batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	// Pager metrics
	PagerRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_pager_runs_total",
			Help: "Pager passes by pager kind (item, expiry)",
		},
		[]string{"pager"},
	)

	ItemsEjectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_items_ejected_total",
			Help: "Items ejected from memory by the item pager",
		},
	)

	// Executor metrics
	TaskRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_task_runs_total",
			Help: "Task executions by task type",
		},
		[]string{"type"},
	)

	TaskRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_task_run_duration_seconds",
			Help:    "Task execution time by task type in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// Warmup metrics
	WarmupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_warmup_duration_seconds",
			Help:    "Total warmup time in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
	)
)

func init() {
	prometheus.MustRegister(MemUsedBytes)
	prometheus.MustRegister(MemQuotaBytes)
	prometheus.MustRegister(VBucketsTotal)
	prometheus.MustRegister(ItemsTotal)
	prometheus.MustRegister(ExpiredTotal)
	prometheus.MustRegister(FlushBatchSize)
	prometheus.MustRegister(FlushCommitDuration)
	prometheus.MustRegister(FlushCommitFailures)
	prometheus.MustRegister(ItemsPersistedTotal)
	prometheus.MustRegister(BGFetchDuration)
	prometheus.MustRegister(BGFetchBatchSize)
	prometheus.MustRegister(PagerRunsTotal)
	prometheus.MustRegister(ItemsEjectedTotal)
	prometheus.MustRegister(TaskRunsTotal)
	prometheus.MustRegister(TaskRunDuration)
	prometheus.MustRegister(WarmupDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
