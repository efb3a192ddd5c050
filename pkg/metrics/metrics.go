package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vulnscan_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	TasksCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vulnscan_tasks_created_total",
			Help: "Total number of tasks created",
		},
	)

	TasksCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vulnscan_tasks_completed_total",
			Help: "Total number of tasks completed",
		},
	)

	TasksFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vulnscan_tasks_failed_total",
			Help: "Total number of tasks failed",
		},
	)

	ChunksDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vulnscan_chunks_dispatched_total",
			Help: "Total number of chunks published to the work broker",
		},
	)

	ChunkDispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vulnscan_chunk_dispatch_duration_seconds",
			Help:    "Time taken to expand, chunk and publish a task",
			Buckets: prometheus.DefBuckets,
		},
	)

	CasesExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vulnscan_cases_executed_total",
			Help: "Total number of case verify runs by outcome status",
		},
		[]string{"status"},
	)

	CaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vulnscan_case_duration_seconds",
			Help:    "Case verify duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"case_id"},
	)

	FingerprintCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vulnscan_fingerprint_cache_hits_total",
			Help: "Total number of fingerprint cache hits",
		},
	)

	FingerprintCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vulnscan_fingerprint_cache_misses_total",
			Help: "Total number of fingerprint cache misses",
		},
	)

	FingerprintFetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vulnscan_fingerprint_fetch_duration_seconds",
			Help:    "Time taken to fetch and evaluate a fingerprint's base URL",
			Buckets: prometheus.DefBuckets,
		},
	)

	PoolActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vulnscan_pool_active",
			Help: "Number of concurrency pool slots currently in use",
		},
	)

	PoolCapacity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vulnscan_pool_capacity",
			Help: "Configured concurrency pool capacity",
		},
	)

	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vulnscan_nodes_total",
			Help: "Total number of scan nodes by status",
		},
		[]string{"status"},
	)

	HeartbeatFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vulnscan_heartbeat_failures_total",
			Help: "Total number of heartbeat write failures (swallowed, non-fatal)",
		},
	)

	AuthSessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vulnscan_auth_sessions_active",
			Help: "Number of cached authenticated sessions",
		},
	)

	BrokerPublishDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vulnscan_broker_publish_duration_seconds",
			Help:    "Time taken to publish a message to the broker",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	BrokerReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vulnscan_broker_reconnects_total",
			Help: "Total number of broker reconnect attempts",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TasksTotal,
		TasksCreated,
		TasksCompleted,
		TasksFailed,
		ChunksDispatched,
		ChunkDispatchDuration,
		CasesExecuted,
		CaseDuration,
		FingerprintCacheHits,
		FingerprintCacheMisses,
		FingerprintFetchDuration,
		PoolActive,
		PoolCapacity,
		NodesTotal,
		HeartbeatFailures,
		AuthSessionsActive,
		BrokerPublishDuration,
		BrokerReconnects,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
