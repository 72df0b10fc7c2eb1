// Package metrics exposes Prometheus collectors for the ingestion pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ingestItemsTotal             *prometheus.CounterVec
	ingestBatchDurationSeconds   *prometheus.HistogramVec
	ingestSessionsLive           prometheus.Gauge
	ingestSessionsInUse          prometheus.Gauge
	ingestSessionCreateTotal     *prometheus.CounterVec
	ingestRetriesTotal           *prometheus.CounterVec
	ingestRetryExhaustedTotal    *prometheus.CounterVec
	ingestGovernorThrottlesTotal prometheus.Counter
	ingestMemoryPercent          prometheus.Gauge
	ingestDBConnectionsOpened    *prometheus.CounterVec
	ingestDBConnectionsIdle      *prometheus.GaugeVec
	ingestPaginationStopsTotal   *prometheus.CounterVec
	ingestRateLimitDelaySeconds  *prometheus.HistogramVec
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		ingestItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_items_total",
				Help: "Work items finished, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		ingestBatchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_batch_duration_seconds",
				Help:    "Wall time per batch, excluding the inter-batch cooldown.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
			},
			[]string{"source"},
		)

		ingestSessionsLive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingest_sessions_live",
				Help: "Sessions currently open, idle or in use.",
			},
		)

		ingestSessionsInUse = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingest_sessions_in_use",
				Help: "Sessions currently held by a worker.",
			},
		)

		ingestSessionCreateTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_session_create_total",
				Help: "Session constructions, labeled by result.",
			},
			[]string{"result"},
		)

		ingestRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_retries_total",
				Help: "Retry attempts, labeled by operation.",
			},
			[]string{"op"},
		)

		ingestRetryExhaustedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_retry_exhausted_total",
				Help: "Operations that failed after every attempt, labeled by operation.",
			},
			[]string{"op"},
		)

		ingestGovernorThrottlesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_governor_throttles_total",
				Help: "Admission checks rejected because of memory pressure.",
			},
		)

		ingestMemoryPercent = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingest_memory_used_percent",
				Help: "Host memory utilization observed at the last admission check.",
			},
		)

		ingestDBConnectionsOpened = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_db_connections_opened_total",
				Help: "Storage connections opened, labeled by namespace and kind (pooled or overflow).",
			},
			[]string{"namespace", "kind"},
		)

		ingestDBConnectionsIdle = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ingest_db_connections_idle",
				Help: "Idle pooled storage connections per namespace.",
			},
			[]string{"namespace"},
		)

		ingestPaginationStopsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_pagination_stops_total",
				Help: "Paginated feed walks finished, labeled by stop reason.",
			},
			[]string{"reason"},
		)

		ingestRateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_rate_limit_delay_seconds",
				Help:    "Time spent waiting on the per-host rate limiter.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Admin HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Admin HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveItem increments the item counter for outcome ("processed" or "failed").
func ObserveItem(source, outcome string) {
	Init()
	ingestItemsTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveItems adds n items with the same outcome.
func ObserveItems(source, outcome string, n int) {
	Init()
	ingestItemsTotal.WithLabelValues(source, outcome).Add(float64(n))
}

// ObserveBatch records the duration of one batch.
func ObserveBatch(source string, d time.Duration) {
	Init()
	ingestBatchDurationSeconds.WithLabelValues(source).Observe(d.Seconds())
}

// SetSessions publishes the session pool gauges.
func SetSessions(live, inUse int) {
	Init()
	ingestSessionsLive.Set(float64(live))
	ingestSessionsInUse.Set(float64(inUse))
}

// ObserveSessionCreate counts a session construction attempt.
func ObserveSessionCreate(ok bool) {
	Init()
	result := "success"
	if !ok {
		result = "error"
	}
	ingestSessionCreateTotal.WithLabelValues(result).Inc()
}

// ObserveRetry counts a retry of op.
func ObserveRetry(op string) {
	Init()
	ingestRetriesTotal.WithLabelValues(op).Inc()
}

// ObserveRetryExhausted counts an op that ran out of attempts.
func ObserveRetryExhausted(op string) {
	Init()
	ingestRetryExhaustedTotal.WithLabelValues(op).Inc()
}

// ObserveMemory records the latest memory reading and whether it throttled.
func ObserveMemory(percent float64, throttled bool) {
	Init()
	ingestMemoryPercent.Set(percent)
	if throttled {
		ingestGovernorThrottlesTotal.Inc()
	}
}

// ObserveConnectionOpened counts a storage connection open.
func ObserveConnectionOpened(namespace string, overflow bool) {
	Init()
	kind := "pooled"
	if overflow {
		kind = "overflow"
	}
	ingestDBConnectionsOpened.WithLabelValues(namespace, kind).Inc()
}

// SetIdleConnections publishes the idle connection count of a namespace.
func SetIdleConnections(namespace string, idle int) {
	Init()
	ingestDBConnectionsIdle.WithLabelValues(namespace).Set(float64(idle))
}

// ObservePaginationStop counts a finished feed walk.
func ObservePaginationStop(reason string) {
	Init()
	ingestPaginationStopsTotal.WithLabelValues(reason).Inc()
}

// ObserveHTTPRequest records one admin HTTP request.
func ObserveHTTPRequest(method, route string, code int, d time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(d.Seconds())
}

// ObserveRateLimitDelay records a wait imposed by the per-host limiter.
func ObserveRateLimitDelay(host string, d time.Duration) {
	Init()
	ingestRateLimitDelaySeconds.WithLabelValues(host).Observe(d.Seconds())
}
