// Package metrics exposes Prometheus collectors for the catalog service.
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
	upstreamRequestsTotal          *prometheus.CounterVec
	upstreamRequestDurationSeconds *prometheus.HistogramVec
	upstreamRetriesTotal           *prometheus.CounterVec
	upstreamBackoffSeconds         prometheus.Histogram
	rateLimitDelaySeconds          prometheus.Histogram
	engineActiveWorkers            prometheus.Gauge
	httpRequestsTotal              *prometheus.CounterVec
	httpRequestDurationSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		upstreamRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_upstream_requests_total",
				Help: "Upstream search requests, labeled by query kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		upstreamRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "catalog_upstream_request_duration_seconds",
				Help:    "Upstream search latency, labeled by query kind.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"kind"},
		)

		upstreamRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_upstream_retries_total",
				Help: "Upstream retries, labeled by the outcome that triggered them.",
			},
			[]string{"outcome"},
		)

		upstreamBackoffSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "catalog_upstream_backoff_seconds",
				Help:    "Backoff waits applied before retrying an upstream request.",
				Buckets: []float64{1, 2, 4, 8, 16, 30},
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "catalog_rate_limit_delay_seconds",
				Help:    "Time spent waiting on the client-side QPS limiter.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
		)

		engineActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "catalog_engine_active_workers",
				Help: "Number of engine workers currently processing a work item.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveUpstream records one upstream attempt.
func ObserveUpstream(kind, outcome string, duration time.Duration) {
	Init()
	upstreamRequestsTotal.WithLabelValues(kind, outcome).Inc()
	upstreamRequestDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveRetry records a retry and the backoff that precedes it.
func ObserveRetry(outcome string, backoff time.Duration) {
	Init()
	upstreamRetriesTotal.WithLabelValues(outcome).Inc()
	upstreamBackoffSeconds.Observe(backoff.Seconds())
}

// ObserveRateLimitDelay records the duration of a client-side limiter wait.
func ObserveRateLimitDelay(duration time.Duration) {
	Init()
	rateLimitDelaySeconds.Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	engineActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	engineActiveWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
