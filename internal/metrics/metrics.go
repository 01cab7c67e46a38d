// Package metrics exposes Prometheus collectors for the crawl pipeline.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	navigationsTotal           *prometheus.CounterVec
	sessionRespawnsTotal       prometheus.Counter
	targetsAbandonedTotal      *prometheus.CounterVec
	dispatchesTotal            *prometheus.CounterVec
	dedupHitsTotal             *prometheus.CounterVec
	chunksCommittedTotal       *prometheus.CounterVec
	recordsCommittedTotal      *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	cooldownSeconds            prometheus.Histogram
	hostWaitSeconds            prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		navigationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_navigations_total",
				Help: "Navigation attempts, labeled by outcome (ready or failure cause).",
			},
			[]string{"outcome"},
		)

		sessionRespawnsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_session_respawns_total",
				Help: "Browser instances discarded after a failed navigation.",
			},
		)

		targetsAbandonedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_targets_abandoned_total",
				Help: "Targets given up on after a retry budget ran out, labeled by last cause.",
			},
			[]string{"cause"},
		)

		dispatchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_dispatches_total",
				Help: "Targets dispatched to the worker pool, labeled by stage.",
			},
			[]string{"stage"},
		)

		dedupHitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_dedup_hits_total",
				Help: "Records resolved from the run-scoped cache without a dispatch, labeled by stage.",
			},
			[]string{"stage"},
		)

		chunksCommittedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_chunks_committed_total",
				Help: "Chunks durably appended to an in-progress store, labeled by stage.",
			},
			[]string{"stage"},
		)

		recordsCommittedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_records_committed_total",
				Help: "Records durably appended to an in-progress store, labeled by stage.",
			},
			[]string{"stage"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently processing a target.",
			},
		)

		cooldownSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawler_cooldown_seconds",
				Help:    "Histogram of pre-navigation cooldown durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		hostWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawler_host_wait_seconds",
				Help:    "Histogram of delays imposed by the per-host rate limiter.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
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

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveNavigation counts one navigation attempt.
func ObserveNavigation(outcome string) {
	Init()
	navigationsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRespawn counts one discarded browser instance.
func ObserveRespawn() {
	Init()
	sessionRespawnsTotal.Inc()
}

// ObserveAbandoned counts one target whose retry budget ran out.
func ObserveAbandoned(cause string) {
	Init()
	targetsAbandonedTotal.WithLabelValues(cause).Inc()
}

// ObserveDispatch adds n dispatched targets for stage.
func ObserveDispatch(stage string, n int) {
	Init()
	dispatchesTotal.WithLabelValues(stage).Add(float64(n))
}

// ObserveDedupHits adds n cache-resolved records for stage.
func ObserveDedupHits(stage string, n int) {
	Init()
	dedupHitsTotal.WithLabelValues(stage).Add(float64(n))
}

// ObserveCommit records a committed chunk of n records.
func ObserveCommit(stage string, n int) {
	Init()
	chunksCommittedTotal.WithLabelValues(stage).Inc()
	recordsCommittedTotal.WithLabelValues(stage).Add(float64(n))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveCooldown records the duration of a pre-navigation wait.
func ObserveCooldown(duration time.Duration) {
	Init()
	cooldownSeconds.Observe(duration.Seconds())
}

// ObserveHostWait records a delay imposed by the per-host rate limiter.
func ObserveHostWait(duration time.Duration) {
	Init()
	hostWaitSeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
