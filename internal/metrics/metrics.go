// Package metrics exposes Prometheus collectors for the price watcher.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fetch outcomes recorded by ObserveFetch.
const (
	OutcomeOK        = "ok"
	OutcomeNotFound  = "not_found"
	OutcomeTransient = "transient"
	OutcomeClient    = "client_error"
	OutcomeCanceled  = "canceled"
)

var (
	fetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_fetch_total",
			Help: "Fetch attempts against competitor sites, labeled by site and outcome.",
		},
		[]string{"site", "outcome"},
	)

	rateLimitWaitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pricewatch_rate_limit_wait_seconds",
			Help:    "Time spent waiting on a site's token bucket.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"site"},
	)

	matchesAttemptedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_match_attempts_total",
			Help: "Catalog items considered by matching passes.",
		},
		[]string{"site"},
	)

	matchesFoundTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_matches_found_total",
			Help: "Matches committed by matching passes.",
		},
		[]string{"site"},
	)

	snapshotsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_snapshots_total",
			Help: "Observations handled by the snapshot writer, labeled by result (written or skipped).",
		},
		[]string{"site", "result"},
	)

	snapshotsPrunedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_snapshots_pruned_total",
			Help: "Snapshots deleted by retention, labeled by reason (age or count).",
		},
		[]string{"site", "reason"},
	)

	chunkFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_chunk_failures_total",
			Help: "Write transactions rolled back, labeled by pass kind.",
		},
		[]string{"site", "kind"},
	)

	passDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pricewatch_pass_duration_seconds",
			Help:    "Duration of matching and snapshot passes.",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		},
		[]string{"site", "kind"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)

	once sync.Once
)

// Init registers the collectors with the default Prometheus registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(
			fetchTotal,
			rateLimitWaitSeconds,
			matchesAttemptedTotal,
			matchesFoundTotal,
			snapshotsTotal,
			snapshotsPrunedTotal,
			chunkFailuresTotal,
			passDurationSeconds,
			httpRequestsTotal,
			httpRequestDurationSeconds,
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch counts one fetch attempt.
func ObserveFetch(site, outcome string) {
	fetchTotal.WithLabelValues(site, outcome).Inc()
}

// ObserveRateLimitWait records the time a caller spent blocked on a token bucket.
func ObserveRateLimitWait(site string, d time.Duration) {
	rateLimitWaitSeconds.WithLabelValues(site).Observe(d.Seconds())
}

// ObserveMatchPass records the aggregates of a matching pass.
func ObserveMatchPass(site string, attempted, found int, d time.Duration) {
	matchesAttemptedTotal.WithLabelValues(site).Add(float64(attempted))
	matchesFoundTotal.WithLabelValues(site).Add(float64(found))
	passDurationSeconds.WithLabelValues(site, "match").Observe(d.Seconds())
}

// ObserveSnapshotPass records the duration of a snapshot pass.
func ObserveSnapshotPass(site string, d time.Duration) {
	passDurationSeconds.WithLabelValues(site, "snapshot").Observe(d.Seconds())
}

// ObserveSnapshot counts one observation outcome: written or skipped.
func ObserveSnapshot(site string, written bool) {
	result := "skipped"
	if written {
		result = "written"
	}
	snapshotsTotal.WithLabelValues(site, result).Inc()
}

// ObservePruned counts snapshots removed by retention.
func ObservePruned(site, reason string, n int64) {
	if n <= 0 {
		return
	}
	snapshotsPrunedTotal.WithLabelValues(site, reason).Add(float64(n))
}

// ObserveChunkFailure counts one rolled back write transaction.
func ObserveChunkFailure(site, kind string) {
	chunkFailuresTotal.WithLabelValues(site, kind).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
