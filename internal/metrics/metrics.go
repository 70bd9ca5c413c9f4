// Package metrics exposes Prometheus collectors for the mirror.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	postsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirror_posts_total",
			Help: "Posts processed, labeled by task outcome.",
		},
		[]string{"outcome"},
	)

	fetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirror_fetches_total",
			Help: "Outbound fetches, labeled by kind and status.",
		},
		[]string{"kind", "status"},
	)

	bytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirror_bytes_total",
			Help: "Bytes fetched, labeled by kind.",
		},
		[]string{"kind"},
	)

	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirror_cache_lookups_total",
			Help: "Content cache lookups, labeled by content type and result.",
		},
		[]string{"type", "result"},
	)

	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirror_runs_total",
			Help: "Download runs, labeled by result.",
		},
		[]string{"result"},
	)

	throttleDelaySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mirror_throttle_delay_seconds",
			Help:    "Delays applied by the adaptive throttler.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	throttleCurrentSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mirror_throttle_current_seconds",
			Help: "Current upper bound of the adaptive throttler.",
		},
	)

	poolInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mirror_pool_slots_in_use",
			Help: "Connection pool slots currently held.",
		},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mirror_active_workers",
			Help: "Workers currently processing a post.",
		},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mirror_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		},
		[]string{"name"},
	)

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mirror_rate_limit_delays_seconds",
			Help:    "Histogram of per-host rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"host"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirror_http_requests_total",
			Help: "Admin HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mirror_http_request_duration_seconds",
			Help:    "Admin HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// SanitizeSite extracts a lowercase hostname, "unknown" if the URL is invalid.
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

// ObservePost counts one finished task.
func ObservePost(outcome string) {
	postsTotal.WithLabelValues(outcome).Inc()
}

// ObserveFetch counts one outbound fetch. status is an HTTP code or "error".
func ObserveFetch(kind string, status string, bytesFetched int) {
	fetchesTotal.WithLabelValues(kind, status).Inc()
	if bytesFetched > 0 {
		bytesTotal.WithLabelValues(kind).Add(float64(bytesFetched))
	}
}

// ObserveCacheLookup counts a content cache hit or miss.
func ObserveCacheLookup(contentType string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(contentType, result).Inc()
}

// ObserveRun counts a finished run.
func ObserveRun(result string) {
	runsTotal.WithLabelValues(result).Inc()
}

// ObserveThrottleDelay records one throttler sleep.
func ObserveThrottleDelay(d time.Duration) {
	throttleDelaySeconds.Observe(d.Seconds())
}

// SetThrottleCurrent records the throttler bound.
func SetThrottleCurrent(d time.Duration) {
	throttleCurrentSeconds.Set(d.Seconds())
}

// SetPoolInUse records held pool slots.
func SetPoolInUse(n int) {
	poolInUse.Set(float64(n))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// SetBreakerState records a circuit breaker transition.
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
