// Package metrics exposes Prometheus collectors for the ingestion pipeline.
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
	fetchAttemptsTotal         *prometheus.CounterVec
	fetchAttemptSeconds        *prometheus.HistogramVec
	fetchBytesTotal            *prometheus.CounterVec
	recordsTotal               *prometheus.CounterVec
	validationScore            *prometheus.HistogramVec
	sourceRunsTotal            *prometheus.CounterVec
	activeSources              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	robotsFallbackTotal        *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cropcost_fetch_attempts_total",
				Help: "Fetch attempts, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		fetchAttemptSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cropcost_fetch_attempt_seconds",
				Help:    "Latency of individual fetch attempts.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"source"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cropcost_fetch_bytes_total",
				Help: "Bytes downloaded per host.",
			},
			[]string{"site"},
		)

		recordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cropcost_records_total",
				Help: "Records seen by the ingest stage, labeled by source and result.",
			},
			[]string{"source", "result"},
		)

		validationScore = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cropcost_validation_score",
				Help:    "Distribution of validator quality scores.",
				Buckets: []float64{0, 25, 50, 60, 70, 80, 90, 95, 100},
			},
			[]string{"source"},
		)

		sourceRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cropcost_source_runs_total",
				Help: "Completed source runs, labeled by terminal state.",
			},
			[]string{"state"},
		)

		activeSources = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "cropcost_active_sources",
				Help: "Number of sources currently running.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cropcost_rate_limit_delays_seconds",
				Help:    "Histogram of per-host politeness wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		robotsFallbackTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cropcost_robots_fallback_total",
				Help: "robots.txt probes that timed out and fell back to allow-all.",
			},
			[]string{"site"},
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
	Init()
	return promhttp.Handler()
}

// ObserveFetchAttempt records one fetch attempt.
func ObserveFetchAttempt(source, outcome string, latency time.Duration) {
	Init()
	fetchAttemptsTotal.WithLabelValues(source, outcome).Inc()
	fetchAttemptSeconds.WithLabelValues(source).Observe(latency.Seconds())
}

// ObserveFetchBytes adds downloaded bytes for the URL's host.
func ObserveFetchBytes(rawURL string, n int) {
	Init()
	if n > 0 {
		fetchBytesTotal.WithLabelValues(SanitizeSite(rawURL)).Add(float64(n))
	}
}

// ObserveRecords adds n records with the given result (accepted, duplicate, rejected).
func ObserveRecords(source, result string, n int) {
	Init()
	if n > 0 {
		recordsTotal.WithLabelValues(source, result).Add(float64(n))
	}
}

// ObserveValidationScore records a single validator score.
func ObserveValidationScore(source string, score int) {
	Init()
	validationScore.WithLabelValues(source).Observe(float64(score))
}

// ObserveSourceRun counts a source reaching a terminal state.
func ObserveSourceRun(state string) {
	Init()
	sourceRunsTotal.WithLabelValues(state).Inc()
}

// IncActiveSources increments the running sources gauge.
func IncActiveSources() {
	Init()
	activeSources.Inc()
}

// DecActiveSources decrements the running sources gauge.
func DecActiveSources() {
	Init()
	activeSources.Dec()
}

// ObserveRateLimitDelay records the duration of a politeness wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveRobotsFallback counts a robots.txt probe that fell back to allow-all.
func ObserveRobotsFallback(rawURL string) {
	Init()
	robotsFallbackTotal.WithLabelValues(SanitizeSite(rawURL)).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
