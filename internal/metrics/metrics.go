// Package metrics exposes Prometheus collectors for the analysis service.
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
	fetchRequestsTotal         *prometheus.CounterVec
	proxyFailuresTotal         prometheus.Counter
	proxyPoolSize              prometheus.Gauge
	browserFallbacksTotal      prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	analysisJobsTotal          *prometheus.CounterVec
	extractionBatchesTotal     *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sie_fetch_requests_total",
				Help: "Total content fetch requests, labeled by host and status.",
			},
			[]string{"host", "status"},
		)

		proxyFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sie_proxy_failures_total",
				Help: "Total proxy endpoints reported as failed.",
			},
		)

		proxyPoolSize = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sie_proxy_pool_size",
				Help: "Number of proxy endpoints currently in the pool.",
			},
		)

		browserFallbacksTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sie_browser_fallbacks_total",
				Help: "Total requests that fell back from the browser to the HTTP client.",
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

		analysisJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sie_analysis_jobs_total",
				Help: "Total analysis jobs processed, labeled by terminal status.",
			},
			[]string{"status"},
		)

		extractionBatchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sie_extraction_batches_total",
				Help: "Total LLM extraction batches, labeled by outcome.",
			},
			[]string{"outcome"},
		)
	})
}

// SanitizeHost sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
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

// Fetch increments the fetch counter for one upstream request.
func Fetch(host string, statusCode int) {
	Init()
	fetchRequestsTotal.WithLabelValues(SanitizeHost(host), strconv.Itoa(statusCode)).Inc()
}

// ProxyFailure increments the proxy failure counter.
func ProxyFailure() {
	Init()
	proxyFailuresTotal.Inc()
}

// SetProxyPoolSize records the current pool size.
func SetProxyPoolSize(n int) {
	Init()
	proxyPoolSize.Set(float64(n))
}

// BrowserFallback increments the browser-to-HTTP fallback counter.
func BrowserFallback() {
	Init()
	browserFallbacksTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveJob increments the job counter for the given terminal status.
func ObserveJob(status string) {
	Init()
	analysisJobsTotal.WithLabelValues(status).Inc()
}

// ObserveExtractionBatch increments the extraction batch counter.
func ObserveExtractionBatch(outcome string) {
	Init()
	extractionBatchesTotal.WithLabelValues(outcome).Inc()
}
