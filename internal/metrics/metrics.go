// Package metrics exposes Prometheus collectors for the crawl engine.
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
	crawlerFetchesTotal           *prometheus.CounterVec
	crawlerBytesTotal             *prometheus.CounterVec
	crawlerFetchDurationSeconds   *prometheus.HistogramVec
	crawlerQueueDepth             prometheus.Gauge
	crawlerOutstandingRequests    prometheus.Gauge
	crawlerActiveWorkers          prometheus.Gauge
	crawlerRetriesTotal           *prometheus.CounterVec
	crawlerRobotsFailuresTotal    prometheus.Counter
	crawlerItemsExportedTotal     *prometheus.CounterVec
	crawlerRunsTotal              *prometheus.CounterVec
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetches_total",
				Help: "Total number of transport calls, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerFetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_fetch_duration_seconds",
				Help:    "Histogram of transport latencies, labeled by site.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
			},
			[]string{"site"},
		)

		crawlerQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_queue_depth",
				Help: "Requests waiting in the work queue.",
			},
		)

		crawlerOutstandingRequests = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_outstanding_requests",
				Help: "Requests scheduled but not yet fully processed.",
			},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently processing a request.",
			},
		)

		crawlerRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_retries_total",
				Help: "Requests rescheduled after a failure, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerRobotsFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_robots_fetch_failures_total",
				Help: "robots.txt fetches that failed and defaulted to allow.",
			},
		)

		crawlerItemsExportedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_items_exported_total",
				Help: "Items written by the export extension, labeled by result.",
			},
			[]string{"result"},
		)

		crawlerRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_runs_total",
				Help: "Completed runs, labeled by status.",
			},
			[]string{"status"},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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

// ObserveFetch records a transport call. outcome is "ok", "http_error" or
// "client_error".
func ObserveFetch(rawURL, outcome string, bytesFetched int, duration time.Duration) {
	Init()
	site := SanitizeSite(rawURL)
	crawlerFetchesTotal.WithLabelValues(site, outcome).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(site).Add(float64(bytesFetched))
	}
	if duration > 0 {
		crawlerFetchDurationSeconds.WithLabelValues(site).Observe(duration.Seconds())
	}
}

// SetQueueDepth publishes the current queue length.
func SetQueueDepth(n int) {
	Init()
	crawlerQueueDepth.Set(float64(n))
}

// SetOutstanding publishes the number of unfinished requests.
func SetOutstanding(n int64) {
	Init()
	crawlerOutstandingRequests.Set(float64(n))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	crawlerActiveWorkers.Dec()
}

// ObserveRetry counts a rescheduled request.
func ObserveRetry(rawURL string) {
	Init()
	crawlerRetriesTotal.WithLabelValues(SanitizeSite(rawURL)).Inc()
}

// ObserveRobotsFailure counts a robots.txt fetch that failed open.
func ObserveRobotsFailure() {
	Init()
	crawlerRobotsFailuresTotal.Inc()
}

// ObserveExport counts an exported item; result is "ok" or "error".
func ObserveExport(result string) {
	Init()
	crawlerItemsExportedTotal.WithLabelValues(result).Inc()
}

// ObserveRun counts a finished run.
func ObserveRun(status string) {
	Init()
	crawlerRunsTotal.WithLabelValues(status).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
