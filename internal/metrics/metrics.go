// Package metrics exposes Prometheus collectors for the broker.
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
	fetchTotal                 *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	fetchBytesTotal            *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	pendingRequests            prometheus.Gauge
	coalescedTotal             prometheus.Counter
	reapedTotal                prometheus.Counter
	launchesTotal              *prometheus.CounterVec
	connectionErrorsTotal      prometheus.Counter
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to
// call multiple times; every Observe function calls it.
func Init() {
	once.Do(func() {
		fetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_fetch_total",
				Help: "Backend runs, labeled by backend and status class.",
			},
			[]string{"backend", "class"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "broker_fetch_duration_seconds",
				Help:    "Histogram of backend run latencies.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"backend"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_fetch_bytes_total",
				Help: "Body bytes fetched, labeled by site.",
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"method", "route"},
		)

		pendingRequests = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "broker_pending_requests",
				Help: "Connections waiting on a crawl.",
			},
		)

		coalescedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "broker_coalesced_total",
				Help: "Requests attached to an already running crawl.",
			},
		)

		reapedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "broker_reaped_total",
				Help: "Pending requests dropped after outliving their timeout.",
			},
		)

		launchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_crawler_launches_total",
				Help: "Crawler subprocess launches, labeled by result.",
			},
			[]string{"result"},
		)

		connectionErrorsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "broker_connection_errors_total",
				Help: "Server connections that ended with an error.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "broker_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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

// ObserveFetch records one backend run.
func ObserveFetch(backend, class, site string, bytesFetched int64, duration time.Duration) {
	Init()
	fetchTotal.WithLabelValues(backend, class).Inc()
	fetchDurationSeconds.WithLabelValues(backend).Observe(duration.Seconds())
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(SanitizeSite(site)).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetPending sets the pending request gauge.
func SetPending(n int) {
	Init()
	pendingRequests.Set(float64(n))
}

// ObserveCoalesced counts a request served by an existing crawl.
func ObserveCoalesced() {
	Init()
	coalescedTotal.Inc()
}

// ObserveReaped counts stale pending requests.
func ObserveReaped(n int) {
	Init()
	reapedTotal.Add(float64(n))
}

// ObserveLaunch counts a crawler launch; result is "ok" or "failed".
func ObserveLaunch(result string) {
	Init()
	launchesTotal.WithLabelValues(result).Inc()
}

// ObserveConnectionError counts a failed server connection.
func ObserveConnectionError() {
	Init()
	connectionErrorsTotal.Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
