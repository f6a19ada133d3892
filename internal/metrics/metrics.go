// Package metrics exposes Prometheus collectors for the clipper service.
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
	clipsTotal                 *prometheus.CounterVec
	fallbacksTotal             *prometheus.CounterVec
	archiveSessionsTotal       *prometheus.CounterVec
	pendingExtractions         *prometheus.GaugeVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		clipsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tabclip_clips_total",
				Help: "Total captures, labeled by handler kind and status.",
			},
			[]string{"kind", "status"},
		)

		fallbacksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tabclip_fallbacks_total",
				Help: "Strategy fallbacks, labeled by the failing and next strategy.",
			},
			[]string{"from", "to"},
		)

		archiveSessionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tabclip_archive_sessions_total",
				Help: "Archive sessions by terminal state.",
			},
			[]string{"state"},
		)

		pendingExtractions = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tabclip_pending_extractions",
				Help: "Registrations awaiting a result, labeled by correlator.",
			},
			[]string{"correlator"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tabclip_rate_limit_delay_seconds",
				Help:    "Histogram of sliding-window admission delays.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"limiter"},
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

// ObserveClip counts a finished capture.
func ObserveClip(kind, status string) {
	Init()
	clipsTotal.WithLabelValues(kind, status).Inc()
}

// ObserveFallback counts a strategy handing off to the next one.
func ObserveFallback(from, to string) {
	Init()
	fallbacksTotal.WithLabelValues(from, to).Inc()
}

// ObserveArchiveSession counts an archive session reaching a terminal state.
func ObserveArchiveSession(state string) {
	Init()
	archiveSessionsTotal.WithLabelValues(state).Inc()
}

// SetPendingExtractions records how many registrations a correlator holds.
func SetPendingExtractions(correlator string, n int) {
	Init()
	pendingExtractions.WithLabelValues(correlator).Set(float64(n))
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(limiter string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(limiter).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
