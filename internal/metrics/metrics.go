// Package metrics exposes Prometheus collectors for the job tracker service.
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
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec
	backendRequestsTotal          *prometheus.CounterVec
	backendRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaysSeconds        *prometheus.HistogramVec
	channelConnected              *prometheus.GaugeVec
	channelFailuresTotal          *prometheus.CounterVec
	recoveryRestartsTotal         *prometheus.CounterVec
	probeResultsTotal             *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
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

		backendRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracker_backend_requests_total",
				Help: "Calls made to the scraping backend, labeled by endpoint and outcome.",
			},
			[]string{"endpoint", "outcome"},
		)

		backendRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tracker_backend_request_duration_seconds",
				Help:    "Latency of scraping backend calls, labeled by endpoint.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"endpoint"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tracker_rate_limit_delays_seconds",
				Help:    "Histogram of outbound rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"endpoint"},
		)

		channelConnected = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tracker_channel_connected",
				Help: "1 while the update channel transport is connected.",
			},
			[]string{"mode"},
		)

		channelFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracker_channel_failures_total",
				Help: "Update channel failures, labeled by transport mode.",
			},
			[]string{"mode"},
		)

		recoveryRestartsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracker_recovery_restarts_total",
				Help: "Jobs restarted by the recovery manager, labeled by error category.",
			},
			[]string{"category"},
		)

		probeResultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracker_connectivity_probes_total",
				Help: "Connectivity probes, labeled by host and result.",
			},
			[]string{"host", "result"},
		)
	})
}

// SanitizeHost extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") && !strings.HasPrefix(rawURL, "ws") {
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

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveBackendRequest records one backend call. outcome is "ok" or an error label.
func ObserveBackendRequest(endpoint, outcome string, duration time.Duration) {
	Init()
	backendRequestsTotal.WithLabelValues(endpoint, outcome).Inc()
	backendRequestDurationSeconds.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(endpoint string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// SetChannelConnected flips the connected gauge for a transport mode.
func SetChannelConnected(mode string, connected bool) {
	Init()
	v := 0.0
	if connected {
		v = 1
	}
	channelConnected.WithLabelValues(mode).Set(v)
}

// ObserveChannelFailure counts a transport failure.
func ObserveChannelFailure(mode string) {
	Init()
	channelFailuresTotal.WithLabelValues(mode).Inc()
}

// ObserveRecoveryRestart counts a recovery restart for an error category.
func ObserveRecoveryRestart(category string) {
	Init()
	recoveryRestartsTotal.WithLabelValues(category).Inc()
}

// ObserveProbe counts a connectivity probe result.
func ObserveProbe(rawURL string, ok bool) {
	Init()
	result := "ok"
	if !ok {
		result = "failed"
	}
	probeResultsTotal.WithLabelValues(SanitizeHost(rawURL), result).Inc()
}
