// Package metrics exposes Prometheus collectors for the rexml service.
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
	scansTotal                 *prometheus.CounterVec
	scanDurationSeconds        *prometheus.HistogramVec
	postsObservedTotal         *prometheus.CounterVec
	postsInsertedTotal         *prometheus.CounterVec
	thresholdCrossingsTotal    *prometheus.CounterVec
	cyclesTotal                *prometheus.CounterVec
	cycleDurationSeconds       prometheus.Histogram
	upstreamRequestsTotal      *prometheus.CounterVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scansTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rexml_scans_total",
				Help: "Total number of channel scans, labeled by channel and outcome.",
			},
			[]string{"channel", "outcome"},
		)

		scanDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rexml_scan_duration_seconds",
				Help:    "Histogram of channel scan durations.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"channel"},
		)

		postsObservedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rexml_posts_observed_total",
				Help: "Posts evaluated inside the cutoff window, labeled by channel.",
			},
			[]string{"channel"},
		)

		postsInsertedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rexml_posts_inserted_total",
				Help: "Posts recorded for the first time, labeled by channel.",
			},
			[]string{"channel"},
		)

		thresholdCrossingsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rexml_threshold_crossings_total",
				Help: "Threshold crossings recorded, labeled by channel.",
			},
			[]string{"channel"},
		)

		cyclesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rexml_cycles_total",
				Help: "Scan cycles started, labeled by what triggered them.",
			},
			[]string{"trigger"},
		)

		cycleDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rexml_cycle_duration_seconds",
				Help:    "Histogram of full scan cycle durations.",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
		)

		upstreamRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rexml_upstream_requests_total",
				Help: "Listing API requests, labeled by status code (\"error\" for transport failures).",
			},
			[]string{"code"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rexml_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
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

// SanitizeHost extracts a lowercase hostname from a URL.
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
	Init()
	return promhttp.Handler()
}

// ObserveScan records the outcome and duration of one channel scan.
func ObserveScan(channel, outcome string, duration time.Duration) {
	Init()
	scansTotal.WithLabelValues(channel, outcome).Inc()
	scanDurationSeconds.WithLabelValues(channel).Observe(duration.Seconds())
}

// ObservePost counts a post evaluated by a scan; inserted marks a first sighting.
func ObservePost(channel string, inserted bool) {
	Init()
	postsObservedTotal.WithLabelValues(channel).Inc()
	if inserted {
		postsInsertedTotal.WithLabelValues(channel).Inc()
	}
}

// ObserveCrossing counts a recorded threshold crossing.
func ObserveCrossing(channel string) {
	Init()
	thresholdCrossingsTotal.WithLabelValues(channel).Inc()
}

// ObserveCycle records a completed scan cycle.
func ObserveCycle(trigger string, duration time.Duration) {
	Init()
	cyclesTotal.WithLabelValues(trigger).Inc()
	cycleDurationSeconds.Observe(duration.Seconds())
}

// ObserveUpstreamRequest counts a listing API request by status code.
// A zero code marks a transport failure.
func ObserveUpstreamRequest(code int) {
	Init()
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	upstreamRequestsTotal.WithLabelValues(label).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
