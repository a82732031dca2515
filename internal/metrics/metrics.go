// Package metrics exposes Prometheus collectors for the crawl pipeline.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pagesFetchedTotal      *prometheus.CounterVec
	urlsDiscoveredTotal    *prometheus.CounterVec
	articlesExtractedTotal *prometheus.CounterVec
	extractionFailedTotal  *prometheus.CounterVec
	rateLimitDelaySeconds  *prometheus.HistogramVec
	breakerOpenTotal       *prometheus.CounterVec
	activeWorkers          prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		pagesFetchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsgather_pages_fetched_total",
				Help: "Total pages fetched, labeled by domain and status code.",
			},
			[]string{"domain", "status"},
		)

		urlsDiscoveredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsgather_urls_discovered_total",
				Help: "Total candidate URLs discovered, labeled by method.",
			},
			[]string{"method"},
		)

		articlesExtractedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsgather_articles_extracted_total",
				Help: "Total articles extracted, labeled by strategy.",
			},
			[]string{"strategy"},
		)

		extractionFailedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsgather_extraction_failed_total",
				Help: "Total terminal extraction failures, labeled by error type.",
			},
			[]string{"error_type"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "newsgather_rate_limit_delay_seconds",
				Help:    "Delay introduced by the per-domain rate limiter.",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"domain"},
		)

		breakerOpenTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsgather_breaker_open_total",
				Help: "Times the circuit breaker opened, labeled by domain.",
			},
			[]string{"domain"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "newsgather_active_workers",
				Help: "Number of extraction workers currently processing a URL.",
			},
		)
	})
}

// ObservePageFetched records one fetched page.
func ObservePageFetched(domain, status string) {
	if pagesFetchedTotal == nil {
		return
	}
	pagesFetchedTotal.WithLabelValues(domain, status).Inc()
}

// ObserveURLsDiscovered records candidate URLs found by a method.
func ObserveURLsDiscovered(method string, n int) {
	if urlsDiscoveredTotal == nil || n <= 0 {
		return
	}
	urlsDiscoveredTotal.WithLabelValues(method).Add(float64(n))
}

// ObserveArticleExtracted records one successful extraction.
func ObserveArticleExtracted(strategy string) {
	if articlesExtractedTotal == nil {
		return
	}
	articlesExtractedTotal.WithLabelValues(strategy).Inc()
}

// ObserveExtractionFailed records one terminal extraction failure.
func ObserveExtractionFailed(errorType string) {
	if extractionFailedTotal == nil {
		return
	}
	extractionFailedTotal.WithLabelValues(errorType).Inc()
}

// ObserveRateLimitDelay records how long a fetch waited on the limiter.
func ObserveRateLimitDelay(domain string, d time.Duration) {
	if rateLimitDelaySeconds == nil {
		return
	}
	rateLimitDelaySeconds.WithLabelValues(domain).Observe(d.Seconds())
}

// ObserveBreakerOpen records a circuit breaker trip.
func ObserveBreakerOpen(domain string) {
	if breakerOpenTotal == nil {
		return
	}
	breakerOpenTotal.WithLabelValues(domain).Inc()
}

// WorkerStarted increments the active worker gauge.
func WorkerStarted() {
	if activeWorkers == nil {
		return
	}
	activeWorkers.Inc()
}

// WorkerFinished decrements the active worker gauge.
func WorkerFinished() {
	if activeWorkers == nil {
		return
	}
	activeWorkers.Dec()
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
