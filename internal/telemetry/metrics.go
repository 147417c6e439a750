// Package telemetry exposes the warehouse's Prometheus metrics on a
// private registry so tests can instantiate it without global state.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the warehouse emits.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	VendorRequests    *prometheus.CounterVec
	VendorRateLimited *prometheus.CounterVec
	VendorFallbacks   *prometheus.CounterVec

	CandlesUpserted   *prometheus.CounterVec
	ValidationScores  prometheus.Histogram
	CandlesRejected   prometheus.Counter
	JobsFinished      *prometheus.CounterVec
	SchedulerTicks    *prometheus.CounterVec
	GapsRepaired      prometheus.Counter
	CacheHits         *prometheus.CounterVec
	CacheMisses       *prometheus.CounterVec
}

// New builds a metrics set on its own registry, including the standard
// process and Go runtime collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candlevault_http_requests_total",
				Help: "HTTP requests by route and status code",
			},
			[]string{"route", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "candlevault_http_request_duration_seconds",
				Help:    "HTTP request latency by route",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"route"},
		),
		VendorRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candlevault_vendor_requests_total",
				Help: "Upstream vendor requests by source",
			},
			[]string{"source"},
		),
		VendorRateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candlevault_vendor_rate_limited_total",
				Help: "429 responses by source",
			},
			[]string{"source"},
		),
		VendorFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candlevault_vendor_fallbacks_total",
				Help: "Router fallbacks away from a source, by reason",
			},
			[]string{"source", "reason"},
		),
		CandlesUpserted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candlevault_candles_upserted_total",
				Help: "Candles written by timeframe",
			},
			[]string{"timeframe"},
		),
		ValidationScores: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "candlevault_validation_score",
				Help:    "Quality score distribution",
				Buckets: []float64{0.5, 0.7, 0.8, 0.85, 0.9, 0.95, 1.0},
			},
		),
		CandlesRejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "candlevault_candles_rejected_total",
				Help: "Candles scored below the validation threshold",
			},
		),
		JobsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candlevault_jobs_finished_total",
				Help: "Backfill jobs by terminal status",
			},
			[]string{"status"},
		),
		SchedulerTicks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candlevault_scheduler_ticks_total",
				Help: "Scheduler executions by outcome",
			},
			[]string{"status"},
		),
		GapsRepaired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "candlevault_gaps_repaired_total",
				Help: "Gap ranges successfully refetched",
			},
		),
		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candlevault_cache_hits_total",
				Help: "Cache hits by key class",
			},
			[]string{"cache"},
		),
		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candlevault_cache_misses_total",
				Help: "Cache misses by key class",
			},
			[]string{"cache"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequests,
		m.HTTPDuration,
		m.VendorRequests,
		m.VendorRateLimited,
		m.VendorFallbacks,
		m.CandlesUpserted,
		m.ValidationScores,
		m.CandlesRejected,
		m.JobsFinished,
		m.SchedulerTicks,
		m.GapsRepaired,
		m.CacheHits,
		m.CacheMisses,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveHTTP records one finished request.
func (m *Metrics) ObserveHTTP(route string, status int, elapsed time.Duration) {
	m.HTTPRequests.WithLabelValues(route, httpStatusClass(status)).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func httpStatusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
