package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the delivery engine.
type Metrics struct {
	// Delivery counters
	SendsTotal    *prometheus.CounterVec
	FailuresTotal *prometheus.CounterVec
	SkipsTotal    *prometheus.CounterVec
	RetriesTotal  *prometheus.CounterVec

	// Broadcast lifecycle
	BroadcastsCompletedTotal *prometheus.CounterVec
	BroadcastsInFlight       prometheus.Gauge
	SchedulerQueueDepth      prometheus.Gauge

	// Delivery timing
	SendDurationSeconds *prometheus.HistogramVec

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		SendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "beam_sends_total",
				Help: "Total number of successfully delivered messages",
			},
			[]string{"channel"},
		),
		FailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "beam_failures_total",
				Help: "Total number of permanently failed sends",
			},
			[]string{"channel", "error_type"},
		),
		SkipsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "beam_skips_total",
				Help: "Total number of contacts skipped by eligibility",
			},
			[]string{"channel", "reason"},
		),
		RetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "beam_retries_total",
				Help: "Total number of retried sends",
			},
			[]string{"channel"},
		),
		BroadcastsCompletedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "beam_broadcasts_completed_total",
				Help: "Total number of completed broadcasts",
			},
			[]string{"status"},
		),
		BroadcastsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "beam_broadcasts_in_flight",
				Help: "Broadcasts currently being delivered",
			},
		),
		SchedulerQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "beam_scheduler_queue_depth",
				Help: "Broadcasts waiting on the scheduler heap",
			},
		),
		SendDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "beam_send_duration_seconds",
				Help:    "Time spent in transport Send calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"channel"},
		),
		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "beam_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "beam_api_request_duration_seconds",
				Help:    "API request duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.SendsTotal,
		m.FailuresTotal,
		m.SkipsTotal,
		m.RetriesTotal,
		m.BroadcastsCompletedTotal,
		m.BroadcastsInFlight,
		m.SchedulerQueueDepth,
		m.SendDurationSeconds,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
