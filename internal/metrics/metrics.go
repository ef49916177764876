package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	registry *prometheus.Registry

	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration prometheus.Histogram
	QueueDepth      prometheus.Gauge
	QueueRejections prometheus.Counter

	// Session metrics
	SessionsActive       prometheus.Gauge
	SessionsCreatedTotal prometheus.Counter
	SessionsRotatedTotal prometheus.Counter
	WarmupFailuresTotal  prometheus.Counter
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatpool_requests_total",
				Help: "Total number of requests processed by the pool",
			},
			[]string{"status"},
		),
		RequestDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chatpool_request_duration_seconds",
				Help:    "Duration of successful requests in seconds",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
			},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatpool_queue_depth",
				Help: "Number of requests waiting in the queue",
			},
		),
		QueueRejections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chatpool_queue_rejections_total",
				Help: "Total number of requests rejected because the queue was full",
			},
		),

		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatpool_sessions_active",
				Help: "Number of sessions currently registered in the pool",
			},
		),
		SessionsCreatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chatpool_sessions_created_total",
				Help: "Total number of sessions created",
			},
		),
		SessionsRotatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chatpool_sessions_rotated_total",
				Help: "Total number of sessions rotated out of the pool",
			},
		),
		WarmupFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chatpool_warmup_failures_total",
				Help: "Total number of sessions that never passed warmup",
			},
		),
	}

	m.registerMetrics()

	return m
}

// registerMetrics registers all metrics with the registry
func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(m.RequestsTotal)
	m.registry.MustRegister(m.RequestDuration)
	m.registry.MustRegister(m.QueueDepth)
	m.registry.MustRegister(m.QueueRejections)

	m.registry.MustRegister(m.SessionsActive)
	m.registry.MustRegister(m.SessionsCreatedTotal)
	m.registry.MustRegister(m.SessionsRotatedTotal)
	m.registry.MustRegister(m.WarmupFailuresTotal)
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
