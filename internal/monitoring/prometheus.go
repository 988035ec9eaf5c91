package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. Each instance owns its registry so
// tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight *prometheus.GaugeVec
	apiErrorsTotal       *prometheus.CounterVec

	activeConnections prometheus.Gauge
	activeTopics      *prometheus.GaugeVec
	subscribers       *prometheus.GaugeVec
	producersStarted  *prometheus.CounterVec
	producersStopped  *prometheus.CounterVec
	envelopesSent     *prometheus.CounterVec
	envelopesDropped  *prometheus.CounterVec
	subscribeRequests *prometheus.CounterVec
}

// NewMetrics creates new Prometheus metrics under namespace.
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
			[]string{"method", "endpoint"},
		),
		apiErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_errors_total",
				Help:      "Total number of API errors",
			},
			[]string{"endpoint", "error_type"},
		),
		activeConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "websocket_connections_active",
				Help:      "Number of active WebSocket connections",
			},
		),
		activeTopics: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "topics_active",
				Help:      "Topics with a running producer",
			},
			[]string{"route"},
		),
		subscribers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "subscribers_active",
				Help:      "Registered subscriber queues",
			},
			[]string{"route"},
		),
		producersStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "producers_started_total",
				Help:      "Producer tasks started",
			},
			[]string{"route"},
		),
		producersStopped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "producers_stopped_total",
				Help:      "Producer tasks stopped, by reason",
			},
			[]string{"route", "reason"},
		),
		envelopesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "envelopes_published_total",
				Help:      "Updates enqueued to subscribers",
			},
			[]string{"route"},
		),
		envelopesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "envelopes_dropped_total",
				Help:      "Updates evicted from full subscriber queues",
			},
			[]string{"route"},
		),
		subscribeRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "subscribe_requests_total",
				Help:      "Subscribe requests by route and result code",
			},
			[]string{"route", "result"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.httpRequestsInFlight,
		m.apiErrorsTotal,
		m.activeConnections,
		m.activeTopics,
		m.subscribers,
		m.producersStarted,
		m.producersStopped,
		m.envelopesSent,
		m.envelopesDropped,
		m.subscribeRequests,
	)

	return m
}

// Registry returns the registry the metrics are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus exposition handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// MetricsMiddleware creates a Prometheus metrics middleware
func (m *Metrics) MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		// Track in-flight requests
		m.httpRequestsInFlight.WithLabelValues(c.Request.Method, path).Inc()
		defer m.httpRequestsInFlight.WithLabelValues(c.Request.Method, path).Dec()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		m.httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		m.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)

		if c.Writer.Status() >= 400 {
			errorType := "client_error"
			if c.Writer.Status() >= 500 {
				errorType = "server_error"
			}
			m.apiErrorsTotal.WithLabelValues(path, errorType).Inc()
		}
	}
}

// ConnectionOpened increments the active WebSocket connection gauge.
func (m *Metrics) ConnectionOpened() { m.activeConnections.Inc() }

// ConnectionClosed decrements the active WebSocket connection gauge.
func (m *Metrics) ConnectionClosed() { m.activeConnections.Dec() }

// RecordSubscribe counts a subscribe request by its result code ("ok" on
// success).
func (m *Metrics) RecordSubscribe(route, result string) {
	m.subscribeRequests.WithLabelValues(route, result).Inc()
}

// TopicStarted implements topic.Observer.
func (m *Metrics) TopicStarted(route string) {
	m.activeTopics.WithLabelValues(route).Inc()
	m.producersStarted.WithLabelValues(route).Inc()
}

// TopicStopped implements topic.Observer.
func (m *Metrics) TopicStopped(route, reason string) {
	m.activeTopics.WithLabelValues(route).Dec()
	m.producersStopped.WithLabelValues(route, reason).Inc()
}

// SubscriberAdded implements topic.Observer.
func (m *Metrics) SubscriberAdded(route string) {
	m.subscribers.WithLabelValues(route).Inc()
}

// SubscriberRemoved implements topic.Observer.
func (m *Metrics) SubscriberRemoved(route string) {
	m.subscribers.WithLabelValues(route).Dec()
}

// Published implements topic.Observer.
func (m *Metrics) Published(route string, delivered int) {
	if delivered > 0 {
		m.envelopesSent.WithLabelValues(route).Add(float64(delivered))
	}
}

// Dropped implements topic.Observer.
func (m *Metrics) Dropped(route string, n int) {
	m.envelopesDropped.WithLabelValues(route).Add(float64(n))
}
