package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the service. Each instance
// carries its own registry so tests can build servers independently.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	apiErrorsTotal      *prometheus.CounterVec

	credentialWrites    *prometheus.CounterVec
	credentialRemovals  prometheus.Counter
	connectionTests     *prometheus.CounterVec
	configuredServices  prometheus.Gauge
	rotationOverdue     prometheus.Gauge
}

// NewMetrics creates and registers all metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		apiErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"endpoint", "error_type"},
		),
		credentialWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credential_rotations_total",
				Help: "Total number of credential writes",
			},
			[]string{"type"},
		),
		credentialRemovals: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "credential_removals_total",
				Help: "Total number of credential removals",
			},
		),
		connectionTests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connection_tests_total",
				Help: "Total number of provider connection tests",
			},
			[]string{"service", "outcome"},
		),
		configuredServices: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "configured_services",
				Help: "Number of services with a usable credential",
			},
		),
		rotationOverdue: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rotation_overdue_services",
				Help: "Number of stored credentials overdue for rotation",
			},
		),
	}

	m.registry.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.apiErrorsTotal,
		m.credentialWrites,
		m.credentialRemovals,
		m.connectionTests,
		m.configuredServices,
		m.rotationOverdue,
	)

	return m
}

// Handler returns the Prometheus scrape handler for this instance's
// registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// MetricsMiddleware creates a Prometheus metrics middleware
func (m *Metrics) MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

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

// RecordCredentialWrite records a credential create or rotation
func (m *Metrics) RecordCredentialWrite(forced bool) {
	writeType := "normal"
	if forced {
		writeType = "forced"
	}
	m.credentialWrites.WithLabelValues(writeType).Inc()
}

// RecordCredentialRemoval records a credential removal
func (m *Metrics) RecordCredentialRemoval() {
	m.credentialRemovals.Inc()
}

// RecordConnectionTest records a provider connection test outcome
func (m *Metrics) RecordConnectionTest(service string, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.connectionTests.WithLabelValues(service, outcome).Inc()
}

// SetConfiguredServices sets the configured-service gauge
func (m *Metrics) SetConfiguredServices(count int) {
	m.configuredServices.Set(float64(count))
}

// SetRotationOverdue sets the overdue-rotation gauge
func (m *Metrics) SetRotationOverdue(count int) {
	m.rotationOverdue.Set(float64(count))
}
