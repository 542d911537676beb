// Package metrics exposes Prometheus metrics for the CA service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the service's Prometheus metrics on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	certsIssued     *prometheus.CounterVec
	signFailures    *prometheus.CounterVec
	tokenRotations  prometheus.Counter
	authFailures    *prometheus.CounterVec
	lastSerial      prometheus.Gauge
}

// New initializes the registry and all metrics
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sshca_http_requests_total",
			Help: "HTTP requests by route, method and status code.",
		}, []string{"route", "method", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sshca_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		certsIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sshca_certificates_issued_total",
			Help: "Certificates signed and recorded in the ledger, by certificate type.",
		}, []string{"cert_type"}),
		signFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sshca_sign_failures_total",
			Help: "Rejected or failed signing requests, by error kind.",
		}, []string{"kind"}),
		tokenRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sshca_host_token_rotations_total",
			Help: "Host API tokens issued by create or rotate.",
		}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sshca_auth_failures_total",
			Help: "Failed caller authentications, by scheme.",
		}, []string{"scheme"}),
		lastSerial: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sshca_serial_last_allocated",
			Help: "Most recently allocated certificate serial.",
		}),
	}
	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.certsIssued,
		m.signFailures,
		m.tokenRotations,
		m.authFailures,
		m.lastSerial,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m
}

// Handler returns the /metrics handler
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registerer exposes the registry for additional collectors
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// Middleware records request count and latency per matched route
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.requestsTotal.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

// CertIssued records one ledgered certificate
func (m *Metrics) CertIssued(certType string, serial uint64) {
	if m == nil {
		return
	}
	m.certsIssued.WithLabelValues(certType).Inc()
	m.lastSerial.Set(float64(serial))
}

// SignFailed records a rejected or failed signing request
func (m *Metrics) SignFailed(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "internal"
	}
	m.signFailures.WithLabelValues(kind).Inc()
}

// SerialAllocated records a serial that was consumed, ledgered or not
func (m *Metrics) SerialAllocated(serial uint64) {
	if m == nil {
		return
	}
	m.lastSerial.Set(float64(serial))
}

// TokenIssued records a host token create or rotation
func (m *Metrics) TokenIssued() {
	if m == nil {
		return
	}
	m.tokenRotations.Inc()
}

// AuthFailed records a failed authentication for scheme
func (m *Metrics) AuthFailed(scheme string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(scheme).Inc()
}
