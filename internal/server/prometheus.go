// prometheus.go - Prometheus collectors for the planner.
package server

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"changeover-planner/internal/erp"
)

// Metrics owns a private registry so tests can build servers side by side.
type Metrics struct {
	registry *prometheus.Registry

	requests     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	uploads      *prometheus.CounterVec
	storeRetries prometheus.Counter
	logins       *prometheus.CounterVec
	breakerState prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "planner_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "planner_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "planner_uploads_total",
			Help: "Proof uploads by kind and result.",
		}, []string{"kind", "result"}),
		storeRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "planner_store_auth_retries_total",
			Help: "Document store calls retried after a 401.",
		}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "planner_logins_total",
			Help: "Login attempts by result.",
		}, []string{"result"}),
		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "planner_erp_breaker_state",
			Help: "ERP circuit breaker state: 0 closed, 1 open, 2 half-open.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests, m.duration, m.uploads, m.storeRetries, m.logins, m.breakerState,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observeRequest(method, route string, status int, seconds float64) {
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(method, route).Observe(seconds)
}

func (m *Metrics) RecordUpload(kind string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.uploads.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) RecordLogin(result string) { m.logins.WithLabelValues(result).Inc() }

// StoreRetried is handed to the Drive store as its retry hook.
func (m *Metrics) StoreRetried() { m.storeRetries.Inc() }

// BreakerChanged is registered with the ERP breaker.
func (m *Metrics) BreakerChanged(s erp.BreakerState) { m.breakerState.Set(float64(s)) }
