// Package metrics exposes gateway request/retry/health metrics through
// prometheus/client_golang instead of the teacher's hand-rolled
// Collector/WritePrometheus text-exposition writer (internal/metrics in
// the teacher repo): same metric surface (requests, durations, retries,
// circuit breaker state, backend health), now registered against a real
// prometheus.Registry and served by promhttp.Handler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns every metric this gateway exports, all registered under
// one prometheus.Registry so Handler never leaks the global default
// registry's own process/go_* series into a test's expectations.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal       *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
	retryTotal          *prometheus.CounterVec
	circuitBreakerState *prometheus.GaugeVec
	backendHealth       *prometheus.GaugeVec
}

// NewCollector builds and registers every metric.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of requests processed.",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Request duration in seconds.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}, []string{"route"}),
		retryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_retry_total",
			Help: "Total retry attempts against an upstream.",
		}, []string{"route"}),
		circuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Circuit breaker state per backend (0=closed, 1=open, 2=half_open).",
		}, []string{"backend"}),
		backendHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_backend_health",
			Help: "Backend health (0=unhealthy, 1=healthy).",
		}, []string{"upstream", "backend"}),
	}

	reg.MustRegister(c.requestsTotal, c.requestDuration, c.retryTotal, c.circuitBreakerState, c.backendHealth)
	return c
}

// RecordRequest records one completed request's outcome, called from the
// Log phase with the route that served it (or "" for a no-route-match).
func (c *Collector) RecordRequest(route, method string, statusCode int, duration time.Duration) {
	status := statusClass(statusCode)
	c.requestsTotal.WithLabelValues(route, method, status).Inc()
	c.requestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordRetry records one retry attempt issued by the Forwarder.
func (c *Collector) RecordRetry(route string) {
	c.retryTotal.WithLabelValues(route).Inc()
}

// SetCircuitBreakerState reports a backend's gobreaker state as a gauge:
// 0 closed, 1 open, 2 half-open, mirroring gobreaker.State's own ordering.
func (c *Collector) SetCircuitBreakerState(backend string, state int) {
	c.circuitBreakerState.WithLabelValues(backend).Set(float64(state))
}

// SetBackendHealth reports one backend's current health flag.
func (c *Collector) SetBackendHealth(upstreamID, backend string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	c.backendHealth.WithLabelValues(upstreamID, backend).Set(v)
}

// Handler returns the /metrics endpoint serving this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
