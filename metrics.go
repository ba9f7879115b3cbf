package ipmask

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the proxy.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	rateLimited      prometheus.Counter
	requestsBlocked  *prometheus.CounterVec
	upstreamErrors   *prometheus.CounterVec
	chainFailed      prometheus.Gauge
	rateLimitClients prometheus.Gauge
	activeTunnels    prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with all collectors registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipmask",
			Name:      "requests_total",
			Help:      "Total number of inbound requests by outcome.",
		}, []string{"method", "outcome"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ipmask",
			Name:      "request_duration_seconds",
			Help:      "Time from receipt to response for forwarded requests.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"method", "status"}),

		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ipmask",
			Name:      "rate_limited_total",
			Help:      "Number of requests denied by the rate limiter.",
		}),

		requestsBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipmask",
			Name:      "requests_blocked_total",
			Help:      "Number of requests refused by the domain filter.",
		}, []string{"reason"}),

		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipmask",
			Name:      "upstream_errors_total",
			Help:      "Number of dispatch failures by chain endpoint.",
		}, []string{"endpoint"}),

		chainFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ipmask",
			Name:      "chain_failed_endpoints",
			Help:      "Number of upstream proxy endpoints currently marked failed.",
		}),

		rateLimitClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ipmask",
			Name:      "rate_limit_clients",
			Help:      "Number of client identifiers with a live rate window.",
		}),

		activeTunnels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ipmask",
			Name:      "active_tunnels",
			Help:      "Number of open CONNECT tunnels.",
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.rateLimited,
		m.requestsBlocked,
		m.upstreamErrors,
		m.chainFailed,
		m.rateLimitClients,
		m.activeTunnels,
	)

	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a finished request and its outcome
// ("ok", "no_target", "rate_limited", "blocked", "too_large",
// "upstream_error", "internal_error", "tunnel").
func (m *Metrics) RecordRequest(method, outcome string) {
	m.requestsTotal.WithLabelValues(method, outcome).Inc()
}

// RecordRequestDuration records the duration of a forwarded request.
func (m *Metrics) RecordRequestDuration(method string, statusCode int, duration time.Duration) {
	m.requestDuration.WithLabelValues(method, strconv.Itoa(statusCode)).Observe(duration.Seconds())
}

// RecordRateLimited records a rate-limit denial.
func (m *Metrics) RecordRateLimited() {
	m.rateLimited.Inc()
}

// RecordBlocked records a filtered request.
func (m *Metrics) RecordBlocked(reason string) {
	m.requestsBlocked.WithLabelValues(reason).Inc()
}

// RecordUpstreamError records a dispatch failure. endpoint is "direct"
// when no chain endpoint was used.
func (m *Metrics) RecordUpstreamError(endpoint string) {
	m.upstreamErrors.WithLabelValues(endpoint).Inc()
}

// SetChainFailed sets the failed endpoint gauge.
func (m *Metrics) SetChainFailed(n int) {
	m.chainFailed.Set(float64(n))
}

// SetRateLimitClients sets the tracked client gauge.
func (m *Metrics) SetRateLimitClients(n int) {
	m.rateLimitClients.Set(float64(n))
}

// IncActiveTunnels increments the open tunnel gauge.
func (m *Metrics) IncActiveTunnels() {
	m.activeTunnels.Inc()
}

// DecActiveTunnels decrements the open tunnel gauge.
func (m *Metrics) DecActiveTunnels() {
	m.activeTunnels.Dec()
}
