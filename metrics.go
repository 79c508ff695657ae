package x402

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus collectors.
type Metrics struct {
	decisions       *prometheus.CounterVec
	verifications   *prometheus.CounterVec
	rateLimitChecks *prometheus.CounterVec
	forwardDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// NewMetrics registers the gateway collectors on reg. A nil reg uses a
// private registry, which keeps tests and multiple gateways independent.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_gateway_decisions_total",
				Help: "Access decisions by outcome",
			},
			[]string{"outcome"},
		),
		verifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_gateway_verifications_total",
				Help: "Payment verifications by serving backend and verdict",
			},
			[]string{"backend", "valid"},
		),
		rateLimitChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_gateway_ratelimit_checks_total",
				Help: "Rate limit checks by backend and verdict",
			},
			[]string{"backend", "allowed"},
		),
		forwardDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "x402_gateway_forward_duration_seconds",
				Help:    "Time spent in the upstream for forwarded calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		gatherer: reg,
	}

	reg.MustRegister(m.decisions, m.verifications, m.rateLimitChecks, m.forwardDuration)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
