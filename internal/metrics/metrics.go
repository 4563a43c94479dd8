// Package metrics exposes Prometheus instrumentation for gateway calls.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"llmgate/internal/core"
)

// Metrics holds the gateway's Prometheus collectors. A nil *Metrics is a
// valid no-op receiver so call sites need no feature checks.
type Metrics struct {
	requests   *prometheus.CounterVec
	tokens     *prometheus.CounterVec
	costUSD    *prometheus.CounterVec
	latencySec *prometheus.HistogramVec
}

// New registers the gateway collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmgate",
			Name:      "requests_total",
			Help:      "LLM calls by provider, model and status.",
		}, []string{"provider", "model", "status"}),
		tokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmgate",
			Name:      "tokens_total",
			Help:      "Tokens consumed by provider, model and direction.",
		}, []string{"provider", "model", "direction"}),
		costUSD: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmgate",
			Name:      "cost_usd_total",
			Help:      "Estimated spend in USD by provider and model.",
		}, []string{"provider", "model"}),
		latencySec: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "llmgate",
			Name:      "request_duration_seconds",
			Help:      "Gateway call latency by provider and model.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"provider", "model"}),
	}
}

// ObserveCall records one finished gateway call.
func (m *Metrics) ObserveCall(provider, model, status string, u core.Usage, costUSD float64, latencyMs int64) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(provider, model, status).Inc()
	m.tokens.WithLabelValues(provider, model, "input").Add(float64(u.InputTokens))
	m.tokens.WithLabelValues(provider, model, "output").Add(float64(u.OutputTokens))
	m.costUSD.WithLabelValues(provider, model).Add(costUSD)
	m.latencySec.WithLabelValues(provider, model).Observe(float64(latencyMs) / 1000)
}
