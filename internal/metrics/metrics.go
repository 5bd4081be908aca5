// Package metrics exposes Prometheus metrics for dispatch, selection,
// circuit state and the catalog.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jordanhubbard/llmproxy/internal/circuitbreaker"
	"github.com/jordanhubbard/llmproxy/internal/router"
)

type Registry struct {
	reg *prometheus.Registry

	AttemptsTotal      *prometheus.CounterVec
	AttemptLatency     *prometheus.HistogramVec
	TokensTotal        *prometheus.CounterVec
	RequestsTotal      *prometheus.CounterVec
	ChainLength        prometheus.Histogram
	CircuitTransitions *prometheus.CounterVec
	CatalogModels      prometheus.Gauge
	CatalogRefreshes   *prometheus.CounterVec
	ThrottledTotal     prometheus.Counter
	AttemptLogDirect   prometheus.Counter
}

var _ router.AttemptRecorder = (*Registry)(nil)

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		AttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmproxy_attempts_total",
			Help: "Dispatch attempts by candidate and outcome",
		}, []string{"provider", "model", "outcome", "error_kind"}),
		AttemptLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llmproxy_attempt_latency_ms",
			Help:    "Dispatch attempt latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}, []string{"provider", "model"}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmproxy_tokens_total",
			Help: "Tokens reported by providers",
		}, []string{"provider", "model", "direction"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmproxy_requests_total",
			Help: "Chat requests by optimization mode and terminal result",
		}, []string{"mode", "result"}),
		ChainLength: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "llmproxy_selection_chain_length",
			Help:    "Candidates surviving selection per request",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64},
		}),
		CircuitTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmproxy_circuit_transitions_total",
			Help: "Candidate circuit state changes",
		}, []string{"from", "to"}),
		CatalogModels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "llmproxy_catalog_models",
			Help: "Models in the current catalog snapshot",
		}),
		CatalogRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmproxy_catalog_refreshes_total",
			Help: "Catalog refresh attempts by result",
		}, []string{"result"}),
		ThrottledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "llmproxy_throttled_requests_total",
			Help: "Requests rejected by the ingress throttle",
		}),
		AttemptLogDirect: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "llmproxy_attempt_log_direct_total",
			Help: "Attempt batches written directly because Temporal was unavailable",
		}),
	}
	reg.MustRegister(m.AttemptsTotal, m.AttemptLatency, m.TokensTotal, m.RequestsTotal,
		m.ChainLength, m.CircuitTransitions, m.CatalogModels, m.CatalogRefreshes, m.ThrottledTotal, m.AttemptLogDirect)
	return m
}

// RecordAttempt counts one dispatch attempt.
func (m *Registry) RecordAttempt(_ context.Context, a router.DispatchAttempt) {
	p, model := a.Candidate.Provider(), a.Candidate.ModelName()
	m.AttemptsTotal.WithLabelValues(p, model, string(a.Outcome), string(a.ErrorKind)).Inc()
	m.AttemptLatency.WithLabelValues(p, model).Observe(float64(a.LatencyMs))
	if a.Usage != nil {
		m.TokensTotal.WithLabelValues(p, model, "input").Add(float64(a.Usage.InputTokens))
		m.TokensTotal.WithLabelValues(p, model, "output").Add(float64(a.Usage.OutputTokens))
	}
}

// ObserveCircuit matches the tracker's transition hook.
func (m *Registry) ObserveCircuit(_ string, from, to circuitbreaker.State) {
	m.CircuitTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

// ObserveCatalog matches the catalog's refresh hook.
func (m *Registry) ObserveCatalog(models int, err error) {
	if err != nil {
		m.CatalogRefreshes.WithLabelValues("error").Inc()
		return
	}
	m.CatalogRefreshes.WithLabelValues("ok").Inc()
	m.CatalogModels.Set(float64(models))
}

// ObserveRequest counts a finished chat request.
func (m *Registry) ObserveRequest(mode router.OptimizationMode, result string, chainLength int) {
	m.RequestsTotal.WithLabelValues(string(mode), result).Inc()
	m.ChainLength.Observe(float64(chainLength))
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
