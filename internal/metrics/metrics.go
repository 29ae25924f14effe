// Package metrics exposes Prometheus instrumentation for races and the
// bandit router.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps a private Prometheus registry with the counters and
// histograms the race orchestrator and router report to.
type Registry struct {
	reg *prometheus.Registry

	RacesTotal           *prometheus.CounterVec // outcome=race.Outcome (done, no_candidates, all_previews_failed, judge_failed, budget_exceeded, all_full_attempts_failed)
	RaceDuration         prometheus.Histogram
	PreviewLatency       *prometheus.HistogramVec // model
	FullLatency          *prometheus.HistogramVec // model
	BanditReward         *prometheus.HistogramVec // model
	CacheHitsTotal       *prometheus.CounterVec   // model
	CircuitState         *prometheus.GaugeVec     // model; 0=closed,1=open,2=half-open
	BudgetExceededTotal  prometheus.Counter
	FallbacksTotal       *prometheus.CounterVec // model
}

// New constructs a Registry with every metric registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RacesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "raceway_races_total",
			Help: "Total races run, by terminal outcome",
		}, []string{"outcome"}),
		RaceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "raceway_race_duration_seconds",
			Help:    "Wall-clock duration of a race, start to DONE/FAILED",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		PreviewLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "raceway_preview_latency_seconds",
			Help:    "Per-model preview generation latency",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"model"}),
		FullLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "raceway_full_latency_seconds",
			Help:    "Per-model full-answer generation latency",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"model"}),
		BanditReward: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "raceway_bandit_reward",
			Help:    "Reward fed to Router.BulkUpdate, by model",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}, []string{"model"}),
		CacheHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "raceway_cache_hits_total",
			Help: "Preview cache hits, by model",
		}, []string{"model"}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "raceway_circuit_state",
			Help: "Circuit breaker state per model (0=closed, 1=open, 2=half-open)",
		}, []string{"model"}),
		BudgetExceededTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "raceway_budget_exceeded_total",
			Help: "Total races that terminated due to budget enforcement",
		}),
		FallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "raceway_fallbacks_total",
			Help: "Total full-answer fallbacks, by model that failed",
		}, []string{"model"}),
	}
	reg.MustRegister(
		m.RacesTotal, m.RaceDuration, m.PreviewLatency, m.FullLatency,
		m.BanditReward, m.CacheHitsTotal, m.CircuitState, m.BudgetExceededTotal,
		m.FallbacksTotal,
	)
	return m
}

// Handler returns an HTTP handler exposing the registry in the Prometheus
// exposition format, for an operator-facing /metrics endpoint.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// The methods below give Registry the shape internal/race.Metrics expects,
// so the orchestrator can report to Prometheus without importing it.

func (m *Registry) ObserveRace(outcome string, durationSeconds float64) {
	m.RacesTotal.WithLabelValues(outcome).Inc()
	m.RaceDuration.Observe(durationSeconds)
}

func (m *Registry) ObservePreviewLatency(model string, seconds float64) {
	m.PreviewLatency.WithLabelValues(model).Observe(seconds)
}

func (m *Registry) ObserveFullLatency(model string, seconds float64) {
	m.FullLatency.WithLabelValues(model).Observe(seconds)
}

func (m *Registry) ObserveReward(model string, reward float64) {
	m.BanditReward.WithLabelValues(model).Observe(reward)
}

func (m *Registry) IncCacheHit(model string) {
	m.CacheHitsTotal.WithLabelValues(model).Inc()
}

func (m *Registry) IncFallback(model string) {
	m.FallbacksTotal.WithLabelValues(model).Inc()
}

func (m *Registry) IncBudgetExceeded() {
	m.BudgetExceededTotal.Inc()
}

// SetCircuitState records a model's current breaker state for the gauge
// (0=closed, 1=open, 2=half-open).
func (m *Registry) SetCircuitState(model string, state float64) {
	m.CircuitState.WithLabelValues(model).Set(state)
}
