// Package metrics exposes Prometheus instruments for the intake funnel.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the intake service.
type Metrics struct {
	registry *prometheus.Registry

	// Funnel
	Decisions      *prometheus.CounterVec
	Verdicts       *prometheus.CounterVec
	Conflicts      *prometheus.CounterVec
	CompositeScore *prometheus.HistogramVec
	Processing     *prometheus.HistogramVec
	Rejections     *prometheus.CounterVec

	// Corpus writes
	WriteRetries prometheus.Counter
	RaceLost     prometheus.Counter

	// Source health
	BreakerOpen *prometheus.GaugeVec
	FastFails   *prometheus.CounterVec
}

// New registers every instrument on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_routing_decisions_total",
			Help: "Routing decisions by terminal state",
		}, []string{"source_id", "state"}),
		Verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_duplicate_verdicts_total",
			Help: "Duplicate verdicts by match type and action",
		}, []string{"match_type", "action"}),
		Conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_field_conflicts_total",
			Help: "Field conflicts by field and value kind",
		}, []string{"field", "kind"}),
		CompositeScore: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intake_composite_score",
			Help:    "Composite confidence of routed records",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 1},
		}, []string{"source_id"}),
		Processing: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intake_processing_seconds",
			Help:    "Wall-clock time from admission to decision",
			Buckets: prometheus.DefBuckets,
		}, []string{"source_id"}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_admission_errors_total",
			Help: "Records that never reached a routing decision",
		}, []string{"kind"}),
		WriteRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intake_corpus_write_retries_total",
			Help: "Corpus write attempts retried after a transient failure",
		}),
		RaceLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intake_corpus_race_lost_total",
			Help: "Inserts that lost a uniqueness race and were re-resolved",
		}),
		BreakerOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "intake_source_breaker_open",
			Help: "1 while a source's circuit breaker is open",
		}, []string{"source_id"}),
		FastFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_source_fast_fails_total",
			Help: "Records refused because the source breaker was open",
		}, []string{"source_id"}),
	}

	m.registry.MustRegister(
		m.Decisions,
		m.Verdicts,
		m.Conflicts,
		m.CompositeScore,
		m.Processing,
		m.Rejections,
		m.WriteRetries,
		m.RaceLost,
		m.BreakerOpen,
		m.FastFails,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveDecision(sourceID, state string, composite float64, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(sourceID, state).Inc()
	m.CompositeScore.WithLabelValues(sourceID).Observe(composite)
	m.Processing.WithLabelValues(sourceID).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveVerdict(matchType, action string) {
	if m == nil {
		return
	}
	m.Verdicts.WithLabelValues(matchType, action).Inc()
}

func (m *Metrics) ObserveConflict(field, kind string) {
	if m == nil {
		return
	}
	m.Conflicts.WithLabelValues(field, kind).Inc()
}

func (m *Metrics) ObserveAdmissionError(kind string) {
	if m == nil {
		return
	}
	m.Rejections.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveWriteRetry() {
	if m == nil {
		return
	}
	m.WriteRetries.Inc()
}

func (m *Metrics) ObserveRaceLost() {
	if m == nil {
		return
	}
	m.RaceLost.Inc()
}

func (m *Metrics) ObserveFastFail(sourceID string) {
	if m == nil {
		return
	}
	m.FastFails.WithLabelValues(sourceID).Inc()
}

// BreakerChanged tracks breaker transitions reported by the health tracker.
func (m *Metrics) BreakerChanged(sourceID string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.BreakerOpen.WithLabelValues(sourceID).Set(v)
}
