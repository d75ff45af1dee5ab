// Package metrics exposes Prometheus instrumentation for the matching
// engine. A Metrics value is constructed once and injected; nothing here
// registers against the global default registry implicitly.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors for the engine
type Metrics struct {
	registry *prometheus.Registry

	MovementsProcessed *prometheus.CounterVec
	DecisionOutcomes   *prometheus.CounterVec
	CommitConflicts    *prometheus.CounterVec
	CommitRetries      prometheus.Counter
	ConfidenceScores   prometheus.Histogram
	CandidateCounts    prometheus.Histogram
	SimilarityDegraded prometheus.Counter
	EventsPublished    *prometheus.CounterVec
	IngestedMovements  *prometheus.CounterVec
}

// New creates and registers all engine collectors on a fresh registry
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry: registry,

		MovementsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "concilia",
			Name:      "movements_processed_total",
			Help:      "Movements processed by reconciliation runs.",
		}, []string{"tenant"}),

		DecisionOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "concilia",
			Name:      "decision_outcomes_total",
			Help:      "Decision outcomes by type.",
		}, []string{"tenant", "outcome"}),

		CommitConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "concilia",
			Name:      "commit_conflicts_total",
			Help:      "Optimistic concurrency conflicts during decision commits.",
		}, []string{"tenant"}),

		CommitRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "concilia",
			Name:      "commit_retries_total",
			Help:      "Decision commit retries after version conflicts.",
		}),

		ConfidenceScores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "concilia",
			Name:      "confidence_score",
			Help:      "Composite confidence scores of evaluated candidates.",
			Buckets:   prometheus.LinearBuckets(0.0, 0.1, 11),
		}),

		CandidateCounts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "concilia",
			Name:      "candidates_per_movement",
			Help:      "Candidates generated per movement.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 10},
		}),

		SimilarityDegraded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "concilia",
			Name:      "similarity_degraded_total",
			Help:      "Scoring runs where the similarity service was unavailable.",
		}),

		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "concilia",
			Name:      "events_published_total",
			Help:      "Decision events published, by type and result.",
		}, []string{"type", "result"}),

		IngestedMovements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "concilia",
			Name:      "ingested_movements_total",
			Help:      "Statement lines ingested, by result.",
		}, []string{"tenant", "result"}),
	}

	registry.MustRegister(
		m.MovementsProcessed,
		m.DecisionOutcomes,
		m.CommitConflicts,
		m.CommitRetries,
		m.ConfidenceScores,
		m.CandidateCounts,
		m.SimilarityDegraded,
		m.EventsPublished,
		m.IngestedMovements,
	)

	return m
}

// Handler returns the HTTP handler serving this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
