// Package metrics defines the Prometheus metric collectors for the trainer
// and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for a training run.
type Metrics struct {
	IterationsTotal     prometheus.Counter
	IterationDuration   prometheus.Histogram
	IterationDelta      prometheus.Gauge
	CorpusLogLikelihood prometheus.Gauge
	RuleCount           prometheus.Gauge
	SentencesTotal      *prometheus.CounterVec
	RulesPrunedTotal    prometheus.Counter
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		IterationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "em_iterations_total",
				Help: "Total number of completed EM iterations.",
			},
		),
		IterationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "em_iteration_duration_seconds",
				Help:    "Wall-clock duration of one EM iteration in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
		),
		IterationDelta: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "em_iteration_delta",
				Help: "Sum of absolute rule probability changes in the last iteration.",
			},
		),
		CorpusLogLikelihood: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "em_corpus_log_likelihood",
				Help: "Log-likelihood of the corpus under the current grammar.",
			},
		),
		RuleCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "grammar_rule_count",
				Help: "Number of rules currently in the grammar.",
			},
		),
		SentencesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "em_sentences_total",
				Help: "Sentences seen per iteration by outcome (trained, unparseable, skipped).",
			},
			[]string{"outcome"},
		),
		RulesPrunedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "grammar_rules_pruned_total",
				Help: "Total zero-probability rules removed between iterations.",
			},
		),
	}

	prometheus.MustRegister(
		m.IterationsTotal,
		m.IterationDuration,
		m.IterationDelta,
		m.CorpusLogLikelihood,
		m.RuleCount,
		m.SentencesTotal,
		m.RulesPrunedTotal,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
