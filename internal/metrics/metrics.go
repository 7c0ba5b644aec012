// Package metrics exposes Prometheus instrumentation for the serving
// pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors the pipeline updates. A fresh registry
// per instance keeps tests independent.
type Metrics struct {
	registry *prometheus.Registry

	PredictionsTotal  *prometheus.CounterVec
	PredictionSeconds prometheus.Histogram
	ExplanationsTotal prometheus.Counter
	AlertsTotal       prometheus.Counter
	CacheHitsTotal    prometheus.Counter
	RuleEvalSeconds   prometheus.Histogram
}

// New creates and registers the pipeline collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		PredictionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "predictions_total",
			Help:      "Predictions served, labeled by predicted class.",
		}, []string{"class"}),
		PredictionSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kestrel",
			Name:      "prediction_duration_seconds",
			Help:      "Wall time of a single prediction, inference only.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		ExplanationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "explanations_total",
			Help:      "Attribution requests served.",
		}),
		AlertsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "alerts_total",
			Help:      "Detections escalated to the alert topic.",
		}),
		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "prediction_cache_hits_total",
			Help:      "Predictions answered from cache.",
		}),
		RuleEvalSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kestrel",
			Name:      "rule_eval_duration_seconds",
			Help:      "Wall time of evaluating all alert rules for one detection.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
	}

	registry.MustRegister(
		m.PredictionsTotal,
		m.PredictionSeconds,
		m.ExplanationsTotal,
		m.AlertsTotal,
		m.CacheHitsTotal,
		m.RuleEvalSeconds,
	)

	return m
}

// Handler serves the /metrics endpoint for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
