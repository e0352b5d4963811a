// Package telemetry exposes prometheus metrics for the governance runtime.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SamplesIngested counts heart-rate samples applied to a tracker.
	SamplesIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pulsegate_samples_ingested_total",
		Help: "Heart-rate samples applied to vitals trackers",
	})
	// SamplesDropped counts samples discarded before application, by reason.
	SamplesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsegate_samples_dropped_total",
		Help: "Heart-rate samples dropped before application",
	}, []string{"reason"})
	// EvaluationDuration observes governance evaluation latency.
	EvaluationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pulsegate_evaluation_duration_seconds",
		Help:    "Governance evaluation duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8),
	})
	// StatusTransitions counts governance status changes by resulting status.
	StatusTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsegate_status_transitions_total",
		Help: "Governance status transitions by resulting status",
	}, []string{"to"})
	// ActiveSessions tracks currently running session loops.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pulsegate_active_sessions",
		Help: "Number of currently running session loops",
	})
)

// Init registers all metrics with the default registry.
func Init() {
	prometheus.MustRegister(
		SamplesIngested,
		SamplesDropped,
		EvaluationDuration,
		StatusTransitions,
		ActiveSessions,
	)
}

// Handler returns the metrics scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
