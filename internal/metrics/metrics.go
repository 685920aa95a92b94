// Package metrics registers the service's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EventsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "veriops",
		Name:      "events_applied_total",
		Help:      "Lifecycle events applied, by event type and outcome.",
	}, []string{"type", "outcome"})

	PlaceholdersCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "veriops",
		Name:      "placeholder_steps_created_total",
		Help:      "Steps created by a step.end that arrived before its step.start.",
	})

	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "veriops",
		Name:      "batch_apply_duration_seconds",
		Help:      "Time to apply one ingestion batch.",
		Buckets:   prometheus.DefBuckets,
	})

	Validations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "veriops",
		Name:      "validations_total",
		Help:      "Validation requests, by verdict and whether the cached verdict was returned.",
	}, []string{"status", "cached"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
