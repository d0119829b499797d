// Package metrics exposes Prometheus collectors for the lifecycle engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SweepsTotal counts finalize sweeps that ran.
	SweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snapbridge_finalize_sweeps_total",
		Help: "Number of finalize sweeps run",
	})

	// SweepSkippedTotal counts ticks skipped because another process held the lock.
	SweepSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snapbridge_finalize_sweeps_skipped_total",
		Help: "Number of finalize ticks skipped while the sweep lock was held",
	})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "snapbridge_finalize_duration_seconds",
		Help:    "Duration of finalize sweeps in seconds",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
	})

	// TransitionsTotal counts persisted status changes by kind and target status.
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snapbridge_transitions_total",
		Help: "Number of lifecycle status transitions",
	}, []string{"kind", "status"})

	// OperationErrorsTotal counts failed lifecycle operations.
	OperationErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snapbridge_operation_errors_total",
		Help: "Number of failed lifecycle operations",
	}, []string{"operation"})

	VerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snapbridge_verifications_total",
		Help: "Number of manifest verifications by outcome",
	}, []string{"outcome"})

	ContentItemsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snapbridge_content_items_added_total",
		Help: "Number of new snapshot content items recorded",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// VerificationOutcome maps a verdict onto the outcome label.
func VerificationOutcome(ok bool) string {
	if ok {
		return "match"
	}
	return "mismatch"
}
