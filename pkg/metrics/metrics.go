// Package metrics exposes the Prometheus instruments of the pipeline:
// write path (events appended), dispatch path (outbox) and read path
// (projections), plus end-to-end event lag.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "turnera"

var (
	// EventsAppended counts events committed to the event log, by name.
	EventsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "eventstore",
		Name:      "events_appended_total",
		Help:      "Events appended to the event log.",
	}, []string{"event_name"})

	// ConcurrencyConflicts counts optimistic concurrency rejections on save.
	ConcurrencyConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "eventstore",
		Name:      "concurrency_conflicts_total",
		Help:      "Saves rejected by the optimistic concurrency check.",
	})

	// OutboxDispatched counts outbox entries successfully published.
	OutboxDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "outbox",
		Name:      "dispatched_total",
		Help:      "Outbox entries published to the bus.",
	})

	// OutboxFailed counts failed publish attempts (including those that
	// later succeed on retry).
	OutboxFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "outbox",
		Name:      "publish_failures_total",
		Help:      "Failed outbox publish attempts.",
	})

	// DispatchDuration observes the time to publish one outbox entry.
	DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "outbox",
		Name:      "dispatch_duration_seconds",
		Help:      "Time to publish one outbox entry.",
		Buckets:   prometheus.DefBuckets,
	})

	// ProjectionProcessed counts events applied by projections.
	ProjectionProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "projection",
		Name:      "events_processed_total",
		Help:      "Events applied by projections.",
	}, []string{"projection_id", "event_name"})

	// ProjectionSkipped counts redeliveries absorbed by the idempotency
	// ledger.
	ProjectionSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "projection",
		Name:      "events_skipped_total",
		Help:      "Redelivered events skipped as already processed.",
	}, []string{"projection_id"})

	// ProjectionFailures counts handler failures.
	ProjectionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "projection",
		Name:      "failures_total",
		Help:      "Projection handler failures.",
	}, []string{"projection_id"})

	// EventLag observes the end-to-end lag from event creation to
	// projection processing.
	EventLag = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "event_lag_seconds",
		Help:      "End-to-end lag from event creation to projection processing.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
