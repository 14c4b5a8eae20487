// Package metrics exposes Prometheus instruments for the issue service.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels.
const (
	OutcomeOK          = "ok"
	OutcomeInvalid     = "invalid"
	OutcomeNotFound    = "not_found"
	OutcomeForbidden   = "forbidden"
	OutcomeConflict    = "conflict"
	OutcomeUnavailable = "unavailable"
	OutcomeError       = "error"
)

// Metrics tracks operation outcomes and nearby query latency.
type Metrics struct {
	Operations     *prometheus.CounterVec
	NearbyDuration prometheus.Histogram
	EventsDropped  prometheus.Counter
}

// New registers the instruments with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "civic_issue_operations_total",
			Help: "Issue service operations by operation and outcome",
		}, []string{"operation", "outcome"}),
		NearbyDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "civic_issue_nearby_duration_seconds",
			Help:    "Duration of nearby issue queries",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "civic_issue_events_dropped_total",
			Help: "Issue events that could not be published",
		}),
	}
}

// RecordOperation counts one finished operation.
func (m *Metrics) RecordOperation(operation, outcome string) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(operation, outcome).Inc()
}

// ObserveNearby records the duration of a nearby query.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveNearby(start time.Time) {
	if m == nil {
		return
	}
	m.NearbyDuration.Observe(time.Since(start).Seconds())
}

// IncEventsDropped counts an event the publisher failed to deliver.
func (m *Metrics) IncEventsDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}
