package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		ReconcileEvents,
		ReconcileDuration,
		ReconcileUnresolved,
	)
}

var (
	// Count of reconcile calls grouped by channel and outcome.
	// outcome: applied_completed|applied_failed|duplicate|still_pending|rejected|unresolved|error
	ReconcileEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_events_total",
			Help: "Reconciliation events by gateway, channel and outcome.",
		},
		[]string{"gateway", "channel", "outcome"},
	)

	// Latency of the full reconcile path grouped by channel.
	ReconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reconcile_duration_seconds",
			Help:    "Duration of Reconcile(event) in seconds.",
			Buckets: []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"channel"},
	)

	// Events that resolved to no ledger row; kept separate because each one
	// means a manual investigation.
	ReconcileUnresolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_unresolved_total",
			Help: "Inbound events that did not resolve to any payment row.",
		},
		[]string{"gateway", "channel"},
	)
)

func IncReconcileEvent(gateway, channel, outcome string) {
	ReconcileEvents.WithLabelValues(norm(gateway), norm(channel), norm(outcome)).Inc()
}
