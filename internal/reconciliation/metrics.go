package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileStaleClaims = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "contrata",
		Subsystem: "reconciliation",
		Name:      "stale_claims",
		Help:      "Number of stale transition claims found in last reconciliation run.",
	})

	reconcileOverdueHeld = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "contrata",
		Subsystem: "reconciliation",
		Name:      "overdue_held_escrows",
		Help:      "Held escrows past their release deadline in last reconciliation run.",
	})

	reconcileStalePending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "contrata",
		Subsystem: "reconciliation",
		Name:      "stale_pending_escrows",
		Help:      "Pending escrows whose checkout was never completed.",
	})

	reconcileUnprocessedEvents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "contrata",
		Subsystem: "reconciliation",
		Name:      "unprocessed_webhook_events",
		Help:      "Processor events received but not processed.",
	})

	reconcileClaimsInReview = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "contrata",
		Subsystem: "reconciliation",
		Name:      "claims_in_review",
		Help:      "Claims the processor rejected on recovery, waiting for an operator.",
	})

	reconcileRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "contrata",
		Subsystem: "reconciliation",
		Name:      "recovered_claims_total",
		Help:      "Total stale claims driven to completion.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "contrata",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "contrata",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileStaleClaims,
		reconcileOverdueHeld,
		reconcileStalePending,
		reconcileUnprocessedEvents,
		reconcileClaimsInReview,
		reconcileRecovered,
		reconcileDuration,
		reconcileErrors,
	)
}
