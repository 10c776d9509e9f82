package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileLedgerMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "marquee",
		Subsystem: "reconciliation",
		Name:      "ledger_mismatches",
		Help:      "Number of member balances that drifted from entry history in the last run.",
	})

	reconcileStuckSettlements = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "marquee",
		Subsystem: "reconciliation",
		Name:      "stuck_settlements",
		Help:      "Number of paid top-ups waiting on an operator in the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "marquee",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marquee",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileLedgerMismatches,
		reconcileStuckSettlements,
		reconcileDuration,
		reconcileErrors,
	)
}
