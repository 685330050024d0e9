package detector

import "github.com/prometheus/client_golang/prometheus"

var (
	pollsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "middleman",
		Subsystem: "detector",
		Name:      "polls_total",
		Help:      "Detection cycles run.",
	})

	pollErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "middleman",
		Subsystem: "detector",
		Name:      "poll_errors_total",
		Help:      "Detection cycles aborted by a ledger read failure.",
	})

	matchErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "middleman",
		Subsystem: "detector",
		Name:      "match_errors_total",
		Help:      "Per-deal matching errors (logged, cycle continued).",
	})

	paymentsConfirmed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "middleman",
		Subsystem: "detector",
		Name:      "payments_confirmed_total",
		Help:      "Confirmed payment events emitted.",
	})

	cursorHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "middleman",
		Subsystem: "detector",
		Name:      "cursor_height",
		Help:      "Last fully scanned block height.",
	})

	watchesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "middleman",
		Subsystem: "detector",
		Name:      "watches",
		Help:      "Deals currently awaiting a deposit.",
	})

	pendingTransfers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "middleman",
		Subsystem: "detector",
		Name:      "pending_transfers",
		Help:      "Matched transfers waiting for confirmation depth.",
	})

	pollDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "middleman",
		Subsystem: "detector",
		Name:      "poll_duration_seconds",
		Help:      "Duration of detection cycles in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
)

func init() {
	prometheus.MustRegister(
		pollsTotal,
		pollErrors,
		matchErrors,
		paymentsConfirmed,
		cursorHeight,
		watchesActive,
		pendingTransfers,
		pollDuration,
	)
}
