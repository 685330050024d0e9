package executor

import "github.com/prometheus/client_golang/prometheus"

var (
	transfersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "middleman",
		Subsystem: "executor",
		Name:      "transfers_total",
		Help:      "Payout transfers by outcome.",
	}, []string{"outcome"})

	transferDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "middleman",
		Subsystem: "executor",
		Name:      "transfer_duration_seconds",
		Help:      "Time from preflight to confirmed or failed payout.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 180},
	})

	gasPriceGwei = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "middleman",
		Subsystem: "executor",
		Name:      "gas_price_gwei",
		Help:      "Last suggested gas price before capping.",
	})
)

func init() {
	prometheus.MustRegister(transfersTotal, transferDuration, gasPriceGwei)
}
