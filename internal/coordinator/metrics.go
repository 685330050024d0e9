package coordinator

import "github.com/prometheus/client_golang/prometheus"

var cyclesSkipped = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "middleman",
	Subsystem: "coordinator",
	Name:      "cycles_skipped_total",
	Help:      "Detection ticks skipped because the previous cycle was still running.",
})

func init() {
	prometheus.MustRegister(cyclesSkipped)
}
