package lazy

import "github.com/prometheus/client_golang/prometheus"

var (
	loadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "resource",
			Name:      "loads_total",
			Help:      "Runtime loads by outcome",
		},
		[]string{"model", "outcome"},
	)

	unloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "resource",
			Name:      "unloads_total",
			Help:      "Runtime unloads by reason",
		},
		[]string{"model", "reason"},
	)

	loadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fleetd",
			Subsystem: "resource",
			Name:      "load_duration_seconds",
			Help:      "Time spent constructing the runtime",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"model"},
	)

	loadedGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fleetd",
			Subsystem: "resource",
			Name:      "loaded",
			Help:      "1 while the runtime is resident",
		},
		[]string{"model"},
	)

	inflightGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fleetd",
			Subsystem: "resource",
			Name:      "inflight",
			Help:      "Requests executing against the runtime",
		},
		[]string{"model"},
	)

	inferErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "resource",
			Name:      "inference_errors_total",
			Help:      "Failed inference calls",
		},
		[]string{"model"},
	)
)

func init() {
	prometheus.MustRegister(loadsTotal, unloadsTotal, loadDuration, loadedGauge, inflightGauge, inferErrorsTotal)
}
