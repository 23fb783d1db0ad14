package reconciler

import "github.com/prometheus/client_golang/prometheus"

var (
	ticksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "reconciler",
			Name:      "ticks_total",
			Help:      "Reconciliation ticks by trigger",
		},
		[]string{"trigger"},
	)

	tickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fleetd",
			Subsystem: "reconciler",
			Name:      "tick_duration_seconds",
			Help:      "Duration of a reconciliation tick",
			Buckets:   prometheus.DefBuckets,
		},
	)

	actionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "reconciler",
			Name:      "actions_total",
			Help:      "Reconciliation actions by kind and outcome",
		},
		[]string{"action", "outcome"},
	)

	workersGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fleetd",
			Subsystem: "reconciler",
			Name:      "workers",
			Help:      "Workers by observed state",
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(ticksTotal, tickDuration, actionsTotal, workersGauge)
}

func countAction(action string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	actionsTotal.WithLabelValues(action, outcome).Inc()
}
