package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileFindings = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "reuni",
		Subsystem: "reconciliation",
		Name:      "findings",
		Help:      "Inconsistencies found in the last reconciliation run, by kind.",
	}, []string{"kind"})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "reuni",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "reuni",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileFindings,
		reconcileDuration,
		reconcileErrors,
	)
}
