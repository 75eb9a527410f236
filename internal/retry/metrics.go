package retry

import "github.com/prometheus/client_golang/prometheus"

var (
	sweepItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_retry_sweep_items_total",
			Help: "Retry items processed by the sweep, by resulting state.",
		},
		[]string{"result"},
	)

	sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "push_retry_sweep_duration_seconds",
			Help:    "Duration of retry sweeps in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	sweepsSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "push_retry_sweeps_skipped_total",
			Help: "Sweeps skipped because another replica held the lock.",
		},
	)
)

func init() {
	prometheus.MustRegister(sweepItems, sweepDuration, sweepsSkipped)
}
