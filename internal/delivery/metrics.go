package delivery

import "github.com/prometheus/client_golang/prometheus"

var (
	// deliveriesTotal counts push-service attempts by classified outcome.
	deliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_deliveries_total",
			Help: "Push delivery attempts by outcome.",
		},
		[]string{"outcome"},
	)

	deliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "push_delivery_duration_seconds",
			Help:    "Duration of push-service requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	preferenceLookupFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "push_preference_lookup_failures_total",
			Help: "Preference lookups that failed and were allowed through.",
		},
	)

	subscriptionsPruned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "push_subscriptions_pruned_total",
			Help: "Subscriptions deleted after the push service reported them gone.",
		},
	)

	retriesEnqueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "push_retry_enqueued_total",
			Help: "Retry items created for transient delivery failures.",
		},
	)

	// configErrors is the operational alert for rejected VAPID credentials.
	configErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "push_configuration_errors_total",
			Help: "Deliveries rejected by the push service as unauthorized.",
		},
	)
)

func init() {
	prometheus.MustRegister(deliveriesTotal, deliveryDuration, preferenceLookupFailures,
		subscriptionsPruned, retriesEnqueued, configErrors)
}
