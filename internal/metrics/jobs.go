package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		jobTransitionsTotal,
		jobsActive,
		jobsQueued,
		dispatchDeferredTotal,
		subscriberDropsTotal,
		subscriberPanicsTotal,
	)
}

var (
	jobTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "discburner_job_transitions_total",
			Help: "Job status transitions by target status.",
		},
		[]string{"status"},
	)

	jobsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "discburner_jobs_active",
			Help: "Jobs currently downloading, burning or verifying.",
		},
	)

	jobsQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "discburner_jobs_queued",
			Help: "Job ids waiting in the dispatch list.",
		},
	)

	dispatchDeferredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "discburner_dispatch_deferred_total",
			Help: "Dispatch attempts deferred to a later tick, by reason (admission, workers).",
		},
		[]string{"reason"},
	)

	subscriberDropsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "discburner_subscriber_drops_total",
			Help: "Job notifications dropped because a subscriber buffer was full.",
		},
		[]string{"subscriber"},
	)

	subscriberPanicsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "discburner_subscriber_panics_total",
			Help: "Subscriber callbacks that panicked.",
		},
		[]string{"subscriber"},
	)
)

// ObserveTransition counts a status change.
func ObserveTransition(status string) {
	jobTransitionsTotal.WithLabelValues(norm(status)).Inc()
}

// SetQueueGauges publishes the active slot usage and dispatch list length.
func SetQueueGauges(active, queued int) {
	jobsActive.Set(float64(active))
	jobsQueued.Set(float64(queued))
}

// IncDispatchDeferred counts a dispatch that could not start this tick.
func IncDispatchDeferred(reason string) {
	dispatchDeferredTotal.WithLabelValues(norm(reason)).Inc()
}

// IncSubscriberDrop counts a notification dropped for a slow subscriber.
func IncSubscriberDrop(subscriber string) {
	subscriberDropsTotal.WithLabelValues(norm(subscriber)).Inc()
}

// IncSubscriberPanic counts a recovered subscriber panic.
func IncSubscriberPanic(subscriber string) {
	subscriberPanicsTotal.WithLabelValues(norm(subscriber)).Inc()
}
