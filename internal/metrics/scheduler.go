package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		taskRunsTotal,
		taskDurationSeconds,
		catalogItemsTotal,
	)
}

var (
	taskRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "discburner_scheduler_task_runs_total",
			Help: "Periodic task executions by task and result (ok, error, panic).",
		},
		[]string{"task", "result"},
	)

	taskDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "discburner_scheduler_task_duration_seconds",
			Help:    "Periodic task duration distribution.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"task"},
	)

	catalogItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "discburner_catalog_items_total",
			Help: "Catalog items seen by polling, by outcome (added, duplicate).",
		},
		[]string{"outcome"},
	)
)

// ObserveTask records one periodic task execution.
func ObserveTask(task, result string, elapsed time.Duration) {
	taskRunsTotal.WithLabelValues(norm(task), norm(result)).Inc()
	taskDurationSeconds.WithLabelValues(norm(task)).Observe(elapsed.Seconds())
}

// AddCatalogItems counts polled catalog items.
func AddCatalogItems(outcome string, count int) {
	if count <= 0 {
		return
	}
	catalogItemsTotal.WithLabelValues(norm(outcome)).Add(float64(count))
}
