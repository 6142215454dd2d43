// Package metrics exposes Prometheus instrumentation for the orchestrator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsSubmitted counts accepted submissions per queue.
	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anatome_jobs_submitted_total",
		Help: "Jobs accepted by the control plane",
	}, []string{"queue", "type"})

	// JobsCompleted counts successful handler outcomes per queue.
	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anatome_jobs_completed_total",
		Help: "Jobs that reached the completed state",
	}, []string{"queue", "type"})

	// JobsFailed counts terminal failures per queue.
	JobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anatome_jobs_failed_total",
		Help: "Jobs that reached the failed state",
	}, []string{"queue", "type"})

	// JobsStalled counts lease expiries observed by the stall sweep.
	JobsStalled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anatome_jobs_stalled_total",
		Help: "Jobs whose reservation lease expired",
	}, []string{"queue"})

	// JobDuration observes handler wall time in seconds.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "anatome_job_duration_seconds",
		Help:    "Handler execution time",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"queue", "type"})

	// QueueDepth tracks live broker set sizes.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "anatome_queue_depth",
		Help: "Broker set sizes per queue",
	}, []string{"queue", "set"})

	// SchedulerTaskErrors counts periodic-task failures.
	SchedulerTaskErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anatome_scheduler_task_errors_total",
		Help: "Errors from the scheduler's periodic tasks",
	}, []string{"task"})

	// CronFires counts scheduled submissions per entry.
	CronFires = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anatome_cron_fires_total",
		Help: "Jobs submitted by cron entries",
	}, []string{"entry"})
)

// Handler returns the /metrics scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
