package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EventsEnqueued    = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_events_enqueued_total", Help: "Inbound webhook events enqueued"})
	EnqueueDuplicates = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_enqueue_duplicates_total", Help: "Enqueues resolved as duplicates via dedup key"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_rate_limit_rejects_total", Help: "Ingestion requests rejected by rate limiter"})
	JobsCompleted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsFailed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_jobs_failed_total", Help: "Job attempts that failed and will retry"})
	JobsDeadLettered  = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_jobs_dead_letter_total", Help: "Jobs dead-lettered at the attempt cap"})
	ItemsRecovered    = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_items_recovered_total", Help: "Stale items re-dispatched by the recovery sweeper"})
	RecoveryFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_recovery_failures_total", Help: "Stale items dead-lettered or not re-deliverable"})
	PendingJobsGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "queue_pending_jobs", Help: "Jobs waiting for the next worker sweep"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EventsEnqueued,
			EnqueueDuplicates,
			RateLimitRejects,
			JobsCompleted,
			JobsFailed,
			JobsDeadLettered,
			ItemsRecovered,
			RecoveryFailures,
			PendingJobsGauge,
		)
	})
	return promhttp.Handler()
}
