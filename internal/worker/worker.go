// Package worker drives the internal job queue. A sweep is stateless and
// idempotent: an external scheduler may fire it on a cadence, and
// overlapping sweeps are tolerated because every row transition is a single
// guarded UPDATE.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/techubos/techubagent-sub003/internal/models"
	"github.com/techubos/techubagent-sub003/internal/telemetry"
)

// JobQueue is the slice of the store the worker needs.
type JobQueue interface {
	FetchBatch(ctx context.Context, limit, attemptCap int) ([]models.QueueItem, error)
	FindStale(ctx context.Context, olderThan time.Duration, limit int) ([]models.QueueItem, error)
	MarkProcessing(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, reason string) error
	MarkPendingWithError(ctx context.Context, id, reason string) (int, error)
	PendingDepth(ctx context.Context) (int64, error)
}

// Handler executes one job of a given type.
type Handler func(ctx context.Context, item models.QueueItem) error

// Worker polls the job queue and executes type-specific handlers. The
// handler set is closed: types are bound at construction, never resolved
// dynamically beyond this map.
type Worker struct {
	queue          JobQueue
	handlers       map[string]Handler
	batchSize      int
	attemptCap     int
	staleThreshold time.Duration
	log            *slog.Logger
}

// Config tunes a Worker.
type Config struct {
	BatchSize      int
	MaxAttempts    int
	StaleThreshold time.Duration
}

// New constructs a Worker over the given queue.
func New(cfg Config, queue JobQueue) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 5 * time.Minute
	}
	return &Worker{
		queue:          queue,
		handlers:       make(map[string]Handler),
		batchSize:      cfg.BatchSize,
		attemptCap:     cfg.MaxAttempts,
		staleThreshold: cfg.StaleThreshold,
		log:            slog.Default(),
	}
}

// RegisterHandler binds a handler to a job type.
func (w *Worker) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	w.handlers[jobType] = handler
}

// statusSkipped marks a sweep result whose row reached a terminal state
// under a concurrent sweep before this one could record its failure.
const statusSkipped = "skipped"

// Result records the outcome of one job within a sweep.
type Result struct {
	ID      string `json:"id"`
	JobType string `json:"job_type"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// Summary is the per-sweep report returned to the scheduler.
type Summary struct {
	Processed int      `json:"processed"`
	Results   []Result `json:"results"`
}

// Sweep reclaims jobs stranded by a crashed worker, then fetches one
// bounded batch of pending jobs and processes each in order. A job's
// failure never aborts its siblings; only a store error reading the batch
// aborts the sweep.
func (w *Worker) Sweep(ctx context.Context) (Summary, error) {
	w.reclaimStale(ctx)

	items, err := w.queue.FetchBatch(ctx, w.batchSize, w.attemptCap)
	if err != nil {
		return Summary{}, fmt.Errorf("fetch pending jobs: %w", err)
	}

	summary := Summary{Processed: len(items), Results: make([]Result, 0, len(items))}
	for _, item := range items {
		summary.Results = append(summary.Results, w.processOne(ctx, item))
	}

	if depth, err := w.queue.PendingDepth(ctx); err == nil {
		telemetry.PendingJobsGauge.Set(float64(depth))
	}
	return summary, nil
}

// reclaimStale re-drives jobs stuck past the staleness threshold. A row
// stranded in processing (worker crashed after MarkProcessing) is charged
// one attempt and reverted to pending so the fetch below retries it, or
// dead-lettered if that attempt reaches the cap. A stale pending row at the
// cap is dead-lettered too: it can never be fetched again. Errors here are
// logged and skipped; the reclaim runs again next sweep.
func (w *Worker) reclaimStale(ctx context.Context) {
	stale, err := w.queue.FindStale(ctx, w.staleThreshold, w.batchSize)
	if err != nil {
		w.log.Error("scan stale jobs", "err", err)
		return
	}
	for _, item := range stale {
		switch {
		case item.Status == models.StatusProcessing:
			attempts, err := w.queue.MarkPendingWithError(ctx, item.ID, "reclaimed after processing stall")
			if err != nil {
				w.log.Error("reclaim stale job", "id", item.ID, "err", err)
				continue
			}
			w.log.Warn("reclaimed stale job", "id", item.ID, "type", item.JobType, "attempts", attempts)
			if attempts >= w.attemptCap {
				if ferr := w.queue.MarkFailed(ctx, item.ID, "max attempts exhausted after stall"); ferr != nil {
					w.log.Error("dead-letter stale job", "id", item.ID, "err", ferr)
					continue
				}
				telemetry.JobsDeadLettered.Inc()
			}
		case item.Attempts >= w.attemptCap:
			// Pending at the cap: unfetchable, stranded between failure
			// accounting and dead-lettering.
			if ferr := w.queue.MarkFailed(ctx, item.ID, "max attempts exhausted after stall"); ferr != nil {
				w.log.Error("dead-letter stale job", "id", item.ID, "err", ferr)
				continue
			}
			telemetry.JobsDeadLettered.Inc()
		}
	}
}

func (w *Worker) processOne(ctx context.Context, item models.QueueItem) Result {
	res := Result{ID: item.ID, JobType: item.JobType}

	if err := w.queue.MarkProcessing(ctx, item.ID); err != nil {
		res.Status = models.StatusError
		res.Error = err.Error()
		w.log.Error("mark processing", "id", item.ID, "err", err)
		return res
	}

	err := w.runJob(ctx, item)
	if err == nil {
		if err := w.queue.MarkCompleted(ctx, item.ID); err != nil {
			w.log.Error("mark completed", "id", item.ID, "err", err)
		}
		telemetry.JobsCompleted.Inc()
		res.Status = models.StatusCompleted
		return res
	}

	w.log.Warn("job failed", "id", item.ID, "type", item.JobType, "attempt", item.Attempts+1, "err", err)
	attempts, merr := w.queue.MarkPendingWithError(ctx, item.ID, err.Error())
	if merr != nil {
		w.log.Error("record job failure", "id", item.ID, "err", merr)
		res.Status = models.StatusError
		res.Error = err.Error()
		return res
	}
	if attempts == 0 {
		// The row went terminal while the handler ran; another sweep owns
		// the outcome and this one has nothing to record.
		res.Status = statusSkipped
		res.Error = err.Error()
		return res
	}

	if attempts >= w.attemptCap {
		if ferr := w.queue.MarkFailed(ctx, item.ID, err.Error()); ferr != nil {
			w.log.Error("dead-letter job", "id", item.ID, "err", ferr)
		}
		telemetry.JobsDeadLettered.Inc()
		res.Status = models.StatusFailed
	} else {
		telemetry.JobsFailed.Inc()
		res.Status = models.StatusPending
	}
	res.Error = err.Error()
	return res
}

func (w *Worker) runJob(ctx context.Context, item models.QueueItem) error {
	handler, ok := w.handlers[item.JobType]
	if !ok {
		return fmt.Errorf("no handler registered for job type %q", item.JobType)
	}
	return handler(ctx, item)
}
