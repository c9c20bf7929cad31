// Package recovery rescues queue items that stalled mid-flight. Staleness is
// purely time-based: anything non-terminal past the threshold is eligible,
// whether the worker crashed, the invocation was lost, or the handler is
// just slow.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/techubos/techubagent-sub003/internal/dispatch"
	"github.com/techubos/techubagent-sub003/internal/models"
	"github.com/techubos/techubagent-sub003/internal/retry"
	"github.com/techubos/techubagent-sub003/internal/telemetry"
)

// StaleQueue is the slice of the store the sweeper needs.
type StaleQueue interface {
	FindStale(ctx context.Context, olderThan time.Duration, limit int) ([]models.QueueItem, error)
	MarkFailed(ctx context.Context, id, reason string) error
	BumpRecovery(ctx context.Context, id string, retryCount int, at time.Time) error
}

// DeadLetterReason is recorded on items that exhaust the recovery ceiling.
// Such items are final and need manual intervention.
const DeadLetterReason = "max retries exceeded via recovery"

// Config tunes a Sweeper.
type Config struct {
	StaleThreshold time.Duration
	BatchSize      int
	MaxRetries     int
	// DispatchRetry bounds the re-invocation of a single stale item. Kept
	// short so one unreachable processor cannot stall the whole sweep.
	DispatchRetry retry.Config
}

// Sweeper periodically re-drives stale items and dead-letters the hopeless.
type Sweeper struct {
	queue      StaleQueue
	dispatcher dispatch.Dispatcher
	cfg        Config
	log        *slog.Logger
}

// New constructs a Sweeper over the given queue and dispatcher.
func New(cfg Config, queue StaleQueue, dispatcher dispatch.Dispatcher) *Sweeper {
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.DispatchRetry.MaxAttempts == 0 {
		cfg.DispatchRetry = retry.Config{MaxAttempts: 2, InitialDelay: 500 * time.Millisecond, Factor: 2}
	}
	return &Sweeper{queue: queue, dispatcher: dispatcher, cfg: cfg, log: slog.Default()}
}

// Summary is the per-run report: how many items were re-dispatched and how
// many hard-failed (dead-lettered or undeliverable).
type Summary struct {
	Recovered int `json:"recovered"`
	Failed    int `json:"failed"`
}

// Sweep runs one recovery pass over a bounded batch of stale items. Only a
// failure to read the stale set aborts the run; per-item errors are recorded
// and the batch continues.
func (s *Sweeper) Sweep(ctx context.Context) (Summary, error) {
	stale, err := s.queue.FindStale(ctx, s.cfg.StaleThreshold, s.cfg.BatchSize)
	if err != nil {
		return Summary{}, fmt.Errorf("scan stale items: %w", err)
	}

	var summary Summary
	for _, item := range stale {
		if s.recoverOne(ctx, item) {
			summary.Recovered++
			telemetry.ItemsRecovered.Inc()
		} else {
			summary.Failed++
			telemetry.RecoveryFailures.Inc()
		}
	}

	s.log.Info("recovery sweep finished",
		"scanned", len(stale),
		"recovered", summary.Recovered,
		"failed", summary.Failed,
	)
	return summary, nil
}

// recoverOne re-drives a single stale item and reports whether it counts as
// recovered. The recovery counter lives in metadata, apart from the row's
// attempts column, so consumer retries and rescues stay distinct.
func (s *Sweeper) recoverOne(ctx context.Context, item models.QueueItem) bool {
	count := item.Metadata.RetryCount
	if count >= s.cfg.MaxRetries {
		if err := s.queue.MarkFailed(ctx, item.ID, DeadLetterReason); err != nil {
			s.log.Error("dead-letter stale item", "id", item.ID, "err", err)
		}
		return false
	}

	// Persist the incremented counter before dispatching so the next sweep
	// sees progress even if the re-invocation below cannot be delivered.
	if err := s.queue.BumpRecovery(ctx, item.ID, count+1, time.Now().UTC()); err != nil {
		s.log.Error("bump recovery counter", "id", item.ID, "err", err)
		return false
	}

	_, err := retry.Do(ctx, s.cfg.DispatchRetry, "recovery re-dispatch",
		func(ctx context.Context) (dispatch.Outcome, error) {
			return s.dispatcher.Dispatch(ctx, item)
		},
		func(attempt int, delay time.Duration, err error) {
			s.log.Warn("re-dispatch attempt failed", "id", item.ID, "attempt", attempt, "retry_in", delay, "err", err)
		},
	)
	if err != nil {
		s.log.Warn("re-dispatch undeliverable", "id", item.ID, "retry_count", count+1, "err", err)
		return false
	}
	return true
}
