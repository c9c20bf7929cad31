// Package retry wraps a fallible operation with bounded, exponentially
// delayed re-execution. The operation must be idempotent or safe to repeat;
// nothing here prevents a second invocation of work that already happened.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Config tunes a retry loop. Zero values fall back to the defaults below.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Factor       float64
}

// DefaultConfig matches the delays 1s, 2s, 4s, 8s, 16s.
func DefaultConfig() Config {
	return Config{MaxAttempts: 5, InitialDelay: time.Second, Factor: 2}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.Factor <= 0 {
		c.Factor = d.Factor
	}
	return c
}

// delayFor returns InitialDelay * Factor^(attempt-1) for a 1-indexed attempt.
func (c Config) delayFor(attempt int) time.Duration {
	d := c.InitialDelay
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * c.Factor)
	}
	return d
}

// Observer is notified before each wait between attempts. It is a side
// channel for logging and never affects the retry loop itself.
type Observer func(attempt int, delay time.Duration, err error)

// Do runs op up to cfg.MaxAttempts times, sleeping between attempts, and
// returns the first successful result or the final error. The label names
// the operation in the exhaustion error. MaxAttempts of 1 means no retry.
func Do[T any](ctx context.Context, cfg Config, label string, op func(context.Context) (T, error), obs Observer) (T, error) {
	cfg = cfg.withDefaults()

	var zero T
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		res, err := op(ctx)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if attempt == cfg.MaxAttempts {
			break
		}
		delay := cfg.delayFor(attempt)
		if obs != nil {
			obs(attempt, delay, err)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return zero, fmt.Errorf("%s: %w (last error: %v)", label, serr, lastErr)
		}
	}
	return zero, fmt.Errorf("%s: %d attempts exhausted: %w", label, cfg.MaxAttempts, lastErr)
}

// Run is Do for operations with no result value.
func Run(ctx context.Context, cfg Config, label string, op func(context.Context) error, obs Observer) error {
	_, err := Do(ctx, cfg, label, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, obs)
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
