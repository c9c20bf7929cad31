package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	cfg := Config{MaxAttempts: 5, InitialDelay: 10 * time.Millisecond, Factor: 2}

	calls := 0
	res, err := Do(context.Background(), cfg, "flaky op", func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	}, nil)

	require.NoError(t, err)
	require.Equal(t, "ok", res)
	require.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	cfg := Config{MaxAttempts: 3, InitialDelay: time.Millisecond, Factor: 2}

	calls := 0
	boom := errors.New("boom")
	_, err := Do(context.Background(), cfg, "doomed op", func(context.Context) (int, error) {
		calls++
		return 0, boom
	}, nil)

	require.Error(t, err)
	require.ErrorIs(t, err, boom)
	require.Contains(t, err.Error(), "doomed op")
	require.Equal(t, 3, calls)
}

func TestDoSingleAttemptNeverRetries(t *testing.T) {
	cfg := Config{MaxAttempts: 1, InitialDelay: time.Millisecond, Factor: 2}

	calls := 0
	_, err := Do(context.Background(), cfg, "once", func(context.Context) (int, error) {
		calls++
		return 0, errors.New("nope")
	}, nil)

	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestObserverSeesIncreasingDelays(t *testing.T) {
	cfg := Config{MaxAttempts: 4, InitialDelay: time.Millisecond, Factor: 2}

	var delays []time.Duration
	var attempts []int
	_, _ = Do(context.Background(), cfg, "observed", func(context.Context) (int, error) {
		return 0, errors.New("always")
	}, func(attempt int, delay time.Duration, err error) {
		attempts = append(attempts, attempt)
		delays = append(delays, delay)
		require.Error(t, err)
	})

	// Observer fires before each wait: MaxAttempts-1 waits total.
	require.Equal(t, []int{1, 2, 3}, attempts)
	require.Len(t, delays, 3)
	for i := 1; i < len(delays); i++ {
		require.Greater(t, delays[i], delays[i-1])
	}
}

func TestDelaySchedule(t *testing.T) {
	cfg := Config{MaxAttempts: 5, InitialDelay: time.Second, Factor: 2}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, w := range want {
		require.Equal(t, w, cfg.delayFor(i+1))
	}
}

func TestDoStopsOnContextCancel(t *testing.T) {
	cfg := Config{MaxAttempts: 5, InitialDelay: time.Hour, Factor: 2}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := Do(ctx, cfg, "cancelled op", func(context.Context) (int, error) {
		calls++
		return 0, errors.New("transient glitch")
	}, nil)

	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
	// The error that was being retried survives the cancellation.
	require.Contains(t, err.Error(), "cancelled op")
	require.Contains(t, err.Error(), "transient glitch")
}

func TestZeroConfigUsesDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	require.Equal(t, 5, cfg.MaxAttempts)
	require.Equal(t, time.Second, cfg.InitialDelay)
	require.Equal(t, float64(2), cfg.Factor)
}
