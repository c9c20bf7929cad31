package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/techubos/techubagent-sub003/internal/config"
	"github.com/techubos/techubagent-sub003/internal/dispatch"
	"github.com/techubos/techubagent-sub003/internal/recovery"
	"github.com/techubos/techubagent-sub003/internal/retry"
	"github.com/techubos/techubagent-sub003/internal/store"
	"github.com/techubos/techubagent-sub003/internal/telemetry"
	"github.com/techubos/techubagent-sub003/internal/worker"
)

// The worker binary is the scheduler: it fires the job sweep and the
// recovery sweep on independent cadences. Each sweep is bounded and
// idempotent, so an overlap with a concurrently deployed replica is safe.
func main() {
	cfg := config.Load()
	log := slog.Default()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("connect postgres", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Error("migrations", "err", err)
		os.Exit(1)
	}

	dispatcher := dispatch.NewHTTP(cfg.ProcessorURL, cfg.DispatchTimeout)

	jobWorker := worker.New(worker.Config{BatchSize: cfg.WorkerBatchSize, MaxAttempts: cfg.MaxAttempts, StaleThreshold: cfg.StaleThreshold}, st.Jobs())
	handlers, err := worker.NewHandlers(ctx, cfg)
	if err != nil {
		log.Error("init job handlers", "err", err)
		os.Exit(1)
	}
	handlers.Register(jobWorker)

	sweeper := recovery.New(recovery.Config{
		StaleThreshold: cfg.StaleThreshold,
		BatchSize:      cfg.RecoveryBatchSize,
		MaxRetries:     cfg.RecoveryMaxRetries,
		DispatchRetry: retry.Config{
			MaxAttempts:  2,
			InitialDelay: cfg.RetryInitialDelay,
			Factor:       cfg.RetryFactor,
		},
	}, st.Events(), dispatcher)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn("metrics server stopped", "err", err)
		}
	}()

	log.Info("worker started",
		"poll_interval", cfg.WorkerPollInterval,
		"recovery_interval", cfg.RecoveryInterval,
		"stale_threshold", cfg.StaleThreshold,
	)

	jobTicker := time.NewTicker(cfg.WorkerPollInterval)
	recoveryTicker := time.NewTicker(cfg.RecoveryInterval)
	defer jobTicker.Stop()
	defer recoveryTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("worker stopped")
			return
		case <-jobTicker.C:
			summary, err := jobWorker.Sweep(ctx)
			if err != nil {
				log.Error("job sweep", "err", err)
				continue
			}
			if summary.Processed > 0 {
				log.Info("job sweep finished", "processed", summary.Processed)
			}
		case <-recoveryTicker.C:
			if _, err := sweeper.Sweep(ctx); err != nil {
				log.Error("recovery sweep", "err", err)
			}
		}
	}
}
