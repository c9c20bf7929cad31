package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/techubos/techubagent-sub003/internal/api"
	"github.com/techubos/techubagent-sub003/internal/config"
	"github.com/techubos/techubagent-sub003/internal/dispatch"
	"github.com/techubos/techubagent-sub003/internal/ratelimit"
	"github.com/techubos/techubagent-sub003/internal/recovery"
	"github.com/techubos/techubagent-sub003/internal/retry"
	"github.com/techubos/techubagent-sub003/internal/store"
	"github.com/techubos/techubagent-sub003/internal/worker"
)

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

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

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

	server := api.New(cfg, st.Events(), st.Jobs(), dispatcher, jobWorker, sweeper, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info("api listening", "port", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("listen", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
