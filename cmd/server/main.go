// Package main is the entrypoint for the mediaqueue server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clipforge/mediaqueue/internal/api"
	"github.com/clipforge/mediaqueue/internal/api/handler"
	mw "github.com/clipforge/mediaqueue/internal/api/middleware"
	"github.com/clipforge/mediaqueue/internal/artifactcache"
	"github.com/clipforge/mediaqueue/internal/config"
	"github.com/clipforge/mediaqueue/internal/executor"
	"github.com/clipforge/mediaqueue/internal/history"
	"github.com/clipforge/mediaqueue/internal/retry"
	"github.com/clipforge/mediaqueue/internal/scheduler"
	"github.com/clipforge/mediaqueue/internal/snapshot"
	"github.com/clipforge/mediaqueue/internal/statusmirror"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "workers", cfg.Scheduler.Workers)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Job history: Postgres when configured, in-memory ring otherwise
	healthChecks := map[string]func(context.Context) error{
		"history": nil,
		"mirror":  nil,
	}
	var jobHistory history.History
	if cfg.Database.URL != "" {
		pool, err := history.Connect(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()

		if err := history.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsPath); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		slog.Info("database connected, migrations applied")

		jobHistory = history.NewPostgres(pool)
		healthChecks["history"] = pool.Ping
	} else {
		jobHistory = history.NewMemory(cfg.Database.HistoryLimit)
		slog.Info("using in-memory job history", "limit", cfg.Database.HistoryLimit)
	}

	// 3. Status mirror: optional Redis
	var mirror statusmirror.Mirror
	if cfg.Redis.URL != "" {
		redisMirror, err := statusmirror.NewRedisMirror(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("create redis mirror: %w", err)
		}
		defer redisMirror.Close()

		if err := redisMirror.Ping(ctx); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		slog.Info("redis connected")

		mirror = redisMirror
		healthChecks["mirror"] = redisMirror.Ping
	}

	// 4. Snapshot store: optional crash recovery
	var snapshots *snapshot.Store
	if cfg.Snapshot.Dir != "" {
		snapshots, err = snapshot.NewStore(cfg.Snapshot.Dir)
		if err != nil {
			return fmt.Errorf("create snapshot store: %w", err)
		}
		slog.Info("snapshot store ready", "dir", cfg.Snapshot.Dir)
	}

	// 5. Executor backend
	ex, err := executor.NewExecutor(cfg.Executor.Backend)
	if err != nil {
		return fmt.Errorf("create executor: %w", err)
	}
	slog.Info("executor initialized", "backend", cfg.Executor.Backend)

	// 6. Scheduler
	sched := scheduler.New(scheduler.Config{
		Workers:             cfg.Scheduler.Workers,
		PollInterval:        cfg.Scheduler.PollInterval,
		MaintenanceInterval: cfg.Scheduler.MaintenanceInterval,
		MirrorTTL:           cfg.Redis.MirrorTTL,
		DefaultMaxRetries:   cfg.Scheduler.DefaultMaxRetries,
	}, scheduler.Deps{
		Cache:     artifactcache.New(cfg.Cache.CapacityBytes, cfg.Cache.TTL),
		History:   jobHistory,
		Mirror:    mirror,
		Snapshots: snapshots,
		Retry:     retry.Policy{DelayCap: cfg.Scheduler.RetryDelayCap},
	})
	for _, op := range executor.Operations {
		sched.Register(op, ex)
	}
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	// 7. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(cfg.Auth.APIKeyHashes),
		RateLimit: mw.NewRateLimit(mirror, cfg.Redis.RequestsPerMin),

		HealthHandler:     handler.NewHealthHandler(healthChecks),
		SubmitHandler:     handler.NewSubmitHandler(sched),
		StatusHandler:     handler.NewStatusHandler(sched),
		CancelHandler:     handler.NewCancelHandler(sched),
		EventsHandler:     handler.NewEventsHandler(sched),
		QueueStatsHandler: handler.NewQueueStatsHandler(sched),
		CacheStatsHandler: handler.NewCacheStatsHandler(sched),
		ClearCacheHandler: handler.NewClearCacheHandler(sched),
		HistoryHandler:    handler.NewHistoryHandler(sched),
	}
	router := api.NewRouter(deps)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: the events endpoint streams for the life of a job.
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}
