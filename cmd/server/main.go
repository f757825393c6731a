// Package main is the entrypoint for the netwatch report server.
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

	"github.com/kiranshivaraju/netwatch/internal/api"
	"github.com/kiranshivaraju/netwatch/internal/api/handler"
	mw "github.com/kiranshivaraju/netwatch/internal/api/middleware"
	"github.com/kiranshivaraju/netwatch/internal/api/response"
	"github.com/kiranshivaraju/netwatch/internal/cache"
	"github.com/kiranshivaraju/netwatch/internal/config"
	"github.com/kiranshivaraju/netwatch/internal/retention"
	"github.com/kiranshivaraju/netwatch/internal/store"
	"github.com/kiranshivaraju/netwatch/internal/supervisor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
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
	// 1. Load config, fail fast when invalid
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "worker", cfg.Worker.Command[0])

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Job record store
	var jobStore store.Store
	if cfg.Database.URL != "" {
		pool, err := store.Connect(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
		slog.Info("database connected")

		if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		slog.Info("database migrations applied")

		jobStore = store.NewPostgresStore(pool)
	} else {
		slog.Warn("DATABASE_URL not set, job records are kept in memory")
		jobStore = store.NewMemoryStore()
	}

	// 3. Optional Redis snapshot cache and rate limiting
	var (
		jobCache  cache.Cache
		rateLimit *mw.RateLimit
	)
	if cfg.Redis.URL != "" {
		redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("create redis cache: %w", err)
		}
		defer redisCache.Close()

		if err := redisCache.Ping(ctx); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		slog.Info("redis connected")

		jobCache = redisCache
		jobStore = store.NewCachedStore(jobStore, redisCache, cfg.Redis.SnapshotTTL)
		rateLimit = mw.NewRateLimit(redisCache, cfg.Redis.RateLimit)
	}

	// 4. Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// 5. Worker supervisor and marker table
	sup := supervisor.New(jobStore, cfg.Worker, supervisor.WithMetrics(supervisor.NewMetrics(registry)))
	if cfg.Worker.MarkersFile != "" {
		watcher, err := supervisor.NewMarkerWatcher(cfg.Worker.MarkersFile, sup.SetMarkers)
		if err != nil {
			return fmt.Errorf("create marker watcher: %w", err)
		}
		defer watcher.Close()
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("load markers: %w", err)
		}
		slog.Info("marker table loaded", "path", cfg.Worker.MarkersFile, "markers", len(sup.Markers()))
	}

	// 6. Retention sweep
	sweeper := retention.New(jobStore, cfg.Retention)
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("start retention sweep: %w", err)
	}
	defer sweeper.Stop()

	// 7. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(cfg.Auth.KeyHash),
		RateLimit: rateLimit,

		HealthHandler:  healthHandler(jobStore, jobCache),
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),

		LaunchReport: handler.NewLaunchHandler(sup),
		GetReport:    handler.NewGetReportHandler(jobStore),
		StreamReport: handler.NewStreamHandler(jobStore, cfg.Stream),
		CancelReport: handler.NewCancelHandler(sup),
	}
	if !deps.Auth.Enabled() {
		slog.Warn("NETWATCH_API_KEY_HASH not set, API is unauthenticated")
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server. WriteTimeout stays off for the event stream;
	// the stream handler bounds itself with NETWATCH_STREAM_MAX_DURATION.
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in background
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

	if err := sup.Shutdown(shutdownCtx); err != nil {
		slog.Warn("workers did not stop in time", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// healthHandler checks database and cache connectivity. A nil cache is
// reported as disabled and does not degrade the server.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if c == nil {
			checks["cache"] = "disabled"
		} else if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] == "degraded" || checks["cache"] == "degraded"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
