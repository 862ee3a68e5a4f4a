package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/felixgeelhaar/staysync/internal/app"
	"github.com/felixgeelhaar/staysync/internal/reservations/application/workers"
	"github.com/felixgeelhaar/staysync/pkg/config"
	"github.com/felixgeelhaar/staysync/pkg/observability"
)

// Version is set during build.
var Version = "dev"

func main() {
	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := app.NewLogger(cfg, os.Stdout, "staysync-worker", Version)
	logger.Info("starting staysync worker", "environment", cfg.Environment)

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	container, err := app.NewContainer(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize container", "error", err)
		os.Exit(1)
	}
	defer container.Close()

	if cfg.OutboxProcessorEnabled {
		logger.Info("starting outbox processor",
			"poll_interval", cfg.OutboxPollInterval,
			"batch_size", cfg.OutboxBatchSize,
			"max_retries", cfg.OutboxMaxRetries,
		)
		if err := container.OutboxProcessor.Start(ctx); err != nil {
			logger.Error("failed to start outbox processor", "error", err)
			os.Exit(1)
		}
	}

	syncWorker := workers.NewSyncWorker(container.SyncService(app.SyncOptions{}), workers.SyncWorkerConfig{
		Interval:   cfg.SyncInterval,
		Schedule:   cfg.SyncSchedule,
		RunOnStart: true,
	}, logger)

	freshness := 3 * cfg.SyncInterval
	if freshness <= 0 {
		freshness = 3 * workers.DefaultSyncInterval
	}
	container.Health.Register("sync", observability.SyncFreshnessChecker(container.LastRun.LastSuccess, freshness, time.Now))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := syncWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("sync worker stopped", "error", err)
			cancel()
		}
	}()

	if cfg.InboxDir != "" {
		watcher := workers.NewInboxWatcher(cfg.InboxDir, syncWorker, workers.DefaultInboxDebounce, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("inbox watcher stopped", "error", err)
			}
		}()
	}

	if cfg.WorkerHealthAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/healthz", container.Health.Handler(5*time.Second))
		mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
			checkCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			w.Header().Set("Content-Type", "application/json")
			if err := container.DBConn.Ping(checkCtx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"status": "not_ready",
					"error":  err.Error(),
				})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "ready", "passes": syncWorker.Passes()})
		})
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(container.Metrics.Snapshot())
		})
		mux.HandleFunc("/report", func(w http.ResponseWriter, r *http.Request) {
			report, err := container.LastReport(r.Context())
			w.Header().Set("Content-Type", "application/json")
			switch {
			case err != nil:
				w.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(w).Encode(map[string]any{"error": err.Error()})
			case report == nil:
				w.WriteHeader(http.StatusNotFound)
				_ = json.NewEncoder(w).Encode(map[string]any{"error": "no sync report recorded yet"})
			default:
				_ = json.NewEncoder(w).Encode(report)
			}
		})

		healthSrv := &http.Server{
			Addr:              cfg.WorkerHealthAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			logger.Info("health server starting", "addr", cfg.WorkerHealthAddr)
			if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("health server error", "error", err)
			}
		}()

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := healthSrv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("health server shutdown error", "error", err)
			}
		}()
	}

	if cfg.OutboxStatsInterval > 0 {
		statsTicker := time.NewTicker(cfg.OutboxStatsInterval)
		defer statsTicker.Stop()
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-statsTicker.C:
					stats := container.OutboxProcessor.GetStats()
					container.Metrics.Gauge(observability.MetricOutboxLag, stats.LagSeconds)
					logger.Info("outbox stats",
						"running", stats.IsRunning,
						"published", stats.PublishedCount,
						"failed", stats.FailedCount,
						"dead", stats.DeadCount,
						"lag_seconds", stats.LagSeconds,
						"last_error", stats.LastError,
					)
				}
			}
		}()
	}

	// Wait for shutdown
	<-ctx.Done()
	logger.Info("shutting down worker")

	syncWorker.Stop()
	wg.Wait()
	container.OutboxProcessor.Stop()
	logger.Info("worker stopped")
}
