// Package workers runs sync passes on a schedule and on inbox drops.
package workers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/felixgeelhaar/staysync/internal/reservations/application"
	"github.com/felixgeelhaar/staysync/pkg/observability"
)

// DefaultSyncInterval is the default interval between scheduled passes.
const DefaultSyncInterval = 15 * time.Minute

// PassRunner runs one sync pass.
type PassRunner interface {
	Run(ctx context.Context) (*application.RunReport, error)
}

// SyncWorkerConfig configures the sync worker.
type SyncWorkerConfig struct {
	Interval time.Duration
	// Schedule is a cron expression; when set it replaces Interval.
	Schedule   string
	RunOnStart bool
}

// DefaultSyncWorkerConfig returns the default configuration.
func DefaultSyncWorkerConfig() SyncWorkerConfig {
	return SyncWorkerConfig{
		Interval:   DefaultSyncInterval,
		RunOnStart: true,
	}
}

// SyncWorker runs passes one at a time, on its schedule and whenever
// Trigger is called. Triggers that arrive during a pass are coalesced into
// a single follow-up pass.
type SyncWorker struct {
	runner   PassRunner
	config   SyncWorkerConfig
	logger   *slog.Logger
	running  atomic.Bool
	passes   atomic.Int64
	stopCh   chan struct{}
	stopOnce sync.Once
	trigger  chan string
}

// NewSyncWorker creates a new sync worker.
func NewSyncWorker(runner PassRunner, config SyncWorkerConfig, logger *slog.Logger) *SyncWorker {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Interval <= 0 {
		config.Interval = DefaultSyncInterval
	}
	return &SyncWorker{
		runner:  runner,
		config:  config,
		logger:  logger,
		stopCh:  make(chan struct{}),
		trigger: make(chan string, 1),
	}
}

// Run starts the worker and blocks until ctx is cancelled or Stop is called.
func (w *SyncWorker) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if w.config.Schedule != "" {
		c := cron.New(cron.WithLocation(time.UTC))
		if _, err := c.AddFunc(w.config.Schedule, func() { w.Trigger("schedule") }); err != nil {
			return fmt.Errorf("invalid sync schedule %q: %w", w.config.Schedule, err)
		}
		c.Start()
		defer c.Stop()
		w.logger.Info("sync worker started", "schedule", w.config.Schedule)
	} else {
		ticker := time.NewTicker(w.config.Interval)
		defer ticker.Stop()
		tick = ticker.C
		w.logger.Info("sync worker started", "interval", w.config.Interval)
	}

	w.running.Store(true)
	defer w.running.Store(false)

	if w.config.RunOnStart {
		w.runPass(ctx, "startup")
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("sync worker stopped (context cancelled)")
			return ctx.Err()
		case <-w.stopCh:
			w.logger.Info("sync worker stopped (stop signal)")
			return nil
		case <-tick:
			w.runPass(ctx, "interval")
		case reason := <-w.trigger:
			w.runPass(ctx, reason)
		}
	}
}

// Trigger requests a pass as soon as the current one, if any, finishes.
func (w *SyncWorker) Trigger(reason string) {
	select {
	case w.trigger <- reason:
	default:
	}
}

// Stop signals the worker to stop gracefully.
func (w *SyncWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// IsRunning returns true if the worker is currently running.
func (w *SyncWorker) IsRunning() bool {
	return w.running.Load()
}

// Passes returns how many passes the worker has started.
func (w *SyncWorker) Passes() int64 {
	return w.passes.Load()
}

func (w *SyncWorker) runPass(ctx context.Context, reason string) {
	w.passes.Add(1)
	w.logger.Debug("starting sync pass", "reason", reason)

	report, err := w.runner.Run(ctx)
	if err != nil {
		w.logger.Error("sync pass failed", "reason", reason, observability.ErrorKey, err)
		return
	}
	if !report.Succeeded() {
		w.logger.Warn("sync pass finished with errors",
			observability.RunIDKey, report.RunID,
			"reason", reason,
			"errors", len(report.Errors),
			"failed_sources", report.FailedSources(),
		)
	}
}
