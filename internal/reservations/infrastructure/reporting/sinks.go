// Package reporting delivers run reports to logs, Redis and the event bus.
package reporting

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felixgeelhaar/staysync/internal/reservations/application"
	"github.com/felixgeelhaar/staysync/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/staysync/pkg/observability"
)

// RoutingKeyRunCompleted is the routing key of published run reports.
const RoutingKeyRunCompleted = "sync.run.completed"

var (
	_ application.ReportSink = (*LogSink)(nil)
	_ application.ReportSink = (*MemorySink)(nil)
	_ application.ReportSink = (*RedisSink)(nil)
	_ application.ReportSink = (*EventBusSink)(nil)
	_ application.ReportSink = (*FileSink)(nil)
)

// LogSink writes one structured line per source and per failed scope.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(ctx context.Context, r *application.RunReport) error {
	logger := s.logger.With(observability.RunIDKey, r.RunID)
	for _, src := range r.Sources {
		if src.Fetched {
			logger.InfoContext(ctx, "source synced",
				observability.SourceKey, src.SourceID,
				"events", src.Events,
				"normalize_errors", src.NormalizeErrors,
				"not_modified", src.NotModified,
			)
			continue
		}
		logger.WarnContext(ctx, "source skipped",
			observability.SourceKey, src.SourceID,
			"attempts", src.Attempts,
			observability.ErrorKey, src.Error,
		)
	}
	for _, p := range r.Properties {
		for _, sc := range p.Scopes {
			if sc.Error != "" {
				logger.ErrorContext(ctx, "scope failed",
					observability.PropertyKey, sc.PropertyRef,
					"source", sc.Source,
					observability.ErrorKey, sc.Error,
				)
			}
		}
	}
	for _, w := range r.Warnings {
		logger.WarnContext(ctx, "sync warning", "warning", w)
	}
	return nil
}

// MemorySink keeps the latest report in memory for health checks.
type MemorySink struct {
	mu          sync.RWMutex
	last        *application.RunReport
	lastSuccess time.Time
}

// NewMemorySink creates an empty memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Emit(_ context.Context, r *application.RunReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = r
	if r.Succeeded() && !r.DryRun {
		s.lastSuccess = r.FinishedAt
	}
	return nil
}

// Last returns the latest report, or nil before the first run.
func (s *MemorySink) Last() *application.RunReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// LastSuccess returns when the last error-free run finished.
func (s *MemorySink) LastSuccess() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSuccess
}

// RedisSink stores the latest report and a bounded history in Redis so the
// CLI and dashboards can read them without the database.
type RedisSink struct {
	client  *redis.Client
	prefix  string
	history int64
	ttl     time.Duration
}

// NewRedisSink creates a Redis sink keeping the last history reports.
func NewRedisSink(client *redis.Client, history int64, ttl time.Duration) *RedisSink {
	if history <= 0 {
		history = 50
	}
	return &RedisSink{client: client, prefix: "staysync:report:", history: history, ttl: ttl}
}

func (s *RedisSink) lastKey(env string) string    { return s.prefix + env + ":last" }
func (s *RedisSink) historyKey(env string) string { return s.prefix + env + ":history" }

func (s *RedisSink) Emit(ctx context.Context, r *application.RunReport) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.lastKey(r.Environment), data, s.ttl)
	pipe.LPush(ctx, s.historyKey(r.Environment), data)
	pipe.LTrim(ctx, s.historyKey(r.Environment), 0, s.history-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store report: %w", err)
	}
	return nil
}

// Last reads the latest report of an environment, or nil if none was stored.
func (s *RedisSink) Last(ctx context.Context, env string) (*application.RunReport, error) {
	data, err := s.client.Get(ctx, s.lastKey(env)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}
	var r application.RunReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &r, nil
}

// EventBusSink publishes a compact summary of each run.
type EventBusSink struct {
	publisher eventbus.Publisher
}

// NewEventBusSink creates an event bus sink.
func NewEventBusSink(publisher eventbus.Publisher) *EventBusSink {
	return &EventBusSink{publisher: publisher}
}

type runSummary struct {
	RunID         string    `json:"run_id"`
	Environment   string    `json:"environment"`
	FinishedAt    time.Time `json:"finished_at"`
	DurationMS    int64     `json:"duration_ms"`
	New           int       `json:"new"`
	Modified      int       `json:"modified"`
	Removed       int       `json:"removed"`
	Unchanged     int       `json:"unchanged"`
	FlagUpdates   int       `json:"flag_updates"`
	Errors        int       `json:"errors"`
	FailedSources []string  `json:"failed_sources,omitempty"`
}

func (s *EventBusSink) Emit(ctx context.Context, r *application.RunReport) error {
	if r.DryRun {
		return nil
	}
	payload, err := json.Marshal(runSummary{
		RunID:         r.RunID,
		Environment:   r.Environment,
		FinishedAt:    r.FinishedAt,
		DurationMS:    r.Duration.Milliseconds(),
		New:           r.New,
		Modified:      r.Modified,
		Removed:       r.Removed,
		Unchanged:     r.Unchanged,
		FlagUpdates:   r.FlagUpdates,
		Errors:        len(r.Errors),
		FailedSources: r.FailedSources(),
	})
	if err != nil {
		return fmt.Errorf("marshal run summary: %w", err)
	}
	return s.publisher.Publish(ctx, RoutingKeyRunCompleted, payload)
}

// FileSink writes the latest report as JSON, for installs without Redis.
type FileSink struct {
	path string
}

// NewFileSink creates a file sink writing to path.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

func (s *FileSink) Emit(_ context.Context, r *application.RunReport) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// Last reads the stored report, or nil if none was written yet.
func (s *FileSink) Last() (*application.RunReport, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}
	var r application.RunReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &r, nil
}
