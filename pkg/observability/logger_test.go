package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	t.Run("creates text logger", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLogger(LogConfig{Level: LogLevelInfo, Format: LogFormatText, Output: &buf})

		logger.Info("sync finished", "creates", 2)

		assert.Contains(t, buf.String(), "sync finished")
		assert.Contains(t, buf.String(), "creates=2")
	})

	t.Run("creates JSON logger", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLogger(LogConfig{Level: LogLevelInfo, Format: LogFormatJSON, Output: &buf})

		logger.Info("sync finished", "source_id", "airbnb-1")

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "sync finished", entry["msg"])
		assert.Equal(t, "airbnb-1", entry["source_id"])
	})

	t.Run("respects log level", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLogger(LogConfig{Level: LogLevelWarn, Output: &buf})

		logger.Info("hidden")
		logger.Warn("shown")

		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown")
	})

	t.Run("adds service attributes", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLogger(LogConfig{Output: &buf, ServiceName: "staysync", ServiceVersion: "1.2.0"})

		logger.Info("hello")

		assert.Contains(t, buf.String(), "service=staysync")
		assert.Contains(t, buf.String(), "version=1.2.0")
	})

	t.Run("adds run and property from context", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLogger(LogConfig{Format: LogFormatJSON, Output: &buf})

		ctx := WithRunID(context.Background(), "run-42")
		ctx = WithProperty(ctx, "beach-house")
		ctx = WithCorrelationID(ctx, "corr-1")
		logger.InfoContext(ctx, "reconciled")

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "run-42", entry[RunIDKey])
		assert.Equal(t, "beach-house", entry[PropertyKey])
		assert.Equal(t, "corr-1", entry[CorrelationIDKey])
	})

	t.Run("tees into rotating file", func(t *testing.T) {
		var buf bytes.Buffer
		path := filepath.Join(t.TempDir(), "staysync.log")
		logger := NewLogger(LogConfig{Output: &buf, File: path})

		logger.Info("persisted line")

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "persisted line")
		assert.Contains(t, buf.String(), "persisted line")
	})
}

func TestDefaultLogConfig(t *testing.T) {
	cfg := DefaultLogConfig()
	assert.Equal(t, LogLevelInfo, cfg.Level)
	assert.Equal(t, LogFormatText, cfg.Format)
	assert.Equal(t, "staysync", cfg.ServiceName)
}

func TestProductionLogConfig(t *testing.T) {
	cfg := ProductionLogConfig()
	assert.Equal(t, LogFormatJSON, cfg.Format)
	assert.True(t, cfg.AddSource)
}

func TestLogOperation(t *testing.T) {
	var buf bytes.Buffer
	logger := LogOperation(NewLogger(LogConfig{Output: &buf}), "fetch", "source_id", "vrbo-7")

	logger.Info("attempt")

	assert.Contains(t, buf.String(), "operation=fetch")
	assert.Contains(t, buf.String(), "source_id=vrbo-7")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    LogLevel
		expected slog.Level
	}{
		{LogLevelDebug, slog.LevelDebug},
		{LogLevelInfo, slog.LevelInfo},
		{LogLevelWarn, slog.LevelWarn},
		{LogLevelError, slog.LevelError},
		{"DEBUG", slog.LevelDebug},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(string(tt.input), func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseLevel(tt.input))
		})
	}
}

func TestAttributeHandler(t *testing.T) {
	base := slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn})
	h := &attributeHandler{handler: base}

	assert.NotSame(t, h, h.WithAttrs([]slog.Attr{slog.String("k", "v")}))
	assert.NotSame(t, h, h.WithGroup("g"))
	assert.False(t, h.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, h.Enabled(context.Background(), slog.LevelError))
}

func TestNewRunContext(t *testing.T) {
	t.Run("generates run and correlation ids", func(t *testing.T) {
		ctx, runID := NewRunContext(context.Background())
		assert.NotEmpty(t, runID)
		assert.Equal(t, runID, RunIDFromContext(ctx))
		assert.Equal(t, runID, CorrelationIDFromContext(ctx))
	})

	t.Run("keeps existing correlation id", func(t *testing.T) {
		ctx := WithCorrelationID(context.Background(), "outer")
		ctx, runID := NewRunContext(ctx)
		assert.NotEqual(t, "outer", runID)
		assert.Equal(t, "outer", CorrelationIDFromContext(ctx))
	})

	t.Run("nil context yields empty values", func(t *testing.T) {
		//nolint:staticcheck
		assert.Empty(t, RunIDFromContext(nil))
	})
}
