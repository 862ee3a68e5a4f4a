package reporting

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/staysync/internal/reservations/application"
)

func sampleReport() *application.RunReport {
	finished := time.Date(2025, 6, 1, 8, 0, 30, 0, time.UTC)
	return &application.RunReport{
		RunID:       "run-1",
		Environment: "dev",
		StartedAt:   finished.Add(-30 * time.Second),
		FinishedAt:  finished,
		Duration:    30 * time.Second,
		New:         2,
		Removed:     1,
		Errors:      []string{"fetch vrbo-cabin (permanent, status 404): unexpected status Not Found"},
		Warnings:    []string{"identity collision"},
		Sources: []application.SourceReport{
			{SourceID: "airbnb-beach", Tag: "airbnb", Fetched: true, Attempts: 1, Events: 3},
			{SourceID: "vrbo-cabin", Tag: "vrbo", Attempts: 1, Error: "status 404"},
		},
		Properties: []application.PropertyReport{{
			PropertyRef: "beach-house",
			Scopes: []application.ScopeReport{
				{Source: "airbnb", PropertyRef: "beach-house", New: 2, Removed: 1},
				{Source: "owner-sheet", PropertyRef: "beach-house", Error: "store unavailable"},
			},
		}},
	}
}

type recordingPublisher struct {
	routingKeys []string
	payloads    [][]byte
}

func (p *recordingPublisher) Publish(_ context.Context, routingKey string, payload []byte) error {
	p.routingKeys = append(p.routingKeys, routingKey)
	p.payloads = append(p.payloads, payload)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	require.NoError(t, NewLogSink(logger).Emit(context.Background(), sampleReport()))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 4)

	var skipped map[string]any
	require.NoError(t, json.Unmarshal(lines[1], &skipped))
	assert.Equal(t, "source skipped", skipped["msg"])
	assert.Equal(t, "vrbo-cabin", skipped["source_id"])
	assert.Equal(t, "run-1", skipped["run_id"])

	var failed map[string]any
	require.NoError(t, json.Unmarshal(lines[2], &failed))
	assert.Equal(t, "scope failed", failed["msg"])
	assert.Equal(t, "owner-sheet", failed["source"])
}

func TestMemorySink(t *testing.T) {
	sink := NewMemorySink()
	assert.Nil(t, sink.Last())
	assert.True(t, sink.LastSuccess().IsZero())

	failed := sampleReport()
	require.NoError(t, sink.Emit(context.Background(), failed))
	assert.Same(t, failed, sink.Last())
	assert.True(t, sink.LastSuccess().IsZero())

	ok := sampleReport()
	ok.Errors = nil
	require.NoError(t, sink.Emit(context.Background(), ok))
	assert.Equal(t, ok.FinishedAt, sink.LastSuccess())
}

func TestEventBusSink(t *testing.T) {
	pub := &recordingPublisher{}
	sink := NewEventBusSink(pub)

	require.NoError(t, sink.Emit(context.Background(), sampleReport()))

	require.Equal(t, []string{RoutingKeyRunCompleted}, pub.routingKeys)
	var summary runSummary
	require.NoError(t, json.Unmarshal(pub.payloads[0], &summary))
	assert.Equal(t, "run-1", summary.RunID)
	assert.Equal(t, 2, summary.New)
	assert.Equal(t, int64(30000), summary.DurationMS)
	assert.Equal(t, []string{"vrbo-cabin"}, summary.FailedSources)

	dry := sampleReport()
	dry.DryRun = true
	require.NoError(t, sink.Emit(context.Background(), dry))
	assert.Len(t, pub.routingKeys, 1, "dry runs are not published")
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "last.json")
	sink := NewFileSink(path)

	none, err := sink.Last()
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, sink.Emit(context.Background(), sampleReport()))
	got, err := sink.Last()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "run-1", got.RunID)
	assert.Len(t, got.Properties[0].Scopes, 2)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestRedisSink(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set, skipping integration test")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Failed to ping test redis: %v", err)
	}

	sink := NewRedisSink(client, 2, time.Minute)
	sink.prefix = "staysync:test:" + t.Name() + ":"
	t.Cleanup(func() { client.Del(ctx, sink.lastKey("dev"), sink.historyKey("dev")) })

	for i := 0; i < 3; i++ {
		require.NoError(t, sink.Emit(ctx, sampleReport()))
	}

	last, err := sink.Last(ctx, "dev")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "run-1", last.RunID)

	n, err := client.LLen(ctx, sink.historyKey("dev")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	missing, err := sink.Last(ctx, "prod")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
