package workers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/staysync/internal/reservations/application"
	"github.com/felixgeelhaar/staysync/pkg/observability"
)

type mockRunner struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (m *mockRunner) Run(context.Context) (*application.RunReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return &application.RunReport{RunID: "run"}, nil
}

func (m *mockRunner) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func startWorker(t *testing.T, w *SyncWorker) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()
	require.Eventually(t, w.IsRunning, time.Second, 5*time.Millisecond)
	return done
}

func TestSyncWorker_Interval(t *testing.T) {
	runner := &mockRunner{}
	w := NewSyncWorker(runner, SyncWorkerConfig{Interval: 10 * time.Millisecond, RunOnStart: true}, observability.NopLogger())

	done := startWorker(t, w)
	assert.Eventually(t, func() bool { return runner.Calls() >= 3 }, time.Second, 5*time.Millisecond)

	w.Stop()
	w.Stop()
	require.NoError(t, <-done)
	assert.False(t, w.IsRunning())
}

func TestSyncWorker_Trigger(t *testing.T) {
	runner := &mockRunner{}
	w := NewSyncWorker(runner, SyncWorkerConfig{Interval: time.Hour}, observability.NopLogger())

	done := startWorker(t, w)
	assert.Equal(t, 0, runner.Calls())

	w.Trigger("manual")
	assert.Eventually(t, func() bool { return runner.Calls() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), w.Passes())

	w.Stop()
	require.NoError(t, <-done)
}

func TestSyncWorker_FailedPassKeepsRunning(t *testing.T) {
	runner := &mockRunner{err: errors.New("store unavailable")}
	w := NewSyncWorker(runner, SyncWorkerConfig{Interval: 10 * time.Millisecond}, observability.NopLogger())

	done := startWorker(t, w)
	assert.Eventually(t, func() bool { return runner.Calls() >= 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, w.IsRunning())

	w.Stop()
	require.NoError(t, <-done)
}

func TestSyncWorker_ContextCancel(t *testing.T) {
	w := NewSyncWorker(&mockRunner{}, SyncWorkerConfig{Interval: time.Hour}, observability.NopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSyncWorker_Schedule(t *testing.T) {
	t.Run("invalid expression", func(t *testing.T) {
		w := NewSyncWorker(&mockRunner{}, SyncWorkerConfig{Schedule: "every tuesday"}, observability.NopLogger())
		err := w.Run(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid sync schedule")
	})

	t.Run("descriptor", func(t *testing.T) {
		runner := &mockRunner{}
		w := NewSyncWorker(runner, SyncWorkerConfig{Schedule: "@every 1s"}, observability.NopLogger())

		done := startWorker(t, w)
		assert.Eventually(t, func() bool { return runner.Calls() >= 1 }, 3*time.Second, 20*time.Millisecond)

		w.Stop()
		require.NoError(t, <-done)
	})
}

func TestDefaultSyncWorkerConfig(t *testing.T) {
	cfg := DefaultSyncWorkerConfig()
	assert.Equal(t, DefaultSyncInterval, cfg.Interval)
	assert.True(t, cfg.RunOnStart)
	assert.Empty(t, cfg.Schedule)
}
