package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/staysync/internal/reservations/domain"
	"github.com/felixgeelhaar/staysync/internal/shared/infrastructure/retry"
	"github.com/felixgeelhaar/staysync/pkg/observability"
)

// scriptedFetcher returns queued outcomes per source id, then succeeds.
type scriptedFetcher struct {
	mu    sync.Mutex
	plans map[string][]error
	calls map[string]int
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{plans: make(map[string][]error), calls: make(map[string]int)}
}

func (f *scriptedFetcher) plan(id string, errs ...error) { f.plans[id] = errs }

func (f *scriptedFetcher) Fetch(_ context.Context, src domain.SourceDescriptor) (Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.calls[src.ID]
	f.calls[src.ID]++
	if plan := f.plans[src.ID]; n < len(plan) && plan[n] != nil {
		return Response{}, plan[n]
	}
	return Response{Body: []byte("payload:" + src.ID)}, nil
}

func (f *scriptedFetcher) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func sources(ids ...string) []domain.SourceDescriptor {
	out := make([]domain.SourceDescriptor, len(ids))
	for i, id := range ids {
		out[i] = domain.SourceDescriptor{ID: id, Tag: id, PropertyRef: "beach-house", Format: domain.FormatICal, Location: "https://example.test/" + id, Enabled: true}
	}
	return out
}

func testConfig(clock retry.Clock) PoolConfig {
	return PoolConfig{
		Concurrency:     4,
		Timeout:         time.Second,
		Retry:           retry.Policy{MaxAttempts: 3, BackoffBase: time.Second, BackoffMax: 4 * time.Second, Clock: clock},
		BreakerFailures: 2,
		BreakerCooldown: time.Hour,
	}
}

func TestPool_FetchAll(t *testing.T) {
	clock := retry.NewFakeClock(time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC))
	f := newScriptedFetcher()
	f.plan("flaky", &domain.SourceFetchError{SourceID: "flaky", Transient: true, StatusCode: 503, Err: errors.New("busy")})
	f.plan("gone", &domain.SourceFetchError{SourceID: "gone", StatusCode: 404, Err: errors.New("not found")})

	var observed atomic.Int32
	metrics := observability.NewInMemoryMetrics()
	pool := NewPool(map[domain.SourceFormat]Fetcher{domain.FormatICal: f}, testConfig(clock),
		WithMetrics(metrics),
		WithLogger(observability.NopLogger()),
		WithObserver(func(domain.SourceDescriptor, retry.Attempt) { observed.Add(1) }),
	)

	results := pool.FetchAll(context.Background(), sources("ok", "flaky", "gone"))

	require.Len(t, results, 3)
	assert.Equal(t, "ok", results[0].Source.ID)
	assert.True(t, results[0].OK())
	assert.Equal(t, "payload:ok", string(results[0].Payload))

	assert.True(t, results[1].OK())
	require.Len(t, results[1].Attempts, 2)
	assert.Error(t, results[1].Attempts[0].Err)
	assert.Equal(t, []time.Duration{time.Second}, clock.Sleeps())

	assert.False(t, results[2].OK())
	assert.Len(t, results[2].Attempts, 1, "permanent failures are not retried")
	assert.Equal(t, 1, f.callCount("gone"))

	assert.Equal(t, int32(4), observed.Load())
	assert.Equal(t, int64(1), metrics.GetCounter(observability.MetricFetchFailures, observability.T("source", "gone")))
}

func TestPool_RetriesExhausted(t *testing.T) {
	clock := retry.NewFakeClock(time.Now())
	busy := &domain.SourceFetchError{SourceID: "flaky", Transient: true, Err: errors.New("timeout")}
	f := newScriptedFetcher()
	f.plan("flaky", busy, busy, busy, busy)

	pool := NewPool(map[domain.SourceFormat]Fetcher{domain.FormatICal: f}, testConfig(clock), WithLogger(observability.NopLogger()))
	results := pool.FetchAll(context.Background(), sources("flaky"))

	require.False(t, results[0].OK())
	assert.True(t, domain.IsTransientFetch(results[0].Err))
	assert.Len(t, results[0].Attempts, 3)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clock.Sleeps())
}

func TestPool_BreakerOpensAcrossPasses(t *testing.T) {
	clock := retry.NewFakeClock(time.Now())
	denied := &domain.SourceFetchError{SourceID: "down", StatusCode: 401, Err: errors.New("denied")}
	f := newScriptedFetcher()
	f.plan("down", denied, denied, denied, denied)

	pool := NewPool(map[domain.SourceFormat]Fetcher{domain.FormatICal: f}, testConfig(clock), WithLogger(observability.NopLogger()))

	for range 2 {
		results := pool.FetchAll(context.Background(), sources("down"))
		require.False(t, results[0].OK())
	}
	assert.Equal(t, gobreaker.StateOpen, pool.BreakerState("down"))

	results := pool.FetchAll(context.Background(), sources("down"))
	require.False(t, results[0].OK())
	assert.ErrorIs(t, results[0].Err, ErrCircuitOpen)
	assert.Equal(t, 2, f.callCount("down"), "open breaker skips the fetcher")
	assert.Equal(t, gobreaker.StateClosed, pool.BreakerState("never-fetched"))
}

func TestPool_BoundedConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	fetcher := FetcherFunc(func(ctx context.Context, src domain.SourceDescriptor) (Response, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return Response{Body: []byte(src.ID)}, nil
	})

	cfg := testConfig(retry.NewFakeClock(time.Now()))
	cfg.Concurrency = 2
	pool := NewPool(map[domain.SourceFormat]Fetcher{domain.FormatICal: fetcher}, cfg)

	ids := make([]string, 10)
	for i := range ids {
		ids[i] = fmt.Sprintf("s%d", i)
	}
	results := pool.FetchAll(context.Background(), sources(ids...))

	require.Len(t, results, 10)
	for i, r := range results {
		assert.Equal(t, ids[i], string(r.Payload))
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPool_CancelledContextFailsEverySource(t *testing.T) {
	started := make(chan struct{}, 1)
	fetcher := FetcherFunc(func(ctx context.Context, src domain.SourceDescriptor) (Response, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return Response{}, &domain.SourceFetchError{SourceID: src.ID, Transient: true, Err: ctx.Err()}
	})

	cfg := testConfig(retry.NewFakeClock(time.Now()))
	cfg.Concurrency = 1
	cfg.Timeout = time.Minute
	pool := NewPool(map[domain.SourceFormat]Fetcher{domain.FormatICal: fetcher}, cfg, WithLogger(observability.NopLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	results := pool.FetchAll(ctx, sources("a", "b", "c"))

	require.Len(t, results, 3)
	for _, r := range results {
		assert.False(t, r.OK(), "source %s", r.Source.ID)
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
}

func TestPool_UnknownFormat(t *testing.T) {
	pool := NewPool(map[domain.SourceFormat]Fetcher{}, testConfig(retry.NewFakeClock(time.Now())))

	results := pool.FetchAll(context.Background(), sources("a"))

	require.False(t, results[0].OK())
	assert.False(t, domain.IsTransientFetch(results[0].Err))
}
