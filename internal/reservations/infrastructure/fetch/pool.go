package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/errgroup"

	"github.com/felixgeelhaar/staysync/internal/reservations/domain"
	"github.com/felixgeelhaar/staysync/internal/shared/infrastructure/retry"
	"github.com/felixgeelhaar/staysync/pkg/observability"
)

// FetchResult is the outcome of one source for one pass. Exactly one of
// Payload (possibly empty) and Err is meaningful.
type FetchResult struct {
	Source      domain.SourceDescriptor
	Payload     []byte
	NotModified bool
	Err         error
	Attempts    []retry.Attempt
	Duration    time.Duration
}

// OK reports whether the source was fetched.
func (r FetchResult) OK() bool { return r.Err == nil }

// AttemptObserver is told about every fetch attempt as it finishes.
type AttemptObserver func(src domain.SourceDescriptor, attempt retry.Attempt)

// PoolConfig holds pool limits.
type PoolConfig struct {
	Concurrency     int
	Timeout         time.Duration
	Retry           retry.Policy
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// DefaultPoolConfig returns 16 concurrent fetches with a 30s timeout.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Concurrency:     16,
		Timeout:         30 * time.Second,
		Retry:           retry.DefaultPolicy(),
		BreakerFailures: 5,
		BreakerCooldown: 5 * time.Minute,
	}
}

// Pool fetches many sources concurrently. Breakers live as long as the pool,
// so a source that keeps failing is skipped on later passes until its
// cooldown ends.
type Pool struct {
	fetchers map[domain.SourceFormat]Fetcher
	config   PoolConfig
	observer AttemptObserver
	metrics  observability.Metrics
	logger   *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[Response]
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithObserver registers an attempt observer.
func WithObserver(o AttemptObserver) PoolOption {
	return func(p *Pool) { p.observer = o }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m observability.Metrics) PoolOption {
	return func(p *Pool) { p.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) { p.logger = l }
}

// NewPool creates a pool dispatching to fetchers by source format.
func NewPool(fetchers map[domain.SourceFormat]Fetcher, config PoolConfig, opts ...PoolOption) *Pool {
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	p := &Pool{
		fetchers: fetchers,
		config:   config,
		metrics:  observability.NoopMetrics{},
		logger:   slog.Default(),
		breakers: make(map[string]*gobreaker.CircuitBreaker[Response]),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// FetchAll fetches every source and returns one result per source in input
// order. A done ctx turns sources still in flight or not yet started into
// failed results.
func (p *Pool) FetchAll(ctx context.Context, sources []domain.SourceDescriptor) []FetchResult {
	results := make([]FetchResult, len(sources))

	var g errgroup.Group
	g.SetLimit(p.config.Concurrency)

	for i, src := range sources {
		if err := ctx.Err(); err != nil {
			results[i] = FetchResult{Source: src, Err: transient(src, 0, fmt.Errorf("not started: %w", err))}
			continue
		}
		g.Go(func() error {
			results[i] = p.fetchOne(ctx, src)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (p *Pool) fetchOne(ctx context.Context, src domain.SourceDescriptor) FetchResult {
	started := time.Now()
	result := FetchResult{Source: src}
	tags := []observability.Tag{observability.T("source", src.ID)}

	fetcher, ok := p.fetchers[src.Format]
	if !ok {
		result.Err = permanent(src, 0, fmt.Errorf("no fetcher for format %q", src.Format))
		p.metrics.Counter(observability.MetricFetchFailures, 1, tags...)
		return result
	}

	timeout := src.Timeout
	if timeout <= 0 {
		timeout = p.config.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var mu sync.Mutex
	observe := func(a retry.Attempt) {
		mu.Lock()
		result.Attempts = append(result.Attempts, a)
		mu.Unlock()

		outcome := "ok"
		if a.Err != nil {
			outcome = "error"
		}
		p.metrics.Counter(observability.MetricFetchAttempts, 1, append(tags, observability.T("outcome", outcome))...)
		if p.observer != nil {
			p.observer(src, a)
		}
	}

	resp, err := p.breaker(src.ID).Execute(func() (Response, error) {
		var resp Response
		err := p.config.Retry.Do(ctx, func(ctx context.Context, _ int) error {
			var err error
			resp, err = fetcher.Fetch(ctx, src)
			return err
		}, domain.IsTransientFetch, observe)
		return resp, err
	})

	result.Duration = time.Since(started)
	p.metrics.Timing(observability.MetricFetchDuration, result.Duration, tags...)

	if err != nil {
		result.Err = p.wrapFailure(src, err)
		p.metrics.Counter(observability.MetricFetchFailures, 1, tags...)
		p.logger.WarnContext(ctx, "source fetch failed",
			observability.SourceKey, src.ID,
			"attempts", len(result.Attempts),
			observability.ErrorKey, result.Err,
		)
		return result
	}

	result.Payload = resp.Body
	result.NotModified = resp.NotModified
	if resp.NotModified {
		p.metrics.Counter(observability.MetricFetchUnchanged, 1, tags...)
	}
	return result
}

func (p *Pool) wrapFailure(src domain.SourceDescriptor, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return permanent(src, 0, fmt.Errorf("%w: %v", ErrCircuitOpen, err))
	}
	var fe *domain.SourceFetchError
	if errors.As(err, &fe) {
		return err
	}
	return transient(src, 0, err)
}

// BreakerState returns the breaker state of a source, or closed if the
// source has never been fetched.
func (p *Pool) BreakerState(sourceID string) gobreaker.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cb, ok := p.breakers[sourceID]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}

func (p *Pool) breaker(sourceID string) *gobreaker.CircuitBreaker[Response] {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cb, ok := p.breakers[sourceID]; ok {
		return cb
	}

	threshold := p.config.BreakerFailures
	if threshold == 0 {
		threshold = 5
	}
	settings := gobreaker.Settings{
		Name:        sourceID,
		MaxRequests: 1,
		Timeout:     p.config.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// A cancelled pass says nothing about the source.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Info("source circuit breaker state changed",
				observability.SourceKey, name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	}

	cb := gobreaker.NewCircuitBreaker[Response](settings)
	p.breakers[sourceID] = cb
	return cb
}
