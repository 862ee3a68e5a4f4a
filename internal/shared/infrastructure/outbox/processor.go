package outbox

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/felixgeelhaar/staysync/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/staysync/internal/shared/infrastructure/retry"
	"github.com/felixgeelhaar/staysync/pkg/observability"
)

// ProcessorConfig holds configuration for the outbox processor.
type ProcessorConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// MaxRetries is the number of publish attempts before a message is
	// dead-lettered. Zero dead-letters on the first failure.
	MaxRetries       int
	RetryBackoffBase time.Duration
	RetryBackoffMax  time.Duration
	// Retention keeps published messages this long. Zero disables pruning.
	Retention time.Duration
}

// DefaultProcessorConfig returns sensible defaults.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		PollInterval:     100 * time.Millisecond,
		BatchSize:        100,
		MaxRetries:       5,
		RetryBackoffBase: time.Second,
		RetryBackoffMax:  time.Minute,
		Retention:        7 * 24 * time.Hour,
	}
}

const pruneInterval = time.Hour

// outcome is what happened to one message in a batch.
type outcome int

const (
	delivered outcome = iota
	rescheduled
	deadLettered
)

// Processor relays reservation lifecycle events from the outbox to the broker.
// Delivery is at least once: a crash between publish and MarkPublished
// republishes the message on the next poll.
type Processor struct {
	repo      Repository
	publisher eventbus.Publisher
	config    ProcessorConfig
	logger    *slog.Logger
	metrics   observability.Metrics

	backoff retry.Policy
	now     func() time.Time

	mu      sync.Mutex
	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	published atomic.Uint64
	failed    atomic.Uint64
	dead      atomic.Uint64

	statsMu sync.Mutex
	last    batchInfo
}

type batchInfo struct {
	err         string
	errAt       *time.Time
	processedAt *time.Time
	oldest      *time.Time
	lag         float64
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithProcessorMetrics records deliveries and dead letters.
func WithProcessorMetrics(m observability.Metrics) ProcessorOption {
	return func(p *Processor) { p.metrics = m }
}

// NewProcessor creates a new outbox processor.
func NewProcessor(repo Repository, publisher eventbus.Publisher, config ProcessorConfig, logger *slog.Logger, opts ...ProcessorOption) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{
		repo:      repo,
		publisher: publisher,
		config:    config,
		logger:    logger,
		metrics:   observability.NoopMetrics{},
		backoff:   retry.Policy{BackoffBase: config.RetryBackoffBase, BackoffMax: config.RetryBackoffMax},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the polling loop. Calling Start on a running processor is a no-op.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running.Load() {
		return nil
	}
	p.stopCh = make(chan struct{})
	p.running.Store(true)

	p.wg.Add(1)
	go p.loop(ctx, p.stopCh)

	p.logger.Info("outbox processor started",
		"poll_interval", p.config.PollInterval,
		"batch_size", p.config.BatchSize,
		"max_retries", p.config.MaxRetries,
	)
	return nil
}

// Stop ends the loop and waits for the batch in flight.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running.Load() {
		p.mu.Unlock()
		return
	}
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	p.running.Store(false)
	p.logger.Info("outbox processor stopped")
}

// IsRunning returns true if the processor is running.
func (p *Processor) IsRunning() bool {
	return p.running.Load()
}

func (p *Processor) loop(ctx context.Context, stop <-chan struct{}) {
	defer p.wg.Done()
	defer p.running.Store(false)

	poll := time.NewTicker(p.config.PollInterval)
	defer poll.Stop()
	prune := time.NewTicker(pruneInterval)
	defer prune.Stop()

	p.prune(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-poll.C:
			if err := p.ProcessOnce(ctx); err != nil {
				p.logger.Error("failed to process outbox batch", "error", err)
			}
		case <-prune.C:
			p.prune(ctx)
		}
	}
}

// ProcessOnce publishes one batch of due messages synchronously. Only a
// failure to read the outbox is returned; publish failures are rescheduled.
func (p *Processor) ProcessOnce(ctx context.Context) error {
	messages, err := p.repo.GetUnpublished(ctx, p.config.BatchSize)
	if err != nil {
		p.noteError(err)
		return err
	}
	p.noteBatch(messages)

	for _, msg := range messages {
		switch p.deliver(ctx, msg) {
		case delivered:
			p.published.Add(1)
			p.metrics.Counter(observability.MetricEventsPublished, 1, observability.T("routing_key", msg.RoutingKey))
		case rescheduled:
			p.failed.Add(1)
		case deadLettered:
			p.dead.Add(1)
			p.metrics.Counter(observability.MetricOutboxDeadLetters, 1, observability.T("routing_key", msg.RoutingKey))
		}
	}
	return nil
}

func (p *Processor) deliver(ctx context.Context, msg *Message) outcome {
	trace := msg.Trace()
	log := p.logger.With(
		"id", msg.ID,
		"event_id", msg.EventID,
		"routing_key", msg.RoutingKey,
		"run_id", trace.RunID,
		"correlation_id", trace.CorrelationID,
	)

	err := p.publisher.Publish(ctx, msg.RoutingKey, msg.Payload)
	if err == nil {
		if markErr := p.repo.MarkPublished(ctx, msg.ID); markErr != nil {
			log.Error("failed to mark message as published", "error", markErr)
		}
		return delivered
	}

	p.noteError(err)
	attempts := msg.RetryCount + 1
	if attempts >= p.config.MaxRetries {
		log.Error("dead-lettering message", "attempts", attempts, "error", err)
		if markErr := p.repo.MarkDead(ctx, msg.ID, err.Error()); markErr != nil {
			log.Error("failed to mark message as dead-lettered", "error", markErr)
		}
		return deadLettered
	}

	next := p.now().Add(p.backoff.Backoff(attempts))
	log.Warn("failed to publish message", "attempts", attempts, "next_retry_at", next, "error", err)
	if markErr := p.repo.MarkFailed(ctx, msg.ID, err.Error(), next); markErr != nil {
		log.Error("failed to mark message as failed", "error", markErr)
	}
	return rescheduled
}

func (p *Processor) prune(ctx context.Context) {
	if p.config.Retention <= 0 {
		return
	}
	n, err := p.repo.DeleteOld(ctx, p.config.Retention)
	if err != nil {
		p.logger.Warn("failed to prune published outbox messages", "error", err)
		return
	}
	if n > 0 {
		p.logger.Debug("pruned published outbox messages", "count", n, "retention", p.config.Retention)
	}
}

// Stats is a snapshot of processor activity since start.
type Stats struct {
	IsRunning       bool
	PublishedCount  uint64
	FailedCount     uint64
	DeadCount       uint64
	LagSeconds      float64
	LastError       string
	LastErrorAt     *time.Time
	LastProcessedAt *time.Time
	OldestMessageAt *time.Time
}

// GetStats returns current processor statistics.
func (p *Processor) GetStats() Stats {
	p.statsMu.Lock()
	last := p.last
	p.statsMu.Unlock()

	return Stats{
		IsRunning:       p.IsRunning(),
		PublishedCount:  p.published.Load(),
		FailedCount:     p.failed.Load(),
		DeadCount:       p.dead.Load(),
		LagSeconds:      last.lag,
		LastError:       last.err,
		LastErrorAt:     last.errAt,
		LastProcessedAt: last.processedAt,
		OldestMessageAt: last.oldest,
	}
}

func (p *Processor) noteError(err error) {
	now := p.now()
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.last.err = err.Error()
	p.last.errAt = &now
}

// noteBatch records lag as the age of the oldest due message.
func (p *Processor) noteBatch(messages []*Message) {
	now := p.now()
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.last.processedAt = &now
	p.last.oldest = nil
	p.last.lag = 0
	for _, msg := range messages {
		if p.last.oldest == nil || msg.CreatedAt.Before(*p.last.oldest) {
			created := msg.CreatedAt
			p.last.oldest = &created
		}
	}
	if p.last.oldest != nil {
		p.last.lag = now.Sub(*p.last.oldest).Seconds()
	}
}
