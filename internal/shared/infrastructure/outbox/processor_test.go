package outbox_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/felixgeelhaar/staysync/internal/shared/infrastructure/outbox"
	"github.com/felixgeelhaar/staysync/pkg/observability"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockPublisher is a test double for eventbus.Publisher
type mockPublisher struct {
	mu          sync.Mutex
	published   []string
	failForKeys map[string]bool
}

func newMockPublisher() *mockPublisher {
	return &mockPublisher{failForKeys: make(map[string]bool)}
}

func (p *mockPublisher) Publish(ctx context.Context, routingKey string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failForKeys[routingKey] {
		return errors.New("broker unreachable")
	}
	p.published = append(p.published, routingKey)
	return nil
}

func (p *mockPublisher) Close() error { return nil }

func (p *mockPublisher) PublishedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func createTestMessage(routingKey string) *outbox.Message {
	payload, _ := json.Marshal(map[string]string{"uid": "airbnb_p_2025-06-10_2025-06-12_abc123"})
	return &outbox.Message{
		EventID:       uuid.New(),
		AggregateType: "reservation",
		AggregateID:   uuid.New(),
		EventType:     routingKey,
		RoutingKey:    routingKey,
		Payload:       payload,
		CreatedAt:     time.Now(),
	}
}

func TestProcessor_ProcessOnce(t *testing.T) {
	repo := outbox.NewInMemoryRepository()
	publisher := newMockPublisher()
	processor := outbox.NewProcessor(repo, publisher, outbox.DefaultProcessorConfig(), nil)

	require.NoError(t, repo.Save(context.Background(), createTestMessage("reservation.created")))
	require.NoError(t, repo.Save(context.Background(), createTestMessage("reservation.removed")))

	err := processor.ProcessOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, publisher.PublishedCount())
	for _, msg := range repo.Messages() {
		assert.True(t, msg.IsPublished())
	}

	stats := processor.GetStats()
	assert.Equal(t, uint64(2), stats.PublishedCount)
	assert.NotNil(t, stats.LastProcessedAt)
	assert.GreaterOrEqual(t, stats.LagSeconds, 0.0)
}

func TestProcessor_ProcessOnce_PublishFailure(t *testing.T) {
	repo := outbox.NewInMemoryRepository()
	publisher := newMockPublisher()
	publisher.failForKeys["reservation.modified"] = true
	config := outbox.DefaultProcessorConfig()
	config.RetryBackoffBase = time.Minute
	processor := outbox.NewProcessor(repo, publisher, config, nil)

	require.NoError(t, repo.Save(context.Background(), createTestMessage("reservation.created")))
	require.NoError(t, repo.Save(context.Background(), createTestMessage("reservation.modified")))

	err := processor.ProcessOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, publisher.PublishedCount())

	failed := repo.Messages()[1]
	assert.Equal(t, 1, failed.RetryCount)
	require.NotNil(t, failed.NextRetryAt)
	assert.True(t, failed.NextRetryAt.After(time.Now().Add(30*time.Second)))

	// Not due yet, so the next batch skips it.
	require.NoError(t, processor.ProcessOnce(context.Background()))
	assert.Equal(t, 1, repo.Messages()[1].RetryCount)

	stats := processor.GetStats()
	assert.Equal(t, uint64(1), stats.FailedCount)
	assert.NotNil(t, stats.LastErrorAt)
}

func TestProcessor_ProcessOnce_DeadLettersAfterMaxRetries(t *testing.T) {
	repo := outbox.NewInMemoryRepository()
	publisher := newMockPublisher()
	publisher.failForKeys["reservation.removed"] = true
	config := outbox.DefaultProcessorConfig()
	config.MaxRetries = 1
	processor := outbox.NewProcessor(repo, publisher, config, nil)

	require.NoError(t, repo.Save(context.Background(), createTestMessage("reservation.removed")))

	require.NoError(t, processor.ProcessOnce(context.Background()))

	msg := repo.Messages()[0]
	assert.NotNil(t, msg.DeadLetteredAt)
	assert.Equal(t, uint64(1), processor.GetStats().DeadCount)
}

func TestProcessor_StartStop(t *testing.T) {
	repo := outbox.NewInMemoryRepository()
	publisher := newMockPublisher()
	config := outbox.ProcessorConfig{
		PollInterval:     10 * time.Millisecond,
		BatchSize:        10,
		MaxRetries:       3,
		RetryBackoffBase: time.Millisecond,
		RetryBackoffMax:  10 * time.Millisecond,
	}
	processor := outbox.NewProcessor(repo, publisher, config, nil)

	require.NoError(t, processor.Start(context.Background()))
	require.NoError(t, processor.Start(context.Background()))
	assert.True(t, processor.IsRunning())

	require.NoError(t, repo.Save(context.Background(), createTestMessage("reservation.created")))

	assert.Eventually(t, func() bool { return publisher.PublishedCount() == 1 }, time.Second, 10*time.Millisecond)

	processor.Stop()
	processor.Stop()
	assert.False(t, processor.IsRunning())
	assert.False(t, processor.GetStats().IsRunning)
}

func TestProcessor_RecordsMetrics(t *testing.T) {
	repo := outbox.NewInMemoryRepository()
	publisher := newMockPublisher()
	publisher.failForKeys["reservation.removed"] = true
	config := outbox.DefaultProcessorConfig()
	config.MaxRetries = 1
	metrics := observability.NewInMemoryMetrics()
	processor := outbox.NewProcessor(repo, publisher, config, nil, outbox.WithProcessorMetrics(metrics))

	require.NoError(t, repo.Save(context.Background(), createTestMessage("reservation.created")))
	require.NoError(t, repo.Save(context.Background(), createTestMessage("reservation.created")))
	require.NoError(t, repo.Save(context.Background(), createTestMessage("reservation.removed")))

	require.NoError(t, processor.ProcessOnce(context.Background()))

	assert.Equal(t, int64(2), metrics.GetCounter(observability.MetricEventsPublished, observability.T("routing_key", "reservation.created")))
	assert.Equal(t, int64(1), metrics.GetCounter(observability.MetricOutboxDeadLetters, observability.T("routing_key", "reservation.removed")))
}
