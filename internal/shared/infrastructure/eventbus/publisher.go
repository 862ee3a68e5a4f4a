package eventbus

import (
	"context"
)

// Publisher sends outbox payloads to the broker downstream consumers read from.
type Publisher interface {
	// Publish sends a message to the event bus.
	Publish(ctx context.Context, routingKey string, payload []byte) error

	// Close closes the publisher connection.
	Close() error
}
