package ports

import "context"

// EventPublisher emits transaction lifecycle events to other mesh services.
// key groups events of one transaction (partition key for brokers that have one).
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, key string, payload []byte) error
}
