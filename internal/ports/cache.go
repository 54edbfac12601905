package ports

import (
	"context"
	"time"
)

// CorrelationStore is the tenant-scoped key-value, list and pub/sub capability the
// action stores are built on. Keys and channels are tenant-local; the adapter adds
// the tenant prefix. Missing keys are reported as (nil, false, nil) rather than errors.
type CorrelationStore interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Del(ctx context.Context, keys ...string) (int64, error)
	Exists(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
	SetTTL(ctx context.Context, key string, ttl time.Duration) (bool, error)
	GetTTL(ctx context.Context, key string) (time.Duration, error)

	// ListPush appends atomically; concurrent writers never lose entries.
	ListPush(ctx context.Context, key string, value []byte, ttl time.Duration) (int64, error)
	ListGetAll(ctx context.Context, key string) ([][]byte, error)
	ListLength(ctx context.Context, key string) (int64, error)

	Publisher
	Subscriber
}

// GetTTL sentinels, mirroring the engine's TTL reply.
const (
	TTLNoExpiry time.Duration = -1
	TTLMissing  time.Duration = -2
)

// Publisher publishes a payload on a tenant-local channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, data []byte) error
}

// Subscriber registers fn for a tenant-local channel. The returned function
// unsubscribes and is safe to call more than once.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string, fn func(payload []byte)) (func(), error)
}
