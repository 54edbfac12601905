package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/viralforge/mesh/services/integrations/M46-network-transaction-service/internal/domain"
	"github.com/viralforge/mesh/services/integrations/M46-network-transaction-service/internal/ports"
)

const scanBatch = 200

// ErrClearNotAllowed is returned by Clear on stores not built for tests or ops.
var ErrClearNotAllowed = errors.New("clear is disabled for this store")

// StoreOptions tunes a RedisCorrelationStore.
type StoreOptions struct {
	// AllowClear enables Clear. Never set on a store serving live traffic.
	AllowClear bool
}

// StoreStats is an operational snapshot of one tenant's keyspace.
type StoreStats struct {
	Prefix         string `json:"prefix"`
	KeyCount       int    `json:"keyCount"`
	ActiveChannels int    `json:"activeChannels"`
}

// RedisCorrelationStore is the tenant-scoped key-value, list and pub/sub store.
// Every key and channel is stored under "tenant:{subscriberId}:".
type RedisCorrelationStore struct {
	client     *redis.Client
	hub        *SubscriptionHub
	prefix     string
	allowClear bool
}

var _ ports.CorrelationStore = (*RedisCorrelationStore)(nil)

// NewRedisCorrelationStore binds a Redis client and a subscription hub to one tenant.
func NewRedisCorrelationStore(client *redis.Client, hub *SubscriptionHub, subscriberID string, opts StoreOptions) (*RedisCorrelationStore, error) {
	subscriberID = strings.TrimSpace(subscriberID)
	if subscriberID == "" {
		return nil, domain.NewConfigurationError("subscriber_id", "is required for the correlation store", nil)
	}
	if client == nil || hub == nil {
		return nil, domain.NewConfigurationError("redis", "client and subscription hub are required", nil)
	}
	return &RedisCorrelationStore{
		client:     client,
		hub:        hub,
		prefix:     "tenant:" + subscriberID + ":",
		allowClear: opts.AllowClear,
	}, nil
}

// Prefix returns the tenant prefix applied to keys and channels.
func (s *RedisCorrelationStore) Prefix() string { return s.prefix }

func (s *RedisCorrelationStore) key(k string) string { return s.prefix + k }

// ceilTTL rounds a positive TTL up to whole seconds; zero means no expiry.
func ceilTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0
	}
	return ((ttl + time.Second - 1) / time.Second) * time.Second
}

func storeErr(op, key string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", domain.ErrStoreUnavailable, op, key, err)
}

func (s *RedisCorrelationStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(key), value, ceilTTL(ttl)).Err(); err != nil {
		return storeErr("set", key, err)
	}
	return nil
}

func (s *RedisCorrelationStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, storeErr("get", key, err)
	}
	return raw, true, nil
}

func (s *RedisCorrelationStore) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	n, err := s.client.Del(ctx, full...).Result()
	if err != nil {
		return 0, storeErr("del", strings.Join(keys, ","), err)
	}
	return n, nil
}

func (s *RedisCorrelationStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, storeErr("exists", key, err)
	}
	return n > 0, nil
}

// Keys returns tenant-local key suffixes matching pattern. It iterates with SCAN.
func (s *RedisCorrelationStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	full, err := s.scan(ctx, s.key(pattern))
	if err != nil {
		return nil, storeErr("keys", pattern, err)
	}
	out := make([]string, 0, len(full))
	for _, k := range full {
		out = append(out, strings.TrimPrefix(k, s.prefix))
	}
	return out, nil
}

func (s *RedisCorrelationStore) SetTTL(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.Expire(ctx, s.key(key), ceilTTL(ttl)).Result()
	if err != nil {
		return false, storeErr("expire", key, err)
	}
	return ok, nil
}

// GetTTL returns the remaining TTL, ports.TTLNoExpiry or ports.TTLMissing.
func (s *RedisCorrelationStore) GetTTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.TTL(ctx, s.key(key)).Result()
	if err != nil {
		return 0, storeErr("ttl", key, err)
	}
	switch {
	case ttl == -2 || ttl == -2*time.Second:
		return ports.TTLMissing, nil
	case ttl == -1 || ttl == -1*time.Second:
		return ports.TTLNoExpiry, nil
	}
	return ttl, nil
}

// ListPush appends with RPUSH so concurrent writers never lose entries.
// A positive ttl refreshes the list's expiry in the same transaction.
func (s *RedisCorrelationStore) ListPush(ctx context.Context, key string, value []byte, ttl time.Duration) (int64, error) {
	full := s.key(key)
	var push *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		push = p.RPush(ctx, full, value)
		if d := ceilTTL(ttl); d > 0 {
			p.Expire(ctx, full, d)
		}
		return nil
	})
	if err != nil {
		return 0, storeErr("rpush", key, err)
	}
	return push.Val(), nil
}

func (s *RedisCorrelationStore) ListGetAll(ctx context.Context, key string) ([][]byte, error) {
	items, err := s.client.LRange(ctx, s.key(key), 0, -1).Result()
	if err != nil {
		return nil, storeErr("lrange", key, err)
	}
	out := make([][]byte, len(items))
	for i, item := range items {
		out[i] = []byte(item)
	}
	return out, nil
}

func (s *RedisCorrelationStore) ListLength(ctx context.Context, key string) (int64, error) {
	n, err := s.client.LLen(ctx, s.key(key)).Result()
	if err != nil {
		return 0, storeErr("llen", key, err)
	}
	return n, nil
}

func (s *RedisCorrelationStore) Publish(ctx context.Context, channel string, data []byte) error {
	if err := s.client.Publish(ctx, s.key(channel), data).Err(); err != nil {
		return storeErr("publish", channel, err)
	}
	return nil
}

func (s *RedisCorrelationStore) Subscribe(ctx context.Context, channel string, fn func(payload []byte)) (func(), error) {
	unsubscribe, err := s.hub.Subscribe(ctx, s.key(channel), fn)
	if err != nil {
		return nil, storeErr("subscribe", channel, err)
	}
	return unsubscribe, nil
}

// Ping reports whether the backing engine answers.
func (s *RedisCorrelationStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return storeErr("ping", "", err)
	}
	return nil
}

// Clear deletes every key of this tenant. Only stores built with AllowClear may run it.
func (s *RedisCorrelationStore) Clear(ctx context.Context) (int64, error) {
	if !s.allowClear {
		return 0, ErrClearNotAllowed
	}
	keys, err := s.scan(ctx, s.prefix+"*")
	if err != nil {
		return 0, storeErr("clear", s.prefix, err)
	}
	var deleted int64
	for start := 0; start < len(keys); start += scanBatch {
		end := min(start+scanBatch, len(keys))
		n, err := s.client.Del(ctx, keys[start:end]...).Result()
		if err != nil {
			return deleted, storeErr("clear", s.prefix, err)
		}
		deleted += n
	}
	return deleted, nil
}

// Stats counts this tenant's keys and live channel registrations.
func (s *RedisCorrelationStore) Stats(ctx context.Context) (StoreStats, error) {
	keys, err := s.scan(ctx, s.prefix+"*")
	if err != nil {
		return StoreStats{}, storeErr("stats", s.prefix, err)
	}
	return StoreStats{
		Prefix:         s.prefix,
		KeyCount:       len(keys),
		ActiveChannels: s.hub.ChannelCount(s.prefix),
	}, nil
}

func (s *RedisCorrelationStore) scan(ctx context.Context, match string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, match, scanBatch).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range batch {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}
