package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/viralforge/mesh/services/integrations/M46-network-transaction-service/internal/ports"
)

const testTenant = "buyer.example.com"

func newTestStore(t *testing.T, opts StoreOptions) (*RedisCorrelationStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), Protocol: 2})
	hub := NewSubscriptionHub(client, nil)
	t.Cleanup(func() {
		_ = hub.Close()
		_ = client.Close()
	})
	store, err := NewRedisCorrelationStore(client, hub, testTenant, opts)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store, mr
}

func TestSetGetAppliesTenantPrefixAndRoundsTTL(t *testing.T) {
	store, mr := newTestStore(t, StoreOptions{})
	ctx := context.Background()

	if err := store.Set(ctx, "search:txn-1", []byte(`{"a":1}`), 1500*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	raw, err := mr.Get("tenant:" + testTenant + ":search:txn-1")
	if err != nil {
		t.Fatalf("expected prefixed key in redis: %v", err)
	}
	if raw != `{"a":1}` {
		t.Fatalf("unexpected stored value %q", raw)
	}
	if ttl := mr.TTL("tenant:" + testTenant + ":search:txn-1"); ttl != 2*time.Second {
		t.Fatalf("expected ttl rounded up to 2s, got %s", ttl)
	}

	got, ok, err := store.Get(ctx, "search:txn-1")
	if err != nil || !ok || string(got) != `{"a":1}` {
		t.Fatalf("get returned %q ok=%v err=%v", got, ok, err)
	}
	_, ok, err = store.Get(ctx, "search:missing")
	if err != nil || ok {
		t.Fatalf("missing key should be (false, nil), got ok=%v err=%v", ok, err)
	}
}

func TestKeysReturnsTenantLocalSuffixesOnly(t *testing.T) {
	store, mr := newTestStore(t, StoreOptions{})
	ctx := context.Background()

	_ = store.Set(ctx, "select:t1:m1", []byte("x"), 0)
	_ = store.Set(ctx, "select:t2:m2", []byte("y"), 0)
	_ = mr.Set("tenant:other.example.com:select:t3:m3", "z")

	keys, err := store.Keys(ctx, "select:*")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 tenant keys, got %v", keys)
	}
	for _, k := range keys {
		if k != "select:t1:m1" && k != "select:t2:m2" {
			t.Fatalf("unexpected key %q", k)
		}
	}
}

func TestTTLManagement(t *testing.T) {
	store, _ := newTestStore(t, StoreOptions{})
	ctx := context.Background()

	ttl, err := store.GetTTL(ctx, "nope")
	if err != nil || ttl != ports.TTLMissing {
		t.Fatalf("expected TTLMissing, got %v err=%v", ttl, err)
	}
	_ = store.Set(ctx, "k", []byte("v"), 0)
	ttl, err = store.GetTTL(ctx, "k")
	if err != nil || ttl != ports.TTLNoExpiry {
		t.Fatalf("expected TTLNoExpiry, got %v err=%v", ttl, err)
	}
	ok, err := store.SetTTL(ctx, "k", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("set ttl: ok=%v err=%v", ok, err)
	}
	ttl, err = store.GetTTL(ctx, "k")
	if err != nil || ttl != 10*time.Second {
		t.Fatalf("expected 10s, got %v err=%v", ttl, err)
	}

	exists, err := store.Exists(ctx, "k")
	if err != nil || !exists {
		t.Fatalf("expected key to exist")
	}
	n, err := store.Del(ctx, "k", "nope")
	if err != nil || n != 1 {
		t.Fatalf("expected one deletion, got %d err=%v", n, err)
	}
}

func TestListPushIsSafeUnderConcurrentWriters(t *testing.T) {
	store, mr := newTestStore(t, StoreOptions{})
	ctx := context.Background()
	const writers = 40

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := store.ListPush(ctx, "search:t1:responses", []byte(fmt.Sprintf("r-%d", i)), time.Minute); err != nil {
				t.Errorf("push %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	n, err := store.ListLength(ctx, "search:t1:responses")
	if err != nil || n != writers {
		t.Fatalf("expected %d entries, got %d err=%v", writers, n, err)
	}
	items, err := store.ListGetAll(ctx, "search:t1:responses")
	if err != nil || len(items) != writers {
		t.Fatalf("expected %d items, got %d err=%v", writers, len(items), err)
	}
	if ttl := mr.TTL("tenant:" + testTenant + ":search:t1:responses"); ttl != time.Minute {
		t.Fatalf("expected list ttl 1m, got %s", ttl)
	}
}

func TestPublishSubscribeMultiplexesCallbacks(t *testing.T) {
	store, _ := newTestStore(t, StoreOptions{})
	ctx := context.Background()

	first := make(chan string, 4)
	second := make(chan string, 4)
	unsubFirst, err := store.Subscribe(ctx, "search:t1", func(p []byte) { first <- string(p) })
	if err != nil {
		t.Fatalf("subscribe first: %v", err)
	}
	unsubSecond, err := store.Subscribe(ctx, "search:t1", func(p []byte) { second <- string(p) })
	if err != nil {
		t.Fatalf("subscribe second: %v", err)
	}
	if got := store.hub.ChannelCount(store.Prefix()); got != 1 {
		t.Fatalf("expected one shared channel registration, got %d", got)
	}

	if err := store.Publish(ctx, "search:t1", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	expectMessage(t, first, "hello")
	expectMessage(t, second, "hello")

	unsubFirst()
	unsubFirst()
	if got := store.hub.ChannelCount(store.Prefix()); got != 1 {
		t.Fatalf("channel must stay registered while a callback remains, got %d", got)
	}
	if err := store.Publish(ctx, "search:t1", []byte("again")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	expectMessage(t, second, "again")
	select {
	case msg := <-first:
		t.Fatalf("unsubscribed callback received %q", msg)
	case <-time.After(100 * time.Millisecond):
	}

	unsubSecond()
	if got := store.hub.ChannelCount(store.Prefix()); got != 0 {
		t.Fatalf("expected registration released, got %d", got)
	}
}

func TestClearIsGated(t *testing.T) {
	locked, _ := newTestStore(t, StoreOptions{})
	if _, err := locked.Clear(context.Background()); !errors.Is(err, ErrClearNotAllowed) {
		t.Fatalf("expected ErrClearNotAllowed, got %v", err)
	}

	store, mr := newTestStore(t, StoreOptions{AllowClear: true})
	ctx := context.Background()
	_ = store.Set(ctx, "a", []byte("1"), 0)
	_, _ = store.ListPush(ctx, "b", []byte("1"), 0)
	_ = mr.Set("tenant:other.example.com:a", "keep")

	stats, err := store.Stats(ctx)
	if err != nil || stats.KeyCount != 2 {
		t.Fatalf("expected 2 keys before clear, got %+v err=%v", stats, err)
	}
	n, err := store.Clear(ctx)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 deletions, got %d err=%v", n, err)
	}
	if !mr.Exists("tenant:other.example.com:a") {
		t.Fatalf("clear must not touch other tenants")
	}
}

func TestNewStoreRequiresSubscriberID(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	if _, err := NewRedisCorrelationStore(client, NewSubscriptionHub(client, nil), " ", StoreOptions{}); err == nil {
		t.Fatalf("expected configuration error")
	}
}

func expectMessage(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}
