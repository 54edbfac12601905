package application

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/viralforge/mesh/services/integrations/M46-network-transaction-service/internal/adapters/cache"
	"github.com/viralforge/mesh/services/integrations/M46-network-transaction-service/internal/domain"
	"github.com/viralforge/mesh/services/integrations/M46-network-transaction-service/internal/ports"
)

const testSubscriber = "buyer.example.com"

func newTestStore(t *testing.T) *countingStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), Protocol: 2})
	hub := cache.NewSubscriptionHub(client, nil)
	t.Cleanup(func() {
		_ = hub.Close()
		_ = client.Close()
	})
	store, err := cache.NewRedisCorrelationStore(client, hub, testSubscriber, cache.StoreOptions{AllowClear: true})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return &countingStore{CorrelationStore: store}
}

// countingStore counts how often unsubscribe functions are invoked.
type countingStore struct {
	ports.CorrelationStore
	subscribes   atomic.Int32
	unsubscribes atomic.Int32
}

func (s *countingStore) Subscribe(ctx context.Context, channel string, fn func([]byte)) (func(), error) {
	unsubscribe, err := s.CorrelationStore.Subscribe(ctx, channel, fn)
	if err != nil {
		return nil, err
	}
	s.subscribes.Add(1)
	return func() {
		s.unsubscribes.Add(1)
		unsubscribe()
	}, nil
}

// countingTicker wraps a real ticker and counts Stop calls.
type countingTicker struct {
	t     *time.Ticker
	stops *atomic.Int32
}

func (c countingTicker) C() <-chan time.Time { return c.t.C }

func (c countingTicker) Stop() {
	c.stops.Add(1)
	c.t.Stop()
}

func countingTickerFactory(stops *atomic.Int32) TickerFactory {
	return func(d time.Duration) Ticker {
		return countingTicker{t: time.NewTicker(d), stops: stops}
	}
}

type sentCall struct {
	URL  string
	Body []byte
}

// fakeClient answers with scripted results, one per call, repeating the last.
type fakeClient struct {
	mu      sync.Mutex
	calls   []sentCall
	results []fakeResult
	onSend  func(url string, body []byte)
}

type fakeResult struct {
	ack bool
	err error
}

func (f *fakeClient) SendWithAck(_ context.Context, url string, body []byte) (bool, error) {
	f.mu.Lock()
	f.calls = append(f.calls, sentCall{URL: url, Body: body})
	idx := len(f.calls) - 1
	onSend := f.onSend
	var res fakeResult
	switch {
	case len(f.results) == 0:
		res = fakeResult{ack: true}
	case idx < len(f.results):
		res = f.results[idx]
	default:
		res = f.results[len(f.results)-1]
	}
	f.mu.Unlock()
	if onSend != nil {
		onSend(url, body)
	}
	return res.ack, res.err
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeClient) lastCall() sentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

type fakeIdentity struct {
	answer string
	err    error
}

func (f fakeIdentity) DecryptChallenge(string) (string, error) { return f.answer, f.err }
func (f fakeIdentity) SignSubscribeRequestID() string { return "c2lnbmVk" }
func (f fakeIdentity) SubscriberID() string { return testSubscriber }

type recordedEvent struct {
	Type    string
	Key     string
	Payload []byte
}

type fakeEvents struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeEvents) Publish(_ context.Context, eventType, key string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{Type: eventType, Key: key, Payload: payload})
	return nil
}

func (f *fakeEvents) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Type)
	}
	return out
}

func testConfig() Config {
	return Config{
		ServiceID:      "M46-Network-Transaction-Service",
		SubscriberID:   testSubscriber,
		SubscriberURI:  "https://buyer.example.com/callbacks",
		Domain:         domain.DomainGrocery,
		City:           "std:080",
		Country:        "IND",
		CoreVersion:    "1.2.0",
		GatewayURL:     "https://gateway.example.com/",
		SearchTTL:      30 * time.Second,
		EntryRetention: time.Hour,
		StreamTick:     100 * time.Millisecond,
		Retry: RetryPolicy{
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
		},
	}
}

func callbackBody(action, txn, msg, counterparty, message string) []byte {
	return []byte(`{"context":{"action":"on_` + action + `","transaction_id":"` + txn + `","message_id":"` + msg +
		`","counterparty_id":"` + counterparty + `","counterparty_uri":"https://` + counterparty + `/api","timestamp":"2024-01-01T00:00:00.000Z"},"message":` + message + `}`)
}
