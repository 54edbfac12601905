package cache

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultConfirmWait = 2 * time.Second

// inboxSize bounds the messages queued for one channel's callbacks.
const inboxSize = 256

var errHubClosed = errors.New("subscription hub closed")

// SubscriptionHub multiplexes local callbacks onto a single Redis pub/sub
// connection. The connection is dedicated to listening and never carries
// ordinary commands. Channels are reference counted: the last unsubscribe
// sends UNSUBSCRIBE and drops the registration, the connection stays open.
// Each channel delivers from its own goroutine, so a slow callback only
// delays its own channel; when its inbox is full further messages are dropped.
type SubscriptionHub struct {
	client      *redis.Client
	logger      *slog.Logger
	confirmWait time.Duration

	mu       sync.Mutex
	pubsub   *redis.PubSub
	channels map[string]*channelRegistration
	pending  map[string]int
	nextID   uint64
	closed   bool

	cancel context.CancelFunc
	done   chan struct{}
}

type channelRegistration struct {
	handlers  map[uint64]func([]byte)
	inbox     chan []byte
	ready     chan struct{}
	readyOnce sync.Once
}

func (r *channelRegistration) markReady() {
	r.readyOnce.Do(func() { close(r.ready) })
}

// NewSubscriptionHub creates a hub for one Redis endpoint. The listening
// connection is opened on the first Subscribe.
func NewSubscriptionHub(client *redis.Client, logger *slog.Logger) *SubscriptionHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionHub{
		client:      client,
		logger:      logger,
		confirmWait: defaultConfirmWait,
		channels:    make(map[string]*channelRegistration),
		pending:     make(map[string]int),
	}
}

// Subscribe registers fn for channel and returns an idempotent unsubscribe.
// It returns once the server confirmed the subscription, or after a bounded
// wait, so a publication issued right after Subscribe returns is delivered.
func (h *SubscriptionHub) Subscribe(ctx context.Context, channel string, fn func([]byte)) (func(), error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, errHubClosed
	}
	if h.pubsub == nil {
		h.start()
	}
	h.nextID++
	id := h.nextID
	reg, exists := h.channels[channel]
	if !exists {
		reg = &channelRegistration{
			handlers: make(map[uint64]func([]byte)),
			inbox:    make(chan []byte, inboxSize),
			ready:    make(chan struct{}),
		}
		if err := h.pubsub.Subscribe(ctx, channel); err != nil {
			h.mu.Unlock()
			return nil, err
		}
		h.channels[channel] = reg
		h.pending[channel]++
		go h.deliver(reg)
	}
	reg.handlers[id] = fn
	h.mu.Unlock()

	timer := time.NewTimer(h.confirmWait)
	defer timer.Stop()
	select {
	case <-reg.ready:
	case <-timer.C:
		h.logger.Warn("subscription confirmation timed out",
			"module", "cache.subscription_hub",
			"layer", "adapter",
			"operation", "subscribe",
			"channel", channel,
		)
	case <-ctx.Done():
		h.remove(channel, id)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { h.remove(channel, id) })
	}, nil
}

// ChannelCount returns the number of channels with at least one local callback.
func (h *SubscriptionHub) ChannelCount(prefix string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for ch := range h.channels {
		if strings.HasPrefix(ch, prefix) {
			n++
		}
	}
	return n
}

// Close stops the dispatch loop and closes the listening connection.
func (h *SubscriptionHub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	ps := h.pubsub
	cancel := h.cancel
	done := h.done
	for _, reg := range h.channels {
		close(reg.inbox)
	}
	h.channels = make(map[string]*channelRegistration)
	h.pending = make(map[string]int)
	h.mu.Unlock()

	if ps == nil {
		return nil
	}
	cancel()
	err := ps.Close()
	<-done
	return err
}

// start must be called with h.mu held.
func (h *SubscriptionHub) start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.pubsub = h.client.Subscribe(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})
	go h.loop(ctx, h.pubsub)
}

func (h *SubscriptionHub) remove(channel string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	reg, ok := h.channels[channel]
	if !ok {
		return
	}
	delete(reg.handlers, id)
	if len(reg.handlers) > 0 {
		return
	}
	delete(h.channels, channel)
	close(reg.inbox)
	if h.closed || h.pubsub == nil {
		return
	}
	if err := h.pubsub.Unsubscribe(context.Background(), channel); err != nil {
		h.logger.Warn("unsubscribe failed",
			"module", "cache.subscription_hub",
			"layer", "adapter",
			"operation", "unsubscribe",
			"channel", channel,
			"error", err.Error(),
		)
	}
}

func (h *SubscriptionHub) loop(ctx context.Context, ps *redis.PubSub) {
	defer close(h.done)
	for {
		msg, err := ps.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			h.logger.Warn("pubsub receive failed",
				"module", "cache.subscription_hub",
				"layer", "adapter",
				"operation", "receive",
				"error", err.Error(),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				h.confirmSubscribe(m.Channel)
			}
		case *redis.Message:
			h.dispatch(m.Channel, []byte(m.Payload))
		}
	}
}

// confirmSubscribe consumes one SUBSCRIBE confirmation for channel. Redis
// confirms in request order, so the registration is ready only once every
// SUBSCRIBE sent for the channel so far has been confirmed; confirmations owed
// to a removed registration cannot release a newer one.
func (h *SubscriptionHub) confirmSubscribe(channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n := h.pending[channel]; n > 1 {
		h.pending[channel] = n - 1
		return
	}
	delete(h.pending, channel)
	if reg, ok := h.channels[channel]; ok {
		reg.markReady()
	}
}

// dispatch hands payload to the channel's inbox without waiting on callbacks.
func (h *SubscriptionHub) dispatch(channel string, payload []byte) {
	h.mu.Lock()
	reg, ok := h.channels[channel]
	if !ok {
		h.mu.Unlock()
		return
	}
	queued := true
	select {
	case reg.inbox <- payload:
	default:
		queued = false
	}
	h.mu.Unlock()

	if !queued {
		h.logger.Warn("subscriber inbox full; message dropped",
			"module", "cache.subscription_hub",
			"layer", "adapter",
			"operation", "dispatch",
			"channel", channel,
		)
	}
}

// deliver runs the callbacks of one channel until its registration is dropped.
func (h *SubscriptionHub) deliver(reg *channelRegistration) {
	for payload := range reg.inbox {
		h.mu.Lock()
		handlers := make([]func([]byte), 0, len(reg.handlers))
		for _, fn := range reg.handlers {
			handlers = append(handlers, fn)
		}
		h.mu.Unlock()

		for _, fn := range handlers {
			fn(payload)
		}
	}
}
