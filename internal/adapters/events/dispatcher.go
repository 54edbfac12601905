package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/viralforge/mesh/services/integrations/M46-network-transaction-service/internal/ports"
)

// ErrQueueFull is returned by Publish when the dispatcher cannot take more events.
var ErrQueueFull = errors.New("event queue full")

// ErrDispatcherClosed is returned by Publish after Run has returned.
var ErrDispatcherClosed = errors.New("event dispatcher closed")

type queuedEvent struct {
	eventType string
	key       string
	payload   []byte
	attempts  int
}

// Dispatcher decouples request handling from broker latency. Publish enqueues
// without blocking; Run drains the queue into the sink, retrying failed events
// up to maxRetries times before dropping them with an error log. The queue is
// in memory only: events still queued when the process dies are lost.
type Dispatcher struct {
	logger     *slog.Logger
	sink       ports.EventPublisher
	queue      chan queuedEvent
	retryDelay time.Duration
	maxRetries int

	mu     sync.RWMutex
	closed bool
}

func NewDispatcher(logger *slog.Logger, sink ports.EventPublisher, capacity int, retryDelay time.Duration, maxRetries int) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if capacity <= 0 {
		capacity = 1024
	}
	if retryDelay <= 0 {
		retryDelay = 500 * time.Millisecond
	}
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Dispatcher{
		logger:     logger,
		sink:       sink,
		queue:      make(chan queuedEvent, capacity),
		retryDelay: retryDelay,
		maxRetries: maxRetries,
	}
}

func (d *Dispatcher) Publish(_ context.Context, eventType, key string, payload []byte) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- queuedEvent{eventType: eventType, key: key, payload: payload}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending reports how many events wait in the queue.
func (d *Dispatcher) Pending() int { return len(d.queue) }

// Run delivers events until ctx is cancelled, then flushes what is queued
// within drainTimeout and stops accepting new events.
func (d *Dispatcher) Run(ctx context.Context, drainTimeout time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			d.close()
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
			d.drain(drainCtx)
			return ctx.Err()
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		}
	}
}

func (d *Dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}

func (d *Dispatcher) drain(ctx context.Context) {
	delivered, dropped := 0, 0
	for {
		select {
		case ev := <-d.queue:
			if err := d.sink.Publish(ctx, ev.eventType, ev.key, ev.payload); err != nil {
				dropped++
				continue
			}
			delivered++
		default:
			if delivered+dropped > 0 {
				d.logger.InfoContext(ctx, "event queue drained",
					"module", "events.dispatcher",
					"layer", "adapter",
					"operation", "drain",
					"outcome", "success",
					"published_count", delivered,
					"dropped_count", dropped,
				)
			}
			return
		}
	}
}

// deliver retries one event in place; ordering per key is kept because the
// next event is not taken until this one is settled.
func (d *Dispatcher) deliver(ctx context.Context, ev queuedEvent) {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(d.retryDelay), uint64(d.maxRetries-1)),
		ctx,
	)
	publish := func() error {
		ev.attempts++
		return d.sink.Publish(ctx, ev.eventType, ev.key, ev.payload)
	}
	notify := func(err error, wait time.Duration) {
		d.logger.WarnContext(ctx, "event publish failed; retry scheduled",
			"module", "events.dispatcher",
			"layer", "adapter",
			"operation", "publish_event",
			"outcome", "failure",
			"event_type", ev.eventType,
			"partition_key", ev.key,
			"retry_count", ev.attempts,
			"retry_in_ms", wait.Milliseconds(),
			"error", err,
		)
	}
	if err := backoff.RetryNotify(publish, policy, notify); err != nil {
		d.logger.ErrorContext(ctx, "event dropped after retries",
			"module", "events.dispatcher",
			"layer", "adapter",
			"operation", "publish_event",
			"outcome", "failure",
			"event_type", ev.eventType,
			"partition_key", ev.key,
			"payload_bytes", len(ev.payload),
			"retry_count", ev.attempts,
			"error", err,
		)
	}
}
