package application

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/viralforge/mesh/services/integrations/M46-network-transaction-service/internal/domain"
)

// StreamEventType names the events a search stream emits.
type StreamEventType string

const (
	StreamEventConnected StreamEventType = "connected"
	StreamEventInitial   StreamEventType = "initial"
	StreamEventUpdate    StreamEventType = "update"
	StreamEventComplete  StreamEventType = "complete"
	StreamEventError     StreamEventType = "error"
)

// StreamState is the lifecycle of one stream. complete and error are terminal.
type StreamState string

const (
	StreamConnecting StreamState = "connecting"
	StreamStreaming  StreamState = "streaming"
	StreamComplete   StreamState = "complete"
	StreamFailed     StreamState = "error"
)

type StreamEvent struct {
	Type StreamEventType
	Data any
}

// EmitFunc writes one event to the transport. An error ends the stream.
type EmitFunc func(StreamEvent) error

// StreamUpdate is the data of an update event.
type StreamUpdate struct {
	Event   json.RawMessage      `json:"event"`
	Results domain.SearchResults `json:"results"`
}

// StreamError is the data of an error event.
type StreamError struct {
	TransactionID string `json:"transactionId"`
	Code          string `json:"code"`
	Message       string `json:"message"`
}

// Ticker is the periodic completeness check.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory builds a Ticker; tests inject one that counts releases.
type TickerFactory func(d time.Duration) Ticker

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop() { t.t.Stop() }

func newTimeTicker(d time.Duration) Ticker { return timeTicker{t: time.NewTicker(d)} }

// StreamBridge turns a search's store updates into a live event feed.
type StreamBridge struct {
	search    *SearchStore
	tick      time.Duration
	newTicker TickerFactory
	logger    *slog.Logger
}

func NewStreamBridge(search *SearchStore, tick time.Duration, newTicker TickerFactory, logger *slog.Logger) *StreamBridge {
	if tick <= 0 {
		tick = time.Second
	}
	if newTicker == nil {
		newTicker = newTimeTicker
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamBridge{search: search, tick: tick, newTicker: newTicker, logger: logger}
}

// streamSession owns the subscription and the ticker of one open stream.
type streamSession struct {
	txn         string
	state       StreamState
	emit        EmitFunc
	updates     chan []byte
	done        chan struct{}
	unsubscribe func()
	ticker      Ticker
	releaseOnce sync.Once
}

// release frees the subscription and the ticker. Every exit path calls it;
// only the first call has an effect.
func (s *streamSession) release() {
	s.releaseOnce.Do(func() {
		close(s.done)
		if s.ticker != nil {
			s.ticker.Stop()
		}
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
	})
}

// Run streams txn until it completes, the entry disappears, emit fails or ctx ends.
// The subscription is taken before the snapshot so no publication falls between them.
func (b *StreamBridge) Run(ctx context.Context, txn string, emit EmitFunc) error {
	sess := &streamSession{
		txn:     txn,
		state:   StreamConnecting,
		emit:    emit,
		updates: make(chan []byte, 64),
		done:    make(chan struct{}),
	}
	defer sess.release()

	// Every update re-reads the aggregate, so a notice dropped while the
	// buffer is full loses no results; the ticker still catches completion.
	unsubscribe, err := b.search.Subscribe(ctx, txn, func(payload []byte) {
		select {
		case sess.updates <- payload:
		case <-sess.done:
		default:
		}
	})
	if err != nil {
		return b.fail(ctx, sess, "subscribe_failed", "stream could not subscribe", err)
	}
	sess.unsubscribe = unsubscribe

	snapshot, err := b.search.GetResults(ctx, txn)
	if err != nil {
		return b.fail(ctx, sess, "store_unavailable", "search results unavailable", err)
	}
	if !snapshot.Found {
		return b.fail(ctx, sess, "not_found", "unknown transaction", nil)
	}

	if err := sess.emit(StreamEvent{Type: StreamEventConnected, Data: map[string]string{"transactionId": txn}}); err != nil {
		return err
	}
	if err := sess.emit(StreamEvent{Type: StreamEventInitial, Data: snapshot}); err != nil {
		return err
	}
	if snapshot.Complete {
		return b.complete(ctx, sess, snapshot)
	}

	sess.state = StreamStreaming
	sess.ticker = b.newTicker(b.tick)
	for {
		select {
		case <-ctx.Done():
			b.logger.DebugContext(ctx, "stream closed by client",
				"module", "application.stream",
				"layer", "application",
				"operation", "stream_search",
				"transaction_id", txn,
			)
			return nil

		case payload := <-sess.updates:
			results, err := b.search.GetResults(ctx, txn)
			if err != nil {
				return b.fail(ctx, sess, "store_unavailable", "search results unavailable", err)
			}
			if err := sess.emit(StreamEvent{Type: StreamEventUpdate, Data: StreamUpdate{Event: payload, Results: results}}); err != nil {
				return err
			}
			if results.Complete {
				return b.complete(ctx, sess, results)
			}

		case <-sess.ticker.C():
			entry, err := b.search.GetEntry(ctx, txn)
			if err != nil {
				return b.fail(ctx, sess, "store_unavailable", "search entry unavailable", err)
			}
			if entry == nil {
				return b.fail(ctx, sess, "expired", "transaction is no longer tracked", nil)
			}
			done, err := b.search.IsComplete(ctx, txn, entry)
			if err != nil {
				return b.fail(ctx, sess, "store_unavailable", "search entry unavailable", err)
			}
			if !done {
				continue
			}
			results, err := b.search.GetResults(ctx, txn)
			if err != nil {
				return b.fail(ctx, sess, "store_unavailable", "search results unavailable", err)
			}
			return b.complete(ctx, sess, results)
		}
	}
}

func (b *StreamBridge) complete(ctx context.Context, sess *streamSession, results domain.SearchResults) error {
	sess.release()
	sess.state = StreamComplete
	b.logger.InfoContext(ctx, "stream completed",
		"module", "application.stream",
		"layer", "application",
		"operation", "stream_search",
		"outcome", "success",
		"state", string(sess.state),
		"transaction_id", sess.txn,
		"response_count", results.ResponseCount,
	)
	return sess.emit(StreamEvent{Type: StreamEventComplete, Data: results})
}

// fail emits an error event and ends the stream. cause stays in the logs.
func (b *StreamBridge) fail(ctx context.Context, sess *streamSession, code, message string, cause error) error {
	sess.release()
	sess.state = StreamFailed
	attrs := []any{
		"module", "application.stream",
		"layer", "application",
		"operation", "stream_search",
		"outcome", "failure",
		"state", string(sess.state),
		"transaction_id", sess.txn,
		"code", code,
	}
	if cause != nil {
		attrs = append(attrs, "error", cause.Error())
	}
	b.logger.WarnContext(ctx, "stream ended with error", attrs...)
	if err := sess.emit(StreamEvent{Type: StreamEventError, Data: StreamError{TransactionID: sess.txn, Code: code, Message: message}}); err != nil {
		return err
	}
	return cause
}
