package application

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/viralforge/mesh/services/integrations/M46-network-transaction-service/internal/domain"
	"github.com/viralforge/mesh/services/integrations/M46-network-transaction-service/internal/ports"
)

// ExchangeStore correlates a single-response action (select, init, confirm, status).
// A recorded response completes the exchange; a later one overwrites it.
//
// Layout below the tenant prefix:
//
//	{action}:{txn}:{msg}           pending entry and update channel
//	{action}:{txn}:{msg}:response  latest response
//	status:{order_id}              status exchanges keyed by order when known
type ExchangeStore struct {
	action    domain.Action
	store     ports.CorrelationStore
	retention time.Duration
	nowFn     func() time.Time
	logger    *slog.Logger
}

func NewSelectStore(store ports.CorrelationStore, retention time.Duration, nowFn func() time.Time, logger *slog.Logger) *ExchangeStore {
	return newExchangeStore(domain.ActionSelect, store, retention, nowFn, logger)
}

func NewInitStore(store ports.CorrelationStore, retention time.Duration, nowFn func() time.Time, logger *slog.Logger) *ExchangeStore {
	return newExchangeStore(domain.ActionInit, store, retention, nowFn, logger)
}

func NewConfirmStore(store ports.CorrelationStore, retention time.Duration, nowFn func() time.Time, logger *slog.Logger) *ExchangeStore {
	return newExchangeStore(domain.ActionConfirm, store, retention, nowFn, logger)
}

func NewStatusStore(store ports.CorrelationStore, retention time.Duration, nowFn func() time.Time, logger *slog.Logger) *ExchangeStore {
	return newExchangeStore(domain.ActionStatus, store, retention, nowFn, logger)
}

func newExchangeStore(action domain.Action, store ports.CorrelationStore, retention time.Duration, nowFn func() time.Time, logger *slog.Logger) *ExchangeStore {
	if nowFn == nil {
		nowFn = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExchangeStore{action: action, store: store, retention: retention, nowFn: nowFn, logger: logger}
}

func (s *ExchangeStore) Action() domain.Action { return s.action }

func (s *ExchangeStore) entryKey(key domain.ExchangeKey) (string, error) {
	if s.action == domain.ActionStatus && strings.TrimSpace(key.OrderID) != "" {
		return "status:" + strings.TrimSpace(key.OrderID), nil
	}
	txn, msg := strings.TrimSpace(key.TransactionID), strings.TrimSpace(key.MessageID)
	if txn == "" || msg == "" {
		return "", fmt.Errorf("%w: %s lookup needs transaction_id and message_id", domain.ErrInvalidInput, s.action)
	}
	return string(s.action) + ":" + txn + ":" + msg, nil
}

// KeyFor returns the correlation key of an entry.
func KeyFor(entry domain.PendingTransaction) domain.ExchangeKey {
	return domain.ExchangeKey{TransactionID: entry.TransactionID, MessageID: entry.MessageID, OrderID: entry.OrderID}
}

// CreateEntry persists the pending exchange before the outbound call is made.
func (s *ExchangeStore) CreateEntry(ctx context.Context, entry domain.PendingTransaction) (domain.PendingTransaction, error) {
	key, err := s.entryKey(KeyFor(entry))
	if err != nil {
		return domain.PendingTransaction{}, err
	}
	entry.Action = s.action
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.nowFn().UTC()
	}
	if err := s.putEntry(ctx, key, entry); err != nil {
		return domain.PendingTransaction{}, err
	}
	return entry, nil
}

func (s *ExchangeStore) GetEntry(ctx context.Context, key domain.ExchangeKey) (*domain.PendingTransaction, error) {
	k, err := s.entryKey(key)
	if err != nil {
		return nil, err
	}
	return loadEntry(ctx, s.store, k)
}

// AddResponse stores the latest response. A callback without a prior entry gets
// one synthesized from its own correlation fields so the answer is not dropped.
func (s *ExchangeStore) AddResponse(ctx context.Context, key domain.ExchangeKey, rec domain.ResponseRecord) error {
	k, err := s.entryKey(key)
	if err != nil {
		return err
	}
	entry, err := loadEntry(ctx, s.store, k)
	if err != nil {
		return err
	}
	if entry == nil {
		synthesized := domain.PendingTransaction{
			Action:          s.action,
			TransactionID:   rec.Context.TransactionID,
			MessageID:       rec.Context.MessageID,
			OrderID:         key.OrderID,
			CounterpartyID:  rec.Context.CounterpartyID,
			CounterpartyURI: rec.Context.CounterpartyURI,
			CreatedAt:       s.nowFn().UTC(),
			Synthesized:     true,
		}
		if err := s.putEntry(ctx, k, synthesized); err != nil {
			return err
		}
		s.logger.InfoContext(ctx, "synthesized entry for late callback",
			"module", "application.exchange_store",
			"layer", "application",
			"operation", "add_response",
			"action", string(s.action),
			"transaction_id", rec.Context.TransactionID,
			"message_id", rec.Context.MessageID,
		)
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal %s response: %w", s.action, err)
	}
	if err := s.store.Set(ctx, k+":response", raw, s.retention); err != nil {
		return err
	}
	publishUpdate(ctx, s.store, s.logger, k, StoreUpdate{
		Type:           updateTypeResponse,
		Action:         s.action,
		TransactionID:  rec.Context.TransactionID,
		MessageID:      rec.Context.MessageID,
		OrderID:        key.OrderID,
		CounterpartyID: counterpartyKey(rec.Context),
		ResponseCount:  1,
		HasError:       rec.Error != nil,
		At:             rec.ReceivedAt,
	})
	return nil
}

// GetResult distinguishes never requested, pending and answered exchanges.
func (s *ExchangeStore) GetResult(ctx context.Context, key domain.ExchangeKey) (domain.ExchangeResult, error) {
	result := domain.ExchangeResult{
		Action:        s.action,
		TransactionID: key.TransactionID,
		MessageID:     key.MessageID,
		OrderID:       key.OrderID,
	}
	k, err := s.entryKey(key)
	if err != nil {
		return domain.ExchangeResult{}, err
	}
	entry, err := loadEntry(ctx, s.store, k)
	if err != nil {
		return domain.ExchangeResult{}, err
	}
	raw, ok, err := s.store.Get(ctx, k+":response")
	if err != nil {
		return domain.ExchangeResult{}, err
	}
	if ok {
		var rec domain.ResponseRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return domain.ExchangeResult{}, fmt.Errorf("decode %s response: %w", s.action, err)
		}
		result.Response = &rec
		result.HasResponse = true
		result.Complete = true
		result.Error = rec.Error
		if result.TransactionID == "" {
			result.TransactionID = rec.Context.TransactionID
		}
		if result.MessageID == "" {
			result.MessageID = rec.Context.MessageID
		}
	}
	if entry != nil {
		result.Entry = entry
		if result.TransactionID == "" {
			result.TransactionID = entry.TransactionID
		}
		if result.MessageID == "" {
			result.MessageID = entry.MessageID
		}
	}
	result.Found = entry != nil || result.HasResponse
	return result, nil
}

// Subscribe registers fn for the exchange's update channel.
func (s *ExchangeStore) Subscribe(ctx context.Context, key domain.ExchangeKey, fn func([]byte)) (func(), error) {
	k, err := s.entryKey(key)
	if err != nil {
		return nil, err
	}
	return s.store.Subscribe(ctx, k, fn)
}

func (s *ExchangeStore) putEntry(ctx context.Context, key string, entry domain.PendingTransaction) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal %s entry: %w", s.action, err)
	}
	return s.store.Set(ctx, key, raw, s.retention)
}
