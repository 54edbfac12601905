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

// SearchStore correlates one search with the many on_search callbacks it fans out to.
//
// Layout below the tenant prefix:
//
//	search:{txn}            pending entry
//	search:{txn}:responses  append-only response list
//	search:{txn}:complete   external completeness flag
//	search:{txn}            update channel
type SearchStore struct {
	store     ports.CorrelationStore
	lateTTL   time.Duration
	retention time.Duration
	nowFn     func() time.Time
	logger    *slog.Logger
}

// NewSearchStore builds the store. lateTTL is the completion window given to an
// entry synthesized for an on_search that arrived without a matching search.
func NewSearchStore(store ports.CorrelationStore, lateTTL, retention time.Duration, nowFn func() time.Time, logger *slog.Logger) *SearchStore {
	if nowFn == nil {
		nowFn = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SearchStore{store: store, lateTTL: lateTTL, retention: retention, nowFn: nowFn, logger: logger}
}

func searchEntryKey(txn string) string { return "search:" + txn }
func searchResponsesKey(txn string) string { return "search:" + txn + ":responses" }
func searchCompleteKey(txn string) string { return "search:" + txn + ":complete" }
func searchChannel(txn string) string { return "search:" + txn }

// CreateEntry stamps CreatedAt/ExpiresAt from ttl and persists the entry.
func (s *SearchStore) CreateEntry(ctx context.Context, entry domain.PendingTransaction, ttl time.Duration) (domain.PendingTransaction, error) {
	if strings.TrimSpace(entry.TransactionID) == "" {
		return domain.PendingTransaction{}, fmt.Errorf("%w: transaction_id is required", domain.ErrInvalidInput)
	}
	now := s.nowFn().UTC()
	expiresAt := now.Add(ttl)
	entry.Action = domain.ActionSearch
	entry.CreatedAt = now
	entry.ExpiresAt = &expiresAt

	raw, err := json.Marshal(entry)
	if err != nil {
		return domain.PendingTransaction{}, fmt.Errorf("marshal search entry: %w", err)
	}
	if err := s.store.Set(ctx, searchEntryKey(entry.TransactionID), raw, ttl+s.retention); err != nil {
		return domain.PendingTransaction{}, err
	}
	return entry, nil
}

func (s *SearchStore) GetEntry(ctx context.Context, txn string) (*domain.PendingTransaction, error) {
	return loadEntry(ctx, s.store, searchEntryKey(txn))
}

// AddResponse appends one on_search answer and notifies subscribers. The append is
// atomic in the store, so concurrent counterparties never overwrite each other.
func (s *SearchStore) AddResponse(ctx context.Context, rec domain.ResponseRecord) (int64, error) {
	txn := rec.Context.TransactionID
	raw, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("marshal search response: %w", err)
	}
	entry, err := s.GetEntry(ctx, txn)
	if err != nil {
		return 0, err
	}
	if entry == nil {
		if entry, err = s.synthesizeEntry(ctx, rec); err != nil {
			return 0, err
		}
	}
	ttl := s.retention
	if entry.ExpiresAt != nil {
		if remaining := entry.ExpiresAt.Sub(s.nowFn()); remaining > 0 {
			ttl += remaining
		}
	}
	count, err := s.store.ListPush(ctx, searchResponsesKey(txn), raw, ttl)
	if err != nil {
		return 0, err
	}
	s.notify(ctx, txn, StoreUpdate{
		Type:           updateTypeResponse,
		Action:         domain.ActionSearch,
		TransactionID:  txn,
		MessageID:      rec.Context.MessageID,
		CounterpartyID: counterpartyKey(rec.Context),
		ResponseCount:  count,
		HasError:       rec.Error != nil,
		At:             rec.ReceivedAt,
	})
	return count, nil
}

// synthesizeEntry gives a late on_search the same lifecycle as a requested search:
// it is found, it completes after lateTTL and it accepts the completeness signal.
func (s *SearchStore) synthesizeEntry(ctx context.Context, rec domain.ResponseRecord) (*domain.PendingTransaction, error) {
	entry, err := s.CreateEntry(ctx, domain.PendingTransaction{
		TransactionID:   rec.Context.TransactionID,
		MessageID:       rec.Context.MessageID,
		CounterpartyID:  rec.Context.CounterpartyID,
		CounterpartyURI: rec.Context.CounterpartyURI,
		Synthesized:     true,
	}, s.lateTTL)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "synthesized entry for late callback",
		"module", "application.search_store",
		"layer", "application",
		"operation", "add_response",
		"action", string(domain.ActionSearch),
		"transaction_id", entry.TransactionID,
		"message_id", entry.MessageID,
	)
	return &entry, nil
}

// MarkComplete records the external completeness signal and notifies subscribers.
func (s *SearchStore) MarkComplete(ctx context.Context, txn string) error {
	if err := s.store.Set(ctx, searchCompleteKey(txn), []byte("1"), s.retention); err != nil {
		return err
	}
	s.notify(ctx, txn, StoreUpdate{
		Type:          updateTypeComplete,
		Action:        domain.ActionSearch,
		TransactionID: txn,
		At:            s.nowFn().UTC(),
	})
	return nil
}

// IsComplete is true once the completeness flag is set or the entry's TTL has passed.
func (s *SearchStore) IsComplete(ctx context.Context, txn string, entry *domain.PendingTransaction) (bool, error) {
	flagged, err := s.store.Exists(ctx, searchCompleteKey(txn))
	if err != nil {
		return false, err
	}
	if flagged {
		return true, nil
	}
	return entry != nil && entry.ExpiresAt != nil && !s.nowFn().Before(*entry.ExpiresAt), nil
}

// GetResults returns the aggregate view. Unknown transactions yield a not-found view.
func (s *SearchStore) GetResults(ctx context.Context, txn string) (domain.SearchResults, error) {
	entry, err := s.GetEntry(ctx, txn)
	if err != nil {
		return domain.SearchResults{}, err
	}
	rawResponses, err := s.store.ListGetAll(ctx, searchResponsesKey(txn))
	if err != nil {
		return domain.SearchResults{}, err
	}
	if entry == nil && len(rawResponses) == 0 {
		return domain.NotFoundSearchResults(txn), nil
	}

	results := domain.NotFoundSearchResults(txn)
	results.Found = true
	results.Entry = entry
	if entry != nil {
		results.MessageID = entry.MessageID
		created := entry.CreatedAt
		results.CreatedAt = &created
		results.ExpiresAt = entry.ExpiresAt
	}
	for _, raw := range rawResponses {
		var rec domain.ResponseRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			s.logger.WarnContext(ctx, "skipping undecodable search response",
				"module", "application.search_store",
				"layer", "application",
				"operation", "get_results",
				"transaction_id", txn,
				"error", err.Error(),
			)
			continue
		}
		results.Responses = append(results.Responses, rec)
	}
	results.ResponseCount = len(results.Responses)
	results.Providers = summarizeProviders(results.Responses)

	complete, err := s.IsComplete(ctx, txn, entry)
	if err != nil {
		return domain.SearchResults{}, err
	}
	results.Complete = complete
	return results, nil
}

// Subscribe registers fn for this transaction's update channel.
func (s *SearchStore) Subscribe(ctx context.Context, txn string, fn func([]byte)) (func(), error) {
	return s.store.Subscribe(ctx, searchChannel(txn), fn)
}

func (s *SearchStore) notify(ctx context.Context, txn string, update StoreUpdate) {
	publishUpdate(ctx, s.store, s.logger, searchChannel(txn), update)
}

func publishUpdate(ctx context.Context, store ports.Publisher, logger *slog.Logger, channel string, update StoreUpdate) {
	raw, err := json.Marshal(update)
	if err == nil {
		err = store.Publish(ctx, channel, raw)
	}
	if err != nil {
		// The response is already stored; pollers still see it.
		logger.WarnContext(ctx, "publish store update failed",
			"module", "application.correlation",
			"layer", "application",
			"operation", "publish_update",
			"outcome", "failure",
			"channel", channel,
			"error", err.Error(),
		)
	}
}

func loadEntry(ctx context.Context, store ports.CorrelationStore, key string) (*domain.PendingTransaction, error) {
	raw, ok, err := store.Get(ctx, key)
	if err != nil || !ok {
		return nil, err
	}
	var entry domain.PendingTransaction
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode entry %s: %w", key, err)
	}
	return &entry, nil
}

func counterpartyKey(c domain.Context) string {
	if id := strings.TrimSpace(c.CounterpartyID); id != "" {
		return id
	}
	return strings.TrimSpace(c.CounterpartyURI)
}

// catalogShape covers both the prefixed (bpp/...) and plain catalog layouts.
type catalogShape struct {
	Catalog struct {
		Descriptor         namedDescriptor `json:"descriptor"`
		PrefixedDescriptor namedDescriptor `json:"bpp/descriptor"`
		Providers          []providerShape `json:"providers"`
		PrefixedProviders  []providerShape `json:"bpp/providers"`
	} `json:"catalog"`
}

type namedDescriptor struct {
	Name string `json:"name"`
}

type providerShape struct {
	ID         string            `json:"id"`
	Descriptor namedDescriptor   `json:"descriptor"`
	Items      []json.RawMessage `json:"items"`
}

// summarizeProviders returns one row per distinct counterparty, in first-seen order.
func summarizeProviders(responses []domain.ResponseRecord) []domain.ProviderSummary {
	rows := []domain.ProviderSummary{}
	index := map[string]int{}
	for _, rec := range responses {
		id := counterpartyKey(rec.Context)
		if id == "" {
			id = "unknown"
		}
		name, items := describeCatalog(rec.Message)
		i, seen := index[id]
		if !seen {
			if name == "" {
				name = id
			}
			rows = append(rows, domain.ProviderSummary{ID: id, Name: name})
			i = len(rows) - 1
			index[id] = i
		}
		rows[i].ItemCount += items
		if rec.Error != nil {
			rows[i].HasError = true
		}
	}
	return rows
}

func describeCatalog(message json.RawMessage) (string, int) {
	if len(message) == 0 {
		return "", 0
	}
	var shape catalogShape
	if err := json.Unmarshal(message, &shape); err != nil {
		return "", 0
	}
	cat := shape.Catalog
	providers := cat.Providers
	if len(providers) == 0 {
		providers = cat.PrefixedProviders
	}
	name := cat.Descriptor.Name
	if name == "" {
		name = cat.PrefixedDescriptor.Name
	}
	items := 0
	for _, p := range providers {
		if name == "" {
			name = p.Descriptor.Name
		}
		items += len(p.Items)
	}
	return name, items
}
