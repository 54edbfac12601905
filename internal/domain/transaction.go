package domain

import (
	"encoding/json"
	"time"
)

// PendingTransaction is written before an outbound action is sent so that a
// callback racing ahead of the send still finds its correlation record.
type PendingTransaction struct {
	Action          Action     `json:"action"`
	TransactionID   string     `json:"transaction_id"`
	MessageID       string     `json:"message_id,omitempty"`
	OrderID         string     `json:"order_id,omitempty"`
	ItemID          string     `json:"item_id,omitempty"`
	ParentItemID    string     `json:"parent_item_id,omitempty"`
	ProviderID      string     `json:"provider_id,omitempty"`
	CounterpartyID  string     `json:"counterparty_id,omitempty"`
	CounterpartyURI string     `json:"counterparty_uri,omitempty"`
	QuoteID         string     `json:"quote_id,omitempty"`
	QuoteAmount     string     `json:"quote_amount,omitempty"`
	TraceToken      string     `json:"trace_token,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	// Synthesized marks entries created from a callback that had no matching request.
	Synthesized bool `json:"synthesized,omitempty"`
}

// ResponseRecord is a raw inbound callback tagged with its receipt time.
type ResponseRecord struct {
	ReceivedAt time.Time       `json:"received_at"`
	Context    Context         `json:"context"`
	Message    json.RawMessage `json:"message,omitempty"`
	Error      *ErrorBlock     `json:"error,omitempty"`
}

// NewResponseRecord captures a callback envelope as a stored response.
func NewResponseRecord(env Envelope, receivedAt time.Time) ResponseRecord {
	return ResponseRecord{
		ReceivedAt: receivedAt.UTC(),
		Context:    env.Context,
		Message:    env.Message,
		Error:      env.Error,
	}
}

// ProviderSummary is one row per distinct counterparty seen in a search.
type ProviderSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ItemCount int    `json:"itemCount"`
	HasError  bool   `json:"hasError"`
}

// SearchResults is the aggregate polling/stream view of a search transaction.
type SearchResults struct {
	Found         bool                `json:"found"`
	TransactionID string              `json:"transactionId"`
	MessageID     string              `json:"messageId,omitempty"`
	ResponseCount int                 `json:"responseCount"`
	Providers     []ProviderSummary   `json:"providers"`
	Responses     []ResponseRecord    `json:"responses"`
	Complete      bool                `json:"complete"`
	CreatedAt     *time.Time          `json:"createdAt,omitempty"`
	ExpiresAt     *time.Time          `json:"expiresAt,omitempty"`
	Entry         *PendingTransaction `json:"entry,omitempty"`
}

// NotFoundSearchResults is the view returned for an unknown search transaction.
func NotFoundSearchResults(transactionID string) SearchResults {
	return SearchResults{
		TransactionID: transactionID,
		Providers:     []ProviderSummary{},
		Responses:     []ResponseRecord{},
	}
}

// ExchangeResult is the polling view for select/init/confirm/status.
type ExchangeResult struct {
	Found         bool                `json:"found"`
	HasResponse   bool                `json:"hasResponse"`
	Complete      bool                `json:"complete"`
	Action        Action              `json:"action"`
	TransactionID string              `json:"transactionId,omitempty"`
	MessageID     string              `json:"messageId,omitempty"`
	OrderID       string              `json:"orderId,omitempty"`
	Entry         *PendingTransaction `json:"entry,omitempty"`
	Response      *ResponseRecord     `json:"response,omitempty"`
	Error         *ErrorBlock         `json:"error,omitempty"`
}

// ExchangeKey identifies a single-response exchange. Status lookups use OrderID.
type ExchangeKey struct {
	TransactionID string `json:"transaction_id,omitempty"`
	MessageID     string `json:"message_id,omitempty"`
	OrderID       string `json:"order_id,omitempty"`
}
