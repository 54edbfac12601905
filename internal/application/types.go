package application

import (
	"encoding/json"
	"time"

	"github.com/viralforge/mesh/services/integrations/M46-network-transaction-service/internal/domain"
)

type Config struct {
	ServiceID     string
	SubscriberID  string
	SubscriberURI string
	Domain        domain.DomainCode
	City          string
	Country       string
	CoreVersion   string
	GatewayURL    string

	// SearchTTL is the default search window when a request carries no ttl.
	SearchTTL time.Duration
	// EntryRetention is how long correlation keys outlive their exchange.
	EntryRetention time.Duration
	StreamTick     time.Duration
	Retry          RetryPolicy
}

// RetryPolicy bounds outbound resends by the initiator.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// ActionRequest initiates an outbound action. Message is the opaque business
// payload placed under the envelope's message key.
type ActionRequest struct {
	TransactionID   string          `json:"transaction_id,omitempty"`
	CounterpartyID  string          `json:"counterparty_id,omitempty"`
	CounterpartyURI string          `json:"counterparty_uri,omitempty"`
	ProviderID      string          `json:"provider_id,omitempty"`
	ItemID          string          `json:"item_id,omitempty"`
	ParentItemID    string          `json:"parent_item_id,omitempty"`
	OrderID         string          `json:"order_id,omitempty"`
	QuoteID         string          `json:"quote_id,omitempty"`
	QuoteAmount     string          `json:"quote_amount,omitempty"`
	City            string          `json:"city,omitempty"`
	TTL             string          `json:"ttl,omitempty"`
	Message         json.RawMessage `json:"message,omitempty"`
}

// ActionReceipt reports the correlation ids of an initiated action.
type ActionReceipt struct {
	Action        domain.Action `json:"action"`
	TransactionID string        `json:"transactionId"`
	MessageID     string        `json:"messageId"`
	OrderID       string        `json:"orderId,omitempty"`
	Acknowledged  bool          `json:"acknowledged"`
	ExpiresAt     *time.Time    `json:"expiresAt,omitempty"`
}

// ChallengeAnswer is the on_subscribe reply.
type ChallengeAnswer struct {
	Answer string `json:"answer"`
}

// StoreUpdate is the notification published on a transaction channel.
type StoreUpdate struct {
	Type           string        `json:"type"`
	Action         domain.Action `json:"action"`
	TransactionID  string        `json:"transactionId"`
	MessageID      string        `json:"messageId,omitempty"`
	OrderID        string        `json:"orderId,omitempty"`
	CounterpartyID string        `json:"counterpartyId,omitempty"`
	ResponseCount  int64         `json:"responseCount,omitempty"`
	HasError       bool          `json:"hasError,omitempty"`
	At             time.Time     `json:"at"`
}

const (
	updateTypeResponse = "response"
	updateTypeComplete = "complete"
)
