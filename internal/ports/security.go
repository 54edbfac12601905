package ports

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// MessageSigner produces detached signatures with the tenant's signing key.
type MessageSigner interface {
	SignMessage(message []byte) string
	// KeyID is the "subscriberId|uniqueKeyId|algorithm" triple used in Authorization headers.
	KeyID() string
	Algorithm() string
}

// ChallengeResponder answers the network operator's domain-ownership checks.
type ChallengeResponder interface {
	DecryptChallenge(ciphertextBase64 string) (string, error)
	SignSubscribeRequestID() string
	SubscriberID() string
}

// TraceCarrier stores and restores trace context across the async request/callback gap.
type TraceCarrier interface {
	Serialize(ctx context.Context) string
	Restore(token string) (trace.SpanContext, bool)
	// Link returns base plus a causal link to the span the token was taken from.
	Link(token string, base ...trace.SpanStartOption) []trace.SpanStartOption
}
