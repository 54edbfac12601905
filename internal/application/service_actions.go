package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/viralforge/mesh/services/integrations/M46-network-transaction-service/internal/domain"
)

const contextTimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Search broadcasts a search through the gateway. The pending entry is written
// before the send so on_search callbacks that race the ACK still correlate.
func (s *Service) Search(ctx context.Context, req ActionRequest) (ActionReceipt, error) {
	if err := requireMessage(req.Message); err != nil {
		return ActionReceipt{}, err
	}
	ttl := s.cfg.SearchTTL
	if strings.TrimSpace(req.TTL) != "" {
		parsed, err := domain.ParseISODuration(req.TTL)
		if err != nil {
			return ActionReceipt{}, err
		}
		if parsed <= 0 {
			return ActionReceipt{}, fmt.Errorf("%w: ttl must be positive", domain.ErrInvalidInput)
		}
		ttl = parsed
	}

	txn := s.idOr(req.TransactionID)
	msg := s.newID()
	ctx, span := s.tracer.Start(ctx, "search.initiate", trace.WithAttributes(
		attribute.String("transaction.id", txn),
		attribute.String("message.id", msg),
	))
	defer span.End()

	entry, err := s.search.CreateEntry(ctx, domain.PendingTransaction{
		TransactionID: txn,
		MessageID:     msg,
		TraceToken:    s.carrier.Serialize(ctx),
	}, ttl)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return ActionReceipt{}, err
	}

	envelope := domain.Envelope{
		Context: s.outboundContext(domain.ActionSearch, txn, msg, req),
		Message: req.Message,
	}
	envelope.Context.TTL = domain.FormatISODuration(ttl)

	url := strings.TrimRight(s.cfg.GatewayURL, "/") + "/search"
	if err := s.sendEnvelope(ctx, url, envelope); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return ActionReceipt{Action: domain.ActionSearch, TransactionID: txn, MessageID: msg, ExpiresAt: entry.ExpiresAt}, err
	}

	s.publishEvent(ctx, eventTypeTransactionInitiated, txn, map[string]any{
		"action":         domain.ActionSearch,
		"transaction_id": txn,
		"message_id":     msg,
		"expires_at":     entry.ExpiresAt,
	})
	return ActionReceipt{
		Action:        domain.ActionSearch,
		TransactionID: txn,
		MessageID:     msg,
		Acknowledged:  true,
		ExpiresAt:     entry.ExpiresAt,
	}, nil
}

func (s *Service) Select(ctx context.Context, req ActionRequest) (ActionReceipt, error) {
	return s.initiateExchange(ctx, domain.ActionSelect, req)
}

func (s *Service) Init(ctx context.Context, req ActionRequest) (ActionReceipt, error) {
	return s.initiateExchange(ctx, domain.ActionInit, req)
}

func (s *Service) Confirm(ctx context.Context, req ActionRequest) (ActionReceipt, error) {
	return s.initiateExchange(ctx, domain.ActionConfirm, req)
}

func (s *Service) Status(ctx context.Context, req ActionRequest) (ActionReceipt, error) {
	if strings.TrimSpace(req.OrderID) == "" {
		return ActionReceipt{}, fmt.Errorf("%w: order_id is required for status", domain.ErrInvalidInput)
	}
	if len(req.Message) == 0 {
		req.Message, _ = json.Marshal(map[string]string{"order_id": strings.TrimSpace(req.OrderID)})
	}
	return s.initiateExchange(ctx, domain.ActionStatus, req)
}

// Initiate dispatches by action name.
func (s *Service) Initiate(ctx context.Context, action domain.Action, req ActionRequest) (ActionReceipt, error) {
	switch action {
	case domain.ActionSearch:
		return s.Search(ctx, req)
	case domain.ActionSelect:
		return s.Select(ctx, req)
	case domain.ActionInit:
		return s.Init(ctx, req)
	case domain.ActionConfirm:
		return s.Confirm(ctx, req)
	case domain.ActionStatus:
		return s.Status(ctx, req)
	}
	return ActionReceipt{}, fmt.Errorf("%w: %q", domain.ErrUnsupportedAction, action)
}

func (s *Service) initiateExchange(ctx context.Context, action domain.Action, req ActionRequest) (ActionReceipt, error) {
	if err := requireMessage(req.Message); err != nil {
		return ActionReceipt{}, err
	}
	counterpartyURI := strings.TrimSpace(req.CounterpartyURI)
	if counterpartyURI == "" || strings.TrimSpace(req.CounterpartyID) == "" {
		return ActionReceipt{}, fmt.Errorf("%w: counterparty_id and counterparty_uri are required for %s", domain.ErrInvalidInput, action)
	}
	if action == domain.ActionConfirm && strings.TrimSpace(req.QuoteID) == "" {
		return ActionReceipt{}, fmt.Errorf("%w: quote_id is required for confirm", domain.ErrInvalidInput)
	}

	txn := s.idOr(req.TransactionID)
	msg := s.newID()
	ctx, span := s.tracer.Start(ctx, string(action)+".initiate", trace.WithAttributes(
		attribute.String("transaction.id", txn),
		attribute.String("message.id", msg),
		attribute.String("counterparty.id", req.CounterpartyID),
	))
	defer span.End()

	entry, err := s.exchanges[action].CreateEntry(ctx, domain.PendingTransaction{
		TransactionID:   txn,
		MessageID:       msg,
		OrderID:         strings.TrimSpace(req.OrderID),
		ItemID:          req.ItemID,
		ParentItemID:    req.ParentItemID,
		ProviderID:      req.ProviderID,
		CounterpartyID:  req.CounterpartyID,
		CounterpartyURI: counterpartyURI,
		QuoteID:         req.QuoteID,
		QuoteAmount:     req.QuoteAmount,
		TraceToken:      s.carrier.Serialize(ctx),
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return ActionReceipt{}, err
	}

	envelope := domain.Envelope{
		Context: s.outboundContext(action, txn, msg, req),
		Message: req.Message,
	}
	envelope.Context.CounterpartyID = req.CounterpartyID
	envelope.Context.CounterpartyURI = counterpartyURI

	receipt := ActionReceipt{Action: action, TransactionID: txn, MessageID: msg, OrderID: entry.OrderID}
	url := strings.TrimRight(counterpartyURI, "/") + "/" + string(action)
	if err := s.sendEnvelope(ctx, url, envelope); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return receipt, err
	}

	s.publishEvent(ctx, eventTypeTransactionInitiated, txn, map[string]any{
		"action":          action,
		"transaction_id":  txn,
		"message_id":      msg,
		"order_id":        entry.OrderID,
		"counterparty_id": req.CounterpartyID,
	})
	receipt.Acknowledged = true
	return receipt, nil
}

func (s *Service) outboundContext(action domain.Action, txn, msg string, req ActionRequest) domain.Context {
	city := strings.TrimSpace(req.City)
	if city == "" {
		city = s.cfg.City
	}
	return domain.Context{
		Action:               string(action),
		RequesterID:          s.cfg.SubscriberID,
		RequesterCallbackURI: s.cfg.SubscriberURI,
		Domain:               string(s.cfg.Domain),
		Location: domain.Location{
			City:    domain.Code{Code: city},
			Country: domain.Code{Code: s.cfg.Country},
		},
		TransactionID: txn,
		MessageID:     msg,
		Timestamp:     s.nowFn().UTC().Format(contextTimestampLayout),
		TTL:           "PT30S",
		Version:       s.cfg.CoreVersion,
	}
}

// sendEnvelope serializes once and resends the same bytes under the retry policy.
// A NACK or a 4xx answer is final; network faults and 5xx are retried.
func (s *Service) sendEnvelope(ctx context.Context, url string, envelope domain.Envelope) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", envelope.Context.Action, err)
	}

	attempt := 0
	operation := func() error {
		attempt++
		acked, err := s.client.SendWithAck(ctx, url, body)
		if err != nil {
			var sendErr *domain.ProtocolSendError
			if errors.As(err, &sendErr) && sendErr.StatusCode >= 400 && sendErr.StatusCode < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		if !acked {
			return backoff.Permanent(fmt.Errorf("%w: %s %s", domain.ErrNack, envelope.Context.Action, url))
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		s.logger.WarnContext(ctx, "outbound send failed, retrying",
			"module", "application",
			"layer", "application",
			"operation", "send_"+envelope.Context.Action,
			"outcome", "retry",
			"attempt", attempt,
			"wait", wait.String(),
			"transaction_id", envelope.Context.TransactionID,
			"message_id", envelope.Context.MessageID,
			"error", err.Error(),
		)
	}

	err = backoff.RetryNotify(operation, s.retryPolicy(ctx), notify)
	if err != nil {
		s.logger.ErrorContext(ctx, "outbound send failed",
			"module", "application",
			"layer", "application",
			"operation", "send_"+envelope.Context.Action,
			"outcome", "failure",
			"attempts", attempt,
			"transaction_id", envelope.Context.TransactionID,
			"message_id", envelope.Context.MessageID,
			"error", err.Error(),
		)
		return err
	}
	s.logger.InfoContext(ctx, "outbound action acknowledged",
		"module", "application",
		"layer", "application",
		"operation", "send_"+envelope.Context.Action,
		"outcome", "success",
		"attempts", attempt,
		"transaction_id", envelope.Context.TransactionID,
		"message_id", envelope.Context.MessageID,
	)
	return nil
}

func (s *Service) retryPolicy(ctx context.Context) backoff.BackOff {
	expo := backoff.NewExponentialBackOff()
	if s.cfg.Retry.InitialInterval > 0 {
		expo.InitialInterval = s.cfg.Retry.InitialInterval
	}
	if s.cfg.Retry.MaxInterval > 0 {
		expo.MaxInterval = s.cfg.Retry.MaxInterval
	}
	expo.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(expo, uint64(s.cfg.Retry.MaxAttempts-1)), ctx)
}

func (s *Service) idOr(id string) string {
	if id = strings.TrimSpace(id); id != "" {
		return id
	}
	return s.newID()
}

func requireMessage(message json.RawMessage) error {
	if len(message) == 0 {
		return fmt.Errorf("%w: message is required", domain.ErrInvalidInput)
	}
	if !json.Valid(message) {
		return fmt.Errorf("%w: message is not valid JSON", domain.ErrInvalidInput)
	}
	return nil
}
