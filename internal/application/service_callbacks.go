package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/viralforge/mesh/services/integrations/M46-network-transaction-service/internal/domain"
)

// HandleCallback stores an inbound on_<action> callback and returns the
// acknowledgement to send back. Internal failures are absorbed into a NACK with
// a domain error code; business errors inside the callback are stored and ACKed.
func (s *Service) HandleCallback(ctx context.Context, action domain.Action, raw []byte) domain.AckResponse {
	env, err := domain.ParseCallbackEnvelope(raw, action)
	if err != nil {
		code := domain.CallbackCodeInvalidContext
		if !json.Valid(raw) {
			code = domain.CallbackCodeInvalidPayload
		}
		return s.nack(ctx, &domain.CallbackProcessingError{Action: action, Code: code, Err: err}, env.Context)
	}

	var key domain.ExchangeKey
	var traceToken string
	if action == domain.ActionSearch {
		entry, err := s.search.GetEntry(ctx, env.Context.TransactionID)
		if err != nil {
			return s.nack(ctx, &domain.CallbackProcessingError{Action: action, Code: domain.CallbackCodeStoreFailure, Err: err}, env.Context)
		}
		if entry != nil {
			traceToken = entry.TraceToken
		}
	} else {
		key = domain.ExchangeKey{
			TransactionID: env.Context.TransactionID,
			MessageID:     env.Context.MessageID,
		}
		if action == domain.ActionStatus {
			key.OrderID = orderIDFromMessage(env.Message)
			if key.OrderID == "" && key.MessageID == "" {
				err := fmt.Errorf("%w: on_status needs message.order.id or context.message_id", domain.ErrInvalidInput)
				return s.nack(ctx, &domain.CallbackProcessingError{Action: action, Code: domain.CallbackCodeInvalidContext, Err: err}, env.Context)
			}
		}
		entry, err := s.exchanges[action].GetEntry(ctx, key)
		if err != nil {
			return s.nack(ctx, &domain.CallbackProcessingError{Action: action, Code: domain.CallbackCodeStoreFailure, Err: err}, env.Context)
		}
		if entry != nil {
			traceToken = entry.TraceToken
		}
	}

	ctx, span := s.tracer.Start(ctx, action.CallbackName(), s.carrier.Link(traceToken,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("transaction.id", env.Context.TransactionID),
			attribute.String("message.id", env.Context.MessageID),
			attribute.String("counterparty.id", env.Context.CounterpartyID),
			attribute.Bool("callback.has_error", env.Error != nil),
		),
	)...)
	defer span.End()

	rec := domain.NewResponseRecord(env, s.nowFn())
	var storeErr error
	if action == domain.ActionSearch {
		_, storeErr = s.search.AddResponse(ctx, rec)
	} else {
		storeErr = s.exchanges[action].AddResponse(ctx, key, rec)
	}
	if storeErr != nil {
		span.RecordError(storeErr)
		span.SetStatus(codes.Error, storeErr.Error())
		return s.nack(ctx, &domain.CallbackProcessingError{Action: action, Code: domain.CallbackCodeStoreFailure, Err: storeErr}, env.Context)
	}

	s.logger.InfoContext(ctx, "callback stored",
		"module", "application",
		"layer", "application",
		"operation", "handle_"+action.CallbackName(),
		"outcome", "success",
		"transaction_id", env.Context.TransactionID,
		"message_id", env.Context.MessageID,
		"counterparty_id", env.Context.CounterpartyID,
		"business_error", env.Error != nil,
	)
	s.publishEvent(ctx, eventTypeCallbackReceived, env.Context.TransactionID, map[string]any{
		"action":          action,
		"transaction_id":  env.Context.TransactionID,
		"message_id":      env.Context.MessageID,
		"order_id":        key.OrderID,
		"counterparty_id": env.Context.CounterpartyID,
		"has_error":       env.Error != nil,
	})
	return domain.NewAck()
}

func (s *Service) nack(ctx context.Context, procErr *domain.CallbackProcessingError, cbCtx domain.Context) domain.AckResponse {
	s.logger.WarnContext(ctx, "callback rejected",
		"module", "application",
		"layer", "application",
		"operation", "handle_"+procErr.Action.CallbackName(),
		"outcome", "failure",
		"code", procErr.Code,
		"transaction_id", cbCtx.TransactionID,
		"message_id", cbCtx.MessageID,
		"error", procErr.Error(),
	)
	return domain.NewNack(procErr.Code, publicCallbackMessage(procErr))
}

// publicCallbackMessage never exposes store internals to the counterparty.
func publicCallbackMessage(err *domain.CallbackProcessingError) string {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		msg := err.Err.Error()
		if i := strings.Index(msg, ": "); i >= 0 {
			msg = msg[i+2:]
		}
		return msg
	case err.Code == domain.CallbackCodeStoreFailure:
		return "callback could not be recorded"
	}
	return "internal error"
}

func orderIDFromMessage(message json.RawMessage) string {
	if len(message) == 0 {
		return ""
	}
	var probe struct {
		Order struct {
			ID string `json:"id"`
		} `json:"order"`
		OrderID string `json:"order_id"`
	}
	if err := json.Unmarshal(message, &probe); err != nil {
		return ""
	}
	if id := strings.TrimSpace(probe.Order.ID); id != "" {
		return id
	}
	return strings.TrimSpace(probe.OrderID)
}
