package http

import (
	"context"
	"log/slog"

	"github.com/viralforge/mesh/services/integrations/M46-network-transaction-service/internal/domain"
)

// requestLogger carries the fields every adapter log line shares.
func requestLogger(ctx context.Context) *slog.Logger {
	return slog.Default().With(
		"module", "http",
		"layer", "adapter",
		"request_id", requestIDFromContext(ctx),
	)
}

func logOperationFailure(ctx context.Context, operation string, statusCode int, code, message string, err error) {
	fields := []any{
		"operation", operation,
		"outcome", "failure",
		"status_code", statusCode,
		"error_code", code,
		"message", message,
	}
	if err != nil {
		fields = append(fields, "error", err.Error())
	}
	if statusCode >= 500 {
		requestLogger(ctx).ErrorContext(ctx, "http operation failed", fields...)
		return
	}
	requestLogger(ctx).WarnContext(ctx, "http operation failed", fields...)
}

// logCallbackNack records a NACK the adapter produced itself, before the
// application saw the callback.
func logCallbackNack(ctx context.Context, callback, code string, cause any) {
	requestLogger(ctx).WarnContext(ctx, "callback answered with NACK",
		"operation", callback,
		"outcome", "nack",
		"ack_status", domain.AckStatusNACK,
		"error_code", code,
		"error", cause,
	)
}
