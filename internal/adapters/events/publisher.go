package events

import (
	"context"
	"encoding/json"
	"log/slog"
)

// LoggingPublisher writes events to the log. It is the sink when no broker is configured.
type LoggingPublisher struct {
	logger *slog.Logger
}

func NewLoggingPublisher(logger *slog.Logger) *LoggingPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingPublisher{logger: logger}
}

// Publish logs JSON payloads as nested objects so log pipelines can index them.
func (p *LoggingPublisher) Publish(ctx context.Context, eventType, key string, payload []byte) error {
	var body any = string(payload)
	if json.Valid(payload) {
		body = json.RawMessage(payload)
	}
	p.logger.InfoContext(ctx, "transaction event",
		"module", "events.logging_publisher",
		"layer", "adapter",
		"operation", "publish_event",
		"outcome", "success",
		"event_type", eventType,
		"partition_key", key,
		"payload", body,
	)
	return nil
}
