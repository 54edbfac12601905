package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/viralforge/mesh/services/integrations/M46-network-transaction-service/internal/adapters/tracing"
	"github.com/viralforge/mesh/services/integrations/M46-network-transaction-service/internal/domain"
	"github.com/viralforge/mesh/services/integrations/M46-network-transaction-service/internal/ports"
)

const maxResponseBody = 4 << 20

// Config configures the outbound protocol client.
type Config struct {
	Timeout        time.Duration
	HTTPClient     *http.Client
	TracerProvider trace.TracerProvider
	Logger         *slog.Logger
	// Now overrides the wall clock used when a body has no context.timestamp.
	Now func() time.Time
}

// Client sends signed protocol messages and interprets acknowledgements.
// Retry policy belongs to the caller.
type Client struct {
	httpClient *http.Client
	signer     ports.MessageSigner
	tracer     trace.Tracer
	logger     *slog.Logger
	now        func() time.Time
}

var _ ports.ProtocolClient = (*Client)(nil)

// Response is a completed HTTP exchange with the body read in full.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func NewClient(signer ports.MessageSigner, cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		httpClient: httpClient,
		signer:     signer,
		tracer:     tracing.Tracer(cfg.TracerProvider),
		logger:     logger,
		now:        now,
	}
}

// Send issues a signed request. A non-2xx answer is a *domain.ProtocolSendError
// carrying the response body and the remote NACK code when one was returned.
func (c *Client) Send(ctx context.Context, url, method string, body []byte) (*Response, error) {
	ctx, span := c.tracer.Start(ctx, "protocol.send", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("http.url", url),
	)

	authorization := c.CreateAuthorizationHeader(body)

	resp, err := c.do(ctx, url, method, body, authorization)
	if err != nil {
		sendErr := &domain.ProtocolSendError{
			Source:  ClassifyErrorSource(err, resp, url),
			URL:     url,
			Message: err.Error(),
			Err:     err,
		}
		c.recordFailure(ctx, span, method, body, authorization, sendErr)
		return resp, sendErr
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		sendErr := &domain.ProtocolSendError{
			Source:     ClassifyErrorSource(nil, resp, url),
			URL:        url,
			StatusCode: resp.StatusCode,
			Body:       resp.Body,
			Message:    http.StatusText(resp.StatusCode),
		}
		var ack domain.AckResponse
		if json.Unmarshal(resp.Body, &ack) == nil && ack.Error != nil {
			sendErr.Code = ack.Error.Code
			if ack.Error.Message != "" {
				sendErr.Message = ack.Error.Message
			}
		}
		c.recordFailure(ctx, span, method, body, authorization, sendErr)
		return resp, sendErr
	}
	return resp, nil
}

// SendWithAck posts body and reports whether the remote answered ACK.
func (c *Client) SendWithAck(ctx context.Context, url string, body []byte) (bool, error) {
	resp, err := c.Send(ctx, url, http.MethodPost, body)
	if err != nil {
		return false, err
	}
	var ack domain.AckResponse
	if err := json.Unmarshal(resp.Body, &ack); err != nil {
		return false, &domain.ProtocolSendError{
			Source:     domain.ErrorSourceLocal,
			URL:        url,
			StatusCode: resp.StatusCode,
			Body:       resp.Body,
			Message:    "acknowledgement is not valid JSON",
			Err:        err,
		}
	}
	return ack.IsAck(), nil
}

func (c *Client) do(ctx context.Context, url, method string, body []byte, authorization string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", authorization)

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: raw}, nil
}

// recordFailure keeps the request body and Authorization header untruncated for audit.
func (c *Client) recordFailure(ctx context.Context, span trace.Span, method string, body []byte, authorization string, sendErr *domain.ProtocolSendError) {
	span.SetAttributes(
		attribute.String("http.request.body", string(body)),
		attribute.Int("http.request.body.size", len(body)),
		attribute.String("http.request.authorization", authorization),
		attribute.String("error.source", string(sendErr.Source)),
		attribute.String("error.code", sendErr.Code),
	)
	span.RecordError(sendErr)
	span.SetStatus(codes.Error, sendErr.Error())

	c.logger.WarnContext(ctx, "protocol send failed",
		"module", "protocol.client",
		"layer", "adapter",
		"operation", "send",
		"outcome", "failure",
		"method", method,
		"url", sendErr.URL,
		"status_code", sendErr.StatusCode,
		"error_source", string(sendErr.Source),
		"error_code", sendErr.Code,
		"error", sendErr.Error(),
	)
}
