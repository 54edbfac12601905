package application

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/viralforge/mesh/services/integrations/M46-network-transaction-service/internal/domain"
	"github.com/viralforge/mesh/services/integrations/M46-network-transaction-service/internal/ports"
)

const tracerName = "github.com/viralforge/mesh/services/integrations/M46-network-transaction-service/internal/application"

type Service struct {
	cfg       Config
	search    *SearchStore
	exchanges map[domain.Action]*ExchangeStore
	bridge    *StreamBridge
	client    ports.ProtocolClient
	identity  ports.ChallengeResponder
	carrier   ports.TraceCarrier
	tracer    trace.Tracer
	events    ports.EventPublisher
	logger    *slog.Logger
	nowFn     func() time.Time
	newID     func() string
}

type Dependencies struct {
	Config   Config
	Store    ports.CorrelationStore
	Client   ports.ProtocolClient
	Identity ports.ChallengeResponder
	Carrier  ports.TraceCarrier
	Tracer   trace.Tracer
	Events   ports.EventPublisher
	Logger   *slog.Logger
	// Now and NewTicker are overridden in tests.
	Now       func() time.Time
	NewTicker TickerFactory
}

func NewService(deps Dependencies) *Service {
	cfg := deps.Config
	if cfg.SearchTTL <= 0 {
		cfg.SearchTTL = 30 * time.Second
	}
	if cfg.EntryRetention <= 0 {
		cfg.EntryRetention = time.Hour
	}
	if cfg.StreamTick <= 0 {
		cfg.StreamTick = time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 3
	}
	nowFn := deps.Now
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	events := deps.Events
	if events == nil {
		events = discardEvents{}
	}

	search := NewSearchStore(deps.Store, cfg.SearchTTL, cfg.EntryRetention, nowFn, logger)
	return &Service{
		cfg:    cfg,
		search: search,
		exchanges: map[domain.Action]*ExchangeStore{
			domain.ActionSelect:  NewSelectStore(deps.Store, cfg.EntryRetention, nowFn, logger),
			domain.ActionInit:    NewInitStore(deps.Store, cfg.EntryRetention, nowFn, logger),
			domain.ActionConfirm: NewConfirmStore(deps.Store, cfg.EntryRetention, nowFn, logger),
			domain.ActionStatus:  NewStatusStore(deps.Store, cfg.EntryRetention, nowFn, logger),
		},
		bridge:   NewStreamBridge(search, cfg.StreamTick, deps.NewTicker, logger),
		client:   deps.Client,
		identity: deps.Identity,
		carrier:  deps.Carrier,
		tracer:   tracer,
		events:   events,
		logger:   logger,
		nowFn:    nowFn,
		newID:    func() string { return uuid.NewString() },
	}
}

// GetSearchResults is the search polling view; unknown ids return found=false.
func (s *Service) GetSearchResults(ctx context.Context, transactionID string) (domain.SearchResults, error) {
	if transactionID == "" {
		return domain.SearchResults{}, fmt.Errorf("%w: transaction_id is required", domain.ErrInvalidInput)
	}
	return s.search.GetResults(ctx, transactionID)
}

// MarkSearchComplete sets the external completeness signal for a known search.
func (s *Service) MarkSearchComplete(ctx context.Context, transactionID string) error {
	entry, err := s.search.GetEntry(ctx, transactionID)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("%w: search %s", domain.ErrNotFound, transactionID)
	}
	return s.search.MarkComplete(ctx, transactionID)
}

// GetExchangeResult is the polling view for select, init, confirm and status.
func (s *Service) GetExchangeResult(ctx context.Context, action domain.Action, key domain.ExchangeKey) (domain.ExchangeResult, error) {
	store, ok := s.exchanges[action]
	if !ok {
		return domain.ExchangeResult{}, fmt.Errorf("%w: %s has no single-response view", domain.ErrUnsupportedAction, action)
	}
	return store.GetResult(ctx, key)
}

// StreamSearch runs the streaming bridge for a search until it completes or ctx ends.
func (s *Service) StreamSearch(ctx context.Context, transactionID string, emit EmitFunc) error {
	return s.bridge.Run(ctx, transactionID, emit)
}

// AnswerChallenge decrypts the network operator's on_subscribe challenge.
func (s *Service) AnswerChallenge(ctx context.Context, challenge string) (ChallengeAnswer, error) {
	answer, err := s.identity.DecryptChallenge(challenge)
	if err != nil {
		s.logger.WarnContext(ctx, "challenge decryption failed",
			"module", "application",
			"layer", "application",
			"operation", "answer_challenge",
			"outcome", "failure",
			"error", err.Error(),
		)
		return ChallengeAnswer{}, err
	}
	s.logger.InfoContext(ctx, "answered subscription challenge",
		"module", "application",
		"layer", "application",
		"operation", "answer_challenge",
		"outcome", "success",
	)
	return ChallengeAnswer{Answer: answer}, nil
}

// SiteVerification renders the domain-verification page carrying the signed
// subscribe request id.
func (s *Service) SiteVerification() string {
	return "<!--Contents of ondc-site-verification.html. -->\n" +
		"<html>\n\t<head>\n\t\t<meta name='ondc-site-verification' content='" + s.identity.SignSubscribeRequestID() + "' />\n\t</head>\n" +
		"\t<body>\n\t\tONDC Site Verification Page\n\t</body>\n</html>\n"
}

func (s *Service) publishEvent(ctx context.Context, eventType, key string, payload map[string]any) {
	payload["event_id"] = s.newID()
	payload["event_type"] = eventType
	payload["occurred_at"] = s.nowFn()
	payload["subscriber_id"] = s.cfg.SubscriberID
	raw, err := json.Marshal(payload)
	if err == nil {
		err = s.events.Publish(ctx, eventType, key, raw)
	}
	if err != nil {
		s.logger.WarnContext(ctx, "failed to publish domain event",
			"module", "application",
			"layer", "application",
			"operation", "publish_event",
			"outcome", "failure",
			"event_type", eventType,
			"error", err.Error(),
		)
	}
}

type discardEvents struct{}

func (discardEvents) Publish(context.Context, string, string, []byte) error { return nil }
