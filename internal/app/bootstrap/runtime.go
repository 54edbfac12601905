package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	cacheadapter "github.com/viralforge/mesh/services/integrations/M46-network-transaction-service/internal/adapters/cache"
	eventadapter "github.com/viralforge/mesh/services/integrations/M46-network-transaction-service/internal/adapters/events"
	grpcadapter "github.com/viralforge/mesh/services/integrations/M46-network-transaction-service/internal/adapters/grpc"
	httpadapter "github.com/viralforge/mesh/services/integrations/M46-network-transaction-service/internal/adapters/http"
	"github.com/viralforge/mesh/services/integrations/M46-network-transaction-service/internal/adapters/protocol"
	"github.com/viralforge/mesh/services/integrations/M46-network-transaction-service/internal/adapters/security"
	"github.com/viralforge/mesh/services/integrations/M46-network-transaction-service/internal/adapters/tracing"
	"github.com/viralforge/mesh/services/integrations/M46-network-transaction-service/internal/application"
	"github.com/viralforge/mesh/services/integrations/M46-network-transaction-service/internal/domain"
	"github.com/viralforge/mesh/services/integrations/M46-network-transaction-service/internal/ports"
)

type Runtime struct {
	cfg        Config
	logger     *slog.Logger
	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server
	dispatcher *eventadapter.Dispatcher
	monitor    *cacheadapter.StoreMonitor
	cleanupFn  func(context.Context)
}

func NewRuntime(ctx context.Context, configPath string) (*Runtime, error) {
	cfg, err := LoadConfig(ctx, configPath)
	if err != nil {
		return nil, err
	}

	level, _ := cfg.LogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})).
		With("service", cfg.Service.ID)
	slog.SetDefault(logger)
	logger.Info("bootstrapping m46 network transaction service",
		"http_port", cfg.Service.HTTPPort,
		"grpc_port", cfg.Service.GRPCPort,
		"subscriber_id", cfg.Network.SubscriberID,
		"domain", cfg.Network.Domain,
	)

	// Key material is checked before any connection is opened.
	identity, err := security.NewIdentity(security.IdentityConfig{
		SubscriberID:         cfg.Network.SubscriberID,
		Domain:               cfg.Network.Domain,
		SubscribeRequestID:   cfg.Network.SubscribeRequestID,
		UniqueKeyID:          cfg.Network.UniqueKeyID,
		SigningPrivateKey:    cfg.Keys.SigningPrivateKey,
		SigningPublicKey:     cfg.Keys.SigningPublicKey,
		EncryptionPrivateKey: cfg.Keys.EncryptionPrivateKey,
		EncryptionPublicKey:  cfg.Keys.EncryptionPublicKey,
		NetworkPublicKey:     cfg.Network.NetworkEncryptionPublicKey,
	})
	if err != nil {
		return nil, fmt.Errorf("init identity: %w", err)
	}

	redisClient, err := cacheadapter.Connect(ctx, cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	hub := cacheadapter.NewSubscriptionHub(redisClient, logger)
	store, err := cacheadapter.NewRedisCorrelationStore(redisClient, hub, identity.SubscriberID(), cacheadapter.StoreOptions{})
	if err != nil {
		_ = hub.Close()
		_ = redisClient.Close()
		return nil, fmt.Errorf("init correlation store: %w", err)
	}

	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())))
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	sink, closeSink, err := newEventSink(cfg.Kafka, logger)
	if err != nil {
		_ = hub.Close()
		_ = redisClient.Close()
		return nil, err
	}
	dispatcher := eventadapter.NewDispatcher(
		logger,
		sink,
		cfg.Dispatcher.Capacity,
		cfg.Dispatcher.RetryDelay,
		cfg.Dispatcher.MaxRetries,
	)

	domainCode, _ := domain.ParseDomainCode(cfg.Network.Domain)
	svc := application.NewService(application.Dependencies{
		Config: application.Config{
			ServiceID:      cfg.Service.ID,
			SubscriberID:   identity.SubscriberID(),
			SubscriberURI:  cfg.Network.SubscriberURI,
			Domain:         domainCode,
			City:           cfg.Network.City,
			Country:        cfg.Network.Country,
			CoreVersion:    cfg.Network.CoreVersion,
			GatewayURL:     cfg.Network.GatewayURL,
			SearchTTL:      cfg.Protocol.SearchTTL,
			EntryRetention: cfg.Protocol.EntryRetention,
			StreamTick:     cfg.Protocol.StreamTick,
			Retry: application.RetryPolicy{
				MaxAttempts:     cfg.Protocol.Retry.MaxAttempts,
				InitialInterval: cfg.Protocol.Retry.InitialInterval,
				MaxInterval:     cfg.Protocol.Retry.MaxInterval,
			},
		},
		Store: store,
		Client: protocol.NewClient(identity, protocol.Config{
			Timeout:        cfg.Protocol.HTTPTimeout,
			TracerProvider: tracerProvider,
			Logger:         logger,
		}),
		Identity: identity,
		Carrier:  tracing.NewCarrier(propagation.TraceContext{}),
		Tracer:   tracing.Tracer(tracerProvider),
		Events:   dispatcher,
		Logger:   logger,
	})

	handler := httpadapter.NewHandler(svc, store.Ping)
	router := httpadapter.NewRouter(handler)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Service.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	grpcadapter.Register(grpcServer, grpcadapter.NewTransactionQueryServer(svc, logger))

	return &Runtime{
		cfg:        cfg,
		logger:     logger,
		httpServer: httpServer,
		grpcServer: grpcServer,
		health:     healthSrv,
		dispatcher: dispatcher,
		monitor:    cacheadapter.NewStoreMonitor(logger, store, cfg.Monitor.Interval),
		cleanupFn: func(ctx context.Context) {
			closeAll(ctx, logger, hub, redisClient, closeSink, tracerProvider)
		},
	}, nil
}

// newEventSink picks Kafka when brokers are configured and the log sink otherwise.
func newEventSink(cfg KafkaConfig, logger *slog.Logger) (ports.EventPublisher, func() error, error) {
	if len(cfg.Brokers) == 0 {
		logger.Warn("no kafka brokers configured; transaction events are logged only")
		return eventadapter.NewLoggingPublisher(logger), func() error { return nil }, nil
	}
	topics := map[string]string{}
	if cfg.CallbackTopic != "" {
		topics["transaction.callback_received"] = cfg.CallbackTopic
	}
	publisher, err := eventadapter.NewKafkaPublisher(cfg.Brokers, cfg.Topic, topics)
	if err != nil {
		return nil, nil, fmt.Errorf("init kafka publisher: %w", err)
	}
	return publisher, publisher.Close, nil
}

func closeAll(ctx context.Context, logger *slog.Logger, hub *cacheadapter.SubscriptionHub, client *redis.Client, closeSink func() error, tp *sdktrace.TracerProvider) {
	if err := hub.Close(); err != nil {
		logger.Warn("close subscription hub", "error", err)
	}
	if err := client.Close(); err != nil {
		logger.Warn("close redis", "error", err)
	}
	if err := closeSink(); err != nil {
		logger.Warn("close event sink", "error", err)
	}
	if err := tp.Shutdown(ctx); err != nil {
		logger.Warn("shutdown tracer provider", "error", err)
	}
}

func (r *Runtime) RunAPI(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", r.cfg.Service.GRPCPort))
	if err != nil {
		r.cleanupFn(context.Background())
		return fmt.Errorf("listen gRPC: %w", err)
	}

	dispatchCtx, cancelDispatch := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = r.dispatcher.Run(dispatchCtx, r.cfg.Dispatcher.DrainTimeout)
	}()

	errCh := make(chan error, 2)
	go func() {
		r.logger.Info("http server started", "addr", r.httpServer.Addr)
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		r.logger.Info("grpc server started", "addr", lis.Addr().String())
		if err := r.grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		r.logger.Info("shutdown signal received")
	case runErr = <-errCh:
		r.logger.Error("server failure", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r.health.Shutdown()
	_ = r.httpServer.Shutdown(shutdownCtx)
	r.grpcServer.GracefulStop()

	// Servers are drained, so no handler can enqueue after this point.
	cancelDispatch()
	wg.Wait()
	r.cleanupFn(shutdownCtx)
	return runErr
}

func (r *Runtime) RunWorker(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	r.logger.Info("store monitor started", "interval", r.cfg.Monitor.Interval.String())
	err := r.monitor.Run(ctx)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.cleanupFn(shutdownCtx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
