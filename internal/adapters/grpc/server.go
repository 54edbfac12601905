package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/viralforge/mesh/services/integrations/M46-network-transaction-service/internal/application"
	"github.com/viralforge/mesh/services/integrations/M46-network-transaction-service/internal/domain"
)

const serviceName = "mesh.buyer.v1.TransactionQueryService"

// TransactionQueryService is the read side exposed to other mesh services.
type TransactionQueryService interface {
	GetSearchResults(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetExchangeResult(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type TransactionQueryServer struct {
	service *application.Service
	logger  *slog.Logger
}

func NewTransactionQueryServer(service *application.Service, logger *slog.Logger) *TransactionQueryServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TransactionQueryServer{service: service, logger: logger}
}

func Register(server grpc.ServiceRegistrar, svc TransactionQueryService) {
	server.RegisterService(&grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*TransactionQueryService)(nil),
		Methods: []grpc.MethodDesc{
			{
				MethodName: "GetSearchResults",
				Handler:    unaryHandler("GetSearchResults", svc.GetSearchResults),
			},
			{
				MethodName: "GetExchangeResult",
				Handler:    unaryHandler("GetExchangeResult", svc.GetExchangeResult),
			},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "buyer/v1/transaction_query.proto",
	}, svc)
}

// GetSearchResults expects {transaction_id}.
func (s *TransactionQueryServer) GetSearchResults(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	txn := stringField(req, "transaction_id")
	if txn == "" {
		return nil, status.Error(codes.InvalidArgument, "missing transaction_id")
	}
	results, err := s.service.GetSearchResults(ctx, txn)
	if err != nil {
		return nil, s.statusError(ctx, "get_search_results", err)
	}
	return toStruct(results)
}

// GetExchangeResult expects {action, transaction_id, message_id} or, for status, {action, order_id}.
func (s *TransactionQueryServer) GetExchangeResult(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	action, err := domain.ParseAction(stringField(req, "action"))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "unknown action")
	}
	result, err := s.service.GetExchangeResult(ctx, action, domain.ExchangeKey{
		TransactionID: stringField(req, "transaction_id"),
		MessageID:     stringField(req, "message_id"),
		OrderID:       stringField(req, "order_id"),
	})
	if err != nil {
		return nil, s.statusError(ctx, "get_exchange_result", err)
	}
	return toStruct(result)
}

func (s *TransactionQueryServer) statusError(ctx context.Context, operation string, err error) error {
	code := codes.Internal
	msg := "internal error"
	switch {
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrUnsupportedAction):
		code, msg = codes.InvalidArgument, err.Error()
	case errors.Is(err, domain.ErrStoreUnavailable):
		code, msg = codes.Unavailable, "correlation store unavailable"
	}
	s.logger.WarnContext(ctx, "grpc query failed",
		"module", "grpc",
		"layer", "adapter",
		"operation", operation,
		"outcome", "failure",
		"grpc_code", code.String(),
		"error", err.Error(),
	)
	return status.Error(code, msg)
}

func stringField(req *structpb.Struct, name string) string {
	if v := req.GetFields()[name]; v != nil {
		return v.GetStringValue()
	}
	return ""
}

// toStruct goes through JSON so the wire shape matches the HTTP views.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	resp, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "build response: %v", err)
	}
	return resp, nil
}

func unaryHandler(method string, call func(context.Context, *structpb.Struct) (*structpb.Struct, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := &structpb.Struct{}
		if err := dec(req); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(ctx, req)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + serviceName + "/" + method,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			typed, ok := req.(*structpb.Struct)
			if !ok {
				return nil, status.Error(codes.InvalidArgument, "invalid request type")
			}
			return call(ctx, typed)
		}
		return interceptor(ctx, req, info, handler)
	}
}
