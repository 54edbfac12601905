package http

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/viralforge/mesh/services/integrations/M46-network-transaction-service/internal/domain"
)

type ctxKey string

const ctxKeyRequestID ctxKey = "request_id"

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, reqID)))
	})
}

func requestIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return s
	}
	return ""
}

func isCallbackPath(path string) bool {
	return strings.HasPrefix(path, "/on_")
}

// recoverMiddleware keeps a panicking handler from taking the process down.
// Network callbacks still get a NACK body with 200; everything else gets a 500.
func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if isCallbackPath(r.URL.Path) {
				logCallbackNack(r.Context(), strings.TrimPrefix(r.URL.Path, "/"), domain.CallbackCodeInternal, rec)
				writeAck(w, domain.NewNack(domain.CallbackCodeInternal, "callback could not be processed"))
				return
			}
			requestLogger(r.Context()).ErrorContext(r.Context(), "panic recovered",
				"operation", "http_panic_recovery",
				"outcome", "failure",
				"method", r.Method,
				"path", r.URL.Path,
				"panic", rec,
			)
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		}()
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures what the handler wrote. It forwards Flush so event
// streams are not buffered behind it.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	bytes      int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) Write(payload []byte) (int, error) {
	if r.statusCode == 0 {
		r.statusCode = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(payload)
	r.bytes += n
	return n, err
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// routeKind groups requests for logs: network callbacks, the buyer API and ops endpoints.
func routeKind(path string) string {
	switch {
	case isCallbackPath(path):
		return "callback"
	case strings.HasPrefix(path, "/api/"):
		return "api"
	default:
		return "ops"
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)

		statusCode := recorder.statusCode
		if statusCode == 0 {
			statusCode = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		outcome := "success"
		if statusCode >= 400 {
			outcome = "failure"
		}

		logger := requestLogger(r.Context())
		fields := []any{
			"operation", "http_request",
			"outcome", outcome,
			"kind", routeKind(r.URL.Path),
			"method", r.Method,
			"route", route,
			"status_code", statusCode,
			"bytes", recorder.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		switch {
		case statusCode >= 500:
			logger.ErrorContext(r.Context(), "http request completed", fields...)
		case statusCode >= 400:
			logger.WarnContext(r.Context(), "http request completed", fields...)
		case r.URL.Path == "/healthz" || r.URL.Path == "/readyz":
			logger.DebugContext(r.Context(), "http request completed", fields...)
		default:
			logger.InfoContext(r.Context(), "http request completed", fields...)
		}
	})
}
