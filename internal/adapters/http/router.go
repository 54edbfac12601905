package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/viralforge/mesh/services/integrations/M46-network-transaction-service/internal/application"
	"github.com/viralforge/mesh/services/integrations/M46-network-transaction-service/internal/domain"
)

// ReadinessProbe reports whether backing infrastructure is reachable.
type ReadinessProbe func(ctx context.Context) error

// Handler is the HTTP adapter for network callbacks and the internal buyer API.
type Handler struct {
	service   *application.Service
	ready     ReadinessProbe
	keepAlive time.Duration
}

// NewHandler binds the adapter to the application service. ready may be nil.
func NewHandler(service *application.Service, ready ReadinessProbe) *Handler {
	return &Handler{service: service, ready: ready, keepAlive: 15 * time.Second}
}

// NewRouter registers the network-facing callback routes at the root and the
// internal API under /api/v1.
func NewRouter(handler *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware)
	r.Use(loggingMiddleware)

	r.Get("/healthz", handler.healthz)
	r.Get("/readyz", handler.readyz)
	r.Get("/ondc-site-verification.html", handler.siteVerification)
	r.Get("/swagger", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/swagger/", http.StatusMovedPermanently)
	})
	r.Get("/swagger/", handler.swaggerUI)
	r.Get(openAPIPath, handler.swaggerSpec)

	r.Post("/on_subscribe", handler.onSubscribe)
	for _, action := range domain.Actions {
		r.Post("/"+action.CallbackName(), handler.callback(action))
	}

	r.Route("/api/v1", func(r chi.Router) {
		for _, action := range domain.Actions {
			r.Post("/"+string(action), handler.initiate(action))
		}
		r.Get("/search/{transaction_id}", handler.searchResults)
		r.Post("/search/{transaction_id}/complete", handler.completeSearch)
		r.Get("/search/{transaction_id}/stream", handler.streamSearch)
		for _, action := range []domain.Action{domain.ActionSelect, domain.ActionInit, domain.ActionConfirm} {
			r.Get("/"+string(action)+"/{transaction_id}/{message_id}", handler.exchangeResult(action))
		}
		r.Get("/status/{order_id}", handler.statusResult)
	})

	return r
}
