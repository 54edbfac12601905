package http

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/viralforge/mesh/services/integrations/M46-network-transaction-service/internal/application"
	"github.com/viralforge/mesh/services/integrations/M46-network-transaction-service/internal/domain"
)

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeMessage(w, http.StatusOK, "ok")
}

func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			logOperationFailure(r.Context(), "readyz", http.StatusServiceUnavailable, "NOT_READY", "dependencies unavailable", err)
			writeError(w, http.StatusServiceUnavailable, "NOT_READY", "dependencies unavailable")
			return
		}
	}
	writeMessage(w, http.StatusOK, "ready")
}

func (h *Handler) siteVerification(w http.ResponseWriter, _ *http.Request) {
	writeHTML(w, http.StatusOK, h.service.SiteVerification())
}

type onSubscribeRequest struct {
	SubscriberID string `json:"subscriber_id"`
	Challenge    string `json:"challenge"`
}

func (h *Handler) onSubscribe(w http.ResponseWriter, r *http.Request) {
	var req onSubscribeRequest
	if err := decodeStrict(w, r, &req); err != nil {
		writeBadRequest(r.Context(), w, "on_subscribe", err)
		return
	}
	if strings.TrimSpace(req.Challenge) == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "challenge is required")
		return
	}
	answer, err := h.service.AnswerChallenge(r.Context(), req.Challenge)
	if err != nil {
		writeMappedError(r.Context(), w, "on_subscribe", err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

// callback accepts on_<action>. The body is handed over raw; parse and store
// failures come back as a NACK inside a 200.
func (h *Handler) callback(action domain.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := readCallbackBody(w, r)
		if err != nil {
			logCallbackNack(r.Context(), action.CallbackName(), domain.CallbackCodeInvalidPayload, err)
			writeAck(w, domain.NewNack(domain.CallbackCodeInvalidPayload, "callback body could not be read"))
			return
		}
		writeAck(w, h.service.HandleCallback(r.Context(), action, raw))
	}
}

func (h *Handler) initiate(action domain.Action) http.HandlerFunc {
	operation := "initiate_" + string(action)
	return func(w http.ResponseWriter, r *http.Request) {
		var req application.ActionRequest
		if err := decodeStrict(w, r, &req); err != nil {
			writeBadRequest(r.Context(), w, operation, err)
			return
		}
		receipt, err := h.service.Initiate(r.Context(), action, req)
		if err != nil {
			writeMappedError(r.Context(), w, operation, err)
			return
		}
		writeSuccess(w, http.StatusAccepted, receipt)
	}
}

func (h *Handler) searchResults(w http.ResponseWriter, r *http.Request) {
	results, err := h.service.GetSearchResults(r.Context(), chi.URLParam(r, "transaction_id"))
	if err != nil {
		writeMappedError(r.Context(), w, "get_search_results", err)
		return
	}
	writeSuccess(w, http.StatusOK, results)
}

func (h *Handler) completeSearch(w http.ResponseWriter, r *http.Request) {
	if err := h.service.MarkSearchComplete(r.Context(), chi.URLParam(r, "transaction_id")); err != nil {
		writeMappedError(r.Context(), w, "complete_search", err)
		return
	}
	writeMessage(w, http.StatusOK, "search marked complete")
}

func (h *Handler) exchangeResult(action domain.Action) http.HandlerFunc {
	operation := "get_" + string(action) + "_result"
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := h.service.GetExchangeResult(r.Context(), action, domain.ExchangeKey{
			TransactionID: chi.URLParam(r, "transaction_id"),
			MessageID:     chi.URLParam(r, "message_id"),
		})
		if err != nil {
			writeMappedError(r.Context(), w, operation, err)
			return
		}
		writeSuccess(w, http.StatusOK, result)
	}
}

func (h *Handler) statusResult(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.GetExchangeResult(r.Context(), domain.ActionStatus, domain.ExchangeKey{
		OrderID: chi.URLParam(r, "order_id"),
	})
	if err != nil {
		writeMappedError(r.Context(), w, "get_status_result", err)
		return
	}
	writeSuccess(w, http.StatusOK, result)
}
