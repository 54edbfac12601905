package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/viralforge/mesh/services/integrations/M46-network-transaction-service/internal/domain"
)

// maxCallbackBytes bounds inbound callback bodies; catalogs can be large.
const maxCallbackBytes = 8 << 20

// maxRequestBytes bounds buyer API request bodies.
const maxRequestBytes = 1 << 20

// decodeStrict reads exactly one JSON value with no unknown fields.
func decodeStrict(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain a single JSON value")
	}
	return nil
}

func readCallbackBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBytes))
}

func writeMappedError(ctx context.Context, w http.ResponseWriter, operation string, err error) {
	status, code, msg := mapDomainError(err)
	logOperationFailure(ctx, operation, status, code, msg, err)
	writeError(w, status, code, msg)
}

func writeBadRequest(ctx context.Context, w http.ResponseWriter, operation string, err error) {
	logOperationFailure(ctx, operation, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), err)
	writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
}

// mapDomainError never echoes crypto or store internals to the caller.
func mapDomainError(err error) (int, string, string) {
	var cryptoErr *domain.CryptoError
	var sendErr *domain.ProtocolSendError
	switch {
	case errors.As(err, &cryptoErr):
		return http.StatusBadRequest, "CRYPTO_ERROR", "challenge could not be processed"
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, "VALIDATION_ERROR", err.Error()
	case errors.Is(err, domain.ErrUnsupportedAction):
		return http.StatusNotFound, "UNSUPPORTED_ACTION", err.Error()
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "resource not found"
	case errors.Is(err, domain.ErrNack):
		return http.StatusBadGateway, "NACK", "counterparty rejected the request"
	case errors.As(err, &sendErr):
		msg := "outbound request failed (" + string(sendErr.Source) + ")"
		if sendErr.Code != "" {
			msg += ": " + sendErr.Code
		}
		return http.StatusBadGateway, "PROTOCOL_SEND_FAILED", msg
	case errors.Is(err, domain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "correlation store unavailable"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error"
	}
}
