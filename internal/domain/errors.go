package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a transaction or order is unknown to the store.
	// Read paths translate it into found=false views instead of surfacing it.
	ErrNotFound = errors.New("resource not found")
	// ErrInvalidInput covers malformed requests and callback envelopes missing correlation fields.
	ErrInvalidInput      = errors.New("invalid input")
	ErrUnsupportedAction = errors.New("unsupported action")
	ErrStoreUnavailable  = errors.New("correlation store unavailable")
	ErrNack              = errors.New("counterparty responded with NACK")
)

// ConfigurationError is fatal at startup: bad or missing keys, wrong secret length,
// unknown domain code. The process must not start partially configured.
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := "configuration error"
	if e.Field != "" {
		msg += ": " + e.Field
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// NewConfigurationError builds a ConfigurationError for a config field.
func NewConfigurationError(field, reason string, err error) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: reason, Err: err}
}

// CryptoError wraps decrypt/sign failures. The cause is kept for local logs only.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	if e.Err == nil {
		return "crypto " + e.Op + " failed"
	}
	return fmt.Sprintf("crypto %s failed: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error { return e.Err }

// ErrorSource attributes a protocol send failure to the party that caused it.
type ErrorSource string

const (
	ErrorSourceNetwork      ErrorSource = "network"
	ErrorSourceCounterparty ErrorSource = "counterparty"
	ErrorSourceGateway      ErrorSource = "gateway"
	ErrorSourceLocal        ErrorSource = "local"
)

// ProtocolSendError is raised when an outbound call fails or returns non-2xx.
type ProtocolSendError struct {
	Source     ErrorSource
	URL        string
	StatusCode int
	Code       string
	Message    string
	Body       []byte
	Err        error
}

func (e *ProtocolSendError) Error() string {
	msg := fmt.Sprintf("protocol send to %s failed (source=%s", e.URL, e.Source)
	if e.StatusCode > 0 {
		msg += fmt.Sprintf(", status=%d", e.StatusCode)
	}
	if e.Code != "" {
		msg += ", code=" + e.Code
	}
	msg += ")"
	if e.Message != "" {
		msg += ": " + e.Message
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolSendError) Unwrap() error { return e.Err }

// CallbackProcessingError is a failure while persisting an inbound callback.
// It is always answered with a NACK carrying Code, never with a 5xx.
type CallbackProcessingError struct {
	Action Action
	Code   string
	Err    error
}

func (e *CallbackProcessingError) Error() string {
	return fmt.Sprintf("process %s callback (%s): %v", e.Action.CallbackName(), e.Code, e.Err)
}

func (e *CallbackProcessingError) Unwrap() error { return e.Err }

// Callback processing error codes reported in the NACK error block.
const (
	CallbackCodeInvalidPayload = "20001"
	CallbackCodeInvalidContext = "20002"
	CallbackCodeStoreFailure   = "23001"
	CallbackCodeInternal       = "31001"
)
