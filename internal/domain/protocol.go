package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Action is one of the outbound network actions this participant initiates.
type Action string

const (
	ActionSearch  Action = "search"
	ActionSelect  Action = "select"
	ActionInit    Action = "init"
	ActionConfirm Action = "confirm"
	ActionStatus  Action = "status"
)

// Actions lists every supported action in protocol order.
var Actions = []Action{ActionSearch, ActionSelect, ActionInit, ActionConfirm, ActionStatus}

// ParseAction accepts either the action name or its on_ callback form.
func ParseAction(raw string) (Action, error) {
	name := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(raw)), "on_")
	for _, a := range Actions {
		if string(a) == name {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedAction, raw)
}

// CallbackName returns the inbound callback name, e.g. on_search.
func (a Action) CallbackName() string { return "on_" + string(a) }

// DomainCode is the closed set of network category codes a subscriber may register under.
type DomainCode string

const (
	DomainGrocery         DomainCode = "ONDC:RET10"
	DomainFashion         DomainCode = "ONDC:RET12"
	DomainBeautyCare      DomainCode = "ONDC:RET13"
	DomainElectronics     DomainCode = "ONDC:RET14"
	DomainAppliances      DomainCode = "ONDC:RET15"
	DomainHomeDecor       DomainCode = "ONDC:RET16"
	DomainToys            DomainCode = "ONDC:RET17"
	DomainHealthWellness  DomainCode = "ONDC:RET18"
	DomainPharma          DomainCode = "ONDC:RET19"
	DomainFinancialCredit DomainCode = "ONDC:FIS12"
	DomainMobility        DomainCode = "ONDC:TRV10"
	DomainLogistics       DomainCode = "ONDC:LOG10"
	DomainLogisticsIntra  DomainCode = "ONDC:LOG11"
)

var knownDomains = map[DomainCode]struct{}{
	DomainGrocery: {}, DomainFashion: {}, DomainBeautyCare: {}, DomainElectronics: {},
	DomainAppliances: {}, DomainHomeDecor: {}, DomainToys: {}, DomainHealthWellness: {},
	DomainPharma: {}, DomainFinancialCredit: {}, DomainMobility: {}, DomainLogistics: {},
	DomainLogisticsIntra: {},
}

// ParseDomainCode validates raw against the closed domain enum.
func ParseDomainCode(raw string) (DomainCode, error) {
	code := DomainCode(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := knownDomains[code]; !ok {
		return "", fmt.Errorf("%w: unknown domain code %q", ErrInvalidInput, raw)
	}
	return code, nil
}

type Code struct {
	Code string `json:"code"`
}

type Location struct {
	City    Code `json:"city"`
	Country Code `json:"country"`
}

// Context is the protocol envelope header shared by requests and callbacks.
type Context struct {
	Action               string   `json:"action"`
	RequesterID          string   `json:"requester_id"`
	RequesterCallbackURI string   `json:"requester_callback_uri"`
	Domain               string   `json:"domain"`
	Location             Location `json:"location"`
	TransactionID        string   `json:"transaction_id"`
	MessageID            string   `json:"message_id"`
	Timestamp            string   `json:"timestamp"`
	TTL                  string   `json:"ttl,omitempty"`
	Version              string   `json:"version"`
	CounterpartyID       string   `json:"counterparty_id,omitempty"`
	CounterpartyURI      string   `json:"counterparty_uri,omitempty"`
}

// ErrorBlock is the protocol error object carried by NACKs and failed callbacks.
type ErrorBlock struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// Envelope is an outbound request or inbound callback. Message is kept opaque and
// republished verbatim; only Context and Error are interpreted.
type Envelope struct {
	Context Context         `json:"context"`
	Message json.RawMessage `json:"message,omitempty"`
	Error   *ErrorBlock     `json:"error,omitempty"`
}

// ParseCallbackEnvelope decodes an inbound callback and checks the correlation
// fields needed to route it.
func ParseCallbackEnvelope(raw []byte, action Action) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: decode callback: %v", ErrInvalidInput, err)
	}
	if got := strings.TrimSpace(env.Context.Action); got != "" && got != action.CallbackName() {
		return Envelope{}, fmt.Errorf("%w: context.action %q does not match %s", ErrInvalidInput, got, action.CallbackName())
	}
	if strings.TrimSpace(env.Context.TransactionID) == "" {
		return Envelope{}, fmt.Errorf("%w: context.transaction_id is required", ErrInvalidInput)
	}
	if action != ActionStatus && strings.TrimSpace(env.Context.MessageID) == "" {
		return Envelope{}, fmt.Errorf("%w: context.message_id is required", ErrInvalidInput)
	}
	if len(env.Message) == 0 && env.Error == nil {
		return Envelope{}, fmt.Errorf("%w: callback carries neither message nor error", ErrInvalidInput)
	}
	return env, nil
}

const (
	AckStatusACK  = "ACK"
	AckStatusNACK = "NACK"
)

type Ack struct {
	Status string `json:"status"`
}

type AckMessage struct {
	Ack Ack `json:"ack"`
}

// AckResponse is the synchronous acknowledgement exchanged on every call.
type AckResponse struct {
	Message AckMessage  `json:"message"`
	Error   *ErrorBlock `json:"error,omitempty"`
}

func (r AckResponse) IsAck() bool { return r.Message.Ack.Status == AckStatusACK }

// NewAck returns the success acknowledgement.
func NewAck() AckResponse {
	return AckResponse{Message: AckMessage{Ack: Ack{Status: AckStatusACK}}}
}

// NewNack returns a negative acknowledgement with a DOMAIN-ERROR block.
func NewNack(code, message string) AckResponse {
	return AckResponse{
		Message: AckMessage{Ack: Ack{Status: AckStatusNACK}},
		Error:   &ErrorBlock{Type: "DOMAIN-ERROR", Code: code, Message: message},
	}
}

// ParseISODuration parses the PnDTnHnMnS subset used by context.ttl.
func ParseISODuration(raw string) (time.Duration, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if !strings.HasPrefix(s, "P") || len(s) < 3 {
		return 0, fmt.Errorf("%w: invalid ISO-8601 duration %q", ErrInvalidInput, raw)
	}
	s = s[1:]
	var total time.Duration
	inTime := false
	num := ""
	for _, r := range s {
		switch {
		case r == 'T':
			if inTime || num != "" {
				return 0, fmt.Errorf("%w: invalid ISO-8601 duration %q", ErrInvalidInput, raw)
			}
			inTime = true
		case (r >= '0' && r <= '9') || r == '.':
			num += string(r)
		default:
			if num == "" {
				return 0, fmt.Errorf("%w: invalid ISO-8601 duration %q", ErrInvalidInput, raw)
			}
			v, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("%w: invalid ISO-8601 duration %q", ErrInvalidInput, raw)
			}
			var unit time.Duration
			switch {
			case r == 'D' && !inTime:
				unit = 24 * time.Hour
			case r == 'H' && inTime:
				unit = time.Hour
			case r == 'M' && inTime:
				unit = time.Minute
			case r == 'S' && inTime:
				unit = time.Second
			default:
				return 0, fmt.Errorf("%w: unsupported ISO-8601 designator %q in %q", ErrInvalidInput, string(r), raw)
			}
			total += time.Duration(v * float64(unit))
			num = ""
		}
	}
	if num != "" {
		return 0, fmt.Errorf("%w: invalid ISO-8601 duration %q", ErrInvalidInput, raw)
	}
	return total, nil
}

// FormatISODuration renders d as PTnS, the form used in outbound context.ttl.
func FormatISODuration(d time.Duration) string {
	secs := int64((d + time.Second - 1) / time.Second)
	return "PT" + strconv.FormatInt(secs, 10) + "S"
}
