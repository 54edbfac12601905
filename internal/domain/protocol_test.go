package domain

import (
	"errors"
	"testing"
	"time"
)

func TestParseISODuration(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw  string
		want time.Duration
		ok   bool
	}{
		{raw: "PT30S", want: 30 * time.Second, ok: true},
		{raw: "pt1m30s", want: 90 * time.Second, ok: true},
		{raw: "P1DT2H", want: 26 * time.Hour, ok: true},
		{raw: "PT0.5S", want: 500 * time.Millisecond, ok: true},
		{raw: "PT0S", want: 0, ok: true},
		{raw: "30S"},
		{raw: "PT"},
		{raw: "PT10"},
		{raw: "P1M"},
		{raw: "PTS"},
		{raw: "PT1H2T"},
	}
	for _, tc := range cases {
		got, err := ParseISODuration(tc.raw)
		if tc.ok {
			if err != nil || got != tc.want {
				t.Fatalf("%s: got %s err=%v, want %s", tc.raw, got, err, tc.want)
			}
			continue
		}
		if !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: expected ErrInvalidInput, got %v", tc.raw, err)
		}
	}
}

func TestFormatISODurationRoundsUp(t *testing.T) {
	t.Parallel()
	if got := FormatISODuration(1500 * time.Millisecond); got != "PT2S" {
		t.Fatalf("expected PT2S, got %s", got)
	}
	if got := FormatISODuration(30 * time.Second); got != "PT30S" {
		t.Fatalf("expected PT30S, got %s", got)
	}
}

func TestParseAction(t *testing.T) {
	t.Parallel()
	for raw, want := range map[string]Action{"search": ActionSearch, "on_confirm": ActionConfirm, " STATUS ": ActionStatus} {
		got, err := ParseAction(raw)
		if err != nil || got != want {
			t.Fatalf("%q: got %q err=%v", raw, got, err)
		}
	}
	if _, err := ParseAction("cancel"); !errors.Is(err, ErrUnsupportedAction) {
		t.Fatalf("expected ErrUnsupportedAction, got %v", err)
	}
	if ActionSelect.CallbackName() != "on_select" {
		t.Fatalf("unexpected callback name %s", ActionSelect.CallbackName())
	}
}

func TestParseDomainCode(t *testing.T) {
	t.Parallel()
	if code, err := ParseDomainCode(" ondc:ret10 "); err != nil || code != DomainGrocery {
		t.Fatalf("expected grocery, got %q err=%v", code, err)
	}
	if _, err := ParseDomainCode("ONDC:RET99"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestParseCallbackEnvelope(t *testing.T) {
	t.Parallel()
	valid := `{"context":{"action":"on_select","transaction_id":"t1","message_id":"m1"},"message":{"order":{}}}`
	env, err := ParseCallbackEnvelope([]byte(valid), ActionSelect)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if env.Context.TransactionID != "t1" || string(env.Message) != `{"order":{}}` {
		t.Fatalf("unexpected envelope %+v", env)
	}

	withError := `{"context":{"transaction_id":"t1"},"error":{"code":"30004","message":"item not found"}}`
	env, err = ParseCallbackEnvelope([]byte(withError), ActionStatus)
	if err != nil || env.Error == nil || env.Error.Code != "30004" {
		t.Fatalf("expected error-only status callback to parse, got %+v err=%v", env, err)
	}

	rejects := map[string]string{
		"not json":        `{`,
		"action mismatch": `{"context":{"action":"on_init","transaction_id":"t1","message_id":"m1"},"message":{}}`,
		"no transaction":  `{"context":{"message_id":"m1"},"message":{}}`,
		"no message id":   `{"context":{"transaction_id":"t1"},"message":{}}`,
		"empty":           `{"context":{"transaction_id":"t1","message_id":"m1"}}`,
	}
	for name, raw := range rejects {
		if _, err := ParseCallbackEnvelope([]byte(raw), ActionSelect); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: expected ErrInvalidInput, got %v", name, err)
		}
	}
}

func TestAckConstructors(t *testing.T) {
	t.Parallel()
	if !NewAck().IsAck() || NewAck().Error != nil {
		t.Fatal("expected plain ACK")
	}
	nack := NewNack("20001", "invalid json")
	if nack.IsAck() || nack.Error == nil || nack.Error.Code != "20001" || nack.Error.Type != "DOMAIN-ERROR" {
		t.Fatalf("unexpected NACK %+v", nack)
	}
}
