package http

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/viralforge/mesh/services/integrations/M46-network-transaction-service/internal/adapters/cache"
	"github.com/viralforge/mesh/services/integrations/M46-network-transaction-service/internal/adapters/tracing"
	"github.com/viralforge/mesh/services/integrations/M46-network-transaction-service/internal/application"
	"github.com/viralforge/mesh/services/integrations/M46-network-transaction-service/internal/domain"
)

type stubClient struct {
	ack bool
	err error
}

func (s stubClient) SendWithAck(context.Context, string, []byte) (bool, error) { return s.ack, s.err }

type stubIdentity struct{ err error }

func (s stubIdentity) DecryptChallenge(string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "plain-answer", nil
}
func (stubIdentity) SignSubscribeRequestID() string { return "signed-request-id" }
func (stubIdentity) SubscriberID() string { return "buyer.example.com" }

type testEnv struct {
	handler *Handler
	router  http.Handler
	mr      *miniredis.Miniredis
}

func newTestEnv(t *testing.T, client stubClient, identity stubIdentity) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), Protocol: 2})
	hub := cache.NewSubscriptionHub(rdb, nil)
	t.Cleanup(func() {
		_ = hub.Close()
		_ = rdb.Close()
	})
	store, err := cache.NewRedisCorrelationStore(rdb, hub, "buyer.example.com", cache.StoreOptions{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	svc := application.NewService(application.Dependencies{
		Config: application.Config{
			SubscriberID:  "buyer.example.com",
			SubscriberURI: "https://buyer.example.com",
			Domain:        domain.DomainGrocery,
			City:          "std:080",
			Country:       "IND",
			CoreVersion:   "1.2.0",
			GatewayURL:    "https://gateway.example.com",
			StreamTick:    50 * time.Millisecond,
			Retry:         application.RetryPolicy{MaxAttempts: 1},
		},
		Store:    store,
		Client:   client,
		Identity: identity,
		Carrier:  tracing.NewCarrier(nil),
	})
	handler := NewHandler(svc, store.Ping)
	return &testEnv{handler: handler, router: NewRouter(handler), mr: mr}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	var envelope struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	if err := json.Unmarshal(envelope.Data, dst); err != nil {
		t.Fatalf("decode data %s: %v", envelope.Data, err)
	}
}

func decodeAck(t *testing.T, rec *httptest.ResponseRecorder) domain.AckResponse {
	t.Helper()
	var ack domain.AckResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &ack); err != nil {
		t.Fatalf("decode ack %q: %v", rec.Body.String(), err)
	}
	return ack
}

func TestHealthAndReadiness(t *testing.T) {
	env := newTestEnv(t, stubClient{ack: true}, stubIdentity{})

	if rec := env.do(t, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", rec.Code)
	}
	rec := env.do(t, http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz: expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected a request id header")
	}

	env.mr.SetError("server down")
	if rec := env.do(t, http.MethodGet, "/readyz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz with failing store: expected 503, got %d", rec.Code)
	}
}

func TestSearchInitiationCallbackAndPolling(t *testing.T) {
	env := newTestEnv(t, stubClient{ack: true}, stubIdentity{})

	rec := env.do(t, http.MethodPost, "/api/v1/search", `{"transaction_id":"txn-http","message":{"intent":{}}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("initiate search: expected 202, got %d %s", rec.Code, rec.Body.String())
	}
	var receipt application.ActionReceipt
	decodeData(t, rec, &receipt)
	if !receipt.Acknowledged || receipt.TransactionID != "txn-http" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}

	callback := `{"context":{"action":"on_search","transaction_id":"txn-http","message_id":"` + receipt.MessageID +
		`","counterparty_id":"seller.example.com"},"message":{"catalog":{"descriptor":{"name":"Seller"},"providers":[{"id":"p","items":[{"id":"i"}]}]}}}`
	rec = env.do(t, http.MethodPost, "/on_search", callback)
	if rec.Code != http.StatusOK || !decodeAck(t, rec).IsAck() {
		t.Fatalf("callback: expected 200 ACK, got %d %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/api/v1/search/txn-http", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("poll: expected 200, got %d", rec.Code)
	}
	var results domain.SearchResults
	decodeData(t, rec, &results)
	if !results.Found || results.ResponseCount != 1 || len(results.Providers) != 1 || results.Providers[0].Name != "Seller" {
		t.Fatalf("unexpected results %+v", results)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/search/unknown-txn", "")
	decodeData(t, rec, &results)
	if rec.Code != http.StatusOK || results.Found {
		t.Fatalf("unknown search should be a 200 not-found view, got %d %+v", rec.Code, results)
	}

	if rec := env.do(t, http.MethodPost, "/api/v1/search/txn-http/complete", ""); rec.Code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/search/unknown-txn/complete", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("complete unknown: expected 404, got %d", rec.Code)
	}
}

func TestCallbackFailuresAreNackedWith200(t *testing.T) {
	env := newTestEnv(t, stubClient{ack: true}, stubIdentity{})

	cases := []struct {
		path string
		body string
		code string
	}{
		{path: "/on_select", body: `{"context":`, code: domain.CallbackCodeInvalidPayload},
		{path: "/on_init", body: `{"context":{"action":"on_init","message_id":"m"},"message":{}}`, code: domain.CallbackCodeInvalidContext},
	}
	for _, tc := range cases {
		rec := env.do(t, http.MethodPost, tc.path, tc.body)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: callbacks always answer 200, got %d", tc.path, rec.Code)
		}
		ack := decodeAck(t, rec)
		if ack.IsAck() || ack.Error == nil || ack.Error.Code != tc.code || ack.Error.Type != "DOMAIN-ERROR" {
			t.Fatalf("%s: unexpected ack %+v", tc.path, ack)
		}
	}
}

func TestExchangeAndStatusPolling(t *testing.T) {
	env := newTestEnv(t, stubClient{ack: true}, stubIdentity{})

	rec := env.do(t, http.MethodGet, "/api/v1/select/txn-1/m-1", "")
	var result domain.ExchangeResult
	decodeData(t, rec, &result)
	if rec.Code != http.StatusOK || result.Found || result.HasResponse {
		t.Fatalf("unknown exchange should be a not-found view, got %d %+v", rec.Code, result)
	}

	body := `{"context":{"action":"on_select","transaction_id":"txn-1","message_id":"m-1","counterparty_id":"seller.example.com"},"message":{"order":{}}}`
	if rec := env.do(t, http.MethodPost, "/on_select", body); !decodeAck(t, rec).IsAck() {
		t.Fatalf("select callback should be acknowledged: %s", rec.Body.String())
	}
	rec = env.do(t, http.MethodGet, "/api/v1/select/txn-1/m-1", "")
	decodeData(t, rec, &result)
	if !result.Found || !result.HasResponse || !result.Complete {
		t.Fatalf("late select callback should be visible, got %+v", result)
	}

	status := `{"context":{"action":"on_status","transaction_id":"txn-1","message_id":"m-2"},"message":{"order":{"id":"order-1","state":"Accepted"}}}`
	if rec := env.do(t, http.MethodPost, "/on_status", status); !decodeAck(t, rec).IsAck() {
		t.Fatalf("status callback should be acknowledged: %s", rec.Body.String())
	}
	rec = env.do(t, http.MethodGet, "/api/v1/status/order-1", "")
	decodeData(t, rec, &result)
	if !result.HasResponse || result.Action != domain.ActionStatus {
		t.Fatalf("status should be readable by order id, got %+v", result)
	}
}

func TestInitiationErrorsAreMapped(t *testing.T) {
	env := newTestEnv(t, stubClient{ack: false}, stubIdentity{})

	if rec := env.do(t, http.MethodPost, "/api/v1/search", `{"message":{"intent":{}}}`); rec.Code != http.StatusBadGateway {
		t.Fatalf("nack: expected 502, got %d %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/select", `{"message":{}}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing counterparty: expected 400, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/search", `{"message":{},"unknown_field":1}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field: expected 400, got %d", rec.Code)
	}

	failing := newTestEnv(t, stubClient{err: &domain.ProtocolSendError{Source: domain.ErrorSourceGateway, StatusCode: 503}}, stubIdentity{})
	rec := failing.do(t, http.MethodPost, "/api/v1/search", `{"message":{"intent":{}}}`)
	if rec.Code != http.StatusBadGateway || !strings.Contains(rec.Body.String(), "PROTOCOL_SEND_FAILED") {
		t.Fatalf("send failure: expected 502 PROTOCOL_SEND_FAILED, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestOnSubscribeAndSiteVerification(t *testing.T) {
	env := newTestEnv(t, stubClient{ack: true}, stubIdentity{})

	rec := env.do(t, http.MethodPost, "/on_subscribe", `{"subscriber_id":"buyer.example.com","challenge":"Y2lwaGVy"}`)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"answer":"plain-answer"`) {
		t.Fatalf("on_subscribe: unexpected %d %s", rec.Code, rec.Body.String())
	}

	broken := newTestEnv(t, stubClient{ack: true}, stubIdentity{err: &domain.CryptoError{Op: "decrypt_challenge", Err: errors.New("bad padding")}})
	rec = broken.do(t, http.MethodPost, "/on_subscribe", `{"challenge":"Y2lwaGVy"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("crypto failure: expected 400, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "padding") {
		t.Fatalf("crypto details must not leak: %s", rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/ondc-site-verification.html", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "content='signed-request-id'") {
		t.Fatalf("verification page: unexpected %d %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("unexpected content type %q", ct)
	}
}

func TestSearchStreamOverSSE(t *testing.T) {
	env := newTestEnv(t, stubClient{ack: true}, stubIdentity{})
	server := httptest.NewServer(env.router)
	t.Cleanup(server.Close)

	if rec := env.do(t, http.MethodPost, "/api/v1/search", `{"transaction_id":"txn-sse","ttl":"PT1S","message":{"intent":{}}}`); rec.Code != http.StatusAccepted {
		t.Fatalf("initiate search: %d %s", rec.Code, rec.Body.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/v1/search/txn-sse/stream", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := server.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	var events []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			events = append(events, name)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		t.Fatalf("read stream: %v", err)
	}
	want := []string{"connected", "initial", "complete"}
	if strings.Join(events, ",") != strings.Join(want, ",") {
		t.Fatalf("expected events %v, got %v", want, events)
	}
}

func TestSearchStreamUnknownTransaction(t *testing.T) {
	env := newTestEnv(t, stubClient{ack: true}, stubIdentity{})

	rec := env.do(t, http.MethodGet, "/api/v1/search/nope/stream", "")
	body := rec.Body.String()
	if rec.Code != http.StatusOK || !strings.Contains(body, "event: error") || !strings.Contains(body, `"code":"not_found"`) {
		t.Fatalf("expected an error event, got %d %q", rec.Code, body)
	}
}

func TestRecoverMiddlewareNacksCallbacks(t *testing.T) {
	t.Parallel()
	panicking := recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	panicking.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/on_search", strings.NewReader("{}")))
	if rec.Code != http.StatusOK {
		t.Fatalf("callback panic: expected 200, got %d", rec.Code)
	}
	ack := decodeAck(t, rec)
	if ack.IsAck() || ack.Error == nil || ack.Error.Code != domain.CallbackCodeInternal {
		t.Fatalf("callback panic: expected NACK %s, got %+v", domain.CallbackCodeInternal, ack)
	}

	rec = httptest.NewRecorder()
	panicking.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/search", strings.NewReader("{}")))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("api panic: expected 500, got %d", rec.Code)
	}
}

func TestSwaggerDocs(t *testing.T) {
	env := newTestEnv(t, stubClient{ack: true}, stubIdentity{})

	rec := env.do(t, http.MethodGet, "/swagger/", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), openAPIPath) {
		t.Fatalf("swagger ui: unexpected %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, openAPIPath, "")
	if rec.Code != http.StatusOK || !strings.HasPrefix(rec.Body.String(), "openapi:") {
		t.Fatalf("openapi document: unexpected %d", rec.Code)
	}
}
