package handlers

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"maplebill/internal/engine"
	"maplebill/internal/types"
)

// mockVerifier implements external.WebhookVerifier for testing.
type mockVerifier struct {
	err        error
	gotPayload []byte
	gotSecret  string
}

func (m *mockVerifier) Verify(payload []byte, _ string, secret string) error {
	m.gotPayload = payload
	m.gotSecret = secret
	return m.err
}

// mockSink implements ProcessorEventSink for testing.
type mockSink struct {
	events []engine.ProcessorEvent
	err    *types.AppError
}

func (m *mockSink) HandleProcessorEvent(_ context.Context, event engine.ProcessorEvent) *types.AppError {
	m.events = append(m.events, event)
	return m.err
}

func newWebhookRouter(verifier *mockVerifier, sink *mockSink) chi.Router {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewWebhookHandler(verifier, sink, types.SecretString("whsec_test"), logger)

	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

const validEventBody = `{
	"id": "evt_1",
	"type": "payment_intent.payment_failed",
	"created": 1760000000,
	"data": {"object": {"id": "pi_77", "customer": "cus_9"}}
}`

func postWebhook(t *testing.T, router chi.Router, body string, withSignature bool) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/webhooks/processor", bytes.NewReader([]byte(body)))
	if withSignature {
		req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestWebhook_ValidEventReachesEngine(t *testing.T) {
	verifier := &mockVerifier{}
	sink := &mockSink{}
	router := newWebhookRouter(verifier, sink)

	w := postWebhook(t, router, validEventBody, true)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(sink.events) != 1 {
		t.Fatalf("expected 1 event handled, got %d", len(sink.events))
	}

	event := sink.events[0]
	if event.ID != "evt_1" {
		t.Errorf("expected event ID evt_1, got %q", event.ID)
	}
	if event.Type != "payment_intent.payment_failed" {
		t.Errorf("expected payment failed type, got %q", event.Type)
	}
	if event.CustomerRef != "cus_9" || event.PaymentRef != "pi_77" {
		t.Errorf("expected customer/payment refs extracted, got %+v", event)
	}
	if want := time.Unix(1760000000, 0).UTC(); !event.OccurredAt.Equal(want) {
		t.Errorf("expected OccurredAt %v, got %v", want, event.OccurredAt)
	}
	if verifier.gotSecret != "whsec_test" {
		t.Errorf("expected unmasked signing secret passed to verifier, got %q", verifier.gotSecret)
	}
}

func TestWebhook_MissingSignatureRejected(t *testing.T) {
	sink := &mockSink{}
	router := newWebhookRouter(&mockVerifier{}, sink)

	w := postWebhook(t, router, validEventBody, false)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without signature, got %d", w.Code)
	}
	if len(sink.events) != 0 {
		t.Error("unverified event must not reach the engine")
	}
}

func TestWebhook_BadSignatureRejected(t *testing.T) {
	sink := &mockSink{}
	router := newWebhookRouter(&mockVerifier{err: errors.New("signature mismatch")}, sink)

	w := postWebhook(t, router, validEventBody, true)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", w.Code)
	}
	if len(sink.events) != 0 {
		t.Error("unverified event must not reach the engine")
	}
}

func TestWebhook_MalformedJSONRejected(t *testing.T) {
	router := newWebhookRouter(&mockVerifier{}, &mockSink{})

	w := postWebhook(t, router, `{"id":`, true)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed JSON, got %d", w.Code)
	}
}

func TestWebhook_EngineFailureStillAcknowledged(t *testing.T) {
	sink := &mockSink{err: types.NewAppError(types.ErrCodeInternalDB, "tx failed", nil)}
	router := newWebhookRouter(&mockVerifier{}, sink)

	w := postWebhook(t, router, validEventBody, true)

	// The event stays unclaimed on failure; the provider retry redelivers.
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 despite engine failure, got %d", w.Code)
	}
}
