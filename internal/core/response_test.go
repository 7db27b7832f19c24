package core

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"maplebill/internal/types"
)

// --- JSON helper tests ---

func TestJSON_Success(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	JSON(w, r, http.StatusOK, APIResponse{Data: map[string]string{"tier": "STANDARD"}})

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %q", ct)
	}

	var body APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	dataMap, ok := body.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("expected data to be a map, got %T", body.Data)
	}
	if dataMap["tier"] != "STANDARD" {
		t.Errorf("expected tier=STANDARD, got %v", dataMap["tier"])
	}
}

func TestJSON_MarshalFailure(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r = r.WithContext(types.WithRequestID(r.Context(), "req-marshal-fail"))

	// Channels cannot be marshalled to JSON.
	JSON(w, r, http.StatusOK, make(chan int))

	resp := w.Result()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", resp.StatusCode)
	}

	var body APIErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode fallback response: %v", err)
	}
	if body.Error.RequestID != "req-marshal-fail" {
		t.Errorf("expected request ID propagated, got %q", body.Error.RequestID)
	}
}

// --- Error writer tests ---

func TestError_AppError_PaymentDeclined(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/subscription/subscribe", nil)
	r = r.WithContext(types.WithRequestID(r.Context(), "req-1"))

	err := types.NewAppErrorWithDetails(
		types.ErrCodePaymentDeclined,
		"payment was declined",
		nil,
		map[string]any{"failure_reason": "insufficient_funds"},
	)
	Error(w, r, err)

	resp := w.Result()
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Errorf("expected status 402, got %d", resp.StatusCode)
	}

	var body APIErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Error.Code != string(types.ErrCodePaymentDeclined) {
		t.Errorf("expected code payment_declined, got %q", body.Error.Code)
	}
	if body.Error.Details["failure_reason"] != "insufficient_funds" {
		t.Errorf("expected failure_reason in details, got %v", body.Error.Details)
	}
	if body.Error.RequestID != "req-1" {
		t.Errorf("expected request ID req-1, got %q", body.Error.RequestID)
	}
}

func TestError_WrappedAppError(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/subscription", nil)

	inner := types.NewAppError(types.ErrCodeNotFoundSubscription, "no subscription for account", nil)
	Error(w, r, errors.New("handler: "+inner.Error()))

	// A stringified AppError is a generic error; only a wrapped one maps.
	resp := w.Result()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected status 500 for generic error, got %d", resp.StatusCode)
	}
}

func TestError_GenericErrorDoesNotLeak(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	Error(w, r, errors.New("pgx: connection refused to 10.0.0.5"))

	resp := w.Result()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", resp.StatusCode)
	}

	var body APIErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if strings.Contains(body.Error.Message, "10.0.0.5") {
		t.Errorf("internal error detail leaked to client: %q", body.Error.Message)
	}
	if body.Error.Code != string(types.ErrCodeInternalUnexpected) {
		t.Errorf("expected code internal_unexpected_error, got %q", body.Error.Code)
	}
}

// --- DecodeJSON tests ---

type decodeTarget struct {
	Tier     string `json:"tier"`
	Province string `json:"province"`
}

func TestDecodeJSON_Success(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"tier":"PREMIUM","province":"BC"}`))

	var dst decodeTarget
	if err := DecodeJSON(w, r, &dst); err != nil {
		t.Fatalf("DecodeJSON returned error: %v", err)
	}
	if dst.Tier != "PREMIUM" || dst.Province != "BC" {
		t.Errorf("decoded %+v, want tier PREMIUM province BC", dst)
	}
}

func TestDecodeJSON_UnknownField(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"tier":"PREMIUM","plan":"x"}`))

	var dst decodeTarget
	err := DecodeJSON(w, r, &dst)
	if err == nil {
		t.Fatal("expected error for unknown field")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T", err)
	}
	if appErr.Code != errCodeValidationInvalidJSON {
		t.Errorf("expected validation_invalid_json, got %q", appErr.Code)
	}
	if !strings.Contains(appErr.Message, "plan") {
		t.Errorf("expected the unknown field to be named, got %q", appErr.Message)
	}
}

func TestDecodeJSON_EmptyBody(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))

	var dst decodeTarget
	err := DecodeJSON(w, r, &dst)
	if err == nil {
		t.Fatal("expected error for empty body")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T", err)
	}
	if !strings.Contains(appErr.Message, "empty") {
		t.Errorf("expected empty-body message, got %q", appErr.Message)
	}
}

func TestDecodeJSON_TypeMismatch(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"tier":42}`))

	var dst decodeTarget
	err := DecodeJSON(w, r, &dst)
	if err == nil {
		t.Fatal("expected error for type mismatch")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T", err)
	}
	if appErr.Details["field"] != "tier" {
		t.Errorf("expected field=tier in details, got %v", appErr.Details)
	}
}

func TestDecodeJSON_MultipleJSONValues(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"tier":"FREE"}{"tier":"PREMIUM"}`))

	var dst decodeTarget
	if err := DecodeJSON(w, r, &dst); err == nil {
		t.Fatal("expected error for multiple JSON values")
	}
}

func TestDecodeJSON_ExceedsMaxSize(t *testing.T) {
	w := httptest.NewRecorder()
	big := `{"tier":"` + strings.Repeat("A", maxRequestBodySize) + `"}`
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(big))

	var dst decodeTarget
	err := DecodeJSON(w, r, &dst)
	if err == nil {
		t.Fatal("expected error for oversized body")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T", err)
	}
	if !strings.Contains(appErr.Message, "1MB") {
		t.Errorf("expected size-limit message, got %q", appErr.Message)
	}
}
