// This file implements the payment processor webhook handler.
//
// The endpoint is NOT behind the identity middleware -- it is called directly
// by the processor. Security is provided by verifying the Stripe-Signature
// header using HMAC-SHA256 before any payload field is trusted.
package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"maplebill/internal/core"
	"maplebill/internal/engine"
	"maplebill/internal/external"
	"maplebill/internal/types"
)

// maxWebhookBodySize is the maximum allowed processor webhook payload (64 KB).
// Processor payloads are small; the limit protects against abuse.
const maxWebhookBodySize = 64 * 1024

// ProcessorEventSink consumes verified processor events. Implemented by the
// lifecycle engine; events are deduplicated and applied through guarded
// transitions there, never here.
type ProcessorEventSink interface {
	HandleProcessorEvent(ctx context.Context, event engine.ProcessorEvent) *types.AppError
}

// WebhookHandler handles asynchronous events from the payment processor.
type WebhookHandler struct {
	verifier external.WebhookVerifier
	sink     ProcessorEventSink
	secret   types.SecretString
	logger   *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler. logger may be nil.
func NewWebhookHandler(
	verifier external.WebhookVerifier,
	sink ProcessorEventSink,
	secret types.SecretString,
	logger *slog.Logger,
) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		verifier: verifier,
		sink:     sink,
		secret:   secret,
		logger:   logger,
	}
}

// RegisterRoutes mounts the processor webhook endpoint. Kept separate from
// SubscriptionHandler.RegisterRoutes because webhook routes carry no caller
// identity.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/processor", h.Handle)
}

// processorEventPayload is the minimal slice of the processor's event JSON
// the engine needs. Everything else in the payload is ignored.
type processorEventPayload struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object struct {
			ID       string `json:"id"`
			Customer string `json:"customer"`
		} `json:"object"`
	} `json:"data"`
}

// Handle processes an incoming processor webhook delivery.
//
//  1. Reads the raw body with a size limit.
//  2. Verifies the Stripe-Signature header against the signing secret.
//  3. Parses the event envelope.
//  4. Hands the event to the engine.
//  5. Returns 200 even when internal processing fails: the failure is logged
//     and the event stays unclaimed, so the provider's retry redelivers it.
//     Only verification failures are rejected, since an unverified payload
//     must never be acknowledged.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read webhook body", "error", err)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"failed to read request body",
			err,
		))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		h.logger.WarnContext(r.Context(), "missing webhook signature header")
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthSignature,
			"missing webhook signature header",
			nil,
		))
		return
	}

	if err := h.verifier.Verify(payload, sigHeader, h.secret.Unmask()); err != nil {
		h.logger.WarnContext(r.Context(), "webhook signature verification failed", "error", err)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthSignature,
			"webhook signature verification failed",
			err,
		))
		return
	}

	var raw processorEventPayload
	if err := json.Unmarshal(payload, &raw); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to parse webhook event JSON", "error", err)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"invalid webhook event JSON",
			err,
		))
		return
	}

	event := engine.ProcessorEvent{
		ID:          raw.ID,
		Type:        raw.Type,
		OccurredAt:  time.Unix(raw.Created, 0).UTC(),
		CustomerRef: raw.Data.Object.Customer,
		PaymentRef:  raw.Data.Object.ID,
	}

	h.logger.InfoContext(r.Context(), "processing processor webhook event",
		"event_id", event.ID,
		"event_type", event.Type,
	)

	if appErr := h.sink.HandleProcessorEvent(r.Context(), event); appErr != nil {
		h.logger.ErrorContext(r.Context(), "webhook event processing failed",
			"event_id", event.ID,
			"event_type", event.Type,
			"error", appErr,
		)
		// Acknowledge anyway. A failed transition leaves the event
		// unclaimed, so the provider retry will redeliver it; rejecting
		// here would only add a duplicate retry loop.
	}

	w.WriteHeader(http.StatusOK)
}
