// Package handlers contains the HTTP handler implementations for the
// MapleBill API.
//
// This file implements the subscription lifecycle endpoints: mutations
// (trial, subscribe, plan change, cancel, reactivate) and reads (current
// subscription, feature access, billing history).
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"maplebill/internal/core"
	"maplebill/internal/engine"
	"maplebill/internal/normalize"
	"maplebill/internal/types"
)

// IdempotencyKeyHeader carries the caller-supplied idempotency key on
// money-moving mutations.
const IdempotencyKeyHeader = "Idempotency-Key"

// --- Service Interfaces ---
//
// Defined locally and injected via the constructor so tests can mock the
// engine without a database.

// SubscriptionEngine is the transition surface of the lifecycle engine.
type SubscriptionEngine interface {
	GetSubscription(ctx context.Context, accountID string) (*types.Subscription, *types.AppError)
	StartTrial(ctx context.Context, accountID string, tier types.Tier, province types.ProvinceCode) (*types.Subscription, *types.AppError)
	Subscribe(ctx context.Context, p engine.SubscribeParams) (*types.Subscription, *types.BillingRecord, *types.AppError)
	ChangePlan(ctx context.Context, accountID string, newTier types.Tier, idempotencyKey string) (*types.Subscription, *types.BillingRecord, *types.AppError)
	Cancel(ctx context.Context, accountID string, reason types.CancelReason, idempotencyKey string) (*types.Subscription, *types.BillingRecord, *types.AppError)
	Reactivate(ctx context.Context, accountID, idempotencyKey string) (*types.Subscription, *types.BillingRecord, *types.AppError)
}

// EntitlementChecker answers feature gate queries.
type EntitlementChecker interface {
	Check(ctx context.Context, accountID, featureKey string, now time.Time) (types.AccessLevel, *types.AppError)
}

// BillingHistoryReader pages through the append-only billing ledger.
type BillingHistoryReader interface {
	History(ctx context.Context, subscriptionID string, page, pageSize int) ([]types.BillingRecord, *types.PageInfo, *types.AppError)
}

// --- Request/Response Models ---

// TrialRequest is the body for POST /v1/subscription/trial.
type TrialRequest struct {
	Tier     string `json:"tier" validate:"required,tier"`
	Province string `json:"province" validate:"required,province"`
}

// SubscribeRequest is the body for POST /v1/subscription/subscribe.
// Province is optional when the account already has one on file.
type SubscribeRequest struct {
	Tier     string `json:"tier" validate:"required,tier"`
	Province string `json:"province" validate:"omitempty,province"`
	Email    string `json:"email" validate:"omitempty,email"`
}

// ChangePlanRequest is the body for POST /v1/subscription/plan.
type ChangePlanRequest struct {
	Tier string `json:"tier" validate:"required,tier"`
}

// CancelRequest is the body for POST /v1/subscription/cancel.
// Reason is optional; it defaults to a user-initiated cancellation.
type CancelRequest struct {
	Reason string `json:"reason" validate:"omitempty,oneof=user_request payment_failure"`
}

// MutationResult is the data payload for every lifecycle mutation. Expected
// business failures (guard rejections, payment declines) come back with
// Success=false and an embedded error rather than a bare error envelope, so
// clients handle one shape for both outcomes.
type MutationResult struct {
	Success       bool                 `json:"success"`
	Subscription  *types.Subscription  `json:"subscription,omitempty"`
	BillingRecord *types.BillingRecord `json:"billing_record,omitempty"`
	Error         *core.ErrorDetail    `json:"error,omitempty"`
}

// FeatureAccessResponse is the response for GET /v1/subscription/features/{featureKey}.
type FeatureAccessResponse struct {
	FeatureKey  string            `json:"feature_key"`
	AccessLevel types.AccessLevel `json:"access_level"`
}

// --- Subscription Handler ---

// SubscriptionHandler handles all subscription lifecycle endpoints.
type SubscriptionHandler struct {
	engine    SubscriptionEngine
	gates     EntitlementChecker
	history   BillingHistoryReader
	validator *core.Validator
	logger    *slog.Logger
	now       func() time.Time
}

// NewSubscriptionHandler creates a SubscriptionHandler with the provided
// dependencies. logger may be nil.
func NewSubscriptionHandler(
	eng SubscriptionEngine,
	gates EntitlementChecker,
	history BillingHistoryReader,
	v *core.Validator,
	l *slog.Logger,
) *SubscriptionHandler {
	if l == nil {
		l = slog.Default()
	}
	return &SubscriptionHandler{
		engine:    eng,
		gates:     gates,
		history:   history,
		validator: v,
		logger:    l,
		now:       time.Now,
	}
}

// RegisterRoutes mounts the subscription endpoints. All routes require a
// resolved account identity.
func (h *SubscriptionHandler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(core.IdentityMiddleware)

		r.Post("/subscription/trial", h.StartTrial)
		r.Post("/subscription/subscribe", h.Subscribe)
		r.Post("/subscription/plan", h.ChangePlan)
		r.Post("/subscription/cancel", h.Cancel)
		r.Post("/subscription/reactivate", h.Reactivate)

		r.Get("/subscription", h.GetSubscription)
		r.Get("/subscription/features/{featureKey}", h.CheckFeature)
		r.Get("/subscription/billing-history", h.GetBillingHistory)
	})
}

// StartTrial handles POST /v1/subscription/trial.
func (h *SubscriptionHandler) StartTrial(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireAccount(w, r)
	if !ok {
		return
	}

	var req TrialRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	tier, warnings := normalizeTier(req.Tier)
	req.Tier = string(tier)
	req.Province = normalizeProvince(req.Province)

	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	sub, appErr := h.engine.StartTrial(r.Context(), accountID, tier, types.ProvinceCode(req.Province))
	h.writeMutation(w, r, sub, nil, appErr, warnings)
}

// Subscribe handles POST /v1/subscription/subscribe. The Idempotency-Key
// header is required; the engine rejects the call without one.
func (h *SubscriptionHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireAccount(w, r)
	if !ok {
		return
	}

	var req SubscribeRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	tier, warnings := normalizeTier(req.Tier)
	req.Tier = string(tier)
	req.Province = normalizeProvince(req.Province)

	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	sub, rec, appErr := h.engine.Subscribe(r.Context(), engine.SubscribeParams{
		AccountID:      accountID,
		Tier:           tier,
		Province:       types.ProvinceCode(req.Province),
		Email:          req.Email,
		IdempotencyKey: r.Header.Get(IdempotencyKeyHeader),
	})
	h.writeMutation(w, r, sub, rec, appErr, warnings)
}

// ChangePlan handles POST /v1/subscription/plan.
func (h *SubscriptionHandler) ChangePlan(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireAccount(w, r)
	if !ok {
		return
	}

	var req ChangePlanRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	tier, warnings := normalizeTier(req.Tier)
	req.Tier = string(tier)

	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	sub, rec, appErr := h.engine.ChangePlan(r.Context(), accountID, tier, r.Header.Get(IdempotencyKeyHeader))
	h.writeMutation(w, r, sub, rec, appErr, warnings)
}

// Cancel handles POST /v1/subscription/cancel. The body is optional; an
// empty body cancels with the default user-request reason.
func (h *SubscriptionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireAccount(w, r)
	if !ok {
		return
	}

	var req CancelRequest
	if r.ContentLength > 0 {
		if err := core.DecodeJSON(w, r, &req); err != nil {
			core.Error(w, r, err)
			return
		}
		if err := h.validator.ValidateStruct(req); err != nil {
			core.Error(w, r, err)
			return
		}
	}

	sub, rec, appErr := h.engine.Cancel(r.Context(), accountID,
		types.CancelReason(req.Reason), r.Header.Get(IdempotencyKeyHeader))
	h.writeMutation(w, r, sub, rec, appErr, nil)
}

// Reactivate handles POST /v1/subscription/reactivate. No body; the grace
// window and prior tier are derived from the canceled subscription.
func (h *SubscriptionHandler) Reactivate(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireAccount(w, r)
	if !ok {
		return
	}

	sub, rec, appErr := h.engine.Reactivate(r.Context(), accountID, r.Header.Get(IdempotencyKeyHeader))
	h.writeMutation(w, r, sub, rec, appErr, nil)
}

// GetSubscription handles GET /v1/subscription.
func (h *SubscriptionHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireAccount(w, r)
	if !ok {
		return
	}

	sub, appErr := h.engine.GetSubscription(r.Context(), accountID)
	if appErr != nil {
		core.Error(w, r, appErr)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: sub})
}

// CheckFeature handles GET /v1/subscription/features/{featureKey}. The
// resolver fails closed: any internal error answers NONE with a 200 so
// callers gate on the access level alone.
func (h *SubscriptionHandler) CheckFeature(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireAccount(w, r)
	if !ok {
		return
	}

	featureKey := chi.URLParam(r, "featureKey")
	if featureKey == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"feature key is required",
			nil,
		))
		return
	}

	level, appErr := h.gates.Check(r.Context(), accountID, featureKey, h.now().UTC())
	if appErr != nil {
		// Unknown feature is the caller's mistake; everything else has
		// already been degraded to NONE by the resolver.
		core.Error(w, r, appErr)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: FeatureAccessResponse{FeatureKey: featureKey, AccessLevel: level},
	})
}

// GetBillingHistory handles GET /v1/subscription/billing-history.
// Pagination defaults: page 1, page_size 20 (max 100).
func (h *SubscriptionHandler) GetBillingHistory(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireAccount(w, r)
	if !ok {
		return
	}

	page, pageSize, appErr := parsePagination(r)
	if appErr != nil {
		core.Error(w, r, appErr)
		return
	}

	sub, appErr := h.engine.GetSubscription(r.Context(), accountID)
	if appErr != nil {
		core.Error(w, r, appErr)
		return
	}

	records, pageInfo, appErr := h.history.History(r.Context(), sub.ID, page, pageSize)
	if appErr != nil {
		core.Error(w, r, appErr)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: records,
		Meta: &types.ResponseMeta{Pagination: pageInfo},
	})
}

// --- Helpers ---

// requireAccount extracts the resolved account from the context. The identity
// middleware guarantees it on registered routes; the guard remains for
// handlers mounted without it.
func requireAccount(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := types.GetIdentity(r.Context())
	if !ok || id.AccountID == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthAccountMissing,
			"no authenticated account on request",
			nil,
		))
		return "", false
	}
	return id.AccountID, true
}

// normalizeTier resolves raw tier input to its canonical form, collecting a
// drift warning when a non-canonical spelling was accepted. Unrecognized
// values pass through unchanged so validation reports them.
func normalizeTier(raw string) (types.Tier, []string) {
	res := normalize.Tiers.Normalize(raw, types.Tier(raw))
	if res.UsedFallback {
		return types.Tier(raw), nil
	}
	if string(res.Value) != raw {
		return res.Value, []string{"tier normalized from " + strconv.Quote(raw)}
	}
	return res.Value, nil
}

// normalizeProvince canonicalizes province input to the uppercase two-letter
// form; validation decides whether the result is a supported jurisdiction.
func normalizeProvince(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// parsePagination reads page and page_size query parameters, applying
// defaults and enforcing bounds.
func parsePagination(r *http.Request) (page, pageSize int, appErr *types.AppError) {
	page, pageSize = 1, defaultPageSize

	if raw := r.URL.Query().Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return 0, 0, types.NewAppErrorWithDetails(
				types.ErrCodeValidationInvalidPage,
				"page must be a positive integer",
				err,
				map[string]any{"page": raw},
			)
		}
		page = n
	}

	if raw := r.URL.Query().Get("page_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxPageSize {
			return 0, 0, types.NewAppErrorWithDetails(
				types.ErrCodeValidationInvalidPage,
				"page_size must be between 1 and 100",
				err,
				map[string]any{"page_size": raw},
			)
		}
		pageSize = n
	}

	return page, pageSize, nil
}

// writeMutation renders a lifecycle mutation outcome.
//
// Success shape:   {data: {success: true, subscription, billing_record}}
// Business fail:   {data: {success: false, error}} with the AppError's status
// Internal fail:   standard error envelope with 5xx
func (h *SubscriptionHandler) writeMutation(
	w http.ResponseWriter,
	r *http.Request,
	sub *types.Subscription,
	rec *types.BillingRecord,
	appErr *types.AppError,
	warnings []string,
) {
	var meta *types.ResponseMeta
	if len(warnings) > 0 {
		meta = &types.ResponseMeta{Warnings: warnings}
	}

	if appErr == nil {
		core.JSON(w, r, http.StatusOK, core.APIResponse{
			Data: MutationResult{Success: true, Subscription: sub, BillingRecord: rec},
			Meta: meta,
		})
		return
	}

	status := appErr.HTTPStatus()
	if status >= http.StatusInternalServerError {
		core.Error(w, r, appErr)
		return
	}

	core.JSON(w, r, status, core.APIResponse{
		Data: MutationResult{
			Success: false,
			Error: &core.ErrorDetail{
				Code:      string(appErr.Code),
				Message:   appErr.Message,
				Details:   appErr.Details,
				RequestID: types.GetRequestID(r.Context()),
			},
		},
		Meta: meta,
	})
}
