package types

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// All services and handlers MUST use these constants instead of hardcoded strings.
const (
	// Validation (400) -- rejected before any side effect.
	ErrCodeValidationInvalidProvince ErrorCode = "validation_invalid_province"
	ErrCodeValidationInvalidTier     ErrorCode = "validation_invalid_tier"
	ErrCodeValidationInvalidAmount   ErrorCode = "validation_invalid_amount"
	ErrCodeValidationMissingField    ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidPage     ErrorCode = "validation_invalid_pagination"

	// Auth (401) -- the engine consumes a resolved identity; these fire when
	// the transport failed to provide one.
	ErrCodeAuthAccountMissing ErrorCode = "auth_account_missing"
	ErrCodeAuthSignature      ErrorCode = "auth_invalid_signature"

	// State machine (409) -- rejected before any side effect.
	ErrCodeInvalidTransition ErrorCode = "invalid_state_transition"

	// Not Found (404)
	ErrCodeNotFoundSubscription ErrorCode = "not_found_subscription"
	ErrCodeNotFoundFeature      ErrorCode = "not_found_feature"

	// Conflict (409)
	ErrCodeConflictConcurrent  ErrorCode = "conflict_concurrent_modification"
	ErrCodeConflictIdempotency ErrorCode = "conflict_idempotency_mismatch"

	// Payment (402)
	ErrCodePaymentDeclined ErrorCode = "payment_declined"

	// Upstream (502) -- processor timeout or outage; retryable by the caller.
	ErrCodeUpstreamProcessor   ErrorCode = "upstream_processor_unavailable"
	ErrCodeUpstreamRateLimited ErrorCode = "upstream_rate_limited"

	// Internal (500)
	ErrCodeInternalDB         ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized
	case c == ErrCodeInvalidTransition:
		return http.StatusConflict
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict
	case c == ErrCodePaymentDeclined:
		return http.StatusPaymentRequired
	case c == ErrCodeUpstreamRateLimited:
		return http.StatusTooManyRequests
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a caller may safely retry the failed operation.
// Concurrency conflicts require a re-fetch first; upstream outages require
// backoff. Nothing money-moving is retried without an idempotency key.
func (c ErrorCode) Retryable() bool {
	switch c {
	case ErrCodeConflictConcurrent, ErrCodeUpstreamProcessor, ErrCodeUpstreamRateLimited:
		return true
	default:
		return false
	}
}

// AppError is the standard application error type used throughout the engine.
// All domain and handler errors are expressed as AppError to enable consistent
// error formatting, HTTP status mapping, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// Retryable reports whether a caller may safely retry, per the error's code.
func (e *AppError) Retryable() bool {
	return e.Code.Retryable()
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error. This is the standard constructor for domain errors.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// NewInvalidTransitionError builds the standard error for a rejected state
// machine transition. It always names the current state, the attempted
// transition, and the set of transitions allowed from the current state so
// callers never have to guess why a request was rejected.
func NewInvalidTransitionError(current SubscriptionStatus, attempted string, allowed []string) *AppError {
	return NewAppErrorWithDetails(
		ErrCodeInvalidTransition,
		fmt.Sprintf("cannot %s from %s", attempted, current),
		nil,
		map[string]any{
			"current_status": string(current),
			"attempted":      attempted,
			"allowed":        allowed,
		},
	)
}
