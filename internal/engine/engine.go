// Package engine implements the orchestration layer: the only code path that
// mutates a subscription. Each transition loads the aggregate inside a
// transaction, validates the move against the state machine, performs any
// processor call before the final commit phase, appends ledger entries,
// persists the new state under an optimistic version check, rebuilds the
// entitlement cache, and emits a domain event after commit.
//
// Payment-processor calls never run while a database transaction is open: the
// charge or refund happens first, against an idempotency key, and the local
// transaction follows. A conflict after a settled charge is safe to retry
// because the processor replays the same key without moving money twice.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"maplebill/internal/external"
	"maplebill/internal/ledger"
	"maplebill/internal/subscription"
	"maplebill/internal/types"
)

// TransitionDB defines the storage operations the engine needs outside a
// transaction. Pool-backed reads serve pre-validation and webhook routing;
// BeginTx opens the transactional view every mutation runs in.
type TransitionDB interface {
	// GetSubscription returns the aggregate for an account, or a
	// not_found_subscription error when the account has no row yet.
	GetSubscription(ctx context.Context, accountID string) (*types.Subscription, error)

	// FindLatestCharge returns the most recent successful payment for a
	// subscription, or (nil, nil) when it has never been charged.
	FindLatestCharge(ctx context.Context, subscriptionID string) (*types.BillingRecord, error)

	// ListTrialsEndingBefore returns trialing subscriptions whose window
	// closed before cutoff, for the sweep worker.
	ListTrialsEndingBefore(ctx context.Context, cutoff time.Time, limit int) ([]types.Subscription, error)

	// ListPastDueEndedBefore returns past-due subscriptions whose billing
	// period closed before cutoff, for the sweep worker.
	ListPastDueEndedBefore(ctx context.Context, cutoff time.Time, limit int) ([]types.Subscription, error)

	// PruneProcessorEvents deletes webhook dedup rows older than cutoff.
	PruneProcessorEvents(ctx context.Context, cutoff time.Time) (int64, error)

	// BeginTx starts a transaction. The returned TransitionTx must be
	// committed or rolled back by the caller.
	BeginTx(ctx context.Context) (TransitionTx, error)
}

// TransitionTx defines the operations available inside one open transaction.
// It embeds ledger.Store so a Ledger can be bound directly to the
// transaction, making billing writes atomic with the state change that
// triggered them.
type TransitionTx interface {
	ledger.Store

	// GetSubscription re-reads the aggregate inside the transaction. Every
	// transition validates against this read, never a cached copy.
	GetSubscription(ctx context.Context, accountID string) (*types.Subscription, error)

	// GetSubscriptionByProcessorRef routes a processor webhook back to the
	// owning aggregate by external customer reference.
	GetSubscriptionByProcessorRef(ctx context.Context, externalRef string) (*types.Subscription, error)

	// CreateSubscription inserts a new aggregate at version 1.
	CreateSubscription(ctx context.Context, sub *types.Subscription) error

	// UpdateSubscription persists the aggregate under its optimistic version
	// predicate. A concurrent writer surfaces as
	// conflict_concurrent_modification.
	UpdateSubscription(ctx context.Context, sub *types.Subscription) error

	// FindLatestCharge is the transactional twin of TransitionDB's read.
	FindLatestCharge(ctx context.Context, subscriptionID string) (*types.BillingRecord, error)

	// ReplaceFeatureAccess rebuilds the derived entitlement rows for an
	// account from the records just resolved.
	ReplaceFeatureAccess(ctx context.Context, accountID string, records []types.FeatureAccessRecord) error

	// MarkEventProcessed claims a processor event id. Returns false when the
	// event was already claimed by an earlier delivery.
	MarkEventProcessed(ctx context.Context, eventID, eventType string, occurredAt time.Time) (bool, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// AccessResolver computes the entitlement rows derived from a subscription.
type AccessResolver interface {
	Resolve(sub *types.Subscription, now time.Time) []types.FeatureAccessRecord
}

// EventPublisher delivers domain events to downstream consumers after a
// transition commits. Publish failures are logged and swallowed; the
// committed state is already authoritative.
type EventPublisher interface {
	Publish(ctx context.Context, event types.DomainEvent) error
}

// TransitionMetrics records one counter increment per transition outcome.
type TransitionMetrics interface {
	RecordTransition(ctx context.Context, op, outcome string)
}

// Transition outcomes recorded per operation.
const (
	OutcomeAccepted          = "accepted"
	OutcomeInvalidTransition = "invalid_transition"
	OutcomePaymentDeclined   = "payment_declined"
	OutcomeConflict          = "conflict"
	OutcomeError             = "error"
)

// Config wires a Service. Events and Metrics may be nil; they default to
// no-ops so tests and local tools can omit them.
type Config struct {
	DB        TransitionDB
	Plans     subscription.PlanRegistry
	Resolver  AccessResolver
	Processor external.PaymentProcessor
	Events    EventPublisher
	Metrics   TransitionMetrics
	Logger    *slog.Logger
}

// Service sequences subscription transitions. Safe for concurrent use; all
// per-request state lives on the stack.
type Service struct {
	db        TransitionDB
	plans     subscription.PlanRegistry
	resolver  AccessResolver
	processor external.PaymentProcessor
	events    EventPublisher
	metrics   TransitionMetrics
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// New creates the orchestration service.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	events := cfg.Events
	if events == nil {
		events = noopPublisher{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Service{
		db:        cfg.DB,
		plans:     cfg.Plans,
		resolver:  cfg.Resolver,
		processor: cfg.Processor,
		events:    events,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// GetSubscription returns the current aggregate for an account.
func (s *Service) GetSubscription(ctx context.Context, accountID string) (*types.Subscription, *types.AppError) {
	sub, err := s.db.GetSubscription(ctx, accountID)
	if err != nil {
		return nil, asAppError(err)
	}
	return sub, nil
}

// newSubscription builds a fresh FREE aggregate for an account that has no
// row yet. Persisted only once a transition out of FREE commits.
func (s *Service) newSubscription(accountID string) *types.Subscription {
	now := s.now().UTC()
	return &types.Subscription{
		ID:        s.newID(),
		AccountID: accountID,
		Tier:      types.TierFree,
		Status:    types.StatusFree,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// loadOrNew reads the aggregate inside the transaction, synthesizing a FREE
// one when the account has no row. The second return reports whether the
// aggregate must be created rather than updated.
func (s *Service) loadOrNew(ctx context.Context, tx TransitionTx, accountID string) (*types.Subscription, bool, *types.AppError) {
	sub, err := tx.GetSubscription(ctx, accountID)
	if err != nil {
		if isCode(err, types.ErrCodeNotFoundSubscription) {
			return s.newSubscription(accountID), true, nil
		}
		return nil, false, asAppError(err)
	}
	return sub, false, nil
}

// persist writes the aggregate and rebuilds its entitlement rows. Called
// after the state-machine mutation so the cached rows carry the committed
// version.
func (s *Service) persist(ctx context.Context, tx TransitionTx, sub *types.Subscription, create bool) *types.AppError {
	var err error
	if create {
		err = tx.CreateSubscription(ctx, sub)
	} else {
		err = tx.UpdateSubscription(ctx, sub)
	}
	if err != nil {
		return asAppError(err)
	}
	records := s.resolver.Resolve(sub, s.now().UTC())
	if err := tx.ReplaceFeatureAccess(ctx, sub.AccountID, records); err != nil {
		return asAppError(err)
	}
	return nil
}

// emit publishes a domain event for a committed transition. Failures are
// logged, never surfaced: the commit already happened.
func (s *Service) emit(ctx context.Context, eventType types.EventType, sub *types.Subscription) {
	event := types.DomainEvent{
		ID:             s.newID(),
		Type:           eventType,
		AccountID:      sub.AccountID,
		SubscriptionID: sub.ID,
		Tier:           sub.Tier,
		Status:         sub.Status,
		OccurredAt:     s.now().UTC(),
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish domain event",
			"event_type", string(eventType),
			"account_id", sub.AccountID,
			"error", err,
		)
	}
}

// record classifies the operation outcome and increments its counter.
func (s *Service) record(ctx context.Context, op string, appErr *types.AppError) {
	s.metrics.RecordTransition(ctx, op, outcomeFor(appErr))
}

func outcomeFor(appErr *types.AppError) string {
	switch {
	case appErr == nil:
		return OutcomeAccepted
	case appErr.Code == types.ErrCodeInvalidTransition:
		return OutcomeInvalidTransition
	case appErr.Code == types.ErrCodePaymentDeclined:
		return OutcomePaymentDeclined
	case appErr.Code == types.ErrCodeConflictConcurrent,
		appErr.Code == types.ErrCodeConflictIdempotency:
		return OutcomeConflict
	default:
		return OutcomeError
	}
}

// validProvince reports whether the code names one of the 13 supported
// jurisdictions. There is no default province.
func validProvince(province types.ProvinceCode) bool {
	return slices.Contains(types.AllProvinces, province)
}

func asAppError(err error) *types.AppError {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return types.NewAppError(types.ErrCodeInternalUnexpected, "unexpected error", err)
}

func isCode(err error, code types.ErrorCode) bool {
	var appErr *types.AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, types.DomainEvent) error { return nil }

type noopMetrics struct{}

func (noopMetrics) RecordTransition(context.Context, string, string) {}
