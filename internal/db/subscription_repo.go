package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"maplebill/internal/types"
)

// SubscriptionRepository provides data access for the subscriptions table.
//
// Key invariants:
//   - UpdateWithVersion uses optimistic locking via the version column; a
//     concurrent writer loses with a conflict, never a silent overwrite.
//   - Writes are rejected for accounts flagged pending_deletion so a purged
//     account can never be billed again (zombie-billing guard).
type SubscriptionRepository struct {
	db     DBTX
	logger *slog.Logger
}

// NewSubscriptionRepository creates a repository backed by the given database
// connection (pool or transaction). logger may be nil.
func NewSubscriptionRepository(db DBTX, logger *slog.Logger) *SubscriptionRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionRepository{db: db, logger: logger}
}

// subColumns is the standard column set for subscription queries. Used
// consistently across all query methods to avoid column drift.
const subColumns = `s.id, s.account_id, s.tier, s.status,
	s.trial_start, s.trial_end, s.current_period_start, s.current_period_end,
	s.billing_province, s.external_customer_ref, s.canceled_at, s.cancel_reason,
	s.had_trial, s.pending_deletion, s.version, s.created_at, s.updated_at`

// scanSubscription scans a row in subColumns order.
func scanSubscription(row pgx.Row) (*types.Subscription, error) {
	var sub types.Subscription
	var externalRef, cancelReason *string

	err := row.Scan(
		&sub.ID,
		&sub.AccountID,
		&sub.Tier,
		&sub.Status,
		&sub.TrialStart,
		&sub.TrialEnd,
		&sub.CurrentPeriodStart,
		&sub.CurrentPeriodEnd,
		&sub.BillingProvince,
		&externalRef,
		&sub.CanceledAt,
		&cancelReason,
		&sub.HadTrial,
		&sub.PendingDeletion,
		&sub.Version,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if externalRef != nil {
		sub.ExternalCustomerRef = *externalRef
	}
	if cancelReason != nil {
		sub.CancelReason = types.CancelReason(*cancelReason)
	}
	return &sub, nil
}

// GetByAccount retrieves the subscription for an account. There is at most
// one row per account. Returns ErrCodeNotFoundSubscription when absent.
func (r *SubscriptionRepository) GetByAccount(ctx context.Context, accountID string) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subColumns+`
		 FROM subscriptions s
		 WHERE s.account_id = $1`,
		accountID,
	)

	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve subscription", err)
	}
	return sub, nil
}

// GetByExternalRef retrieves a subscription by its payment-processor customer
// reference. Used to route processor webhooks back to the aggregate.
func (r *SubscriptionRepository) GetByExternalRef(ctx context.Context, externalRef string) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subColumns+`
		 FROM subscriptions s
		 WHERE s.external_customer_ref = $1`,
		externalRef,
	)

	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "no subscription for external reference", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve subscription", err)
	}
	return sub, nil
}

// Create inserts a new subscription row at version 1. The caller must set the
// ID and required fields. Fails on the unique account_id constraint if the
// account already has a subscription.
func (r *SubscriptionRepository) Create(ctx context.Context, sub *types.Subscription) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO subscriptions (id, account_id, tier, status,
		 trial_start, trial_end, current_period_start, current_period_end,
		 billing_province, external_customer_ref, canceled_at, cancel_reason,
		 had_trial, pending_deletion, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 1, NOW(), NOW())`,
		sub.ID,
		sub.AccountID,
		sub.Tier,
		sub.Status,
		sub.TrialStart,
		sub.TrialEnd,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.BillingProvince,
		nilIfEmpty(sub.ExternalCustomerRef),
		sub.CanceledAt,
		nilIfEmpty(string(sub.CancelReason)),
		sub.HadTrial,
		sub.PendingDeletion,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create subscription", err)
	}
	sub.Version = 1
	return nil
}

// UpdateWithVersion persists a mutated aggregate with optimistic locking.
//
// Invariants enforced:
//  1. Zombie check: fails if the row is flagged pending_deletion. Logs a
//     PD_BILLING_ALERT so Ops can manually reconcile with the processor.
//  2. Optimistic locking: the UPDATE predicate includes the version the
//     caller loaded; zero rows affected means a concurrent writer won.
//
// On success the aggregate's Version field is advanced to the stored value.
func (r *SubscriptionRepository) UpdateWithVersion(ctx context.Context, sub *types.Subscription) error {
	// Separate zombie check so the specific ops alert can be logged.
	var pendingDeletion bool
	err := r.db.QueryRow(ctx,
		`SELECT pending_deletion FROM subscriptions WHERE id = $1`,
		sub.ID,
	).Scan(&pendingDeletion)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to check subscription deletion state", err)
	}

	if pendingDeletion {
		r.logger.Error("PD_BILLING_ALERT: write attempted against pending-deletion subscription",
			slog.String("subscription_id", sub.ID),
			slog.String("account_id", sub.AccountID),
			slog.String("attempted_status", string(sub.Status)),
		)
		return types.NewAppError(
			types.ErrCodeConflictConcurrent,
			fmt.Sprintf("subscription %s is pending deletion; billing update rejected (PD_BILLING_ALERT)", sub.ID),
			nil,
		)
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET tier = $1,
		     status = $2,
		     trial_start = $3,
		     trial_end = $4,
		     current_period_start = $5,
		     current_period_end = $6,
		     billing_province = $7,
		     external_customer_ref = $8,
		     canceled_at = $9,
		     cancel_reason = $10,
		     had_trial = $11,
		     version = version + 1,
		     updated_at = NOW()
		 WHERE id = $12
		   AND version = $13
		   AND pending_deletion = FALSE`,
		sub.Tier,
		sub.Status,
		sub.TrialStart,
		sub.TrialEnd,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.BillingProvince,
		nilIfEmpty(sub.ExternalCustomerRef),
		sub.CanceledAt,
		nilIfEmpty(string(sub.CancelReason)),
		sub.HadTrial,
		sub.ID,
		sub.Version,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update subscription", err)
	}

	if tag.RowsAffected() == 0 {
		r.logger.Info("optimistic lock lost on subscription update",
			slog.String("subscription_id", sub.ID),
			slog.Int64("loaded_version", sub.Version),
		)
		return types.NewAppError(
			types.ErrCodeConflictConcurrent,
			"subscription was modified concurrently; reload and retry",
			nil,
		)
	}

	sub.Version++
	return nil
}

// ListTrialsEndingBefore returns subscriptions still TRIALING whose trial_end
// has passed. Used by the sweeper to lapse expired trials in batches.
func (r *SubscriptionRepository) ListTrialsEndingBefore(ctx context.Context, cutoff time.Time, limit int) ([]types.Subscription, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+subColumns+`
		 FROM subscriptions s
		 WHERE s.status = $1
		   AND s.trial_end < $2
		   AND s.pending_deletion = FALSE
		 ORDER BY s.trial_end
		 LIMIT $3`,
		types.StatusTrialing,
		cutoff,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list expired trials", err)
	}
	defer rows.Close()

	var subs []types.Subscription
	for rows.Next() {
		sub, scanErr := scanSubscription(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan subscription row", scanErr)
		}
		subs = append(subs, *sub)
	}
	if rows.Err() != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate subscription rows", rows.Err())
	}
	return subs, nil
}

// ListPastDueEndedBefore returns PAST_DUE subscriptions whose billing period
// closed without a payment recovery. Used by the sweeper to lapse them.
func (r *SubscriptionRepository) ListPastDueEndedBefore(ctx context.Context, cutoff time.Time, limit int) ([]types.Subscription, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+subColumns+`
		 FROM subscriptions s
		 WHERE s.status = $1
		   AND s.current_period_end < $2
		   AND s.pending_deletion = FALSE
		 ORDER BY s.current_period_end
		 LIMIT $3`,
		types.StatusPastDue,
		cutoff,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list expired past-due subscriptions", err)
	}
	defer rows.Close()

	var subs []types.Subscription
	for rows.Next() {
		sub, scanErr := scanSubscription(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan subscription row", scanErr)
		}
		subs = append(subs, *sub)
	}
	if rows.Err() != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate subscription rows", rows.Err())
	}
	return subs, nil
}
