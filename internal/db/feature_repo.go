package db

import (
	"context"

	"maplebill/internal/types"
)

// FeatureAccessRepository stores the derived feature_access rows. It
// implements the entitlement.AccessCache interface.
//
// The table is a rebuildable projection of the subscription aggregate, so
// Replace is a full swap per account rather than row-level reconciliation.
type FeatureAccessRepository struct {
	db DBTX
}

// NewFeatureAccessRepository creates a repository backed by the given
// database connection (pool or transaction).
func NewFeatureAccessRepository(db DBTX) *FeatureAccessRepository {
	return &FeatureAccessRepository{db: db}
}

// Get returns all feature access rows for an account. An empty result is not
// an error; callers treat it as a cache miss.
func (r *FeatureAccessRepository) Get(ctx context.Context, accountID string) ([]types.FeatureAccessRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT account_id, feature_key, access_level, granted_via_trial,
		        expires_at, resolved_at, subscription_version
		 FROM feature_access
		 WHERE account_id = $1`,
		accountID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load feature access", err)
	}
	defer rows.Close()

	var records []types.FeatureAccessRecord
	for rows.Next() {
		var rec types.FeatureAccessRecord
		if scanErr := rows.Scan(
			&rec.AccountID,
			&rec.FeatureKey,
			&rec.AccessLevel,
			&rec.GrantedViaTrial,
			&rec.ExpiresAt,
			&rec.ResolvedAt,
			&rec.SubscriptionVersion,
		); scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan feature access row", scanErr)
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate feature access rows", rows.Err())
	}
	return records, nil
}

// Replace swaps the account's feature access rows for the given derivation.
// Runs as delete-then-insert; call it inside a transaction when atomicity
// with a subscription write matters.
func (r *FeatureAccessRepository) Replace(ctx context.Context, accountID string, records []types.FeatureAccessRecord) error {
	if _, err := r.db.Exec(ctx,
		`DELETE FROM feature_access WHERE account_id = $1`,
		accountID,
	); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to clear feature access", err)
	}

	// Per-row inserts; DBTX does not expose SendBatch and row counts are
	// small (one per feature key).
	for _, rec := range records {
		if _, err := r.db.Exec(ctx,
			`INSERT INTO feature_access (account_id, feature_key, access_level,
			 granted_via_trial, expires_at, resolved_at, subscription_version)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			accountID,
			rec.FeatureKey,
			rec.AccessLevel,
			rec.GrantedViaTrial,
			rec.ExpiresAt,
			rec.ResolvedAt,
			rec.SubscriptionVersion,
		); err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to insert feature access row", err)
		}
	}
	return nil
}
