package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"maplebill/internal/types"
)

// BillingRecordRepository provides data access for the append-only
// billing_records table. It implements the ledger.Store interface.
//
// Rows are never updated or deleted; corrections are new rows. The
// idempotency_key column carries a unique index so a concurrent duplicate
// write fails at the database even if the pre-check raced.
type BillingRecordRepository struct {
	db DBTX
}

// NewBillingRecordRepository creates a repository backed by the given
// database connection (pool or transaction).
func NewBillingRecordRepository(db DBTX) *BillingRecordRepository {
	return &BillingRecordRepository{db: db}
}

const billingColumns = `b.id, b.subscription_id, b.type, b.subtotal_cents,
	b.gst_cents, b.pst_cents, b.hst_cents, b.qst_cents, b.total_cents,
	b.currency, b.status, b.external_reference, b.idempotency_key, b.created_at`

func scanBillingRecord(row pgx.Row) (*types.BillingRecord, error) {
	var rec types.BillingRecord
	var externalRef *string

	err := row.Scan(
		&rec.ID,
		&rec.SubscriptionID,
		&rec.Type,
		&rec.Subtotal,
		&rec.Tax.GST,
		&rec.Tax.PST,
		&rec.Tax.HST,
		&rec.Tax.QST,
		&rec.Total,
		&rec.Currency,
		&rec.Status,
		&externalRef,
		&rec.IdempotencyKey,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if externalRef != nil {
		rec.ExternalReference = *externalRef
	}
	return &rec, nil
}

// Insert appends one billing record.
func (r *BillingRecordRepository) Insert(ctx context.Context, rec *types.BillingRecord) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO billing_records (id, subscription_id, type, subtotal_cents,
		 gst_cents, pst_cents, hst_cents, qst_cents, total_cents,
		 currency, status, external_reference, idempotency_key, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, COALESCE($14, NOW()))`,
		rec.ID,
		rec.SubscriptionID,
		rec.Type,
		rec.Subtotal,
		rec.Tax.GST,
		rec.Tax.PST,
		rec.Tax.HST,
		rec.Tax.QST,
		rec.Total,
		rec.Currency,
		rec.Status,
		nilIfEmpty(rec.ExternalReference),
		rec.IdempotencyKey,
		nilIfZeroTime(rec.CreatedAt),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert billing record", err)
	}
	return nil
}

// FindByIdempotencyKey returns the record carrying the key, or (nil, nil)
// when no record does.
func (r *BillingRecordRepository) FindByIdempotencyKey(ctx context.Context, key string) (*types.BillingRecord, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+billingColumns+`
		 FROM billing_records b
		 WHERE b.idempotency_key = $1`,
		key,
	)

	rec, err := scanBillingRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to look up idempotency key", err)
	}
	return rec, nil
}

// FindLatestCharge returns the most recent SUCCEEDED payment or renewal for
// a subscription, or (nil, nil) when the subscription has never been charged.
// The refund path uses this to mirror the original charge.
func (r *BillingRecordRepository) FindLatestCharge(ctx context.Context, subscriptionID string) (*types.BillingRecord, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+billingColumns+`
		 FROM billing_records b
		 WHERE b.subscription_id = $1
		   AND b.type IN ($2, $3)
		   AND b.status = $4
		 ORDER BY b.created_at DESC
		 LIMIT 1`,
		subscriptionID,
		types.BillingPayment,
		types.BillingRenewal,
		types.BillingSucceeded,
	)

	rec, err := scanBillingRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to find latest charge", err)
	}
	return rec, nil
}

// ListBySubscription returns one page of billing history, newest first,
// plus the total row count for pagination.
func (r *BillingRecordRepository) ListBySubscription(ctx context.Context, subscriptionID string, limit, offset int) ([]types.BillingRecord, int, error) {
	var total int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM billing_records WHERE subscription_id = $1`,
		subscriptionID,
	).Scan(&total)
	if err != nil {
		return nil, 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count billing records", err)
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+billingColumns+`
		 FROM billing_records b
		 WHERE b.subscription_id = $1
		 ORDER BY b.created_at DESC
		 LIMIT $2 OFFSET $3`,
		subscriptionID,
		limit,
		offset,
	)
	if err != nil {
		return nil, 0, types.NewAppError(types.ErrCodeInternalDB, "failed to list billing records", err)
	}
	defer rows.Close()

	var records []types.BillingRecord
	for rows.Next() {
		rec, scanErr := scanBillingRecord(rows)
		if scanErr != nil {
			return nil, 0, types.NewAppError(types.ErrCodeInternalDB, "failed to scan billing record", scanErr)
		}
		records = append(records, *rec)
	}
	if rows.Err() != nil {
		return nil, 0, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate billing records", rows.Err())
	}
	return records, total, nil
}
