// Package ledger appends billing records with tax computed at write time.
//
// The ledger is append-only. Replays of the same idempotency key return the
// original record instead of writing a second one; a key reused with different
// parameters is rejected.
package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"maplebill/internal/tax"
	"maplebill/internal/types"
)

// Store persists billing records.
type Store interface {
	Insert(ctx context.Context, rec *types.BillingRecord) error
	// FindByIdempotencyKey returns (nil, nil) when no record carries the key.
	FindByIdempotencyKey(ctx context.Context, key string) (*types.BillingRecord, error)
	ListBySubscription(ctx context.Context, subscriptionID string, limit, offset int) ([]types.BillingRecord, int, error)
}

// Entry describes one charge or refund to append.
type Entry struct {
	SubscriptionID    string
	Type              types.BillingRecordType
	Subtotal          types.Cents
	Province          types.ProvinceCode
	Status            types.BillingRecordStatus
	ExternalReference string
	IdempotencyKey    string
}

// Ledger writes and reads the billing history.
type Ledger struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a ledger. logger may be nil.
func New(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, logger: logger, now: time.Now}
}

// Record appends a billing record, computing the tax breakdown from the
// entry's subtotal and province. Idempotency contract:
//   - first write for a key persists and returns the new record
//   - replay with identical parameters returns the original, no new row
//   - replay with different parameters fails with an idempotency conflict
func (l *Ledger) Record(ctx context.Context, entry Entry) (*types.BillingRecord, *types.AppError) {
	if entry.SubscriptionID == "" || entry.IdempotencyKey == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField,
			"subscription id and idempotency key are required", nil)
	}

	existing, err := l.store.FindByIdempotencyKey(ctx, entry.IdempotencyKey)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to check idempotency key", err)
	}
	if existing != nil {
		if existing.SubscriptionID != entry.SubscriptionID ||
			existing.Type != entry.Type ||
			existing.Subtotal != entry.Subtotal {
			return nil, types.NewAppErrorWithDetails(
				types.ErrCodeConflictIdempotency,
				"idempotency key already used with different parameters", nil,
				map[string]any{
					"idempotency_key":    entry.IdempotencyKey,
					"existing_record_id": existing.ID,
				},
			)
		}
		l.logger.Info("idempotent replay, returning existing billing record",
			"record_id", existing.ID, "subscription_id", entry.SubscriptionID)
		return existing, nil
	}

	taxed, taxErr := tax.Compute(entry.Subtotal, entry.Province)
	if taxErr != nil {
		if appErr, ok := taxErr.(*types.AppError); ok {
			return nil, appErr
		}
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "tax computation failed", taxErr)
	}

	rec := &types.BillingRecord{
		ID:                uuid.NewString(),
		SubscriptionID:    entry.SubscriptionID,
		Type:              entry.Type,
		Subtotal:          taxed.Subtotal,
		Tax:               taxed.Tax,
		Total:             taxed.Total,
		Currency:          types.CurrencyCAD,
		Status:            entry.Status,
		ExternalReference: entry.ExternalReference,
		IdempotencyKey:    entry.IdempotencyKey,
		CreatedAt:         l.now().UTC(),
	}
	if err := l.store.Insert(ctx, rec); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to append billing record", err)
	}
	return rec, nil
}

// RecordRefund appends a REFUND mirroring the original charge: same subtotal
// and province-derived tax, new id. The original row is never touched.
func (l *Ledger) RecordRefund(ctx context.Context, original *types.BillingRecord, province types.ProvinceCode, externalRef, idempotencyKey string) (*types.BillingRecord, *types.AppError) {
	if original == nil {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "original charge is required", nil)
	}
	return l.Record(ctx, Entry{
		SubscriptionID:    original.SubscriptionID,
		Type:              types.BillingRefund,
		Subtotal:          original.Subtotal,
		Province:          province,
		Status:            types.BillingRefunded,
		ExternalReference: externalRef,
		IdempotencyKey:    idempotencyKey,
	})
}

// History returns a page of billing records for a subscription, newest first,
// along with the total row count for pagination.
func (l *Ledger) History(ctx context.Context, subscriptionID string, page, pageSize int) ([]types.BillingRecord, *types.PageInfo, *types.AppError) {
	if page < 1 || pageSize < 1 || pageSize > 100 {
		return nil, nil, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidPage,
			"page must be >= 1 and page_size in [1,100]", nil,
			map[string]any{"page": page, "page_size": pageSize},
		)
	}
	offset := (page - 1) * pageSize
	records, total, err := l.store.ListBySubscription(ctx, subscriptionID, pageSize, offset)
	if err != nil {
		return nil, nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list billing records", err)
	}
	info := &types.PageInfo{
		Page:       page,
		PageSize:   pageSize,
		TotalItems: total,
		HasMore:    offset+len(records) < total,
	}
	return records, info, nil
}
