package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"maplebill/internal/types"
)

// scanTestBillingRecord fills a row in billingColumns order.
func scanTestBillingRecord(rec types.BillingRecord) func(dest ...any) error {
	return func(dest ...any) error {
		*dest[0].(*string) = rec.ID
		*dest[1].(*string) = rec.SubscriptionID
		*dest[2].(*types.BillingRecordType) = rec.Type
		*dest[3].(*types.Cents) = rec.Subtotal
		*dest[4].(**types.Cents) = rec.Tax.GST
		*dest[5].(**types.Cents) = rec.Tax.PST
		*dest[6].(**types.Cents) = rec.Tax.HST
		*dest[7].(**types.Cents) = rec.Tax.QST
		*dest[8].(*types.Cents) = rec.Total
		*dest[9].(*string) = rec.Currency
		*dest[10].(*types.BillingRecordStatus) = rec.Status
		if rec.ExternalReference != "" {
			ref := rec.ExternalReference
			*dest[11].(**string) = &ref
		}
		*dest[12].(*string) = rec.IdempotencyKey
		*dest[13].(*time.Time) = rec.CreatedAt
		return nil
	}
}

func hstRecord() types.BillingRecord {
	hst := types.Cents(130)
	return types.BillingRecord{
		ID:                "rec_1",
		SubscriptionID:    "sub_1",
		Type:              types.BillingPayment,
		Subtotal:          999,
		Tax:               types.TaxBreakdown{HST: &hst},
		Total:             1129,
		Currency:          types.CurrencyCAD,
		Status:            types.BillingSucceeded,
		ExternalReference: "pi_abc",
		IdempotencyKey:    "key-1",
		CreatedAt:         time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestBillingRecordRepository_Insert_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewBillingRecordRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	rec := hstRecord()
	err := repo.Insert(context.Background(), &rec)
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestBillingRecordRepository_Insert_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewBillingRecordRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("unique violation"))

	rec := hstRecord()
	err := repo.Insert(context.Background(), &rec)
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestBillingRecordRepository_FindByIdempotencyKey_Hit(t *testing.T) {
	db := new(mockDBTX)
	repo := NewBillingRecordRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFn: scanTestBillingRecord(hstRecord())})

	rec, err := repo.FindByIdempotencyKey(context.Background(), "key-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "rec_1", rec.ID)
	require.NotNil(t, rec.Tax.HST)
	assert.Equal(t, types.Cents(130), *rec.Tax.HST)
	assert.Nil(t, rec.Tax.GST)
}

func TestBillingRecordRepository_FindByIdempotencyKey_Miss(t *testing.T) {
	db := new(mockDBTX)
	repo := NewBillingRecordRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	rec, err := repo.FindByIdempotencyKey(context.Background(), "key-unknown")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestBillingRecordRepository_FindLatestCharge_NeverCharged(t *testing.T) {
	db := new(mockDBTX)
	repo := NewBillingRecordRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	rec, err := repo.FindLatestCharge(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestBillingRecordRepository_ListBySubscription(t *testing.T) {
	db := new(mockDBTX)
	repo := NewBillingRecordRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*int) = 7
			return nil
		}})
	newer := hstRecord()
	older := hstRecord()
	older.ID = "rec_0"
	older.CreatedAt = newer.CreatedAt.Add(-24 * time.Hour)
	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(newMockRows(scanTestBillingRecord(newer), scanTestBillingRecord(older)), nil)

	records, total, err := repo.ListBySubscription(context.Background(), "sub_1", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 7, total)
	require.Len(t, records, 2)
	assert.Equal(t, "rec_1", records[0].ID)
	assert.Equal(t, "rec_0", records[1].ID)
}

func TestBillingRecordRepository_ListBySubscription_CountError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewBillingRecordRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: errors.New("connection reset")})

	_, _, err := repo.ListBySubscription(context.Background(), "sub_1", 10, 0)
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}
