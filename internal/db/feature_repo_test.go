package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"maplebill/internal/types"
)

func TestFeatureAccessRepository_Get(t *testing.T) {
	db := new(mockDBTX)
	repo := NewFeatureAccessRepository(db)

	resolvedAt := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(newMockRows(func(dest ...any) error {
			*dest[0].(*string) = "acct_1"
			*dest[1].(*string) = "premium_content"
			*dest[2].(*types.AccessLevel) = types.AccessFull
			*dest[3].(*bool) = false
			*dest[4].(**time.Time) = nil
			*dest[5].(*time.Time) = resolvedAt
			*dest[6].(*int64) = 3
			return nil
		}), nil)

	records, err := repo.Get(context.Background(), "acct_1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "premium_content", records[0].FeatureKey)
	assert.Equal(t, types.AccessFull, records[0].AccessLevel)
	assert.Equal(t, int64(3), records[0].SubscriptionVersion)
}

func TestFeatureAccessRepository_Replace(t *testing.T) {
	db := new(mockDBTX)
	repo := NewFeatureAccessRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("DELETE 5"), nil)

	records := []types.FeatureAccessRecord{
		{AccountID: "acct_1", FeatureKey: "premium_content", AccessLevel: types.AccessFull, SubscriptionVersion: 4},
		{AccountID: "acct_1", FeatureKey: "offline_mode", AccessLevel: types.AccessNone, SubscriptionVersion: 4},
	}
	err := repo.Replace(context.Background(), "acct_1", records)
	require.NoError(t, err)
	// One DELETE plus one INSERT per record.
	db.AssertNumberOfCalls(t, "Exec", 3)
}

func TestFeatureAccessRepository_Replace_InsertError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewFeatureAccessRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("DELETE 5"), nil).Once()
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("disk full"))

	err := repo.Replace(context.Background(), "acct_1", []types.FeatureAccessRecord{
		{AccountID: "acct_1", FeatureKey: "premium_content"},
	})
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}
