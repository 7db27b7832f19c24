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

func TestProcessorEventRepository_MarkProcessed_FirstDelivery(t *testing.T) {
	db := new(mockDBTX)
	repo := NewProcessorEventRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	claimed, err := repo.MarkProcessed(context.Background(), "evt_1", "payment.succeeded", time.Now())
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestProcessorEventRepository_MarkProcessed_Redelivery(t *testing.T) {
	db := new(mockDBTX)
	repo := NewProcessorEventRepository(db)

	// ON CONFLICT DO NOTHING affects zero rows on a duplicate.
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 0"), nil)

	claimed, err := repo.MarkProcessed(context.Background(), "evt_1", "payment.succeeded", time.Now())
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestProcessorEventRepository_MarkProcessed_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewProcessorEventRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	_, err := repo.MarkProcessed(context.Background(), "evt_1", "payment.succeeded", time.Now())
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestProcessorEventRepository_PruneBefore(t *testing.T) {
	db := new(mockDBTX)
	repo := NewProcessorEventRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("DELETE 42"), nil)

	pruned, err := repo.PruneBefore(context.Background(), time.Now().Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(42), pruned)
}
