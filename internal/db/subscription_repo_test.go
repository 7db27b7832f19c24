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

// --- Mock DBTX ---

type mockDBTX struct {
	mock.Mock
}

func (m *mockDBTX) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDBTX) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if r := args.Get(0); r != nil {
		return r.(pgx.Rows), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDBTX) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

// --- Mock Row ---

type mockRow struct {
	scanErr error
	scanFn  func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error {
	if r.scanFn != nil {
		return r.scanFn(dest...)
	}
	return r.scanErr
}

// --- Mock Rows for Query ---

// mockRows implements pgx.Rows; each entry in scanFns fills one row.
type mockRows struct {
	scanFns []func(dest ...any) error
	idx     int
	closed  bool
	errVal  error
}

func newMockRows(scanFns ...func(dest ...any) error) *mockRows {
	return &mockRows{scanFns: scanFns, idx: -1}
}

func (r *mockRows) Next() bool {
	if r.closed {
		return false
	}
	r.idx++
	return r.idx < len(r.scanFns)
}

func (r *mockRows) Scan(dest ...any) error {
	return r.scanFns[r.idx](dest...)
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.errVal }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }

// scanTestSubscription fills a subscription row in subColumns order.
func scanTestSubscription(sub types.Subscription) func(dest ...any) error {
	return func(dest ...any) error {
		*dest[0].(*string) = sub.ID
		*dest[1].(*string) = sub.AccountID
		*dest[2].(*types.Tier) = sub.Tier
		*dest[3].(*types.SubscriptionStatus) = sub.Status
		*dest[4].(**time.Time) = sub.TrialStart
		*dest[5].(**time.Time) = sub.TrialEnd
		*dest[6].(**time.Time) = sub.CurrentPeriodStart
		*dest[7].(**time.Time) = sub.CurrentPeriodEnd
		*dest[8].(*types.ProvinceCode) = sub.BillingProvince
		if sub.ExternalCustomerRef != "" {
			ref := sub.ExternalCustomerRef
			*dest[9].(**string) = &ref
		}
		*dest[10].(**time.Time) = sub.CanceledAt
		if sub.CancelReason != "" {
			reason := string(sub.CancelReason)
			*dest[11].(**string) = &reason
		}
		*dest[12].(*bool) = sub.HadTrial
		*dest[13].(*bool) = sub.PendingDeletion
		*dest[14].(*int64) = sub.Version
		*dest[15].(*time.Time) = sub.CreatedAt
		*dest[16].(*time.Time) = sub.UpdatedAt
		return nil
	}
}

// --- SubscriptionRepository Tests ---

func TestSubscriptionRepository_GetByAccount_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db, nil)

	want := types.Subscription{
		ID:                  "sub_1",
		AccountID:           "acct_1",
		Tier:                types.TierPremium,
		Status:              types.StatusActive,
		BillingProvince:     types.ProvinceON,
		ExternalCustomerRef: "cus_abc",
		Version:             4,
	}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFn: scanTestSubscription(want)})

	got, err := repo.GetByAccount(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.Equal(t, "sub_1", got.ID)
	assert.Equal(t, types.TierPremium, got.Tier)
	assert.Equal(t, "cus_abc", got.ExternalCustomerRef)
	assert.Equal(t, int64(4), got.Version)
}

func TestSubscriptionRepository_GetByAccount_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db, nil)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.GetByAccount(context.Background(), "acct_missing")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundSubscription, appErr.Code)
}

func TestSubscriptionRepository_GetByAccount_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db, nil)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: errors.New("connection refused")})

	_, err := repo.GetByAccount(context.Background(), "acct_1")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestSubscriptionRepository_Create_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	sub := &types.Subscription{
		ID:              "sub_1",
		AccountID:       "acct_1",
		Tier:            types.TierStandard,
		Status:          types.StatusTrialing,
		BillingProvince: types.ProvinceBC,
	}
	err := repo.Create(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sub.Version)
	db.AssertExpectations(t)
}

func TestSubscriptionRepository_UpdateWithVersion_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db, nil)

	// Zombie check: not pending deletion.
	db.On("QueryRow", mock.Anything,
		`SELECT pending_deletion FROM subscriptions WHERE id = $1`,
		mock.Anything,
	).Return(&mockRow{scanFn: func(dest ...any) error {
		*dest[0].(*bool) = false
		return nil
	}})
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	sub := &types.Subscription{ID: "sub_1", AccountID: "acct_1", Status: types.StatusActive, Version: 3}
	err := repo.UpdateWithVersion(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, int64(4), sub.Version)
	db.AssertExpectations(t)
}

func TestSubscriptionRepository_UpdateWithVersion_PendingDeletion(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db, nil)

	db.On("QueryRow", mock.Anything,
		`SELECT pending_deletion FROM subscriptions WHERE id = $1`,
		mock.Anything,
	).Return(&mockRow{scanFn: func(dest ...any) error {
		*dest[0].(*bool) = true
		return nil
	}})

	sub := &types.Subscription{ID: "sub_1", AccountID: "acct_1", Status: types.StatusActive, Version: 3}
	err := repo.UpdateWithVersion(context.Background(), sub)
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeConflictConcurrent, appErr.Code)
	assert.Contains(t, appErr.Message, "PD_BILLING_ALERT")
	// Version untouched, no UPDATE issued.
	assert.Equal(t, int64(3), sub.Version)
	db.AssertNotCalled(t, "Exec", mock.Anything, mock.Anything, mock.Anything)
}

func TestSubscriptionRepository_UpdateWithVersion_ConcurrentWriterWins(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db, nil)

	db.On("QueryRow", mock.Anything,
		`SELECT pending_deletion FROM subscriptions WHERE id = $1`,
		mock.Anything,
	).Return(&mockRow{scanFn: func(dest ...any) error {
		*dest[0].(*bool) = false
		return nil
	}})
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	sub := &types.Subscription{ID: "sub_1", AccountID: "acct_1", Status: types.StatusCanceled, Version: 3}
	err := repo.UpdateWithVersion(context.Background(), sub)
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeConflictConcurrent, appErr.Code)
	assert.Equal(t, int64(3), sub.Version)
}

func TestSubscriptionRepository_UpdateWithVersion_RowVanished(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db, nil)

	db.On("QueryRow", mock.Anything,
		`SELECT pending_deletion FROM subscriptions WHERE id = $1`,
		mock.Anything,
	).Return(&mockRow{scanErr: pgx.ErrNoRows})

	sub := &types.Subscription{ID: "sub_gone", Version: 1}
	err := repo.UpdateWithVersion(context.Background(), sub)
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundSubscription, appErr.Code)
}

func TestSubscriptionRepository_ListTrialsEndingBefore(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db, nil)

	trialEnd := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	expired := types.Subscription{
		ID:        "sub_1",
		AccountID: "acct_1",
		Tier:      types.TierStandard,
		Status:    types.StatusTrialing,
		TrialEnd:  &trialEnd,
		Version:   1,
	}
	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(newMockRows(scanTestSubscription(expired)), nil)

	subs, err := repo.ListTrialsEndingBefore(context.Background(), time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC), 50)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "sub_1", subs[0].ID)
	require.NotNil(t, subs[0].TrialEnd)
	assert.Equal(t, trialEnd, *subs[0].TrialEnd)
}

func TestSubscriptionRepository_ListTrialsEndingBefore_QueryError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db, nil)

	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(nil, errors.New("timeout"))

	_, err := repo.ListTrialsEndingBefore(context.Background(), time.Now(), 50)
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestSubscriptionRepository_ListPastDueEndedBefore(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db, nil)

	periodEnd := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	expired := types.Subscription{
		ID:               "sub_2",
		AccountID:        "acct_2",
		Tier:             types.TierPremium,
		Status:           types.StatusPastDue,
		CurrentPeriodEnd: &periodEnd,
		Version:          4,
	}
	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(newMockRows(scanTestSubscription(expired)), nil)

	subs, err := repo.ListPastDueEndedBefore(context.Background(), time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC), 50)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "sub_2", subs[0].ID)
	assert.Equal(t, types.StatusPastDue, subs[0].Status)
}

func TestSubscriptionRepository_ListPastDueEndedBefore_QueryError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db, nil)

	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(nil, errors.New("timeout"))

	_, err := repo.ListPastDueEndedBefore(context.Background(), time.Now(), 50)
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}
