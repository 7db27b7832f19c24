package db

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"maplebill/internal/types"
)

// Store bundles the repositories over a shared pool and hands out
// transactional views. The engine depends on the interfaces it defines
// itself; Store is the concrete implementation wired in at startup.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a store over the given pool. logger may be nil.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

// Subscriptions returns the pool-backed subscription repository.
func (s *Store) Subscriptions() *SubscriptionRepository {
	return NewSubscriptionRepository(s.pool, s.logger)
}

// BillingRecords returns the pool-backed billing record repository.
func (s *Store) BillingRecords() *BillingRecordRepository {
	return NewBillingRecordRepository(s.pool)
}

// FeatureAccess returns the pool-backed feature access repository.
func (s *Store) FeatureAccess() *FeatureAccessRepository {
	return NewFeatureAccessRepository(s.pool)
}

// ProcessorEvents returns the pool-backed processor event repository.
func (s *Store) ProcessorEvents() *ProcessorEventRepository {
	return NewProcessorEventRepository(s.pool)
}

// TxStore is one open transaction with the same repositories bound to it.
// The caller must Commit or Rollback; Rollback after Commit is a no-op.
type TxStore struct {
	tx     txHandle
	logger *slog.Logger
}

// txHandle is the subset of pgx.Tx the TxStore needs, kept as an interface
// so transactional flows are testable without a live database.
type txHandle interface {
	DBTX
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// BeginTx opens a transaction and returns a store view bound to it.
func (s *Store) BeginTx(ctx context.Context) (*TxStore, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to begin transaction", err)
	}
	return &TxStore{tx: tx, logger: s.logger}, nil
}

// NewTxStore wraps an existing transaction handle. Used by tests.
func NewTxStore(tx txHandle, logger *slog.Logger) *TxStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &TxStore{tx: tx, logger: logger}
}

// Subscriptions returns the subscription repository bound to this transaction.
func (t *TxStore) Subscriptions() *SubscriptionRepository {
	return NewSubscriptionRepository(t.tx, t.logger)
}

// BillingRecords returns the billing record repository bound to this transaction.
func (t *TxStore) BillingRecords() *BillingRecordRepository {
	return NewBillingRecordRepository(t.tx)
}

// FeatureAccess returns the feature access repository bound to this transaction.
func (t *TxStore) FeatureAccess() *FeatureAccessRepository {
	return NewFeatureAccessRepository(t.tx)
}

// ProcessorEvents returns the processor event repository bound to this transaction.
func (t *TxStore) ProcessorEvents() *ProcessorEventRepository {
	return NewProcessorEventRepository(t.tx)
}

// Commit commits the transaction.
func (t *TxStore) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

// Rollback rolls back the transaction. Safe to call after Commit.
func (t *TxStore) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}
