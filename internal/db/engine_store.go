package db

import (
	"context"
	"time"

	"maplebill/internal/engine"
	"maplebill/internal/types"
)

// EngineStore adapts Store to the engine's TransitionDB interface: flat
// methods over the repositories, with transactions exposed as TransitionTx.
type EngineStore struct {
	store *Store
}

// NewEngineStore wraps a Store for use by the orchestration engine.
func NewEngineStore(store *Store) *EngineStore {
	return &EngineStore{store: store}
}

var _ engine.TransitionDB = (*EngineStore)(nil)

func (s *EngineStore) GetSubscription(ctx context.Context, accountID string) (*types.Subscription, error) {
	return s.store.Subscriptions().GetByAccount(ctx, accountID)
}

func (s *EngineStore) FindLatestCharge(ctx context.Context, subscriptionID string) (*types.BillingRecord, error) {
	return s.store.BillingRecords().FindLatestCharge(ctx, subscriptionID)
}

func (s *EngineStore) ListTrialsEndingBefore(ctx context.Context, cutoff time.Time, limit int) ([]types.Subscription, error) {
	return s.store.Subscriptions().ListTrialsEndingBefore(ctx, cutoff, limit)
}

func (s *EngineStore) ListPastDueEndedBefore(ctx context.Context, cutoff time.Time, limit int) ([]types.Subscription, error) {
	return s.store.Subscriptions().ListPastDueEndedBefore(ctx, cutoff, limit)
}

func (s *EngineStore) PruneProcessorEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.store.ProcessorEvents().PruneBefore(ctx, cutoff)
}

func (s *EngineStore) BeginTx(ctx context.Context) (engine.TransitionTx, error) {
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	return &engineTx{tx: tx}, nil
}

// engineTx binds the repositories to one open transaction behind the
// engine's TransitionTx interface.
type engineTx struct {
	tx *TxStore
}

var _ engine.TransitionTx = (*engineTx)(nil)

func (t *engineTx) GetSubscription(ctx context.Context, accountID string) (*types.Subscription, error) {
	return t.tx.Subscriptions().GetByAccount(ctx, accountID)
}

func (t *engineTx) GetSubscriptionByProcessorRef(ctx context.Context, externalRef string) (*types.Subscription, error) {
	return t.tx.Subscriptions().GetByExternalRef(ctx, externalRef)
}

func (t *engineTx) CreateSubscription(ctx context.Context, sub *types.Subscription) error {
	return t.tx.Subscriptions().Create(ctx, sub)
}

func (t *engineTx) UpdateSubscription(ctx context.Context, sub *types.Subscription) error {
	return t.tx.Subscriptions().UpdateWithVersion(ctx, sub)
}

func (t *engineTx) Insert(ctx context.Context, rec *types.BillingRecord) error {
	return t.tx.BillingRecords().Insert(ctx, rec)
}

func (t *engineTx) FindByIdempotencyKey(ctx context.Context, key string) (*types.BillingRecord, error) {
	return t.tx.BillingRecords().FindByIdempotencyKey(ctx, key)
}

func (t *engineTx) FindLatestCharge(ctx context.Context, subscriptionID string) (*types.BillingRecord, error) {
	return t.tx.BillingRecords().FindLatestCharge(ctx, subscriptionID)
}

func (t *engineTx) ListBySubscription(ctx context.Context, subscriptionID string, limit, offset int) ([]types.BillingRecord, int, error) {
	return t.tx.BillingRecords().ListBySubscription(ctx, subscriptionID, limit, offset)
}

func (t *engineTx) ReplaceFeatureAccess(ctx context.Context, accountID string, records []types.FeatureAccessRecord) error {
	return t.tx.FeatureAccess().Replace(ctx, accountID, records)
}

func (t *engineTx) MarkEventProcessed(ctx context.Context, eventID, eventType string, occurredAt time.Time) (bool, error) {
	return t.tx.ProcessorEvents().MarkProcessed(ctx, eventID, eventType, occurredAt)
}

func (t *engineTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *engineTx) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}
