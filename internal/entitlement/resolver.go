package entitlement

import (
	"context"
	"log/slog"
	"time"

	"maplebill/internal/types"
)

// SubscriptionReader loads the current subscription for an account.
type SubscriptionReader interface {
	GetByAccount(ctx context.Context, accountID string) (*types.Subscription, error)
}

// AccessCache stores derived feature access rows keyed by account. The rows
// carry the subscription version they were derived from so the resolver can
// detect staleness without comparing contents.
type AccessCache interface {
	Get(ctx context.Context, accountID string) ([]types.FeatureAccessRecord, error)
	Replace(ctx context.Context, accountID string, records []types.FeatureAccessRecord) error
}

// Resolver answers feature-access questions from subscription state.
type Resolver struct {
	catalog *Catalog
	subs    SubscriptionReader
	cache   AccessCache
	logger  *slog.Logger
}

// NewResolver creates a resolver. cache may be nil, in which case every
// check re-derives from the subscription. logger may be nil.
func NewResolver(catalog *Catalog, subs SubscriptionReader, cache AccessCache, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{catalog: catalog, subs: subs, cache: cache, logger: logger}
}

// Resolve derives the complete feature access set for a subscription. Every
// key in the catalog's feature universe gets an entry; features outside the
// tier's set, or any status other than TRIALING/ACTIVE, resolve to NONE.
func (r *Resolver) Resolve(sub *types.Subscription, now time.Time) []types.FeatureAccessRecord {
	records := make([]types.FeatureAccessRecord, 0, len(AllFeatures))
	if sub == nil {
		for _, key := range AllFeatures {
			records = append(records, types.FeatureAccessRecord{
				FeatureKey:  key,
				AccessLevel: types.AccessNone,
				ResolvedAt:  now,
			})
		}
		return records
	}

	entitled := sub.Status == types.StatusTrialing || sub.Status == types.StatusActive
	inTrial := sub.Status == types.StatusTrialing

	for _, key := range AllFeatures {
		rec := types.FeatureAccessRecord{
			AccountID:           sub.AccountID,
			FeatureKey:          key,
			AccessLevel:         types.AccessNone,
			SubscriptionVersion: sub.Version,
			ResolvedAt:          now,
		}
		if entitled && r.catalog.Includes(sub.Tier, key) {
			rec.AccessLevel = types.AccessFull
			if inTrial {
				rec.GrantedViaTrial = true
				rec.ExpiresAt = sub.TrialEnd
			} else {
				rec.ExpiresAt = sub.CurrentPeriodEnd
			}
		}
		records = append(records, rec)
	}
	return records
}

// Check answers whether the account currently has access to a feature.
// It re-resolves whenever the cached rows are missing or were derived from an
// older subscription version. Fail-closed: any load error returns NONE along
// with the error.
func (r *Resolver) Check(ctx context.Context, accountID, featureKey string, now time.Time) (types.AccessLevel, *types.AppError) {
	if !KnownFeature(featureKey) {
		return types.AccessNone, types.NewAppErrorWithDetails(
			types.ErrCodeNotFoundFeature, "unknown feature key", nil,
			map[string]any{"feature_key": featureKey},
		)
	}

	sub, err := r.subs.GetByAccount(ctx, accountID)
	if err != nil {
		r.logger.Error("entitlement check failed to load subscription, denying access",
			"account_id", accountID, "feature_key", featureKey, "error", err)
		if appErr, ok := err.(*types.AppError); ok {
			return types.AccessNone, appErr
		}
		return types.AccessNone, types.NewAppError(types.ErrCodeInternalDB, "failed to load subscription", err)
	}

	if r.cache != nil {
		cached, cacheErr := r.cache.Get(ctx, accountID)
		if cacheErr == nil {
			for _, rec := range cached {
				if rec.FeatureKey != featureKey {
					continue
				}
				if rec.SubscriptionVersion == sub.Version {
					return rec.AccessLevel, nil
				}
				// Stale derivation. Fall through and recompute.
				r.logger.Debug("cached entitlement stale, re-resolving",
					"account_id", accountID,
					"cached_version", rec.SubscriptionVersion,
					"current_version", sub.Version)
				break
			}
		} else {
			r.logger.Warn("entitlement cache read failed, re-resolving from subscription",
				"account_id", accountID, "error", cacheErr)
		}
	}

	records := r.Resolve(sub, now)
	if r.cache != nil {
		if writeErr := r.cache.Replace(ctx, accountID, records); writeErr != nil {
			// The answer is still correct from the fresh derivation.
			r.logger.Warn("failed to refresh entitlement cache",
				"account_id", accountID, "error", writeErr)
		}
	}
	for _, rec := range records {
		if rec.FeatureKey == featureKey {
			return rec.AccessLevel, nil
		}
	}
	return types.AccessNone, nil
}
