// Package entitlement computes feature access from subscription state.
//
// The catalog is the authoritative tier -> feature-set mapping; the resolver
// derives per-account FeatureAccessRecords from it. Derivation is fail-closed:
// any error in loading the catalog or the subscription yields NONE for every
// feature, never FULL.
package entitlement

import "maplebill/internal/types"

// Feature keys for every gated capability in the product.
const (
	FeaturePremiumContent   = "premium_content"
	FeatureOfflineMode      = "offline_mode"
	FeatureAdvancedInsights = "advanced_insights"
	FeaturePrioritySupport  = "priority_support"
	FeatureFamilySharing    = "family_sharing"
)

// AllFeatures is the complete feature universe. The resolver emits an entry
// for every key here even when the answer is NONE, so absence of a grant is
// always observable rather than implicit.
var AllFeatures = []string{
	FeaturePremiumContent,
	FeatureOfflineMode,
	FeatureAdvancedInsights,
	FeaturePrioritySupport,
	FeatureFamilySharing,
}

// Catalog is the immutable, versioned tier -> feature-set configuration.
// It is loaded once at startup and passed explicitly into the resolver;
// nothing reaches for it as a singleton.
type Catalog struct {
	version  string
	features map[types.Tier][]string
}

// catalogDefaults defines the shipped tier feature sets.
//
//	| Tier     | Features                                                  |
//	|----------|-----------------------------------------------------------|
//	| FREE     | (none)                                                    |
//	| STANDARD | premium_content, offline_mode                             |
//	| PREMIUM  | standard set + advanced_insights, priority_support        |
//	| FAMILY   | premium set + family_sharing                              |
var catalogDefaults = map[types.Tier][]string{
	types.TierFree: {},
	types.TierStandard: {
		FeaturePremiumContent,
		FeatureOfflineMode,
	},
	types.TierPremium: {
		FeaturePremiumContent,
		FeatureOfflineMode,
		FeatureAdvancedInsights,
		FeaturePrioritySupport,
	},
	types.TierFamily: {
		FeaturePremiumContent,
		FeatureOfflineMode,
		FeatureAdvancedInsights,
		FeaturePrioritySupport,
		FeatureFamilySharing,
	},
}

// NewCatalog returns the default catalog. The map is copied so callers cannot
// mutate the package-level defaults.
func NewCatalog() *Catalog {
	m := make(map[types.Tier][]string, len(catalogDefaults))
	for tier, features := range catalogDefaults {
		cp := make([]string, len(features))
		copy(cp, features)
		m[tier] = cp
	}
	return &Catalog{version: "2026-01", features: m}
}

// Version identifies the catalog revision for logs and cache invalidation.
func (c *Catalog) Version() string {
	return c.version
}

// FeaturesFor returns the feature set for the given tier. Unknown tiers get
// the empty (Free) set so an unrecognized value can never widen access.
func (c *Catalog) FeaturesFor(tier types.Tier) []string {
	if features, ok := c.features[tier]; ok {
		return features
	}
	return nil
}

// Includes reports whether the tier's feature set contains the given key.
func (c *Catalog) Includes(tier types.Tier, featureKey string) bool {
	for _, f := range c.FeaturesFor(tier) {
		if f == featureKey {
			return true
		}
	}
	return false
}

// KnownFeature reports whether the key exists anywhere in the catalog.
func KnownFeature(featureKey string) bool {
	for _, f := range AllFeatures {
		if f == featureKey {
			return true
		}
	}
	return false
}
