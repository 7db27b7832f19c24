package normalize

import "maplebill/internal/types"

// Pre-built enum definitions for the engine's categorical fields.
// These are the only fields the normalizer is ever applied to.
var (
	Tiers = NewEnum("tier",
		types.TierFree,
		types.TierStandard,
		types.TierPremium,
		types.TierFamily,
	)

	Statuses = NewEnum("subscription_status",
		types.StatusFree,
		types.StatusTrialing,
		types.StatusActive,
		types.StatusPastDue,
		types.StatusCanceled,
	)

	AccessLevels = NewEnum("access_level",
		types.AccessNone,
		types.AccessLimited,
		types.AccessFull,
	)
)
