package subscription

import (
	"sort"

	"maplebill/internal/types"
)

// Plan is the static billing definition for a paid tier. Prices are
// pre-tax monthly amounts in CAD cents.
type Plan struct {
	Tier         types.Tier
	MonthlyPrice types.Cents
	TrialAllowed bool
}

// PlanRegistry resolves tiers to their billing plans.
type PlanRegistry interface {
	GetPlan(tier types.Tier) (Plan, bool)
	PaidTiers() []types.Tier
}

// StaticPlanRegistry serves plans from a fixed in-memory table.
type StaticPlanRegistry struct {
	plans map[types.Tier]Plan
}

// NewStaticPlanRegistry returns the registry with the shipped price table.
func NewStaticPlanRegistry() *StaticPlanRegistry {
	return &StaticPlanRegistry{
		plans: map[types.Tier]Plan{
			types.TierStandard: {Tier: types.TierStandard, MonthlyPrice: 999, TrialAllowed: true},
			types.TierPremium:  {Tier: types.TierPremium, MonthlyPrice: 1499, TrialAllowed: true},
			types.TierFamily:   {Tier: types.TierFamily, MonthlyPrice: 1999, TrialAllowed: true},
		},
	}
}

// GetPlan returns the plan for a paid tier. FREE and unknown tiers have no
// plan; callers must treat the miss as non-billable rather than zero-price.
func (r *StaticPlanRegistry) GetPlan(tier types.Tier) (Plan, bool) {
	plan, ok := r.plans[tier]
	return plan, ok
}

// PaidTiers returns the billable tiers in deterministic order.
func (r *StaticPlanRegistry) PaidTiers() []types.Tier {
	tiers := make([]types.Tier, 0, len(r.plans))
	for tier := range r.plans {
		tiers = append(tiers, tier)
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i] < tiers[j] })
	return tiers
}
