// Package subscription implements the subscription aggregate's state machine:
// the transition table, per-transition guards, and the pure mutation each
// transition applies. Nothing here touches storage or the payment processor;
// the engine sequences those around these functions inside a transaction.
package subscription

import (
	"slices"
	"time"

	"maplebill/internal/types"
)

// Transition names, used in guard errors and domain events.
const (
	OpStartTrial  = "startTrial"
	OpSubscribe   = "subscribe"
	OpChangePlan  = "changePlan"
	OpCancel      = "cancel"
	OpReactivate  = "reactivate"
	OpMarkPastDue = "markPastDue"
	OpRecover     = "recoverPastDue"
)

// PeriodLength is the billing period granted by subscribe, plan changes and
// reactivation.
const PeriodLength = 30 * 24 * time.Hour

// allowedSources maps each transition to the statuses it may start from.
// This is the single authority consulted by every guard; an operation absent
// from a status's set fails with InvalidStateTransition, never a silent no-op.
var allowedSources = map[string][]types.SubscriptionStatus{
	OpStartTrial:  {types.StatusFree},
	OpSubscribe:   {types.StatusFree, types.StatusTrialing},
	OpChangePlan:  {types.StatusActive},
	OpCancel:      {types.StatusActive, types.StatusPastDue, types.StatusTrialing},
	OpReactivate:  {types.StatusCanceled},
	OpMarkPastDue: {types.StatusActive},
	OpRecover:     {types.StatusPastDue},
}

// canApply reports whether op is permitted from the given status.
func canApply(op string, from types.SubscriptionStatus) bool {
	return slices.Contains(allowedSources[op], from)
}

// AllowedFrom returns the transition names permitted from the given status,
// sorted for deterministic guard errors.
func AllowedFrom(from types.SubscriptionStatus) []string {
	ops := make([]string, 0, len(allowedSources))
	for op, sources := range allowedSources {
		if slices.Contains(sources, from) {
			ops = append(ops, op)
		}
	}
	slices.Sort(ops)
	return ops
}

// guard rejects op unless the aggregate's current status permits it.
func guard(sub *types.Subscription, op string) *types.AppError {
	if !canApply(op, sub.Status) {
		return types.NewInvalidTransitionError(sub.Status, op, AllowedFrom(sub.Status))
	}
	return nil
}

// StartTrial transitions FREE -> TRIALING.
//
// One trial per account, lifetime: HadTrial is sticky, so a second trial is
// rejected even after the first subscription was canceled. The trial window
// is [now, now+14d); province must already be validated by the caller.
func StartTrial(sub *types.Subscription, tier types.Tier, province types.ProvinceCode, now time.Time) *types.AppError {
	if err := guard(sub, OpStartTrial); err != nil {
		return err
	}
	if sub.HadTrial {
		return types.NewInvalidTransitionError(sub.Status, OpStartTrial, AllowedFrom(sub.Status)).
			WithDetails(map[string]any{"reason": "trial already used for this account"})
	}

	trialEnd := now.Add(types.TrialDays * 24 * time.Hour)
	sub.Status = types.StatusTrialing
	sub.Tier = tier
	sub.BillingProvince = province
	sub.TrialStart = &now
	sub.TrialEnd = &trialEnd
	sub.HadTrial = true
	return nil
}

// Subscribe transitions FREE or TRIALING -> ACTIVE and opens a billing period.
//
// The caller must only invoke this after a confirmed processor charge; on a
// declined or failed charge the aggregate is left untouched.
func Subscribe(sub *types.Subscription, tier types.Tier, now time.Time) *types.AppError {
	if err := guard(sub, OpSubscribe); err != nil {
		return err
	}

	periodEnd := now.Add(PeriodLength)
	sub.Status = types.StatusActive
	sub.Tier = tier
	sub.CurrentPeriodStart = &now
	sub.CurrentPeriodEnd = &periodEnd
	return nil
}

// ChangePlan swaps the tier of an ACTIVE subscription in place. The state does
// not change and the billing period is not reset; the price delta is the
// ledger's concern.
func ChangePlan(sub *types.Subscription, newTier types.Tier) *types.AppError {
	if err := guard(sub, OpChangePlan); err != nil {
		return err
	}
	if newTier == sub.Tier {
		return types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidTier,
			"subscription is already on the requested tier",
			nil,
			map[string]any{"tier": string(newTier)},
		)
	}

	sub.Tier = newTier
	return nil
}

// Cancel transitions ACTIVE, PAST_DUE or TRIALING -> CANCELED.
//
// The returned flag reports cooling-off refund eligibility: a paid period
// canceled within 14 days of currentPeriodStart earns a full refund. Trial
// cancellations never involve money.
func Cancel(sub *types.Subscription, reason types.CancelReason, now time.Time) (refundEligible bool, err *types.AppError) {
	if gErr := guard(sub, OpCancel); gErr != nil {
		return false, gErr
	}

	hadPaidPeriod := sub.Status != types.StatusTrialing && sub.CurrentPeriodStart != nil

	sub.Status = types.StatusCanceled
	sub.CanceledAt = &now
	sub.CancelReason = reason

	if hadPaidPeriod && reason == types.CancelReasonUser {
		window := time.Duration(types.CoolingOffDays) * 24 * time.Hour
		if now.Sub(*sub.CurrentPeriodStart) <= window {
			return true, nil
		}
	}
	return false, nil
}

// Reactivate transitions CANCELED -> ACTIVE within the 7-day grace window
// after canceledAt. The prior tier is retained and billing resumes from now;
// outside the window the transition is rejected rather than silently
// resubscribing.
func Reactivate(sub *types.Subscription, now time.Time) *types.AppError {
	if err := guard(sub, OpReactivate); err != nil {
		return err
	}
	if sub.CanceledAt == nil {
		return types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"canceled subscription has no canceledAt timestamp",
			nil,
		)
	}

	grace := time.Duration(types.ReactivationGraceDays) * 24 * time.Hour
	if now.Sub(*sub.CanceledAt) > grace {
		return types.NewInvalidTransitionError(sub.Status, OpReactivate, AllowedFrom(sub.Status)).
			WithDetails(map[string]any{
				"reason":      "reactivation grace window elapsed",
				"canceled_at": sub.CanceledAt.UTC().Format(time.RFC3339),
			})
	}

	periodEnd := now.Add(PeriodLength)
	sub.Status = types.StatusActive
	sub.CurrentPeriodStart = &now
	sub.CurrentPeriodEnd = &periodEnd
	sub.CanceledAt = nil
	sub.CancelReason = ""
	return nil
}

// MarkPastDue transitions ACTIVE -> PAST_DUE. Driven by processor payment
// failure webhooks through the same guarded path as user actions.
func MarkPastDue(sub *types.Subscription) *types.AppError {
	if err := guard(sub, OpMarkPastDue); err != nil {
		return err
	}
	sub.Status = types.StatusPastDue
	return nil
}

// RecoverPastDue transitions PAST_DUE -> ACTIVE after a successful payment
// recovery, opening a fresh billing period from now.
func RecoverPastDue(sub *types.Subscription, now time.Time) *types.AppError {
	if err := guard(sub, OpRecover); err != nil {
		return err
	}

	periodEnd := now.Add(PeriodLength)
	sub.Status = types.StatusActive
	sub.CurrentPeriodStart = &now
	sub.CurrentPeriodEnd = &periodEnd
	return nil
}

// TrialExpired reports whether a trialing subscription's window has elapsed.
// Used by the sweep worker to select lapse candidates; the lapse itself goes
// through Cancel like every other transition.
func TrialExpired(sub *types.Subscription, now time.Time) bool {
	return sub.Status == types.StatusTrialing &&
		sub.TrialEnd != nil &&
		!now.Before(*sub.TrialEnd)
}
