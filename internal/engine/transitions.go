package engine

import (
	"context"
	"fmt"

	"maplebill/internal/ledger"
	"maplebill/internal/subscription"
	"maplebill/internal/tax"
	"maplebill/internal/types"
)

// StartTrial activates the one-per-account trial on the requested tier.
// No money moves; the aggregate is created on first use. A retry that finds
// the trial already running on the same tier returns it unchanged.
func (s *Service) StartTrial(ctx context.Context, accountID string, tier types.Tier, province types.ProvinceCode) (*types.Subscription, *types.AppError) {
	sub, appErr := s.startTrial(ctx, accountID, tier, province)
	s.record(ctx, subscription.OpStartTrial, appErr)
	return sub, appErr
}

func (s *Service) startTrial(ctx context.Context, accountID string, tier types.Tier, province types.ProvinceCode) (*types.Subscription, *types.AppError) {
	plan, ok := s.plans.GetPlan(tier)
	if !ok || !plan.TrialAllowed {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidTier,
			"tier is not available for trial",
			nil,
			map[string]any{"tier": string(tier)},
		)
	}
	if !validProvince(province) {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidProvince,
			fmt.Sprintf("unknown province code %q", province),
			nil,
			map[string]any{"province": string(province)},
		)
	}

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return nil, asAppError(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	sub, create, appErr := s.loadOrNew(ctx, tx, accountID)
	if appErr != nil {
		return nil, appErr
	}

	// Retry of an already-applied trial start is a no-op, not a guard error.
	if !create && sub.Status == types.StatusTrialing && sub.Tier == tier {
		return sub, nil
	}

	if appErr := subscription.StartTrial(sub, tier, province, s.now().UTC()); appErr != nil {
		return nil, appErr
	}
	if appErr := s.persist(ctx, tx, sub, create); appErr != nil {
		return nil, appErr
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, asAppError(err)
	}

	s.emit(ctx, types.EventTrialStarted, sub)
	return sub, nil
}

// SubscribeParams carries a paid-subscription request. Province is consulted
// only when the account has no billing province on record yet.
type SubscribeParams struct {
	AccountID      string
	Tier           types.Tier
	Province       types.ProvinceCode
	Email          string
	IdempotencyKey string
}

// Subscribe charges the plan price plus tax and activates a billing period.
//
// The charge settles before the local transaction commits, keyed by the
// caller's idempotency key: a conflict or crash after a settled charge is
// retried under the same key and the processor replays the result without
// charging twice. A declined card leaves the subscription untouched and
// writes a FAILED ledger record for audit.
func (s *Service) Subscribe(ctx context.Context, p SubscribeParams) (*types.Subscription, *types.BillingRecord, *types.AppError) {
	sub, rec, appErr := s.subscribe(ctx, p)
	s.record(ctx, subscription.OpSubscribe, appErr)
	return sub, rec, appErr
}

func (s *Service) subscribe(ctx context.Context, p SubscribeParams) (*types.Subscription, *types.BillingRecord, *types.AppError) {
	if p.IdempotencyKey == "" {
		return nil, nil, types.NewAppError(types.ErrCodeValidationMissingField,
			"idempotency key is required for money-moving operations", nil)
	}
	plan, ok := s.plans.GetPlan(p.Tier)
	if !ok {
		return nil, nil, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidTier,
			"tier is not purchasable",
			nil,
			map[string]any{"tier": string(p.Tier)},
		)
	}

	// Pre-validate against the current state before touching the processor.
	// The authoritative check repeats inside the transaction.
	pre, appErr := s.preRead(ctx, p.AccountID)
	if appErr != nil {
		return nil, nil, appErr
	}
	province := pre.BillingProvince
	if province == "" {
		province = p.Province
	}
	if !validProvince(province) {
		return nil, nil, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidProvince,
			fmt.Sprintf("unknown province code %q", province),
			nil,
			map[string]any{"province": string(province)},
		)
	}
	guard := *pre
	if appErr := subscription.Subscribe(&guard, p.Tier, s.now().UTC()); appErr != nil {
		return nil, nil, appErr
	}

	taxed, err := tax.Compute(plan.MonthlyPrice, province)
	if err != nil {
		return nil, nil, asAppError(err)
	}

	customerRef := pre.ExternalCustomerRef
	if customerRef == "" {
		customerRef, err = s.processor.EnsureCustomer(ctx, p.AccountID, p.Email)
		if err != nil {
			return nil, nil, asAppError(err)
		}
	}

	result, err := s.processor.Charge(ctx, customerRef, taxed.Total,
		fmt.Sprintf("maplebill %s subscription", p.Tier), p.IdempotencyKey)
	if err != nil {
		// Unknown outcome. Nothing was persisted; the caller retries with
		// the same idempotency key.
		return nil, nil, asAppError(err)
	}
	if !result.Success {
		rec, appErr := s.recordDecline(ctx, p.AccountID, declineEntry{
			Type:        types.BillingPayment,
			Subtotal:    plan.MonthlyPrice,
			Province:    province,
			ExternalRef: result.ExternalRef,
			Key:         p.IdempotencyKey,
		})
		if appErr != nil {
			return nil, nil, appErr
		}
		return nil, rec, declinedError(result.FailureReason)
	}

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return nil, nil, asAppError(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	sub, create, appErr := s.loadOrNew(ctx, tx, p.AccountID)
	if appErr != nil {
		return nil, nil, appErr
	}
	sub.ExternalCustomerRef = customerRef
	sub.BillingProvince = province
	if appErr := subscription.Subscribe(sub, p.Tier, s.now().UTC()); appErr != nil {
		return nil, nil, appErr
	}

	led := ledger.New(tx, s.logger)
	rec, appErr := led.Record(ctx, ledger.Entry{
		SubscriptionID:    sub.ID,
		Type:              types.BillingPayment,
		Subtotal:          plan.MonthlyPrice,
		Province:          province,
		Status:            types.BillingSucceeded,
		ExternalReference: result.ExternalRef,
		IdempotencyKey:    p.IdempotencyKey,
	})
	if appErr != nil {
		return nil, nil, appErr
	}
	if appErr := s.persist(ctx, tx, sub, create); appErr != nil {
		return nil, nil, appErr
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, asAppError(err)
	}

	s.emit(ctx, types.EventSubscribed, sub)
	return sub, rec, nil
}

// ChangePlan swaps the tier of an ACTIVE subscription, effective immediately.
// An upgrade charges the price difference plus tax before the change commits;
// a downgrade changes nothing until the next renewal. Either way the ledger
// gets a SUBSCRIPTION_RENEWAL adjustment record.
func (s *Service) ChangePlan(ctx context.Context, accountID string, newTier types.Tier, idempotencyKey string) (*types.Subscription, *types.BillingRecord, *types.AppError) {
	sub, rec, appErr := s.changePlan(ctx, accountID, newTier, idempotencyKey)
	s.record(ctx, subscription.OpChangePlan, appErr)
	return sub, rec, appErr
}

func (s *Service) changePlan(ctx context.Context, accountID string, newTier types.Tier, idempotencyKey string) (*types.Subscription, *types.BillingRecord, *types.AppError) {
	if idempotencyKey == "" {
		return nil, nil, types.NewAppError(types.ErrCodeValidationMissingField,
			"idempotency key is required for money-moving operations", nil)
	}
	newPlan, ok := s.plans.GetPlan(newTier)
	if !ok {
		return nil, nil, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidTier,
			"tier is not purchasable",
			nil,
			map[string]any{"tier": string(newTier)},
		)
	}

	pre, appErr := s.preRead(ctx, accountID)
	if appErr != nil {
		return nil, nil, appErr
	}
	guard := *pre
	if appErr := subscription.ChangePlan(&guard, newTier); appErr != nil {
		return nil, nil, appErr
	}

	var delta types.Cents
	if oldPlan, ok := s.plans.GetPlan(pre.Tier); ok {
		delta = newPlan.MonthlyPrice - oldPlan.MonthlyPrice
	} else {
		delta = newPlan.MonthlyPrice
	}

	externalRef := ""
	if delta > 0 {
		if pre.ExternalCustomerRef == "" {
			return nil, nil, types.NewAppError(types.ErrCodeInternalUnexpected,
				"active subscription has no payment profile", nil)
		}
		taxed, err := tax.Compute(delta, pre.BillingProvince)
		if err != nil {
			return nil, nil, asAppError(err)
		}
		result, err := s.processor.Charge(ctx, pre.ExternalCustomerRef, taxed.Total,
			fmt.Sprintf("maplebill plan change to %s", newTier), idempotencyKey)
		if err != nil {
			return nil, nil, asAppError(err)
		}
		if !result.Success {
			rec, appErr := s.recordDecline(ctx, accountID, declineEntry{
				Type:        types.BillingRenewal,
				Subtotal:    delta,
				Province:    pre.BillingProvince,
				ExternalRef: result.ExternalRef,
				Key:         idempotencyKey,
			})
			if appErr != nil {
				return nil, nil, appErr
			}
			return nil, rec, declinedError(result.FailureReason)
		}
		externalRef = result.ExternalRef
	}

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return nil, nil, asAppError(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	sub, err := tx.GetSubscription(ctx, accountID)
	if err != nil {
		return nil, nil, asAppError(err)
	}
	if appErr := subscription.ChangePlan(sub, newTier); appErr != nil {
		return nil, nil, appErr
	}

	adjustment := delta
	if adjustment < 0 {
		adjustment = 0
	}
	led := ledger.New(tx, s.logger)
	rec, appErr := led.Record(ctx, ledger.Entry{
		SubscriptionID:    sub.ID,
		Type:              types.BillingRenewal,
		Subtotal:          adjustment,
		Province:          sub.BillingProvince,
		Status:            types.BillingSucceeded,
		ExternalReference: externalRef,
		IdempotencyKey:    idempotencyKey,
	})
	if appErr != nil {
		return nil, nil, appErr
	}
	if appErr := s.persist(ctx, tx, sub, false); appErr != nil {
		return nil, nil, appErr
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, asAppError(err)
	}

	s.emit(ctx, types.EventPlanChanged, sub)
	return sub, rec, nil
}

// Cancel moves the subscription to CANCELED. Within the cooling-off window a
// full refund of the latest charge settles before the cancellation commits;
// afterwards no money moves. Trial cancellations never involve money.
func (s *Service) Cancel(ctx context.Context, accountID string, reason types.CancelReason, idempotencyKey string) (*types.Subscription, *types.BillingRecord, *types.AppError) {
	sub, rec, appErr := s.cancel(ctx, accountID, reason, idempotencyKey)
	s.record(ctx, subscription.OpCancel, appErr)
	return sub, rec, appErr
}

func (s *Service) cancel(ctx context.Context, accountID string, reason types.CancelReason, idempotencyKey string) (*types.Subscription, *types.BillingRecord, *types.AppError) {
	if reason == "" {
		reason = types.CancelReasonUser
	}
	pre, appErr := s.preRead(ctx, accountID)
	if appErr != nil {
		return nil, nil, appErr
	}
	if idempotencyKey == "" {
		// Derived, not random: a client retry after a network timeout must
		// map to the same processor refund request, not mint a second one.
		idempotencyKey = cancelIdempotencyKey(pre)
	}
	guard := *pre
	refundEligible, appErr := subscription.Cancel(&guard, reason, s.now().UTC())
	if appErr != nil {
		return nil, nil, appErr
	}

	// Refund settles before the transaction opens so the processor call
	// never holds a row lock.
	var original *types.BillingRecord
	refundRef := ""
	if refundEligible {
		var err error
		original, err = s.db.FindLatestCharge(ctx, pre.ID)
		if err != nil {
			return nil, nil, asAppError(err)
		}
		if original != nil && original.ExternalReference != "" {
			refundRef, err = s.processor.Refund(ctx, original.ExternalReference, idempotencyKey)
			if err != nil {
				return nil, nil, asAppError(err)
			}
		}
	}

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return nil, nil, asAppError(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	sub, err := tx.GetSubscription(ctx, accountID)
	if err != nil {
		return nil, nil, asAppError(err)
	}
	refundEligible, appErr = subscription.Cancel(sub, reason, s.now().UTC())
	if appErr != nil {
		return nil, nil, appErr
	}

	var refundRec *types.BillingRecord
	if refundEligible && original != nil {
		led := ledger.New(tx, s.logger)
		refundRec, appErr = led.RecordRefund(ctx, original, sub.BillingProvince, refundRef, idempotencyKey)
		if appErr != nil {
			return nil, nil, appErr
		}
	}
	if appErr := s.persist(ctx, tx, sub, false); appErr != nil {
		return nil, nil, appErr
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, asAppError(err)
	}

	s.emit(ctx, types.EventCanceled, sub)
	return sub, refundRec, nil
}

// cancelIdempotencyKey is the fallback key for cancels submitted without an
// Idempotency-Key header. At most one refund-eligible cancel exists per
// billing period, so subscription ID plus period start identifies it.
func cancelIdempotencyKey(sub *types.Subscription) string {
	var start int64
	if sub.CurrentPeriodStart != nil {
		start = sub.CurrentPeriodStart.Unix()
	}
	return fmt.Sprintf("cancel:%s:%d", sub.ID, start)
}

// Reactivate restores a canceled subscription within the 7-day grace window,
// charging a fresh period on the prior tier.
func (s *Service) Reactivate(ctx context.Context, accountID, idempotencyKey string) (*types.Subscription, *types.BillingRecord, *types.AppError) {
	sub, rec, appErr := s.reactivate(ctx, accountID, idempotencyKey)
	s.record(ctx, subscription.OpReactivate, appErr)
	return sub, rec, appErr
}

func (s *Service) reactivate(ctx context.Context, accountID, idempotencyKey string) (*types.Subscription, *types.BillingRecord, *types.AppError) {
	if idempotencyKey == "" {
		return nil, nil, types.NewAppError(types.ErrCodeValidationMissingField,
			"idempotency key is required for money-moving operations", nil)
	}

	pre, appErr := s.preRead(ctx, accountID)
	if appErr != nil {
		return nil, nil, appErr
	}
	guard := *pre
	if appErr := subscription.Reactivate(&guard, s.now().UTC()); appErr != nil {
		return nil, nil, appErr
	}
	plan, ok := s.plans.GetPlan(pre.Tier)
	if !ok {
		return nil, nil, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidTier,
			"canceled subscription's tier is no longer purchasable",
			nil,
			map[string]any{"tier": string(pre.Tier)},
		)
	}
	if pre.ExternalCustomerRef == "" {
		return nil, nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			"canceled subscription has no payment profile", nil)
	}

	taxed, err := tax.Compute(plan.MonthlyPrice, pre.BillingProvince)
	if err != nil {
		return nil, nil, asAppError(err)
	}
	result, err := s.processor.Charge(ctx, pre.ExternalCustomerRef, taxed.Total,
		fmt.Sprintf("maplebill %s reactivation", pre.Tier), idempotencyKey)
	if err != nil {
		return nil, nil, asAppError(err)
	}
	if !result.Success {
		rec, appErr := s.recordDecline(ctx, accountID, declineEntry{
			Type:        types.BillingPayment,
			Subtotal:    plan.MonthlyPrice,
			Province:    pre.BillingProvince,
			ExternalRef: result.ExternalRef,
			Key:         idempotencyKey,
		})
		if appErr != nil {
			return nil, nil, appErr
		}
		return nil, rec, declinedError(result.FailureReason)
	}

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return nil, nil, asAppError(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	sub, err := tx.GetSubscription(ctx, accountID)
	if err != nil {
		return nil, nil, asAppError(err)
	}
	if appErr := subscription.Reactivate(sub, s.now().UTC()); appErr != nil {
		return nil, nil, appErr
	}

	led := ledger.New(tx, s.logger)
	rec, appErr := led.Record(ctx, ledger.Entry{
		SubscriptionID:    sub.ID,
		Type:              types.BillingPayment,
		Subtotal:          plan.MonthlyPrice,
		Province:          sub.BillingProvince,
		Status:            types.BillingSucceeded,
		ExternalReference: result.ExternalRef,
		IdempotencyKey:    idempotencyKey,
	})
	if appErr != nil {
		return nil, nil, appErr
	}
	if appErr := s.persist(ctx, tx, sub, false); appErr != nil {
		return nil, nil, appErr
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, asAppError(err)
	}

	s.emit(ctx, types.EventReactivated, sub)
	return sub, rec, nil
}

// LapseTrial cancels a trialing subscription whose window has elapsed,
// through the ordinary guarded cancel path. Returns false without error when
// the subscription changed state before the sweep reached it.
func (s *Service) LapseTrial(ctx context.Context, accountID string) (bool, *types.AppError) {
	lapsed, appErr := s.lapse(ctx, accountID, types.CancelReasonTrialExpired, types.EventLapsed, func(sub *types.Subscription) bool {
		return subscription.TrialExpired(sub, s.now().UTC())
	})
	s.record(ctx, "lapseTrial", appErr)
	return lapsed, appErr
}

// LapsePastDue cancels a past-due subscription whose billing period has
// ended without a successful payment recovery.
func (s *Service) LapsePastDue(ctx context.Context, accountID string) (bool, *types.AppError) {
	now := s.now().UTC()
	lapsed, appErr := s.lapse(ctx, accountID, types.CancelReasonPeriodEnded, types.EventCanceled, func(sub *types.Subscription) bool {
		return sub.Status == types.StatusPastDue &&
			sub.CurrentPeriodEnd != nil &&
			!now.Before(*sub.CurrentPeriodEnd)
	})
	s.record(ctx, "lapsePastDue", appErr)
	return lapsed, appErr
}

func (s *Service) lapse(ctx context.Context, accountID string, reason types.CancelReason, eventType types.EventType, due func(*types.Subscription) bool) (bool, *types.AppError) {
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return false, asAppError(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	sub, err := tx.GetSubscription(ctx, accountID)
	if err != nil {
		return false, asAppError(err)
	}
	if !due(sub) {
		// The account subscribed, recovered, or canceled between the scan
		// and this transaction. Nothing to do.
		return false, nil
	}

	if _, appErr := subscription.Cancel(sub, reason, s.now().UTC()); appErr != nil {
		return false, appErr
	}
	if appErr := s.persist(ctx, tx, sub, false); appErr != nil {
		return false, appErr
	}
	if err := tx.Commit(ctx); err != nil {
		return false, asAppError(err)
	}

	s.emit(ctx, eventType, sub)
	return true, nil
}

// preRead loads the aggregate outside any transaction for pre-validation,
// synthesizing a FREE aggregate when the account has no row.
func (s *Service) preRead(ctx context.Context, accountID string) (*types.Subscription, *types.AppError) {
	sub, err := s.db.GetSubscription(ctx, accountID)
	if err != nil {
		if isCode(err, types.ErrCodeNotFoundSubscription) {
			return s.newSubscription(accountID), nil
		}
		return nil, asAppError(err)
	}
	return sub, nil
}

// declineEntry describes the FAILED ledger record written for a declined
// charge. The key is derived from the caller's idempotency key so a retried
// decline does not duplicate the audit row, while a later successful retry
// still records under the bare key.
type declineEntry struct {
	Type        types.BillingRecordType
	Subtotal    types.Cents
	Province    types.ProvinceCode
	ExternalRef string
	Key         string
}

func (s *Service) recordDecline(ctx context.Context, accountID string, entry declineEntry) (*types.BillingRecord, *types.AppError) {
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return nil, asAppError(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	sub, create, appErr := s.loadOrNew(ctx, tx, accountID)
	if appErr != nil {
		return nil, appErr
	}
	if create {
		// The FAILED record needs an owning row; persist the FREE aggregate.
		if entry.Province != "" {
			sub.BillingProvince = entry.Province
		}
		if err := tx.CreateSubscription(ctx, sub); err != nil {
			return nil, asAppError(err)
		}
	}

	led := ledger.New(tx, s.logger)
	rec, appErr := led.Record(ctx, ledger.Entry{
		SubscriptionID:    sub.ID,
		Type:              entry.Type,
		Subtotal:          entry.Subtotal,
		Province:          entry.Province,
		Status:            types.BillingFailed,
		ExternalReference: entry.ExternalRef,
		IdempotencyKey:    entry.Key + ":declined",
	})
	if appErr != nil {
		return nil, appErr
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, asAppError(err)
	}
	return rec, nil
}

func declinedError(reason string) *types.AppError {
	return types.NewAppErrorWithDetails(
		types.ErrCodePaymentDeclined,
		"payment was declined",
		nil,
		map[string]any{"failure_reason": reason},
	)
}
