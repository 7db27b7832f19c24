package engine

import (
	"context"
	"time"

	"maplebill/internal/ledger"
	"maplebill/internal/subscription"
	"maplebill/internal/types"
)

// Processor event types the engine routes. Everything else is claimed and
// dropped with a log line.
const (
	ProcessorEventPaymentSucceeded    = "payment_intent.succeeded"
	ProcessorEventPaymentFailed       = "payment_intent.payment_failed"
	ProcessorEventChargeRefunded      = "charge.refunded"
	ProcessorEventSubscriptionUpdated = "customer.subscription.updated"
)

// ProcessorEvent is a verified, decoded webhook delivery from the payment
// processor.
type ProcessorEvent struct {
	ID          string
	Type        string
	OccurredAt  time.Time
	CustomerRef string
	PaymentRef  string
}

// HandleProcessorEvent routes a webhook delivery into the same guarded
// transitions as user actions.
//
// The event id is claimed inside the transaction that applies the change, so
// a redelivery is a no-op and a rolled-back transition leaves the event
// unclaimed for the provider's retry. Deliveries older than the aggregate's
// last update are dropped as stale. A guard rejection is logged and the
// event consumed; the provider cannot fix an invalid transition by retrying.
func (s *Service) HandleProcessorEvent(ctx context.Context, event ProcessorEvent) *types.AppError {
	if event.ID == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "processor event has no id", nil)
	}

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return asAppError(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	claimed, err := tx.MarkEventProcessed(ctx, event.ID, event.Type, event.OccurredAt)
	if err != nil {
		return asAppError(err)
	}
	if !claimed {
		s.logger.InfoContext(ctx, "duplicate processor event ignored",
			"event_id", event.ID,
			"event_type", event.Type,
		)
		return nil
	}

	if event.CustomerRef == "" {
		s.logger.WarnContext(ctx, "processor event carries no customer reference",
			"event_id", event.ID,
			"event_type", event.Type,
		)
		return s.commitClaim(ctx, tx)
	}

	sub, err := tx.GetSubscriptionByProcessorRef(ctx, event.CustomerRef)
	if err != nil {
		if isCode(err, types.ErrCodeNotFoundSubscription) {
			s.logger.WarnContext(ctx, "processor event for unknown customer",
				"event_id", event.ID,
				"customer_ref", event.CustomerRef,
			)
			return s.commitClaim(ctx, tx)
		}
		return asAppError(err)
	}

	// Out-of-order delivery: an event older than the last applied change
	// must not overwrite newer state.
	if !event.OccurredAt.IsZero() && event.OccurredAt.Before(sub.UpdatedAt) {
		s.logger.InfoContext(ctx, "stale processor event dropped",
			"event_id", event.ID,
			"event_type", event.Type,
			"occurred_at", event.OccurredAt,
			"subscription_updated_at", sub.UpdatedAt,
		)
		return s.commitClaim(ctx, tx)
	}

	switch event.Type {
	case ProcessorEventPaymentFailed:
		return s.applyPaymentFailed(ctx, tx, sub, event)
	case ProcessorEventPaymentSucceeded:
		return s.applyPaymentSucceeded(ctx, tx, sub, event)
	case ProcessorEventChargeRefunded:
		// Confirmation of a refund the engine initiated; the REFUND record
		// was written when the cancellation committed.
		s.logger.InfoContext(ctx, "processor refund confirmed",
			"event_id", event.ID,
			"subscription_id", sub.ID,
			"payment_ref", event.PaymentRef,
		)
		return s.commitClaim(ctx, tx)
	case ProcessorEventSubscriptionUpdated:
		// The local aggregate is authoritative for lifecycle state; the
		// processor's own subscription object is not consulted.
		s.logger.InfoContext(ctx, "processor subscription update noted",
			"event_id", event.ID,
			"subscription_id", sub.ID,
		)
		return s.commitClaim(ctx, tx)
	default:
		s.logger.InfoContext(ctx, "unhandled processor event type",
			"event_id", event.ID,
			"event_type", event.Type,
		)
		return s.commitClaim(ctx, tx)
	}
}

// applyPaymentFailed marks an active subscription past due.
func (s *Service) applyPaymentFailed(ctx context.Context, tx TransitionTx, sub *types.Subscription, event ProcessorEvent) *types.AppError {
	if appErr := subscription.MarkPastDue(sub); appErr != nil {
		s.logger.WarnContext(ctx, "payment failure event rejected by state machine",
			"event_id", event.ID,
			"subscription_id", sub.ID,
			"status", string(sub.Status),
		)
		s.record(ctx, subscription.OpMarkPastDue, appErr)
		return s.commitClaim(ctx, tx)
	}
	if appErr := s.persist(ctx, tx, sub, false); appErr != nil {
		s.record(ctx, subscription.OpMarkPastDue, appErr)
		return appErr
	}
	if err := tx.Commit(ctx); err != nil {
		appErr := asAppError(err)
		s.record(ctx, subscription.OpMarkPastDue, appErr)
		return appErr
	}
	s.record(ctx, subscription.OpMarkPastDue, nil)
	return nil
}

// applyPaymentSucceeded recovers a past-due subscription and records the
// renewal charge. For any other status the event confirms a charge the
// engine itself initiated and already recorded.
func (s *Service) applyPaymentSucceeded(ctx context.Context, tx TransitionTx, sub *types.Subscription, event ProcessorEvent) *types.AppError {
	if sub.Status != types.StatusPastDue {
		return s.commitClaim(ctx, tx)
	}

	if appErr := subscription.RecoverPastDue(sub, s.now().UTC()); appErr != nil {
		s.record(ctx, subscription.OpRecover, appErr)
		return s.commitClaim(ctx, tx)
	}

	subtotal := types.Cents(0)
	if plan, ok := s.plans.GetPlan(sub.Tier); ok {
		subtotal = plan.MonthlyPrice
	}
	led := ledger.New(tx, s.logger)
	if _, appErr := led.Record(ctx, ledger.Entry{
		SubscriptionID:    sub.ID,
		Type:              types.BillingRenewal,
		Subtotal:          subtotal,
		Province:          sub.BillingProvince,
		Status:            types.BillingSucceeded,
		ExternalReference: event.PaymentRef,
		IdempotencyKey:    "evt:" + event.ID,
	}); appErr != nil {
		s.record(ctx, subscription.OpRecover, appErr)
		return appErr
	}
	if appErr := s.persist(ctx, tx, sub, false); appErr != nil {
		s.record(ctx, subscription.OpRecover, appErr)
		return appErr
	}
	if err := tx.Commit(ctx); err != nil {
		appErr := asAppError(err)
		s.record(ctx, subscription.OpRecover, appErr)
		return appErr
	}
	s.record(ctx, subscription.OpRecover, nil)
	return nil
}

// commitClaim commits a transaction whose only write is the event claim, so
// the delivery is not retried.
func (s *Service) commitClaim(ctx context.Context, tx TransitionTx) *types.AppError {
	if err := tx.Commit(ctx); err != nil {
		return asAppError(err)
	}
	return nil
}
