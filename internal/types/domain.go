package types

import "time"

// Cents is a monetary amount in integer minor units (CAD cents).
// All money math in the engine is integer math; floating point is used only
// transiently inside tax rounding, never stored.
type Cents int64

// Subscription is the authoritative billing aggregate: exactly one
// non-terminal row per account. All mutations go through the engine's guarded
// transitions; the row is never hard-deleted (CANCELED rows are retained for
// audit, with account erasure handled by an external purge policy).
type Subscription struct {
	ID                  string             `json:"id"`
	AccountID           string             `json:"account_id"`
	Tier                Tier               `json:"tier"`
	Status              SubscriptionStatus `json:"status"`
	TrialStart          *time.Time         `json:"trial_start,omitempty"`
	TrialEnd            *time.Time         `json:"trial_end,omitempty"`
	CurrentPeriodStart  *time.Time         `json:"current_period_start,omitempty"`
	CurrentPeriodEnd    *time.Time         `json:"current_period_end,omitempty"`
	BillingProvince     ProvinceCode       `json:"billing_province"`
	ExternalCustomerRef string             `json:"external_customer_ref,omitempty"`
	CanceledAt          *time.Time         `json:"canceled_at,omitempty"`
	CancelReason        CancelReason       `json:"cancel_reason,omitempty"`
	// HadTrial is sticky for the lifetime of the account: one trial, ever.
	HadTrial bool `json:"had_trial"`
	// PendingDeletion is an orthogonal account-level flag. It is not a state
	// machine node; it blocks all billing transitions (zombie-billing guard).
	PendingDeletion bool `json:"pending_deletion"`
	// Version is the optimistic concurrency token. Every committed transition
	// increments it; writers include it in the UPDATE predicate.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InTrial reports whether the subscription is in a live trial window at t.
func (s *Subscription) InTrial(t time.Time) bool {
	return s.Status == StatusTrialing &&
		s.TrialStart != nil && s.TrialEnd != nil &&
		t.Before(*s.TrialEnd)
}

// TaxBreakdown is the per-line tax decomposition for a charge. Fields are
// mutually exclusive per province: an HST province never populates GST/PST,
// and only Quebec populates QST.
type TaxBreakdown struct {
	GST *Cents `json:"gst,omitempty"`
	PST *Cents `json:"pst,omitempty"`
	HST *Cents `json:"hst,omitempty"`
	QST *Cents `json:"qst,omitempty"`
}

// Sum returns the total tax across all populated lines.
func (t TaxBreakdown) Sum() Cents {
	var total Cents
	for _, p := range []*Cents{t.GST, t.PST, t.HST, t.QST} {
		if p != nil {
			total += *p
		}
	}
	return total
}

// BillingRecord is one append-only ledger entry. Immutable once SUCCEEDED;
// a refund is always a new record referencing the same subscription.
type BillingRecord struct {
	ID                string              `json:"id"`
	SubscriptionID    string              `json:"subscription_id"`
	Type              BillingRecordType   `json:"type"`
	Subtotal          Cents               `json:"subtotal"`
	Tax               TaxBreakdown        `json:"tax_breakdown"`
	Total             Cents               `json:"total"`
	Currency          string              `json:"currency"`
	Status            BillingRecordStatus `json:"status"`
	ExternalReference string              `json:"external_reference,omitempty"`
	IdempotencyKey    string              `json:"-"`
	CreatedAt         time.Time           `json:"created_at"`
}

// FeatureAccessRecord is a derived entitlement entry keyed by
// (accountID, featureKey). It is a rebuildable cache over the Subscription
// aggregate and is never authoritative for billing decisions.
type FeatureAccessRecord struct {
	AccountID       string      `json:"account_id"`
	FeatureKey      string      `json:"feature_key"`
	AccessLevel     AccessLevel `json:"access_level"`
	GrantedViaTrial bool        `json:"granted_via_trial"`
	ExpiresAt       *time.Time  `json:"expires_at,omitempty"`
	ResolvedAt      time.Time   `json:"resolved_at"`
	// SubscriptionVersion is the aggregate version this record was derived
	// from. A mismatch against the current aggregate marks the record stale
	// and forces recomputation.
	SubscriptionVersion int64 `json:"-"`
}

// DomainEvent is published to downstream consumers after a transition commits.
type DomainEvent struct {
	ID             string             `json:"id"`
	Type           EventType          `json:"type"`
	AccountID      string             `json:"account_id"`
	SubscriptionID string             `json:"subscription_id"`
	Tier           Tier               `json:"tier"`
	Status         SubscriptionStatus `json:"status"`
	OccurredAt     time.Time          `json:"occurred_at"`
}

// ChargeResult is the payment processor's answer to a money-moving call.
type ChargeResult struct {
	Success       bool
	ExternalRef   string
	FailureReason string
}

// PageInfo carries pagination metadata for list responses.
type PageInfo struct {
	Page       int  `json:"page"`
	PageSize   int  `json:"page_size"`
	TotalItems int  `json:"total_items"`
	HasMore    bool `json:"has_more"`
}

// ResponseMeta conveys non-blocking metadata on API responses.
type ResponseMeta struct {
	Pagination *PageInfo `json:"pagination,omitempty"`
	Warnings   []string  `json:"warnings,omitempty"`
}
