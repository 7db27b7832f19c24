package types

// Tier identifies the subscription plan for an account.
type Tier string

const (
	TierFree     Tier = "FREE"
	TierStandard Tier = "STANDARD"
	TierPremium  Tier = "PREMIUM"
	TierFamily   Tier = "FAMILY"
)

// SubscriptionStatus represents the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	StatusFree     SubscriptionStatus = "FREE"
	StatusTrialing SubscriptionStatus = "TRIALING"
	StatusActive   SubscriptionStatus = "ACTIVE"
	StatusPastDue  SubscriptionStatus = "PAST_DUE"
	StatusCanceled SubscriptionStatus = "CANCELED"
)

// AccessLevel is the entitlement granted for a single feature.
type AccessLevel string

const (
	AccessNone    AccessLevel = "NONE"
	AccessLimited AccessLevel = "LIMITED"
	AccessFull    AccessLevel = "FULL"
)

// ProvinceCode is a two-letter Canadian province or territory code.
// Tax computation requires an explicit, valid code; there is no default.
type ProvinceCode string

const (
	ProvinceAB ProvinceCode = "AB"
	ProvinceBC ProvinceCode = "BC"
	ProvinceMB ProvinceCode = "MB"
	ProvinceNB ProvinceCode = "NB"
	ProvinceNL ProvinceCode = "NL"
	ProvinceNS ProvinceCode = "NS"
	ProvinceNT ProvinceCode = "NT"
	ProvinceNU ProvinceCode = "NU"
	ProvinceON ProvinceCode = "ON"
	ProvincePE ProvinceCode = "PE"
	ProvinceQC ProvinceCode = "QC"
	ProvinceSK ProvinceCode = "SK"
	ProvinceYT ProvinceCode = "YT"
)

// AllProvinces lists every supported Canadian jurisdiction.
// Used by validators and the tax engine's rate table checks.
var AllProvinces = []ProvinceCode{
	ProvinceAB, ProvinceBC, ProvinceMB, ProvinceNB, ProvinceNL,
	ProvinceNS, ProvinceNT, ProvinceNU, ProvinceON, ProvincePE,
	ProvinceQC, ProvinceSK, ProvinceYT,
}

// BillingRecordType identifies the kind of ledger entry.
type BillingRecordType string

const (
	BillingPayment BillingRecordType = "PAYMENT"
	BillingRefund  BillingRecordType = "REFUND"
	BillingRenewal BillingRecordType = "SUBSCRIPTION_RENEWAL"
)

// BillingRecordStatus represents the settlement state of a ledger entry.
// A record is immutable once SUCCEEDED; a refund is a new record.
type BillingRecordStatus string

const (
	BillingSucceeded BillingRecordStatus = "SUCCEEDED"
	BillingPending   BillingRecordStatus = "PENDING"
	BillingFailed    BillingRecordStatus = "FAILED"
	BillingRefunded  BillingRecordStatus = "REFUNDED"
)

// CancelReason records why a subscription was canceled.
type CancelReason string

const (
	CancelReasonUser         CancelReason = "user_request"
	CancelReasonPaymentFail  CancelReason = "payment_failure"
	CancelReasonTrialExpired CancelReason = "trial_expired"
	CancelReasonPeriodEnded  CancelReason = "period_ended"
)

// EventType identifies a domain event emitted after a committed transition.
// Downstream notification and audit consumers subscribe to these.
type EventType string

const (
	EventTrialStarted EventType = "trial_started"
	EventSubscribed   EventType = "subscribed"
	EventPlanChanged  EventType = "plan_changed"
	EventCanceled     EventType = "canceled"
	EventReactivated  EventType = "reactivated"
	EventLapsed       EventType = "lapsed"
)

// CurrencyCAD is the only supported billing currency.
const CurrencyCAD = "CAD"

// Lifecycle windows. All transitions measure against these constants;
// nothing else re-derives them.
const (
	// TrialDays is the length of the one-per-account free trial.
	TrialDays = 14
	// CoolingOffDays is the regulatory window after currentPeriodStart during
	// which cancellation yields a full refund.
	CoolingOffDays = 14
	// ReactivationGraceDays is how long after canceledAt a canceled
	// subscription may be reactivated.
	ReactivationGraceDays = 7
)
