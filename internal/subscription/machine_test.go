package subscription

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maplebill/internal/types"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func freeSub() *types.Subscription {
	return &types.Subscription{
		ID:        "sub_1",
		AccountID: "acct_1",
		Tier:      types.TierFree,
		Status:    types.StatusFree,
	}
}

func activeSub(periodStart time.Time) *types.Subscription {
	periodEnd := periodStart.Add(PeriodLength)
	return &types.Subscription{
		ID:                 "sub_1",
		AccountID:          "acct_1",
		Tier:               types.TierStandard,
		Status:             types.StatusActive,
		BillingProvince:    types.ProvinceON,
		CurrentPeriodStart: &periodStart,
		CurrentPeriodEnd:   &periodEnd,
		HadTrial:           true,
	}
}

// --- StartTrial ---

func TestStartTrial_FromFree(t *testing.T) {
	sub := freeSub()
	err := StartTrial(sub, types.TierStandard, types.ProvinceON, testNow)
	require.Nil(t, err)

	assert.Equal(t, types.StatusTrialing, sub.Status)
	assert.Equal(t, types.TierStandard, sub.Tier)
	assert.Equal(t, types.ProvinceON, sub.BillingProvince)
	require.NotNil(t, sub.TrialStart)
	require.NotNil(t, sub.TrialEnd)
	assert.Equal(t, testNow, *sub.TrialStart)
	assert.Equal(t, testNow.Add(14*24*time.Hour), *sub.TrialEnd)
	assert.True(t, sub.HadTrial)
}

func TestStartTrial_RejectedWhenTrialAlreadyUsed(t *testing.T) {
	sub := freeSub()
	sub.HadTrial = true

	err := StartTrial(sub, types.TierStandard, types.ProvinceON, testNow)
	require.NotNil(t, err)
	assert.Equal(t, types.ErrCodeInvalidTransition, err.Code)
	assert.Equal(t, types.StatusFree, sub.Status, "aggregate must be unchanged")
}

func TestStartTrial_RejectedFromNonFreeStates(t *testing.T) {
	for _, status := range []types.SubscriptionStatus{
		types.StatusTrialing, types.StatusActive, types.StatusPastDue, types.StatusCanceled,
	} {
		sub := freeSub()
		sub.Status = status
		err := StartTrial(sub, types.TierStandard, types.ProvinceBC, testNow)
		require.NotNil(t, err, "status %s", status)
		assert.Equal(t, types.ErrCodeInvalidTransition, err.Code)
		assert.Equal(t, string(status), err.Details["current_status"])
		assert.Equal(t, OpStartTrial, err.Details["attempted"])
		assert.NotEmpty(t, err.Details["allowed"])
	}
}

// --- Subscribe ---

func TestSubscribe_FromTrialing(t *testing.T) {
	sub := freeSub()
	require.Nil(t, StartTrial(sub, types.TierStandard, types.ProvinceON, testNow))

	later := testNow.Add(3 * 24 * time.Hour)
	err := Subscribe(sub, types.TierPremium, later)
	require.Nil(t, err)

	assert.Equal(t, types.StatusActive, sub.Status)
	assert.Equal(t, types.TierPremium, sub.Tier)
	require.NotNil(t, sub.CurrentPeriodStart)
	assert.Equal(t, later, *sub.CurrentPeriodStart)
	assert.Equal(t, later.Add(PeriodLength), *sub.CurrentPeriodEnd)
	// Trial timestamps retained for audit.
	assert.NotNil(t, sub.TrialStart)
}

func TestSubscribe_FromFree(t *testing.T) {
	sub := freeSub()
	err := Subscribe(sub, types.TierStandard, testNow)
	require.Nil(t, err)
	assert.Equal(t, types.StatusActive, sub.Status)
}

func TestSubscribe_RejectedFromActive(t *testing.T) {
	sub := activeSub(testNow)
	err := Subscribe(sub, types.TierPremium, testNow)
	require.NotNil(t, err)
	assert.Equal(t, types.ErrCodeInvalidTransition, err.Code)
}

// --- ChangePlan ---

func TestChangePlan_Active(t *testing.T) {
	sub := activeSub(testNow)
	err := ChangePlan(sub, types.TierFamily)
	require.Nil(t, err)
	assert.Equal(t, types.TierFamily, sub.Tier)
	assert.Equal(t, types.StatusActive, sub.Status)
	// Billing period is untouched by a plan change.
	assert.Equal(t, testNow, *sub.CurrentPeriodStart)
}

func TestChangePlan_SameTierRejected(t *testing.T) {
	sub := activeSub(testNow)
	err := ChangePlan(sub, types.TierStandard)
	require.NotNil(t, err)
	assert.Equal(t, types.ErrCodeValidationInvalidTier, err.Code)
}

func TestChangePlan_RejectedWhenNotActive(t *testing.T) {
	for _, status := range []types.SubscriptionStatus{
		types.StatusFree, types.StatusTrialing, types.StatusPastDue, types.StatusCanceled,
	} {
		sub := activeSub(testNow)
		sub.Status = status
		err := ChangePlan(sub, types.TierFamily)
		require.NotNil(t, err, "status %s", status)
		assert.Equal(t, types.ErrCodeInvalidTransition, err.Code)
	}
}

// --- Cancel ---

func TestCancel_WithinCoolingOffWindow(t *testing.T) {
	sub := activeSub(testNow.Add(-3 * 24 * time.Hour))
	refund, err := Cancel(sub, types.CancelReasonUser, testNow)
	require.Nil(t, err)

	assert.True(t, refund, "cancel 3 days into the period must be refund eligible")
	assert.Equal(t, types.StatusCanceled, sub.Status)
	require.NotNil(t, sub.CanceledAt)
	assert.Equal(t, testNow, *sub.CanceledAt)
	assert.Equal(t, types.CancelReasonUser, sub.CancelReason)
}

func TestCancel_ExactlyAtWindowBoundary(t *testing.T) {
	sub := activeSub(testNow.Add(-14 * 24 * time.Hour))
	refund, err := Cancel(sub, types.CancelReasonUser, testNow)
	require.Nil(t, err)
	assert.True(t, refund, "day 14 is inside the cooling-off window")
}

func TestCancel_AfterCoolingOffWindow(t *testing.T) {
	sub := activeSub(testNow.Add(-15 * 24 * time.Hour))
	refund, err := Cancel(sub, types.CancelReasonUser, testNow)
	require.Nil(t, err)
	assert.False(t, refund)
	assert.Equal(t, types.StatusCanceled, sub.Status)
}

func TestCancel_TrialNeverRefunds(t *testing.T) {
	sub := freeSub()
	require.Nil(t, StartTrial(sub, types.TierStandard, types.ProvinceQC, testNow))

	refund, err := Cancel(sub, types.CancelReasonUser, testNow.Add(24*time.Hour))
	require.Nil(t, err)
	assert.False(t, refund)
	assert.Equal(t, types.StatusCanceled, sub.Status)
}

func TestCancel_SweepLapseNeverRefunds(t *testing.T) {
	// A lapse driven by the sweep uses a non-user reason; even inside the
	// window it must not queue a refund.
	sub := activeSub(testNow.Add(-2 * 24 * time.Hour))
	refund, err := Cancel(sub, types.CancelReasonPaymentFail, testNow)
	require.Nil(t, err)
	assert.False(t, refund)
}

func TestCancel_FromPastDue(t *testing.T) {
	sub := activeSub(testNow.Add(-20 * 24 * time.Hour))
	require.Nil(t, MarkPastDue(sub))

	refund, err := Cancel(sub, types.CancelReasonUser, testNow)
	require.Nil(t, err)
	assert.False(t, refund)
	assert.Equal(t, types.StatusCanceled, sub.Status)
}

func TestCancel_RejectedWhenAlreadyCanceled(t *testing.T) {
	sub := activeSub(testNow)
	_, err := Cancel(sub, types.CancelReasonUser, testNow)
	require.Nil(t, err)

	_, err = Cancel(sub, types.CancelReasonUser, testNow.Add(time.Hour))
	require.NotNil(t, err)
	assert.Equal(t, types.ErrCodeInvalidTransition, err.Code)
}

// --- Reactivate ---

func TestReactivate_WithinGraceWindow(t *testing.T) {
	sub := activeSub(testNow.Add(-20 * 24 * time.Hour))
	_, err := Cancel(sub, types.CancelReasonUser, testNow)
	require.Nil(t, err)

	later := testNow.Add(5 * 24 * time.Hour)
	rErr := Reactivate(sub, later)
	require.Nil(t, rErr)

	assert.Equal(t, types.StatusActive, sub.Status)
	assert.Equal(t, types.TierStandard, sub.Tier, "prior tier restored")
	assert.Equal(t, later, *sub.CurrentPeriodStart, "billing resumes from reactivation date")
	assert.Nil(t, sub.CanceledAt)
	assert.Empty(t, sub.CancelReason)
}

func TestReactivate_AfterGraceWindowFails(t *testing.T) {
	sub := activeSub(testNow.Add(-40 * 24 * time.Hour))
	_, err := Cancel(sub, types.CancelReasonUser, testNow)
	require.Nil(t, err)

	rErr := Reactivate(sub, testNow.Add(8*24*time.Hour))
	require.NotNil(t, rErr)
	assert.Equal(t, types.ErrCodeInvalidTransition, rErr.Code)
	assert.Equal(t, types.StatusCanceled, sub.Status, "must not silently succeed")
}

func TestReactivate_RejectedFromNonCanceled(t *testing.T) {
	sub := activeSub(testNow)
	err := Reactivate(sub, testNow)
	require.NotNil(t, err)
	assert.Equal(t, types.ErrCodeInvalidTransition, err.Code)
}

// --- PAST_DUE handling ---

func TestMarkPastDue_FromActive(t *testing.T) {
	sub := activeSub(testNow)
	require.Nil(t, MarkPastDue(sub))
	assert.Equal(t, types.StatusPastDue, sub.Status)
}

func TestMarkPastDue_RejectedFromTrialing(t *testing.T) {
	sub := freeSub()
	require.Nil(t, StartTrial(sub, types.TierStandard, types.ProvinceAB, testNow))
	err := MarkPastDue(sub)
	require.NotNil(t, err)
	assert.Equal(t, types.ErrCodeInvalidTransition, err.Code)
}

func TestRecoverPastDue(t *testing.T) {
	sub := activeSub(testNow.Add(-35 * 24 * time.Hour))
	require.Nil(t, MarkPastDue(sub))

	err := RecoverPastDue(sub, testNow)
	require.Nil(t, err)
	assert.Equal(t, types.StatusActive, sub.Status)
	assert.Equal(t, testNow, *sub.CurrentPeriodStart)
}

func TestRecoverPastDue_RejectedFromActive(t *testing.T) {
	sub := activeSub(testNow)
	err := RecoverPastDue(sub, testNow)
	require.NotNil(t, err)
	assert.Equal(t, types.ErrCodeInvalidTransition, err.Code)
}

// --- Helpers ---

func TestTrialExpired(t *testing.T) {
	sub := freeSub()
	require.Nil(t, StartTrial(sub, types.TierStandard, types.ProvinceON, testNow))

	assert.False(t, TrialExpired(sub, testNow.Add(13*24*time.Hour)))
	assert.True(t, TrialExpired(sub, testNow.Add(14*24*time.Hour)))
	assert.True(t, TrialExpired(sub, testNow.Add(15*24*time.Hour)))

	active := activeSub(testNow)
	assert.False(t, TrialExpired(active, testNow.Add(100*24*time.Hour)))
}

func TestAllowedFrom_Deterministic(t *testing.T) {
	first := AllowedFrom(types.StatusActive)
	second := AllowedFrom(types.StatusActive)
	assert.Equal(t, first, second)
	assert.ElementsMatch(t, []string{OpCancel, OpChangePlan, OpMarkPastDue}, first)
}

func TestAllowedFrom_Canceled(t *testing.T) {
	assert.Equal(t, []string{OpReactivate}, AllowedFrom(types.StatusCanceled))
}
