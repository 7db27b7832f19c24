// Package tax computes Canadian sales tax breakdowns for subscription charges.
//
// Each of the 13 jurisdictions falls into one of four regimes: GST only,
// GST+PST, HST, or GST+QST. Quebec's QST is computed on the GST-inclusive
// base, not by simple rate addition. All amounts are integer cents, rounded
// half-up per tax line, so repeated computation never drifts.
package tax

import (
	"fmt"

	"maplebill/internal/types"
)

// rateTable holds the per-province rates in basis points (1/100 of a percent)
// to keep the table integral. QSTOnGSTBase marks Quebec's compounding rule.
type provinceRates struct {
	GSTBps       int64
	PSTBps       int64
	HSTBps       int64
	QSTBps       int64
	QSTOnGSTBase bool
}

// rates is the authoritative jurisdiction table. Exactly one regime per
// province: GST-only territories, GST+PST western provinces, HST atlantic
// provinces and Ontario, and Quebec's GST+QST.
var rates = map[types.ProvinceCode]provinceRates{
	types.ProvinceAB: {GSTBps: 500},
	types.ProvinceNT: {GSTBps: 500},
	types.ProvinceNU: {GSTBps: 500},
	types.ProvinceYT: {GSTBps: 500},

	types.ProvinceBC: {GSTBps: 500, PSTBps: 700},
	types.ProvinceMB: {GSTBps: 500, PSTBps: 700},
	types.ProvinceSK: {GSTBps: 500, PSTBps: 600},

	types.ProvinceON: {HSTBps: 1300},
	types.ProvinceNB: {HSTBps: 1500},
	types.ProvinceNL: {HSTBps: 1500},
	types.ProvinceNS: {HSTBps: 1500},
	types.ProvincePE: {HSTBps: 1500},

	// Quebec: 9.5% QST on the GST-inclusive amount, a 9.975% effective rate
	// on the pre-tax subtotal.
	types.ProvinceQC: {GSTBps: 500, QSTBps: 950, QSTOnGSTBase: true},
}

// Result is the outcome of a tax computation: the breakdown plus the
// tax-inclusive total.
type Result struct {
	Subtotal types.Cents
	Tax      types.TaxBreakdown
	Total    types.Cents
}

// Compute maps (subtotal, province) to a tax breakdown and total.
//
// Contract:
//   - output lines are mutually exclusive per province (never both PST and HST)
//   - Total = Subtotal + sum of populated tax lines
//   - each line is rounded half-up independently
//   - unknown provinces fail; there is no silent default jurisdiction
func Compute(subtotal types.Cents, province types.ProvinceCode) (Result, error) {
	if subtotal < 0 {
		return Result{}, types.NewAppError(
			types.ErrCodeValidationInvalidAmount,
			fmt.Sprintf("subtotal must be non-negative, got %d", subtotal),
			nil,
		)
	}

	r, ok := rates[province]
	if !ok {
		return Result{}, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidProvince,
			fmt.Sprintf("unknown province code %q", province),
			nil,
			map[string]any{"province": string(province)},
		)
	}

	var breakdown types.TaxBreakdown

	if r.HSTBps > 0 {
		hst := roundHalfUpBps(subtotal, r.HSTBps)
		breakdown.HST = &hst
	} else {
		gst := roundHalfUpBps(subtotal, r.GSTBps)
		breakdown.GST = &gst

		if r.PSTBps > 0 {
			pst := roundHalfUpBps(subtotal, r.PSTBps)
			breakdown.PST = &pst
		}

		if r.QSTOnGSTBase {
			// QST applies to the GST-inclusive amount.
			base := subtotal + gst
			qst := roundHalfUpBps(base, r.QSTBps)
			breakdown.QST = &qst
		}
	}

	return Result{
		Subtotal: subtotal,
		Tax:      breakdown,
		Total:    subtotal + breakdown.Sum(),
	}, nil
}

// roundHalfUpBps applies a basis-point rate with half-up rounding, entirely
// in integer arithmetic: (amount*bps + 5000) / 10000 truncated.
func roundHalfUpBps(amount types.Cents, bps int64) types.Cents {
	return types.Cents((int64(amount)*bps + 5000) / 10000)
}
