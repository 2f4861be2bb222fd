package perp

import "math/big"

// Insurance and socialized-loss accounting. The insurance balance and all
// fee pots are ledger entries against the shared vault: crediting them moves
// no custody, it only re-labels pooled collateral, which keeps the solvency
// identity (vault >= sum of effective margins + insurance) checkable.

// applyTradeFee charges the trade fee on a USD leg and splits it between
// the market creator, the insurance balance and liquidity providers. The LP
// share accrues per liquidity unit; with no liquidity outstanding it falls
// through to insurance. Returns the total fee charged.
func (m *Market) applyTradeFee(usdLeg *big.Int) *big.Int {
	fee := ppmShare(usdLeg, m.fees.TradeFeePPM())
	if fee.Sign() <= 0 {
		return new(big.Int)
	}

	creator := ppmShare(fee, m.fees.CreatorSharePPM())
	insurance := ppmShare(fee, m.fees.InsuranceSharePPM())
	lp := new(big.Int).Sub(fee, creator)
	lp.Sub(lp, insurance)

	m.creatorFeeBalance.Add(m.creatorFeeBalance, creator)
	m.insuranceBalance.Add(m.insuranceBalance, insurance)

	if m.totalLiquidity.Sign() > 0 {
		growth := new(big.Int).Lsh(lp, 96)
		growth.Quo(growth, m.totalLiquidity)
		m.lpFeeGrowthX96.Add(m.lpFeeGrowthX96, growth)
	} else {
		m.insuranceBalance.Add(m.insuranceBalance, lp)
	}
	return fee
}

// absorbDeficit covers a liquidated position's shortfall: insurance first,
// then auto-deleveraging by raising the bad-debt growth accumulator in
// proportion to the remaining open notional. excludeNotional is the closing
// position's own entry notional, which no longer shares the loss.
//
// Returns the insurance amount drawn, the socialized remainder and the
// growth delta applied (zero when nothing was socialized).
func (m *Market) absorbDeficit(deficit, excludeNotional *big.Int) (drawn, socialized, growthDeltaX96 *big.Int) {
	drawn = new(big.Int)
	socialized = new(big.Int)
	growthDeltaX96 = new(big.Int)

	if deficit.Sign() <= 0 {
		return drawn, socialized, growthDeltaX96
	}

	remainder := clone(deficit)
	if m.insuranceBalance.Sign() > 0 {
		if m.insuranceBalance.Cmp(remainder) >= 0 {
			drawn.Set(remainder)
		} else {
			drawn.Set(m.insuranceBalance)
		}
		m.insuranceBalance.Sub(m.insuranceBalance, drawn)
		remainder.Sub(remainder, drawn)
	}

	if remainder.Sign() <= 0 {
		return drawn, socialized, growthDeltaX96
	}

	denom := new(big.Int).Sub(m.openNotional, excludeNotional)
	if denom.Sign() <= 0 {
		// No surviving positions to socialize across; the shortfall stays
		// against the vault. Callers log this as a solvency incident.
		socialized.Set(remainder)
		return drawn, socialized, growthDeltaX96
	}

	growthDeltaX96.Lsh(remainder, 96)
	growthDeltaX96.Quo(growthDeltaX96, denom)
	m.badDebtGrowthX96.Add(m.badDebtGrowthX96, growthDeltaX96)
	socialized.Set(remainder)
	return drawn, socialized, growthDeltaX96
}
