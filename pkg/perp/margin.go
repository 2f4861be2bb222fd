package perp

import "math/big"

// quotePosition computes live PnL, funding owed, bad-debt charge and
// effective margin for an open position at the current venue price, without
// mutating any state. Funding accumulators are projected to now so the
// answer matches what a settle-then-close at the same instant would produce.
func quotePosition(m *Market, pos *Position, now int64) QuoteResult {
	sqrtPrice := m.venue.SqrtPriceX96()
	currentTick := m.venue.CurrentTick()
	projFunding, projDivSqrt := m.funding.Projected(now, sqrtPrice)

	badDebt := new(big.Int).Sub(m.badDebtGrowthX96, pos.EntryBadDebtGrowthX96)
	badDebt = mulQ96(badDebt, pos.EntryNotional)

	var pnl, fundingOwed, lpFees *big.Int
	if pos.Maker {
		pnl, fundingOwed, lpFees = quoteMaker(m, pos, sqrtPrice, currentTick, projFunding, projDivSqrt)
	} else {
		var ok bool
		pnl, fundingOwed, ok = quoteTaker(m, pos, projFunding)
		if !ok {
			return QuoteResult{OK: false}
		}
		lpFees = new(big.Int)
	}

	eff := new(big.Int).Add(pos.Margin, pnl)
	eff.Sub(eff, fundingOwed)
	eff.Sub(eff, badDebt)
	eff.Add(eff, lpFees)

	return QuoteResult{
		OK:              true,
		PnL:             pnl,
		FundingOwed:     fundingOwed,
		BadDebtCharge:   badDebt,
		LpFeesOwed:      lpFees,
		EffectiveMargin: eff,
		Liquidatable:    liquidatable(eff, pos.EntryNotional, pos.LiquidationMarginRatioX96),
	}
}

// liquidatable applies the frozen entry ratio: a position is liquidatable
// iff effectiveMargin/notional is strictly below the ratio. Exact equality
// stays safe.
func liquidatable(effectiveMargin, notional, ratioX96 *big.Int) bool {
	if notional.Sign() <= 0 {
		return false
	}
	lhs := new(big.Int).Lsh(effectiveMargin, 96)
	rhs := new(big.Int).Mul(ratioX96, notional)
	return lhs.Cmp(rhs) < 0
}

// quoteTaker values a taker unwind against the venue. ok is false when the
// venue cannot quote the implied trade; the caller must surface that as
// indeterminate rather than zero.
func quoteTaker(m *Market, pos *Position, projFundingX96 *big.Int) (pnl, fundingOwed *big.Int, ok bool) {
	size := new(big.Int).Abs(pos.EntryPerpDelta)
	dir := BuyPerp
	if pos.Long {
		dir = SellPerp
	}

	usdAmount, _, err := m.venue.QuoteExactPerp(dir, size)
	if err != nil {
		return nil, nil, false
	}

	if pos.Long {
		// Sold the position back: USD received minus entry cost.
		pnl = new(big.Int).Add(usdAmount, pos.EntryUsdDelta)
	} else {
		// Bought the position back: entry proceeds minus USD paid.
		pnl = new(big.Int).Sub(pos.EntryUsdDelta, usdAmount)
	}

	fundingOwed = TakerFundingOwed(pos.EntryCumulativeFundingX96, projFundingX96, pos.EntryPerpDelta)
	return pnl, fundingOwed, true
}

// quoteMaker values a maker range at the current price and reconstructs its
// funding obligation from entry snapshots alone.
//
// While the price is inside the range the maker holds
// L/sqrtP - L/sqrtUpper perp, so its funding integral decomposes into the
// within-range div-sqrt-price growth and the plain within-range growth.
// Below the range the holding is constant, covered by the below-range
// growth. Above the range the perp holding is zero and no funding accrues.
func quoteMaker(m *Market, pos *Position, sqrtPriceX96 *big.Int, currentTick int32, projFundingX96, projDivSqrtX96 *big.Int) (pnl, fundingOwed, lpFees *big.Int) {
	sqrtA := TickSqrtPriceX96(pos.TickLower)
	sqrtB := TickSqrtPriceX96(pos.TickUpper)

	value := rangeValueUsd(pos.Liquidity, sqrtA, sqrtB, sqrtPriceX96)
	pnl = new(big.Int).Sub(value, pos.EntryNotional)

	within, withinDiv := m.ticks.GrowthInside(pos.TickLower, pos.TickUpper, currentTick, projFundingX96, projDivSqrtX96)
	below := m.ticks.GrowthBelow(pos.TickLower, currentTick, projFundingX96)

	deltaWithin := new(big.Int).Sub(within, pos.EntryFundingWithinX96)
	deltaWithinDiv := new(big.Int).Sub(withinDiv, pos.EntryFundingWithinDivSqrtX96)
	deltaBelow := new(big.Int).Sub(below, pos.EntryFundingBelowX96)

	// owed = L*deltaWithinDiv - L*deltaWithin/sqrtUpper + perpBelow*deltaBelow
	owedWithin := mulQ96(pos.Liquidity, deltaWithinDiv)
	adj := new(big.Int).Mul(pos.Liquidity, deltaWithin)
	adj.Quo(adj, sqrtB)
	owedWithin.Sub(owedWithin, adj)

	perpBelow := perpAmountForLiquidity(pos.Liquidity, sqrtA, sqrtB)
	owedBelow := mulQ96(perpBelow, deltaBelow)

	fundingOwed = owedWithin.Add(owedWithin, owedBelow)

	lpDelta := new(big.Int).Sub(m.lpFeeGrowthX96, pos.EntryLpFeeGrowthX96)
	lpFees = mulQ96(pos.Liquidity, lpDelta)

	return pnl, fundingOwed, lpFees
}
