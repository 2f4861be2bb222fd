package perp

import "math/big"

// FundingIntervalSeconds normalizes the premium into a per-second rate: the
// full premium (mark - index) is paid over one day, evaluated continuously.
// Every trade is a funding checkpoint.
const FundingIntervalSeconds = 86_400

// FundingState carries the market's continuous funding accumulators.
//
// PremiumPerSecondX96 is (mark - index) / FundingIntervalSeconds in micro-USD
// per micro-PERP per second, X96 scaled and signed. This equals the classic
// "(mark-index)/index per day" funding rate applied to index notional, kept
// in price terms so a position's payment is size * accumulator delta.
//
// CumulativeFundingDivSqrtPriceX96 integrates the same premium divided by
// the sqrt mark price; together with CumulativeFundingX96 it lets a
// concentrated-liquidity maker's funding be reconstructed from range
// snapshots alone (see quoteMaker).
type FundingState struct {
	CumulativeFundingX96             *big.Int
	CumulativeFundingDivSqrtPriceX96 *big.Int
	PremiumPerSecondX96              *big.Int
	LastUpdate                       int64
}

// NewFundingState creates a settled funding state at now.
func NewFundingState(now int64) *FundingState {
	return &FundingState{
		CumulativeFundingX96:             new(big.Int),
		CumulativeFundingDivSqrtPriceX96: new(big.Int),
		PremiumPerSecondX96:              new(big.Int),
		LastUpdate:                       now,
	}
}

// Settle accrues the running premium up to now and recomputes the premium
// from the supplied mark and index prices. Must run exactly once per
// state-changing entry point, before any position math. Calling twice with
// no elapsed time changes nothing but the premium recomputation.
func (f *FundingState) Settle(now int64, sqrtMarkPriceX96, indexPriceX96 *big.Int) error {
	if now < f.LastUpdate {
		return ErrClockRegression
	}
	if indexPriceX96 == nil || indexPriceX96.Sign() <= 0 {
		return ErrInvalidIndexPrice
	}
	if sqrtMarkPriceX96 == nil || sqrtMarkPriceX96.Sign() <= 0 {
		return ErrInvalidIndexPrice
	}

	if elapsed := now - f.LastUpdate; elapsed > 0 {
		accrued := new(big.Int).Mul(f.PremiumPerSecondX96, big.NewInt(elapsed))
		f.CumulativeFundingX96.Add(f.CumulativeFundingX96, accrued)

		divSqrt := new(big.Int).Lsh(accrued, 96)
		divSqrt.Quo(divSqrt, sqrtMarkPriceX96)
		f.CumulativeFundingDivSqrtPriceX96.Add(f.CumulativeFundingDivSqrtPriceX96, divSqrt)
	}

	markX96 := markFromSqrtX96(sqrtMarkPriceX96)
	premium := new(big.Int).Sub(markX96, indexPriceX96)
	premium.Quo(premium, big.NewInt(FundingIntervalSeconds))

	f.PremiumPerSecondX96 = premium
	f.LastUpdate = now
	return nil
}

// Projected returns the accumulator values as they would be after settling
// at now against sqrtMarkPriceX96, without mutating state. Used by the
// read-only quoting path.
func (f *FundingState) Projected(now int64, sqrtMarkPriceX96 *big.Int) (fundingX96, divSqrtX96 *big.Int) {
	fundingX96 = clone(f.CumulativeFundingX96)
	divSqrtX96 = clone(f.CumulativeFundingDivSqrtPriceX96)

	elapsed := now - f.LastUpdate
	if elapsed <= 0 || sqrtMarkPriceX96 == nil || sqrtMarkPriceX96.Sign() <= 0 {
		return fundingX96, divSqrtX96
	}

	accrued := new(big.Int).Mul(f.PremiumPerSecondX96, big.NewInt(elapsed))
	fundingX96.Add(fundingX96, accrued)

	divSqrt := new(big.Int).Lsh(accrued, 96)
	divSqrt.Quo(divSqrt, sqrtMarkPriceX96)
	divSqrtX96.Add(divSqrtX96, divSqrt)
	return fundingX96, divSqrtX96
}

// TakerFundingOwed computes the funding a taker owes since entry: the
// accumulator delta times the signed position size. Longs pay when the
// premium has been positive, shorts receive.
func TakerFundingOwed(entryCumulativeFundingX96, currentCumulativeFundingX96, entryPerpDelta *big.Int) *big.Int {
	delta := new(big.Int).Sub(currentCumulativeFundingX96, entryCumulativeFundingX96)
	return mulQ96(delta, entryPerpDelta)
}
