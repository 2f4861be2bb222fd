package perp

import "math/big"

// Policies are selected per market at creation time and injected into the
// Market; the core never hard-codes one. A position freezes the liquidation
// ratio in force at its entry so later policy swaps cannot retroactively
// change existing positions.

// FeesPolicy prices trading and liquidation fees.
type FeesPolicy interface {
	// TradeFeePPM is the total fee rate charged on the USD-in leg of a trade.
	TradeFeePPM() uint64
	// CreatorSharePPM and InsuranceSharePPM split the trade fee; the
	// remainder accrues to liquidity providers.
	CreatorSharePPM() uint64
	InsuranceSharePPM() uint64
	// LiquidationFeePPM is charged on notional when a position is force
	// closed, paid into the insurance balance.
	LiquidationFeePPM() uint64
}

// MarginPolicy bounds collateral, leverage and margin ratios.
type MarginPolicy interface {
	MinMargin() *big.Int
	MaxMargin() *big.Int
	MinLeverageX96() *big.Int
	MaxLeverageX96() *big.Int
	// InitialMarginRatioX96 is the minimum margin/notional ratio at open.
	InitialMarginRatioX96(maker bool) *big.Int
	// LiquidationMarginRatioX96 is the ratio below which a position becomes
	// liquidatable. Snapshotted into each position at entry.
	LiquidationMarginRatioX96(maker bool) *big.Int
}

// LockupPolicy delays maker withdrawals to deter single-block manipulation.
type LockupPolicy interface {
	LockupPeriod() int64 // seconds
}

// PriceImpactPolicy caps how far a single trade may move the venue price.
type PriceImpactPolicy interface {
	// SqrtPriceBoundX96 returns the furthest sqrt price a trade may reach
	// from current, in the given direction (up = true for price increases).
	SqrtPriceBoundX96(currentSqrtPriceX96 *big.Int, up bool) *big.Int
}

// StandardFees is the default fee schedule.
type StandardFees struct {
	TradePPM       uint64
	CreatorPPM     uint64
	InsurancePPM   uint64
	LiquidationPPM uint64
}

// DefaultFees returns a 30bps trade fee split 20% creator / 30% insurance /
// 50% LP, with a 50bps liquidation fee.
func DefaultFees() *StandardFees {
	return &StandardFees{
		TradePPM:       3_000,
		CreatorPPM:     200_000,
		InsurancePPM:   300_000,
		LiquidationPPM: 5_000,
	}
}

func (f *StandardFees) TradeFeePPM() uint64       { return f.TradePPM }
func (f *StandardFees) CreatorSharePPM() uint64   { return f.CreatorPPM }
func (f *StandardFees) InsuranceSharePPM() uint64 { return f.InsurancePPM }
func (f *StandardFees) LiquidationFeePPM() uint64 { return f.LiquidationPPM }

// StandardMargin is the default margin policy.
type StandardMargin struct {
	MarginMin          *big.Int
	MarginMax          *big.Int
	LeverageMinX96     *big.Int
	LeverageMaxX96     *big.Int
	InitialRatioX96    *big.Int
	InitialMakerX96    *big.Int
	LiquidationX96     *big.Int
	LiquidationMkrX96  *big.Int
}

// DefaultMargin returns 1 USD..10M USD margin bounds, 1x..20x leverage, 8%
// initial / 5% liquidation ratio for takers and 5% / 3% for makers.
func DefaultMargin() *StandardMargin {
	return &StandardMargin{
		MarginMin:         big.NewInt(1 * AmountScale),
		MarginMax:         big.NewInt(10_000_000 * AmountScale),
		LeverageMinX96:    NewQ96(1),
		LeverageMaxX96:    NewQ96(20),
		InitialRatioX96:   ratioPPMX96(80_000),
		InitialMakerX96:   ratioPPMX96(50_000),
		LiquidationX96:    ratioPPMX96(50_000),
		LiquidationMkrX96: ratioPPMX96(30_000),
	}
}

func (m *StandardMargin) MinMargin() *big.Int      { return clone(m.MarginMin) }
func (m *StandardMargin) MaxMargin() *big.Int      { return clone(m.MarginMax) }
func (m *StandardMargin) MinLeverageX96() *big.Int { return clone(m.LeverageMinX96) }
func (m *StandardMargin) MaxLeverageX96() *big.Int { return clone(m.LeverageMaxX96) }

func (m *StandardMargin) InitialMarginRatioX96(maker bool) *big.Int {
	if maker {
		return clone(m.InitialMakerX96)
	}
	return clone(m.InitialRatioX96)
}

func (m *StandardMargin) LiquidationMarginRatioX96(maker bool) *big.Int {
	if maker {
		return clone(m.LiquidationMkrX96)
	}
	return clone(m.LiquidationX96)
}

// StandardLockup is a fixed-period lockup.
type StandardLockup struct {
	Period int64
}

// DefaultLockup returns a 2 hour maker lockup.
func DefaultLockup() *StandardLockup { return &StandardLockup{Period: 2 * 3600} }

func (l *StandardLockup) LockupPeriod() int64 { return l.Period }

// StandardPriceImpact bounds a single trade's price move to a fraction of
// the current price.
type StandardPriceImpact struct {
	MaxMovePPM uint64
}

// DefaultPriceImpact allows a 5% sqrt-price move per trade.
func DefaultPriceImpact() *StandardPriceImpact { return &StandardPriceImpact{MaxMovePPM: 50_000} }

func (p *StandardPriceImpact) SqrtPriceBoundX96(currentSqrtPriceX96 *big.Int, up bool) *big.Int {
	move := ppmShare(currentSqrtPriceX96, p.MaxMovePPM)
	out := clone(currentSqrtPriceX96)
	if up {
		return out.Add(out, move)
	}
	return out.Sub(out, move)
}

// ratioPPMX96 converts a parts-per-million ratio to X96.
func ratioPPMX96(ppm uint64) *big.Int {
	out := new(big.Int).Lsh(new(big.Int).SetUint64(ppm), 96)
	return out.Quo(out, big.NewInt(PPMDenominator))
}
