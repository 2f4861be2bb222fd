package perp

import (
	"math/big"
	"sort"
)

// Market is the per-instrument accounting state. Created once by
// Engine.CreateMarket, mutated by every trade, never destroyed.
type Market struct {
	ID        string
	PerpToken string
	UsdToken  string
	Creator   string
	CreatedAt int64

	venue       ExecutionVenue
	beacon      Beacon
	vault       Vault
	fees        FeesPolicy
	margin      MarginPolicy
	lockup      LockupPolicy
	priceImpact PriceImpactPolicy

	funding *FundingState
	twap    *Observations
	ticks   *TickTable

	positions      map[uint64]*Position
	nextPositionID uint64

	// Aggregates. takerOpenInterest sums open taker entry notional;
	// openNotional sums entry notional across all open positions and is the
	// socialization denominator for bad debt.
	takerOpenInterest *big.Int
	openNotional      *big.Int
	totalLiquidity    *big.Int

	insuranceBalance  *big.Int
	creatorFeeBalance *big.Int
	badDebtGrowthX96  *big.Int
	lpFeeGrowthX96    *big.Int

	// Settlements custody refused to pay at close. The vault still holds
	// the funds; holders claim them via Engine.ClaimSettlement.
	pendingPayouts     map[string]*big.Int
	pendingPayoutTotal *big.Int
}

// MarketConfig wires a new market's identity, collaborators and policies.
// Nil policies fall back to the package defaults.
type MarketConfig struct {
	ID        string
	PerpToken string
	UsdToken  string
	Creator   string

	Venue  ExecutionVenue
	Beacon Beacon
	Vault  Vault

	Fees        FeesPolicy
	Margin      MarginPolicy
	Lockup      LockupPolicy
	PriceImpact PriceImpactPolicy

	// TwapCardinalityCap pre-sizes the mark TWAP buffer; minimum 1.
	TwapCardinalityCap int
}

// InsuranceBalance returns the market's insurance balance in micro-USD.
func (m *Market) InsuranceBalance() *big.Int { return clone(m.insuranceBalance) }

// CreatorFeeBalance returns accrued, unclaimed creator fees.
func (m *Market) CreatorFeeBalance() *big.Int { return clone(m.creatorFeeBalance) }

// BadDebtGrowthX96 returns the monotone socialized-loss accumulator.
func (m *Market) BadDebtGrowthX96() *big.Int { return clone(m.badDebtGrowthX96) }

// TakerOpenInterest returns aggregate open taker entry notional.
func (m *Market) TakerOpenInterest() *big.Int { return clone(m.takerOpenInterest) }

// PendingSettlement returns the holder's unclaimed deferred settlement.
func (m *Market) PendingSettlement(holder string) *big.Int {
	if v, ok := m.pendingPayouts[holder]; ok {
		return clone(v)
	}
	return new(big.Int)
}

// PendingPayouts returns a copy of all deferred settlements by holder.
func (m *Market) PendingPayouts() map[string]*big.Int {
	out := make(map[string]*big.Int, len(m.pendingPayouts))
	for holder, v := range m.pendingPayouts {
		out[holder] = clone(v)
	}
	return out
}

func (m *Market) addPendingPayout(holder string, amount *big.Int) {
	if v, ok := m.pendingPayouts[holder]; ok {
		v.Add(v, amount)
	} else {
		m.pendingPayouts[holder] = clone(amount)
	}
	m.pendingPayoutTotal.Add(m.pendingPayoutTotal, amount)
}

// FundingState returns a copy of the market funding accumulators.
func (m *Market) FundingState() FundingState {
	return FundingState{
		CumulativeFundingX96:             clone(m.funding.CumulativeFundingX96),
		CumulativeFundingDivSqrtPriceX96: clone(m.funding.CumulativeFundingDivSqrtPriceX96),
		PremiumPerSecondX96:              clone(m.funding.PremiumPerSecondX96),
		LastUpdate:                       m.funding.LastUpdate,
	}
}

// MarkTwapX96 returns the time-weighted mark price over the trailing window.
func (m *Market) MarkTwapX96(now, window int64) *big.Int {
	return m.twap.TimeWeightedAvg(now, window, markFromSqrtX96(m.venue.SqrtPriceX96()))
}

// OpenPositions returns the live positions ordered by id.
func (m *Market) OpenPositions() []*Position {
	out := make([]*Position, 0, len(m.positions))
	for _, p := range m.positions {
		if p.Open() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Position is one maker or taker position, identified by (market, ID).
// A position with Holder == "" is logically closed and excluded from every
// aggregate; ids are never reused.
type Position struct {
	ID     uint64
	Market string
	Holder string
	Maker  bool
	Long   bool // takers only

	Margin *big.Int

	// Entry deltas from the holder's perspective: positive PERP received /
	// USD received. A long taker has positive EntryPerpDelta and negative
	// EntryUsdDelta; a short the opposite; a maker's deltas record the
	// amounts deposited (both negative).
	EntryPerpDelta *big.Int
	EntryUsdDelta  *big.Int
	EntryNotional  *big.Int

	EntryCumulativeFundingX96 *big.Int
	EntryBadDebtGrowthX96     *big.Int
	LiquidationMarginRatioX96 *big.Int

	OpenedAt int64
	FeesPaid *big.Int

	// Maker-only fields.
	UnlockTime                   int64
	TickLower, TickUpper         int32
	Liquidity                    *big.Int
	EntryFundingBelowX96         *big.Int
	EntryFundingWithinX96        *big.Int
	EntryFundingWithinDivSqrtX96 *big.Int
	EntryLpFeeGrowthX96          *big.Int
}

// Open reports whether the position is still live.
func (p *Position) Open() bool { return p != nil && p.Holder != "" }

// QuoteResult is the outcome of quoting a position close. OK is false when
// the position cannot be quoted (the venue rejected the implied unwind);
// the remaining fields are then undefined and the caller must treat the
// position as indeterminate, not as zero.
type QuoteResult struct {
	OK              bool
	PnL             *big.Int
	FundingOwed     *big.Int
	BadDebtCharge   *big.Int
	LpFeesOwed      *big.Int
	EffectiveMargin *big.Int
	Liquidatable    bool
}

// OpenMakerParams are the inputs to Engine.OpenMaker.
type OpenMakerParams struct {
	Market    string
	Holder    string
	Margin    *big.Int
	Liquidity *big.Int
	TickLower int32
	TickUpper int32
	// Slippage caps on the deposit legs; nil disables.
	MaxPerpIn *big.Int
	MaxUsdIn  *big.Int
}

// OpenTakerParams are the inputs to Engine.OpenTaker.
type OpenTakerParams struct {
	Market      string
	Holder      string
	Long        bool
	Margin      *big.Int
	LeverageX96 *big.Int
	// SqrtPriceLimitX96 bounds the execution price; nil uses the market's
	// price-impact policy bound.
	SqrtPriceLimitX96 *big.Int
}

// CloseParams are the inputs to Engine.ClosePosition and Engine.Liquidate.
type CloseParams struct {
	Market            string
	PositionID        uint64
	Caller            string
	SqrtPriceLimitX96 *big.Int
}

// CloseResult reports the realized outcome of closing a position.
// Settlement is the amount owed out of the vault; zero when the effective
// margin was exhausted. SettlementDeferred is set when custody refused the
// payout: the position is closed regardless and the amount is claimable via
// Engine.ClaimSettlement.
type CloseResult struct {
	PnL                *big.Int
	FundingOwed        *big.Int
	EffectiveMargin    *big.Int
	Settlement         *big.Int
	Liquidation        bool
	SettlementDeferred bool
}
