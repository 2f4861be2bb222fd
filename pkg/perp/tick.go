package perp

import "math/big"

// TickGrowth records, for one initialized tick, the funding growth that has
// accumulated on the far side of the tick relative to the current price,
// plus the gross liquidity referencing the tick. Growth inside a range is
// recovered by subtraction, so a maker's funding obligation never needs the
// trade history between its entry and exit.
type TickGrowth struct {
	OutsideFundingX96             *big.Int
	OutsideFundingDivSqrtPriceX96 *big.Int
	GrossLiquidity                *big.Int
}

// TickTable lazily tracks growth-outside values per referenced tick.
type TickTable struct {
	ticks map[int32]*TickGrowth
}

// NewTickTable creates an empty table.
func NewTickTable() *TickTable {
	return &TickTable{ticks: make(map[int32]*TickGrowth)}
}

// Get returns the entry for tick, or nil if the tick is uninitialized.
func (t *TickTable) Get(tick int32) *TickGrowth {
	return t.ticks[tick]
}

// Touch initializes tick on first reference. Growth before initialization is
// by convention assumed to have occurred below the tick: ticks at or below
// the current tick start with outside = global, ticks above start at zero.
func (t *TickTable) Touch(tick, currentTick int32, globalFundingX96, globalDivSqrtX96 *big.Int) *TickGrowth {
	if g, ok := t.ticks[tick]; ok {
		return g
	}
	g := &TickGrowth{
		OutsideFundingX96:             new(big.Int),
		OutsideFundingDivSqrtPriceX96: new(big.Int),
		GrossLiquidity:                new(big.Int),
	}
	if tick <= currentTick {
		g.OutsideFundingX96.Set(globalFundingX96)
		g.OutsideFundingDivSqrtPriceX96.Set(globalDivSqrtX96)
	}
	t.ticks[tick] = g
	return g
}

// AddLiquidity increases the gross liquidity referencing tick.
func (t *TickTable) AddLiquidity(tick int32, liquidity *big.Int) {
	if g, ok := t.ticks[tick]; ok {
		g.GrossLiquidity.Add(g.GrossLiquidity, liquidity)
	}
}

// RemoveLiquidity decreases the gross liquidity referencing tick and clears
// the entry once no position references it.
func (t *TickTable) RemoveLiquidity(tick int32, liquidity *big.Int) {
	g, ok := t.ticks[tick]
	if !ok {
		return
	}
	g.GrossLiquidity.Sub(g.GrossLiquidity, liquidity)
	if g.GrossLiquidity.Sign() <= 0 {
		delete(t.ticks, tick)
	}
}

// Cross flips a tick's growth-outside values as the price moves across it:
// outside becomes global - outside.
func (t *TickTable) Cross(tick int32, globalFundingX96, globalDivSqrtX96 *big.Int) {
	g, ok := t.ticks[tick]
	if !ok {
		return
	}
	g.OutsideFundingX96.Sub(globalFundingX96, g.OutsideFundingX96)
	g.OutsideFundingDivSqrtPriceX96.Sub(globalDivSqrtX96, g.OutsideFundingDivSqrtPriceX96)
}

// CrossRange crosses every initialized tick strictly traversed by a price
// move from oldTick to newTick. Moving up crosses ticks in (old, new];
// moving down crosses ticks in (new, old].
func (t *TickTable) CrossRange(oldTick, newTick int32, globalFundingX96, globalDivSqrtX96 *big.Int) {
	if oldTick == newTick {
		return
	}
	lo, hi := oldTick, newTick
	if lo > hi {
		lo, hi = hi, lo
	}
	for tick := range t.ticks {
		if tick > lo && tick <= hi {
			t.Cross(tick, globalFundingX96, globalDivSqrtX96)
		}
	}
}

// GrowthBelow returns the global-funding growth accumulated while the price
// was below the given tick. The tick must be initialized.
func (t *TickTable) GrowthBelow(tick, currentTick int32, globalFundingX96 *big.Int) *big.Int {
	g := t.ticks[tick]
	if g == nil {
		return new(big.Int)
	}
	if currentTick >= tick {
		return clone(g.OutsideFundingX96)
	}
	return new(big.Int).Sub(globalFundingX96, g.OutsideFundingX96)
}

// GrowthInside returns the funding growth (plain and div-sqrt-price)
// accumulated while the price was inside [tickLower, tickUpper). Both ticks
// must be initialized.
func (t *TickTable) GrowthInside(tickLower, tickUpper, currentTick int32, globalFundingX96, globalDivSqrtX96 *big.Int) (fundingX96, divSqrtX96 *big.Int) {
	lower, upper := t.ticks[tickLower], t.ticks[tickUpper]
	if lower == nil || upper == nil {
		return new(big.Int), new(big.Int)
	}

	inside := func(global, outsideLower, outsideUpper *big.Int) *big.Int {
		below := new(big.Int)
		if currentTick >= tickLower {
			below.Set(outsideLower)
		} else {
			below.Sub(global, outsideLower)
		}
		above := new(big.Int)
		if currentTick < tickUpper {
			above.Set(outsideUpper)
		} else {
			above.Sub(global, outsideUpper)
		}
		out := new(big.Int).Sub(global, below)
		return out.Sub(out, above)
	}

	fundingX96 = inside(globalFundingX96, lower.OutsideFundingX96, upper.OutsideFundingX96)
	divSqrtX96 = inside(globalDivSqrtX96, lower.OutsideFundingDivSqrtPriceX96, upper.OutsideFundingDivSqrtPriceX96)
	return fundingX96, divSqrtX96
}

// Len reports the number of initialized ticks.
func (t *TickTable) Len() int { return len(t.ticks) }
