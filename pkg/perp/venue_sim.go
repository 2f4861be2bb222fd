package perp

import (
	"math/big"
	"sync"
)

// PoolVenue is the reference ExecutionVenue: a single-pool constant-
// liquidity sqrt-price curve with exact integer math. It exists so the
// repository runs end to end (tests, perpd) without an external venue; the
// accounting core itself only ever sees the ExecutionVenue interface.
//
// Swaps treat the whole pool as one liquidity range. Maker ranges added
// through AddLiquidity contribute to the active liquidity while the current
// price is inside them at the time of the call; the engine, not the venue,
// owns range-localized funding attribution.
type PoolVenue struct {
	mu           sync.Mutex
	sqrtPriceX96 *big.Int
	liquidity    *big.Int
}

// NewPoolVenue creates a venue at the given sqrt price with base liquidity.
func NewPoolVenue(sqrtPriceX96, baseLiquidity *big.Int) *PoolVenue {
	return &PoolVenue{
		sqrtPriceX96: clone(sqrtPriceX96),
		liquidity:    clone(baseLiquidity),
	}
}

func (v *PoolVenue) SqrtPriceX96() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return clone(v.sqrtPriceX96)
}

func (v *PoolVenue) CurrentTick() int32 {
	return TickAtSqrtPrice(v.SqrtPriceX96())
}

// Liquidity returns the active swap liquidity.
func (v *PoolVenue) Liquidity() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return clone(v.liquidity)
}

func (v *PoolVenue) SwapExactUsd(dir TradeDirection, usdAmount *big.Int, limits SwapLimits) (*big.Int, *big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	perpAmount, newSqrt, err := v.quoteExactUsd(dir, usdAmount)
	if err != nil {
		return nil, nil, err
	}
	if err := checkSwapLimits(dir, newSqrt, perpAmount, limits); err != nil {
		return nil, nil, err
	}
	v.sqrtPriceX96 = newSqrt
	return perpAmount, clone(newSqrt), nil
}

func (v *PoolVenue) SwapExactPerp(dir TradeDirection, perpAmount *big.Int, limits SwapLimits) (*big.Int, *big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	usdAmount, newSqrt, err := v.quoteExactPerp(dir, perpAmount)
	if err != nil {
		return nil, nil, err
	}
	if err := checkSwapLimits(dir, newSqrt, usdAmount, limits); err != nil {
		return nil, nil, err
	}
	v.sqrtPriceX96 = newSqrt
	return usdAmount, clone(newSqrt), nil
}

func (v *PoolVenue) QuoteExactPerp(dir TradeDirection, perpAmount *big.Int) (*big.Int, *big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.quoteExactPerp(dir, perpAmount)
}

// quoteExactUsd prices an exact-USD swap against the curve.
//
//	BuyPerp:  sqrtNew = sqrt + usd*Q96/L, perpOut over [sqrt, sqrtNew]
//	SellPerp: sqrtNew = sqrt - usd*Q96/L, perpIn  over [sqrtNew, sqrt]
func (v *PoolVenue) quoteExactUsd(dir TradeDirection, usdAmount *big.Int) (perpAmount, newSqrtPriceX96 *big.Int, err error) {
	if usdAmount == nil || usdAmount.Sign() <= 0 {
		return nil, nil, categorize(ErrVenue, ErrInvalidAmount)
	}
	if v.liquidity.Sign() <= 0 {
		return nil, nil, categorize(ErrVenue, ErrInsufficientLiquidity)
	}

	move := new(big.Int).Lsh(usdAmount, 96)
	move.Quo(move, v.liquidity)

	newSqrt := clone(v.sqrtPriceX96)
	if dir == BuyPerp {
		newSqrt.Add(newSqrt, move)
	} else {
		newSqrt.Sub(newSqrt, move)
		if newSqrt.Sign() <= 0 {
			return nil, nil, categorize(ErrVenue, ErrInsufficientLiquidity)
		}
	}

	perpAmount = perpAmountForLiquidity(v.liquidity, v.sqrtPriceX96, newSqrt)
	return perpAmount, newSqrt, nil
}

// quoteExactPerp prices an exact-PERP swap against the curve.
//
//	SellPerp: sqrtNew = L*Q96*sqrt / (L*Q96 + perp*sqrt), usdOut over [sqrtNew, sqrt]
//	BuyPerp:  sqrtNew = L*Q96*sqrt / (L*Q96 - perp*sqrt), usdIn  over [sqrt, sqrtNew]
func (v *PoolVenue) quoteExactPerp(dir TradeDirection, perpAmount *big.Int) (usdAmount, newSqrtPriceX96 *big.Int, err error) {
	if perpAmount == nil || perpAmount.Sign() <= 0 {
		return nil, nil, categorize(ErrVenue, ErrInvalidAmount)
	}
	if v.liquidity.Sign() <= 0 {
		return nil, nil, categorize(ErrVenue, ErrInsufficientLiquidity)
	}

	lq96 := new(big.Int).Lsh(v.liquidity, 96)
	scaled := new(big.Int).Mul(perpAmount, v.sqrtPriceX96)

	denom := new(big.Int)
	if dir == SellPerp {
		denom.Add(lq96, scaled)
	} else {
		denom.Sub(lq96, scaled)
		if denom.Sign() <= 0 {
			return nil, nil, categorize(ErrVenue, ErrInsufficientLiquidity)
		}
	}

	newSqrt := new(big.Int).Mul(lq96, v.sqrtPriceX96)
	newSqrt.Quo(newSqrt, denom)
	if newSqrt.Sign() <= 0 {
		return nil, nil, categorize(ErrVenue, ErrInsufficientLiquidity)
	}

	usdAmount = usdAmountForLiquidity(v.liquidity, v.sqrtPriceX96, newSqrt)
	return usdAmount, newSqrt, nil
}

func (v *PoolVenue) AddLiquidity(tickLower, tickUpper int32, liquidity *big.Int, limits SwapLimits) (*big.Int, *big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if liquidity == nil || liquidity.Sign() <= 0 {
		return nil, nil, categorize(ErrVenue, ErrInvalidLiquidity)
	}

	sqrtA := TickSqrtPriceX96(tickLower)
	sqrtB := TickSqrtPriceX96(tickUpper)
	perpAmount, usdAmount := rangeAmounts(liquidity, sqrtA, sqrtB, v.sqrtPriceX96)

	if limits.MaxAmountIn != nil && usdAmount.Cmp(limits.MaxAmountIn) > 0 {
		return nil, nil, categorize(ErrVenue, ErrSlippageExceeded)
	}

	if v.inRange(sqrtA, sqrtB) {
		v.liquidity.Add(v.liquidity, liquidity)
	}
	return perpAmount, usdAmount, nil
}

func (v *PoolVenue) RemoveLiquidity(tickLower, tickUpper int32, liquidity *big.Int) (*big.Int, *big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if liquidity == nil || liquidity.Sign() <= 0 {
		return nil, nil, categorize(ErrVenue, ErrInvalidLiquidity)
	}

	sqrtA := TickSqrtPriceX96(tickLower)
	sqrtB := TickSqrtPriceX96(tickUpper)
	perpAmount, usdAmount := rangeAmounts(liquidity, sqrtA, sqrtB, v.sqrtPriceX96)

	if v.inRange(sqrtA, sqrtB) {
		v.liquidity.Sub(v.liquidity, liquidity)
		if v.liquidity.Sign() < 0 {
			v.liquidity.SetInt64(0)
		}
	}
	return perpAmount, usdAmount, nil
}

func (v *PoolVenue) inRange(sqrtAX96, sqrtBX96 *big.Int) bool {
	return v.sqrtPriceX96.Cmp(sqrtAX96) >= 0 && v.sqrtPriceX96.Cmp(sqrtBX96) < 0
}

// checkSwapLimits enforces caller slippage bounds against a quoted swap.
// amountOther is the non-specified leg of the trade.
func checkSwapLimits(dir TradeDirection, newSqrtPriceX96, amountOther *big.Int, limits SwapLimits) error {
	if limits.SqrtPriceLimitX96 != nil && limits.SqrtPriceLimitX96.Sign() > 0 {
		if dir == BuyPerp && newSqrtPriceX96.Cmp(limits.SqrtPriceLimitX96) > 0 {
			return categorize(ErrVenue, ErrSlippageExceeded)
		}
		if dir == SellPerp && newSqrtPriceX96.Cmp(limits.SqrtPriceLimitX96) < 0 {
			return categorize(ErrVenue, ErrSlippageExceeded)
		}
	}
	if limits.MaxAmountIn != nil && amountOther.Cmp(limits.MaxAmountIn) > 0 {
		return categorize(ErrVenue, ErrSlippageExceeded)
	}
	if limits.MinAmountOut != nil && amountOther.Cmp(limits.MinAmountOut) < 0 {
		return categorize(ErrVenue, ErrSlippageExceeded)
	}
	return nil
}
