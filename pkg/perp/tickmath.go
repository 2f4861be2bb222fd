package perp

import (
	"math/big"
	"sync"
)

// Ticks discretize price. Tick t corresponds to price 1.0001^t, so each tick
// is one basis point of price. Conversions below are pure integer math:
// 1.0001^t is evaluated in X128 by exponentiation by squaring, the square
// root is taken with big.Int.Sqrt, and the inverse direction is a binary
// search over the forward conversion.

const (
	// MinTick and MaxTick bound usable price ticks.
	MinTick int32 = -887272
	MaxTick int32 = 887272
)

var (
	// base1_0001X128 is 1.0001 in X128 fixed point.
	base1_0001X128 = func() *big.Int {
		b := new(big.Int).Lsh(big.NewInt(10001), 128)
		return b.Quo(b, big.NewInt(10000))
	}()

	oneX128 = new(big.Int).Lsh(big.NewInt(1), 128)

	tickSqrtCache   = make(map[int32]*big.Int)
	tickSqrtCacheMu sync.RWMutex
)

// TickSqrtPriceX96 returns sqrt(1.0001^tick) in X96 fixed point. Results are
// memoized; ticks outside [MinTick, MaxTick] are clamped.
func TickSqrtPriceX96(tick int32) *big.Int {
	if tick < MinTick {
		tick = MinTick
	} else if tick > MaxTick {
		tick = MaxTick
	}

	tickSqrtCacheMu.RLock()
	cached, ok := tickSqrtCache[tick]
	tickSqrtCacheMu.RUnlock()
	if ok {
		return new(big.Int).Set(cached)
	}

	ratioX128 := powX128(base1_0001X128, tick)

	// sqrt(ratio * 2^192) = sqrt(ratio) * 2^96.
	sqrtX96 := new(big.Int).Lsh(ratioX128, 64)
	sqrtX96.Sqrt(sqrtX96)

	tickSqrtCacheMu.Lock()
	tickSqrtCache[tick] = new(big.Int).Set(sqrtX96)
	tickSqrtCacheMu.Unlock()

	return sqrtX96
}

// TickAtSqrtPrice returns the largest tick whose sqrt price is at most
// sqrtPriceX96.
func TickAtSqrtPrice(sqrtPriceX96 *big.Int) int32 {
	lo, hi := MinTick, MaxTick
	for lo < hi {
		mid := midTick(lo, hi)
		if TickSqrtPriceX96(mid).Cmp(sqrtPriceX96) <= 0 {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo
}

// midTick biases upward so the loop in TickAtSqrtPrice terminates.
func midTick(lo, hi int32) int32 {
	return int32((int64(lo) + int64(hi) + 1) / 2)
}

// powX128 computes base^exp in X128 fixed point. Negative exponents invert
// the positive-power result.
func powX128(baseX128 *big.Int, exp int32) *big.Int {
	neg := exp < 0
	n := uint32(exp)
	if neg {
		n = uint32(-int64(exp))
	}

	result := new(big.Int).Set(oneX128)
	b := new(big.Int).Set(baseX128)
	for n > 0 {
		if n&1 == 1 {
			result.Mul(result, b)
			result.Rsh(result, 128)
		}
		b.Mul(b, b)
		b.Rsh(b, 128)
		n >>= 1
	}

	if neg {
		inv := new(big.Int).Lsh(oneX128, 128)
		result = inv.Quo(inv, result)
	}
	return result
}
