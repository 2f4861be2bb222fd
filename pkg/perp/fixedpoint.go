package perp

import "math/big"

// Fixed-point conventions used across the package:
//   - prices, leverage, margin ratios and funding accumulators are X96
//     (value * 2^96) signed big integers
//   - collateral and notional amounts are micro-USD integers (value * 10^6)
//   - position sizes are micro-PERP integers
//   - fee rates are parts per million
// No float64 appears anywhere in this package.

const (
	// PPMDenominator is the fee-rate denominator (parts per million).
	PPMDenominator = 1_000_000

	// AmountScale is the decimal scale of USD and PERP amounts (10^6).
	AmountScale = 1_000_000
)

var (
	// Q96 is the X96 fixed-point unit, 2^96.
	Q96 = new(big.Int).Lsh(big.NewInt(1), 96)

	bigZero = big.NewInt(0)
	bigOne  = big.NewInt(1)
)

// NewQ96 returns x * 2^96.
func NewQ96(x int64) *big.Int {
	return new(big.Int).Lsh(big.NewInt(x), 96)
}

// mulDiv returns a*b/denom with full intermediate precision, truncating
// toward zero. denom must be non-zero.
func mulDiv(a, b, denom *big.Int) *big.Int {
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, denom)
}

// mulQ96 returns a*b/2^96.
func mulQ96(a, b *big.Int) *big.Int {
	out := new(big.Int).Mul(a, b)
	return out.Rsh(out, 96)
}

// divQ96 returns a*2^96/b.
func divQ96(a, b *big.Int) *big.Int {
	out := new(big.Int).Lsh(a, 96)
	return out.Quo(out, b)
}

// ppmShare returns amount*ppm/1e6.
func ppmShare(amount *big.Int, ppm uint64) *big.Int {
	out := new(big.Int).Mul(amount, new(big.Int).SetUint64(ppm))
	return out.Quo(out, big.NewInt(PPMDenominator))
}

// clone returns a defensive copy of x, treating nil as zero.
func clone(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}

// markFromSqrtX96 converts an X96 square-root price into an X96 price.
func markFromSqrtX96(sqrtPriceX96 *big.Int) *big.Int {
	return mulQ96(sqrtPriceX96, sqrtPriceX96)
}
