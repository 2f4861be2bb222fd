package perp

import "math/big"

// Concentrated-liquidity range arithmetic. For liquidity L over
// [sqrtA, sqrtB] (X96 sqrt prices, A < B) at current sqrt price P:
//
//	perp (token0) amount = L * (sqrtB - sqrtA) * Q96 / (sqrtA * sqrtB)   P <= A
//	usd  (token1) amount = L * (sqrtB - sqrtA) / Q96                     P >= B
//
// and between the bounds the perp side spans [P, B] while the usd side
// spans [A, P].

// perpAmountForLiquidity returns the token0 amount for L over [sqrtA, sqrtB].
func perpAmountForLiquidity(liquidity, sqrtAX96, sqrtBX96 *big.Int) *big.Int {
	if sqrtAX96.Cmp(sqrtBX96) > 0 {
		sqrtAX96, sqrtBX96 = sqrtBX96, sqrtAX96
	}
	num := new(big.Int).Sub(sqrtBX96, sqrtAX96)
	num.Mul(num, liquidity)
	num.Lsh(num, 96)
	denom := new(big.Int).Mul(sqrtAX96, sqrtBX96)
	return num.Quo(num, denom)
}

// usdAmountForLiquidity returns the token1 amount for L over [sqrtA, sqrtB].
func usdAmountForLiquidity(liquidity, sqrtAX96, sqrtBX96 *big.Int) *big.Int {
	if sqrtAX96.Cmp(sqrtBX96) > 0 {
		sqrtAX96, sqrtBX96 = sqrtBX96, sqrtAX96
	}
	out := new(big.Int).Sub(sqrtBX96, sqrtAX96)
	out.Mul(out, liquidity)
	return out.Rsh(out, 96)
}

// rangeAmounts returns the (perp, usd) amounts held by liquidity over
// [sqrtA, sqrtB] at the current sqrt price.
func rangeAmounts(liquidity, sqrtAX96, sqrtBX96, sqrtCurrentX96 *big.Int) (perpAmount, usdAmount *big.Int) {
	switch {
	case sqrtCurrentX96.Cmp(sqrtAX96) <= 0:
		return perpAmountForLiquidity(liquidity, sqrtAX96, sqrtBX96), new(big.Int)
	case sqrtCurrentX96.Cmp(sqrtBX96) >= 0:
		return new(big.Int), usdAmountForLiquidity(liquidity, sqrtAX96, sqrtBX96)
	default:
		return perpAmountForLiquidity(liquidity, sqrtCurrentX96, sqrtBX96),
			usdAmountForLiquidity(liquidity, sqrtAX96, sqrtCurrentX96)
	}
}

// rangeValueUsd values a liquidity range in micro-USD at the current price.
func rangeValueUsd(liquidity, sqrtAX96, sqrtBX96, sqrtCurrentX96 *big.Int) *big.Int {
	perpAmount, usdAmount := rangeAmounts(liquidity, sqrtAX96, sqrtBX96, sqrtCurrentX96)
	value := mulQ96(perpAmount, markFromSqrtX96(sqrtCurrentX96))
	return value.Add(value, usdAmount)
}
