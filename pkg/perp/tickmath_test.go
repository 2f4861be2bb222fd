package perp

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickSqrtPriceX96(t *testing.T) {
	t.Run("tick zero is unit price", func(t *testing.T) {
		assert.Equal(t, 0, TickSqrtPriceX96(0).Cmp(Q96))
	})

	t.Run("monotonic in tick", func(t *testing.T) {
		prev := TickSqrtPriceX96(-100)
		for tick := int32(-99); tick <= 100; tick++ {
			cur := TickSqrtPriceX96(tick)
			require.Equal(t, 1, cur.Cmp(prev), "tick %d", tick)
			prev = cur
		}
	})

	t.Run("one tick is one basis point of price", func(t *testing.T) {
		price := markFromSqrtX96(TickSqrtPriceX96(1))
		// price = 1.0001 within integer truncation.
		want := new(big.Int).Mul(Q96, big.NewInt(10001))
		want.Quo(want, big.NewInt(10000))
		diff := new(big.Int).Sub(want, price)
		diff.Abs(diff)
		assert.True(t, diff.Cmp(big.NewInt(1<<20)) < 0, "diff %s", diff)
	})

	t.Run("negative ticks invert", func(t *testing.T) {
		up := TickSqrtPriceX96(5000)
		down := TickSqrtPriceX96(-5000)
		// up * down ~= Q96^2
		prod := new(big.Int).Mul(up, down)
		prod.Rsh(prod, 96)
		diff := new(big.Int).Sub(prod, Q96)
		diff.Abs(diff)
		assert.True(t, diff.Cmp(big.NewInt(1<<30)) < 0, "diff %s", diff)
	})

	t.Run("out of range clamps", func(t *testing.T) {
		assert.Equal(t, 0, TickSqrtPriceX96(MinTick-10).Cmp(TickSqrtPriceX96(MinTick)))
		assert.Equal(t, 0, TickSqrtPriceX96(MaxTick+10).Cmp(TickSqrtPriceX96(MaxTick)))
	})
}

func TestTickAtSqrtPrice(t *testing.T) {
	t.Run("round trips sample ticks", func(t *testing.T) {
		for _, tick := range []int32{MinTick, -100000, -12345, -1, 0, 1, 777, 100000, MaxTick} {
			sqrt := TickSqrtPriceX96(tick)
			assert.Equal(t, tick, TickAtSqrtPrice(sqrt), "tick %d", tick)
		}
	})

	t.Run("rounds down between ticks", func(t *testing.T) {
		sqrt := TickSqrtPriceX96(42)
		bumped := new(big.Int).Add(sqrt, big.NewInt(1))
		assert.Equal(t, int32(42), TickAtSqrtPrice(bumped))

		lowered := new(big.Int).Sub(sqrt, big.NewInt(1))
		assert.Equal(t, int32(41), TickAtSqrtPrice(lowered))
	})
}
