package perp

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickTouch(t *testing.T) {
	tt := NewTickTable()
	global := NewQ96(100)
	globalDiv := NewQ96(50)

	t.Run("at or below current starts at global", func(t *testing.T) {
		g := tt.Touch(-10, 0, global, globalDiv)
		assert.Equal(t, 0, g.OutsideFundingX96.Cmp(global))
		assert.Equal(t, 0, g.OutsideFundingDivSqrtPriceX96.Cmp(globalDiv))
	})

	t.Run("above current starts at zero", func(t *testing.T) {
		g := tt.Touch(10, 0, global, globalDiv)
		assert.Equal(t, 0, g.OutsideFundingX96.Sign())
		assert.Equal(t, 0, g.OutsideFundingDivSqrtPriceX96.Sign())
	})

	t.Run("second touch is a no-op", func(t *testing.T) {
		g := tt.Touch(-10, 0, NewQ96(999), NewQ96(999))
		assert.Equal(t, 0, g.OutsideFundingX96.Cmp(global))
	})
}

func TestTickLiquidityLifecycle(t *testing.T) {
	tt := NewTickTable()
	tt.Touch(5, 0, new(big.Int), new(big.Int))
	tt.AddLiquidity(5, big.NewInt(100))
	tt.AddLiquidity(5, big.NewInt(50))
	require.Equal(t, 1, tt.Len())

	tt.RemoveLiquidity(5, big.NewInt(100))
	assert.Equal(t, 1, tt.Len(), "still referenced")

	tt.RemoveLiquidity(5, big.NewInt(50))
	assert.Equal(t, 0, tt.Len(), "cleared at zero gross liquidity")
}

func TestTickCross(t *testing.T) {
	tt := NewTickTable()
	tt.Touch(0, 10, NewQ96(30), NewQ96(15))

	// Crossing twice at the same global restores the original outside value.
	tt.Cross(0, NewQ96(100), NewQ96(60))
	g := tt.Get(0)
	require.NotNil(t, g)
	assert.Equal(t, 0, g.OutsideFundingX96.Cmp(NewQ96(70)))
	assert.Equal(t, 0, g.OutsideFundingDivSqrtPriceX96.Cmp(NewQ96(45)))

	tt.Cross(0, NewQ96(100), NewQ96(60))
	assert.Equal(t, 0, g.OutsideFundingX96.Cmp(NewQ96(30)))
}

func TestTickCrossRange(t *testing.T) {
	tt := NewTickTable()
	for _, tick := range []int32{-20, -5, 0, 5, 20} {
		tt.Touch(tick, -30, new(big.Int), new(big.Int))
	}
	global := NewQ96(7)
	globalDiv := NewQ96(3)

	// Price moves up from -10 to 5: crosses -5, 0 and 5 but not -20 or 20.
	tt.CrossRange(-10, 5, global, globalDiv)
	assert.Equal(t, 0, tt.Get(-5).OutsideFundingX96.Cmp(global))
	assert.Equal(t, 0, tt.Get(0).OutsideFundingX96.Cmp(global))
	assert.Equal(t, 0, tt.Get(5).OutsideFundingX96.Cmp(global))
	assert.Equal(t, 0, tt.Get(-20).OutsideFundingX96.Sign())
	assert.Equal(t, 0, tt.Get(20).OutsideFundingX96.Sign())

	t.Run("no move crosses nothing", func(t *testing.T) {
		tt.CrossRange(5, 5, NewQ96(100), NewQ96(100))
		assert.Equal(t, 0, tt.Get(5).OutsideFundingX96.Cmp(global))
	})
}

func TestGrowthInsideConservation(t *testing.T) {
	tt := NewTickTable()
	global := NewQ96(1000)
	globalDiv := NewQ96(400)

	// Current price at tick 0, range [-100, 100).
	tt.Touch(-100, 0, global, globalDiv)
	tt.Touch(100, 0, global, globalDiv)

	t.Run("fresh range sees no prior growth inside", func(t *testing.T) {
		inside, insideDiv := tt.GrowthInside(-100, 100, 0, global, globalDiv)
		assert.Equal(t, 0, inside.Sign())
		assert.Equal(t, 0, insideDiv.Sign())
	})

	t.Run("growth while in range accrues inside", func(t *testing.T) {
		newGlobal := NewQ96(1500)
		newDiv := NewQ96(600)
		inside, insideDiv := tt.GrowthInside(-100, 100, 0, newGlobal, newDiv)
		assert.Equal(t, 0, inside.Cmp(NewQ96(500)))
		assert.Equal(t, 0, insideDiv.Cmp(NewQ96(200)))
	})

	t.Run("below plus inside plus above equals global", func(t *testing.T) {
		// Move above the range, crossing both ticks.
		newGlobal := NewQ96(2000)
		newDiv := NewQ96(800)
		tt.CrossRange(0, 150, newGlobal, newDiv)

		finalGlobal := NewQ96(2600)
		finalDiv := NewQ96(1100)
		below := tt.GrowthBelow(-100, 150, finalGlobal)
		inside, _ := tt.GrowthInside(-100, 100, 150, finalGlobal, finalDiv)
		aboveEntry := tt.Get(100)
		require.NotNil(t, aboveEntry)
		// Price is above the upper tick, so growth above it is the
		// complement of its outside value.
		above := new(big.Int).Sub(finalGlobal, aboveEntry.OutsideFundingX96)

		sum := new(big.Int).Add(below, inside)
		sum.Add(sum, above)
		assert.Equal(t, 0, sum.Cmp(finalGlobal))
	})
}
