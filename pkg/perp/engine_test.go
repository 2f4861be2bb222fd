package perp

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	events []Event
}

func (c *captureSink) Publish(ev Event) { c.events = append(c.events, ev) }

func (c *captureSink) byType(name string) []Event {
	var out []Event
	for _, ev := range c.events {
		if ev.EventType() == name {
			out = append(out, ev)
		}
	}
	return out
}

type engineFixture struct {
	engine *Engine
	venue  *PoolVenue
	beacon *StaticBeacon
	vault  *MemVault
	sink   *captureSink
	now    int64
}

const testMarket = "PERP-USD"

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{now: 1_000_000}
	clock := func() int64 { return f.now }

	f.venue = NewPoolVenue(clone(Q96), big.NewInt(1_000_000_000_000_000))
	f.beacon = NewStaticBeacon(clock, clone(Q96))
	f.vault = NewMemVault()
	f.sink = &captureSink{}
	f.engine = NewEngine(nil, WithClock(clock), WithEventSink(f.sink))

	_, err := f.engine.CreateMarket(MarketConfig{
		ID:                 testMarket,
		PerpToken:          "PERP",
		UsdToken:           "USD",
		Creator:            "creator",
		Venue:              f.venue,
		Beacon:             f.beacon,
		Vault:              f.vault,
		TwapCardinalityCap: 16,
	})
	require.NoError(t, err)
	return f
}

func usd(v int64) *big.Int { return big.NewInt(v * AmountScale) }

func TestCreateMarket(t *testing.T) {
	f := newEngineFixture(t)

	t.Run("duplicate rejected", func(t *testing.T) {
		_, err := f.engine.CreateMarket(MarketConfig{
			ID: testMarket, Venue: f.venue, Beacon: f.beacon, Vault: f.vault,
		})
		assert.ErrorIs(t, err, ErrMarketExists)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("missing collaborators rejected", func(t *testing.T) {
		_, err := f.engine.CreateMarket(MarketConfig{ID: "X"})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("emits creation event", func(t *testing.T) {
		assert.Len(t, f.sink.byType(EventMarketCreated), 1)
	})
}

func TestOpenTakerValidation(t *testing.T) {
	f := newEngineFixture(t)

	cases := []struct {
		name   string
		params OpenTakerParams
		want   error
	}{
		{"unknown market", OpenTakerParams{Market: "nope", Holder: "a", Margin: usd(1000), LeverageX96: NewQ96(2)}, ErrMarketNotFound},
		{"empty holder", OpenTakerParams{Market: testMarket, Margin: usd(1000), LeverageX96: NewQ96(2)}, ErrInvalidHolder},
		{"nil margin", OpenTakerParams{Market: testMarket, Holder: "a", LeverageX96: NewQ96(2)}, ErrInvalidMargin},
		{"margin below floor", OpenTakerParams{Market: testMarket, Holder: "a", Margin: big.NewInt(100), LeverageX96: NewQ96(2)}, ErrMarginOutOfBounds},
		{"leverage above cap", OpenTakerParams{Market: testMarket, Holder: "a", Margin: usd(1000), LeverageX96: NewQ96(30)}, ErrLeverageOutOfBounds},
		{"leverage too high for initial ratio", OpenTakerParams{Market: testMarket, Holder: "a", Long: true, Margin: usd(1000), LeverageX96: NewQ96(13)}, ErrMarginRatioTooLow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.OpenTaker(tc.params)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, 0, f.vault.Balance().Sign(), "no custody taken on rejection")
		})
	}
}

func TestTakerRoundTrip(t *testing.T) {
	f := newEngineFixture(t)
	margin := usd(1000)

	pos, err := f.engine.OpenTaker(OpenTakerParams{
		Market: testMarket, Holder: "alice", Long: true,
		Margin: margin, LeverageX96: NewQ96(2),
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1), pos.ID)
	assert.True(t, pos.Open())
	assert.Equal(t, 0, pos.EntryNotional.Cmp(usd(2000)))
	assert.Equal(t, 1, pos.EntryPerpDelta.Sign())
	assert.Equal(t, -1, pos.EntryUsdDelta.Sign())

	// Longs pay the 30bps fee on notional at open.
	wantFee := ppmShare(usd(2000), 3_000)
	assert.Equal(t, 0, pos.FeesPaid.Cmp(wantFee))
	wantMargin := new(big.Int).Sub(margin, wantFee)
	assert.Equal(t, 0, pos.Margin.Cmp(wantMargin))

	assert.Equal(t, 0, f.vault.Balance().Cmp(margin))

	res, err := f.engine.ClosePosition(CloseParams{Market: testMarket, PositionID: pos.ID, Caller: "alice"})
	require.NoError(t, err)
	assert.False(t, res.Liquidation)
	assert.Equal(t, 0, res.FundingOwed.Sign(), "no time elapsed")
	assert.True(t, res.PnL.Sign() <= 0, "immediate close pays the spread")
	assert.Equal(t, 1, res.Settlement.Sign())
	assert.True(t, res.Settlement.Cmp(margin) < 0)

	t.Run("position is closed and stays closed", func(t *testing.T) {
		assert.False(t, f.engine.Position(testMarket, pos.ID).Open())
		_, err := f.engine.ClosePosition(CloseParams{Market: testMarket, PositionID: pos.ID, Caller: "alice"})
		assert.ErrorIs(t, err, ErrPositionClosed)
	})

	t.Run("aggregates drained", func(t *testing.T) {
		m := f.engine.Market(testMarket)
		assert.Equal(t, 0, m.TakerOpenInterest().Sign())
	})

	t.Run("vault retains fees plus trading loss", func(t *testing.T) {
		residual := new(big.Int).Sub(margin, res.Settlement)
		m := f.engine.Market(testMarket)
		pots := new(big.Int).Add(m.InsuranceBalance(), m.CreatorFeeBalance())
		assert.True(t, residual.Cmp(pots) >= 0)
		assert.Equal(t, 0, f.vault.Balance().Cmp(residual))
	})

	t.Run("solvent after round trip", func(t *testing.T) {
		report, err := f.engine.CheckSolvency(testMarket)
		require.NoError(t, err)
		assert.True(t, report.Solvent)
		assert.Empty(t, report.Indeterminate)
	})
}

func TestShortRoundTrip(t *testing.T) {
	f := newEngineFixture(t)
	margin := usd(1000)

	pos, err := f.engine.OpenTaker(OpenTakerParams{
		Market: testMarket, Holder: "bob", Long: false,
		Margin: margin, LeverageX96: NewQ96(2),
	})
	require.NoError(t, err)
	assert.Equal(t, -1, pos.EntryPerpDelta.Sign())
	assert.Equal(t, 1, pos.EntryUsdDelta.Sign())
	assert.Equal(t, 0, pos.FeesPaid.Sign(), "shorts pay the fee at close")
	assert.Equal(t, 0, pos.Margin.Cmp(margin))

	res, err := f.engine.ClosePosition(CloseParams{Market: testMarket, PositionID: pos.ID, Caller: "bob"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Settlement.Sign())
	assert.True(t, res.Settlement.Cmp(margin) < 0, "close fee and spread come out of margin")

	m := f.engine.Market(testMarket)
	assert.Equal(t, 1, m.InsuranceBalance().Sign(), "close fee reached insurance")
}

func TestPositionIDsMonotonic(t *testing.T) {
	f := newEngineFixture(t)
	open := func(holder string) *Position {
		pos, err := f.engine.OpenTaker(OpenTakerParams{
			Market: testMarket, Holder: holder, Long: true,
			Margin: usd(1000), LeverageX96: NewQ96(2),
		})
		require.NoError(t, err)
		return pos
	}

	a := open("a")
	b := open("b")
	require.Equal(t, uint64(1), a.ID)
	require.Equal(t, uint64(2), b.ID)

	_, err := f.engine.ClosePosition(CloseParams{Market: testMarket, PositionID: a.ID, Caller: "a"})
	require.NoError(t, err)

	c := open("c")
	assert.Equal(t, uint64(3), c.ID, "ids are never reused")
	assert.False(t, f.engine.Position(testMarket, a.ID).Open())
}

func TestAddMargin(t *testing.T) {
	f := newEngineFixture(t)
	pos, err := f.engine.OpenTaker(OpenTakerParams{
		Market: testMarket, Holder: "alice", Long: true,
		Margin: usd(1000), LeverageX96: NewQ96(2),
	})
	require.NoError(t, err)
	before := clone(pos.Margin)

	require.NoError(t, f.engine.AddMargin(testMarket, pos.ID, "alice", usd(500)))
	want := new(big.Int).Add(before, usd(500))
	assert.Equal(t, 0, f.engine.Position(testMarket, pos.ID).Margin.Cmp(want))

	t.Run("only the holder", func(t *testing.T) {
		err := f.engine.AddMargin(testMarket, pos.ID, "mallory", usd(1))
		assert.ErrorIs(t, err, ErrNotHolder)
		assert.ErrorIs(t, err, ErrAuthorization)
	})

	t.Run("positive amounts only", func(t *testing.T) {
		err := f.engine.AddMargin(testMarket, pos.ID, "alice", new(big.Int))
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("closed position rejected", func(t *testing.T) {
		_, err := f.engine.ClosePosition(CloseParams{Market: testMarket, PositionID: pos.ID, Caller: "alice"})
		require.NoError(t, err)
		err = f.engine.AddMargin(testMarket, pos.ID, "alice", usd(1))
		assert.ErrorIs(t, err, ErrPositionClosed)
	})
}

func TestMakerLifecycle(t *testing.T) {
	f := newEngineFixture(t)
	liq := big.NewInt(1_000_000_000_000)

	pos, err := f.engine.OpenMaker(OpenMakerParams{
		Market: testMarket, Holder: "lp", Margin: usd(10_000),
		Liquidity: liq, TickLower: -1000, TickUpper: 1000,
	})
	require.NoError(t, err)
	assert.True(t, pos.Maker)
	assert.Equal(t, 1, pos.EntryNotional.Sign())
	assert.Equal(t, -1, pos.EntryPerpDelta.Sign(), "deposited perp")
	assert.Equal(t, -1, pos.EntryUsdDelta.Sign(), "deposited usd")
	assert.Equal(t, f.now+2*3600, pos.UnlockTime)

	m := f.engine.Market(testMarket)
	require.Equal(t, 2, m.ticks.Len())

	t.Run("lockup blocks early close", func(t *testing.T) {
		_, err := f.engine.ClosePosition(CloseParams{Market: testMarket, PositionID: pos.ID, Caller: "lp"})
		assert.ErrorIs(t, err, ErrLockupActive)
		assert.ErrorIs(t, err, ErrPolicy)
	})

	// A taker trade pays fees; half the fee accrues to the maker.
	taker, err := f.engine.OpenTaker(OpenTakerParams{
		Market: testMarket, Holder: "alice", Long: true,
		Margin: usd(1000), LeverageX96: NewQ96(2),
	})
	require.NoError(t, err)

	t.Run("maker accrues lp fees", func(t *testing.T) {
		quote, err := f.engine.QuoteClose(testMarket, pos.ID)
		require.NoError(t, err)
		require.True(t, quote.OK)
		assert.Equal(t, 1, quote.LpFeesOwed.Sign())
		assert.False(t, quote.Liquidatable)
	})

	_, err = f.engine.ClosePosition(CloseParams{Market: testMarket, PositionID: taker.ID, Caller: "alice"})
	require.NoError(t, err)

	f.now += 2*3600 + 1

	res, err := f.engine.ClosePosition(CloseParams{Market: testMarket, PositionID: pos.ID, Caller: "lp"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Settlement.Sign())
	// The open fee far exceeds the accrued lp fees, so the round trip nets
	// out under the original margin.
	assert.True(t, res.Settlement.Cmp(usd(10_000)) < 0)

	t.Run("tick table cleared", func(t *testing.T) {
		assert.Equal(t, 0, m.ticks.Len())
	})

	t.Run("solvent after lifecycle", func(t *testing.T) {
		report, err := f.engine.CheckSolvency(testMarket)
		require.NoError(t, err)
		assert.True(t, report.Solvent)
	})
}

func TestMakerValidation(t *testing.T) {
	f := newEngineFixture(t)
	base := OpenMakerParams{
		Market: testMarket, Holder: "lp", Margin: usd(10_000),
		Liquidity: big.NewInt(1_000_000_000_000), TickLower: -1000, TickUpper: 1000,
	}

	t.Run("inverted tick range", func(t *testing.T) {
		p := base
		p.TickLower, p.TickUpper = 1000, -1000
		_, err := f.engine.OpenMaker(p)
		assert.ErrorIs(t, err, ErrInvalidTickRange)
	})

	t.Run("margin below initial ratio", func(t *testing.T) {
		p := base
		p.Margin = big.NewInt(100) // under the 1 USD floor
		_, err := f.engine.OpenMaker(p)
		assert.ErrorIs(t, err, ErrMarginOutOfBounds)

		p.Margin = usd(1000) // within bounds but under 5% of ~100k notional
		_, err = f.engine.OpenMaker(p)
		assert.ErrorIs(t, err, ErrMarginRatioTooLow)
	})

	t.Run("slippage cap", func(t *testing.T) {
		p := base
		p.MaxUsdIn = big.NewInt(1)
		_, err := f.engine.OpenMaker(p)
		assert.ErrorIs(t, err, ErrSlippageExceeded)
		assert.Equal(t, 0, f.vault.Balance().Sign(), "rejected before custody")
	})
}

// pushPrice moves the venue price without going through the engine, the way
// external flow on a shared venue would.
func (f *engineFixture) pushPrice(t *testing.T, dir TradeDirection, amount *big.Int) {
	t.Helper()
	_, _, err := f.venue.SwapExactUsd(dir, amount, SwapLimits{})
	require.NoError(t, err)
}

func TestLiquidation(t *testing.T) {
	f := newEngineFixture(t)

	pos, err := f.engine.OpenTaker(OpenTakerParams{
		Market: testMarket, Holder: "alice", Long: true,
		Margin: usd(1000), LeverageX96: NewQ96(10),
	})
	require.NoError(t, err)

	t.Run("healthy position cannot be liquidated", func(t *testing.T) {
		_, err := f.engine.Liquidate(CloseParams{Market: testMarket, PositionID: pos.ID, Caller: "keeper"})
		assert.ErrorIs(t, err, ErrNotLiquidatable)
	})

	// Sell pressure drops the price ~6%, past the 5% maintenance ratio on a
	// 10x long.
	f.pushPrice(t, SellPerp, big.NewInt(31_000_000_000_000))

	t.Run("holder must go through liquidation", func(t *testing.T) {
		_, err := f.engine.ClosePosition(CloseParams{Market: testMarket, PositionID: pos.ID, Caller: "alice"})
		assert.ErrorIs(t, err, ErrMustLiquidate)
	})

	insuranceBefore := f.engine.Market(testMarket).InsuranceBalance()
	res, err := f.engine.Liquidate(CloseParams{Market: testMarket, PositionID: pos.ID, Caller: "keeper"})
	require.NoError(t, err)
	assert.True(t, res.Liquidation)
	assert.Equal(t, -1, res.PnL.Sign())

	t.Run("liquidation fee reaches insurance", func(t *testing.T) {
		m := f.engine.Market(testMarket)
		// 50bps of 10k notional, less anything drawn to cover a deficit.
		if res.EffectiveMargin.Sign() >= 0 {
			liqFee := ppmShare(usd(10_000), 5_000)
			want := new(big.Int).Add(insuranceBefore, liqFee)
			assert.Equal(t, 0, m.InsuranceBalance().Cmp(want))
		} else {
			assert.True(t, m.InsuranceBalance().Cmp(insuranceBefore) <= 0)
		}
	})

	t.Run("emits liquidation event", func(t *testing.T) {
		assert.Len(t, f.sink.byType(EventPositionLiquidated), 1)
	})

	t.Run("solvent after liquidation", func(t *testing.T) {
		report, err := f.engine.CheckSolvency(testMarket)
		require.NoError(t, err)
		assert.True(t, report.Solvent)
	})
}

func TestBadDebtSocialization(t *testing.T) {
	f := newEngineFixture(t)

	underwater, err := f.engine.OpenTaker(OpenTakerParams{
		Market: testMarket, Holder: "alice", Long: true,
		Margin: usd(1000), LeverageX96: NewQ96(10),
	})
	require.NoError(t, err)

	survivor, err := f.engine.OpenTaker(OpenTakerParams{
		Market: testMarket, Holder: "bob", Long: true,
		Margin: usd(1000), LeverageX96: NewQ96(2),
	})
	require.NoError(t, err)

	// A 15% crash leaves the 10x long owing more than its margin.
	f.pushPrice(t, SellPerp, big.NewInt(78_000_000_000_000))

	res, err := f.engine.Liquidate(CloseParams{Market: testMarket, PositionID: underwater.ID, Caller: "keeper"})
	require.NoError(t, err)
	require.Equal(t, -1, res.EffectiveMargin.Sign())
	assert.Equal(t, 0, res.Settlement.Sign(), "nothing paid out on a deficit")

	m := f.engine.Market(testMarket)
	assert.Equal(t, 0, m.InsuranceBalance().Sign(), "insurance exhausted first")
	assert.Equal(t, 1, m.BadDebtGrowthX96().Sign())
	assert.Len(t, f.sink.byType(EventInsuranceDrawn), 1)
	assert.Len(t, f.sink.byType(EventBadDebtSocialized), 1)

	t.Run("survivor carries the socialized charge", func(t *testing.T) {
		quote, err := f.engine.QuoteClose(testMarket, survivor.ID)
		require.NoError(t, err)
		require.True(t, quote.OK)
		assert.Equal(t, 1, quote.BadDebtCharge.Sign())
		assert.True(t, quote.EffectiveMargin.Cmp(survivor.Margin) < 0)
	})

	t.Run("charge settles on close", func(t *testing.T) {
		marginBefore := clone(survivor.Margin)
		res, err := f.engine.ClosePosition(CloseParams{Market: testMarket, PositionID: survivor.ID, Caller: "bob"})
		require.NoError(t, err)
		assert.True(t, res.Settlement.Cmp(marginBefore) < 0)
	})
}

func TestLiquidatableTie(t *testing.T) {
	notional := big.NewInt(1_000_000)
	ratio := NewQ96(1) // 100% for exact arithmetic

	t.Run("exactly at the ratio stays safe", func(t *testing.T) {
		assert.False(t, liquidatable(big.NewInt(1_000_000), notional, ratio))
	})

	t.Run("one unit under is liquidatable", func(t *testing.T) {
		assert.True(t, liquidatable(big.NewInt(999_999), notional, ratio))
	})

	t.Run("zero notional never liquidatable", func(t *testing.T) {
		assert.False(t, liquidatable(big.NewInt(-5), new(big.Int), ratio))
	})
}

// brokenQuoteVenue refuses read-only quotes but otherwise behaves.
type brokenQuoteVenue struct {
	*PoolVenue
}

func (v *brokenQuoteVenue) QuoteExactPerp(dir TradeDirection, perpAmount *big.Int) (*big.Int, *big.Int, error) {
	return nil, nil, categorize(ErrVenue, ErrInsufficientLiquidity)
}

func TestQuoteIndeterminate(t *testing.T) {
	f := &engineFixture{now: 1_000_000}
	clock := func() int64 { return f.now }
	f.venue = NewPoolVenue(clone(Q96), big.NewInt(1_000_000_000_000_000))
	f.beacon = NewStaticBeacon(clock, clone(Q96))
	f.vault = NewMemVault()
	f.sink = &captureSink{}
	f.engine = NewEngine(nil, WithClock(clock), WithEventSink(f.sink))

	broken := &brokenQuoteVenue{PoolVenue: f.venue}
	_, err := f.engine.CreateMarket(MarketConfig{
		ID: testMarket, Creator: "creator",
		Venue: broken, Beacon: f.beacon, Vault: f.vault,
	})
	require.NoError(t, err)

	pos, err := f.engine.OpenTaker(OpenTakerParams{
		Market: testMarket, Holder: "alice", Long: true,
		Margin: usd(1000), LeverageX96: NewQ96(2),
	})
	require.NoError(t, err)

	t.Run("quote reports not-ok, never zero", func(t *testing.T) {
		quote, err := f.engine.QuoteClose(testMarket, pos.ID)
		require.NoError(t, err)
		assert.False(t, quote.OK)
		assert.Len(t, f.sink.byType(EventQuoteIndeterminate), 1)
	})

	t.Run("close refuses to guess", func(t *testing.T) {
		_, err := f.engine.ClosePosition(CloseParams{Market: testMarket, PositionID: pos.ID, Caller: "alice"})
		assert.ErrorIs(t, err, ErrQuoteIndeterminate)
		assert.True(t, f.engine.Position(testMarket, pos.ID).Open())
	})

	t.Run("solvency flags the position", func(t *testing.T) {
		report, err := f.engine.CheckSolvency(testMarket)
		require.NoError(t, err)
		assert.False(t, report.Solvent)
		assert.Equal(t, []uint64{pos.ID}, report.Indeterminate)
	})
}

// reentrantVenue calls back into the engine mid-swap.
type reentrantVenue struct {
	*PoolVenue
	engine *Engine
	err    error
}

func (v *reentrantVenue) SwapExactUsd(dir TradeDirection, usdAmount *big.Int, limits SwapLimits) (*big.Int, *big.Int, error) {
	_, v.err = v.engine.OpenTaker(OpenTakerParams{
		Market: testMarket, Holder: "nested", Long: true,
		Margin: usd(1000), LeverageX96: NewQ96(2),
	})
	return nil, nil, v.err
}

func TestReentrancyRejected(t *testing.T) {
	f := &engineFixture{now: 1_000_000}
	clock := func() int64 { return f.now }
	pool := NewPoolVenue(clone(Q96), big.NewInt(1_000_000_000_000_000))
	f.beacon = NewStaticBeacon(clock, clone(Q96))
	f.vault = NewMemVault()
	f.engine = NewEngine(nil, WithClock(clock), WithEventSink(&captureSink{}))

	venue := &reentrantVenue{PoolVenue: pool, engine: f.engine}
	_, err := f.engine.CreateMarket(MarketConfig{
		ID: testMarket, Venue: venue, Beacon: f.beacon, Vault: f.vault,
	})
	require.NoError(t, err)

	_, err = f.engine.OpenTaker(OpenTakerParams{
		Market: testMarket, Holder: "alice", Long: true,
		Margin: usd(1000), LeverageX96: NewQ96(2),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReentrantCall)
	assert.ErrorIs(t, venue.err, ErrReentrantCall)
	assert.Equal(t, 0, f.vault.Balance().Sign(), "margin refunded after the failed swap")
}

func TestIncreaseTwapCardinality(t *testing.T) {
	f := newEngineFixture(t)
	m := f.engine.Market(testMarket)

	f.now += 100
	_, err := f.engine.OpenTaker(OpenTakerParams{
		Market: testMarket, Holder: "alice", Long: true,
		Margin: usd(1000), LeverageX96: NewQ96(2),
	})
	require.NoError(t, err)

	before := m.MarkTwapX96(f.now, 60)

	t.Run("growth is pricing neutral", func(t *testing.T) {
		for _, cap := range []int{0, 1, 65535} {
			require.NoError(t, f.engine.IncreaseTwapCardinalityCap(testMarket, cap))
			after := m.MarkTwapX96(f.now, 60)
			assert.Equal(t, 0, before.Cmp(after), "cap %d", cap)
		}
	})

	t.Run("unknown market", func(t *testing.T) {
		err := f.engine.IncreaseTwapCardinalityCap("nope", 10)
		assert.ErrorIs(t, err, ErrMarketNotFound)
	})

	t.Run("negative cap rejected", func(t *testing.T) {
		err := f.engine.IncreaseTwapCardinalityCap(testMarket, -1)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})
}

// flakyVault refuses outbound transfers while tripped.
type flakyVault struct {
	*MemVault
	failOut bool
}

func (v *flakyVault) TransferOut(to string, amount *big.Int) error {
	if v.failOut {
		return errors.New("custody offline")
	}
	return v.MemVault.TransferOut(to, amount)
}

func TestDeferredSettlement(t *testing.T) {
	f := &engineFixture{now: 1_000_000, sink: &captureSink{}}
	clock := func() int64 { return f.now }
	f.venue = NewPoolVenue(clone(Q96), big.NewInt(1_000_000_000_000_000))
	f.beacon = NewStaticBeacon(clock, clone(Q96))
	vault := &flakyVault{MemVault: NewMemVault()}
	f.engine = NewEngine(nil, WithClock(clock), WithEventSink(f.sink))

	_, err := f.engine.CreateMarket(MarketConfig{
		ID: testMarket, Venue: f.venue, Beacon: f.beacon, Vault: vault,
	})
	require.NoError(t, err)
	m := f.engine.Market(testMarket)

	pos, err := f.engine.OpenTaker(OpenTakerParams{
		Market: testMarket, Holder: "alice", Long: true,
		Margin: usd(1000), LeverageX96: NewQ96(2),
	})
	require.NoError(t, err)

	vault.failOut = true
	res, err := f.engine.ClosePosition(CloseParams{Market: testMarket, PositionID: pos.ID, Caller: "alice"})
	require.NoError(t, err, "payout failure must not abort the close")
	assert.True(t, res.SettlementDeferred)
	require.Equal(t, 1, res.Settlement.Sign())

	t.Run("close finalized", func(t *testing.T) {
		assert.False(t, pos.Open())
		_, err := f.engine.ClosePosition(CloseParams{Market: testMarket, PositionID: pos.ID, Caller: "alice"})
		assert.ErrorIs(t, err, ErrPositionClosed)
		assert.Equal(t, 0, m.TakerOpenInterest().Sign())
	})

	t.Run("liability recorded", func(t *testing.T) {
		assert.Equal(t, 0, m.PendingSettlement("alice").Cmp(res.Settlement))
		assert.Len(t, f.sink.byType(EventSettlementDeferred), 1)

		report, err := f.engine.CheckSolvency(testMarket)
		require.NoError(t, err)
		assert.Equal(t, 0, report.PendingPayouts.Cmp(res.Settlement))
		assert.True(t, report.Solvent, "vault still holds the unpaid settlement")
	})

	t.Run("claim fails while custody is down", func(t *testing.T) {
		_, err := f.engine.ClaimSettlement(testMarket, "alice")
		assert.ErrorIs(t, err, ErrVenue)
		assert.Equal(t, 0, m.PendingSettlement("alice").Cmp(res.Settlement))
	})

	t.Run("claim pays out after recovery", func(t *testing.T) {
		vault.failOut = false
		claimed, err := f.engine.ClaimSettlement(testMarket, "alice")
		require.NoError(t, err)
		assert.Equal(t, 0, claimed.Cmp(res.Settlement))
		assert.Equal(t, 0, m.PendingSettlement("alice").Sign())

		report, err := f.engine.CheckSolvency(testMarket)
		require.NoError(t, err)
		assert.Equal(t, 0, report.PendingPayouts.Sign())
		assert.True(t, report.Solvent)
	})

	t.Run("nothing pending pays nothing", func(t *testing.T) {
		claimed, err := f.engine.ClaimSettlement(testMarket, "alice")
		require.NoError(t, err)
		assert.Equal(t, 0, claimed.Sign())
		claimed, err = f.engine.ClaimSettlement(testMarket, "mallory")
		require.NoError(t, err)
		assert.Equal(t, 0, claimed.Sign())
	})
}

func TestClaimCreatorFees(t *testing.T) {
	f := newEngineFixture(t)
	_, err := f.engine.OpenTaker(OpenTakerParams{
		Market: testMarket, Holder: "alice", Long: true,
		Margin: usd(1000), LeverageX96: NewQ96(2),
	})
	require.NoError(t, err)

	m := f.engine.Market(testMarket)
	accrued := m.CreatorFeeBalance()
	require.Equal(t, 1, accrued.Sign())

	t.Run("only the creator", func(t *testing.T) {
		_, err := f.engine.ClaimCreatorFees(testMarket, "mallory")
		assert.ErrorIs(t, err, ErrNotCreator)
	})

	claimed, err := f.engine.ClaimCreatorFees(testMarket, "creator")
	require.NoError(t, err)
	assert.Equal(t, 0, claimed.Cmp(accrued))
	assert.Equal(t, 0, m.CreatorFeeBalance().Sign())

	t.Run("second claim pays nothing", func(t *testing.T) {
		claimed, err := f.engine.ClaimCreatorFees(testMarket, "creator")
		require.NoError(t, err)
		assert.Equal(t, 0, claimed.Sign())
	})
}

func TestFundingFlowsBetweenSides(t *testing.T) {
	f := newEngineFixture(t)

	long, err := f.engine.OpenTaker(OpenTakerParams{
		Market: testMarket, Holder: "alice", Long: true,
		Margin: usd(1000), LeverageX96: NewQ96(2),
	})
	require.NoError(t, err)
	short, err := f.engine.OpenTaker(OpenTakerParams{
		Market: testMarket, Holder: "bob", Long: false,
		Margin: usd(1000), LeverageX96: NewQ96(2),
	})
	require.NoError(t, err)

	// Hold the index 1% under the mark for a full funding interval: longs
	// pay roughly 1% of position value, shorts receive it.
	lowIndex := new(big.Int).Mul(Q96, big.NewInt(99))
	lowIndex.Quo(lowIndex, big.NewInt(100))
	f.beacon.SetIndexPrice(lowIndex)

	// Checkpoint the new premium, then let it accrue.
	require.NoError(t, f.engine.AddMargin(testMarket, long.ID, "alice", usd(1)))
	f.now += FundingIntervalSeconds

	longQuote, err := f.engine.QuoteClose(testMarket, long.ID)
	require.NoError(t, err)
	require.True(t, longQuote.OK)
	shortQuote, err := f.engine.QuoteClose(testMarket, short.ID)
	require.NoError(t, err)
	require.True(t, shortQuote.OK)

	assert.Equal(t, 1, longQuote.FundingOwed.Sign(), "long pays when mark > index")
	assert.Equal(t, -1, shortQuote.FundingOwed.Sign(), "short receives")

	// Equal and opposite sizes pay near-equal and opposite funding.
	sum := new(big.Int).Add(longQuote.FundingOwed, shortQuote.FundingOwed)
	sum.Abs(sum)
	assert.True(t, sum.Cmp(usd(1)) < 0, "net funding %s should be near zero", sum)
}
