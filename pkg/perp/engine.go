package perp

import (
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luxfi/log"
)

// Engine is the top-level accounting service: it owns every market and
// position and is the only writer of their state. Execution is serialized
// and atomic per entry point; a venue implementation that calls back into
// the engine mid-operation is rejected with ErrReentrantCall rather than
// observing half-updated accumulators.
type Engine struct {
	mu   sync.Mutex
	busy atomic.Bool

	logger  log.Logger
	sink    EventSink
	clock   func() int64
	markets map[string]*Market
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine time source (unix seconds).
func WithClock(clock func() int64) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithEventSink sets the sink receiving structured events.
func WithEventSink(sink EventSink) Option {
	return func(e *Engine) { e.sink = sink }
}

// NewEngine creates an engine. A nil logger falls back to the root logger.
func NewEngine(logger log.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = log.Root().New("module", "perp")
	}
	e := &Engine{
		logger:  logger,
		sink:    NoopSink{},
		clock:   func() int64 { return time.Now().Unix() },
		markets: make(map[string]*Market),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// acquire serializes entry points. A lock already held by an in-flight
// operation that is mid-callout means this call is a reentrant callback.
func (e *Engine) acquire() error {
	if e.mu.TryLock() {
		return nil
	}
	if e.busy.Load() {
		return ErrReentrantCall
	}
	e.mu.Lock()
	return nil
}

// callout brackets an external venue/vault call so nested reentry is
// detectable.
func (e *Engine) callout(fn func() error) error {
	e.busy.Store(true)
	defer e.busy.Store(false)
	return fn()
}

// Market returns a market by id, or nil.
func (e *Engine) Market(id string) *Market {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.markets[id]
}

// MarketIDs lists the known markets.
func (e *Engine) MarketIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.markets))
	for id := range e.markets {
		ids = append(ids, id)
	}
	return ids
}

// Position returns a position by (market, id), or nil.
func (e *Engine) Position(marketID string, positionID uint64) *Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.markets[marketID]
	if m == nil {
		return nil
	}
	return m.positions[positionID]
}

// CreateMarket registers a new instrument. Nil policies fall back to the
// package defaults; venue, beacon and vault are required.
func (e *Engine) CreateMarket(cfg MarketConfig) (*Market, error) {
	if err := e.acquire(); err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	if cfg.ID == "" || cfg.Venue == nil || cfg.Beacon == nil || cfg.Vault == nil {
		return nil, categorize(ErrValidation, ErrInvalidAmount)
	}
	if _, exists := e.markets[cfg.ID]; exists {
		return nil, categorize(ErrValidation, ErrMarketExists)
	}

	if cfg.Fees == nil {
		cfg.Fees = DefaultFees()
	}
	if cfg.Margin == nil {
		cfg.Margin = DefaultMargin()
	}
	if cfg.Lockup == nil {
		cfg.Lockup = DefaultLockup()
	}
	if cfg.PriceImpact == nil {
		cfg.PriceImpact = DefaultPriceImpact()
	}

	now := e.clock()
	sqrtPrice := cfg.Venue.SqrtPriceX96()
	if sqrtPrice == nil || sqrtPrice.Sign() <= 0 {
		return nil, categorize(ErrVenue, ErrInsufficientLiquidity)
	}

	m := &Market{
		ID:                 cfg.ID,
		PerpToken:          cfg.PerpToken,
		UsdToken:           cfg.UsdToken,
		Creator:            cfg.Creator,
		CreatedAt:          now,
		venue:              cfg.Venue,
		beacon:             cfg.Beacon,
		vault:              cfg.Vault,
		fees:               cfg.Fees,
		margin:             cfg.Margin,
		lockup:             cfg.Lockup,
		priceImpact:        cfg.PriceImpact,
		funding:            NewFundingState(now),
		twap:               NewObservations(now),
		ticks:              NewTickTable(),
		positions:          make(map[uint64]*Position),
		nextPositionID:     1,
		takerOpenInterest:  new(big.Int),
		openNotional:       new(big.Int),
		totalLiquidity:     new(big.Int),
		insuranceBalance:   new(big.Int),
		creatorFeeBalance:  new(big.Int),
		badDebtGrowthX96:   new(big.Int),
		lpFeeGrowthX96:     new(big.Int),
		pendingPayouts:     make(map[string]*big.Int),
		pendingPayoutTotal: new(big.Int),
	}
	if cfg.TwapCardinalityCap > 1 {
		m.twap.IncreaseCardinalityCap(cfg.TwapCardinalityCap)
	}

	e.markets[cfg.ID] = m
	e.logger.Info("market created", "market", cfg.ID, "perp", cfg.PerpToken, "usd", cfg.UsdToken)
	e.sink.Publish(MarketCreated{
		Market:    cfg.ID,
		PerpToken: cfg.PerpToken,
		UsdToken:  cfg.UsdToken,
		Creator:   cfg.Creator,
		Timestamp: now,
		SqrtPrice: sqrtPrice,
	})
	return m, nil
}

// settleMarket writes the mark TWAP observation and settles funding up to
// now. Runs before any position math in every entry point so positions see
// a consistent global accumulator.
func (e *Engine) settleMarket(m *Market, now int64) error {
	sqrtPrice := m.venue.SqrtPriceX96()

	var indexPrice *big.Int
	err := e.callout(func() error {
		var beaconErr error
		indexPrice, beaconErr = m.beacon.CurrentIndexPriceX96()
		return beaconErr
	})
	if err != nil {
		return categorize(ErrVenue, err)
	}

	m.twap.Write(now, markFromSqrtX96(sqrtPrice))
	if err := m.funding.Settle(now, sqrtPrice, indexPrice); err != nil {
		return categorize(ErrValidation, err)
	}
	return nil
}

// OpenMaker opens a collateralized liquidity position over a tick range.
func (e *Engine) OpenMaker(p OpenMakerParams) (*Position, error) {
	if err := e.acquire(); err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	m := e.markets[p.Market]
	if m == nil {
		return nil, categorize(ErrValidation, ErrMarketNotFound)
	}
	if p.Holder == "" {
		return nil, categorize(ErrValidation, ErrInvalidHolder)
	}
	if p.TickLower >= p.TickUpper || p.TickLower < MinTick || p.TickUpper > MaxTick {
		return nil, categorize(ErrValidation, ErrInvalidTickRange)
	}
	if p.Liquidity == nil || p.Liquidity.Sign() <= 0 {
		return nil, categorize(ErrValidation, ErrInvalidLiquidity)
	}
	if p.Margin == nil || p.Margin.Sign() <= 0 {
		return nil, categorize(ErrValidation, ErrInvalidMargin)
	}
	if p.Margin.Cmp(m.margin.MinMargin()) < 0 || p.Margin.Cmp(m.margin.MaxMargin()) > 0 {
		return nil, categorize(ErrPolicy, ErrMarginOutOfBounds)
	}

	now := e.clock()
	if err := e.settleMarket(m, now); err != nil {
		return nil, err
	}

	// Pre-validate deposit legs, fee and initial margin ratio at the
	// current price before touching custody or the venue.
	sqrtPrice := m.venue.SqrtPriceX96()
	sqrtA := TickSqrtPriceX96(p.TickLower)
	sqrtB := TickSqrtPriceX96(p.TickUpper)
	perpQuote, usdQuote := rangeAmounts(p.Liquidity, sqrtA, sqrtB, sqrtPrice)
	if p.MaxPerpIn != nil && perpQuote.Cmp(p.MaxPerpIn) > 0 {
		return nil, categorize(ErrVenue, ErrSlippageExceeded)
	}
	if p.MaxUsdIn != nil && usdQuote.Cmp(p.MaxUsdIn) > 0 {
		return nil, categorize(ErrVenue, ErrSlippageExceeded)
	}

	value := rangeValueUsd(p.Liquidity, sqrtA, sqrtB, sqrtPrice)
	fee := ppmShare(usdQuote, m.fees.TradeFeePPM())
	marginNet := new(big.Int).Sub(p.Margin, fee)
	if marginNet.Sign() <= 0 {
		return nil, categorize(ErrPolicy, ErrMarginRatioTooLow)
	}
	lhs := new(big.Int).Lsh(marginNet, 96)
	rhs := new(big.Int).Mul(value, m.margin.InitialMarginRatioX96(true))
	if lhs.Cmp(rhs) < 0 {
		return nil, categorize(ErrPolicy, ErrMarginRatioTooLow)
	}

	if err := e.callout(func() error { return m.vault.TransferIn(p.Holder, p.Margin) }); err != nil {
		return nil, categorize(ErrVenue, err)
	}

	var perpIn, usdIn *big.Int
	err := e.callout(func() error {
		var venueErr error
		perpIn, usdIn, venueErr = m.venue.AddLiquidity(p.TickLower, p.TickUpper, p.Liquidity, SwapLimits{MaxAmountIn: p.MaxUsdIn})
		return venueErr
	})
	if err != nil {
		e.refund(m, p.Holder, p.Margin)
		if Category(err) == nil {
			err = categorize(ErrVenue, err)
		}
		return nil, err
	}
	if p.MaxPerpIn != nil && perpIn.Cmp(p.MaxPerpIn) > 0 {
		e.callout(func() error {
			_, _, undoErr := m.venue.RemoveLiquidity(p.TickLower, p.TickUpper, p.Liquidity)
			return undoErr
		})
		e.refund(m, p.Holder, p.Margin)
		return nil, categorize(ErrVenue, ErrSlippageExceeded)
	}

	currentTick := m.venue.CurrentTick()
	m.ticks.Touch(p.TickLower, currentTick, m.funding.CumulativeFundingX96, m.funding.CumulativeFundingDivSqrtPriceX96)
	m.ticks.Touch(p.TickUpper, currentTick, m.funding.CumulativeFundingX96, m.funding.CumulativeFundingDivSqrtPriceX96)
	m.ticks.AddLiquidity(p.TickLower, p.Liquidity)
	m.ticks.AddLiquidity(p.TickUpper, p.Liquidity)

	// Fee accrues to pre-existing liquidity, then the new position joins.
	feePaid := m.applyTradeFee(usdIn)
	m.totalLiquidity.Add(m.totalLiquidity, p.Liquidity)
	marginNet = new(big.Int).Sub(p.Margin, feePaid)

	within, withinDiv := m.ticks.GrowthInside(p.TickLower, p.TickUpper, currentTick, m.funding.CumulativeFundingX96, m.funding.CumulativeFundingDivSqrtPriceX96)
	below := m.ticks.GrowthBelow(p.TickLower, currentTick, m.funding.CumulativeFundingX96)

	pos := &Position{
		ID:                           m.nextPositionID,
		Market:                       m.ID,
		Holder:                       p.Holder,
		Maker:                        true,
		Margin:                       marginNet,
		EntryPerpDelta:               new(big.Int).Neg(perpIn),
		EntryUsdDelta:                new(big.Int).Neg(usdIn),
		EntryNotional:                value,
		EntryCumulativeFundingX96:    clone(m.funding.CumulativeFundingX96),
		EntryBadDebtGrowthX96:        clone(m.badDebtGrowthX96),
		LiquidationMarginRatioX96:    m.margin.LiquidationMarginRatioX96(true),
		OpenedAt:                     now,
		FeesPaid:                     feePaid,
		UnlockTime:                   now + m.lockup.LockupPeriod(),
		TickLower:                    p.TickLower,
		TickUpper:                    p.TickUpper,
		Liquidity:                    clone(p.Liquidity),
		EntryFundingBelowX96:         below,
		EntryFundingWithinX96:        within,
		EntryFundingWithinDivSqrtX96: withinDiv,
		EntryLpFeeGrowthX96:          clone(m.lpFeeGrowthX96),
	}
	m.nextPositionID++
	m.positions[pos.ID] = pos
	m.openNotional.Add(m.openNotional, value)

	e.logger.Info("maker position opened",
		"market", m.ID, "position", pos.ID, "holder", p.Holder,
		"liquidity", p.Liquidity.String(), "margin", marginNet.String())
	e.sink.Publish(PositionOpened{
		Market: m.ID, PositionID: pos.ID, Holder: p.Holder, Maker: true,
		Margin: clone(marginNet), Notional: clone(value), FeesPaid: clone(feePaid), Timestamp: now,
	})
	return pos, nil
}

// OpenTaker opens a leveraged directional position.
func (e *Engine) OpenTaker(p OpenTakerParams) (*Position, error) {
	if err := e.acquire(); err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	m := e.markets[p.Market]
	if m == nil {
		return nil, categorize(ErrValidation, ErrMarketNotFound)
	}
	if p.Holder == "" {
		return nil, categorize(ErrValidation, ErrInvalidHolder)
	}
	if p.Margin == nil || p.Margin.Sign() <= 0 {
		return nil, categorize(ErrValidation, ErrInvalidMargin)
	}
	if p.Margin.Cmp(m.margin.MinMargin()) < 0 || p.Margin.Cmp(m.margin.MaxMargin()) > 0 {
		return nil, categorize(ErrPolicy, ErrMarginOutOfBounds)
	}
	if p.LeverageX96 == nil || p.LeverageX96.Sign() <= 0 {
		return nil, categorize(ErrValidation, ErrInvalidLeverage)
	}
	if p.LeverageX96.Cmp(m.margin.MinLeverageX96()) < 0 || p.LeverageX96.Cmp(m.margin.MaxLeverageX96()) > 0 {
		return nil, categorize(ErrPolicy, ErrLeverageOutOfBounds)
	}

	now := e.clock()
	if err := e.settleMarket(m, now); err != nil {
		return nil, err
	}

	notional := mulQ96(p.Margin, p.LeverageX96)

	// Longs pay the trade fee at open (USD-in leg); validate the post-fee
	// margin against the initial ratio before touching anything.
	fee := new(big.Int)
	if p.Long {
		fee = ppmShare(notional, m.fees.TradeFeePPM())
	}
	marginNet := new(big.Int).Sub(p.Margin, fee)
	if marginNet.Sign() <= 0 {
		return nil, categorize(ErrPolicy, ErrMarginRatioTooLow)
	}
	lhs := new(big.Int).Lsh(marginNet, 96)
	rhs := new(big.Int).Mul(notional, m.margin.InitialMarginRatioX96(false))
	if lhs.Cmp(rhs) < 0 {
		return nil, categorize(ErrPolicy, ErrMarginRatioTooLow)
	}

	sqrtPrice := m.venue.SqrtPriceX96()
	oldTick := m.venue.CurrentTick()
	limit := p.SqrtPriceLimitX96
	if limit == nil {
		limit = m.priceImpact.SqrtPriceBoundX96(sqrtPrice, p.Long)
	}

	if err := e.callout(func() error { return m.vault.TransferIn(p.Holder, p.Margin) }); err != nil {
		return nil, categorize(ErrVenue, err)
	}

	dir := SellPerp
	if p.Long {
		dir = BuyPerp
	}
	var perpAmount, newSqrt *big.Int
	err := e.callout(func() error {
		var venueErr error
		perpAmount, newSqrt, venueErr = m.venue.SwapExactUsd(dir, notional, SwapLimits{SqrtPriceLimitX96: limit})
		return venueErr
	})
	if err != nil {
		e.refund(m, p.Holder, p.Margin)
		if Category(err) == nil {
			err = categorize(ErrVenue, err)
		}
		return nil, err
	}

	newTick := TickAtSqrtPrice(newSqrt)
	m.ticks.CrossRange(oldTick, newTick, m.funding.CumulativeFundingX96, m.funding.CumulativeFundingDivSqrtPriceX96)

	feePaid := new(big.Int)
	if p.Long {
		feePaid = m.applyTradeFee(notional)
		marginNet = new(big.Int).Sub(p.Margin, feePaid)
	} else {
		marginNet = clone(p.Margin)
	}

	entryPerp := clone(perpAmount)
	entryUsd := new(big.Int).Neg(notional)
	if !p.Long {
		entryPerp.Neg(entryPerp)
		entryUsd = clone(notional)
	}

	pos := &Position{
		ID:                        m.nextPositionID,
		Market:                    m.ID,
		Holder:                    p.Holder,
		Long:                      p.Long,
		Margin:                    marginNet,
		EntryPerpDelta:            entryPerp,
		EntryUsdDelta:             entryUsd,
		EntryNotional:             clone(notional),
		EntryCumulativeFundingX96: clone(m.funding.CumulativeFundingX96),
		EntryBadDebtGrowthX96:     clone(m.badDebtGrowthX96),
		LiquidationMarginRatioX96: m.margin.LiquidationMarginRatioX96(false),
		OpenedAt:                  now,
		FeesPaid:                  feePaid,
	}
	m.nextPositionID++
	m.positions[pos.ID] = pos
	m.takerOpenInterest.Add(m.takerOpenInterest, notional)
	m.openNotional.Add(m.openNotional, notional)

	e.logger.Info("taker position opened",
		"market", m.ID, "position", pos.ID, "holder", p.Holder,
		"long", p.Long, "notional", notional.String(), "margin", marginNet.String())
	e.sink.Publish(PositionOpened{
		Market: m.ID, PositionID: pos.ID, Holder: p.Holder, Long: p.Long,
		Margin: clone(marginNet), Notional: clone(notional), FeesPaid: clone(feePaid), Timestamp: now,
	})
	return pos, nil
}

// AddMargin adds collateral to an open position. It never re-checks the
// margin ratio: extra collateral can only improve it.
func (e *Engine) AddMargin(marketID string, positionID uint64, caller string, amount *big.Int) error {
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.mu.Unlock()

	m := e.markets[marketID]
	if m == nil {
		return categorize(ErrValidation, ErrMarketNotFound)
	}
	pos := m.positions[positionID]
	if pos == nil {
		return categorize(ErrValidation, ErrPositionNotFound)
	}
	if !pos.Open() {
		return categorize(ErrValidation, ErrPositionClosed)
	}
	if caller != pos.Holder {
		return categorize(ErrAuthorization, ErrNotHolder)
	}
	if amount == nil || amount.Sign() <= 0 {
		return categorize(ErrValidation, ErrInvalidAmount)
	}

	now := e.clock()
	if err := e.settleMarket(m, now); err != nil {
		return err
	}

	if err := e.callout(func() error { return m.vault.TransferIn(caller, amount) }); err != nil {
		return categorize(ErrVenue, err)
	}
	pos.Margin.Add(pos.Margin, amount)
	e.logger.Info("margin added", "market", marketID, "position", positionID, "amount", amount.String())
	e.sink.Publish(MarginAdded{
		Market: marketID, PositionID: positionID,
		Amount: clone(amount), NewMargin: clone(pos.Margin), Timestamp: now,
	})
	return nil
}

// ClosePosition closes the caller's own position. Liquidatable positions
// must go through Liquidate; makers must be past their lockup.
func (e *Engine) ClosePosition(p CloseParams) (*CloseResult, error) {
	return e.close(p, false)
}

// Liquidate force-closes a liquidatable position. Any caller may invoke it.
func (e *Engine) Liquidate(p CloseParams) (*CloseResult, error) {
	return e.close(p, true)
}

func (e *Engine) close(p CloseParams, liquidation bool) (*CloseResult, error) {
	if err := e.acquire(); err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	m := e.markets[p.Market]
	if m == nil {
		return nil, categorize(ErrValidation, ErrMarketNotFound)
	}
	pos := m.positions[p.PositionID]
	if pos == nil {
		return nil, categorize(ErrValidation, ErrPositionNotFound)
	}
	if !pos.Open() {
		return nil, categorize(ErrValidation, ErrPositionClosed)
	}

	now := e.clock()
	if err := e.settleMarket(m, now); err != nil {
		return nil, err
	}

	quote := quotePosition(m, pos, now)
	if !quote.OK {
		e.reportIndeterminate(m.ID, pos.ID, now)
		return nil, ErrQuoteIndeterminate
	}

	if liquidation {
		if !quote.Liquidatable {
			return nil, categorize(ErrPolicy, ErrNotLiquidatable)
		}
	} else {
		if p.Caller != pos.Holder {
			return nil, categorize(ErrAuthorization, ErrNotHolder)
		}
		if quote.Liquidatable {
			return nil, categorize(ErrPolicy, ErrMustLiquidate)
		}
		if pos.Maker && now < pos.UnlockTime {
			return nil, categorize(ErrPolicy, ErrLockupActive)
		}
	}

	oldTick := m.venue.CurrentTick()
	pnl := new(big.Int)
	closeFee := new(big.Int)

	if pos.Maker {
		var perpOut, usdOut *big.Int
		err := e.callout(func() error {
			var venueErr error
			perpOut, usdOut, venueErr = m.venue.RemoveLiquidity(pos.TickLower, pos.TickUpper, pos.Liquidity)
			return venueErr
		})
		if err != nil {
			if Category(err) == nil {
				err = categorize(ErrVenue, err)
			}
			return nil, err
		}
		closeValue := mulQ96(perpOut, markFromSqrtX96(m.venue.SqrtPriceX96()))
		closeValue.Add(closeValue, usdOut)
		pnl.Sub(closeValue, pos.EntryNotional)
	} else {
		size := new(big.Int).Abs(pos.EntryPerpDelta)
		dir := BuyPerp
		if pos.Long {
			dir = SellPerp
		}
		limit := p.SqrtPriceLimitX96
		if limit == nil {
			limit = m.priceImpact.SqrtPriceBoundX96(m.venue.SqrtPriceX96(), !pos.Long)
		}

		var usdAmount, newSqrt *big.Int
		err := e.callout(func() error {
			var venueErr error
			usdAmount, newSqrt, venueErr = m.venue.SwapExactPerp(dir, size, SwapLimits{SqrtPriceLimitX96: limit})
			return venueErr
		})
		if err != nil {
			if Category(err) == nil {
				err = categorize(ErrVenue, err)
			}
			return nil, err
		}

		newTick := TickAtSqrtPrice(newSqrt)
		m.ticks.CrossRange(oldTick, newTick, m.funding.CumulativeFundingX96, m.funding.CumulativeFundingDivSqrtPriceX96)

		if pos.Long {
			pnl.Add(usdAmount, pos.EntryUsdDelta)
		} else {
			pnl.Sub(pos.EntryUsdDelta, usdAmount)
			// Shorts pay the trade fee on close, the USD-in leg.
			closeFee = m.applyTradeFee(usdAmount)
		}
	}

	eff := new(big.Int).Add(pos.Margin, pnl)
	eff.Sub(eff, quote.FundingOwed)
	eff.Sub(eff, quote.BadDebtCharge)
	eff.Add(eff, quote.LpFeesOwed)
	eff.Sub(eff, closeFee)

	if liquidation {
		liqFee := ppmShare(pos.EntryNotional, m.fees.LiquidationFeePPM())
		eff.Sub(eff, liqFee)
		m.insuranceBalance.Add(m.insuranceBalance, liqFee)
	}

	settlement := new(big.Int)
	deferred := false
	if eff.Sign() > 0 {
		settlement.Set(eff)
		if err := e.callout(func() error { return m.vault.TransferOut(pos.Holder, settlement) }); err != nil {
			// Custody refused a payout the ledger says is owed. The venue
			// unwind already executed, so the close must finalize anyway:
			// record the amount as a market liability claimable later.
			deferred = true
			m.addPendingPayout(pos.Holder, settlement)
			e.logger.Error("vault payout failed after unwind; settlement deferred",
				"market", m.ID, "position", pos.ID, "amount", settlement.String(), "err", err)
			e.sink.Publish(SettlementDeferred{
				Market: m.ID, PositionID: pos.ID, Holder: pos.Holder,
				Amount: clone(settlement), Timestamp: now,
			})
		}
	} else if eff.Sign() < 0 {
		deficit := new(big.Int).Neg(eff)
		drawn, socialized, growthDelta := m.absorbDeficit(deficit, pos.EntryNotional)
		if drawn.Sign() > 0 {
			e.sink.Publish(InsuranceDrawn{
				Market: m.ID, PositionID: pos.ID,
				Amount: drawn, Remaining: clone(m.insuranceBalance), Timestamp: now,
			})
		}
		if socialized.Sign() > 0 {
			if growthDelta.Sign() == 0 {
				e.logger.Error("bad debt with no surviving open interest",
					"market", m.ID, "position", pos.ID, "shortfall", socialized.String())
			}
			e.sink.Publish(BadDebtSocialized{
				Market: m.ID, PositionID: pos.ID,
				Shortfall: socialized, GrowthDeltaX96: growthDelta, Timestamp: now,
			})
		}
	}

	if pos.Maker {
		m.ticks.RemoveLiquidity(pos.TickLower, pos.Liquidity)
		m.ticks.RemoveLiquidity(pos.TickUpper, pos.Liquidity)
		m.totalLiquidity.Sub(m.totalLiquidity, pos.Liquidity)
	} else {
		m.takerOpenInterest.Sub(m.takerOpenInterest, pos.EntryNotional)
	}
	m.openNotional.Sub(m.openNotional, pos.EntryNotional)

	holder := pos.Holder
	pos.Holder = ""
	pos.Margin = new(big.Int)

	verb := "position closed"
	if liquidation {
		verb = "position liquidated"
	}
	e.logger.Info(verb,
		"market", m.ID, "position", pos.ID, "holder", holder,
		"pnl", pnl.String(), "funding", quote.FundingOwed.String(), "settlement", settlement.String())
	e.sink.Publish(PositionClosed{
		Market: m.ID, PositionID: pos.ID, Holder: holder, Liquidation: liquidation,
		PnL: clone(pnl), FundingOwed: clone(quote.FundingOwed),
		EffectiveMargin: clone(eff), Settlement: clone(settlement), Timestamp: now,
	})

	return &CloseResult{
		PnL:                pnl,
		FundingOwed:        quote.FundingOwed,
		EffectiveMargin:    eff,
		Settlement:         settlement,
		Liquidation:        liquidation,
		SettlementDeferred: deferred,
	}, nil
}

// ClaimSettlement pays out the caller's deferred settlements, accumulated
// when custody refused a payout at close time.
func (e *Engine) ClaimSettlement(marketID, caller string) (*big.Int, error) {
	if err := e.acquire(); err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	m := e.markets[marketID]
	if m == nil {
		return nil, categorize(ErrValidation, ErrMarketNotFound)
	}

	pending, ok := m.pendingPayouts[caller]
	if !ok || pending.Sign() <= 0 {
		return new(big.Int), nil
	}
	amount := clone(pending)
	if err := e.callout(func() error { return m.vault.TransferOut(caller, amount) }); err != nil {
		return nil, categorize(ErrVenue, err)
	}
	delete(m.pendingPayouts, caller)
	m.pendingPayoutTotal.Sub(m.pendingPayoutTotal, amount)
	e.logger.Info("deferred settlement claimed", "market", marketID, "holder", caller, "amount", amount.String())
	return amount, nil
}

// QuoteClose quotes closing a position at the current price without
// touching state. A position the venue cannot quote returns OK == false
// (never an error and never zero) and is reported to monitoring.
func (e *Engine) QuoteClose(marketID string, positionID uint64) (QuoteResult, error) {
	if err := e.acquire(); err != nil {
		return QuoteResult{}, err
	}
	defer e.mu.Unlock()

	m := e.markets[marketID]
	if m == nil {
		return QuoteResult{}, categorize(ErrValidation, ErrMarketNotFound)
	}
	pos := m.positions[positionID]
	if pos == nil {
		return QuoteResult{}, categorize(ErrValidation, ErrPositionNotFound)
	}
	if !pos.Open() {
		return QuoteResult{}, categorize(ErrValidation, ErrPositionClosed)
	}

	quote := quotePosition(m, pos, e.clock())
	if !quote.OK {
		e.reportIndeterminate(marketID, positionID, e.clock())
	}
	return quote, nil
}

// IncreaseTwapCardinalityCap grows a market's TWAP observation buffer. Any
// caller may pay for the growth; it is pricing-neutral for open positions.
func (e *Engine) IncreaseTwapCardinalityCap(marketID string, newCap int) error {
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.mu.Unlock()

	m := e.markets[marketID]
	if m == nil {
		return categorize(ErrValidation, ErrMarketNotFound)
	}
	if newCap < 0 {
		return categorize(ErrValidation, ErrInvalidAmount)
	}
	m.twap.IncreaseCardinalityCap(newCap)
	return nil
}

// ClaimCreatorFees pays out the market creator's accrued fee balance.
func (e *Engine) ClaimCreatorFees(marketID, caller string) (*big.Int, error) {
	if err := e.acquire(); err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	m := e.markets[marketID]
	if m == nil {
		return nil, categorize(ErrValidation, ErrMarketNotFound)
	}
	if caller != m.Creator {
		return nil, categorize(ErrAuthorization, ErrNotCreator)
	}

	amount := clone(m.creatorFeeBalance)
	if amount.Sign() <= 0 {
		return new(big.Int), nil
	}
	if err := e.callout(func() error { return m.vault.TransferOut(caller, amount) }); err != nil {
		return nil, categorize(ErrVenue, err)
	}
	m.creatorFeeBalance.SetInt64(0)
	return amount, nil
}

// SolvencyReport is the result of CheckSolvency.
type SolvencyReport struct {
	VaultBalance   *big.Int
	Obligations    *big.Int // sum of effective margins over open positions
	Insurance      *big.Int
	CreatorFees    *big.Int
	PendingPayouts *big.Int // deferred settlements owed to holders
	Solvent        bool
	Indeterminate  []uint64 // open positions that could not be quoted
}

// CheckSolvency verifies vault >= sum(effectiveMargin) + insurance +
// creator fees + deferred settlements for one market. Unquotable positions
// are listed, not assumed zero.
func (e *Engine) CheckSolvency(marketID string) (*SolvencyReport, error) {
	if err := e.acquire(); err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	m := e.markets[marketID]
	if m == nil {
		return nil, categorize(ErrValidation, ErrMarketNotFound)
	}

	now := e.clock()
	obligations := new(big.Int)
	var indeterminate []uint64
	for id, pos := range m.positions {
		if !pos.Open() {
			continue
		}
		quote := quotePosition(m, pos, now)
		if !quote.OK {
			indeterminate = append(indeterminate, id)
			e.reportIndeterminate(marketID, id, now)
			continue
		}
		obligations.Add(obligations, quote.EffectiveMargin)
	}

	required := new(big.Int).Add(obligations, m.insuranceBalance)
	required.Add(required, m.creatorFeeBalance)
	required.Add(required, m.pendingPayoutTotal)
	vaultBalance := m.vault.Balance()

	report := &SolvencyReport{
		VaultBalance:   vaultBalance,
		Obligations:    obligations,
		Insurance:      clone(m.insuranceBalance),
		CreatorFees:    clone(m.creatorFeeBalance),
		PendingPayouts: clone(m.pendingPayoutTotal),
		Solvent:        vaultBalance.Cmp(required) >= 0 && len(indeterminate) == 0,
		Indeterminate:  indeterminate,
	}
	if !report.Solvent {
		e.logger.Warn("solvency check failed",
			"market", marketID, "vault", vaultBalance.String(), "required", required.String(),
			"indeterminate", len(indeterminate))
	}
	return report, nil
}

// refund returns custody taken earlier in an aborted operation.
func (e *Engine) refund(m *Market, holder string, amount *big.Int) {
	if err := e.callout(func() error { return m.vault.TransferOut(holder, amount) }); err != nil {
		e.logger.Error("refund failed", "market", m.ID, "holder", holder, "amount", amount.String(), "err", err)
	}
}

// reportIndeterminate surfaces an unquotable open position, which can mask
// insolvency, to logs and event sinks.
func (e *Engine) reportIndeterminate(marketID string, positionID uint64, now int64) {
	e.logger.Warn("open position cannot be quoted", "market", marketID, "position", positionID)
	e.sink.Publish(QuoteIndeterminateEvent{
		Market: marketID, PositionID: positionID,
		Reason: "venue rejected implied unwind", Timestamp: now,
	})
}
