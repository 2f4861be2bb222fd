package perp

import (
	"math/big"
	"sync"
)

// External collaborators. The accounting core consumes the execution venue,
// the index-price beacon and the custody vault through these interfaces
// only; AMM curve mechanics, oracle proofs and custody live behind them.

// TradeDirection names the perp leg of a swap from the trader's view.
type TradeDirection int

const (
	// BuyPerp swaps USD in for PERP out (price moves up).
	BuyPerp TradeDirection = iota
	// SellPerp swaps PERP in for USD out (price moves down).
	SellPerp
)

// SwapLimits carries caller slippage bounds. A zero/nil field disables that
// bound. Venues must reject a trade that would breach a limit without
// mutating any state.
type SwapLimits struct {
	SqrtPriceLimitX96 *big.Int
	MaxAmountIn       *big.Int
	MinAmountOut      *big.Int
}

// ExecutionVenue realizes price-moving trades. Each mutating method is
// called at most once per accounting operation and must fail atomically:
// either the full trade happens at the reported price, or nothing does.
type ExecutionVenue interface {
	// SqrtPriceX96 is the venue's current sqrt mark price.
	SqrtPriceX96() *big.Int
	// CurrentTick is the tick of the current price.
	CurrentTick() int32

	// SwapExactUsd trades an exact USD amount: BuyPerp pays usdAmount in and
	// returns the PERP received, SellPerp takes usdAmount out and returns
	// the PERP paid in.
	SwapExactUsd(dir TradeDirection, usdAmount *big.Int, limits SwapLimits) (perpAmount *big.Int, newSqrtPriceX96 *big.Int, err error)
	// SwapExactPerp trades an exact PERP amount: SellPerp pays perpAmount in
	// and returns the USD received, BuyPerp takes perpAmount out and returns
	// the USD paid in.
	SwapExactPerp(dir TradeDirection, perpAmount *big.Int, limits SwapLimits) (usdAmount *big.Int, newSqrtPriceX96 *big.Int, err error)
	// QuoteExactPerp is SwapExactPerp without execution. Used by the
	// read-only quoting path; must not mutate venue state.
	QuoteExactPerp(dir TradeDirection, perpAmount *big.Int) (usdAmount *big.Int, newSqrtPriceX96 *big.Int, err error)

	// AddLiquidity deposits liquidity over [tickLower, tickUpper) and
	// returns the PERP and USD amounts taken.
	AddLiquidity(tickLower, tickUpper int32, liquidity *big.Int, limits SwapLimits) (perpAmount, usdAmount *big.Int, err error)
	// RemoveLiquidity withdraws liquidity and returns the amounts released.
	RemoveLiquidity(tickLower, tickUpper int32, liquidity *big.Int) (perpAmount, usdAmount *big.Int, err error)
}

// Beacon supplies the external index price, X96 scaled micro-USD per
// micro-PERP.
type Beacon interface {
	CurrentIndexPriceX96() (*big.Int, error)
	TimeWeightedIndexPriceX96(window int64) (*big.Int, error)
}

// Vault custodies pooled collateral. Amounts are micro-USD.
type Vault interface {
	Balance() *big.Int
	TransferIn(from string, amount *big.Int) error
	TransferOut(to string, amount *big.Int) error
}

// StaticBeacon is a settable beacon for tests and local deployments. The
// time-weighted query answers from an internal Observations buffer fed by
// SetIndexPrice.
type StaticBeacon struct {
	mu       sync.RWMutex
	priceX96 *big.Int
	history  *Observations
	now      func() int64
}

// NewStaticBeacon creates a beacon pinned at priceX96.
func NewStaticBeacon(now func() int64, priceX96 *big.Int) *StaticBeacon {
	return &StaticBeacon{
		priceX96: clone(priceX96),
		history:  NewObservations(now()),
		now:      now,
	}
}

// SetIndexPrice records a new index price observation.
func (b *StaticBeacon) SetIndexPrice(priceX96 *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history.Write(b.now(), b.priceX96)
	b.priceX96 = clone(priceX96)
}

func (b *StaticBeacon) CurrentIndexPriceX96() (*big.Int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return clone(b.priceX96), nil
}

func (b *StaticBeacon) TimeWeightedIndexPriceX96(window int64) (*big.Int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.history.TimeWeightedAvg(b.now(), window, b.priceX96), nil
}

// MemVault is an in-memory custody ledger for tests and the reference
// daemon. It tracks only the pooled balance; per-holder bookkeeping is the
// accounting core's job.
type MemVault struct {
	mu      sync.Mutex
	balance *big.Int
}

// NewMemVault creates an empty vault.
func NewMemVault() *MemVault {
	return &MemVault{balance: new(big.Int)}
}

func (v *MemVault) Balance() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return clone(v.balance)
}

func (v *MemVault) TransferIn(from string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balance.Add(v.balance, amount)
	return nil
}

func (v *MemVault) TransferOut(to string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.balance.Cmp(amount) < 0 {
		return ErrInsufficientLiquidity
	}
	v.balance.Sub(v.balance, amount)
	return nil
}
