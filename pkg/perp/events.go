package perp

import "math/big"

// Every successful entry point emits one structured event describing the
// resulting position/market state. Sinks must not block; slow consumers
// should buffer internally.

// Event is implemented by all event payloads.
type Event interface {
	EventType() string
}

// EventSink consumes engine events.
type EventSink interface {
	Publish(Event)
}

// Event type names, stable across the wire.
const (
	EventMarketCreated      = "market_created"
	EventPositionOpened     = "position_opened"
	EventMarginAdded        = "margin_added"
	EventPositionClosed     = "position_closed"
	EventPositionLiquidated = "position_liquidated"
	EventBadDebtSocialized  = "bad_debt_socialized"
	EventInsuranceDrawn     = "insurance_drawn"
	EventSettlementDeferred = "settlement_deferred"
	EventQuoteIndeterminate = "quote_indeterminate"
)

// MarketCreated announces a new market.
type MarketCreated struct {
	Market    string   `json:"market"`
	PerpToken string   `json:"perpToken"`
	UsdToken  string   `json:"usdToken"`
	Creator   string   `json:"creator"`
	Timestamp int64    `json:"timestamp"`
	SqrtPrice *big.Int `json:"sqrtPriceX96"`
}

func (MarketCreated) EventType() string { return EventMarketCreated }

// PositionOpened announces a new maker or taker position.
type PositionOpened struct {
	Market     string   `json:"market"`
	PositionID uint64   `json:"positionId"`
	Holder     string   `json:"holder"`
	Maker      bool     `json:"maker"`
	Long       bool     `json:"long"`
	Margin     *big.Int `json:"margin"`
	Notional   *big.Int `json:"notional"`
	FeesPaid   *big.Int `json:"feesPaid"`
	Timestamp  int64    `json:"timestamp"`
}

func (PositionOpened) EventType() string { return EventPositionOpened }

// MarginAdded announces extra collateral on an open position.
type MarginAdded struct {
	Market     string   `json:"market"`
	PositionID uint64   `json:"positionId"`
	Amount     *big.Int `json:"amount"`
	NewMargin  *big.Int `json:"newMargin"`
	Timestamp  int64    `json:"timestamp"`
}

func (MarginAdded) EventType() string { return EventMarginAdded }

// PositionClosed announces a voluntary close; Liquidation distinguishes the
// forced path.
type PositionClosed struct {
	Market          string   `json:"market"`
	PositionID      uint64   `json:"positionId"`
	Holder          string   `json:"holder"`
	Liquidation     bool     `json:"liquidation"`
	PnL             *big.Int `json:"pnl"`
	FundingOwed     *big.Int `json:"fundingOwed"`
	EffectiveMargin *big.Int `json:"effectiveMargin"`
	Settlement      *big.Int `json:"settlement"`
	Timestamp       int64    `json:"timestamp"`
}

func (e PositionClosed) EventType() string {
	if e.Liquidation {
		return EventPositionLiquidated
	}
	return EventPositionClosed
}

// BadDebtSocialized announces a shortfall spread across open positions.
type BadDebtSocialized struct {
	Market         string   `json:"market"`
	PositionID     uint64   `json:"positionId"`
	Shortfall      *big.Int `json:"shortfall"`
	GrowthDeltaX96 *big.Int `json:"growthDeltaX96"`
	Timestamp      int64    `json:"timestamp"`
}

func (BadDebtSocialized) EventType() string { return EventBadDebtSocialized }

// InsuranceDrawn announces an insurance payout covering a deficit.
type InsuranceDrawn struct {
	Market     string   `json:"market"`
	PositionID uint64   `json:"positionId"`
	Amount     *big.Int `json:"amount"`
	Remaining  *big.Int `json:"remaining"`
	Timestamp  int64    `json:"timestamp"`
}

func (InsuranceDrawn) EventType() string { return EventInsuranceDrawn }

// SettlementDeferred announces a close payout custody refused. The close
// still finalized; the amount is a market liability claimable via
// Engine.ClaimSettlement.
type SettlementDeferred struct {
	Market     string   `json:"market"`
	PositionID uint64   `json:"positionId"`
	Holder     string   `json:"holder"`
	Amount     *big.Int `json:"amount"`
	Timestamp  int64    `json:"timestamp"`
}

func (SettlementDeferred) EventType() string { return EventSettlementDeferred }

// QuoteIndeterminateEvent flags an open position that could not be quoted.
// This can mask insolvency and must reach operational monitoring.
type QuoteIndeterminateEvent struct {
	Market     string `json:"market"`
	PositionID uint64 `json:"positionId"`
	Reason     string `json:"reason"`
	Timestamp  int64  `json:"timestamp"`
}

func (QuoteIndeterminateEvent) EventType() string { return EventQuoteIndeterminate }

// NoopSink discards events.
type NoopSink struct{}

func (NoopSink) Publish(Event) {}

// MultiSink fans events out to several sinks in order.
type MultiSink []EventSink

func (m MultiSink) Publish(ev Event) {
	for _, s := range m {
		s.Publish(ev)
	}
}
