package metrics

import (
	"math/big"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/perp/pkg/perp"
)

func TestEventCounting(t *testing.T) {
	m, err := NewPerpMetrics("perp")
	require.NoError(t, err)

	m.Publish(perp.MarketCreated{Market: "PERP-USD"})
	m.Publish(perp.PositionOpened{Market: "PERP-USD", Maker: true})
	m.Publish(perp.PositionOpened{Market: "PERP-USD", Long: true})
	m.Publish(perp.PositionOpened{Market: "PERP-USD"})
	m.Publish(perp.PositionClosed{Market: "PERP-USD"})
	m.Publish(perp.PositionClosed{Market: "PERP-USD", Liquidation: true})
	m.Publish(perp.BadDebtSocialized{Market: "PERP-USD", Shortfall: big.NewInt(1)})
	m.Publish(perp.InsuranceDrawn{Market: "PERP-USD", Amount: big.NewInt(1)})
	m.Publish(perp.SettlementDeferred{Market: "PERP-USD", Holder: "alice", Amount: big.NewInt(1)})
	m.Publish(perp.QuoteIndeterminateEvent{Market: "PERP-USD"})

	assert.Equal(t, float64(1), testutil.ToFloat64(m.marketsCreated))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.positionsOpened.WithLabelValues("maker")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.positionsOpened.WithLabelValues("long")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.positionsOpened.WithLabelValues("short")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.positionsClosed.WithLabelValues("voluntary")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.positionsClosed.WithLabelValues("liquidation")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.liquidations))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.badDebtEvents))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.insuranceDraws))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.deferredSettlements))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.indeterminate))
}
