package risk

import (
	"testing"

	"github.com/cryptoportfolio/core/market"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRule() market.VenueRule {
	r, err := market.Resolve("BTC-USD")
	if err != nil {
		panic(err)
	}
	return r
}

func TestSizeProducesExchangeLegalOrder(t *testing.T) {
	policy := DefaultPolicy()
	atr := dec("1000") // 2% of 50000
	req := SizeRequest{
		Symbol: "BTC-USD", Side: SideBuy, Entry: dec("50000"), Equity: dec("100000"),
		ATR:                    &atr,
		CurrentSymbolExposure:  decimal.Zero,
		CurrentSessionExposure: decimal.Zero,
	}

	order, err := Size(policy, testRule(), req)
	require.NoError(t, err)
	assert.True(t, order.Quantity.GreaterThan(decimal.Zero))
	assert.True(t, order.Notional.GreaterThanOrEqual(policy.Sizing.NotionalFloorNormal))

	rule := testRule()
	remainder := order.Quantity.Div(rule.QtyStep)
	assert.True(t, remainder.Equal(remainder.Truncate(0)), "quantity must be an exact multiple of qty_step")
}

func TestSizeScalesUpToFloorWhenCapsAllow(t *testing.T) {
	policy := DefaultPolicy()
	policy.Sizing.RiskPerTradePct = dec("0.00001") // force a tiny raw notional
	atr := dec("1000")
	req := SizeRequest{
		Symbol: "BTC-USD", Side: SideBuy, Entry: dec("50000"), Equity: dec("100000"),
		ATR: &atr,
	}

	order, err := Size(policy, testRule(), req)
	require.NoError(t, err)
	assert.True(t, order.Notional.GreaterThanOrEqual(policy.Sizing.NotionalFloorNormal))
}

func TestSizeRejectsBelowFloorWhenCapTooTight(t *testing.T) {
	policy := DefaultPolicy()
	atr := dec("1000")
	req := SizeRequest{
		Symbol: "BTC-USD", Side: SideBuy, Entry: dec("50000"), Equity: dec("100000"),
		ATR:                    &atr,
		CurrentSymbolExposure:  policy.PerSymbolCap.Sub(dec("10")), // only $10 of per-symbol cap left
	}

	_, err := Size(policy, testRule(), req)
	assert.ErrorIs(t, err, ErrBelowFloor)
}

func TestSizeUsesExplorationFloorWhenFlagged(t *testing.T) {
	policy := DefaultPolicy()
	policy.Sizing.RiskPerTradePct = dec("0.00001")
	atr := dec("1000")
	req := SizeRequest{
		Symbol: "BTC-USD", Side: SideBuy, Entry: dec("50000"), Equity: dec("100000"),
		ATR: &atr, Exploration: true,
	}

	order, err := Size(policy, testRule(), req)
	require.NoError(t, err)
	assert.True(t, order.Notional.GreaterThanOrEqual(policy.Sizing.NotionalFloorExplore))
	assert.True(t, order.Notional.LessThan(policy.Sizing.NotionalFloorNormal))
}

func TestSizeFallsBackToBootstrapWhenATRNil(t *testing.T) {
	policy := DefaultPolicy()
	req := SizeRequest{
		Symbol: "BTC-USD", Side: SideBuy, Entry: dec("50000"), Equity: dec("100000"),
		ATR: nil, Candles: nil,
	}

	order, err := Size(policy, testRule(), req)
	require.NoError(t, err)
	assert.True(t, order.Quantity.GreaterThan(decimal.Zero))
}
