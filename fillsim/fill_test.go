package fillsim

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/cryptoportfolio/core/journal"
	"github.com/cryptoportfolio/core/market"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func newTestLedger(t *testing.T) *journal.SQLiteLedger {
	t.Helper()
	dir := t.TempDir()
	l, err := journal.NewSQLite(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func btcRule() market.VenueRule {
	r, err := market.Resolve("BTC-USD")
	if err != nil {
		panic(err)
	}
	return r
}

func TestSlippageBpsCapsAtEightBps(t *testing.T) {
	// notional way above the 50k pivot should still cap at 8bps
	bps := slippageBps(d("5000000"))
	assert.True(t, bps.Equal(d("8")))
}

func TestSlippageBpsScalesWithNotional(t *testing.T) {
	bps := slippageBps(d("10000")) // (10000/50000)*5 = 1
	assert.True(t, bps.Equal(d("1")))
}

func TestSimulateBuyFillsAboveMarkAdversely(t *testing.T) {
	order := Order{Symbol: "BTC-USD", Side: "BUY", Quantity: d("1")}
	fill := Simulate(order, btcRule(), d("50000"))

	assert.True(t, fill.EffectiveFillPrice.GreaterThan(d("50000")))
	assert.True(t, fill.FeeBps.Equal(btcRule().TakerBps))
	assert.True(t, fill.Fees.GreaterThan(decimal.Zero))
	assert.Nil(t, fill.RealizedPnL)
}

func TestSimulateSellFillsBelowMarkAdversely(t *testing.T) {
	order := Order{Symbol: "BTC-USD", Side: "SELL", Quantity: d("1")}
	fill := Simulate(order, btcRule(), d("50000"))
	assert.True(t, fill.EffectiveFillPrice.LessThan(d("50000")))
}

func TestSimulateMakerFillUsesMakerBps(t *testing.T) {
	order := Order{Symbol: "BTC-USD", Side: "BUY", Quantity: d("1"), IsMaker: true}
	fill := Simulate(order, btcRule(), d("50000"))
	assert.True(t, fill.FeeBps.Equal(btcRule().MakerBps))
}

func TestSimulateAndConsumeComputesFIFORealizedPnL(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.OpenSession("s1", d("100000"))
	require.NoError(t, err)

	_, err = l.AddLot("s1", "BTC-USD", d("40000"), d("1"), time.Now().UTC())
	require.NoError(t, err)
	_, err = l.AddLot("s1", "BTC-USD", d("45000"), d("1"), time.Now().UTC())
	require.NoError(t, err)

	order := Order{Symbol: "BTC-USD", Side: "SELL", Quantity: d("1.5")}
	fill, err := SimulateAndConsume(order, btcRule(), d("50000"), l, "s1")
	require.NoError(t, err)

	require.NotNil(t, fill.RealizedPnL)
	// consumes the full first lot (cost 40000) and half the second (cost 45000),
	// sells near 50000 minus slippage/fees, so realized should be comfortably positive
	assert.True(t, fill.RealizedPnL.GreaterThan(d("3000")))
	assert.Len(t, fill.ConsumedLots, 2)
}

func TestPreviewRealizedPnLMatchesSimulateAndConsumeWithoutMutating(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.OpenSession("s1", d("100000"))
	require.NoError(t, err)
	_, err = l.AddLot("s1", "BTC-USD", d("40000"), d("1"), time.Now().UTC())
	require.NoError(t, err)
	_, err = l.AddLot("s1", "BTC-USD", d("45000"), d("1"), time.Now().UTC())
	require.NoError(t, err)

	order := Order{Symbol: "BTC-USD", Side: "SELL", Quantity: d("1.5")}
	fill := Simulate(order, btcRule(), d("50000"))

	lots, err := l.ListLots("s1", "BTC-USD")
	require.NoError(t, err)
	realized, consumed, err := PreviewRealizedPnL(lots, order, fill)
	require.NoError(t, err)
	assert.Len(t, consumed, 2)
	assert.True(t, realized.GreaterThan(d("3000")))

	// preview must not have touched the ledger's lot table
	stillThere, err := l.ListLots("s1", "BTC-USD")
	require.NoError(t, err)
	assert.Len(t, stillThere, 2)
	assert.True(t, stillThere[0].QuantityRemaining.Equal(d("1")))
}

func TestPreviewRealizedPnLInsufficientLots(t *testing.T) {
	order := Order{Symbol: "BTC-USD", Side: "SELL", Quantity: d("1")}
	fill := Simulate(order, btcRule(), d("50000"))
	_, _, err := PreviewRealizedPnL(nil, order, fill)
	assert.ErrorIs(t, err, journal.ErrInsufficientLots)
}

func TestSimulateAndConsumePropagatesInsufficientLotsError(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.OpenSession("s1", d("100000"))
	require.NoError(t, err)

	order := Order{Symbol: "BTC-USD", Side: "SELL", Quantity: d("1")}
	_, err = SimulateAndConsume(order, btcRule(), d("50000"), l, "s1")
	assert.ErrorIs(t, err, journal.ErrInsufficientLots)
}
