package journal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *SQLiteLedger {
	t.Helper()
	dir := t.TempDir()
	l, err := NewSQLite(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestOpenSessionAndDuplicate(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)

	sess, err := l.OpenSession("s1", d("10000"))
	require.NoError(t, err)
	assert.Equal(t, "s1", sess.ID)
	assert.Equal(t, "open", sess.Status)

	_, err = l.OpenSession("s1", d("10000"))
	assert.ErrorIs(t, err, ErrSessionExists)

	cash, err := l.GetSessionCash("s1")
	require.NoError(t, err)
	assert.True(t, cash.Equal(d("10000")))
}

func TestDebitCashRecomputesEquity(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)
	_, err := l.OpenSession("s1", d("10000"))
	require.NoError(t, err)

	require.NoError(t, l.UpsertPosition("s1", "BTC-USD", d("0.1"), d("50000")))
	require.NoError(t, l.UpdatePositionPrice("s1", "BTC-USD", d("50000")))

	newCash, err := l.DebitCash("s1", d("5000"), d("3"))
	require.NoError(t, err)
	assert.True(t, newCash.Equal(d("5000")))

	pos, err := l.GetPosition("s1", "BTC-USD")
	require.NoError(t, err)
	assert.True(t, pos.Value.Equal(d("5000")))

	// equity must be cash + positions_value, recomputed, never stale.
	row, err := l.LatestCashEquity("s1")
	require.NoError(t, err)
	assert.True(t, row.TotalEquity.Equal(d("10000")))
}

func TestUpsertPositionWeightedAverage(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)
	_, err := l.OpenSession("s1", d("100000"))
	require.NoError(t, err)

	require.NoError(t, l.UpsertPosition("s1", "BTC-USD", d("1"), d("100000")))
	require.NoError(t, l.UpsertPosition("s1", "BTC-USD", d("1"), d("110000")))

	pos, err := l.GetPosition("s1", "BTC-USD")
	require.NoError(t, err)
	assert.True(t, pos.Quantity.Equal(d("2")))
	assert.True(t, pos.EntryPrice.Equal(d("105000")))
}

func TestUpsertPositionFlattensToZeroRemovesRow(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)
	_, err := l.OpenSession("s1", d("100000"))
	require.NoError(t, err)

	require.NoError(t, l.UpsertPosition("s1", "BTC-USD", d("1"), d("100000")))
	require.NoError(t, l.UpsertPosition("s1", "BTC-USD", d("-1"), d("100000")))

	_, err = l.GetPosition("s1", "BTC-USD")
	assert.ErrorIs(t, err, ErrPositionNotFound)
}

func TestConsolidateLegacyDuplicateRows(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)
	_, err := l.OpenSession("s1", d("100000"))
	require.NoError(t, err)

	// Simulate legacy (symbol, strategy, session) duplicate rows directly.
	_, err = l.db.Exec(
		`INSERT INTO positions (symbol, session_id, quantity, entry_price, current_price, value, unrealized_pnl, strategy)
		 VALUES ('BTC-USD', 's1', '1', '100000', '100000', '100000', '0', 'momentum')`)
	require.NoError(t, err)
	_, err = l.db.Exec(
		`INSERT INTO positions (symbol, session_id, quantity, entry_price, current_price, value, unrealized_pnl, strategy)
		 VALUES ('BTC-USD', 's1', '1', '110000', '100000', '100000', '0', 'breakout')`)
	require.NoError(t, err)

	pos, err := l.GetPosition("s1", "BTC-USD")
	require.NoError(t, err)
	assert.True(t, pos.Quantity.Equal(d("2")))
	assert.True(t, pos.EntryPrice.Equal(d("105000")))
	assert.Equal(t, "consolidated", pos.Strategy)
}

func TestLotFIFOConsumption(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)
	_, err := l.OpenSession("s1", d("100000"))
	require.NoError(t, err)

	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	_, err = l.AddLot("s1", "BTC-USD", d("100000"), d("0.5"), t1)
	require.NoError(t, err)
	_, err = l.AddLot("s1", "BTC-USD", d("101000"), d("0.5"), t2)
	require.NoError(t, err)

	consumed, err := l.ConsumeLots("s1", "BTC-USD", d("0.7"))
	require.NoError(t, err)
	require.Len(t, consumed, 2)
	assert.True(t, consumed[0].Lot.EntryPriceInclFees.Equal(d("100000")))
	assert.True(t, consumed[0].QtyConsumed.Equal(d("0.5")))
	assert.True(t, consumed[1].QtyConsumed.Equal(d("0.2")))

	remaining, err := l.ListLots("s1", "BTC-USD")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.True(t, remaining[0].QuantityRemaining.Equal(d("0.3")))
}

func TestConsumeLotsInsufficientIsCritical(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)
	_, err := l.OpenSession("s1", d("100000"))
	require.NoError(t, err)

	_, err = l.AddLot("s1", "BTC-USD", d("100000"), d("0.1"), time.Now().UTC())
	require.NoError(t, err)

	_, err = l.ConsumeLots("s1", "BTC-USD", d("1"))
	assert.ErrorIs(t, err, ErrInsufficientLots)
}

func TestAppendAndListTradesOrdered(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)
	_, err := l.OpenSession("s1", d("100000"))
	require.NoError(t, err)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		err := l.AppendTrade(TradeRecord{
			TradeID: "t" + string(rune('a'+i)), SessionID: "s1", Symbol: "BTC-USD", Side: "BUY",
			Quantity: d("1"), MarkPrice: d("100000"), EffectiveFillPrice: d("100050"),
			SlippageBps: d("5"), FeeBps: d("6"), Fees: d("30"), Notional: d("100050"),
			Strategy: "momentum", ExecutedAt: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	trades, err := l.ListTrades("s1")
	require.NoError(t, err)
	require.Len(t, trades, 3)
	for i := 1; i < len(trades); i++ {
		assert.True(t, !trades[i].ExecutedAt.Before(trades[i-1].ExecutedAt))
	}
}
