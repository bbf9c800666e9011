package bracket

import (
	"testing"

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

func TestAttachComputesLadderForLong(t *testing.T) {
	b, err := Attach("BTC-USD", "sess-1", SideBuy, d("50000"), d("1"), d("0.02"))
	require.NoError(t, err)

	assert.True(t, b.RiskUnit.Equal(d("1000"))) // 50000 * 0.02
	assert.True(t, b.StopLoss.Equal(d("49000")))
	assert.True(t, b.TakeProfits[0].Price.Equal(d("50600")))
	assert.True(t, b.TakeProfits[1].Price.Equal(d("51200")))
	assert.True(t, b.TakeProfits[2].Price.Equal(d("52000")))

	total := b.TakeProfits[0].Quantity.Add(b.TakeProfits[1].Quantity).Add(b.TakeProfits[2].Quantity)
	assert.True(t, total.Equal(d("1")))
	assert.Equal(t, StateOpen, b.State)
}

func TestAttachComputesLadderForShort(t *testing.T) {
	b, err := Attach("BTC-USD", "sess-1", SideSell, d("50000"), d("1"), d("0.02"))
	require.NoError(t, err)

	assert.True(t, b.StopLoss.Equal(d("51000")))
	assert.True(t, b.TakeProfits[0].Price.Equal(d("49400")))
	assert.True(t, b.TakeProfits[2].Price.Equal(d("48000")))
}

func TestValidateRejectsStopOnWrongSideOfEntryForLong(t *testing.T) {
	err := Validate(SideBuy, d("50000"), d("50100"), []decimal.Decimal{d("50600")})
	assert.ErrorIs(t, err, ErrInvalidSpec)
}

func TestValidateRejectsNonMonotonicTPLevels(t *testing.T) {
	err := Validate(SideBuy, d("50000"), d("49000"), []decimal.Decimal{d("50600"), d("50500")})
	assert.ErrorIs(t, err, ErrInvalidSpec)
}

func TestManagerTP1FillRaisesStopToBreakeven(t *testing.T) {
	m := NewManager()
	b, err := m.Attach("BTC-USD", "sess-1", SideBuy, d("50000"), d("1"), d("0.02"))
	require.NoError(t, err)

	out, err := m.OnTakeProfitFill("BTC-USD", "sess-1", 0, b.TakeProfits[0].Quantity)
	require.NoError(t, err)
	assert.Equal(t, StateTP1Filled, out.NewState)
	require.NotNil(t, out.RaiseStopTo)
	assert.True(t, out.RaiseStopTo.Equal(d("50000")))
}

func TestManagerTP2FillTrailsStop(t *testing.T) {
	m := NewManager()
	b, err := m.Attach("BTC-USD", "sess-1", SideBuy, d("50000"), d("1"), d("0.02"))
	require.NoError(t, err)

	_, err = m.OnTakeProfitFill("BTC-USD", "sess-1", 0, b.TakeProfits[0].Quantity)
	require.NoError(t, err)
	out, err := m.OnTakeProfitFill("BTC-USD", "sess-1", 1, b.TakeProfits[1].Quantity)
	require.NoError(t, err)

	assert.Equal(t, StateTP2Filled, out.NewState)
	require.NotNil(t, out.RaiseStopTo)
	assert.True(t, out.RaiseStopTo.Equal(d("50500"))) // entry + 0.5*risk_unit
}

func TestManagerTP3FillClosesPosition(t *testing.T) {
	m := NewManager()
	b, err := m.Attach("BTC-USD", "sess-1", SideBuy, d("50000"), d("1"), d("0.02"))
	require.NoError(t, err)

	_, err = m.OnTakeProfitFill("BTC-USD", "sess-1", 0, b.TakeProfits[0].Quantity)
	require.NoError(t, err)
	_, err = m.OnTakeProfitFill("BTC-USD", "sess-1", 1, b.TakeProfits[1].Quantity)
	require.NoError(t, err)
	out, err := m.OnTakeProfitFill("BTC-USD", "sess-1", 2, b.TakeProfits[2].Quantity)
	require.NoError(t, err)

	assert.True(t, out.Closed)
	assert.Equal(t, StateClosed, out.NewState)
	_, found := m.Get("BTC-USD", "sess-1")
	assert.False(t, found)
}

func TestManagerStopLossFillCancelsOutstandingTPs(t *testing.T) {
	m := NewManager()
	_, err := m.Attach("BTC-USD", "sess-1", SideBuy, d("50000"), d("1"), d("0.02"))
	require.NoError(t, err)

	out, err := m.OnStopLossFill("BTC-USD", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, out.NewState)
	assert.ElementsMatch(t, []int{0, 1, 2}, out.CanceledLegs)
}

func TestManagerTimeStopTriggersBeforeTP1(t *testing.T) {
	m := NewManager()
	_, err := m.Attach("BTC-USD", "sess-1", SideBuy, d("50000"), d("1"), d("0.02"))
	require.NoError(t, err)

	var out Outcome
	for i := 0; i < 48; i++ {
		out, err = m.OnBar("BTC-USD", "sess-1", 48)
		require.NoError(t, err)
	}

	assert.Equal(t, StateTimedOut, out.NewState)
	assert.True(t, out.MarketClose)
	assert.True(t, out.Closed)
}

func TestManagerTimeStopDoesNotTriggerAfterTP1(t *testing.T) {
	m := NewManager()
	b, err := m.Attach("BTC-USD", "sess-1", SideBuy, d("50000"), d("1"), d("0.02"))
	require.NoError(t, err)

	_, err = m.OnTakeProfitFill("BTC-USD", "sess-1", 0, b.TakeProfits[0].Quantity)
	require.NoError(t, err)

	var out Outcome
	for i := 0; i < 100; i++ {
		out, err = m.OnBar("BTC-USD", "sess-1", 48)
		require.NoError(t, err)
	}
	assert.Equal(t, StateTP1Filled, out.NewState)
	assert.False(t, out.MarketClose)
}

func TestOCOInvariantScalesDownRemainingLegsOnOversizedFill(t *testing.T) {
	b, err := Attach("BTC-USD", "sess-1", SideBuy, d("50000"), d("1"), d("0.02"))
	require.NoError(t, err)

	// simulate a fill larger than the nominal TP1 leg (e.g. slippage-driven overfill)
	b.TakeProfits[0].Filled = true
	b.RemainingQty = b.RemainingQty.Sub(d("0.5"))
	b.reconcileOpenQuantities()

	open := b.TakeProfits[1].Quantity.Add(b.TakeProfits[2].Quantity)
	assert.True(t, open.LessThanOrEqual(b.RemainingQty.Add(d("0.0000001"))))
}

func TestPostOnlyEntryLimitPriceUsesBestBidForBuy(t *testing.T) {
	policy := PostOnlyPolicy{Enabled: true, MaxWait: 5}
	price, ok := EntryLimitPrice(policy, SideBuy, d("49999"), d("50001"))
	assert.True(t, ok)
	assert.True(t, price.Equal(d("49999")))
}

func TestPostOnlyEntryDisabledSkipsLimitRouting(t *testing.T) {
	_, ok := EntryLimitPrice(DefaultPostOnlyPolicy(), SideBuy, d("49999"), d("50001"))
	assert.False(t, ok)
}

func TestPostOnlyTimeoutGivesUpWhenFallbackDisabled(t *testing.T) {
	policy := DefaultPostOnlyPolicy()
	policy.Enabled = true
	action := OnEntryWait(policy, policy.MaxWait)
	assert.Equal(t, ActionGiveUp, action)
}

func TestPostOnlyTimeoutPromotesWhenFallbackAllowed(t *testing.T) {
	policy := PostOnlyPolicy{Enabled: true, MaxWait: 5, AllowTakerFallback: true}
	action := OnEntryWait(policy, policy.MaxWait)
	assert.Equal(t, ActionPromoteToTaker, action)
}
