package risk

import (
	"testing"
	"time"

	"github.com/cryptoportfolio/core/journal"
	"github.com/cryptoportfolio/core/market"
	"github.com/cryptoportfolio/core/pricing"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSnapshot struct {
	entries map[string]pricing.Entry
}

func (f fakeSnapshot) Get(symbol string) (pricing.Entry, bool) {
	e, ok := f.entries[symbol]
	return e, ok
}

func dec(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func okEntry(now time.Time) pricing.Entry {
	return pricing.Entry{
		Symbol: "BTC-USD",
		TickerResult: market.TickerResult{
			Symbol: "BTC-USD", Bid: dec("49999"), Ask: dec("50001"),
			Venue: "coinbase", DataQuality: market.DataQualityOK, Timestamp: now,
		},
	}
}

func TestEvaluateSkipsOnAbsentSymbol(t *testing.T) {
	now := time.Now().UTC()
	snap := fakeSnapshot{entries: map[string]pricing.Entry{}}
	result := Evaluate(DefaultPolicy(), Candidate{Symbol: "BTC-USD", FinalAction: ActionBuy}, snap, now, nil)
	require.NotNil(t, result.Skip)
	assert.Equal(t, "data_quality:absent", result.Skip.Reason)
}

func TestEvaluateSkipsOnUnsupportedVenue(t *testing.T) {
	now := time.Now().UTC()
	entry := okEntry(now)
	entry.Symbol = "DOGE-USD"
	snap := fakeSnapshot{entries: map[string]pricing.Entry{"DOGE-USD": entry}}
	result := Evaluate(DefaultPolicy(), Candidate{Symbol: "DOGE-USD", FinalAction: ActionBuy}, snap, now, nil)
	require.NotNil(t, result.Skip)
	assert.Equal(t, "unsupported_by_venue", result.Skip.Reason)
}

func TestEvaluateSkipsOnStaleQuote(t *testing.T) {
	now := time.Now().UTC()
	entry := okEntry(now.Add(-time.Second))
	snap := fakeSnapshot{entries: map[string]pricing.Entry{"BTC-USD": entry}}
	result := Evaluate(DefaultPolicy(), Candidate{Symbol: "BTC-USD", FinalAction: ActionBuy}, snap, now, nil)
	require.NotNil(t, result.Skip)
	assert.Equal(t, "stale_tick:quote_too_old", result.Skip.Reason)
}

func TestEvaluateSkipsOnInsufficientEdge(t *testing.T) {
	now := time.Now().UTC()
	snap := fakeSnapshot{entries: map[string]pricing.Entry{"BTC-USD": okEntry(now)}}
	c := Candidate{Symbol: "BTC-USD", FinalAction: ActionBuy, ExpectedMoveBps: dec("1"), Score: dec("0.8")}
	result := Evaluate(DefaultPolicy(), c, snap, now, nil)
	require.NotNil(t, result.Skip)
	assert.Equal(t, "insufficient_edge", result.Skip.Reason)
}

func TestEvaluateRoutesBuyAsNormal(t *testing.T) {
	now := time.Now().UTC()
	snap := fakeSnapshot{entries: map[string]pricing.Entry{"BTC-USD": okEntry(now)}}
	c := Candidate{Symbol: "BTC-USD", FinalAction: ActionBuy, ExpectedMoveBps: dec("100"), Score: dec("0.9")}
	result := Evaluate(DefaultPolicy(), c, snap, now, nil)
	require.NotNil(t, result.Order)
	assert.Equal(t, SideBuy, result.Order.Side)
	assert.Equal(t, IntentNormal, result.Order.Intent)
}

func TestEvaluateSellWithoutLongAndShortDisabledSkips(t *testing.T) {
	now := time.Now().UTC()
	snap := fakeSnapshot{entries: map[string]pricing.Entry{"BTC-USD": okEntry(now)}}
	c := Candidate{Symbol: "BTC-USD", FinalAction: ActionSell, ExpectedMoveBps: dec("100"), Score: dec("0.9")}
	result := Evaluate(DefaultPolicy(), c, snap, now, nil)
	require.NotNil(t, result.Skip)
	assert.Equal(t, "shorting_disabled", result.Skip.Reason)
}

func TestEvaluateSellWithLongPositionRoutesAsExit(t *testing.T) {
	now := time.Now().UTC()
	snap := fakeSnapshot{entries: map[string]pricing.Entry{"BTC-USD": okEntry(now)}}
	c := Candidate{Symbol: "BTC-USD", FinalAction: ActionSell, ExpectedMoveBps: dec("100"), Score: dec("0.9")}
	positions := map[string]journal.Position{"BTC-USD": {Symbol: "BTC-USD", Quantity: dec("1")}}
	result := Evaluate(DefaultPolicy(), c, snap, now, positions)
	require.NotNil(t, result.Order)
	assert.Equal(t, IntentExit, result.Order.Intent)
	assert.Equal(t, "close_long", result.Order.Reason)
}

func TestEvaluateLowScoreCandidateClassifiedExplore(t *testing.T) {
	now := time.Now().UTC()
	snap := fakeSnapshot{entries: map[string]pricing.Entry{"BTC-USD": okEntry(now)}}
	c := Candidate{Symbol: "BTC-USD", FinalAction: ActionBuy, ExpectedMoveBps: dec("100"), Score: dec("0.2")}
	result := Evaluate(DefaultPolicy(), c, snap, now, nil)
	require.NotNil(t, result.Order)
	assert.Equal(t, IntentExplore, result.Order.Intent)
}
