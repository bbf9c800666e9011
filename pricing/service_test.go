package pricing

import (
	"errors"
	"testing"
	"time"

	"github.com/cryptoportfolio/core/market"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	fail   map[string]int // number of times to fail before succeeding
	calls  map[string]int
	result market.TickerResult
}

func (f *fakeSource) FetchTicker(symbol string) (market.TickerResult, error) {
	f.calls[symbol]++
	if f.fail[symbol] >= f.calls[symbol] {
		return market.TickerResult{}, errors.New("transient fetch error")
	}
	r := f.result
	r.Symbol = symbol
	return r, nil
}

func (f *fakeSource) FetchOHLCV(symbol string, lookback int) []market.Candle { return nil }

func newService(src market.DataSource) *Service {
	s := New(src)
	s.sleep = func(time.Duration) {} // no real sleeping in tests
	return s
}

func TestCreateSnapshotUnsupportedSymbolTaggedNotMockFilled(t *testing.T) {
	src := &fakeSource{fail: map[string]int{}, calls: map[string]int{}}
	s := newService(src)

	snap := s.CreateSnapshot("cyc1", []string{"DOGE-USD"})
	entry, ok := snap.Get("DOGE-USD")
	require.True(t, ok)
	assert.True(t, entry.Stale)
	assert.Equal(t, market.DataQualityUnsupported, entry.DataQuality)
	assert.Equal(t, 0, src.calls["DOGE-USD"])
}

func TestCreateSnapshotRetriesThenSucceeds(t *testing.T) {
	src := &fakeSource{
		fail:  map[string]int{"BTC-USD": 2},
		calls: map[string]int{},
		result: market.TickerResult{
			Bid: decimal.NewFromInt(100), Ask: decimal.NewFromInt(101),
			Venue: "coinbase", Source: "bid_ask_mid", DataQuality: market.DataQualityOK,
		},
	}
	s := newService(src)

	snap := s.CreateSnapshot("cyc1", []string{"BTC-USD"})
	entry, ok := snap.Get("BTC-USD")
	require.True(t, ok)
	assert.False(t, entry.Stale)
	assert.Equal(t, 3, src.calls["BTC-USD"])
}

func TestCreateSnapshotFallsBackToCacheWhenRetriesExhausted(t *testing.T) {
	src := &fakeSource{
		fail:  map[string]int{"BTC-USD": 0},
		calls: map[string]int{},
		result: market.TickerResult{
			Bid: decimal.NewFromInt(100), Ask: decimal.NewFromInt(101),
			Venue: "coinbase", Source: "bid_ask_mid", DataQuality: market.DataQualityOK,
		},
	}
	s := newService(src)

	first := s.CreateSnapshot("cyc1", []string{"BTC-USD"})
	entry, ok := first.Get("BTC-USD")
	require.True(t, ok)
	assert.False(t, entry.Stale)

	src.fail["BTC-USD"] = 99 // now always fails
	second := s.CreateSnapshot("cyc2", []string{"BTC-USD"})
	entry2, ok := second.Get("BTC-USD")
	require.True(t, ok)
	assert.True(t, entry2.Stale)
	assert.NotEmpty(t, entry2.Reason)
}

func TestCreateSnapshotOmitsSymbolWithNoCacheAndNoFetch(t *testing.T) {
	src := &fakeSource{fail: map[string]int{"ETH-USD": 99}, calls: map[string]int{}}
	s := newService(src)

	snap := s.CreateSnapshot("cyc1", []string{"ETH-USD"})
	_, ok := snap.Get("ETH-USD")
	assert.False(t, ok)
}

func TestCreateSnapshotIsPartialNotAFailure(t *testing.T) {
	src := &fakeSource{
		fail:  map[string]int{"ETH-USD": 99},
		calls: map[string]int{},
		result: market.TickerResult{
			Bid: decimal.NewFromInt(50), Ask: decimal.NewFromInt(51),
			Venue: "coinbase", Source: "bid_ask_mid", DataQuality: market.DataQualityOK,
		},
	}
	s := newService(src)

	snap := s.CreateSnapshot("cyc1", []string{"BTC-USD", "ETH-USD"})
	assert.Len(t, snap.BySymbol, 1)
	_, ok := snap.Get("BTC-USD")
	assert.True(t, ok)
}

func TestProvenanceLockPersistsAcrossSnapshots(t *testing.T) {
	src := &fakeSource{
		fail:  map[string]int{},
		calls: map[string]int{},
		result: market.TickerResult{
			Bid: decimal.NewFromInt(100), Ask: decimal.NewFromInt(101),
			Venue: "coinbase", Source: "bid_ask_mid", DataQuality: market.DataQualityOK,
		},
	}
	s := newService(src)

	s.CreateSnapshot("cyc1", []string{"BTC-USD"})
	pk, locked := s.lockedProvenance("BTC-USD")
	require.True(t, locked)
	assert.Equal(t, "coinbase", pk.Venue)
	assert.Equal(t, "bid_ask_mid", pk.PriceType)
}
