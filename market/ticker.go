package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// DataQuality tags a ticker fetch's trustworthiness, per spec §6.
type DataQuality string

const (
	DataQualityOK          DataQuality = "ok"
	DataQualityStale       DataQuality = "stale"
	DataQualityMissing     DataQuality = "missing"
	DataQualityUnsupported DataQuality = "unsupported"
)

// TickerResult is the data-source contract spec §6 names. Exchange
// connectors are out of scope (treated as opaque collaborators); this type
// is the documented interface they must return.
type TickerResult struct {
	Symbol      string
	Bid         decimal.Decimal
	Ask         decimal.Decimal
	Last        decimal.Decimal
	Timestamp   time.Time
	Venue       string
	DataQuality DataQuality
	Source      string // e.g. "coinbase_bid_ask_mid"
}

// Mid is the midpoint of bid/ask.
func (t TickerResult) Mid() decimal.Decimal {
	return t.Bid.Add(t.Ask).Div(decimal.NewFromInt(2))
}

// DataSource is the external collaborator contract: a ticker fetch and an
// OHLCV fetch. Concrete exchange connectors (coinbase, binance, ...) are
// out of scope for this core; callers inject an implementation.
type DataSource interface {
	FetchTicker(symbol string) (TickerResult, error)
	FetchOHLCV(symbol string, lookback int) []Candle
}
