package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one OHLCV bar as returned by the (external, opaque) data layer.
// Per spec §6 the OHLCV fetch returns a sequence of these or an empty slice
// on failure — it never raises.
type Candle struct {
	Time   time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
}
