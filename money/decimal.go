// Package money provides the fixed-point decimal types every monetary and
// quantity path in this module uses. Float64 never crosses a component
// boundary except at the two documented edges: the exchange-API boundary
// (FromExchangeFloat) and human-readable logs (ToLogFloat).
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Cash is a ledger-scoped monetary amount (cash balance, equity, fees, P&L).
type Cash = decimal.Decimal

// Qty is a position or order quantity, signed (positive long, negative short).
type Qty = decimal.Decimal

// Price is a mark, bid, ask, or execution price. Always positive.
type Price = decimal.Decimal

// Bps is a basis-point quantity (1 bps = 1/10000).
type Bps = decimal.Decimal

// Zero is the additive identity, handy for accumulation loops.
func Zero() decimal.Decimal { return decimal.Zero }

// FromString parses a decimal literal. This is the only legal way to build
// a money value from a string; it exists so call sites never reach for
// strconv.ParseFloat on a monetary string.
func FromString(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("money: parse %q: %w", s, err)
	}
	return d, nil
}

// FromExchangeFloat converts a float64 received from an exchange API
// response into a decimal. This is one of the two documented float
// boundaries; callers must not call this on anything that did not just
// arrive from an external API.
func FromExchangeFloat(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// ToLogFloat converts a decimal to float64 for a human-readable log line.
// This is the other documented float boundary; the returned value must
// never be fed back into a monetary computation.
func ToLogFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// Bankers-rounding-free basis-point helper: bps/10000 as a decimal.
var tenThousand = decimal.NewFromInt(10000)

// BpsToFraction converts a basis-point value into its decimal fraction,
// e.g. 6 bps -> 0.0006.
func BpsToFraction(bps decimal.Decimal) decimal.Decimal {
	return bps.Div(tenThousand)
}
