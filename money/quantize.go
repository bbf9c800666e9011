package money

import "github.com/shopspring/decimal"

// VenueRule is the minimal exchange-precision contract the quantizer needs.
// market.VenueRule satisfies this; kept here as an unexported mirror would
// create an import cycle, so callers pass the fields directly.
type VenueRule struct {
	PriceTick   decimal.Decimal
	QtyStep     decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
}

// QuantizePrice rounds a price to the nearest tick. Nearest-rounding is
// correct for price because over- and under-shooting are symmetric risks;
// it is qty that must never round up (see QuantizeQtyDown).
func QuantizePrice(price decimal.Decimal, rule VenueRule) decimal.Decimal {
	if rule.PriceTick.IsZero() {
		return price
	}
	steps := price.Div(rule.PriceTick).Round(0)
	return steps.Mul(rule.PriceTick)
}

// QuantizeQtyDown rounds a quantity down to the nearest step. Quantity is
// never rounded up: doing so would inflate exposure beyond what sizing
// computed.
func QuantizeQtyDown(qty decimal.Decimal, rule VenueRule) decimal.Decimal {
	if rule.QtyStep.IsZero() {
		return qty
	}
	neg := qty.IsNegative()
	abs := qty.Abs()
	steps := abs.Div(rule.QtyStep).Floor()
	out := steps.Mul(rule.QtyStep)
	if neg {
		out = out.Neg()
	}
	return out
}

// Idempotent reports whether quantizing f twice yields the same result as
// quantizing it once, the property spec.md §8.7 requires. It's a test
// helper, not used by production code paths.
func Idempotent(f func(decimal.Decimal) decimal.Decimal, x decimal.Decimal) bool {
	return f(f(x)).Equal(f(x))
}
