// Package bracket implements the Bracket Engine (spec §4.6): risk-management
// orders attached to an entry fill and walked through a state machine until
// the position is flat. It owns no persistence of its own — the cycle loop
// holds a Manager in memory for the duration of a session and feeds it fills
// observed from fillsim.
package bracket

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Side mirrors risk.Side but is kept independent so this package has no
// import-time dependency on the decision pipeline.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// State is a bracket's position in the OPEN → TP1_FILLED → TP2_FILLED →
// (CLOSED | TIMED_OUT) state machine.
type State string

const (
	StateOpen      State = "OPEN"
	StateTP1Filled State = "TP1_FILLED"
	StateTP2Filled State = "TP2_FILLED"
	StateClosed    State = "CLOSED"
	StateTimedOut  State = "TIMED_OUT"
)

// ErrInvalidSpec is returned when a computed bracket violates the
// long/short price ordering or TP monotonicity invariants. Grounded on
// crypto_mvp's BracketSpecError.
var ErrInvalidSpec = errors.New("bracket: invalid spec")

// tpRMultiples and tpSizeFractions are the fixed 3-rung ladder spec §4.6
// mandates: TP at 0.6R/1.2R/2.0R, sized 40%/40%/20% of the position.
var (
	tpRMultiples    = []decimal.Decimal{decimal.NewFromFloat(0.6), decimal.NewFromFloat(1.2), decimal.NewFromFloat(2.0)}
	tpSizeFractions = []decimal.Decimal{decimal.NewFromFloat(0.40), decimal.NewFromFloat(0.40), decimal.NewFromFloat(0.20)}
)

// TPLeg is one rung of the take-profit ladder.
type TPLeg struct {
	Price        decimal.Decimal
	SizeFraction decimal.Decimal
	Quantity     decimal.Decimal
	Filled       bool
	Canceled     bool
}

// Bracket is the set of exit orders linked to one entry fill.
type Bracket struct {
	Symbol, SessionID string
	Side              Side
	EntryPrice        decimal.Decimal
	Quantity          decimal.Decimal
	RiskUnit          decimal.Decimal
	StopLoss          decimal.Decimal
	TakeProfits       [3]TPLeg
	OCOGroupID        string
	State             State
	RemainingQty      decimal.Decimal
	BarsSinceEntry    int
}

// Validate checks spec §4.6's price-ordering and TP-monotonicity
// invariants. Grounded on crypto_mvp's `_validate_bracket_specs` /
// `_ensure_monotonic_tp_levels`.
func Validate(side Side, entry, stop decimal.Decimal, takeProfits []decimal.Decimal) error {
	switch side {
	case SideBuy:
		if !stop.LessThan(entry) {
			return fmt.Errorf("%w: long stop_loss %s must be < entry_price %s", ErrInvalidSpec, stop, entry)
		}
		for i, tp := range takeProfits {
			if !entry.LessThan(tp) {
				return fmt.Errorf("%w: long entry_price %s must be < take_profit[%d] %s", ErrInvalidSpec, entry, i, tp)
			}
		}
		for i := 1; i < len(takeProfits); i++ {
			if takeProfits[i].LessThanOrEqual(takeProfits[i-1]) {
				return fmt.Errorf("%w: long take-profit levels must be strictly increasing: %v", ErrInvalidSpec, takeProfits)
			}
		}
	case SideSell:
		if !entry.LessThan(stop) {
			return fmt.Errorf("%w: short entry_price %s must be < stop_loss %s", ErrInvalidSpec, entry, stop)
		}
		for i, tp := range takeProfits {
			if !tp.LessThan(entry) {
				return fmt.Errorf("%w: short take_profit[%d] %s must be < entry_price %s", ErrInvalidSpec, i, tp, entry)
			}
		}
		for i := 1; i < len(takeProfits); i++ {
			if takeProfits[i].GreaterThanOrEqual(takeProfits[i-1]) {
				return fmt.Errorf("%w: short take-profit levels must be strictly decreasing: %v", ErrInvalidSpec, takeProfits)
			}
		}
	default:
		return fmt.Errorf("%w: invalid side %q", ErrInvalidSpec, side)
	}
	return nil
}

// Attach computes risk_unit, the stop-loss, and the 3-rung TP ladder for a
// new entry fill, validates the result, and returns a fresh OPEN bracket.
func Attach(symbol, sessionID string, side Side, entryPrice, quantity, riskPct decimal.Decimal) (*Bracket, error) {
	if entryPrice.LessThanOrEqual(decimal.Zero) || quantity.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: entry_price and quantity must be positive", ErrInvalidSpec)
	}
	riskUnit := entryPrice.Mul(riskPct)
	if riskUnit.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: non-positive risk_unit", ErrInvalidSpec)
	}

	var stop decimal.Decimal
	tps := make([]decimal.Decimal, len(tpRMultiples))
	switch side {
	case SideBuy:
		stop = entryPrice.Sub(riskUnit)
		for i, m := range tpRMultiples {
			tps[i] = entryPrice.Add(riskUnit.Mul(m))
		}
	case SideSell:
		stop = entryPrice.Add(riskUnit)
		for i, m := range tpRMultiples {
			tps[i] = entryPrice.Sub(riskUnit.Mul(m))
		}
	default:
		return nil, fmt.Errorf("%w: invalid side %q", ErrInvalidSpec, side)
	}

	if err := Validate(side, entryPrice, stop, tps); err != nil {
		return nil, err
	}

	var legs [3]TPLeg
	remaining := quantity
	for i, frac := range tpSizeFractions {
		qty := quantity.Mul(frac)
		if i == len(tpSizeFractions)-1 {
			qty = remaining // last rung absorbs rounding
		} else {
			remaining = remaining.Sub(qty)
		}
		legs[i] = TPLeg{Price: tps[i], SizeFraction: frac, Quantity: qty}
	}

	return &Bracket{
		Symbol:       symbol,
		SessionID:    sessionID,
		Side:         side,
		EntryPrice:   entryPrice,
		Quantity:     quantity,
		RiskUnit:     riskUnit,
		StopLoss:     stop,
		TakeProfits:  legs,
		OCOGroupID:   ocoGroupID(symbol, sessionID),
		State:        StateOpen,
		RemainingQty: quantity,
	}, nil
}

func ocoGroupID(symbol, sessionID string) string {
	return symbol + ":" + sessionID
}

// breakeven, trailTarget are the two stop-raise targets from spec §4.6.
func (b *Bracket) breakeven() decimal.Decimal {
	return b.EntryPrice
}

func (b *Bracket) trailTarget() decimal.Decimal {
	half := b.RiskUnit.Mul(decimal.NewFromFloat(0.5))
	if b.Side == SideBuy {
		return b.EntryPrice.Add(half)
	}
	return b.EntryPrice.Sub(half)
}

// reconcileOpenQuantities enforces the OCO invariant: the sum of open
// reduce-only quantities in the group never exceeds RemainingQty. It
// proportionally scales down unfilled, uncanceled TP legs to fit.
func (b *Bracket) reconcileOpenQuantities() {
	open := decimal.Zero
	for i := range b.TakeProfits {
		if !b.TakeProfits[i].Filled && !b.TakeProfits[i].Canceled {
			open = open.Add(b.TakeProfits[i].Quantity)
		}
	}
	if open.LessThanOrEqual(b.RemainingQty) || open.IsZero() {
		return
	}
	scale := b.RemainingQty.Div(open)
	for i := range b.TakeProfits {
		if !b.TakeProfits[i].Filled && !b.TakeProfits[i].Canceled {
			b.TakeProfits[i].Quantity = b.TakeProfits[i].Quantity.Mul(scale)
		}
	}
}
