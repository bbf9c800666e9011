// Package indicators computes the technical indicators the Position
// Sizer (spec §4.5) consumes: Wilder's ATR and, during its warmup period,
// a volatility bootstrap from recent log-returns.
package indicators

import (
	"fmt"

	"github.com/cryptoportfolio/core/market"
	"github.com/shopspring/decimal"
)

// ATR is a streaming Wilder's Average True Range indicator over
// market.Candle, grounded on the teacher's streaming ATR shape
// (Warmup/Reset/Update/Calculate/Ready/Value) but computed in
// decimal.Decimal throughout — the teacher's version mixed int32 and
// float64 (math.Abs on an int32 operand), the exact float-contamination
// bug spec.md §9 forbids for any sizing-relevant quantity.
type ATR struct {
	period      int
	atr         decimal.Decimal
	count       int
	warmupSum   decimal.Decimal
	prevCandle  market.Candle
	hasPrevious bool
}

// NewATR creates a new ATR indicator with the given period (spec default: 14).
func NewATR(period int) *ATR {
	return &ATR{period: period, atr: decimal.Zero, warmupSum: decimal.Zero}
}

func (a *ATR) Name() string { return fmt.Sprintf("ATR(%d)", a.period) }

// Warmup returns the candle count needed before Value is meaningful:
// period+1, since true range needs a previous close.
func (a *ATR) Warmup() int { return a.period + 1 }

func (a *ATR) Reset() {
	a.atr = decimal.Zero
	a.count = 0
	a.warmupSum = decimal.Zero
	a.hasPrevious = false
}

func (a *ATR) Update(c market.Candle) {
	if !a.hasPrevious {
		a.prevCandle = c
		a.hasPrevious = true
		return
	}

	tr := trueRange(c, a.prevCandle)
	periodDec := decimal.NewFromInt(int64(a.period))

	if a.count < a.period {
		a.warmupSum = a.warmupSum.Add(tr)
		a.count++
		if a.count == a.period {
			a.atr = a.warmupSum.Div(periodDec)
		}
	} else {
		a.atr = a.atr.Mul(decimal.NewFromInt(int64(a.period - 1))).Add(tr).Div(periodDec)
	}

	a.prevCandle = c
}

// Calculate feeds every candle through Update in order and returns the
// final value.
func (a *ATR) Calculate(candles []market.Candle) decimal.Decimal {
	var v decimal.Decimal
	for _, c := range candles {
		a.Update(c)
		v = a.Value()
	}
	return v
}

func (a *ATR) Ready() bool { return a.count >= a.period }

func (a *ATR) Value() decimal.Decimal {
	if !a.Ready() {
		return decimal.Zero
	}
	return a.atr
}

// trueRange computes max(high-low, |high-prevClose|, |low-prevClose|).
func trueRange(current, previous market.Candle) decimal.Decimal {
	highLow := current.High.Sub(current.Low)
	highClose := current.High.Sub(previous.Close).Abs()
	lowClose := current.Low.Sub(previous.Close).Abs()
	return decimal.Max(highLow, highClose, lowClose)
}
