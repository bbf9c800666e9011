package indicators

import (
	"math"

	"github.com/cryptoportfolio/core/market"
	"github.com/shopspring/decimal"
)

// bootstrapCoefficient is the 1.4 multiplier spec §4.5 applies to the
// log-return standard deviation to approximate ATR during warmup.
var bootstrapCoefficient = decimal.NewFromFloat(1.4)

// bootstrapFloorFraction is the 0.02 floor spec §4.5 sets: the bootstrap
// never estimates volatility below 2% of price, guarding against a
// near-zero estimate from an unusually quiet warmup window.
var bootstrapFloorFraction = decimal.NewFromFloat(0.02)

// BootstrapATR approximates ATR when the real indicator is still in
// warmup: 1.4 x stddev(log-returns) over the last 5-20 bars, times price,
// floored at 0.02 x price. log/sqrt have no practical fixed-point
// equivalent, so this is the one place outside money.FromExchangeFloat/
// ToLogFloat that crosses into float64 — the result re-enters decimal
// space immediately and is floored before any caller sees it.
func BootstrapATR(candles []market.Candle, price decimal.Decimal) decimal.Decimal {
	floor := price.Mul(bootstrapFloorFraction)
	if len(candles) < 6 {
		return floor
	}

	window := candles
	if len(window) > 21 {
		window = window[len(window)-21:]
	}

	returns := make([]float64, 0, len(window)-1)
	for i := 1; i < len(window); i++ {
		prevClose, _ := window[i-1].Close.Float64()
		close, _ := window[i].Close.Float64()
		if prevClose <= 0 || close <= 0 {
			continue
		}
		returns = append(returns, math.Log(close/prevClose))
	}
	if len(returns) < 4 {
		return floor
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns) - 1)
	stddev := math.Sqrt(variance)

	estimate := bootstrapCoefficient.Mul(decimal.NewFromFloat(stddev)).Mul(price)
	return decimal.Max(estimate, floor)
}
