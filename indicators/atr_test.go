package indicators

import (
	"testing"
	"time"

	"github.com/cryptoportfolio/core/market"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candle(high, low, close string) market.Candle {
	return market.Candle{
		Time:  time.Now().UTC(),
		High:  dec(high),
		Low:   dec(low),
		Close: dec(close),
	}
}

func dec(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestATRNotReadyDuringWarmup(t *testing.T) {
	a := NewATR(3)
	a.Update(candle("101", "99", "100"))
	a.Update(candle("102", "100", "101"))
	require.False(t, a.Ready())
	assert.True(t, a.Value().IsZero())
}

func TestATRReadyAfterWarmupAndSmooths(t *testing.T) {
	a := NewATR(2)
	candles := []market.Candle{
		candle("100", "98", "99"),
		candle("102", "99", "101"),
		candle("103", "100", "102"),
		candle("105", "101", "104"),
	}
	v := a.Calculate(candles)
	require.True(t, a.Ready())
	assert.True(t, v.GreaterThan(decimal.Zero))
}

func TestATRResetClearsState(t *testing.T) {
	a := NewATR(2)
	a.Calculate([]market.Candle{
		candle("100", "98", "99"),
		candle("102", "99", "101"),
		candle("103", "100", "102"),
	})
	require.True(t, a.Ready())
	a.Reset()
	assert.False(t, a.Ready())
	assert.True(t, a.Value().IsZero())
}
