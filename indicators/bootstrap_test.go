package indicators

import (
	"testing"
	"time"

	"github.com/cryptoportfolio/core/market"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBootstrapATRFloorsOnInsufficientHistory(t *testing.T) {
	got := BootstrapATR(nil, dec("100"))
	assert.True(t, got.Equal(dec("2"))) // 0.02 * 100
}

func TestBootstrapATRProducesEstimateAboveFloorOnVolatileHistory(t *testing.T) {
	closes := []string{"100", "105", "98", "110", "92", "115", "88"}
	candles := make([]market.Candle, 0, len(closes))
	for _, c := range closes {
		candles = append(candles, market.Candle{Time: time.Now().UTC(), Close: dec(c), High: dec(c), Low: dec(c)})
	}

	got := BootstrapATR(candles, dec("100"))
	require.False(t, got.IsZero())
	assert.True(t, got.GreaterThanOrEqual(dec("2")))
}

func TestBootstrapATRNeverBelowFloor(t *testing.T) {
	closes := []string{"100", "100.01", "99.99", "100.02", "99.98", "100.01", "99.99", "100"}
	candles := make([]market.Candle, 0, len(closes))
	for _, c := range closes {
		candles = append(candles, market.Candle{Time: time.Now().UTC(), Close: dec(c)})
	}

	got := BootstrapATR(candles, dec("100"))
	assert.True(t, got.Equal(dec("2")))
}
