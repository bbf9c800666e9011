package market

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulatedSourceReturnsSeedTick(t *testing.T) {
	s := NewSimulatedSource(map[string]SimulatedTick{
		"BTC-USD": {Bid: decimal.NewFromInt(49990), Ask: decimal.NewFromInt(50010)},
	})
	tr, err := s.FetchTicker("BTC-USD")
	require.NoError(t, err)
	assert.True(t, tr.Bid.Equal(decimal.NewFromInt(49990)))
	assert.Equal(t, DataQualityOK, tr.DataQuality)
}

func TestSimulatedSourceUnsupportedSymbol(t *testing.T) {
	s := NewSimulatedSource(map[string]SimulatedTick{})
	_, err := s.FetchTicker("DOGE-USD")
	assert.Error(t, err)
}

func TestSimulatedSourceAppliesStepAfterDelay(t *testing.T) {
	s := NewSimulatedSource(map[string]SimulatedTick{
		"BTC-USD": {
			Bid: decimal.NewFromInt(49990), Ask: decimal.NewFromInt(50010),
			Steps: []SimulatedStep{
				{Bid: decimal.NewFromInt(51000), Ask: decimal.NewFromInt(51020), Delay: 20 * time.Millisecond},
			},
		},
	})

	tr, _ := s.FetchTicker("BTC-USD")
	assert.True(t, tr.Bid.Equal(decimal.NewFromInt(49990)))

	assert.Eventually(t, func() bool {
		tr, _ := s.FetchTicker("BTC-USD")
		return tr.Bid.Equal(decimal.NewFromInt(51000))
	}, time.Second, 5*time.Millisecond)
}
