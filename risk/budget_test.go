package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBudgetAuthorizeWithinCapSucceeds(t *testing.T) {
	b := NewBudget(ExplorationBudget{
		BudgetPct: dec("0.02"), MaxForcedPerDay: 3, MinScore: dec("0.5"), SizeMultVsNormal: dec("0.3"),
	})
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	err := b.Authorize(now, dec("100000"), dec("0.6"), dec("1000"))
	require.NoError(t, err)

	remaining := b.Remaining(now, dec("100000"))
	assert.True(t, remaining.Equal(dec("1000"))) // 2000 day cap - 1000 spent
}

func TestBudgetAuthorizeBelowMinScoreRejected(t *testing.T) {
	b := NewBudget(ExplorationBudget{BudgetPct: dec("0.02"), MaxForcedPerDay: 3, MinScore: dec("0.5")})
	now := time.Now().UTC()
	err := b.Authorize(now, dec("100000"), dec("0.3"), dec("100"))
	assert.ErrorIs(t, err, ErrBelowMinScore)
}

func TestBudgetAuthorizeExhaustedByCount(t *testing.T) {
	b := NewBudget(ExplorationBudget{BudgetPct: dec("1"), MaxForcedPerDay: 1, MinScore: dec("0")})
	now := time.Now().UTC()
	require.NoError(t, b.Authorize(now, dec("100000"), dec("0.9"), dec("1")))
	assert.ErrorIs(t, b.Authorize(now, dec("100000"), dec("0.9"), dec("1")), ErrBudgetExhausted)
}

func TestBudgetAuthorizeExhaustedByUSDCap(t *testing.T) {
	b := NewBudget(ExplorationBudget{BudgetPct: dec("0.01"), MaxForcedPerDay: 10, MinScore: dec("0")})
	now := time.Now().UTC()
	require.NoError(t, b.Authorize(now, dec("100000"), dec("0.9"), dec("900")))
	assert.ErrorIs(t, b.Authorize(now, dec("100000"), dec("0.9"), dec("200")), ErrBudgetExhausted)
}

func TestBudgetRollsOverAtDayBoundary(t *testing.T) {
	b := NewBudget(ExplorationBudget{BudgetPct: dec("0.01"), MaxForcedPerDay: 1, MinScore: dec("0")})
	day1 := time.Date(2026, 1, 1, 23, 59, 0, 0, time.UTC)
	day2 := time.Date(2026, 1, 2, 0, 1, 0, 0, time.UTC)

	require.NoError(t, b.Authorize(day1, dec("100000"), dec("0.9"), dec("900")))
	assert.ErrorIs(t, b.Authorize(day1, dec("100000"), dec("0.9"), dec("900")), ErrBudgetExhausted)

	require.NoError(t, b.Authorize(day2, dec("100000"), dec("0.9"), dec("900")))
}

func ptr(d decimal.Decimal) *decimal.Decimal { return &d }
