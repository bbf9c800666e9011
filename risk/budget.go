package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Budget is the Exploration Budget side channel (spec §4.7): a per-day
// USD cap, per-day count cap, minimum-score threshold, and size
// multiplier, consulted only by PILOT/EXPLORE intents. NORMAL, EXIT, and
// RISK_MANAGEMENT never call into this type — that isolation is the
// point, mirrored here by simply never wiring it into those code paths
// rather than by a runtime guard.
type Budget struct {
	policy ExplorationBudget

	mu       sync.Mutex
	day      string // "2006-01-02", the day the counters below apply to
	spent    decimal.Decimal
	forced   int
}

// NewBudget constructs a Budget from policy.
func NewBudget(policy ExplorationBudget) *Budget {
	return &Budget{policy: policy}
}

func (b *Budget) rollDay(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if day != b.day {
		b.day = day
		b.spent = decimal.Zero
		b.forced = 0
	}
}

// ErrBudgetExhausted means the day's USD or count cap would be exceeded.
var ErrBudgetExhausted = fmt.Errorf("risk: exploration budget exhausted for today")

// ErrBelowMinScore means the candidate's score did not clear the
// exploration minimum.
var ErrBelowMinScore = fmt.Errorf("risk: candidate score below exploration minimum")

// Authorize checks whether a PILOT/EXPLORE candidate may draw from the
// budget, and if so reserves notionalUSD against the day's remaining
// capacity. Callers must only call this for Intent == PILOT or EXPLORE.
func (b *Budget) Authorize(now time.Time, equity decimal.Decimal, score, notionalUSD decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollDay(now)

	if score.LessThan(b.policy.MinScore) {
		return ErrBelowMinScore
	}
	if b.forced >= b.policy.MaxForcedPerDay {
		return ErrBudgetExhausted
	}
	dayCap := b.policy.BudgetPct.Mul(equity)
	if b.spent.Add(notionalUSD).GreaterThan(dayCap) {
		return ErrBudgetExhausted
	}

	b.spent = b.spent.Add(notionalUSD)
	b.forced++
	return nil
}

// Remaining reports today's unspent USD budget.
func (b *Budget) Remaining(now time.Time, equity decimal.Decimal) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollDay(now)
	return decimal.Max(decimal.Zero, b.policy.BudgetPct.Mul(equity).Sub(b.spent))
}
