package bracket

import (
	"time"

	"github.com/shopspring/decimal"
)

// PostOnlyPolicy is the config-gated post-only entry routing spec §4.6
// describes. Entries route here before a bracket exists; it has no
// bearing on exit-leg routing, which is always taker via fillsim.
type PostOnlyPolicy struct {
	Enabled            bool
	MaxWait            time.Duration // default 5s
	AllowTakerFallback bool          // default false
}

// DefaultPostOnlyPolicy matches spec §4.6's stated defaults.
func DefaultPostOnlyPolicy() PostOnlyPolicy {
	return PostOnlyPolicy{Enabled: false, MaxWait: 5 * time.Second, AllowTakerFallback: false}
}

// EntryLimitPrice returns the post-only limit price for a new entry: best
// bid for a BUY, best ask for a SELL. ok is false when post-only routing is
// disabled, meaning the caller should route taker instead.
func EntryLimitPrice(policy PostOnlyPolicy, side Side, bestBid, bestAsk decimal.Decimal) (price decimal.Decimal, ok bool) {
	if !policy.Enabled {
		return decimal.Zero, false
	}
	if side == SideBuy {
		return bestBid, true
	}
	return bestAsk, true
}

// EntryTimeoutAction reports what to do when a post-only entry has waited
// policy.MaxWait without filling: cancel and give up for this cycle, or
// promote to taker, per AllowTakerFallback.
type EntryTimeoutAction string

const (
	ActionGiveUp          EntryTimeoutAction = "give_up"
	ActionPromoteToTaker  EntryTimeoutAction = "promote_to_taker"
	ActionKeepWaiting     EntryTimeoutAction = "keep_waiting"
)

// OnEntryWait evaluates a post-only entry that has been open for waited.
func OnEntryWait(policy PostOnlyPolicy, waited time.Duration) EntryTimeoutAction {
	if waited < policy.MaxWait {
		return ActionKeepWaiting
	}
	if policy.AllowTakerFallback {
		return ActionPromoteToTaker
	}
	return ActionGiveUp
}
