package risk

import (
	"fmt"
	"time"

	"github.com/cryptoportfolio/core/journal"
	"github.com/cryptoportfolio/core/market"
	"github.com/cryptoportfolio/core/pricing"
	"github.com/shopspring/decimal"
)

// two is used in the edge-after-costs formula: edge = move - (spread + 2*fee).
var two = decimal.NewFromInt(2)

// Evaluate runs the full gate order from spec §4.4, short-circuiting on
// the first rejection. now is the cycle's frozen clock so quote-age
// checks are deterministic; positions supplies the direction gate's
// existing-long lookup.
func Evaluate(policy Policy, c Candidate, snap snapshotReader, now time.Time, positions map[string]journal.Position) Result {
	trace := Trace{Symbol: c.Symbol}

	// Gate 1: data quality.
	entry, ok := snap.Get(c.Symbol)
	if !ok {
		trace.record("data_quality", false, "absent")
		return skip(c.Symbol, "data_quality:absent", trace)
	}
	if entry.DataQuality != market.DataQualityOK {
		trace.record("data_quality", false, string(entry.DataQuality))
		return skip(c.Symbol, fmt.Sprintf("data_quality:%s", entry.DataQuality), trace)
	}
	trace.record("data_quality", true, "")

	// Gate 2: venue.
	rule, err := market.Resolve(c.Symbol)
	if err != nil {
		trace.record("venue", false, "unsupported")
		return skip(c.Symbol, "unsupported_by_venue", trace)
	}
	trace.record("venue", true, "")

	// Gate 3: L2 freshness.
	if reason := checkFreshness(entry, rule, now, policy.EntryGate.MaxQuoteAgeMS); reason != "" {
		trace.record("l2_freshness", false, reason)
		return skip(c.Symbol, fmt.Sprintf("stale_tick:%s", reason), trace)
	}
	trace.record("l2_freshness", true, "")

	// Gate 4: spread / edge-after-costs.
	mid := entry.Bid.Add(entry.Ask).Div(two)
	spreadBps := entry.Ask.Sub(entry.Bid).Div(mid).Mul(decimal.NewFromInt(10000))
	feeBps := rule.TakerBps
	if c.PostOnly {
		feeBps = rule.MakerBps
	}
	edgeBps := c.ExpectedMoveBps.Sub(spreadBps.Add(two.Mul(feeBps)))
	if edgeBps.LessThan(policy.EntryGate.MinEdgeBps) {
		trace.record("edge_after_costs", false, edgeBps.String())
		return skip(c.Symbol, "insufficient_edge", trace)
	}
	trace.record("edge_after_costs", true, edgeBps.String())

	// Gate 5: direction.
	allowShort := policy.ShortEnabled && policy.SymbolAllowShort[c.Symbol]
	pos, hasPosition := positions[c.Symbol]
	hasLong := hasPosition && pos.Quantity.IsPositive()

	var side Side
	intentOverride := Intent("")
	reason := ""
	switch c.FinalAction {
	case ActionBuy:
		side = SideBuy
	case ActionSell:
		if hasLong {
			side = SideSell
			intentOverride = IntentExit
			reason = "close_long"
		} else if allowShort {
			side = SideSell
		} else {
			trace.record("direction", false, "shorting_disabled")
			return skip(c.Symbol, "shorting_disabled", trace)
		}
	default:
		trace.record("direction", false, "skip_action")
		return skip(c.Symbol, "final_action_skip", trace)
	}
	trace.record("direction", true, string(side))

	// Gate 6: intent classification.
	intent := intentOverride
	if intent == "" {
		intent = classifyIntent(policy, c)
	}
	trace.record("intent_classification", true, string(intent))

	order := RoutedOrder{
		Symbol:   c.Symbol,
		Side:     side,
		Intent:   intent,
		Reason:   reason,
		SizeHint: c.Score,
		Metadata: map[string]string{"edge_bps": edgeBps.String()},
	}
	return Result{Order: &order, Trace: trace}
}

func skip(symbol, reason string, trace Trace) Result {
	return Result{Skip: &Skip{Symbol: symbol, Reason: reason}, Trace: trace}
}

// checkFreshness implements gate 3: both sides present and sane, quote
// age within policy, and the ticker's own venue matching what we priced.
func checkFreshness(entry pricing.Entry, rule market.VenueRule, now time.Time, maxAgeMS int64) string {
	if entry.Bid.IsZero() && entry.Ask.IsZero() {
		return "no_quote"
	}
	if !(entry.Ask.GreaterThan(entry.Bid) && entry.Bid.GreaterThan(decimal.Zero)) {
		return "crossed_or_non_positive"
	}
	ageMS := now.Sub(entry.Timestamp).Milliseconds()
	if ageMS > maxAgeMS {
		return "quote_too_old"
	}
	if entry.Venue != rule.Venue {
		return "venue_mismatch"
	}
	return ""
}

// classifyIntent assigns NORMAL/PILOT/EXPLORE per candidate score against
// the configured thresholds (spec §6 risk.entry_gate.hard_floor_min /
// effective_threshold). A high-confidence candidate is NORMAL; otherwise
// it is routed through the exploration side channel at a score-dependent
// tier. RISK_MANAGEMENT is assigned by the cycle loop directly for
// stop/time-stop exits, never by this classifier.
func classifyIntent(policy Policy, c Candidate) Intent {
	switch {
	case c.Score.GreaterThanOrEqual(policy.EntryGate.EffectiveThreshold):
		return IntentNormal
	case c.Score.GreaterThanOrEqual(policy.EntryGate.HardFloorMin):
		return IntentPilot
	default:
		return IntentExplore
	}
}
