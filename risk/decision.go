package risk

import (
	"github.com/cryptoportfolio/core/pricing"
	"github.com/shopspring/decimal"
)

// Action is the scored candidate's raw final action, before routing.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionSkip Action = "SKIP"
)

// Intent is the classification gate 6 assigns. Budget checks (spec §4.7)
// apply only to Pilot and Explore.
type Intent string

const (
	IntentNormal          Intent = "NORMAL"
	IntentPilot           Intent = "PILOT"
	IntentExplore         Intent = "EXPLORE"
	IntentExit            Intent = "EXIT"
	IntentRiskManagement  Intent = "RISK_MANAGEMENT"
)

// Side is the order's executable direction. The router never silently
// promotes a SELL into a BUY — every (Action, Side) pair this package
// produces is explicit.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Candidate is a scored candidate entering the pipeline.
type Candidate struct {
	Symbol          string
	FinalAction     Action
	ExpectedMoveBps decimal.Decimal
	Score           decimal.Decimal
	PostOnly        bool // caller confirmed maker-only routing for this candidate
	HasLongPosition bool
}

// Skip is the terminal output of a rejected candidate.
type Skip struct {
	Symbol string
	Reason string
}

// RoutedOrder is the terminal output of an accepted candidate.
type RoutedOrder struct {
	Symbol   string
	Side     Side
	Intent   Intent
	Reason   string
	SizeHint decimal.Decimal // score-derived hint the sizer may use, not a final quantity
	Metadata map[string]string
}

// TraceEntry is one gate's pass/fail record, accumulated into the
// structured DECISION_TRACE spec §4.4 requires on every rejection.
type TraceEntry struct {
	Gate   string
	Passed bool
	Detail string
}

// Trace is the full structured record for one candidate's pipeline run.
type Trace struct {
	Symbol  string
	Entries []TraceEntry
}

func (t *Trace) record(gate string, passed bool, detail string) {
	t.Entries = append(t.Entries, TraceEntry{Gate: gate, Passed: passed, Detail: detail})
}

// Fields flattens the trace into the machine-parsable key=value shape spec
// §4.4's DECISION_TRACE log line requires, one entry per gate rather than
// a single reason string.
func (t Trace) Fields() map[string]string {
	f := map[string]string{"symbol": t.Symbol}
	for _, e := range t.Entries {
		status := "pass"
		if !e.Passed {
			status = "fail"
		}
		key := "gate_" + e.Gate
		f[key] = status
		if e.Detail != "" {
			f[key+"_detail"] = e.Detail
		}
	}
	return f
}

// Result is the pipeline's full output: either a RoutedOrder or a Skip,
// plus the trace that produced it.
type Result struct {
	Order *RoutedOrder
	Skip  *Skip
	Trace Trace
}

// snapshotReader is the subset of pricing.Snapshot the pipeline consults;
// declared as an interface so tests can inject a fixture without
// constructing a full pricing.Service.
type snapshotReader interface {
	Get(symbol string) (pricing.Entry, bool)
}
