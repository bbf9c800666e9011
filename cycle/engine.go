// Package cycle is the trading-cycle orchestrator (spec §5): it wires the
// Pricing Snapshot Service, Decision Pipeline & Router, Position Sizer,
// Bracket Engine, Fill Simulator, and Portfolio Transaction into the
// single-threaded cooperative loop the spec describes — one cycle runs
// pricing snapshot -> decision -> routing -> sizing -> bracket attach ->
// commit to completion before the next starts. It does not decide *what*
// to trade: candidate scoring is supplied by an injected CandidateSource,
// per spec §1's stated non-goal.
package cycle

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cryptoportfolio/core/bracket"
	"github.com/cryptoportfolio/core/fillsim"
	"github.com/cryptoportfolio/core/id"
	"github.com/cryptoportfolio/core/indicators"
	"github.com/cryptoportfolio/core/journal"
	"github.com/cryptoportfolio/core/market"
	"github.com/cryptoportfolio/core/portfolio"
	"github.com/cryptoportfolio/core/pricing"
	"github.com/cryptoportfolio/core/risk"
	"github.com/shopspring/decimal"
)

// CandidateSource supplies already-scored candidates for one cycle's
// frozen snapshot. Strategy logic — what to trade — lives entirely on the
// caller's side of this interface; the cycle loop only consumes its
// output.
type CandidateSource interface {
	Candidates(ctx context.Context, snap pricing.Snapshot) ([]risk.Candidate, error)
}

// TradeOutcome is one committed (or reconciled) fill for the cycle report.
type TradeOutcome struct {
	Symbol   string
	Side     risk.Side
	Intent   risk.Intent
	Reason   string
	Quantity decimal.Decimal
	Price    decimal.Decimal
	Fill     fillsim.Fill
	Commit   portfolio.CommitResult
}

// BracketEvent records one bracket-state transition observed during a cycle.
type BracketEvent struct {
	Symbol  string
	Outcome bracket.Outcome
}

// Report is everything one RunOnce call produced, for logging/testing.
type Report struct {
	CycleID         string
	CreatedAt       time.Time
	SnapshotPartial bool
	Committed       []TradeOutcome
	Skipped         []risk.Skip
	BracketEvents   []BracketEvent
}

// Engine holds everything that survives across cycles within one session:
// the pricing cache, open brackets, and the exploration budget's daily
// counters. One Engine drives one session's worth of cycles.
type Engine struct {
	Ledger   journal.Ledger
	Pricing  *pricing.Service
	Source   market.DataSource // optional; used for ATR warmup via FetchOHLCV
	Policy   risk.Policy
	PostOnly bracket.PostOnlyPolicy
	Brackets *bracket.Manager
	Budget   *risk.Budget

	SessionID      string
	Symbols        []string
	CycleBudget    time.Duration // wall-clock cap on snapshot construction (spec §5)
	MaxBarsInTrade int
	CandleLookback int
	Now            func() time.Time

	atrBySymbol map[string]*indicators.ATR
}

// NewEngine constructs an Engine ready to run cycles for sessionID against
// symbols, with MaxBarsInTrade 48 and CycleBudget 2s; if either field is
// later set to zero, the cycle falls back to those same defaults.
func NewEngine(ledger journal.Ledger, svc *pricing.Service, source market.DataSource, policy risk.Policy, postOnly bracket.PostOnlyPolicy, sessionID string, symbols []string) *Engine {
	return &Engine{
		Ledger:         ledger,
		Pricing:        svc,
		Source:         source,
		Policy:         policy,
		PostOnly:       postOnly,
		Brackets:       bracket.NewManager(),
		Budget:         risk.NewBudget(policy.ExplorationBudget),
		SessionID:      sessionID,
		Symbols:        symbols,
		CycleBudget:    2 * time.Second,
		MaxBarsInTrade: 48,
		CandleLookback: 20,
		Now:            time.Now,
		atrBySymbol:    make(map[string]*indicators.ATR),
	}
}

// RunOnce executes exactly one trading cycle to completion: it builds a
// frozen snapshot, evaluates every open bracket's stop/take-profit/time-stop
// against that snapshot, then routes every supplied candidate through the
// decision pipeline, sizer, fill simulator, and portfolio commit. Errors
// returned here are transient/programming errors (candidate source
// failure, ledger read failure) discovered before anything was staged —
// every successfully-staged transaction is committed or discarded on its
// own and never surfaces as a RunOnce error.
func (e *Engine) RunOnce(ctx context.Context, source CandidateSource) (Report, error) {
	cycleID := id.New()
	now := e.Now()
	report := Report{CycleID: cycleID, CreatedAt: now}

	snap, partial := e.buildSnapshot(ctx, cycleID)
	report.SnapshotPartial = partial

	candidates, err := source.Candidates(ctx, snap)
	if err != nil {
		return report, fmt.Errorf("cycle: candidate source: %w", err)
	}

	positions, err := e.Ledger.ListPositions(e.SessionID)
	if err != nil {
		return report, fmt.Errorf("cycle: list positions: %w", err)
	}
	posBySymbol := make(map[string]journal.Position, len(positions))
	for _, p := range positions {
		posBySymbol[p.Symbol] = p
	}

	latest, err := e.Ledger.LatestCashEquity(e.SessionID)
	if err != nil {
		return report, fmt.Errorf("cycle: latest cash equity: %w", err)
	}
	cash, err := e.Ledger.GetSessionCash(e.SessionID)
	if err != nil {
		return report, fmt.Errorf("cycle: get session cash: %w", err)
	}
	equity := latest.TotalEquity

	markPrices := make(map[string]decimal.Decimal, len(snap.BySymbol))
	for sym, entry := range snap.BySymbol {
		markPrices[sym] = entry.Mid()
	}

	// Risk management (stop-loss/take-profit/time-stop) runs before new
	// routing so a symbol that just timed out is free to be reconsidered,
	// per spec §5's bracket-attach-then-commit-per-cycle ordering.
	cash, equity = e.manageBrackets(&report, cycleID, posBySymbol, markPrices, cash, equity, now)

	for _, c := range candidates {
		result := risk.Evaluate(e.Policy, c, snap, now, posBySymbol)
		if result.Skip != nil {
			report.Skipped = append(report.Skipped, *result.Skip)
			log.Printf("cycle: DECISION_TRACE skip=%s fields=%v", result.Skip.Reason, result.Trace.Fields())
			continue
		}

		order := *result.Order
		entry, _ := snap.Get(order.Symbol)
		var outcome *TradeOutcome
		outcome, cash, equity, err = e.routeOrder(&report, cycleID, order, c, entry, posBySymbol, cash, equity, now)
		if err != nil {
			log.Printf("cycle: route %s failed: %v", order.Symbol, err)
			continue
		}
		if outcome != nil {
			report.Committed = append(report.Committed, *outcome)
			if outcome.Intent == risk.IntentExit {
				e.Brackets.Remove(order.Symbol, e.SessionID)
			}
		}
	}

	return report, nil
}

// buildSnapshot runs CreateSnapshot on its own goroutine and abandons the
// wait once CycleBudget elapses, proceeding with a partial (here, empty)
// snapshot per spec §5's "in-flight fetches are abandoned, their symbols
// omitted" rule. The abandoned goroutine still runs to completion against
// the Service's own cache/lock state; nothing besides this cycle's result
// is lost.
func (e *Engine) buildSnapshot(ctx context.Context, cycleID string) (pricing.Snapshot, bool) {
	budget := e.CycleBudget
	if budget <= 0 {
		budget = 2 * time.Second
	}

	ch := make(chan pricing.Snapshot, 1)
	go func() { ch <- e.Pricing.CreateSnapshot(cycleID, e.Symbols) }()

	timer := time.NewTimer(budget)
	defer timer.Stop()

	select {
	case snap := <-ch:
		return snap, false
	case <-timer.C:
		log.Printf("cycle: snapshot construction exceeded wall-clock budget %s, proceeding partial", budget)
		return pricing.Snapshot{CycleID: cycleID, CreatedAt: e.Now(), BySymbol: map[string]pricing.Entry{}}, true
	case <-ctx.Done():
		return pricing.Snapshot{CycleID: cycleID, CreatedAt: e.Now(), BySymbol: map[string]pricing.Entry{}}, true
	}
}

func (e *Engine) atrFor(symbol string) *indicators.ATR {
	a, ok := e.atrBySymbol[symbol]
	if !ok {
		a = indicators.NewATR(14)
		e.atrBySymbol[symbol] = a
	}
	return a
}
