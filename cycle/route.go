package cycle

import (
	"fmt"
	"log"
	"time"

	"github.com/cryptoportfolio/core/bracket"
	"github.com/cryptoportfolio/core/fillsim"
	"github.com/cryptoportfolio/core/id"
	"github.com/cryptoportfolio/core/journal"
	"github.com/cryptoportfolio/core/market"
	"github.com/cryptoportfolio/core/portfolio"
	"github.com/cryptoportfolio/core/pricing"
	"github.com/cryptoportfolio/core/risk"
	"github.com/shopspring/decimal"
)

// routeOrder turns one accepted RoutedOrder into a sized, filled, and
// committed (or skipped) trade. A full position close (Intent == EXIT) is
// handled by executeReduceOnly directly, since the sizer's
// volatility-normalized sizing has no meaning for "close everything";
// every other intent goes through the full sizer -> fillsim -> commit path.
func (e *Engine) routeOrder(report *Report, cycleID string, order risk.RoutedOrder, c risk.Candidate, entry pricing.Entry, posBySymbol map[string]journal.Position, cash, equity decimal.Decimal, now time.Time) (*TradeOutcome, decimal.Decimal, decimal.Decimal, error) {
	mid := entry.Mid()

	if order.Intent == risk.IntentExit {
		pos, ok := posBySymbol[order.Symbol]
		if !ok || pos.IsFlat() {
			return nil, cash, equity, fmt.Errorf("cycle: exit routed for %s with no open position", order.Symbol)
		}
		outcome, newCash, newEquity := e.executeReduceOnly(report, cycleID, order.Symbol, order.Side, pos.Quantity.Abs(), mid, cash, equity, "strategy_exit", order.Intent, now)
		return outcome, newCash, newEquity, nil
	}

	rule, err := market.Resolve(order.Symbol)
	if err != nil {
		return nil, cash, equity, fmt.Errorf("cycle: resolve %s: %w", order.Symbol, err)
	}

	bracketSide := bracket.Side(order.Side)
	isMaker := false
	if e.PostOnly.Enabled {
		if _, ok := bracket.EntryLimitPrice(e.PostOnly, bracketSide, entry.Bid, entry.Ask); ok {
			isMaker = true
		}
	}

	atr, candles := e.atrEstimate(order.Symbol)
	symbolExposure := decimal.Zero
	sessionExposure := decimal.Zero
	if pos, ok := posBySymbol[order.Symbol]; ok {
		symbolExposure = pos.Value.Abs()
	}
	for _, p := range posBySymbol {
		sessionExposure = sessionExposure.Add(p.Value.Abs())
	}

	sizeReq := risk.SizeRequest{
		Symbol:                 order.Symbol,
		Side:                   order.Side,
		Entry:                  mid,
		Equity:                 equity,
		Exploration:            order.Intent == risk.IntentPilot || order.Intent == risk.IntentExplore,
		ATR:                    atr,
		Candles:                candles,
		CurrentSymbolExposure:  symbolExposure,
		CurrentSessionExposure: sessionExposure,
	}
	sized, err := risk.Size(e.Policy, rule, sizeReq)
	if err != nil {
		report.Skipped = append(report.Skipped, risk.Skip{Symbol: order.Symbol, Reason: "sizing:" + err.Error()})
		return nil, cash, equity, nil
	}

	if order.Intent == risk.IntentPilot || order.Intent == risk.IntentExplore {
		if err := e.Budget.Authorize(now, equity, c.Score, sized.Notional); err != nil {
			report.Skipped = append(report.Skipped, risk.Skip{Symbol: order.Symbol, Reason: "exploration_budget:" + err.Error()})
			return nil, cash, equity, nil
		}
	}

	fillOrder := fillsim.Order{Symbol: order.Symbol, Side: string(sized.Side), Quantity: sized.Quantity, IsMaker: isMaker}
	fill := fillsim.Simulate(fillOrder, rule, mid)

	tx := portfolio.Begin(e.Ledger, e.SessionID, cash, equity)
	tx.SetEpsilonFloor(e.Policy.Analytics.NAVValidationTolerance)

	qtyDelta := sized.Quantity
	var cashDelta decimal.Decimal
	if order.Side == risk.SideBuy {
		cashDelta = fill.EffectiveFillPrice.Mul(sized.Quantity).Add(fill.Fees).Neg()
	} else {
		qtyDelta = sized.Quantity.Neg()
		cashDelta = fill.EffectiveFillPrice.Mul(sized.Quantity).Sub(fill.Fees)
	}
	tx.StageCashDelta(cashDelta, fill.Fees)
	tx.StagePositionDelta(order.Symbol, qtyDelta, fill.EffectiveFillPrice, fill.EffectiveFillPrice)
	// Lot cost basis folds the entry fee in per unit, per spec §4.8/§9's
	// entry-fee-in-basis convention: fillsim.PreviewRealizedPnL/
	// SimulateAndConsume subtract cost_basis = EntryPriceInclFees * qty and
	// separately subtract only the exit fee, so the entry fee must already
	// be inside EntryPriceInclFees or it never reduces realized P&L.
	entryPriceInclFees := fill.EffectiveFillPrice.Add(fill.Fees.Div(sized.Quantity))
	tx.StageLotAddition(order.Symbol, entryPriceInclFees, sized.Quantity, now)

	finalMarkPrices := map[string]decimal.Decimal{order.Symbol: fill.EffectiveFillPrice}
	expectedEquity := e.remarkedEquity(order.Symbol, fill.EffectiveFillPrice, equity).Sub(fill.Fees)

	commit, err := tx.Commit(finalMarkPrices, expectedEquity, rule.PriceTick, sized.Quantity)
	if commit.Outcome != "" {
		logCommit(commit, cycleID, order.Symbol, "entry:"+string(order.Intent))
	}
	if err != nil {
		return nil, cash, equity, fmt.Errorf("cycle: commit entry %s: %w", order.Symbol, err)
	}

	outcome := &TradeOutcome{
		Symbol: order.Symbol, Side: order.Side, Intent: order.Intent, Reason: order.Reason,
		Quantity: sized.Quantity, Price: fill.EffectiveFillPrice, Fill: fill, Commit: commit,
	}
	if commit.Outcome == portfolio.OutcomeDiscarded {
		return outcome, cash, equity, nil
	}

	e.appendTrade(order.Symbol, string(order.Side), sized.Quantity, mid, fill, "", now)

	if _, exists := e.Brackets.Get(order.Symbol, e.SessionID); !exists {
		if _, err := e.Brackets.Attach(order.Symbol, e.SessionID, bracketSide, mid, sized.Quantity, e.Policy.Sizing.BracketRiskPct); err != nil {
			log.Printf("cycle: bracket attach %s failed: %v", order.Symbol, err)
		}
	}
	// A pyramid add onto an already-bracketed position keeps the original
	// bracket's risk_unit/SL/TP anchored to the first entry: spec §4.6 gives
	// no blended-bracket recompute formula for adds, so the existing
	// bracket is left untouched here (logged as an Open Question decision).

	return outcome, commit.Diff.StagedCash, commit.Diff.StagedEquity, nil
}

// atrEstimate fetches recent candles from the optional data source (for
// BootstrapATR fallback and real-ATR warmup) and reports the real
// indicator's value once it clears warmup.
func (e *Engine) atrEstimate(symbol string) (*decimal.Decimal, []market.Candle) {
	if e.Source == nil {
		return nil, nil
	}
	lookback := e.CandleLookback
	if lookback <= 0 {
		lookback = 20
	}
	candles := e.Source.FetchOHLCV(symbol, lookback)
	a := e.atrFor(symbol)
	for _, c := range candles {
		a.Update(c)
	}
	if a.Ready() {
		v := a.Value()
		return &v, candles
	}
	return nil, candles
}

// manageBrackets evaluates every open position's bracket against this
// cycle's frozen mark prices: stop-loss first (protective), then the
// take-profit ladder in order, then the bar/time-stop advance. At most one
// TP leg fills per cycle per symbol; the rest are re-evaluated next cycle.
func (e *Engine) manageBrackets(report *Report, cycleID string, posBySymbol map[string]journal.Position, markPrices map[string]decimal.Decimal, cash, equity decimal.Decimal, now time.Time) (decimal.Decimal, decimal.Decimal) {
	for symbol, pos := range posBySymbol {
		if pos.IsFlat() {
			continue
		}
		b, ok := e.Brackets.Get(symbol, e.SessionID)
		if !ok {
			continue
		}
		mark, ok := markPrices[symbol]
		if !ok {
			continue
		}
		exitSide := reduceOnlySide(b.Side)

		if stopTriggered(b, mark) {
			// OnStopLossFill zeroes RemainingQty, so capture the exit size first.
			qty := b.RemainingQty
			outcome, err := e.Brackets.OnStopLossFill(symbol, e.SessionID)
			if err != nil {
				continue
			}
			_, cash, equity = e.executeReduceOnly(report, cycleID, symbol, exitSide, qty, mark, cash, equity, "stop_loss", risk.IntentRiskManagement, now)
			report.BracketEvents = append(report.BracketEvents, BracketEvent{Symbol: symbol, Outcome: outcome})
			continue
		}

		filledLeg := -1
		for i := range b.TakeProfits {
			leg := b.TakeProfits[i]
			if leg.Filled || leg.Canceled {
				continue
			}
			if tpTriggered(b, i, mark) {
				filledLeg = i
				break
			}
		}
		if filledLeg >= 0 {
			qty := b.TakeProfits[filledLeg].Quantity
			outcome, err := e.Brackets.OnTakeProfitFill(symbol, e.SessionID, filledLeg, qty)
			if err == nil {
				_, cash, equity = e.executeReduceOnly(report, cycleID, symbol, exitSide, qty, mark, cash, equity, fmt.Sprintf("take_profit_%d", filledLeg+1), risk.IntentRiskManagement, now)
				report.BracketEvents = append(report.BracketEvents, BracketEvent{Symbol: symbol, Outcome: outcome})
			}
			continue
		}

		outcome, err := e.Brackets.OnBar(symbol, e.SessionID, e.maxBarsInTrade())
		if err == nil && outcome.MarketClose {
			_, cash, equity = e.executeReduceOnly(report, cycleID, symbol, exitSide, b.RemainingQty, mark, cash, equity, "time_stop", risk.IntentRiskManagement, now)
			report.BracketEvents = append(report.BracketEvents, BracketEvent{Symbol: symbol, Outcome: outcome})
		}
	}
	return cash, equity
}

func (e *Engine) maxBarsInTrade() int {
	if e.MaxBarsInTrade <= 0 {
		return 48
	}
	return e.MaxBarsInTrade
}

// remarkedEquity revalues symbol's open position (if any) from the price
// the ledger last recorded for it to mark, so an expected equity built on
// it is valued at the same marks Commit values the staged state at.
func (e *Engine) remarkedEquity(symbol string, mark, equity decimal.Decimal) decimal.Decimal {
	pos, err := e.Ledger.GetPosition(e.SessionID, symbol)
	if err != nil {
		return equity
	}
	return equity.Add(pos.Quantity.Mul(mark.Sub(pos.CurrentPrice)))
}

// executeReduceOnly simulates a reduce-only fill (a bracket exit or a
// strategy-driven EXIT), previews its FIFO realized P&L without mutating
// the ledger, and stages/commits the resulting transaction — so a
// discarded exit never touches the lot table.
func (e *Engine) executeReduceOnly(report *Report, cycleID, symbol string, side risk.Side, qty, mark, cash, equity decimal.Decimal, reason string, intent risk.Intent, now time.Time) (*TradeOutcome, decimal.Decimal, decimal.Decimal) {
	if qty.LessThanOrEqual(decimal.Zero) {
		return nil, cash, equity
	}
	rule, err := market.Resolve(symbol)
	if err != nil {
		log.Printf("cycle: resolve %s for reduce-only exit: %v", symbol, err)
		return nil, cash, equity
	}

	fillOrder := fillsim.Order{Symbol: symbol, Side: string(side), Quantity: qty, IsMaker: false}
	fill := fillsim.Simulate(fillOrder, rule, mark)

	lots, err := e.Ledger.ListLots(e.SessionID, symbol)
	if err != nil {
		log.Printf("cycle: list lots %s: %v", symbol, err)
		return nil, cash, equity
	}
	realized, _, err := fillsim.PreviewRealizedPnL(lots, fillOrder, fill)
	if err != nil {
		log.Printf("cycle: preview realized pnl %s: %v", symbol, err)
		return nil, cash, equity
	}
	fill.RealizedPnL = &realized

	tx := portfolio.Begin(e.Ledger, e.SessionID, cash, equity)
	tx.SetEpsilonFloor(e.Policy.Analytics.NAVValidationTolerance)

	var qtyDelta, cashDelta decimal.Decimal
	if side == risk.SideSell {
		qtyDelta = qty.Neg()
		cashDelta = fill.EffectiveFillPrice.Mul(qty).Sub(fill.Fees)
	} else {
		qtyDelta = qty
		cashDelta = fill.EffectiveFillPrice.Mul(qty).Add(fill.Fees).Neg()
	}
	tx.StageCashDelta(cashDelta, fill.Fees)
	tx.StagePositionDelta(symbol, qtyDelta, mark, mark)
	tx.StageLotConsumption(symbol, qty)
	tx.StageRealizedPnLDelta(realized)

	finalMarkPrices := map[string]decimal.Decimal{symbol: mark}
	// The exited quantity leaves at the slipped fill price, not at mark.
	expectedEquity := e.remarkedEquity(symbol, mark, equity).Sub(fill.Fees).Sub(fill.SlippageCost)

	commit, err := tx.Commit(finalMarkPrices, expectedEquity, rule.PriceTick, qty)
	if commit.Outcome != "" {
		logCommit(commit, cycleID, symbol, reason)
	}
	if err != nil {
		log.Printf("cycle: commit reduce-only %s: %v", symbol, err)
		return nil, cash, equity
	}

	outcome := &TradeOutcome{Symbol: symbol, Side: side, Intent: intent, Reason: reason, Quantity: qty, Price: fill.EffectiveFillPrice, Fill: fill, Commit: commit}
	if commit.Outcome == portfolio.OutcomeDiscarded {
		return outcome, cash, equity
	}

	e.appendTrade(symbol, string(side), qty, mark, fill, reason, now)

	return outcome, commit.Diff.StagedCash, commit.Diff.StagedEquity
}

// appendTrade writes the immutable trade-log row for a committed or
// reconciled fill, per spec §3's invariant 6 (trades are append-only and
// non-decreasing by executed_at). A discarded commit never reaches here,
// so the trade log only ever records fills the ledger actually applied.
func (e *Engine) appendTrade(symbol, side string, qty, markPrice decimal.Decimal, fill fillsim.Fill, exitReason string, executedAt time.Time) {
	record := journal.TradeRecord{
		TradeID:            id.NewTrade(),
		SessionID:          e.SessionID,
		Symbol:             symbol,
		Side:               side,
		Quantity:           qty,
		MarkPrice:          markPrice,
		EffectiveFillPrice: fill.EffectiveFillPrice,
		SlippageBps:        fill.SlippageBps,
		FeeBps:             fill.FeeBps,
		Fees:               fill.Fees,
		Notional:           qty.Mul(fill.EffectiveFillPrice),
		ExitReason:         exitReason,
		RealizedPnL:        fill.RealizedPnL,
		ExecutedAt:         executedAt,
	}
	if err := e.Ledger.AppendTrade(record); err != nil {
		log.Printf("cycle: append trade %s failed: %v", symbol, err)
	}
}

// reduceOnlySide is the execution side that flattens a bracket's position:
// a long (entered BUY) is closed by a SELL, a short by a BUY.
func reduceOnlySide(entrySide bracket.Side) risk.Side {
	if entrySide == bracket.SideBuy {
		return risk.SideSell
	}
	return risk.SideBuy
}

// stopTriggered reports whether mark has crossed the bracket's stop-loss:
// for a long, at or below; for a short, at or above.
func stopTriggered(b *bracket.Bracket, mark decimal.Decimal) bool {
	if b.Side == bracket.SideBuy {
		return mark.LessThanOrEqual(b.StopLoss)
	}
	return mark.GreaterThanOrEqual(b.StopLoss)
}

// tpTriggered reports whether mark has crossed take-profit leg i: for a
// long, at or above; for a short, at or below.
func tpTriggered(b *bracket.Bracket, leg int, mark decimal.Decimal) bool {
	price := b.TakeProfits[leg].Price
	if b.Side == bracket.SideBuy {
		return mark.GreaterThanOrEqual(price)
	}
	return mark.LessThanOrEqual(price)
}

func logCommit(commit portfolio.CommitResult, cycleID, symbol, reason string) {
	switch commit.Outcome {
	case portfolio.OutcomeCommitted:
		log.Printf("cycle: PORTFOLIO_COMMITTED[snapshot=%s] symbol=%s reason=%s equity=%s", cycleID, symbol, reason, commit.Diff.StagedEquity.StringFixed(2))
	case portfolio.OutcomeReconciled:
		log.Printf("cycle: RECONCILED[snapshot=%s] symbol=%s reason=%s fields=%v", cycleID, symbol, reason, commit.Diff.Fields())
	case portfolio.OutcomeDiscarded:
		log.Printf("cycle: PORTFOLIO_DISCARD[snapshot=%s] symbol=%s reason=%s fields=%v", cycleID, symbol, reason, commit.Diff.Fields())
	}
}
