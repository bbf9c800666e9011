// Package portfolio implements the Portfolio Transaction (spec §4.3): one
// decision's worth of cash, position, lot, and realized-P&L deltas,
// staged in memory and validated against the final state only — staging
// itself is never checked, per spec §4.3's "Validation order" note.
package portfolio

import (
	"errors"
	"fmt"
	"time"

	"github.com/cryptoportfolio/core/journal"
	"github.com/shopspring/decimal"
)

// positionDelta accumulates the staged change to one symbol.
type positionDelta struct {
	qtyDelta   decimal.Decimal
	entryPrice decimal.Decimal
	markPrice  decimal.Decimal
}

type lotAddition struct {
	symbol   string
	price    decimal.Decimal
	qty      decimal.Decimal
	openedAt time.Time
}

type lotConsumption struct {
	symbol string
	qty    decimal.Decimal
}

// Transaction is entered with the previous ledger state and staged with
// zero or more deltas in memory; release happens on every exit path
// (Commit or Discard), mirroring the scope-guard discipline teacher's
// broker/sim engine uses around its mutex.
type Transaction struct {
	ledger    journal.Ledger
	sessionID string

	previousCash   decimal.Decimal
	previousEquity decimal.Decimal

	cashDelta   decimal.Decimal
	feesStaged  decimal.Decimal
	positions   map[string]*positionDelta
	lotAdds     []lotAddition
	lotConsumes []lotConsumption
	realizedPnL decimal.Decimal

	epsilonFloor decimal.Decimal
	closed       bool
}

// Begin opens a Transaction against the current ledger state. previousCash
// and previousEquity are the latest committed values for sessionID — the
// baseline every staged delta is measured against.
func Begin(ledger journal.Ledger, sessionID string, previousCash, previousEquity decimal.Decimal) *Transaction {
	return &Transaction{
		ledger:         ledger,
		sessionID:      sessionID,
		previousCash:   previousCash,
		previousEquity: previousEquity,
		cashDelta:      decimal.Zero,
		feesStaged:     decimal.Zero,
		positions:      make(map[string]*positionDelta),
		realizedPnL:    decimal.Zero,
	}
}

func (tx *Transaction) delta(symbol string) *positionDelta {
	d, ok := tx.positions[symbol]
	if !ok {
		d = &positionDelta{qtyDelta: decimal.Zero}
		tx.positions[symbol] = d
	}
	return d
}

// StageCashDelta records a cash movement (positive = credit, negative =
// debit) and the fee portion of it, per spec §4.3 step 2.
func (tx *Transaction) StageCashDelta(delta, fees decimal.Decimal) {
	tx.cashDelta = tx.cashDelta.Add(delta)
	tx.feesStaged = tx.feesStaged.Add(fees)
}

// StagePositionDelta records a quantity change for symbol at the given
// entry/mark price. Multiple stages on the same symbol within one
// transaction accumulate.
func (tx *Transaction) StagePositionDelta(symbol string, qtyDelta, entryPrice, markPrice decimal.Decimal) {
	d := tx.delta(symbol)
	d.qtyDelta = d.qtyDelta.Add(qtyDelta)
	d.entryPrice = entryPrice
	d.markPrice = markPrice
}

// StageLotAddition records a new FIFO lot to write on commit.
func (tx *Transaction) StageLotAddition(symbol string, price, qty decimal.Decimal, openedAt time.Time) {
	tx.lotAdds = append(tx.lotAdds, lotAddition{symbol: symbol, price: price, qty: qty, openedAt: openedAt})
}

// StageLotConsumption records a FIFO lot consumption to apply on commit.
func (tx *Transaction) StageLotConsumption(symbol string, qty decimal.Decimal) {
	tx.lotConsumes = append(tx.lotConsumes, lotConsumption{symbol: symbol, qty: qty})
}

// StageRealizedPnLDelta records a realized P&L contribution (e.g. from a
// FIFO exit computed by fillsim).
func (tx *Transaction) StageRealizedPnLDelta(delta decimal.Decimal) {
	tx.realizedPnL = tx.realizedPnL.Add(delta)
}

// Diff is the structured report emitted on auto-reconcile or discard, per
// spec §4.3's "structured diff report enumerating per-symbol deltas, fee
// discrepancy, and rounding residual."
type Diff struct {
	StagedCash        decimal.Decimal
	StagedEquity      decimal.Decimal
	ExpectedEquity    decimal.Decimal
	EquityDelta       decimal.Decimal
	Epsilon           decimal.Decimal
	FeeDiscrepancy    decimal.Decimal
	RoundingResidual  decimal.Decimal
	PerSymbolDeltas   map[string]decimal.Decimal
	CriticalErrors    []string
}

// Fields flattens the diff into the machine-parsable key=value shape spec
// §4.3's RECONCILED/PORTFOLIO_DISCARD log lines require, one entry per
// per-symbol delta plus the scalar fields every outcome carries.
func (d Diff) Fields() map[string]string {
	f := map[string]string{
		"staged_cash":       d.StagedCash.StringFixed(2),
		"staged_equity":     d.StagedEquity.StringFixed(2),
		"expected_equity":   d.ExpectedEquity.StringFixed(2),
		"equity_delta":      d.EquityDelta.StringFixed(4),
		"epsilon":           d.Epsilon.StringFixed(4),
		"fee_discrepancy":   d.FeeDiscrepancy.StringFixed(4),
		"rounding_residual": d.RoundingResidual.StringFixed(4),
		"critical_errors":   fmt.Sprint(d.CriticalErrors),
	}
	for symbol, delta := range d.PerSymbolDeltas {
		f["delta_"+symbol] = delta.StringFixed(2)
	}
	return f
}

// Outcome describes what Commit did.
type Outcome string

const (
	OutcomeCommitted  Outcome = "committed"
	OutcomeReconciled Outcome = "reconciled"
	OutcomeDiscarded  Outcome = "discarded"
)

// maxAutoReconcilePct is the 0.1% of previous_equity ceiling spec §4.3 sets
// for auto-reconcile, grounded on original_source's max_auto_reconcile_pct.
var maxAutoReconcilePct = decimal.NewFromFloat(0.001)

// baseEpsilon is the $0.02 floor spec §4.3's prose mandates. Spec §6's
// config table instead calls analytics.nav_validation_tolerance the
// "Commit ε floor (min 10 USD)" — SetEpsilonFloor lets a caller supply
// that configured, larger floor; Commit falls back to baseEpsilon when
// none is set, so existing callers (and all of this package's own tests)
// see no change in behavior.
var baseEpsilon = decimal.NewFromFloat(0.02)

// SetEpsilonFloor overrides the default $0.02 minimum epsilon with v
// (typically risk.Policy.Analytics.NAVValidationTolerance) before Commit
// is called. A zero or unset v leaves baseEpsilon in effect.
func (tx *Transaction) SetEpsilonFloor(v decimal.Decimal) {
	tx.epsilonFloor = v
}

// CommitResult carries the outcome and diff report back to the caller so
// the cycle loop can log PORTFOLIO_COMMITTED / RECONCILED / PORTFOLIO_DISCARD.
type CommitResult struct {
	Outcome Outcome
	Diff    Diff
}

// Commit validates the final staged state against expectedEquity (the
// caller's projection of equity after this fill's fees, valued at the same
// marks) and either writes every staged delta through the Ledger atomically,
// auto-reconciles a small discrepancy and commits anyway, or discards
// leaving the ledger untouched. priceStep/maxQty feed the adaptive
// epsilon; finalMarkPrices is the frozen snapshot every symbol's value is
// computed against.
func (tx *Transaction) Commit(finalMarkPrices map[string]decimal.Decimal, expectedEquity decimal.Decimal, priceStep, maxQty decimal.Decimal) (CommitResult, error) {
	if tx.closed {
		return CommitResult{}, fmt.Errorf("portfolio: transaction already closed")
	}
	defer func() { tx.closed = true }()

	stagedCash := tx.previousCash.Add(tx.cashDelta)

	existingPositions, err := tx.ledger.ListPositions(tx.sessionID)
	if err != nil {
		return CommitResult{}, fmt.Errorf("portfolio: list positions: %w", err)
	}
	existingQty := make(map[string]decimal.Decimal, len(existingPositions))
	existingMark := make(map[string]decimal.Decimal, len(existingPositions))
	for _, p := range existingPositions {
		existingQty[p.Symbol] = p.Quantity
		existingMark[p.Symbol] = p.CurrentPrice
	}

	perSymbolDeltas := make(map[string]decimal.Decimal)
	stagedPositionsValue := decimal.Zero
	criticalErrors := make([]string, 0)
	var leakEpsilon decimal.Decimal

	// Union of touched symbols: staged deltas plus untouched existing positions
	// carried forward at their final mark price, or at the price the ledger
	// last recorded for them when finalMarkPrices has none.
	touched := make(map[string]struct{})
	for sym := range tx.positions {
		touched[sym] = struct{}{}
	}
	for sym := range existingQty {
		touched[sym] = struct{}{}
	}

	for sym := range touched {
		finalQty := existingQty[sym]
		mark := existingMark[sym]
		if d, ok := tx.positions[sym]; ok {
			finalQty = finalQty.Add(d.qtyDelta)
			mark = d.markPrice
		}
		if m, ok := finalMarkPrices[sym]; ok {
			mark = m
		}

		value := finalQty.Mul(mark)
		stagedPositionsValue = stagedPositionsValue.Add(value)

		if !finalQty.IsZero() {
			symbolEpsilon := decimal.NewFromInt(3).Mul(priceStep).Mul(finalQty.Abs())
			leakEpsilon = leakEpsilon.Add(symbolEpsilon)
		}
		perSymbolDeltas[sym] = value
	}

	stagedEquity := stagedCash.Add(stagedPositionsValue)

	if stagedCash.IsNegative() {
		criticalErrors = append(criticalErrors, fmt.Sprintf("negative_staged_cash_%s", stagedCash.StringFixed(2)))
	}
	if stagedEquity.IsNegative() {
		criticalErrors = append(criticalErrors, fmt.Sprintf("negative_staged_equity_%s", stagedEquity.StringFixed(2)))
	}
	if !tx.previousEquity.IsZero() {
		leakFraction := leakEpsilon.Div(tx.previousEquity.Abs())
		if leakFraction.GreaterThan(decimal.NewFromFloat(0.01)) {
			criticalErrors = append(criticalErrors, fmt.Sprintf("cross_symbol_qty_leak_%s_pct", leakFraction.Mul(decimal.NewFromInt(100)).StringFixed(4)))
		}
	}
	if err := tx.checkLotPositionConsistency(); err != nil {
		criticalErrors = append(criticalErrors, err.Error())
	}

	floor := baseEpsilon
	if tx.epsilonFloor.IsPositive() {
		floor = tx.epsilonFloor
	}
	epsilon := decimal.Max(floor, decimal.NewFromInt(3).Mul(priceStep).Mul(maxQty), decimal.NewFromFloat(0.0001).Mul(tx.previousEquity.Abs()))
	equityDelta := stagedEquity.Sub(expectedEquity).Abs()

	diff := Diff{
		StagedCash:       stagedCash,
		StagedEquity:      stagedEquity,
		ExpectedEquity:    expectedEquity,
		EquityDelta:       equityDelta,
		Epsilon:           epsilon,
		FeeDiscrepancy:    tx.feesStaged,
		RoundingResidual:  equityDelta,
		PerSymbolDeltas:   perSymbolDeltas,
		CriticalErrors:    criticalErrors,
	}

	if len(criticalErrors) > 0 {
		return CommitResult{Outcome: OutcomeDiscarded, Diff: diff}, nil
	}

	if equityDelta.LessThanOrEqual(epsilon) {
		if err := tx.writeThrough(finalMarkPrices); err != nil {
			diff.CriticalErrors = append(diff.CriticalErrors, fmt.Sprintf("write_through_failed_%s", err.Error()))
			return CommitResult{Outcome: OutcomeDiscarded, Diff: diff}, err
		}
		return CommitResult{Outcome: OutcomeCommitted, Diff: diff}, nil
	}

	reconcilePct := equityDelta.Div(decimal.Max(tx.previousEquity.Abs(), decimal.NewFromInt(1)))
	if reconcilePct.LessThanOrEqual(maxAutoReconcilePct) {
		if err := tx.writeThrough(finalMarkPrices); err != nil {
			diff.CriticalErrors = append(diff.CriticalErrors, fmt.Sprintf("write_through_failed_%s", err.Error()))
			return CommitResult{Outcome: OutcomeDiscarded, Diff: diff}, err
		}
		return CommitResult{Outcome: OutcomeReconciled, Diff: diff}, nil
	}

	return CommitResult{Outcome: OutcomeDiscarded, Diff: diff}, nil
}

// checkLotPositionConsistency verifies every staged lot consumption does
// not exceed the symbol's remaining lot inventory — a mismatch here is
// always critical per spec §4.3.
func (tx *Transaction) checkLotPositionConsistency() error {
	bySymbol := make(map[string]decimal.Decimal)
	for _, c := range tx.lotConsumes {
		bySymbol[c.symbol] = bySymbol[c.symbol].Add(c.qty)
	}
	for symbol, wanted := range bySymbol {
		lots, err := tx.ledger.ListLots(tx.sessionID, symbol)
		if err != nil {
			return fmt.Errorf("lot_position_mismatch_%s_list_error", symbol)
		}
		available := decimal.Zero
		for _, l := range lots {
			available = available.Add(l.QuantityRemaining)
		}
		if wanted.GreaterThan(available) {
			return fmt.Errorf("lot_position_mismatch_%s_want_%s_have_%s", symbol, wanted.StringFixed(8), available.StringFixed(8))
		}
	}
	return nil
}

// writeThrough applies every staged delta to the Ledger inside one
// journal.Ledger.WithTx call: the cash debit/credit, every touched
// position's upsert and mark update, every lot add and consumption, and
// the final cash_equity snapshot all land in the same database
// transaction, so a failure on any step (e.g. ConsumeLots hitting a lock
// timeout) rolls back everything staged before it instead of leaving
// partial rows — the "single atomic batch" spec §4.3 requires.
func (tx *Transaction) writeThrough(finalMarkPrices map[string]decimal.Decimal) error {
	return tx.ledger.WithTx(func(l journal.Ledger) error {
		if !tx.cashDelta.IsZero() {
			if tx.cashDelta.IsPositive() {
				if _, err := l.CreditCash(tx.sessionID, tx.cashDelta, tx.feesStaged); err != nil {
					return fmt.Errorf("portfolio: credit cash: %w", err)
				}
			} else {
				if _, err := l.DebitCash(tx.sessionID, tx.cashDelta.Abs(), tx.feesStaged); err != nil {
					return fmt.Errorf("portfolio: debit cash: %w", err)
				}
			}
		}

		for symbol, d := range tx.positions {
			if !d.qtyDelta.IsZero() {
				if err := l.UpsertPosition(tx.sessionID, symbol, d.qtyDelta, d.entryPrice); err != nil {
					return fmt.Errorf("portfolio: upsert position %s: %w", symbol, err)
				}
			}
			if mark, ok := finalMarkPrices[symbol]; ok {
				if err := l.UpdatePositionPrice(tx.sessionID, symbol, mark); err != nil && !errors.Is(err, journal.ErrPositionNotFound) {
					return fmt.Errorf("portfolio: update position price %s: %w", symbol, err)
				}
			}
		}

		for _, add := range tx.lotAdds {
			if _, err := l.AddLot(tx.sessionID, add.symbol, add.price, add.qty, add.openedAt); err != nil {
				return fmt.Errorf("portfolio: add lot %s: %w", add.symbol, err)
			}
		}
		for _, cons := range tx.lotConsumes {
			if _, err := l.ConsumeLots(tx.sessionID, cons.symbol, cons.qty); err != nil {
				return fmt.Errorf("portfolio: consume lots %s: %w", cons.symbol, err)
			}
		}

		latest, err := l.LatestCashEquity(tx.sessionID)
		if err != nil {
			return fmt.Errorf("portfolio: read latest cash_equity: %w", err)
		}
		cash, err := l.GetSessionCash(tx.sessionID)
		if err != nil {
			return fmt.Errorf("portfolio: read session cash: %w", err)
		}
		positions, err := l.ListPositions(tx.sessionID)
		if err != nil {
			return fmt.Errorf("portfolio: list positions: %w", err)
		}
		positionsValue := decimal.Zero
		unrealized := decimal.Zero
		for _, p := range positions {
			positionsValue = positionsValue.Add(p.Value)
			unrealized = unrealized.Add(p.UnrealizedPnL)
		}

		// DebitCash/CreditCash already folded feesStaged into total_fees when
		// cashDelta was non-zero; only add it here when no cash mutation ran.
		totalFees := latest.TotalFees
		if tx.cashDelta.IsZero() {
			totalFees = totalFees.Add(tx.feesStaged)
		}

		snap := journal.CashEquitySnapshot{
			SessionID:          tx.sessionID,
			CashBalance:        cash,
			TotalEquity:        cash.Add(positionsValue),
			TotalFees:          totalFees,
			TotalRealizedPnL:   latest.TotalRealizedPnL.Add(tx.realizedPnL),
			TotalUnrealizedPnL: unrealized,
		}
		if err := l.SaveCashEquity(snap); err != nil {
			return fmt.Errorf("portfolio: save cash_equity: %w", err)
		}

		return nil
	})
}

// Discard abandons the transaction without writing anything. It is always
// safe to call, including after Commit already ran.
func (tx *Transaction) Discard() {
	tx.closed = true
}
