package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cryptoportfolio/core/id"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteLedger is the durable, single-writer store. Every mutating method
// takes mu so only the cycle loop's serialized calls ever write; readers
// (ListPositions, GetSessionCash, ...) may run concurrently with the db's
// own locking and see only committed rows.
type SQLiteLedger struct {
	mu sync.Mutex
	db *sql.DB
}

const timeLayout = time.RFC3339Nano

// NewSQLite opens (creating if absent) a sqlite-backed ledger at path and
// applies Schema. Mirrors the teacher's journal.NewSQLite shape.
func NewSQLite(path string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %q: %w", path, err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: apply schema: %w", err)
	}
	return &SQLiteLedger{db: db}, nil
}

func (l *SQLiteLedger) Close() error { return l.db.Close() }

// atomic runs fn inside a transaction, rolling back on any error or panic
// so a mid-write store failure never leaves partial rows. Every mutating
// operation in this file goes through it.
func (l *SQLiteLedger) atomic(fn func(*sql.Tx) error) error {
	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("journal: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("journal: commit tx: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) openSessionTx(tx *sql.Tx, id string, initialCapital decimal.Decimal) (Session, error) {
	var exists int
	if err := tx.QueryRow(`SELECT COUNT(1) FROM sessions WHERE session_id = ?`, id).Scan(&exists); err != nil {
		return Session{}, fmt.Errorf("journal: check session exists: %w", err)
	}
	if exists > 0 {
		return Session{}, ErrSessionExists
	}

	now := time.Now().UTC()
	sess := Session{ID: id, InitialCapital: initialCapital, CreatedAt: now, Status: "open"}

	if _, err := tx.Exec(
		`INSERT INTO sessions (session_id, initial_capital, created_at, status) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.InitialCapital.String(), sess.CreatedAt.Format(timeLayout), sess.Status,
	); err != nil {
		return Session{}, err
	}
	if _, err := tx.Exec(
		`INSERT INTO cash_equity (session_id, cash_balance, total_equity, total_fees, total_realized_pnl, total_unrealized_pnl, updated_at)
		 VALUES (?, ?, ?, '0', '0', '0', ?)`,
		sess.ID, initialCapital.String(), initialCapital.String(), now.Format(timeLayout),
	); err != nil {
		return Session{}, err
	}
	return sess, nil
}

func (l *SQLiteLedger) OpenSession(id string, initialCapital decimal.Decimal) (Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var sess Session
	err := l.atomic(func(tx *sql.Tx) error {
		s, err := l.openSessionTx(tx, id, initialCapital)
		sess = s
		return err
	})
	if err != nil {
		if errors.Is(err, ErrSessionExists) {
			return Session{}, err
		}
		return Session{}, fmt.Errorf("journal: open session: %w", err)
	}
	return sess, nil
}

// rowQueryer abstracts over *sql.DB and *sql.Tx's QueryRow so the same
// single-row read logic serves both read-only callers and in-transaction
// callers inside WithTx.
type rowQueryer func(query string, args ...interface{}) *sql.Row

// GetSessionCash returns the latest cash_balance row, or recomputes
// initial − Σ(buy_notional+fees) + Σ(sell_notional−fees) from the trade
// log when no cash_equity row exists for the session.
func (l *SQLiteLedger) GetSessionCash(id string) (decimal.Decimal, error) {
	return l.getSessionCash(l.db.QueryRow, l.db.Query, id)
}

func (l *SQLiteLedger) getSessionCashTx(tx *sql.Tx, id string) (decimal.Decimal, error) {
	return l.getSessionCash(tx.QueryRow, tx.Query, id)
}

func (l *SQLiteLedger) getSessionCash(qr rowQueryer, q queryer, id string) (decimal.Decimal, error) {
	row := qr(
		`SELECT cash_balance FROM cash_equity WHERE session_id = ? ORDER BY id DESC LIMIT 1`, id,
	)
	var s string
	err := row.Scan(&s)
	if err == nil {
		return decimal.NewFromString(s)
	}
	if err != sql.ErrNoRows {
		return decimal.Decimal{}, fmt.Errorf("journal: get session cash: %w", err)
	}

	var capStr string
	if e := qr(`SELECT initial_capital FROM sessions WHERE session_id = ?`, id).Scan(&capStr); e != nil {
		if e == sql.ErrNoRows {
			return decimal.Decimal{}, ErrSessionNotFound
		}
		return decimal.Decimal{}, fmt.Errorf("journal: get session cash: %w", e)
	}
	cash, err := decimal.NewFromString(capStr)
	if err != nil {
		return decimal.Decimal{}, err
	}

	rows, err := q(`SELECT side, notional, fees FROM trades WHERE session_id = ?`, id)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("journal: recompute cash: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var side, notionalS, feesS string
		if err := rows.Scan(&side, &notionalS, &feesS); err != nil {
			return decimal.Decimal{}, err
		}
		notional, _ := decimal.NewFromString(notionalS)
		fees, _ := decimal.NewFromString(feesS)
		if side == "BUY" {
			cash = cash.Sub(notional).Sub(fees)
		} else {
			cash = cash.Add(notional).Sub(fees)
		}
	}
	return cash, rows.Err()
}

// LatestCashEquity returns the most recent cash_equity row for a session.
func (l *SQLiteLedger) LatestCashEquity(sessionID string) (CashEquitySnapshot, error) {
	return l.latestCashEquity(l.db.QueryRow, sessionID)
}

func (l *SQLiteLedger) latestCashEquityTx(tx *sql.Tx, sessionID string) (CashEquitySnapshot, error) {
	return l.latestCashEquity(tx.QueryRow, sessionID)
}

func (l *SQLiteLedger) latestCashEquity(qr rowQueryer, sessionID string) (CashEquitySnapshot, error) {
	row := qr(
		`SELECT cash_balance, total_equity, total_fees, total_realized_pnl, total_unrealized_pnl, updated_at
		 FROM cash_equity WHERE session_id = ? ORDER BY id DESC LIMIT 1`, sessionID)
	var cash, equity, fees, realized, unrealized, updatedAt string
	if err := row.Scan(&cash, &equity, &fees, &realized, &unrealized, &updatedAt); err != nil {
		return CashEquitySnapshot{}, fmt.Errorf("journal: latest cash equity: %w", err)
	}
	parse := func(s string) decimal.Decimal { v, _ := decimal.NewFromString(s); return v }
	t, _ := time.Parse(timeLayout, updatedAt)
	return CashEquitySnapshot{
		SessionID: sessionID, CashBalance: parse(cash), TotalEquity: parse(equity),
		TotalFees: parse(fees), TotalRealizedPnL: parse(realized), TotalUnrealizedPnL: parse(unrealized),
		UpdatedAt: t,
	}, nil
}

func (l *SQLiteLedger) SaveCashEquity(snap CashEquitySnapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.atomic(func(tx *sql.Tx) error { return l.insertCashEquity(tx, snap) })
}

func (l *SQLiteLedger) insertCashEquity(tx *sql.Tx, snap CashEquitySnapshot) error {
	updatedAt := snap.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := tx.Exec(
		`INSERT INTO cash_equity (session_id, cash_balance, total_equity, total_fees, total_realized_pnl, total_unrealized_pnl, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.SessionID, snap.CashBalance.String(), snap.TotalEquity.String(),
		snap.TotalFees.String(), snap.TotalRealizedPnL.String(), snap.TotalUnrealizedPnL.String(),
		updatedAt.Format(timeLayout),
	)
	return err
}

// positionsValueLocked sums qty*current_price across every consolidated
// position in the session. Caller must hold l.mu.
func (l *SQLiteLedger) positionsValueLocked(tx *sql.Tx, sessionID string) (decimal.Decimal, error) {
	positions, err := l.listPositionsTx(tx, sessionID)
	if err != nil {
		return decimal.Decimal{}, err
	}
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(p.Quantity.Mul(p.CurrentPrice))
	}
	return total, nil
}

// DebitCash atomically lowers cash and recomputes + persists equity. The
// equity recomputation is mandatory: it is never carried forward stale,
// per spec §4.1/§9.
func (l *SQLiteLedger) DebitCash(sessionID string, amount, feesPortion decimal.Decimal) (decimal.Decimal, error) {
	return l.mutateCash(sessionID, amount.Neg(), feesPortion, decimal.Zero)
}

// CreditCash is the symmetric increase.
func (l *SQLiteLedger) CreditCash(sessionID string, amount, feesPortion decimal.Decimal) (decimal.Decimal, error) {
	return l.mutateCash(sessionID, amount, feesPortion, decimal.Zero)
}

func (l *SQLiteLedger) mutateCashTx(tx *sql.Tx, sessionID string, delta, feesPortion, realizedDelta decimal.Decimal) (decimal.Decimal, error) {
	prev, err := l.latestCashEquityTx(tx, sessionID)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("journal: mutate cash: %w", err)
	}
	newCash := prev.CashBalance.Add(delta)
	positionsValue, err := l.positionsValueLocked(tx, sessionID)
	if err != nil {
		return decimal.Decimal{}, err
	}
	newEquity := newCash.Add(positionsValue)
	if err := l.insertCashEquity(tx, CashEquitySnapshot{
		SessionID:          sessionID,
		CashBalance:        newCash,
		TotalEquity:        newEquity,
		TotalFees:          prev.TotalFees.Add(feesPortion),
		TotalRealizedPnL:   prev.TotalRealizedPnL.Add(realizedDelta),
		TotalUnrealizedPnL: prev.TotalUnrealizedPnL,
		UpdatedAt:          time.Now().UTC(),
	}); err != nil {
		return decimal.Decimal{}, err
	}
	return newCash, nil
}

func (l *SQLiteLedger) mutateCash(sessionID string, delta, feesPortion, realizedDelta decimal.Decimal) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var newCash decimal.Decimal
	err := l.atomic(func(tx *sql.Tx) error {
		nc, err := l.mutateCashTx(tx, sessionID, delta, feesPortion, realizedDelta)
		newCash = nc
		return err
	})
	if err != nil {
		return decimal.Decimal{}, err
	}
	return newCash, nil
}

// UpsertPosition merges on (symbol, session) regardless of strategy, per
// spec §4.1: strategy is metadata, never a discriminator.
func (l *SQLiteLedger) UpsertPosition(sessionID, symbol string, qtyDelta, entryPrice decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.atomic(func(tx *sql.Tx) error { return l.upsertPositionTx(tx, sessionID, symbol, qtyDelta, entryPrice) })
}

func (l *SQLiteLedger) upsertPositionTx(tx *sql.Tx, sessionID, symbol string, qtyDelta, entryPrice decimal.Decimal) error {
	existing, err := l.getPositionTx(tx, sessionID, symbol)
	notFound := err == ErrPositionNotFound
	if err != nil && !notFound {
		return err
	}

	var newQty, newEntry decimal.Decimal
	if notFound || existing.IsFlat() {
		newQty = qtyDelta
		newEntry = entryPrice
	} else {
		totalQty := existing.Quantity.Add(qtyDelta)
		if totalQty.IsZero() {
			newQty = decimal.Zero
			newEntry = existing.EntryPrice
		} else if sameSign(existing.Quantity, qtyDelta) || existing.Quantity.IsZero() {
			// Adding to the position: weighted-average entry price.
			totalCost := existing.Quantity.Mul(existing.EntryPrice).Add(qtyDelta.Mul(entryPrice))
			newQty = totalQty
			newEntry = totalCost.Div(totalQty)
		} else {
			// Reducing: keep the existing cost basis for what remains.
			newQty = totalQty
			newEntry = existing.EntryPrice
		}
	}

	if newQty.IsZero() {
		_, err := tx.Exec(`DELETE FROM positions WHERE session_id = ? AND symbol = ?`, sessionID, symbol)
		return err
	}

	currentPrice := newEntry
	if !notFound && !existing.CurrentPrice.IsZero() {
		currentPrice = existing.CurrentPrice
	}
	value := newQty.Mul(currentPrice)
	unrealized := currentPrice.Sub(newEntry).Mul(newQty)

	_, delErr := tx.Exec(`DELETE FROM positions WHERE session_id = ? AND symbol = ?`, sessionID, symbol)
	if delErr != nil {
		return delErr
	}
	strategy := "unknown"
	if !notFound && existing.Strategy != "" {
		strategy = existing.Strategy
	}
	_, err = tx.Exec(
		`INSERT INTO positions (symbol, session_id, quantity, entry_price, current_price, value, unrealized_pnl, strategy)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		symbol, sessionID, newQty.String(), newEntry.String(), currentPrice.String(),
		value.String(), unrealized.String(), strategy,
	)
	return err
}

func sameSign(a, b decimal.Decimal) bool {
	return (a.Sign() >= 0 && b.Sign() >= 0) || (a.Sign() <= 0 && b.Sign() <= 0)
}

func (l *SQLiteLedger) UpdatePositionPrice(sessionID, symbol string, price decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.atomic(func(tx *sql.Tx) error { return l.updatePositionPriceTx(tx, sessionID, symbol, price) })
}

func (l *SQLiteLedger) updatePositionPriceTx(tx *sql.Tx, sessionID, symbol string, price decimal.Decimal) error {
	pos, err := l.getPositionTx(tx, sessionID, symbol)
	if err != nil {
		return err
	}
	pos.CurrentPrice = price
	pos.Value = pos.Quantity.Mul(price)
	pos.UnrealizedPnL = price.Sub(pos.EntryPrice).Mul(pos.Quantity)
	_, err = tx.Exec(
		`UPDATE positions SET current_price = ?, value = ?, unrealized_pnl = ? WHERE session_id = ? AND symbol = ?`,
		pos.CurrentPrice.String(), pos.Value.String(), pos.UnrealizedPnL.String(), sessionID, symbol,
	)
	return err
}

func (l *SQLiteLedger) RemovePosition(sessionID, symbol string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.atomic(func(tx *sql.Tx) error { return l.removePositionTx(tx, sessionID, symbol) })
}

func (l *SQLiteLedger) removePositionTx(tx *sql.Tx, sessionID, symbol string) error {
	_, err := tx.Exec(`DELETE FROM positions WHERE session_id = ? AND symbol = ?`, sessionID, symbol)
	return err
}

func (l *SQLiteLedger) GetPosition(sessionID, symbol string) (Position, error) {
	return l.getPositionSQL(l.db.Query, sessionID, symbol)
}

// queryer abstracts over *sql.DB and *sql.Tx so the same consolidation
// logic serves both read-only callers and in-transaction callers.
type queryer func(query string, args ...interface{}) (*sql.Rows, error)

func (l *SQLiteLedger) getPositionSQL(q queryer, sessionID, symbol string) (Position, error) {
	rows, err := q(`SELECT symbol, session_id, quantity, entry_price, current_price, value, unrealized_pnl, strategy
	                FROM positions WHERE session_id = ? AND symbol = ?`, sessionID, symbol)
	if err != nil {
		return Position{}, fmt.Errorf("journal: get position: %w", err)
	}
	defer rows.Close()
	dupes, err := scanPositions(rows)
	if err != nil {
		return Position{}, err
	}
	if len(dupes) == 0 {
		return Position{}, ErrPositionNotFound
	}
	return consolidate(dupes), nil
}

func (l *SQLiteLedger) getPositionTx(tx *sql.Tx, sessionID, symbol string) (Position, error) {
	return l.getPositionSQL(tx.Query, sessionID, symbol)
}

func (l *SQLiteLedger) ListPositions(sessionID string) ([]Position, error) {
	return l.listPositionsSQL(l.db.Query, sessionID)
}

func (l *SQLiteLedger) listPositionsTx(tx *sql.Tx, sessionID string) ([]Position, error) {
	return l.listPositionsSQL(tx.Query, sessionID)
}

func (l *SQLiteLedger) listPositionsSQL(q queryer, sessionID string) ([]Position, error) {
	rows, err := q(`SELECT symbol, session_id, quantity, entry_price, current_price, value, unrealized_pnl, strategy
	                FROM positions WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("journal: list positions: %w", err)
	}
	defer rows.Close()
	all, err := scanPositions(rows)
	if err != nil {
		return nil, err
	}

	bySymbol := make(map[string][]Position)
	for _, p := range all {
		bySymbol[p.Symbol] = append(bySymbol[p.Symbol], p)
	}
	symbols := make([]string, 0, len(bySymbol))
	for s := range bySymbol {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	out := make([]Position, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, consolidate(bySymbol[s]))
	}
	return out, nil
}

func scanPositions(rows *sql.Rows) ([]Position, error) {
	var out []Position
	for rows.Next() {
		var p Position
		var qty, entry, current, value, unrealized string
		if err := rows.Scan(&p.Symbol, &p.SessionID, &qty, &entry, &current, &value, &unrealized, &p.Strategy); err != nil {
			return nil, err
		}
		p.Quantity, _ = decimal.NewFromString(qty)
		p.EntryPrice, _ = decimal.NewFromString(entry)
		p.CurrentPrice, _ = decimal.NewFromString(current)
		p.Value, _ = decimal.NewFromString(value)
		p.UnrealizedPnL, _ = decimal.NewFromString(unrealized)
		out = append(out, p)
	}
	return out, rows.Err()
}

// consolidate merges legacy duplicate rows for the same (symbol, session):
// quantities sum, entry price is the quantity-weighted average, and the
// strategy field becomes the literal "consolidated" when the dupes
// disagree. This is a read-path compatibility shim, not desired
// steady-state behavior — writes always target the single-row form.
func consolidate(rows []Position) Position {
	if len(rows) == 1 {
		return rows[0]
	}

	out := Position{Symbol: rows[0].Symbol, SessionID: rows[0].SessionID, CurrentPrice: rows[0].CurrentPrice}
	totalQty := decimal.Zero
	totalCost := decimal.Zero
	strategy := rows[0].Strategy
	for _, r := range rows {
		totalQty = totalQty.Add(r.Quantity)
		totalCost = totalCost.Add(r.Quantity.Mul(r.EntryPrice))
		if r.Strategy != strategy {
			strategy = "consolidated"
		}
		if r.CurrentPrice.GreaterThan(out.CurrentPrice) {
			out.CurrentPrice = r.CurrentPrice
		}
	}
	out.Quantity = totalQty
	if !totalQty.IsZero() {
		out.EntryPrice = totalCost.Div(totalQty)
	}
	out.Value = out.Quantity.Mul(out.CurrentPrice)
	out.UnrealizedPnL = out.CurrentPrice.Sub(out.EntryPrice).Mul(out.Quantity)
	out.Strategy = strategy
	return out
}

func (l *SQLiteLedger) AddLot(sessionID, symbol string, price, qty decimal.Decimal, openedAt time.Time) (Lot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var lot Lot
	err := l.atomic(func(tx *sql.Tx) error {
		lt, err := l.addLotTx(tx, sessionID, symbol, price, qty, openedAt)
		lot = lt
		return err
	})
	if err != nil {
		return Lot{}, fmt.Errorf("journal: add lot: %w", err)
	}
	return lot, nil
}

func (l *SQLiteLedger) addLotTx(tx *sql.Tx, sessionID, symbol string, price, qty decimal.Decimal, openedAt time.Time) (Lot, error) {
	lot := Lot{LotID: newLotID(), Symbol: symbol, SessionID: sessionID, EntryPriceInclFees: price, QuantityRemaining: qty, OpenedAt: openedAt}
	_, err := tx.Exec(
		`INSERT INTO lots (lot_id, symbol, session_id, entry_price_incl_fees, quantity_remaining, opened_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		lot.LotID, symbol, sessionID, price.String(), qty.String(), openedAt.Format(timeLayout),
	)
	if err != nil {
		return Lot{}, err
	}
	return lot, nil
}

// newLotID is a var so tests can override it deterministically.
var newLotID = id.NewLot

// ConsumeLots consumes qty (positive) from the oldest lots first and
// returns the per-lot consumption for cost-basis computation. Returns
// ErrInsufficientLots — a critical error per spec §4.3 — if qty exceeds
// what is on hand.
func (l *SQLiteLedger) ConsumeLots(sessionID, symbol string, qty decimal.Decimal) ([]ConsumedLot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var consumed []ConsumedLot
	err := l.atomic(func(tx *sql.Tx) error {
		c, err := l.consumeLotsTx(tx, sessionID, symbol, qty)
		consumed = c
		return err
	})
	if err != nil {
		return nil, err
	}
	return consumed, nil
}

func (l *SQLiteLedger) consumeLotsTx(tx *sql.Tx, sessionID, symbol string, qty decimal.Decimal) ([]ConsumedLot, error) {
	rows, err := tx.Query(
		`SELECT lot_id, entry_price_incl_fees, quantity_remaining, opened_at FROM lots
		 WHERE session_id = ? AND symbol = ? ORDER BY opened_at ASC, lot_id ASC`, sessionID, symbol)
	if err != nil {
		return nil, err
	}
	type row struct {
		id, price, qty, openedAt string
	}
	var lots []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.price, &r.qty, &r.openedAt); err != nil {
			rows.Close()
			return nil, err
		}
		lots = append(lots, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var consumed []ConsumedLot
	remaining := qty
	for _, r := range lots {
		if remaining.IsZero() || remaining.IsNegative() {
			break
		}
		qtyRemaining, _ := decimal.NewFromString(r.qty)
		price, _ := decimal.NewFromString(r.price)
		openedAt, _ := time.Parse(timeLayout, r.openedAt)

		take := decimal.Min(qtyRemaining, remaining)
		newRemaining := qtyRemaining.Sub(take)

		if newRemaining.IsZero() {
			if _, err := tx.Exec(`DELETE FROM lots WHERE lot_id = ?`, r.id); err != nil {
				return nil, err
			}
		} else {
			if _, err := tx.Exec(`UPDATE lots SET quantity_remaining = ? WHERE lot_id = ?`, newRemaining.String(), r.id); err != nil {
				return nil, err
			}
		}

		consumed = append(consumed, ConsumedLot{
			Lot:         Lot{LotID: r.id, Symbol: symbol, SessionID: sessionID, EntryPriceInclFees: price, QuantityRemaining: qtyRemaining, OpenedAt: openedAt},
			QtyConsumed: take,
		})
		remaining = remaining.Sub(take)
	}

	if remaining.GreaterThan(decimal.Zero) {
		return nil, ErrInsufficientLots
	}
	return consumed, nil
}

func (l *SQLiteLedger) ListLots(sessionID, symbol string) ([]Lot, error) {
	return l.listLots(l.db.Query, sessionID, symbol)
}

func (l *SQLiteLedger) listLotsTx(tx *sql.Tx, sessionID, symbol string) ([]Lot, error) {
	return l.listLots(tx.Query, sessionID, symbol)
}

func (l *SQLiteLedger) listLots(q queryer, sessionID, symbol string) ([]Lot, error) {
	rows, err := q(
		`SELECT lot_id, entry_price_incl_fees, quantity_remaining, opened_at FROM lots
		 WHERE session_id = ? AND symbol = ? ORDER BY opened_at ASC, lot_id ASC`, sessionID, symbol)
	if err != nil {
		return nil, fmt.Errorf("journal: list lots: %w", err)
	}
	defer rows.Close()

	var out []Lot
	for rows.Next() {
		var lot Lot
		var price, qty, openedAt string
		lot.SessionID, lot.Symbol = sessionID, symbol
		if err := rows.Scan(&lot.LotID, &price, &qty, &openedAt); err != nil {
			return nil, err
		}
		lot.EntryPriceInclFees, _ = decimal.NewFromString(price)
		lot.QuantityRemaining, _ = decimal.NewFromString(qty)
		lot.OpenedAt, _ = time.Parse(timeLayout, openedAt)
		out = append(out, lot)
	}
	return out, rows.Err()
}

// AppendTrade writes an immutable fill record. Per spec §3 invariant 6,
// callers are responsible for executed_at being monotonically
// non-decreasing; AppendTrade does not reorder or reject out-of-order
// timestamps itself (the cycle loop is strictly sequential so this never
// arises in practice).
func (l *SQLiteLedger) AppendTrade(t TradeRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.atomic(func(tx *sql.Tx) error { return l.appendTradeTx(tx, t) })
}

func (l *SQLiteLedger) appendTradeTx(tx *sql.Tx, t TradeRecord) error {
	var realizedStr interface{}
	if t.RealizedPnL != nil {
		realizedStr = t.RealizedPnL.String()
	}
	var exitReason interface{}
	if t.ExitReason != "" {
		exitReason = t.ExitReason
	}
	_, err := tx.Exec(
		`INSERT INTO trades (trade_id, session_id, symbol, side, quantity, mark_price, effective_fill_price,
		 slippage_bps, fee_bps, fees, notional, strategy, exit_reason, realized_pnl, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TradeID, t.SessionID, t.Symbol, t.Side, t.Quantity.String(), t.MarkPrice.String(),
		t.EffectiveFillPrice.String(), t.SlippageBps.String(), t.FeeBps.String(), t.Fees.String(),
		t.Notional.String(), t.Strategy, exitReason, realizedStr, t.ExecutedAt.Format(timeLayout),
	)
	return err
}

func (l *SQLiteLedger) ListTrades(sessionID string) ([]TradeRecord, error) {
	return l.listTrades(l.db.Query, sessionID)
}

func (l *SQLiteLedger) listTradesTx(tx *sql.Tx, sessionID string) ([]TradeRecord, error) {
	return l.listTrades(tx.Query, sessionID)
}

func (l *SQLiteLedger) listTrades(q queryer, sessionID string) ([]TradeRecord, error) {
	rows, err := q(
		`SELECT trade_id, session_id, symbol, side, quantity, mark_price, effective_fill_price,
		 slippage_bps, fee_bps, fees, notional, strategy, exit_reason, realized_pnl, executed_at
		 FROM trades WHERE session_id = ? ORDER BY executed_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("journal: list trades: %w", err)
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var t TradeRecord
		var qty, mark, eff, slip, feeBps, fees, notional, executedAt string
		var exitReason, realized sql.NullString
		if err := rows.Scan(&t.TradeID, &t.SessionID, &t.Symbol, &t.Side, &qty, &mark, &eff,
			&slip, &feeBps, &fees, &notional, &t.Strategy, &exitReason, &realized, &executedAt); err != nil {
			return nil, err
		}
		t.Quantity, _ = decimal.NewFromString(qty)
		t.MarkPrice, _ = decimal.NewFromString(mark)
		t.EffectiveFillPrice, _ = decimal.NewFromString(eff)
		t.SlippageBps, _ = decimal.NewFromString(slip)
		t.FeeBps, _ = decimal.NewFromString(feeBps)
		t.Fees, _ = decimal.NewFromString(fees)
		t.Notional, _ = decimal.NewFromString(notional)
		t.ExitReason = exitReason.String
		if realized.Valid {
			d, _ := decimal.NewFromString(realized.String)
			t.RealizedPnL = &d
		}
		t.ExecutedAt, _ = time.Parse(timeLayout, executedAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// WithTx runs fn once against a single database transaction: every call fn
// makes through the Ledger it receives lands in that one transaction and
// either all commit together or none do. This is what lets a multi-step
// write — portfolio.Transaction.writeThrough's cash/position/lot/trade
// sequence, say — behave as the single atomic batch spec §4.3 requires,
// instead of each step committing (and being durable) independently.
//
// l.mu is held for the whole call, same as every other mutating method; fn
// must not call WithTx again or this deadlocks.
func (l *SQLiteLedger) WithTx(fn func(Ledger) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("journal: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&txLedger{l: l, tx: tx}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("journal: commit tx: %w", err)
	}
	return nil
}

// txLedger adapts one in-flight *sql.Tx into the Ledger interface, so code
// inside a WithTx callback calls the same methods it would outside one —
// each just lands in the shared transaction instead of opening its own.
type txLedger struct {
	l  *SQLiteLedger
	tx *sql.Tx
}

func (t *txLedger) OpenSession(id string, initialCapital decimal.Decimal) (Session, error) {
	sess, err := t.l.openSessionTx(t.tx, id, initialCapital)
	if err != nil && !errors.Is(err, ErrSessionExists) {
		return Session{}, fmt.Errorf("journal: open session: %w", err)
	}
	return sess, err
}

func (t *txLedger) GetSessionCash(id string) (decimal.Decimal, error) {
	return t.l.getSessionCashTx(t.tx, id)
}

func (t *txLedger) LatestCashEquity(sessionID string) (CashEquitySnapshot, error) {
	return t.l.latestCashEquityTx(t.tx, sessionID)
}

func (t *txLedger) SaveCashEquity(snap CashEquitySnapshot) error {
	return t.l.insertCashEquity(t.tx, snap)
}

func (t *txLedger) DebitCash(sessionID string, amount, feesPortion decimal.Decimal) (decimal.Decimal, error) {
	return t.l.mutateCashTx(t.tx, sessionID, amount.Neg(), feesPortion, decimal.Zero)
}

func (t *txLedger) CreditCash(sessionID string, amount, feesPortion decimal.Decimal) (decimal.Decimal, error) {
	return t.l.mutateCashTx(t.tx, sessionID, amount, feesPortion, decimal.Zero)
}

func (t *txLedger) UpsertPosition(sessionID, symbol string, qtyDelta, entryPrice decimal.Decimal) error {
	return t.l.upsertPositionTx(t.tx, sessionID, symbol, qtyDelta, entryPrice)
}

func (t *txLedger) UpdatePositionPrice(sessionID, symbol string, price decimal.Decimal) error {
	return t.l.updatePositionPriceTx(t.tx, sessionID, symbol, price)
}

func (t *txLedger) RemovePosition(sessionID, symbol string) error {
	return t.l.removePositionTx(t.tx, sessionID, symbol)
}

func (t *txLedger) GetPosition(sessionID, symbol string) (Position, error) {
	return t.l.getPositionTx(t.tx, sessionID, symbol)
}

func (t *txLedger) ListPositions(sessionID string) ([]Position, error) {
	return t.l.listPositionsTx(t.tx, sessionID)
}

func (t *txLedger) AddLot(sessionID, symbol string, price, qty decimal.Decimal, openedAt time.Time) (Lot, error) {
	return t.l.addLotTx(t.tx, sessionID, symbol, price, qty, openedAt)
}

func (t *txLedger) ConsumeLots(sessionID, symbol string, qty decimal.Decimal) ([]ConsumedLot, error) {
	return t.l.consumeLotsTx(t.tx, sessionID, symbol, qty)
}

func (t *txLedger) ListLots(sessionID, symbol string) ([]Lot, error) {
	return t.l.listLotsTx(t.tx, sessionID, symbol)
}

func (t *txLedger) AppendTrade(tr TradeRecord) error {
	return t.l.appendTradeTx(t.tx, tr)
}

func (t *txLedger) ListTrades(sessionID string) ([]TradeRecord, error) {
	return t.l.listTradesTx(t.tx, sessionID)
}

func (t *txLedger) WithTx(fn func(Ledger) error) error {
	return fmt.Errorf("journal: WithTx is not reentrant")
}

func (t *txLedger) Close() error {
	return fmt.Errorf("journal: Close is not valid inside WithTx")
}
