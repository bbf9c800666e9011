// journal/schema.go
package journal

// Schema is the durable store layout for the State Ledger (spec §4.1,
// §3). All monetary/quantity columns are stored as TEXT holding a decimal
// literal — sqlite has no fixed-point numeric type, and storing a float
// column would reintroduce exactly the float-contamination bug spec.md §9
// warns against.
const Schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id      TEXT PRIMARY KEY,
	initial_capital TEXT NOT NULL,
	created_at      DATETIME NOT NULL,
	status          TEXT NOT NULL DEFAULT 'open'
);

CREATE TABLE IF NOT EXISTS cash_equity (
	id                    INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id            TEXT NOT NULL,
	cash_balance          TEXT NOT NULL,
	total_equity          TEXT NOT NULL,
	total_fees            TEXT NOT NULL,
	total_realized_pnl    TEXT NOT NULL,
	total_unrealized_pnl  TEXT NOT NULL,
	updated_at            DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cash_equity_session_time
	ON cash_equity(session_id, updated_at);

-- Legacy rows keyed on (symbol, strategy, session) may exist from a prior
-- schema generation. The table has no UNIQUE constraint: writes keep one row
-- per (symbol, session) by replacing it, and reads consolidate duplicates
-- (see consolidate in sqlite.go).
CREATE TABLE IF NOT EXISTS positions (
	symbol         TEXT NOT NULL,
	session_id     TEXT NOT NULL,
	quantity       TEXT NOT NULL,
	entry_price    TEXT NOT NULL,
	current_price  TEXT NOT NULL,
	value          TEXT NOT NULL,
	unrealized_pnl TEXT NOT NULL,
	strategy       TEXT NOT NULL DEFAULT 'unknown'
);
CREATE INDEX IF NOT EXISTS idx_positions_session_symbol
	ON positions(session_id, symbol);

CREATE TABLE IF NOT EXISTS lots (
	lot_id                TEXT PRIMARY KEY,
	symbol                TEXT NOT NULL,
	session_id            TEXT NOT NULL,
	entry_price_incl_fees TEXT NOT NULL,
	quantity_remaining    TEXT NOT NULL,
	opened_at             DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_lots_symbol_session_opened
	ON lots(session_id, symbol, opened_at);

CREATE TABLE IF NOT EXISTS trades (
	trade_id              TEXT PRIMARY KEY,
	session_id            TEXT NOT NULL,
	symbol                TEXT NOT NULL,
	side                  TEXT NOT NULL,
	quantity              TEXT NOT NULL,
	mark_price            TEXT NOT NULL,
	effective_fill_price  TEXT NOT NULL,
	slippage_bps          TEXT NOT NULL,
	fee_bps               TEXT NOT NULL,
	fees                  TEXT NOT NULL,
	notional              TEXT NOT NULL,
	strategy              TEXT NOT NULL DEFAULT 'unknown',
	exit_reason           TEXT,
	realized_pnl          TEXT,
	executed_at           DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_session_executed
	ON trades(session_id, executed_at);
`
