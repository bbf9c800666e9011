// Package journal is the State Ledger (spec §4.1): the durable,
// single-writer store of authoritative cash, equity, positions, lots, and
// trades for every session. Only the cycle loop may call its mutating
// operations; reporters may read concurrently and see committed-only
// state.
package journal

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Session is the root scope for all mutable state.
type Session struct {
	ID             string
	InitialCapital decimal.Decimal
	CreatedAt      time.Time
	Status         string // "open" | "closed"
}

// CashEquitySnapshot is one append-only row of the cash_equity log.
type CashEquitySnapshot struct {
	SessionID          string
	CashBalance        decimal.Decimal
	TotalEquity        decimal.Decimal
	TotalFees          decimal.Decimal
	TotalRealizedPnL   decimal.Decimal
	TotalUnrealizedPnL decimal.Decimal
	UpdatedAt          time.Time
}

// Position is one (symbol, session) row. Strategy is metadata only, never
// a discriminator — the uniqueness key is (symbol, session_id).
type Position struct {
	Symbol        string
	SessionID     string
	Quantity      decimal.Decimal
	EntryPrice    decimal.Decimal
	CurrentPrice  decimal.Decimal
	Value         decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Strategy      string
}

// IsFlat reports whether the position has collapsed to zero quantity.
func (p Position) IsFlat() bool {
	return p.Quantity.IsZero()
}

// Lot is a FIFO-ordered inventory record for one (symbol, session).
type Lot struct {
	LotID               string
	Symbol              string
	SessionID           string
	EntryPriceInclFees  decimal.Decimal
	QuantityRemaining   decimal.Decimal
	OpenedAt            time.Time
}

// TradeRecord is an immutable fill record, append-only once written.
type TradeRecord struct {
	TradeID             string
	SessionID           string
	Symbol              string
	Side                string // "BUY" | "SELL"
	Quantity            decimal.Decimal
	MarkPrice           decimal.Decimal
	EffectiveFillPrice  decimal.Decimal
	SlippageBps         decimal.Decimal
	FeeBps              decimal.Decimal
	Fees                decimal.Decimal
	Notional            decimal.Decimal
	Strategy            string
	ExitReason          string // empty for entries
	RealizedPnL         *decimal.Decimal
	ExecutedAt          time.Time
}

var (
	// ErrSessionExists is a programming error: opening an already-open
	// session id indicates the cycle loop double-initialized a session.
	ErrSessionExists = errors.New("journal: session already exists")
	// ErrSessionNotFound is returned when an operation targets an unknown session.
	ErrSessionNotFound = errors.New("journal: session not found")
	// ErrPositionNotFound is returned by lookups with no matching row.
	ErrPositionNotFound = errors.New("journal: position not found")
	// ErrInsufficientLots signals a lot/position quantity mismatch — a
	// critical error per spec §4.3, never silently tolerated.
	ErrInsufficientLots = errors.New("journal: insufficient lot quantity to consume")
)

// Ledger is the State Ledger contract. journal.SQLiteLedger is the only
// implementation; the interface exists so portfolio/risk/cycle depend on
// behavior, not storage.
type Ledger interface {
	OpenSession(id string, initialCapital decimal.Decimal) (Session, error)
	GetSessionCash(id string) (decimal.Decimal, error)
	LatestCashEquity(sessionID string) (CashEquitySnapshot, error)
	SaveCashEquity(snap CashEquitySnapshot) error
	DebitCash(sessionID string, amount, feesPortion decimal.Decimal) (decimal.Decimal, error)
	CreditCash(sessionID string, amount, feesPortion decimal.Decimal) (decimal.Decimal, error)

	UpsertPosition(sessionID, symbol string, qtyDelta, entryPrice decimal.Decimal) error
	UpdatePositionPrice(sessionID, symbol string, price decimal.Decimal) error
	RemovePosition(sessionID, symbol string) error
	GetPosition(sessionID, symbol string) (Position, error)
	ListPositions(sessionID string) ([]Position, error)

	AddLot(sessionID, symbol string, price, qty decimal.Decimal, openedAt time.Time) (Lot, error)
	ConsumeLots(sessionID, symbol string, qty decimal.Decimal) ([]ConsumedLot, error)
	ListLots(sessionID, symbol string) ([]Lot, error)

	AppendTrade(t TradeRecord) error
	ListTrades(sessionID string) ([]TradeRecord, error)

	// WithTx runs fn against a Ledger view backed by a single database
	// transaction: every mutating call fn makes through that view commits
	// or rolls back together, so a multi-step write (cash + positions +
	// lots + a final cash_equity snapshot) lands as one atomic batch
	// rather than as independently-committed steps. fn must not call
	// WithTx again on the value it is given.
	WithTx(fn func(Ledger) error) error

	Close() error
}

// ConsumedLot records how much of a specific lot was consumed by one exit,
// so the caller can compute cost basis per spec §4.8's FIFO realized P&L.
type ConsumedLot struct {
	Lot          Lot
	QtyConsumed  decimal.Decimal
}
