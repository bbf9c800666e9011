// Package pricing is the Pricing Snapshot Service (spec §4.2): a single,
// frozen view of marks and bid/ask for the duration of one trading cycle.
// All valuation within a cycle — position mark-to-market, decision
// mid-price, NAV validation — reads from the same Snapshot.
package pricing

import (
	"time"

	"github.com/cryptoportfolio/core/market"
)

// Entry is one symbol's frozen quote inside a Snapshot.
type Entry struct {
	Symbol      string
	market.TickerResult
	Stale      bool
	StaleSince time.Time
	Reason     string // why Stale is set; empty when fresh.
}

// Snapshot is immutable once returned by CreateSnapshot: no method on this
// type or its Entries mutates any field. A snapshot may be partial —
// len(snapshot.BySymbol) <= len(requested symbols) — that is not a
// failure, callers skip the symbols that are missing.
type Snapshot struct {
	CycleID   string
	CreatedAt time.Time
	BySymbol  map[string]Entry
}

// Get returns the entry for symbol and whether it was present.
func (s Snapshot) Get(symbol string) (Entry, bool) {
	e, ok := s.BySymbol[symbol]
	return e, ok
}
