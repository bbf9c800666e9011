package bracket

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// Outcome is what the caller (the cycle loop) must act on after a fill or
// bar tick is applied to a bracket: a stop-loss raise, legs to cancel, or a
// market-close submission.
type Outcome struct {
	NewState       State
	RaiseStopTo    *decimal.Decimal
	CanceledLegs   []int // indices into Bracket.TakeProfits that were canceled
	CancelStop     bool
	MarketClose    bool
	Closed         bool
}

// ErrNotFound means no open bracket exists for the (symbol, sessionID) key.
var ErrNotFound = fmt.Errorf("bracket: not found")

// ErrAlreadyClosed rejects fills against a bracket that is no longer open.
var ErrAlreadyClosed = fmt.Errorf("bracket: already closed")

// Manager holds every open bracket for a session in memory, single-writer
// per spec §5 ("a symbol's bracket state transitions are totally ordered").
type Manager struct {
	mu       sync.Mutex
	brackets map[string]*Bracket // keyed by OCOGroupID
}

func NewManager() *Manager {
	return &Manager{brackets: make(map[string]*Bracket)}
}

// Attach creates and registers a new bracket for an entry fill.
func (m *Manager) Attach(symbol, sessionID string, side Side, entryPrice, quantity, riskPct decimal.Decimal) (*Bracket, error) {
	b, err := Attach(symbol, sessionID, side, entryPrice, quantity, riskPct)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.brackets[b.OCOGroupID] = b
	return b, nil
}

// Get returns the open bracket for (symbol, sessionID), if any.
func (m *Manager) Get(symbol, sessionID string) (*Bracket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.brackets[ocoGroupID(symbol, sessionID)]
	return b, ok
}

// Remove drops a bracket from the manager once its position is flat.
func (m *Manager) Remove(symbol, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.brackets, ocoGroupID(symbol, sessionID))
}

// OnTakeProfitFill transitions the bracket for TP leg legIndex (0, 1, 2)
// filling with filledQty. legIndex 0 raises SL to breakeven; legIndex 1
// trails SL to entry ± 0.5×risk_unit; legIndex 2 closes the position.
func (m *Manager) OnTakeProfitFill(symbol, sessionID string, legIndex int, filledQty decimal.Decimal) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.brackets[ocoGroupID(symbol, sessionID)]
	if !ok {
		return Outcome{}, ErrNotFound
	}
	if b.State == StateClosed || b.State == StateTimedOut {
		return Outcome{}, ErrAlreadyClosed
	}
	if legIndex < 0 || legIndex > 2 {
		return Outcome{}, fmt.Errorf("bracket: invalid TP leg index %d", legIndex)
	}

	b.TakeProfits[legIndex].Filled = true
	b.RemainingQty = b.RemainingQty.Sub(filledQty)
	b.reconcileOpenQuantities()

	out := Outcome{}
	switch legIndex {
	case 0:
		b.State = StateTP1Filled
		be := b.breakeven()
		b.StopLoss = be
		out.RaiseStopTo = &be
		out.NewState = b.State
	case 1:
		b.State = StateTP2Filled
		trail := b.trailTarget()
		b.StopLoss = trail
		out.RaiseStopTo = &trail
		out.NewState = b.State
	case 2:
		b.State = StateClosed
		out.NewState = b.State
		out.CancelStop = true
		out.Closed = true
		delete(m.brackets, b.OCOGroupID)
	}
	return out, nil
}

// OnStopLossFill cancels all outstanding TPs and closes the position.
func (m *Manager) OnStopLossFill(symbol, sessionID string) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.brackets[ocoGroupID(symbol, sessionID)]
	if !ok {
		return Outcome{}, ErrNotFound
	}
	if b.State == StateClosed || b.State == StateTimedOut {
		return Outcome{}, ErrAlreadyClosed
	}

	var canceled []int
	for i := range b.TakeProfits {
		if !b.TakeProfits[i].Filled {
			b.TakeProfits[i].Canceled = true
			canceled = append(canceled, i)
		}
	}
	b.State = StateClosed
	b.RemainingQty = decimal.Zero
	delete(m.brackets, b.OCOGroupID)

	return Outcome{NewState: b.State, CanceledLegs: canceled, Closed: true}, nil
}

// OnBar advances bars_since_entry by one and applies the time-stop: if
// bars_since_entry reaches maxBarsInTrade and TP1 has not filled, every
// outstanding order is canceled and the caller must submit a market close.
func (m *Manager) OnBar(symbol, sessionID string, maxBarsInTrade int) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.brackets[ocoGroupID(symbol, sessionID)]
	if !ok {
		return Outcome{}, ErrNotFound
	}
	if b.State == StateClosed || b.State == StateTimedOut {
		return Outcome{}, ErrAlreadyClosed
	}

	b.BarsSinceEntry++
	if b.TakeProfits[0].Filled || b.BarsSinceEntry < maxBarsInTrade {
		return Outcome{NewState: b.State}, nil
	}

	var canceled []int
	for i := range b.TakeProfits {
		if !b.TakeProfits[i].Filled {
			b.TakeProfits[i].Canceled = true
			canceled = append(canceled, i)
		}
	}
	b.State = StateTimedOut
	delete(m.brackets, b.OCOGroupID)

	return Outcome{NewState: b.State, CanceledLegs: canceled, CancelStop: true, MarketClose: true, Closed: true}, nil
}
