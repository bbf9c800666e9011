package market

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// SimulatedStep is one scheduled tick change: after Delay elapses since the
// previous tick (or since the feed started, for the first step), Bid/Ask
// replace the symbol's current tick.
type SimulatedStep struct {
	Bid   decimal.Decimal
	Ask   decimal.Decimal
	Delay time.Duration
}

// SimulatedTick seeds one symbol's feed: an initial quote plus the queue of
// steps applied afterward.
type SimulatedTick struct {
	Bid   decimal.Decimal
	Ask   decimal.Decimal
	Steps []SimulatedStep
}

// SimulatedSource is a config-driven DataSource: no live exchange connector
// appears anywhere in the retrieved corpus, so this plays the same role the
// teacher's broker.Price/UpdatePrice + config Simulation block did — a
// deterministic, operator-scripted feed — adapted into a long-running
// background feed rather than a one-shot apply-then-report loop, since
// portfoliod's cycle loop (spec §5) polls continuously rather than running
// once to completion.
type SimulatedSource struct {
	mu      sync.Mutex
	current map[string]TickerResult
}

// NewSimulatedSource starts one goroutine per seeded symbol to walk its
// step queue; FetchTicker always returns the latest applied tick.
func NewSimulatedSource(seed map[string]SimulatedTick) *SimulatedSource {
	s := &SimulatedSource{current: make(map[string]TickerResult, len(seed))}
	for symbol, tick := range seed {
		s.set(symbol, tick.Bid, tick.Ask)
		if len(tick.Steps) > 0 {
			go s.runSteps(symbol, tick.Steps)
		}
	}
	return s
}

func (s *SimulatedSource) runSteps(symbol string, steps []SimulatedStep) {
	for _, step := range steps {
		if step.Delay > 0 {
			time.Sleep(step.Delay)
		}
		s.set(symbol, step.Bid, step.Ask)
	}
}

func (s *SimulatedSource) set(symbol string, bid, ask decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current[symbol] = TickerResult{
		Symbol:      symbol,
		Bid:         bid,
		Ask:         ask,
		Last:        bid,
		Timestamp:   time.Now(),
		Venue:       "coinbase",
		DataQuality: DataQualityOK,
		Source:      "simulated_bid_ask_mid",
	}
}

// FetchTicker returns the symbol's latest applied tick.
func (s *SimulatedSource) FetchTicker(symbol string) (TickerResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.current[symbol]
	if !ok {
		return TickerResult{}, ErrUnsupportedSymbol{Symbol: symbol}
	}
	return tr, nil
}

// FetchOHLCV is not modeled by the simulated feed; callers fall back to
// the sizer's bootstrap ATR estimate (indicators.BootstrapATR) when given
// no candle history.
func (s *SimulatedSource) FetchOHLCV(symbol string, lookback int) []Candle {
	return nil
}
