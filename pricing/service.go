package pricing

import (
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/cryptoportfolio/core/market"
)

// Clock abstracts time.Now so retry/backoff and access-log coalescing can
// be driven deterministically in tests.
type Clock func() time.Time

// RetryConfig carries the jittered-backoff knobs from spec §4.2 step 2.
type RetryConfig struct {
	MaxAttempts int           // spec default: 3
	BaseDelay   time.Duration // spec default: base_ms
	JitterMax   time.Duration // spec default: 100ms
	TotalCap    time.Duration // spec default: 1s
}

// DefaultRetryConfig matches spec §4.2's stated defaults.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts: 3,
	BaseDelay:   100 * time.Millisecond,
	JitterMax:   100 * time.Millisecond,
	TotalCap:    1 * time.Second,
}

// Service is the Pricing Snapshot Service. One Service is shared across
// cycles so the last-good cache and provenance lock survive between
// CreateSnapshot calls — exactly the role teacher's TickStore plays for a
// single FX feed, generalized here to many venues and a fetch-retry
// policy the FX teacher never needed.
type Service struct {
	source market.DataSource
	retry  RetryConfig
	now    Clock
	sleep  func(time.Duration)
	rand   *rand.Rand

	mu         sync.Mutex
	lastGood   map[string]Entry
	provenance map[string]provenanceKey
	lastAccess map[string]time.Time
	hitCount   map[string]int
}

// New constructs a Service bound to a single DataSource. The caller
// supplies the data source; exchange connectors are out of scope for this
// core (spec §4.2, §9 Non-goals).
func New(source market.DataSource) *Service {
	return &Service{
		source:     source,
		retry:      DefaultRetryConfig,
		now:        time.Now,
		sleep:      time.Sleep,
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
		lastGood:   make(map[string]Entry),
		provenance: make(map[string]provenanceKey),
		lastAccess: make(map[string]time.Time),
		hitCount:   make(map[string]int),
	}
}

// CreateSnapshot implements spec §4.2's per-symbol fetch policy for every
// requested symbol and returns an immutable, possibly-partial Snapshot.
func (s *Service) CreateSnapshot(cycleID string, symbols []string) Snapshot {
	snap := Snapshot{
		CycleID:   cycleID,
		CreatedAt: s.now(),
		BySymbol:  make(map[string]Entry, len(symbols)),
	}

	for _, symbol := range symbols {
		entry, ok := s.fetchOne(symbol)
		if !ok {
			continue
		}
		snap.BySymbol[symbol] = entry
		s.logAccess(symbol)
	}

	return snap
}

// fetchOne runs the step 1-3 policy for a single symbol: resolve venue,
// attempt fetch with retry, fall back to cache, else report absent.
func (s *Service) fetchOne(symbol string) (Entry, bool) {
	rule, err := market.Resolve(symbol)
	if err != nil {
		return Entry{
			Symbol: symbol,
			TickerResult: market.TickerResult{
				Symbol:      symbol,
				DataQuality: market.DataQualityUnsupported,
				Timestamp:   s.now(),
			},
			Stale:  true,
			Reason: "unsupported symbol, not mock-filled",
		}, true
	}

	tr, err := s.fetchWithRetry(symbol)
	if err == nil {
		entry := Entry{Symbol: symbol, TickerResult: tr, Stale: tr.DataQuality == market.DataQualityStale}
		s.rememberGood(symbol, entry)
		s.lockProvenance(symbol, rule.Venue, tr.Source)
		if pk, locked := s.lockedProvenance(symbol); locked && (pk.Venue != rule.Venue || pk.PriceType != tr.Source) {
			log.Printf("pricing: %s fell back from locked source %s/%s to %s/%s", symbol, pk.Venue, pk.PriceType, rule.Venue, tr.Source)
		}
		return entry, true
	}

	if cached, ok := s.cachedGood(symbol); ok {
		cached.Stale = true
		cached.StaleSince = s.now()
		cached.Reason = "retries exhausted: " + err.Error()
		return cached, true
	}

	log.Printf("pricing: %s omitted from snapshot, no live fetch and no cache: %v", symbol, err)
	return Entry{}, false
}

// fetchWithRetry attempts source.FetchTicker up to retry.MaxAttempts times
// with jittered exponential backoff, capped at retry.TotalCap total sleep.
func (s *Service) fetchWithRetry(symbol string) (market.TickerResult, error) {
	var lastErr error
	var slept time.Duration

	for attempt := 0; attempt < s.retry.MaxAttempts; attempt++ {
		tr, err := s.source.FetchTicker(symbol)
		if err == nil {
			return tr, nil
		}
		lastErr = err

		if attempt == s.retry.MaxAttempts-1 {
			break
		}

		delay := s.retry.BaseDelay * time.Duration(1<<attempt)
		jitter := time.Duration(s.rand.Int63n(int64(s.retry.JitterMax) + 1))
		wait := delay + jitter
		if slept+wait > s.retry.TotalCap {
			wait = s.retry.TotalCap - slept
		}
		if wait <= 0 {
			break
		}
		s.sleep(wait)
		slept += wait
	}

	return market.TickerResult{}, lastErr
}

func (s *Service) rememberGood(symbol string, e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastGood[symbol] = e
}

func (s *Service) cachedGood(symbol string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lastGood[symbol]
	return e, ok
}

// logAccess implements spec §4.2's access-log coalescing: repeated reads
// of the same symbol within a 300ms window collapse into one
// SNAPSHOT_HIT[xN] line; the first read within a window is always logged.
const coalesceWindow = 300 * time.Millisecond

func (s *Service) logAccess(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	last, seen := s.lastAccess[symbol]
	if !seen || now.Sub(last) > coalesceWindow {
		if seen && s.hitCount[symbol] > 1 {
			log.Printf("pricing: SNAPSHOT_HIT[x%d] %s", s.hitCount[symbol], symbol)
		}
		log.Printf("pricing: SNAPSHOT_HIT %s", symbol)
		s.lastAccess[symbol] = now
		s.hitCount[symbol] = 1
		return
	}

	s.hitCount[symbol]++
}
