package pricing

// provenanceKey records the (venue, price_type) pair a symbol first priced
// from. Spec §4.2: the first time a position enters a symbol, the
// snapshot records this pair; later snapshots prefer it when fresh and
// log an explicit fallback otherwise.
type provenanceKey struct {
	Venue     string
	PriceType string
}

func (s *Service) lockProvenance(symbol, venue, priceType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, locked := s.provenance[symbol]; locked {
		return
	}
	s.provenance[symbol] = provenanceKey{Venue: venue, PriceType: priceType}
}

// lockedProvenance returns the locked source for symbol, if any.
func (s *Service) lockedProvenance(symbol string) (provenanceKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pk, ok := s.provenance[symbol]
	return pk, ok
}
