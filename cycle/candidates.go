package cycle

import (
	"context"

	"github.com/cryptoportfolio/core/pricing"
	"github.com/cryptoportfolio/core/risk"
)

// NoopCandidateSource supplies no candidates. A session run against it only
// exercises the portfolio state core's risk-management path — bracket
// stop-loss/take-profit/time-stop on whatever positions a prior session (or
// a manual seed) already opened — without ever proposing a new entry. It is
// the CandidateSource portfoliod wires by default, since candidate scoring
// is an injected strategy concern this core never implements.
type NoopCandidateSource struct{}

func (NoopCandidateSource) Candidates(ctx context.Context, snap pricing.Snapshot) ([]risk.Candidate, error) {
	return nil, nil
}
