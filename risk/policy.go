// Package risk is the Decision Pipeline & Action Router (spec §4.4), the
// Position Sizer & Order Quantizer (spec §4.5), and the Exploration
// Budget (spec §4.7). It turns a scored candidate into either a fully
// parameterized order or a deterministic skip with a reason code.
package risk

import "github.com/shopspring/decimal"

// EntryGate carries the L2 freshness and edge-after-costs thresholds gate
// 3 and 4 check against, plus the candidate-score thresholds that drive
// intent classification (spec §6 risk.entry_gate.hard_floor_min/
// effective_threshold).
type EntryGate struct {
	MaxQuoteAgeMS int64           // default 200
	MinEdgeBps    decimal.Decimal // default 10
	HardFloorMin  decimal.Decimal // below this score, classify EXPLORE
	EffectiveThreshold decimal.Decimal // at/above this score, classify NORMAL; between is PILOT
}

// MarketData carries the decision-data guards spec §6's market_data.*
// keys name.
type MarketData struct {
	MaxSpreadBps  decimal.Decimal
	MaxQuoteAgeMS int64
	RequireL2Mid  bool
}

// Analytics carries the NAV tolerance spec §6's
// analytics.nav_validation_tolerance key names. The cycle engine passes it
// to portfolio.Transaction.SetEpsilonFloor before every Commit, where it
// replaces the $0.02 base floor of the per-commit ε (spec §4.3).
type Analytics struct {
	NAVValidationTolerance decimal.Decimal // floor $10 per spec §6
}

// Sizing carries the Position Sizer's knobs (spec §4.5).
type Sizing struct {
	RiskPerTradePct      decimal.Decimal // default 0.0025 (0.25% of equity)
	ATRMultiple          decimal.Decimal // default 2.0 (stop distance = entry * atr_pct * this)
	MaxNotionalPct       decimal.Decimal // default 0.10 of equity
	NotionalFloorNormal  decimal.Decimal // default $500
	NotionalFloorExplore decimal.Decimal // default $150
	BracketRiskPct       decimal.Decimal // default 0.02 -- entry-price distance to SL, per spec §4.6's risk_unit = entry * risk_pct
}

// RiskOn carries the pyramiding policy: whether adds are allowed at all,
// how many, the R-multiple triggers that authorize each add, and the
// add-size policy (spec §9 Open Question, resolved in SPEC_FULL.md §13).
type RiskOn struct {
	AllowPyramids    bool
	MaxAdds          int               // default 2
	AddTriggersR     []decimal.Decimal // default [0.7, 1.4] -- R-multiples of unrealized gain that authorize the next add
	AddSizeFractions []decimal.Decimal // default [0.7, 0.5] x initial
}

// ExplorationBudget carries the per-day side-channel budget spec §4.7
// defines for PILOT/EXPLORE intents only.
type ExplorationBudget struct {
	BudgetPct        decimal.Decimal // default 0.02 (2% of equity/day)
	MaxForcedPerDay  int             // default 3
	MinScore         decimal.Decimal // minimum candidate score to qualify
	SizeMultVsNormal decimal.Decimal // default 0.3
}

// Policy is the full configuration surface the pipeline, sizer, and
// budget consult. One Policy is shared for the life of a session;
// config.Config loads it from YAML (SPEC_FULL.md §10 AMBIENT STACK).
type Policy struct {
	ShortEnabled     bool
	SymbolAllowShort map[string]bool

	EntryGate       EntryGate
	RRMin           decimal.Decimal // default 1.5
	RRRelaxForPilot decimal.Decimal // default 1.2 -- PILOT intents may clear a lower bar

	Sizing Sizing
	RiskOn RiskOn

	ExplorationBudget ExplorationBudget

	MarketData MarketData
	Analytics  Analytics

	PerSymbolCap decimal.Decimal // exposure cap per symbol, USD
	SessionCap   decimal.Decimal // exposure cap for the whole session, USD
}

// DefaultPolicy returns the spec's stated defaults. Every field is
// overridable from config; this mirrors the teacher's Policy struct
// shape (AccountBaseCurrency/MaxRiskPct/MinRR/...), generalized from an
// FX circuit-breaker policy to the crypto gate/sizer/budget surface.
func DefaultPolicy() Policy {
	return Policy{
		ShortEnabled:     false,
		SymbolAllowShort: map[string]bool{},
		EntryGate: EntryGate{
			MaxQuoteAgeMS:      200,
			MinEdgeBps:         decimal.NewFromInt(10),
			HardFloorMin:       decimal.NewFromFloat(0.5),
			EffectiveThreshold: decimal.NewFromFloat(0.7),
		},
		RRMin:           decimal.NewFromFloat(1.5),
		RRRelaxForPilot: decimal.NewFromFloat(1.2),
		Sizing: Sizing{
			RiskPerTradePct:      decimal.NewFromFloat(0.0025),
			ATRMultiple:          decimal.NewFromFloat(2.0),
			MaxNotionalPct:       decimal.NewFromFloat(0.10),
			NotionalFloorNormal:  decimal.NewFromInt(500),
			NotionalFloorExplore: decimal.NewFromInt(150),
			BracketRiskPct:       decimal.NewFromFloat(0.02),
		},
		RiskOn: RiskOn{
			AllowPyramids:    true,
			MaxAdds:          2,
			AddTriggersR:     []decimal.Decimal{decimal.NewFromFloat(0.7), decimal.NewFromFloat(1.4)},
			AddSizeFractions: []decimal.Decimal{decimal.NewFromFloat(0.7), decimal.NewFromFloat(0.5)},
		},
		ExplorationBudget: ExplorationBudget{
			BudgetPct:        decimal.NewFromFloat(0.02),
			MaxForcedPerDay:  3,
			MinScore:         decimal.NewFromFloat(0.5),
			SizeMultVsNormal: decimal.NewFromFloat(0.3),
		},
		MarketData: MarketData{
			MaxSpreadBps:  decimal.NewFromInt(50),
			MaxQuoteAgeMS: 200,
			RequireL2Mid:  true,
		},
		Analytics: Analytics{
			NAVValidationTolerance: decimal.NewFromInt(10),
		},
		PerSymbolCap: decimal.NewFromInt(20000),
		SessionCap:   decimal.NewFromInt(50000),
	}
}
