// Package config loads and validates the full config surface spec §6
// enumerates: risk gates, sizing, pyramiding, execution/post-only routing,
// fee and slippage parameters, the TP ladder and time-stop, market-data
// guards, and the NAV-audit tolerance. It mirrors the teacher's
// LoadFromFile/SaveToFile/Validate/Default shape and its YAML-first,
// JSON-fallback parsing.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cryptoportfolio/core/bracket"
	"github.com/cryptoportfolio/core/market"
	"github.com/cryptoportfolio/core/risk"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the complete, typed configuration for one portfoliod process.
type Config struct {
	Account     AccountConfig               `json:"account" yaml:"account"`
	Symbols     map[string]SymbolConfig     `json:"symbols" yaml:"symbols"`
	Risk        RiskConfig                  `json:"risk" yaml:"risk"`
	Execution   ExecutionConfig             `json:"execution" yaml:"execution"`
	Realization RealizationConfig           `json:"realization" yaml:"realization"`
	MarketData  MarketDataConfig            `json:"market_data" yaml:"market_data"`
	Analytics   AnalyticsConfig             `json:"analytics" yaml:"analytics"`
	Journal     JournalConfig               `json:"journal" yaml:"journal"`
	Simulation  map[string]SimulationConfig `json:"simulation,omitempty" yaml:"simulation,omitempty"`
}

// SimulationConfig drives market.NewSimulatedSource for one symbol: an
// initial tick plus a queue of subsequent ticks applied after their delay
// elapses. No live exchange connector exists anywhere in the retrieved
// corpus (the original implementation's market/prices.py is itself a mock
// price table), so portfoliod's only DataSource is this config-driven feed
// — mirroring the teacher's Simulation.InitialBid/InitialAsk/PriceSteps.
type SimulationConfig struct {
	InitialBid float64            `json:"initial_bid" yaml:"initial_bid"`
	InitialAsk float64            `json:"initial_ask" yaml:"initial_ask"`
	PriceSteps []PriceStepConfig  `json:"price_steps,omitempty" yaml:"price_steps,omitempty"`
}

// PriceStepConfig is one scheduled tick update in a SimulationConfig.
type PriceStepConfig struct {
	Bid          float64 `json:"bid" yaml:"bid"`
	Ask          float64 `json:"ask" yaml:"ask"`
	DelaySeconds int     `json:"delay_seconds" yaml:"delay_seconds"`
}

// AccountConfig contains session/account initialization parameters.
type AccountConfig struct {
	SessionID      string  `json:"session_id" yaml:"session_id"`
	InitialCapital float64 `json:"initial_capital" yaml:"initial_capital"`
}

// SymbolConfig is per-symbol config (spec §6 symbols.<SYMBOL>.allow_short).
type SymbolConfig struct {
	AllowShort bool `json:"allow_short" yaml:"allow_short"`
}

// EntryGateConfig carries gate-3/4 thresholds plus the intent-classification
// score thresholds (spec §6 risk.entry_gate.*).
type EntryGateConfig struct {
	MaxQuoteAgeMS      int64   `json:"max_quote_age_ms" yaml:"max_quote_age_ms"`
	MinEdgeBps         float64 `json:"min_edge_bps" yaml:"min_edge_bps"`
	HardFloorMin       float64 `json:"hard_floor_min" yaml:"hard_floor_min"`
	EffectiveThreshold float64 `json:"effective_threshold" yaml:"effective_threshold"`
}

// SizingConfig carries the Position Sizer's knobs (spec §6 risk.sizing.*).
type SizingConfig struct {
	RiskPerTradePct          float64 `json:"risk_per_trade_pct" yaml:"risk_per_trade_pct"`
	MaxNotionalPct           float64 `json:"max_notional_pct" yaml:"max_notional_pct"`
	PerSymbolCapUSD          float64 `json:"per_symbol_cap_usd" yaml:"per_symbol_cap_usd"`
	SessionCapUSD            float64 `json:"session_cap_usd" yaml:"session_cap_usd"`
	NotionalFloorNormal      float64 `json:"notional_floor_normal" yaml:"notional_floor_normal"`
	NotionalFloorExploration float64 `json:"notional_floor_exploration" yaml:"notional_floor_exploration"`
	BracketRiskPct           float64 `json:"bracket_risk_pct" yaml:"bracket_risk_pct"`
}

// RiskOnConfig carries the pyramiding policy (spec §6 risk.risk_on.*).
type RiskOnConfig struct {
	AllowPyramids    bool      `json:"allow_pyramids" yaml:"allow_pyramids"`
	MaxAdds          int       `json:"max_adds" yaml:"max_adds"`
	AddTriggersR     []float64 `json:"add_triggers_r" yaml:"add_triggers_r"`
	AddSizeFractions []float64 `json:"add_size_fractions" yaml:"add_size_fractions"`
}

// ExplorationBudgetConfig carries spec §4.7's side-channel knobs.
type ExplorationBudgetConfig struct {
	BudgetPct        float64 `json:"budget_pct" yaml:"budget_pct"`
	MaxForcedPerDay  int     `json:"max_forced_per_day" yaml:"max_forced_per_day"`
	MinScore         float64 `json:"min_score" yaml:"min_score"`
	SizeMultVsNormal float64 `json:"size_mult_vs_normal" yaml:"size_mult_vs_normal"`
}

// RiskConfig is the full risk.* config tree.
type RiskConfig struct {
	ShortEnabled      bool                    `json:"short_enabled" yaml:"short_enabled"`
	EntryGate         EntryGateConfig         `json:"entry_gate" yaml:"entry_gate"`
	RRMin             float64                 `json:"rr_min" yaml:"rr_min"`
	RRRelaxForPilot   float64                 `json:"rr_relax_for_pilot" yaml:"rr_relax_for_pilot"`
	Sizing            SizingConfig            `json:"sizing" yaml:"sizing"`
	RiskOn            RiskOnConfig            `json:"risk_on" yaml:"risk_on"`
	ExplorationBudget ExplorationBudgetConfig `json:"exploration_budget" yaml:"exploration_budget"`
}

// VenueFeeConfig is one venue's maker/taker fee schedule in bps.
type VenueFeeConfig struct {
	MakerBps float64 `json:"maker_bps" yaml:"maker_bps"`
	TakerBps float64 `json:"taker_bps" yaml:"taker_bps"`
}

// SlippageConfig carries spec §6's execution.slippage.* parameters.
type SlippageConfig struct {
	NotionalDivisor float64 `json:"notional_divisor" yaml:"notional_divisor"` // default 50000
	Coefficient     float64 `json:"coefficient" yaml:"coefficient"`           // default 5.0
	CapBps          float64 `json:"cap_bps" yaml:"cap_bps"`                   // default 8.0
}

// ExecutionConfig is the full execution.* config tree.
type ExecutionConfig struct {
	PostOnly               bool                      `json:"post_only" yaml:"post_only"`
	PostOnlyMaxWaitSeconds int                       `json:"post_only_max_wait_seconds" yaml:"post_only_max_wait_seconds"`
	AllowTakerFallback     bool                      `json:"allow_taker_fallback" yaml:"allow_taker_fallback"`
	Venue                  string                    `json:"venue" yaml:"venue"`
	Fees                   map[string]VenueFeeConfig `json:"fees" yaml:"fees"`
	Slippage               SlippageConfig            `json:"slippage" yaml:"slippage"`
}

// TPLadderRungConfig is one rung of the take-profit ladder.
type TPLadderRungConfig struct {
	R   float64 `json:"r" yaml:"r"`
	Pct float64 `json:"pct" yaml:"pct"`
}

// RealizationConfig is the full realization.* config tree.
type RealizationConfig struct {
	TakeProfitLadder []TPLadderRungConfig `json:"take_profit_ladder" yaml:"take_profit_ladder"`
	MaxBarsInTrade   int                  `json:"max_bars_in_trade" yaml:"max_bars_in_trade"`
	TimeStopHours    float64              `json:"time_stop_hours" yaml:"time_stop_hours"`
}

// MarketDataConfig is the full market_data.* config tree.
type MarketDataConfig struct {
	MaxSpreadBps  float64 `json:"max_spread_bps" yaml:"max_spread_bps"`
	MaxQuoteAgeMS int64   `json:"max_quote_age_ms" yaml:"max_quote_age_ms"`
	RequireL2Mid  bool    `json:"require_l2_mid" yaml:"require_l2_mid"`
}

// AnalyticsConfig is the full analytics.* config tree.
type AnalyticsConfig struct {
	NAVValidationTolerance float64 `json:"nav_validation_tolerance" yaml:"nav_validation_tolerance"`
}

// JournalConfig points at the durable store. journal.SQLiteLedger is the
// only implementation (spec §6's persisted-state layout), so there is no
// journal.type switch left to configure.
type JournalConfig struct {
	DBPath string `json:"db_path" yaml:"db_path"`
}

// LoadFromFile loads configuration from a file (YAML, falling back to JSON).
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// SaveToFile saves configuration to a file (JSON or YAML based on extension).
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Validate rejects out-of-range values at load time, per spec §6 ("invalid
// ranges rejected at load").
func (c *Config) Validate() error {
	if c.Account.SessionID == "" {
		return fmt.Errorf("account.session_id is required")
	}
	if c.Account.InitialCapital <= 0 {
		return fmt.Errorf("account.initial_capital must be positive")
	}
	for symbol := range c.Symbols {
		if _, err := market.Resolve(symbol); err != nil {
			return fmt.Errorf("symbols.%s: %w", symbol, err)
		}
	}

	eg := c.Risk.EntryGate
	if eg.HardFloorMin < 0 || eg.HardFloorMin > 1 {
		return fmt.Errorf("risk.entry_gate.hard_floor_min must be within [0, 1]")
	}
	if eg.EffectiveThreshold < 0 || eg.EffectiveThreshold > 1 {
		return fmt.Errorf("risk.entry_gate.effective_threshold must be within [0, 1]")
	}
	if eg.EffectiveThreshold < eg.HardFloorMin {
		return fmt.Errorf("risk.entry_gate.effective_threshold must be >= hard_floor_min")
	}
	if eg.MaxQuoteAgeMS <= 0 {
		return fmt.Errorf("risk.entry_gate.max_quote_age_ms must be positive")
	}
	if c.Risk.RRMin <= 0 {
		return fmt.Errorf("risk.rr_min must be positive")
	}
	if c.Risk.Sizing.RiskPerTradePct <= 0 || c.Risk.Sizing.RiskPerTradePct > 1 {
		return fmt.Errorf("risk.sizing.risk_per_trade_pct must be within (0, 1]")
	}
	if c.Risk.Sizing.MaxNotionalPct <= 0 || c.Risk.Sizing.MaxNotionalPct > 1 {
		return fmt.Errorf("risk.sizing.max_notional_pct must be within (0, 1]")
	}
	if c.Risk.Sizing.PerSymbolCapUSD <= 0 || c.Risk.Sizing.SessionCapUSD <= 0 {
		return fmt.Errorf("risk.sizing caps must be positive")
	}
	if c.Risk.RiskOn.MaxAdds < 0 {
		return fmt.Errorf("risk.risk_on.max_adds must be >= 0")
	}
	if c.Risk.ExplorationBudget.BudgetPct < 0 || c.Risk.ExplorationBudget.BudgetPct > 1 {
		return fmt.Errorf("risk.exploration_budget.budget_pct must be within [0, 1]")
	}

	if c.Execution.Venue != "" && !knownVenue(c.Execution.Venue) {
		return fmt.Errorf("execution.venue: unknown venue %q", c.Execution.Venue)
	}
	if c.Execution.PostOnlyMaxWaitSeconds < 0 {
		return fmt.Errorf("execution.post_only_max_wait_seconds must be >= 0")
	}

	if c.Realization.MaxBarsInTrade <= 0 {
		return fmt.Errorf("realization.max_bars_in_trade must be positive")
	}
	sumPct := 0.0
	for _, rung := range c.Realization.TakeProfitLadder {
		if rung.R <= 0 {
			return fmt.Errorf("realization.take_profit_ladder[].r must be positive")
		}
		sumPct += rung.Pct
	}
	if len(c.Realization.TakeProfitLadder) > 0 && (sumPct < 0.999 || sumPct > 1.001) {
		return fmt.Errorf("realization.take_profit_ladder[].pct must sum to 1.0, got %v", sumPct)
	}

	if c.MarketData.MaxSpreadBps <= 0 {
		return fmt.Errorf("market_data.max_spread_bps must be positive")
	}
	if c.MarketData.MaxQuoteAgeMS <= 0 {
		return fmt.Errorf("market_data.max_quote_age_ms must be positive")
	}

	if c.Analytics.NAVValidationTolerance < 10 {
		return fmt.Errorf("analytics.nav_validation_tolerance must be >= 10 (spec §6 floor)")
	}

	if c.Journal.DBPath == "" {
		return fmt.Errorf("journal.db_path is required")
	}

	for symbol, sim := range c.Simulation {
		if sim.InitialBid <= 0 || sim.InitialAsk <= 0 {
			return fmt.Errorf("simulation.%s: initial_bid/initial_ask must be positive", symbol)
		}
		if sim.InitialAsk <= sim.InitialBid {
			return fmt.Errorf("simulation.%s: initial_ask must be greater than initial_bid", symbol)
		}
		for i, step := range sim.PriceSteps {
			if step.Ask <= step.Bid {
				return fmt.Errorf("simulation.%s.price_steps[%d]: ask must be greater than bid", symbol, i)
			}
		}
	}
	return nil
}

// RiskPolicy translates the loaded config into a risk.Policy, the typed
// surface the decision pipeline, sizer, and exploration budget consult.
func (c *Config) RiskPolicy() risk.Policy {
	allowShort := make(map[string]bool, len(c.Symbols))
	for symbol, sc := range c.Symbols {
		allowShort[symbol] = sc.AllowShort
	}

	addTriggers := make([]decimal.Decimal, len(c.Risk.RiskOn.AddTriggersR))
	for i, v := range c.Risk.RiskOn.AddTriggersR {
		addTriggers[i] = decimal.NewFromFloat(v)
	}
	addFractions := make([]decimal.Decimal, len(c.Risk.RiskOn.AddSizeFractions))
	for i, v := range c.Risk.RiskOn.AddSizeFractions {
		addFractions[i] = decimal.NewFromFloat(v)
	}

	return risk.Policy{
		ShortEnabled:     c.Risk.ShortEnabled,
		SymbolAllowShort: allowShort,
		EntryGate: risk.EntryGate{
			MaxQuoteAgeMS:      c.Risk.EntryGate.MaxQuoteAgeMS,
			MinEdgeBps:         decimal.NewFromFloat(c.Risk.EntryGate.MinEdgeBps),
			HardFloorMin:       decimal.NewFromFloat(c.Risk.EntryGate.HardFloorMin),
			EffectiveThreshold: decimal.NewFromFloat(c.Risk.EntryGate.EffectiveThreshold),
		},
		RRMin:           decimal.NewFromFloat(c.Risk.RRMin),
		RRRelaxForPilot: decimal.NewFromFloat(c.Risk.RRRelaxForPilot),
		Sizing: risk.Sizing{
			RiskPerTradePct:      decimal.NewFromFloat(c.Risk.Sizing.RiskPerTradePct),
			ATRMultiple:          decimal.NewFromFloat(2.0),
			MaxNotionalPct:       decimal.NewFromFloat(c.Risk.Sizing.MaxNotionalPct),
			NotionalFloorNormal:  decimal.NewFromFloat(c.Risk.Sizing.NotionalFloorNormal),
			NotionalFloorExplore: decimal.NewFromFloat(c.Risk.Sizing.NotionalFloorExploration),
			BracketRiskPct:       decimal.NewFromFloat(c.Risk.Sizing.BracketRiskPct),
		},
		RiskOn: risk.RiskOn{
			AllowPyramids:    c.Risk.RiskOn.AllowPyramids,
			MaxAdds:          c.Risk.RiskOn.MaxAdds,
			AddTriggersR:     addTriggers,
			AddSizeFractions: addFractions,
		},
		ExplorationBudget: risk.ExplorationBudget{
			BudgetPct:        decimal.NewFromFloat(c.Risk.ExplorationBudget.BudgetPct),
			MaxForcedPerDay:  c.Risk.ExplorationBudget.MaxForcedPerDay,
			MinScore:         decimal.NewFromFloat(c.Risk.ExplorationBudget.MinScore),
			SizeMultVsNormal: decimal.NewFromFloat(c.Risk.ExplorationBudget.SizeMultVsNormal),
		},
		MarketData: risk.MarketData{
			MaxSpreadBps:  decimal.NewFromFloat(c.MarketData.MaxSpreadBps),
			MaxQuoteAgeMS: c.MarketData.MaxQuoteAgeMS,
			RequireL2Mid:  c.MarketData.RequireL2Mid,
		},
		Analytics: risk.Analytics{
			NAVValidationTolerance: decimal.NewFromFloat(c.Analytics.NAVValidationTolerance),
		},
		PerSymbolCap: decimal.NewFromFloat(c.Risk.Sizing.PerSymbolCapUSD),
		SessionCap:   decimal.NewFromFloat(c.Risk.Sizing.SessionCapUSD),
	}
}

// PostOnlyPolicy translates execution.* into the bracket package's entry
// routing policy.
func (c *Config) PostOnlyPolicy() bracket.PostOnlyPolicy {
	return bracket.PostOnlyPolicy{
		Enabled:            c.Execution.PostOnly,
		MaxWait:            secondsToDuration(c.Execution.PostOnlyMaxWaitSeconds),
		AllowTakerFallback: c.Execution.AllowTakerFallback,
	}
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}

// SimulatedTicks translates Simulation into the market.SimulatedSource seed
// data portfoliod needs at startup.
func (c *Config) SimulatedTicks() map[string]market.SimulatedTick {
	ticks := make(map[string]market.SimulatedTick, len(c.Simulation))
	for symbol, sim := range c.Simulation {
		steps := make([]market.SimulatedStep, len(sim.PriceSteps))
		for i, s := range sim.PriceSteps {
			steps[i] = market.SimulatedStep{
				Bid:   decimal.NewFromFloat(s.Bid),
				Ask:   decimal.NewFromFloat(s.Ask),
				Delay: secondsToDuration(s.DelaySeconds),
			}
		}
		ticks[symbol] = market.SimulatedTick{
			Bid:   decimal.NewFromFloat(sim.InitialBid),
			Ask:   decimal.NewFromFloat(sim.InitialAsk),
			Steps: steps,
		}
	}
	return ticks
}

// knownVenue reports whether venue appears as some symbol's resolved
// venue in market.VenueMap.
func knownVenue(venue string) bool {
	for _, rule := range market.VenueMap {
		if rule.Venue == venue {
			return true
		}
	}
	return false
}

// Default returns a configuration matching risk.DefaultPolicy()'s values,
// so a freshly generated config file and the in-code defaults never drift
// apart.
func Default() *Config {
	return &Config{
		Account: AccountConfig{SessionID: "session-001", InitialCapital: 100000},
		Symbols: map[string]SymbolConfig{
			"BTC-USD": {AllowShort: false},
			"ETH-USD": {AllowShort: false},
			"SOL-USD": {AllowShort: false},
		},
		Risk: RiskConfig{
			ShortEnabled: false,
			EntryGate: EntryGateConfig{
				MaxQuoteAgeMS:      200,
				MinEdgeBps:         10,
				HardFloorMin:       0.5,
				EffectiveThreshold: 0.7,
			},
			RRMin:           1.5,
			RRRelaxForPilot: 1.2,
			Sizing: SizingConfig{
				RiskPerTradePct:          0.0025,
				MaxNotionalPct:           0.10,
				PerSymbolCapUSD:          20000,
				SessionCapUSD:            50000,
				NotionalFloorNormal:      500,
				NotionalFloorExploration: 150,
				BracketRiskPct:           0.02,
			},
			RiskOn: RiskOnConfig{
				AllowPyramids:    true,
				MaxAdds:          2,
				AddTriggersR:     []float64{0.7, 1.4},
				AddSizeFractions: []float64{0.7, 0.5},
			},
			ExplorationBudget: ExplorationBudgetConfig{
				BudgetPct:        0.02,
				MaxForcedPerDay:  3,
				MinScore:         0.5,
				SizeMultVsNormal: 0.3,
			},
		},
		Execution: ExecutionConfig{
			PostOnly:               false,
			PostOnlyMaxWaitSeconds: 5,
			AllowTakerFallback:     false,
			Venue:                  "coinbase",
			Fees: map[string]VenueFeeConfig{
				"coinbase": {MakerBps: 4, TakerBps: 6},
			},
			Slippage: SlippageConfig{NotionalDivisor: 50000, Coefficient: 5.0, CapBps: 8.0},
		},
		Realization: RealizationConfig{
			TakeProfitLadder: []TPLadderRungConfig{
				{R: 0.6, Pct: 0.40},
				{R: 1.2, Pct: 0.40},
				{R: 2.0, Pct: 0.20},
			},
			MaxBarsInTrade: 48,
			TimeStopHours:  12,
		},
		MarketData: MarketDataConfig{
			MaxSpreadBps:  50,
			MaxQuoteAgeMS: 200,
			RequireL2Mid:  true,
		},
		Analytics: AnalyticsConfig{NAVValidationTolerance: 10},
		Journal:   JournalConfig{DBPath: "./portfoliod.db"},
		Simulation: map[string]SimulationConfig{
			"BTC-USD": {InitialBid: 49990, InitialAsk: 50010},
			"ETH-USD": {InitialBid: 2998, InitialAsk: 3002},
			"SOL-USD": {InitialBid: 99.8, InitialAsk: 100.2},
		},
	}
}
