package cmd

import (
	"errors"
	"fmt"
	"log"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/cryptoportfolio/core/config"
	"github.com/cryptoportfolio/core/cycle"
	"github.com/cryptoportfolio/core/journal"
	"github.com/cryptoportfolio/core/market"
	"github.com/cryptoportfolio/core/pricing"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the trading-cycle loop for one session",
	Long: `Run opens (or continues) a session and drives its trading-cycle loop:
each cycle takes a frozen pricing snapshot, manages any open brackets, routes
candidates from the configured candidate source through the decision
pipeline and sizer, and commits or discards the resulting portfolio
transaction.

Example:
  portfoliod run --session-id session-001 --capital 100000
  portfoliod run --session-id session-001 --continue-session --once`,
	RunE: runRun,
}

var (
	runConfigPath             string
	runCapital                float64
	runSessionID              string
	runContinueSession        bool
	runOverrideSessionCapital bool
	runOnce                   bool
	runCycleIntervalSeconds   int
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runConfigPath, "config", "f", "", "path to config file (YAML or JSON); defaults to config.Default()")
	runCmd.Flags().Float64Var(&runCapital, "capital", 0, "initial capital in USD for a new session; 0 keeps the config's account.initial_capital")
	runCmd.Flags().StringVar(&runSessionID, "session-id", "", "session id (required)")
	runCmd.Flags().BoolVar(&runContinueSession, "continue-session", false, "attach to an already-open session instead of creating a new one")
	runCmd.Flags().BoolVar(&runOverrideSessionCapital, "override-session-capital", false, "with --continue-session, reset the session's current cash/equity to --capital")
	runCmd.Flags().BoolVar(&runOnce, "once", false, "run a single cycle and exit instead of looping")
	runCmd.Flags().IntVar(&runCycleIntervalSeconds, "cycle-interval-seconds", 5, "wall-clock delay between cycles when not --once")
	runCmd.MarkFlagRequired("session-id")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if runSessionID != "" {
		cfg.Account.SessionID = runSessionID
	}
	if runCapital > 0 {
		cfg.Account.InitialCapital = runCapital
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ledger, err := journal.NewSQLite(cfg.Journal.DBPath)
	if err != nil {
		return fmt.Errorf("open ledger %q: %w", cfg.Journal.DBPath, err)
	}
	defer ledger.Close()

	if err := openOrContinueSession(ledger, cfg); err != nil {
		return err
	}

	source := market.NewSimulatedSource(cfg.SimulatedTicks())
	svc := pricing.New(source)
	symbols := symbolList(cfg)

	engine := cycle.NewEngine(ledger, svc, source, cfg.RiskPolicy(), cfg.PostOnlyPolicy(), cfg.Account.SessionID, symbols)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	candidates := cycle.NoopCandidateSource{}

	if runOnce {
		report, err := engine.RunOnce(ctx, candidates)
		if err != nil {
			return fmt.Errorf("run cycle: %w", err)
		}
		printReport(report)
		return nil
	}

	interval := time.Duration(runCycleIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}

	fmt.Printf("portfoliod: session %s running, cycle interval %s (ctrl-C to stop)\n", cfg.Account.SessionID, interval)
	for {
		report, err := engine.RunOnce(ctx, candidates)
		if err != nil {
			log.Printf("portfoliod: cycle failed: %v", err)
		} else {
			printReport(report)
		}

		select {
		case <-ctx.Done():
			return shutdown(ledger, cfg.Account.SessionID)
		case <-time.After(interval):
		}
	}
}

// openOrContinueSession implements spec §6's session-initialization CLI
// behavior: a fresh run opens a brand new session and fails fatally
// (non-zero exit) if the id is already taken; --continue-session instead
// attaches to the existing session, optionally resetting its current
// cash/equity baseline via --override-session-capital.
func openOrContinueSession(ledger journal.Ledger, cfg *config.Config) error {
	initialCapital := decimal.NewFromFloat(cfg.Account.InitialCapital)

	if !runContinueSession {
		if _, err := ledger.OpenSession(cfg.Account.SessionID, initialCapital); err != nil {
			return fmt.Errorf("open session %q: %w", cfg.Account.SessionID, err)
		}
		return nil
	}

	_, err := ledger.OpenSession(cfg.Account.SessionID, initialCapital)
	switch {
	case err == nil:
		// id was not actually in use yet; treat as a fresh session.
	case errors.Is(err, journal.ErrSessionExists):
		if runOverrideSessionCapital {
			if err := ledger.SaveCashEquity(journal.CashEquitySnapshot{
				SessionID:          cfg.Account.SessionID,
				CashBalance:        initialCapital,
				TotalEquity:        initialCapital,
				TotalFees:          decimal.Zero,
				TotalRealizedPnL:   decimal.Zero,
				TotalUnrealizedPnL: decimal.Zero,
				UpdatedAt:          time.Now().UTC(),
			}); err != nil {
				return fmt.Errorf("override session capital: %w", err)
			}
		}
	default:
		return fmt.Errorf("continue session %q: %w", cfg.Account.SessionID, err)
	}
	return nil
}

// shutdown persists a final cash-equity snapshot on external cancellation
// (spec §5's shutdown behavior). RunOnce never leaves a transaction
// staged-but-uncommitted across a cancellation boundary — every
// portfolio.Transaction it begins is committed or discarded synchronously
// within the same cycle — so this step is a defensive re-assertion of the
// ledger's latest committed state, not a recovery from a half-applied one.
func shutdown(ledger journal.Ledger, sessionID string) error {
	latest, err := ledger.LatestCashEquity(sessionID)
	if err != nil {
		return fmt.Errorf("shutdown: read final cash equity: %w", err)
	}
	if err := ledger.SaveCashEquity(latest); err != nil {
		return fmt.Errorf("shutdown: persist final cash equity: %w", err)
	}
	fmt.Printf("portfoliod: session %s stopped, final equity=%s\n", sessionID, latest.TotalEquity.String())
	return nil
}

func loadConfig() (*config.Config, error) {
	if runConfigPath == "" {
		return config.Default(), nil
	}
	return config.LoadFromFile(runConfigPath)
}

func symbolList(cfg *config.Config) []string {
	symbols := make([]string, 0, len(cfg.Symbols))
	for symbol := range cfg.Symbols {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

func printReport(report cycle.Report) {
	fmt.Printf("cycle %s: committed=%d skipped=%d bracket_events=%d partial_snapshot=%v\n",
		report.CycleID, len(report.Committed), len(report.Skipped), len(report.BracketEvents), report.SnapshotPartial)
	for _, t := range report.Committed {
		fmt.Printf("  %s %s qty=%s price=%s reason=%s\n", t.Symbol, t.Side, t.Quantity.String(), t.Price.String(), t.Reason)
	}
}
