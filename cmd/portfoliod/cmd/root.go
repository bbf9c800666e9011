package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "portfoliod",
	Short: "A crypto portfolio state core: ledger, risk gates, and bracket management",
	Long: `portfoliod runs the trading-cycle loop that owns a session's cash,
positions, lots, and trade history.

It provides:
  - A durable, single-writer ledger of cash, equity, positions, and lots
  - A decision pipeline that gates candidates on data quality, edge, and risk
  - ATR-based position sizing with per-symbol and per-session notional caps
  - Bracket-based stop-loss, take-profit ladder, and time-stop management
  - FIFO realized P&L accounting with a reconciling commit-or-discard ledger

It does not itself decide what to trade — a caller-supplied candidate
source feeds it already-scored entries; left unset, it only manages
brackets on positions a session already holds.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
}
