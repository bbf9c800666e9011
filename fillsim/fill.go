// Package fillsim is the Fill Simulator (spec §4.8): turns an order into a
// Fill record by applying an adverse slippage model, a per-venue maker/taker
// fee table, and FIFO realized P&L on any lots the fill consumes.
package fillsim

import (
	"github.com/cryptoportfolio/core/journal"
	"github.com/cryptoportfolio/core/market"
	"github.com/shopspring/decimal"
)

var (
	notionalDivisor = decimal.NewFromInt(50000)
	slipCoefficient = decimal.NewFromFloat(5.0)
	slipCapBps      = decimal.NewFromFloat(8.0)
	bpsDivisor      = decimal.NewFromInt(10000)
	one             = decimal.NewFromInt(1)
)

// Order is what the sizer/router hands the simulator: a quantized,
// exchange-legal order plus whether it is a confirmed post-only (maker) fill.
type Order struct {
	Symbol   string
	Side     string // "BUY" | "SELL"
	Quantity decimal.Decimal
	IsMaker  bool // true only for a confirmed post-only fill
}

// Fill is the simulator's full output for one order.
type Fill struct {
	MarkPrice          decimal.Decimal
	EffectiveFillPrice decimal.Decimal
	SlippageBps        decimal.Decimal
	SlippageCost       decimal.Decimal
	FeeBps             decimal.Decimal
	Fees               decimal.Decimal
	IsMaker            bool
	RealizedPnL        *decimal.Decimal
	ConsumedLots       []journal.ConsumedLot
}

// slippageBps implements spec §4.8's model: min((notional/50_000)*5.0, 8.0).
func slippageBps(notional decimal.Decimal) decimal.Decimal {
	raw := notional.Div(notionalDivisor).Mul(slipCoefficient)
	return decimal.Min(raw, slipCapBps)
}

// effectiveFillPrice applies slippage adversely to the mark price: BUY
// fills higher, SELL fills lower.
func effectiveFillPrice(side string, mark, slipBps decimal.Decimal) decimal.Decimal {
	adj := slipBps.Div(bpsDivisor)
	if side == "BUY" {
		return mark.Mul(one.Add(adj))
	}
	return mark.Mul(one.Sub(adj))
}

// feeBps selects maker or taker from the venue's fee table. Taker is the
// default; maker applies only to a confirmed post-only fill.
func feeBps(rule market.VenueRule, isMaker bool) decimal.Decimal {
	if isMaker {
		return rule.MakerBps
	}
	return rule.TakerBps
}

// Simulate computes the full Fill record for an order with no lot
// consumption (an entry or an add-to-position). RealizedPnL is nil.
func Simulate(order Order, rule market.VenueRule, mark decimal.Decimal) Fill {
	notional := order.Quantity.Mul(mark)
	slip := slippageBps(notional)
	effPrice := effectiveFillPrice(order.Side, mark, slip)
	fee := feeBps(rule, order.IsMaker)
	finalNotional := order.Quantity.Mul(effPrice)
	fees := finalNotional.Mul(fee).Div(bpsDivisor)

	return Fill{
		MarkPrice:          mark,
		EffectiveFillPrice: effPrice,
		SlippageBps:        slip,
		SlippageCost:       effPrice.Sub(mark).Abs().Mul(order.Quantity),
		FeeBps:             fee,
		Fees:               fees,
		IsMaker:            order.IsMaker,
	}
}

// PreviewRealizedPnL walks lots FIFO (oldest-first, the same order
// journal.SQLiteLedger.ListLots/ConsumeLots use) without mutating the
// ledger, and returns the realized P&L and per-lot consumption fill would
// produce if order.Quantity were actually consumed. The cycle loop uses
// this to stage a realized-P&L delta on a portfolio.Transaction before
// commit; the real consumption happens later, inside Commit's
// writeThrough, via journal.Ledger.ConsumeLots — so an exit that gets
// discarded never touches the lot table.
func PreviewRealizedPnL(lots []journal.Lot, order Order, fill Fill) (decimal.Decimal, []journal.ConsumedLot, error) {
	remaining := order.Quantity
	var consumed []journal.ConsumedLot
	for _, lot := range lots {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		take := decimal.Min(lot.QuantityRemaining, remaining)
		if take.IsZero() {
			continue
		}
		consumed = append(consumed, journal.ConsumedLot{Lot: lot, QtyConsumed: take})
		remaining = remaining.Sub(take)
	}
	if remaining.GreaterThan(decimal.Zero) {
		return decimal.Zero, nil, journal.ErrInsufficientLots
	}

	realized := decimal.Zero
	for _, cl := range consumed {
		proportion := cl.QtyConsumed.Div(order.Quantity)
		exitFeesPortion := fill.Fees.Mul(proportion)
		costBasis := cl.Lot.EntryPriceInclFees.Mul(cl.QtyConsumed)
		legRealized := fill.EffectiveFillPrice.Mul(cl.QtyConsumed).Sub(exitFeesPortion).Sub(costBasis)
		realized = realized.Add(legRealized)
	}
	return realized, consumed, nil
}

// SimulateAndConsume computes the Fill for a reducing order (an exit or
// partial close) and consumes the session's FIFO lot queue for the symbol
// immediately — callers that need commit/discard safety around a
// portfolio.Transaction should use PreviewRealizedPnL plus
// Transaction.StageLotConsumption instead, so the real ledger mutation
// happens only inside Commit. Attaches per-lot realized P&L per spec §4.8:
//
//	realized = (exit_fill_price × q − exit_fees_portion) − (cost_basis × q)
//
// cost_basis is journal.Lot.EntryPriceInclFees, which already folds the
// entry fill's fee portion in — so the spec's separate
// "entry_fees_portion_in_basis" term is zero here by construction; it is
// paid for once, at the lot's creation, not again at consumption.
func SimulateAndConsume(order Order, rule market.VenueRule, mark decimal.Decimal, ledger journal.Ledger, sessionID string) (Fill, error) {
	fill := Simulate(order, rule, mark)

	consumed, err := ledger.ConsumeLots(sessionID, order.Symbol, order.Quantity)
	if err != nil {
		return Fill{}, err
	}
	fill.ConsumedLots = consumed

	realized := decimal.Zero
	for _, cl := range consumed {
		proportion := cl.QtyConsumed.Div(order.Quantity)
		exitFeesPortion := fill.Fees.Mul(proportion)
		costBasis := cl.Lot.EntryPriceInclFees.Mul(cl.QtyConsumed)
		legRealized := fill.EffectiveFillPrice.Mul(cl.QtyConsumed).Sub(exitFeesPortion).Sub(costBasis)
		realized = realized.Add(legRealized)
	}
	fill.RealizedPnL = &realized
	return fill, nil
}
