package risk

import (
	"fmt"

	"github.com/cryptoportfolio/core/indicators"
	"github.com/cryptoportfolio/core/market"
	"github.com/cryptoportfolio/core/money"
	"github.com/shopspring/decimal"
)

// SizeRequest is everything the sizer needs to turn a routed order into
// an exchange-legal quantity.
type SizeRequest struct {
	Symbol       string
	Side         Side
	Entry        decimal.Decimal
	Equity       decimal.Decimal
	Exploration  bool // PILOT/EXPLORE intents use the smaller notional floor

	ATR     *decimal.Decimal // nil if the real indicator is still warming up
	Candles []market.Candle  // used for BootstrapATR when ATR is nil

	CurrentSymbolExposure  decimal.Decimal // USD notional already on this symbol
	CurrentSessionExposure decimal.Decimal // USD notional already on the session
}

// SizedOrder is a fully quantized, exchange-legal order.
type SizedOrder struct {
	Symbol   string
	Side     Side
	Quantity decimal.Decimal
	Price    decimal.Decimal
	Notional decimal.Decimal
}

// ErrBelowFloor means the capped notional could not be scaled up to the
// configured floor without exceeding a cap.
var ErrBelowFloor = fmt.Errorf("risk: capped notional below floor")

// ErrPrecisionFail means even the minimum-qty/min-notional bump could not
// fit within the caps.
var ErrPrecisionFail = fmt.Errorf("risk: cannot satisfy venue minimums within caps")

// Size implements spec §4.5: volatility-normalized sizing, three
// order-dependent caps taken as a minimum, a notional floor, and
// tick/step quantization. Errors are always one of ErrBelowFloor or
// ErrPrecisionFail; any other error is a programming error (bad venue
// rule, zero entry price).
func Size(policy Policy, rule market.VenueRule, req SizeRequest) (SizedOrder, error) {
	if req.Entry.LessThanOrEqual(decimal.Zero) {
		return SizedOrder{}, fmt.Errorf("risk: entry price must be positive")
	}

	atr := atrValue(req)
	atrPct := atr.Div(req.Entry)
	stopDistance := req.Entry.Mul(atrPct).Mul(policy.Sizing.ATRMultiple)
	if stopDistance.LessThanOrEqual(decimal.Zero) {
		return SizedOrder{}, fmt.Errorf("risk: non-positive stop distance")
	}

	riskAmount := req.Equity.Mul(policy.Sizing.RiskPerTradePct)
	qtyRaw := riskAmount.Div(stopDistance)
	notionalRaw := qtyRaw.Mul(req.Entry)

	capNotionalPct := policy.Sizing.MaxNotionalPct.Mul(req.Equity)
	capPerSymbol := decimal.Max(decimal.Zero, policy.PerSymbolCap.Sub(req.CurrentSymbolExposure))
	capSession := decimal.Max(decimal.Zero, policy.SessionCap.Sub(req.CurrentSessionExposure))

	cappedNotional := decimal.Min(notionalRaw, capNotionalPct, capPerSymbol, capSession)

	floor := policy.Sizing.NotionalFloorNormal
	if req.Exploration {
		floor = policy.Sizing.NotionalFloorExplore
	}

	finalNotional := cappedNotional
	if finalNotional.LessThan(floor) {
		ceiling := decimal.Min(capNotionalPct, capPerSymbol, capSession)
		if floor.GreaterThan(ceiling) {
			return SizedOrder{}, ErrBelowFloor
		}
		finalNotional = floor
	}

	qty := finalNotional.Div(req.Entry)

	venueRule := money.VenueRule{PriceTick: rule.PriceTick, QtyStep: rule.QtyStep, MinQty: rule.MinQty, MinNotional: rule.MinNotional}
	price := money.QuantizePrice(req.Entry, venueRule)
	quantizedQty := money.QuantizeQtyDown(qty, venueRule)

	if quantizedQty.LessThan(rule.MinQty) || quantizedQty.Mul(price).LessThan(rule.MinNotional) {
		bumped := decimal.Max(rule.MinQty, rule.MinNotional.Div(price))
		bumped = money.QuantizeQtyDown(bumped, venueRule)
		if bumped.LessThan(rule.MinQty) {
			bumped = bumped.Add(rule.QtyStep) // one step up to clear the floor exactly once
		}
		bumpedNotional := bumped.Mul(price)
		ceiling := decimal.Min(capNotionalPct, capPerSymbol, capSession)
		if bumpedNotional.GreaterThan(ceiling) {
			return SizedOrder{}, ErrPrecisionFail
		}
		quantizedQty = bumped
	}

	return SizedOrder{
		Symbol:   req.Symbol,
		Side:     req.Side,
		Quantity: quantizedQty,
		Price:    price,
		Notional: quantizedQty.Mul(price),
	}, nil
}

// atrValue prefers the real indicator; falls back to the bootstrap
// estimate during warmup, per spec §4.5.
func atrValue(req SizeRequest) decimal.Decimal {
	if req.ATR != nil {
		return *req.ATR
	}
	return indicators.BootstrapATR(req.Candles, req.Entry)
}
