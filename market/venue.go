package market

import "github.com/shopspring/decimal"

// VenueRule carries the exchange-legal precision and size rules for one
// symbol at one venue. It satisfies money.VenueRule's field shape.
type VenueRule struct {
	Venue       string
	Symbol      string
	PriceTick   decimal.Decimal
	QtyStep     decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
	MakerBps    decimal.Decimal
	TakerBps    decimal.Decimal
}

// VenueMap is the static venue-mapping table spec §4.2 step 1 resolves
// against: (venue, normalized_symbol) for every symbol this system trades.
// It plays the same role teacher's market.Instruments plays for FX pairs,
// generalized from one global account currency to a per-venue fee/precision
// table.
var VenueMap = map[string]VenueRule{
	"BTC-USD": {
		Venue: "coinbase", Symbol: "BTC-USD",
		PriceTick: dec("0.01"), QtyStep: dec("0.00001"),
		MinQty: dec("0.00001"), MinNotional: dec("10"),
		MakerBps: dec("4"), TakerBps: dec("6"),
	},
	"ETH-USD": {
		Venue: "coinbase", Symbol: "ETH-USD",
		PriceTick: dec("0.01"), QtyStep: dec("0.0001"),
		MinQty: dec("0.0001"), MinNotional: dec("10"),
		MakerBps: dec("4"), TakerBps: dec("6"),
	},
	"SOL-USD": {
		Venue: "coinbase", Symbol: "SOL-USD",
		PriceTick: dec("0.001"), QtyStep: dec("0.001"),
		MinQty: dec("0.001"), MinNotional: dec("5"),
		MakerBps: dec("4"), TakerBps: dec("6"),
	},
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err) // static table, programming error if malformed
	}
	return d
}

// ErrUnsupportedSymbol is the data_quality="unsupported" tag from spec §4.2.
type ErrUnsupportedSymbol struct{ Symbol string }

func (e ErrUnsupportedSymbol) Error() string {
	return "market: unsupported symbol " + e.Symbol
}

// Resolve looks up the venue/normalized-symbol pair and precision rule for
// a symbol. Unsupported symbols are reported via ErrUnsupportedSymbol so
// callers can tag data_quality="unsupported" and skip, never mock-fill.
func Resolve(symbol string) (VenueRule, error) {
	r, ok := VenueMap[symbol]
	if !ok {
		return VenueRule{}, ErrUnsupportedSymbol{Symbol: symbol}
	}
	return r, nil
}
