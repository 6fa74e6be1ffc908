package market

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/mntex/pkg/app/core"
)

// Category groups products for display
type Category string

const (
	Commodity Category = "COMMODITY"
	FXMajor   Category = "FX_MAJOR"
	FXExotic  Category = "FX_EXOTIC"
	Index     Category = "INDEX"
	Crypto    Category = "CRYPTO"
)

// Product is immutable reference data for one tradable symbol (e.g., "XAU-MNT").
// Registry hands out copies, so callers can never mutate the catalog.
type Product struct {
	Symbol      string   // exchange symbol, "XAU-MNT"
	Underlying  string   // venue symbol used for quotes and hedges, "XAU/USD"
	Name        string
	Description string
	Category    Category

	ContractSize decimal.Decimal // units per contract
	TickSize     decimal.Decimal // minimum price movement on the venue price
	SpreadMarkup decimal.Decimal // extra spread in ticks, split evenly between bid and ask
	MinOrder     decimal.Decimal
	MaxOrder     decimal.Decimal
	MarginRate   decimal.Decimal // initial margin as a fraction of notional

	QuoteInMNT bool // venue price is USD and must be converted
	Inverted   bool // venue pair is USD/XXX, so the MNT price is USDMNT ÷ venue price
	Active     bool
}

// Validate checks product parameter sanity
func (p Product) Validate() error {
	if p.Symbol == "" {
		return errors.Wrap(core.ErrValidation, "symbol cannot be empty")
	}
	if p.Underlying == "" {
		return errors.Wrapf(core.ErrValidation, "%s: underlying cannot be empty", p.Symbol)
	}
	if p.ContractSize.Sign() <= 0 {
		return errors.Wrapf(core.ErrValidation, "%s: contract size must be positive", p.Symbol)
	}
	if p.TickSize.Sign() <= 0 {
		return errors.Wrapf(core.ErrValidation, "%s: tick size must be positive", p.Symbol)
	}
	if p.SpreadMarkup.Sign() < 0 {
		return errors.Wrapf(core.ErrValidation, "%s: spread markup cannot be negative", p.Symbol)
	}
	if p.MinOrder.Sign() <= 0 || p.MaxOrder.Sign() <= 0 {
		return errors.Wrapf(core.ErrValidation, "%s: order limits must be positive", p.Symbol)
	}
	if p.MinOrder.GreaterThan(p.MaxOrder) {
		return errors.Wrapf(core.ErrValidation, "%s: min order cannot exceed max order", p.Symbol)
	}
	if p.MarginRate.Sign() <= 0 || p.MarginRate.GreaterThan(decimal.NewFromInt(1)) {
		return errors.Wrapf(core.ErrValidation, "%s: margin rate must be in (0, 1]", p.Symbol)
	}
	return nil
}

// ValidateSize rejects sizes outside [MinOrder, MaxOrder].
func (p Product) ValidateSize(size decimal.Decimal) error {
	if size.Sign() <= 0 {
		return errors.Wrapf(core.ErrValidation, "size must be positive, got %s", size)
	}
	if size.LessThan(p.MinOrder) {
		return errors.Wrapf(core.ErrValidation, "%s: size %s below minimum %s", p.Symbol, size, p.MinOrder)
	}
	if size.GreaterThan(p.MaxOrder) {
		return errors.Wrapf(core.ErrValidation, "%s: size %s above maximum %s", p.Symbol, size, p.MaxOrder)
	}
	return nil
}

// Margin returns the initial margin for size contracts at price.
func (p Product) Margin(size, price decimal.Decimal) decimal.Decimal {
	return size.Mul(price).Mul(p.MarginRate)
}

// HalfMarkup is markup × tick / 2, the amount added to each side of a venue quote.
func (p Product) HalfMarkup() decimal.Decimal {
	return p.SpreadMarkup.Mul(p.TickSize).Div(decimal.NewFromInt(2))
}

// Currency is the settlement currency, the part of the symbol after the last dash.
func (p Product) Currency() string {
	if i := strings.LastIndex(p.Symbol, "-"); i >= 0 && i < len(p.Symbol)-1 {
		return p.Symbol[i+1:]
	}
	if p.QuoteInMNT {
		return "MNT"
	}
	return "USD"
}
