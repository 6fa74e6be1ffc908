package account

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/mntex/pkg/app/core"
)

// Account holds one owner's MNT balance and open positions.
// Balance excludes margin posted to positions.
type Account struct {
	Owner     string
	Balance   decimal.Decimal
	Positions map[string]Position // symbol → position

	// Cumulative statistics
	RealizedPnL decimal.Decimal
	FundingPaid decimal.Decimal // net funding paid; negative when received
	TradeCount  int64
	UpdatedAt   time.Time
}

// Position is a principal position against the exchange's quotes.
type Position struct {
	Owner      string
	Symbol     string
	Side       core.Side
	Size       decimal.Decimal // contracts, always positive
	EntryPrice decimal.Decimal // size-weighted average across adds
	Margin     decimal.Decimal // initial margin posted
	OpenedAt   time.Time
}

func NewAccount(owner string) Account {
	return Account{
		Owner:     owner,
		Positions: make(map[string]Position),
	}
}

func (a Account) clone() Account {
	out := a
	out.Positions = make(map[string]Position, len(a.Positions))
	for k, v := range a.Positions {
		out.Positions[k] = v
	}
	return out
}

// MarginUsed returns the sum of all position margins.
func (a Account) MarginUsed() decimal.Decimal {
	total := decimal.Zero
	for _, p := range a.Positions {
		total = total.Add(p.Margin)
	}
	return total
}

// Validate checks account invariants
func (a Account) Validate() error {
	for symbol, p := range a.Positions {
		if p.Symbol != symbol {
			return errors.Wrapf(core.ErrInvariant, "position symbol mismatch: map key=%s, pos.Symbol=%s", symbol, p.Symbol)
		}
		if p.Size.Sign() <= 0 {
			return errors.Wrapf(core.ErrInvariant, "non-positive size for %s: %s", symbol, p.Size)
		}
		if p.Margin.Sign() < 0 {
			return errors.Wrapf(core.ErrInvariant, "negative margin for %s: %s", symbol, p.Margin)
		}
		if !p.Side.Valid() {
			return errors.Wrapf(core.ErrInvariant, "invalid side for %s", symbol)
		}
	}
	return nil
}

// UnrealizedPnL is (price − entry) × size, sign per side.
func (p Position) UnrealizedPnL(price decimal.Decimal) decimal.Decimal {
	return price.Sub(p.EntryPrice).Mul(p.Size).Mul(p.Side.Sign())
}

// Notional returns size × price.
func (p Position) Notional(price decimal.Decimal) decimal.Decimal {
	return p.Size.Mul(price)
}

// Leverage returns notional / margin.
func (p Position) Leverage(price decimal.Decimal) decimal.Decimal {
	if p.Margin.IsZero() {
		return decimal.Zero
	}
	return p.Notional(price).Div(p.Margin)
}

// SignedSize is positive for longs and negative for shorts.
func (p Position) SignedSize() decimal.Decimal {
	return p.Size.Mul(p.Side.Sign())
}

// Maintenance is the margin level below which the position is liquidated.
func (p Position) Maintenance(fraction decimal.Decimal) decimal.Decimal {
	return p.Margin.Mul(fraction)
}

// LiquidationPrice is the close price at which margin + pnl falls to the
// maintenance level.
func (p Position) LiquidationPrice(fraction decimal.Decimal) decimal.Decimal {
	if p.Size.IsZero() {
		return decimal.Zero
	}
	buffer := p.Margin.Sub(p.Maintenance(fraction)).Div(p.Size)
	if p.Side == core.Buy {
		return decimal.Max(decimal.Zero, p.EntryPrice.Sub(buffer))
	}
	return p.EntryPrice.Add(buffer)
}

// Liquidatable reports whether margin + pnl at price is at or below maintenance.
func (p Position) Liquidatable(price, fraction decimal.Decimal) bool {
	return p.Margin.Add(p.UnrealizedPnL(price)).LessThanOrEqual(p.Maintenance(fraction))
}

// Settlement is the result of closing a position.
type Settlement struct {
	Owner      string
	Symbol     string
	Side       core.Side
	Size       decimal.Decimal
	EntryPrice decimal.Decimal
	ClosePrice decimal.Decimal
	Margin     decimal.Decimal
	PnL        decimal.Decimal
	Balance    decimal.Decimal // after the close
	Liquidated bool
	Time       time.Time
}

// View is an account marked to the current quotes.
type View struct {
	Owner         string
	Balance       decimal.Decimal
	MarginUsed    decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Equity        decimal.Decimal // balance + margin + unrealized pnl
	RealizedPnL   decimal.Decimal
	FundingPaid   decimal.Decimal
	Positions     []PositionView
}

type PositionView struct {
	Position
	MarkPrice        decimal.Decimal // close-side quote, zero when no quote
	UnrealizedPnL    decimal.Decimal
	LiquidationPrice decimal.Decimal
}
