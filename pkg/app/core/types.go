package core

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Side doubles as the position direction: Buy is long, Sell is short.
type Side int8

const (
	Buy  Side = 1
	Sell Side = -1
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// Sign returns +1 for Buy and -1 for Sell as a decimal multiplier.
func (s Side) Sign() decimal.Decimal {
	return decimal.NewFromInt(int64(s))
}

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	return -s
}

func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// ParseSide accepts buy/sell as well as long/short.
func ParseSide(v string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "buy", "long", "bid":
		return Buy, nil
	case "sell", "short", "ask":
		return Sell, nil
	}
	return 0, errors.Wrapf(ErrValidation, "unknown side %q", v)
}

type OrderType int8

const (
	Limit OrderType = iota
	Market
)

func (t OrderType) String() string {
	switch t {
	case Limit:
		return "limit"
	case Market:
		return "market"
	default:
		return "unknown"
	}
}

func ParseOrderType(v string) (OrderType, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "limit", "":
		return Limit, nil
	case "market":
		return Market, nil
	}
	return 0, errors.Wrapf(ErrValidation, "unknown order type %q", v)
}

type OrderStatus int8

const (
	OrderOpen OrderStatus = iota
	OrderPartiallyFilled
	OrderFilled
	OrderCancelled
)

func (s OrderStatus) String() string {
	switch s {
	case OrderOpen:
		return "open"
	case OrderPartiallyFilled:
		return "partially_filled"
	case OrderFilled:
		return "filled"
	case OrderCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further fills can happen.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled
}

type Order struct {
	ID        string
	Symbol    string
	Owner     string
	Side      Side
	Type      OrderType
	Price     decimal.Decimal // zero for market orders
	Quantity  decimal.Decimal
	Filled    decimal.Decimal
	Cancelled bool
	CreatedAt time.Time
}

func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.Filled)
}

// Status is derived from the remaining quantity and the cancellation flag, never stored.
func (o *Order) Status() OrderStatus {
	switch {
	case o.Remaining().Sign() <= 0:
		return OrderFilled
	case o.Cancelled:
		return OrderCancelled
	case o.Filled.Sign() > 0:
		return OrderPartiallyFilled
	default:
		return OrderOpen
	}
}

// Validate checks the fields that must hold before an order touches a book.
func (o *Order) Validate() error {
	if o.Symbol == "" {
		return errors.Wrap(ErrValidation, "symbol is required")
	}
	if !o.Side.Valid() {
		return errors.Wrapf(ErrValidation, "invalid side %d", o.Side)
	}
	if o.Quantity.Sign() <= 0 {
		return errors.Wrapf(ErrValidation, "quantity must be positive, got %s", o.Quantity)
	}
	switch o.Type {
	case Limit:
		if o.Price.Sign() <= 0 {
			return errors.Wrapf(ErrValidation, "limit price must be positive, got %s", o.Price)
		}
	case Market:
	default:
		return errors.Wrapf(ErrValidation, "invalid order type %d", o.Type)
	}
	if o.Filled.Sign() != 0 || o.Cancelled {
		return errors.Wrap(ErrValidation, "order already executed")
	}
	return nil
}

// Trade is immutable once created; buyer paid and seller received the same Price.
type Trade struct {
	ID          string
	Symbol      string
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	BuyOrderID  string
	SellOrderID string
	Buyer       string
	Seller      string
	TakerSide   Side
	Time        time.Time
}

// Notional is price × quantity.
func (t Trade) Notional() decimal.Decimal {
	return t.Price.Mul(t.Quantity)
}
