// Package quote derives the exchange's customer prices from index snapshots.
package quote

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/mntex/pkg/app/core"
	"github.com/uhyunpark/mntex/pkg/app/core/market"
	"github.com/uhyunpark/mntex/pkg/app/core/priceindex"
	"github.com/uhyunpark/mntex/pkg/util"
)

// DefaultUSDMNT is the fallback USD/MNT conversion rate.
var DefaultUSDMNT = decimal.NewFromInt(3450)

// priceScale is the decimal places kept when inverting a venue price.
const priceScale = 8

type ProductSource interface {
	Get(symbol string) (market.Product, error)
	ListActive() []market.Product
}

type PriceSource interface {
	Snapshot(symbol string) (priceindex.Snapshot, bool)
}

type Quote struct {
	Symbol   string
	Bid      decimal.Decimal
	Ask      decimal.Decimal
	Mid      decimal.Decimal
	Spread   decimal.Decimal
	Currency string
	Time     time.Time
}

type Quoter struct {
	products ProductSource
	prices   PriceSource
	usdMNT   decimal.Decimal
	maxAge   time.Duration // zero disables the staleness check
	clock    util.Clock
}

type Option func(*Quoter)

func WithUSDMNT(rate decimal.Decimal) Option {
	return func(q *Quoter) { q.usdMNT = rate }
}

func WithMaxAge(d time.Duration) Option {
	return func(q *Quoter) { q.maxAge = d }
}

func WithClock(c util.Clock) Option {
	return func(q *Quoter) { q.clock = c }
}

func New(products ProductSource, prices PriceSource, opts ...Option) *Quoter {
	q := &Quoter{
		products: products,
		prices:   prices,
		usdMNT:   DefaultUSDMNT,
		clock:    util.RealClock{},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Quote returns the marked-up two-sided price for an active product.
func (q *Quoter) Quote(symbol string) (Quote, error) {
	p, err := q.products.Get(symbol)
	if err != nil {
		return Quote{}, err
	}
	if !p.Active {
		return Quote{}, errors.Wrapf(core.ErrNotFound, "product %s is not active", symbol)
	}
	return q.quote(p)
}

func (q *Quoter) quote(p market.Product) (Quote, error) {
	snap, ok := q.prices.Snapshot(p.Symbol)
	if !ok {
		return Quote{}, errors.Wrapf(core.ErrQuoteUnavailable, "no price for %s", p.Symbol)
	}
	if q.maxAge > 0 {
		if age := q.clock.Now().Sub(snap.Time); age > q.maxAge {
			return Quote{}, errors.Wrapf(core.ErrQuoteUnavailable, "price for %s is %s old", p.Symbol, age)
		}
	}

	bid := decimal.NewFromFloat(snap.Bid)
	ask := decimal.NewFromFloat(snap.Ask)
	switch {
	case p.Inverted:
		// USD/XXX: a high venue ask is a low XXX price
		bid, ask = q.usdMNT.DivRound(ask, priceScale), q.usdMNT.DivRound(bid, priceScale)
	case p.QuoteInMNT:
		bid = bid.Mul(q.usdMNT)
		ask = ask.Mul(q.usdMNT)
	}
	// tick size is denominated in the quote currency
	half := p.HalfMarkup()
	bid = bid.Sub(half)
	ask = ask.Add(half)
	if bid.Sign() <= 0 {
		return Quote{}, errors.Wrapf(core.ErrQuoteUnavailable, "%s: markup exceeds price", p.Symbol)
	}
	return Quote{
		Symbol:   p.Symbol,
		Bid:      bid,
		Ask:      ask,
		Mid:      bid.Add(ask).Div(decimal.NewFromInt(2)),
		Spread:   ask.Sub(bid),
		Currency: p.Currency(),
		Time:     snap.Time,
	}, nil
}

// Quotes skips products without a usable price.
func (q *Quoter) Quotes() []Quote {
	products := q.products.ListActive()
	out := make([]Quote, 0, len(products))
	for _, p := range products {
		if qt, err := q.quote(p); err == nil {
			out = append(out, qt)
		}
	}
	return out
}

// PriceFor is the side a customer trades against: the ask when buying, the bid when selling.
func (qt Quote) PriceFor(side core.Side) decimal.Decimal {
	if side == core.Buy {
		return qt.Ask
	}
	return qt.Bid
}
