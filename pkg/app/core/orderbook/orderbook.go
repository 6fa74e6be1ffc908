package orderbook

import (
	"github.com/google/btree"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/mntex/pkg/app/core"
)

const treeDegree = 32

// Fill is one execution against a resting order. Maker is the resting order after the fill.
type Fill struct {
	Maker core.Order
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// Level is an aggregated depth row. It deliberately carries no order identities.
type Level struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Count    int
}

// level is one price with its resting orders in arrival order.
type level struct {
	price  decimal.Decimal
	side   core.Side
	orders []*core.Order
}

func (l *level) aggregate() Level {
	total := decimal.Zero
	for _, o := range l.orders {
		total = total.Add(o.Remaining())
	}
	return Level{Price: l.price, Quantity: total, Count: len(l.orders)}
}

// Book is a single-symbol price-time priority order book.
//
// Bids are kept in descending and asks in ascending price order, so the best
// level of either side is the tree minimum. Book is not safe for concurrent
// use; the matching engine serializes all access per symbol.
type Book struct {
	symbol string

	bids *btree.BTreeG[*level]
	asks *btree.BTreeG[*level]

	// Order index for O(1) cancellation
	index map[string]*level

	lastPrice decimal.Decimal
}

func New(symbol string) *Book {
	return &Book{
		symbol: symbol,
		bids:   btree.NewG(treeDegree, func(a, b *level) bool { return a.price.GreaterThan(b.price) }),
		asks:   btree.NewG(treeDegree, func(a, b *level) bool { return a.price.LessThan(b.price) }),
		index:  make(map[string]*level),
	}
}

func (b *Book) Symbol() string { return b.symbol }

func (b *Book) side(s core.Side) *btree.BTreeG[*level] {
	if s == core.Buy {
		return b.bids
	}
	return b.asks
}

// Submit matches o against the opposite side and rests any limit remainder.
//
// Validation happens before any state change. o is updated in place (Filled,
// Cancelled) and, if it rests, the book keeps the pointer, so the caller must
// not reuse it. A market order's unmatched remainder is dropped and the order
// is marked cancelled.
func (b *Book) Submit(o *core.Order) ([]Fill, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	if o.Symbol != b.symbol {
		return nil, errors.Wrapf(core.ErrValidation, "order for %s submitted to %s book", o.Symbol, b.symbol)
	}
	if o.ID == "" {
		return nil, errors.Wrap(core.ErrValidation, "order id is required")
	}
	if _, exists := b.index[o.ID]; exists {
		return nil, errors.Wrapf(core.ErrValidation, "order %s is already resting", o.ID)
	}

	opposite := b.side(o.Side.Opposite())
	var fills []Fill

	for o.Remaining().Sign() > 0 {
		best, ok := opposite.Min()
		if !ok || !crosses(o, best.price) {
			break
		}
		maker := best.orders[0]
		resting := maker.Remaining()
		if resting.Sign() <= 0 {
			return fills, errors.Wrapf(core.ErrInvariant, "resting order %s has remaining %s", maker.ID, resting)
		}

		qty := decimal.Min(o.Remaining(), resting)
		o.Filled = o.Filled.Add(qty)
		maker.Filled = maker.Filled.Add(qty)
		fills = append(fills, Fill{Maker: *maker, Price: best.price, Qty: qty})
		b.lastPrice = best.price

		if maker.Remaining().Sign() == 0 {
			best.orders[0] = nil
			best.orders = best.orders[1:]
			delete(b.index, maker.ID)
			if len(best.orders) == 0 {
				opposite.Delete(best)
			}
		}
	}

	if o.Remaining().Sign() > 0 {
		if o.Type == core.Market {
			o.Cancelled = true
		} else {
			b.rest(o)
		}
	}
	return fills, nil
}

func crosses(o *core.Order, resting decimal.Decimal) bool {
	if o.Type == core.Market {
		return true
	}
	if o.Side == core.Buy {
		return resting.LessThanOrEqual(o.Price)
	}
	return resting.GreaterThanOrEqual(o.Price)
}

func (b *Book) rest(o *core.Order) {
	tree := b.side(o.Side)
	lvl, ok := tree.Get(&level{price: o.Price})
	if !ok {
		lvl = &level{price: o.Price, side: o.Side}
		tree.ReplaceOrInsert(lvl)
	}
	lvl.orders = append(lvl.orders, o)
	b.index[o.ID] = lvl
}

// Cancel removes a resting order. Unknown, filled or already cancelled ids report false.
func (b *Book) Cancel(id string) (core.Order, bool) {
	lvl, ok := b.index[id]
	if !ok {
		return core.Order{}, false
	}
	for i, o := range lvl.orders {
		if o.ID != id {
			continue
		}
		lvl.orders = append(lvl.orders[:i], lvl.orders[i+1:]...)
		delete(b.index, id)
		if len(lvl.orders) == 0 {
			b.side(lvl.side).Delete(lvl)
		}
		o.Cancelled = true
		return *o, true
	}
	// indexed but absent from its level: drop the stale entry
	delete(b.index, id)
	return core.Order{}, false
}

// Order returns a copy of a resting order.
func (b *Book) Order(id string) (core.Order, bool) {
	lvl, ok := b.index[id]
	if !ok {
		return core.Order{}, false
	}
	for _, o := range lvl.orders {
		if o.ID == id {
			return *o, true
		}
	}
	return core.Order{}, false
}

func (b *Book) BestBid() (decimal.Decimal, bool) {
	lvl, ok := b.bids.Min()
	if !ok {
		return decimal.Zero, false
	}
	return lvl.price, true
}

func (b *Book) BestAsk() (decimal.Decimal, bool) {
	lvl, ok := b.asks.Min()
	if !ok {
		return decimal.Zero, false
	}
	return lvl.price, true
}

// Crossed reports best bid >= best ask, which must never hold after a match.
func (b *Book) Crossed() bool {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	return okBid && okAsk && bid.GreaterThanOrEqual(ask)
}

// Depth returns up to levels aggregated rows per side, best first. levels <= 0 returns every level.
func (b *Book) Depth(levels int) (bids, asks []Level) {
	return collect(b.bids, levels), collect(b.asks, levels)
}

func collect(tree *btree.BTreeG[*level], n int) []Level {
	out := make([]Level, 0)
	tree.Ascend(func(l *level) bool {
		out = append(out, l.aggregate())
		return n <= 0 || len(out) < n
	})
	return out
}

// LastPrice returns the most recent fill price, zero before the first trade.
func (b *Book) LastPrice() decimal.Decimal {
	return b.lastPrice
}

// Len returns the number of resting orders.
func (b *Book) Len() int {
	return len(b.index)
}

// RestingQuantity sums the remaining quantity on both sides.
func (b *Book) RestingQuantity() decimal.Decimal {
	total := decimal.Zero
	sum := func(l *level) bool {
		total = total.Add(l.aggregate().Quantity)
		return true
	}
	b.bids.Ascend(sum)
	b.asks.Ascend(sum)
	return total
}
