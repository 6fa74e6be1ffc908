// Package matching routes orders to per-symbol books and records the trade tape.
package matching

import (
	"sort"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/mntex/pkg/app/core"
	"github.com/uhyunpark/mntex/pkg/app/core/events"
	"github.com/uhyunpark/mntex/pkg/app/core/market"
	"github.com/uhyunpark/mntex/pkg/app/core/orderbook"
	"github.com/uhyunpark/mntex/pkg/util"
)

const DefaultTapeSize = 10000

// ProductSource resolves tradable products. *market.Registry satisfies it.
type ProductSource interface {
	GetActive(symbol string) (market.Product, error)
	Exists(symbol string) bool
}

// Guard can veto an order before it reaches the book (circuit breaker).
type Guard interface {
	Allow(symbol string, side core.Side, price decimal.Decimal) error
}

type Option func(*Engine)

func WithProducts(p ProductSource) Option { return func(e *Engine) { e.products = p } }
func WithGuard(g Guard) Option            { return func(e *Engine) { e.guard = g } }
func WithClock(c util.Clock) Option       { return func(e *Engine) { e.clock = c } }
func WithNode(n *snowflake.Node) Option   { return func(e *Engine) { e.node = n } }

// WithIDMemory sets how many past order ids are kept for duplicate detection.
func WithIDMemory(n int) Option { return func(e *Engine) { e.idMemory = n } }

func WithTapeSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.tapeSize = n
		}
	}
}

// symbolBook is the unit of serialization: one writer per symbol.
type symbolBook struct {
	// mu guards book and tape.
	mu   sync.RWMutex
	book *orderbook.Book
	tape []core.Trade

	// pub is taken before mu is released so notifications leave in match order
	// while observers remain free to read the book.
	pub sync.Mutex
}

// BBO is the best bid and offer; nil means the side is empty.
type BBO struct {
	Symbol string
	Bid    *decimal.Decimal
	Ask    *decimal.Decimal
}

type Engine struct {
	log      *zap.Logger
	clock    util.Clock
	node     *snowflake.Node
	products ProductSource
	guard    Guard
	tapeSize int
	idMemory int

	mu    sync.RWMutex
	books map[string]*symbolBook

	// order id -> symbol for resting orders
	index sync.Map
	// every accepted order id, resting or not
	seen *idSet

	trades *events.Bus[core.Trade]
	orders *events.Bus[core.Order]
}

func New(log *zap.Logger, opts ...Option) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		log:      log.Named("matching"),
		clock:    util.RealClock{},
		tapeSize: DefaultTapeSize,
		idMemory: DefaultIDMemory,
		books:    make(map[string]*symbolBook),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.seen = newIDSet(e.idMemory)
	if e.node == nil {
		node, err := snowflake.NewNode(1)
		if err != nil {
			return nil, errors.Wrap(err, "create trade id node")
		}
		e.node = node
	}
	e.trades = events.NewBus[core.Trade]("trades", e.log)
	e.orders = events.NewBus[core.Order]("orders", e.log)
	return e, nil
}

// Trades is notified for every execution, in match order per symbol.
func (e *Engine) Trades() *events.Bus[core.Trade] { return e.trades }

// Orders is notified for every order status change.
func (e *Engine) Orders() *events.Bus[core.Order] { return e.orders }

// book returns the symbol's book, creating it on first reference.
func (e *Engine) book(symbol string) *symbolBook {
	e.mu.RLock()
	sb, ok := e.books[symbol]
	e.mu.RUnlock()
	if ok {
		return sb
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if sb, ok = e.books[symbol]; ok {
		return sb
	}
	sb = &symbolBook{book: orderbook.New(symbol)}
	e.books[symbol] = sb
	e.log.Info("book_created", zap.String("symbol", symbol))
	return sb
}

func (e *Engine) lookup(symbol string) (*symbolBook, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sb, ok := e.books[symbol]
	return sb, ok
}

func (e *Engine) validate(o *core.Order) error {
	if err := o.Validate(); err != nil {
		return err
	}
	if e.products == nil {
		return nil
	}
	p, err := e.products.GetActive(o.Symbol)
	if err != nil {
		return errors.Wrapf(core.ErrValidation, "unknown or inactive symbol %s", o.Symbol)
	}
	return p.ValidateSize(o.Quantity)
}

// Process validates, matches and records one order. It returns the order's
// final state and the trades it produced. Nothing is mutated when an error
// other than ErrInvariant is returned.
func (e *Engine) Process(req core.Order) (core.Order, []core.Trade, error) {
	o := &core.Order{
		ID:        req.ID,
		Symbol:    req.Symbol,
		Owner:     req.Owner,
		Side:      req.Side,
		Type:      req.Type,
		Price:     req.Price,
		Quantity:  req.Quantity,
		Filled:    req.Filled,
		Cancelled: req.Cancelled,
		CreatedAt: req.CreatedAt,
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = e.clock.Now()
	}
	if o.Type == core.Market {
		o.Price = decimal.Zero
	}
	if err := e.validate(o); err != nil {
		return *o, nil, err
	}
	// reserved before matching so concurrent submits of one id cannot both pass
	if !e.seen.reserve(o.ID) {
		return *o, nil, errors.Wrapf(core.ErrValidation, "duplicate order id %s", o.ID)
	}
	if _, resting := e.index.Load(o.ID); resting {
		return *o, nil, errors.Wrapf(core.ErrValidation, "duplicate order id %s", o.ID)
	}

	sb := e.book(o.Symbol)
	sb.mu.Lock()

	if err := e.checkGuard(sb.book, o); err != nil {
		sb.mu.Unlock()
		e.seen.release(o.ID)
		return *o, nil, err
	}

	fills, err := sb.book.Submit(o)
	if err != nil && !errors.Is(err, core.ErrInvariant) {
		sb.mu.Unlock()
		e.seen.release(o.ID)
		return *o, nil, err
	}

	now := e.clock.Now()
	trades := make([]core.Trade, 0, len(fills))
	makers := make([]core.Order, 0, len(fills))
	for _, f := range fills {
		trades = append(trades, e.newTrade(o, f, now))
		makers = append(makers, f.Maker)
		if f.Maker.Remaining().Sign() == 0 {
			e.index.Delete(f.Maker.ID)
		}
	}
	if o.Remaining().Sign() > 0 && !o.Cancelled {
		e.index.Store(o.ID, o.Symbol)
	}
	sb.appendTape(trades, e.tapeSize)

	if err == nil && sb.book.Crossed() {
		err = errors.Wrapf(core.ErrInvariant, "%s book crossed after order %s", o.Symbol, o.ID)
	}
	if err != nil {
		e.log.Error("invariant_violation",
			zap.String("symbol", o.Symbol), zap.String("order_id", o.ID),
			zap.Error(err), zap.Stack("stack"))
	}
	taker := *o

	sb.pub.Lock()
	sb.mu.Unlock()
	for _, t := range trades {
		e.trades.Publish(t)
	}
	for _, m := range makers {
		e.orders.Publish(m)
	}
	e.orders.Publish(taker)
	sb.pub.Unlock()

	return taker, trades, err
}

func (e *Engine) checkGuard(book *orderbook.Book, o *core.Order) error {
	if e.guard == nil {
		return nil
	}
	price := o.Price
	if o.Type == core.Market {
		var ok bool
		if o.Side == core.Buy {
			price, ok = book.BestAsk()
		} else {
			price, ok = book.BestBid()
		}
		if !ok {
			return nil
		}
	}
	return e.guard.Allow(o.Symbol, o.Side, price)
}

func (e *Engine) newTrade(taker *core.Order, f orderbook.Fill, at time.Time) core.Trade {
	t := core.Trade{
		ID:        e.node.Generate().String(),
		Symbol:    taker.Symbol,
		Price:     f.Price,
		Quantity:  f.Qty,
		TakerSide: taker.Side,
		Time:      at,
	}
	if taker.Side == core.Buy {
		t.BuyOrderID, t.Buyer = taker.ID, taker.Owner
		t.SellOrderID, t.Seller = f.Maker.ID, f.Maker.Owner
	} else {
		t.SellOrderID, t.Seller = taker.ID, taker.Owner
		t.BuyOrderID, t.Buyer = f.Maker.ID, f.Maker.Owner
	}
	return t
}

func (sb *symbolBook) appendTape(trades []core.Trade, limit int) {
	if len(trades) == 0 {
		return
	}
	sb.tape = append(sb.tape, trades...)
	if len(sb.tape) > limit {
		sb.tape = sb.tape[len(sb.tape)-limit:]
	}
}

// Cancel removes a resting order by id alone, using the global id index.
func (e *Engine) Cancel(id string) (core.Order, error) {
	v, ok := e.index.Load(id)
	if !ok {
		return core.Order{}, errors.Wrapf(core.ErrNotFound, "order %s", id)
	}
	sb, ok := e.lookup(v.(string))
	if !ok {
		e.index.Delete(id)
		return core.Order{}, errors.Wrapf(core.ErrNotFound, "order %s", id)
	}

	sb.mu.Lock()
	o, ok := sb.book.Cancel(id)
	e.index.Delete(id)
	if !ok {
		sb.mu.Unlock()
		return core.Order{}, errors.Wrapf(core.ErrNotFound, "order %s", id)
	}
	sb.pub.Lock()
	sb.mu.Unlock()
	e.orders.Publish(o)
	sb.pub.Unlock()

	return o, nil
}

// Order returns a resting order by id.
func (e *Engine) Order(id string) (core.Order, error) {
	v, ok := e.index.Load(id)
	if !ok {
		return core.Order{}, errors.Wrapf(core.ErrNotFound, "order %s", id)
	}
	sb, ok := e.lookup(v.(string))
	if !ok {
		return core.Order{}, errors.Wrapf(core.ErrNotFound, "order %s", id)
	}
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	o, ok := sb.book.Order(id)
	if !ok {
		return core.Order{}, errors.Wrapf(core.ErrNotFound, "order %s", id)
	}
	return o, nil
}

// known reports whether queries on symbol should answer with an empty book
// rather than not-found.
func (e *Engine) known(symbol string) bool {
	return e.products != nil && e.products.Exists(symbol)
}

// Depth returns aggregated top-of-book levels for symbol.
func (e *Engine) Depth(symbol string, levels int) (bids, asks []orderbook.Level, err error) {
	sb, ok := e.lookup(symbol)
	if !ok {
		if e.known(symbol) {
			return []orderbook.Level{}, []orderbook.Level{}, nil
		}
		return nil, nil, errors.Wrapf(core.ErrNotFound, "symbol %s", symbol)
	}
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	bids, asks = sb.book.Depth(levels)
	return bids, asks, nil
}

func (e *Engine) BBO(symbol string) (BBO, error) {
	out := BBO{Symbol: symbol}
	sb, ok := e.lookup(symbol)
	if !ok {
		if e.known(symbol) {
			return out, nil
		}
		return out, errors.Wrapf(core.ErrNotFound, "symbol %s", symbol)
	}
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	if bid, ok := sb.book.BestBid(); ok {
		out.Bid = &bid
	}
	if ask, ok := sb.book.BestAsk(); ok {
		out.Ask = &ask
	}
	return out, nil
}

// RecentTrades returns up to limit of the most recent trades, oldest first.
func (e *Engine) RecentTrades(symbol string, limit int) ([]core.Trade, error) {
	sb, ok := e.lookup(symbol)
	if !ok {
		if e.known(symbol) {
			return []core.Trade{}, nil
		}
		return nil, errors.Wrapf(core.ErrNotFound, "symbol %s", symbol)
	}
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	n := len(sb.tape)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]core.Trade, n)
	copy(out, sb.tape[len(sb.tape)-n:])
	return out, nil
}

// RestoreTape seeds a symbol's tape with archived trades, oldest first.
func (e *Engine) RestoreTape(symbol string, trades []core.Trade) {
	sb := e.book(symbol)
	sb.mu.Lock()
	defer sb.mu.Unlock()
	restored := make([]core.Trade, 0, len(trades)+len(sb.tape))
	restored = append(restored, trades...)
	restored = append(restored, sb.tape...)
	sb.tape = nil
	sb.appendTape(restored, e.tapeSize)
}

// Symbols lists every symbol with a book, sorted.
func (e *Engine) Symbols() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.books))
	for s := range e.books {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
