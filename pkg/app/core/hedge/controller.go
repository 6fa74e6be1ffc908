// Package hedge offsets the exchange's net client exposure on the venue.
package hedge

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/mntex/pkg/app/core"
	"github.com/uhyunpark/mntex/pkg/app/core/account"
	"github.com/uhyunpark/mntex/pkg/app/core/events"
	"github.com/uhyunpark/mntex/pkg/app/core/market"
	"github.com/uhyunpark/mntex/pkg/util"
	"github.com/uhyunpark/mntex/pkg/venue"
)

type Config struct {
	// ThresholdFraction of the product's max order size that |delta| must exceed.
	ThresholdFraction decimal.Decimal
	Timeout           time.Duration
}

func DefaultConfig() Config {
	return Config{ThresholdFraction: decimal.NewFromFloat(0.05), Timeout: 5 * time.Second}
}

type ProductSource interface {
	Get(symbol string) (market.Product, error)
}

// Exposure is the exchange's book in one symbol. Client longs make the
// exchange short, so a positive NetExposure is hedged by buying.
type Exposure struct {
	Symbol        string
	NetLong       decimal.Decimal
	NetShort      decimal.Decimal
	NetExposure   decimal.Decimal
	HedgePosition decimal.Decimal
	HedgeDelta    decimal.Decimal
	Pending       bool
	Version       uint64
	UpdatedAt     time.Time
}

type Stats struct {
	Total      int64
	Successful int64
	Failed     int64
}

// Event describes one hedge attempt.
type Event struct {
	Symbol     string
	Underlying string
	Side       core.Side
	Size       decimal.Decimal
	TradeID    string
	Err        error
	Latency    time.Duration
	Time       time.Time
}

func (e Event) OK() bool { return e.Err == nil }

type symbolState struct {
	mu       sync.Mutex
	exp      Exposure
	inFlight bool
}

type order struct {
	symbol     string
	underlying string
	side       core.Side
	size       decimal.Decimal
	delta      decimal.Decimal
}

type Option func(*Controller)

func WithConfig(cfg Config) Option       { return func(c *Controller) { c.cfg = cfg } }
func WithClock(clock util.Clock) Option { return func(c *Controller) { c.clock = clock } }

type Controller struct {
	products ProductSource
	venue    venue.Venue
	cfg      Config
	clock    util.Clock
	log      *zap.Logger

	mu      sync.Mutex
	symbols map[string]*symbolState
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	total, successful, failed atomic.Int64

	events *events.Bus[Event]
}

func New(products ProductSource, v venue.Venue, log *zap.Logger, opts ...Option) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		products: products,
		venue:    v,
		cfg:      DefaultConfig(),
		clock:    util.RealClock{},
		log:      log.Named("hedge"),
		symbols:  make(map[string]*symbolState),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.events = events.NewBus[Event]("hedge_events", c.log)
	return c
}

// Events publishes every hedge attempt after it completes.
func (c *Controller) Events() *events.Bus[Event] { return c.events }

func (c *Controller) state(symbol string) *symbolState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.symbols[symbol]
	if !ok {
		st = &symbolState{exp: Exposure{Symbol: symbol}}
		c.symbols[symbol] = st
	}
	return st
}

// UpdateExposure recomputes symbol's exposure from positions and, when the
// unhedged delta exceeds the threshold, hedges it before returning.
func (c *Controller) UpdateExposure(ctx context.Context, symbol string, positions []account.Position) (Exposure, error) {
	product, err := c.products.Get(symbol)
	if err != nil {
		return Exposure{}, err
	}
	st := c.state(symbol)
	st.mu.Lock()
	c.apply(st, positions)
	o := c.decide(st, product)
	exp := st.exp
	st.mu.Unlock()

	if o == nil {
		return exp, nil
	}
	if err := c.execute(ctx, st, *o); err != nil {
		return c.snapshot(st), err
	}
	return c.snapshot(st), nil
}

// ExposureChanged takes ledger snapshots. Stale versions are dropped and the
// venue call runs on a tracked goroutine so the caller never waits on it.
func (c *Controller) ExposureChanged(snap account.ExposureSnapshot) {
	product, err := c.products.Get(snap.Symbol)
	if err != nil {
		c.log.Warn("exposure_unknown_product", zap.String("symbol", snap.Symbol), zap.Error(err))
		return
	}
	st := c.state(snap.Symbol)
	st.mu.Lock()
	if snap.Version <= st.exp.Version {
		st.mu.Unlock()
		c.log.Debug("exposure_stale",
			zap.String("symbol", snap.Symbol),
			zap.Uint64("version", snap.Version),
			zap.Uint64("applied", st.exp.Version))
		return
	}
	st.exp.Version = snap.Version
	c.apply(st, snap.Positions)
	o := c.decide(st, product)
	st.mu.Unlock()
	if o == nil {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		st.mu.Lock()
		st.inFlight = false
		st.exp.Pending = false
		st.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		_ = c.execute(c.ctx, st, *o)
	}()
}

// apply recomputes the net figures. Caller holds st.mu.
func (c *Controller) apply(st *symbolState, positions []account.Position) {
	long, short := decimal.Zero, decimal.Zero
	for _, p := range positions {
		if p.Side == core.Buy {
			long = long.Add(p.Size)
		} else {
			short = short.Add(p.Size)
		}
	}
	st.exp.NetLong = long
	st.exp.NetShort = short
	st.exp.NetExposure = long.Sub(short)
	st.exp.HedgeDelta = st.exp.NetExposure.Sub(st.exp.HedgePosition)
	st.exp.UpdatedAt = c.clock.Now()
}

// decide marks the symbol in flight and returns the order to send, or nil.
// Caller holds st.mu.
func (c *Controller) decide(st *symbolState, product market.Product) *order {
	if st.inFlight {
		return nil
	}
	threshold := c.cfg.ThresholdFraction.Mul(product.MaxOrder)
	delta := st.exp.HedgeDelta
	if delta.Abs().LessThanOrEqual(threshold) {
		return nil
	}
	side := core.Buy
	if delta.Sign() < 0 {
		side = core.Sell
	}
	st.inFlight = true
	st.exp.Pending = true
	return &order{
		symbol:     product.Symbol,
		underlying: product.Underlying,
		side:       side,
		size:       delta.Abs(),
		delta:      delta,
	}
}

func (c *Controller) execute(ctx context.Context, st *symbolState, o order) error {
	start := c.clock.Now()
	hctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	id, err := c.venue.OpenHedge(hctx, o.underlying, o.side, o.size)
	cancel()
	if err != nil && !errors.Is(err, core.ErrVenueUnavailable) {
		err = errors.Wrapf(core.ErrVenueUnavailable, "hedge %s: %v", o.symbol, err)
	}

	st.mu.Lock()
	st.inFlight = false
	st.exp.Pending = false
	if err == nil {
		st.exp.HedgePosition = st.exp.HedgePosition.Add(o.delta)
		st.exp.HedgeDelta = st.exp.NetExposure.Sub(st.exp.HedgePosition)
	}
	st.exp.UpdatedAt = c.clock.Now()
	st.mu.Unlock()

	c.total.Add(1)
	ev := Event{
		Symbol:     o.symbol,
		Underlying: o.underlying,
		Side:       o.side,
		Size:       o.size,
		TradeID:    id,
		Err:        err,
		Latency:    c.clock.Now().Sub(start),
		Time:       c.clock.Now(),
	}
	if err != nil {
		c.failed.Add(1)
		c.log.Warn("hedge_failed",
			zap.String("symbol", o.symbol),
			zap.Stringer("side", o.side),
			zap.String("size", o.size.String()),
			zap.Error(err))
	} else {
		c.successful.Add(1)
		c.log.Info("hedge_executed",
			zap.String("symbol", o.symbol),
			zap.String("underlying", o.underlying),
			zap.Stringer("side", o.side),
			zap.String("size", o.size.String()),
			zap.String("trade_id", id))
	}
	c.events.Publish(ev)
	return err
}

func (c *Controller) snapshot(st *symbolState) Exposure {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.exp
}

func (c *Controller) Exposure(symbol string) (Exposure, bool) {
	c.mu.Lock()
	st, ok := c.symbols[symbol]
	c.mu.Unlock()
	if !ok {
		return Exposure{}, false
	}
	return c.snapshot(st), true
}

// Exposures returns every tracked symbol sorted by symbol.
func (c *Controller) Exposures() []Exposure {
	c.mu.Lock()
	states := make([]*symbolState, 0, len(c.symbols))
	for _, st := range c.symbols {
		states = append(states, st)
	}
	c.mu.Unlock()

	out := make([]Exposure, 0, len(states))
	for _, st := range states {
		out = append(out, c.snapshot(st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (c *Controller) Stats() Stats {
	return Stats{Total: c.total.Load(), Successful: c.successful.Load(), Failed: c.failed.Load()}
}

// Wait blocks until every in-flight hedge has finished.
func (c *Controller) Wait() { c.wg.Wait() }

// Close cancels in-flight hedges and waits for them.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
	return nil
}

var _ account.ExposureListener = (*Controller)(nil)
