package perp

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/mntex/pkg/app/core"
	"github.com/uhyunpark/mntex/pkg/app/core/market"
	"github.com/uhyunpark/mntex/pkg/app/core/quote"
	"github.com/uhyunpark/mntex/pkg/util"
)

// OrderSink accepts CLOB orders. *matching.Engine satisfies it.
type OrderSink interface {
	Process(req core.Order) (core.Order, []core.Trade, error)
	Cancel(id string) (core.Order, error)
}

// QuoteSource prices the generated orders. *quote.Quoter satisfies it.
type QuoteSource interface {
	Quote(symbol string) (quote.Quote, error)
}

type TxGenConfig struct {
	Traders   int
	Symbols   []string
	BatchSize int
	Interval  time.Duration
	// Band is the maximum distance of a limit price from the mid, as a fraction.
	Band float64
}

// DefaultTxGenConfig returns reasonable defaults for a demo book
func DefaultTxGenConfig() TxGenConfig {
	return TxGenConfig{
		Traders:   50,
		Symbols:   []string{"BTC-MNT", "XAU-MNT"},
		BatchSize: 10,
		Interval:  100 * time.Millisecond,
		Band:      0.005,
	}
}

type TxGenStats struct {
	Orders   int64
	Cancels  int64
	Trades   int64
	Rejected int64
}

// OrderFeeder creates random CLOB order flow around the exchange's own quotes.
type OrderFeeder struct {
	cfg      TxGenConfig
	sink     OrderSink
	quotes   QuoteSource
	products ProductSource
	clock    util.Clock
	log      *zap.Logger

	mu      sync.Mutex
	rng     *rand.Rand
	traders []string
	resting []string // recent order ids that may still rest
	stats   TxGenStats
}

// ProductSource resolves tick and size limits. *market.Registry satisfies it.
type ProductSource interface {
	GetActive(symbol string) (market.Product, error)
}

func NewOrderFeeder(cfg TxGenConfig, sink OrderSink, quotes QuoteSource, products ProductSource, clock util.Clock, log *zap.Logger) *OrderFeeder {
	if clock == nil {
		clock = util.RealClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	traders := make([]string, cfg.Traders)
	for i := range traders {
		traders[i] = fmt.Sprintf("trader_%d", i+1)
	}
	return &OrderFeeder{
		cfg:      cfg,
		sink:     sink,
		quotes:   quotes,
		products: products,
		clock:    clock,
		log:      log.Named("txgen"),
		rng:      rand.New(rand.NewSource(clock.Now().UnixNano())),
		traders:  traders,
	}
}

// Next builds one random order for symbol: 90% limit, 10% market.
func (g *OrderFeeder) Next(symbol string) (core.Order, error) {
	product, err := g.products.GetActive(symbol)
	if err != nil {
		return core.Order{}, err
	}
	q, err := g.quotes.Quote(symbol)
	if err != nil {
		return core.Order{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	o := core.Order{
		Symbol:   symbol,
		Owner:    g.traders[g.rng.Intn(len(g.traders))],
		Side:     core.Buy,
		Type:     core.Limit,
		Quantity: product.MinOrder.Mul(decimal.NewFromInt(int64(g.rng.Intn(10) + 1))),
	}
	if g.rng.Intn(2) == 1 {
		o.Side = core.Sell
	}
	if g.rng.Intn(10) == 0 {
		o.Type = core.Market
		return o, nil
	}
	offset := decimal.NewFromFloat((g.rng.Float64()*2 - 1) * g.cfg.Band)
	price := q.Mid.Mul(decimal.NewFromInt(1).Add(offset))
	price = price.Div(product.TickSize).Round(0).Mul(product.TickSize)
	if price.Sign() <= 0 {
		price = product.TickSize
	}
	o.Price = price
	return o, nil
}

// Batch submits n orders, replacing one in ten with a cancel of a recent order.
func (g *OrderFeeder) Batch(n int) {
	for i := 0; i < n; i++ {
		if id, ok := g.pickCancel(); ok {
			if _, err := g.sink.Cancel(id); err == nil {
				g.count(func(s *TxGenStats) { s.Cancels++ })
			}
			continue
		}
		symbol := g.cfg.Symbols[g.intn(len(g.cfg.Symbols))]
		o, err := g.Next(symbol)
		if err != nil {
			g.count(func(s *TxGenStats) { s.Rejected++ })
			continue
		}
		final, trades, err := g.sink.Process(o)
		if err != nil {
			g.count(func(s *TxGenStats) { s.Rejected++ })
			g.log.Debug("order_rejected", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		g.mu.Lock()
		g.stats.Orders++
		g.stats.Trades += int64(len(trades))
		if !final.Status().Terminal() {
			g.resting = append(g.resting, final.ID)
			if len(g.resting) > 100 {
				g.resting = g.resting[len(g.resting)-100:]
			}
		}
		g.mu.Unlock()
	}
}

func (g *OrderFeeder) intn(n int) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rng.Intn(n)
}

func (g *OrderFeeder) pickCancel() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.resting) == 0 || g.rng.Intn(10) != 0 {
		return "", false
	}
	i := g.rng.Intn(len(g.resting))
	id := g.resting[i]
	g.resting = append(g.resting[:i], g.resting[i+1:]...)
	return id, true
}

func (g *OrderFeeder) count(f func(*TxGenStats)) {
	g.mu.Lock()
	f(&g.stats)
	g.mu.Unlock()
}

func (g *OrderFeeder) Stats() TxGenStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}

// Run submits a batch every interval until ctx is cancelled.
func (g *OrderFeeder) Run(ctx context.Context) error {
	if len(g.cfg.Symbols) == 0 || len(g.traders) == 0 {
		return nil
	}
	g.log.Info("txgen_started",
		zap.Strings("symbols", g.cfg.Symbols),
		zap.Int("batch", g.cfg.BatchSize),
		zap.Duration("interval", g.cfg.Interval))
	start := g.clock.Now()
	lastReport := start
	for {
		select {
		case <-ctx.Done():
			s := g.Stats()
			g.log.Info("txgen_stopped",
				zap.Int64("orders", s.Orders),
				zap.Int64("cancels", s.Cancels),
				zap.Int64("trades", s.Trades),
				zap.Duration("elapsed", g.clock.Now().Sub(start)))
			return nil
		case now := <-g.clock.After(g.cfg.Interval):
			g.Batch(g.cfg.BatchSize)
			if now.Sub(lastReport) >= 10*time.Second {
				lastReport = now
				s := g.Stats()
				g.log.Info("txgen_stats",
					zap.Int64("orders", s.Orders),
					zap.Int64("trades", s.Trades),
					zap.Int64("rejected", s.Rejected))
			}
		}
	}
}
