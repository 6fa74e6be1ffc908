package perp

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/mntex/pkg/app/core/market"
	"github.com/uhyunpark/mntex/pkg/app/core/priceindex"
	"github.com/uhyunpark/mntex/pkg/util"
	"github.com/uhyunpark/mntex/pkg/venue"
)

// ActiveProducts lists what the feeder should price. *market.Registry satisfies it.
type ActiveProducts interface {
	ListActive() []market.Product
}

// Ingester takes raw venue quotes. *priceindex.Index satisfies it.
type Ingester interface {
	Ingest(symbol string, bid, ask float64, at time.Time) (priceindex.Snapshot, error)
}

type FeederStats struct {
	Polls    int64
	Ingested int64
	Missed   int64
	Rejected int64
}

// QuoteFeeder polls the venue for every active product's underlying and
// feeds the price index under the product's own symbol.
type QuoteFeeder struct {
	venue    venue.Venue
	products ActiveProducts
	index    Ingester
	interval time.Duration
	clock    util.Clock
	log      *zap.Logger

	polls, ingested, missed, rejected atomic.Int64
}

func NewQuoteFeeder(v venue.Venue, products ActiveProducts, index Ingester, interval time.Duration, clock util.Clock, log *zap.Logger) *QuoteFeeder {
	if clock == nil {
		clock = util.RealClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &QuoteFeeder{
		venue:    v,
		products: products,
		index:    index,
		interval: interval,
		clock:    clock,
		log:      log.Named("quote_feeder"),
	}
}

// Poll runs one pass over the active products and returns how many were priced.
func (f *QuoteFeeder) Poll(ctx context.Context) int {
	f.polls.Add(1)
	n := 0
	for _, p := range f.products.ListActive() {
		if ctx.Err() != nil {
			break
		}
		q, ok := f.venue.GetQuote(ctx, p.Underlying)
		if !ok {
			f.missed.Add(1)
			continue
		}
		if _, err := f.index.Ingest(p.Symbol, q.Bid, q.Ask, q.Time); err != nil {
			f.rejected.Add(1)
			f.log.Debug("quote_rejected", zap.String("symbol", p.Symbol), zap.Error(err))
			continue
		}
		n++
	}
	f.ingested.Add(int64(n))
	return n
}

// Run polls every interval until ctx is cancelled.
func (f *QuoteFeeder) Run(ctx context.Context) error {
	f.log.Info("quote_feeder_started", zap.Duration("interval", f.interval))
	f.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			s := f.Stats()
			f.log.Info("quote_feeder_stopped",
				zap.Int64("polls", s.Polls),
				zap.Int64("ingested", s.Ingested),
				zap.Int64("missed", s.Missed),
				zap.Int64("rejected", s.Rejected))
			return nil
		case <-f.clock.After(f.interval):
			f.Poll(ctx)
		}
	}
}

func (f *QuoteFeeder) Stats() FeederStats {
	return FeederStats{
		Polls:    f.polls.Load(),
		Ingested: f.ingested.Load(),
		Missed:   f.missed.Load(),
		Rejected: f.rejected.Load(),
	}
}
