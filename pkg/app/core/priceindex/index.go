// Package priceindex turns raw venue quotes into a smoothed mark price,
// a funding rate and rolling statistics.
package priceindex

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/uhyunpark/mntex/pkg/app/core"
	"github.com/uhyunpark/mntex/pkg/app/core/events"
	"github.com/uhyunpark/mntex/pkg/util"
)

const secondsPerYear = 365 * 24 * 3600

type Config struct {
	Alpha                float64       // EMA weight of the newest mid
	HistorySize          int           // samples kept for TWAP and volatility
	FundingPeriod        time.Duration // funding recompute cadence
	SettlementInterval   time.Duration // funding payments, aligned to the Unix epoch
	MaxFundingRate       float64       // cap on |premium|
	BaseRate             float64       // interest component added to the premium
	SampleInterval       time.Duration // nominal feed cadence, used to annualize volatility
	MinVolatilitySamples int
}

func DefaultConfig() Config {
	return Config{
		Alpha:                0.1,
		HistorySize:          1000,
		FundingPeriod:        time.Minute,
		SettlementInterval:   8 * time.Hour,
		MaxFundingRate:       0.01,
		BaseRate:             0.0001 / 8,
		SampleInterval:       time.Second,
		MinVolatilitySamples: 10,
	}
}

// FundingRate carries the capped rate charged at each settlement.
// Rate8h and Annualized are display conversions.
type FundingRate struct {
	Symbol      string
	Premium     float64
	Rate        float64
	NextPayment time.Time
	UpdatedAt   time.Time
}

func (f FundingRate) Rate8h() float64     { return f.Rate * 8 }
func (f FundingRate) Annualized() float64 { return f.Rate * 24 * 365 }

// Snapshot is a consistent copy of one symbol's state.
type Snapshot struct {
	Symbol  string
	Bid     float64
	Ask     float64
	Index   float64 // raw mid of the latest quote
	Mark    float64
	Time    time.Time
	Samples int
	Funding FundingRate
}

// Settlement fires at every settlement boundary. Rate covers the whole interval.
type Settlement struct {
	Symbol string
	Rate   float64
	Mark   float64
	Index  float64
	Time   time.Time
}

type Sample struct {
	Time  time.Time
	Price float64
}

// series has a single writer (the feed) and many readers.
type series struct {
	mu   sync.RWMutex
	snap Snapshot
	ring []Sample
	head int // next write position
	n    int
}

func (s *series) push(v Sample) {
	s.ring[s.head] = v
	s.head = (s.head + 1) % len(s.ring)
	if s.n < len(s.ring) {
		s.n++
	}
}

// since returns samples with Time >= cutoff, oldest first.
func (s *series) since(cutoff time.Time) []Sample {
	out := make([]Sample, 0, s.n)
	start := (s.head - s.n + len(s.ring)) % len(s.ring)
	for i := 0; i < s.n; i++ {
		v := s.ring[(start+i)%len(s.ring)]
		if !v.Time.Before(cutoff) {
			out = append(out, v)
		}
	}
	return out
}

type Index struct {
	cfg   Config
	clock util.Clock
	log   *zap.Logger

	mu     sync.RWMutex
	series map[string]*series

	prices      *events.Bus[Snapshot]
	funding     *events.Bus[FundingRate]
	settlements *events.Bus[Settlement]
}

func New(cfg Config, clock util.Clock, log *zap.Logger) *Index {
	if clock == nil {
		clock = util.RealClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultConfig().HistorySize
	}
	log = log.Named("priceindex")
	return &Index{
		cfg:         cfg,
		clock:       clock,
		log:         log,
		series:      make(map[string]*series),
		prices:      events.NewBus[Snapshot]("index_prices", log),
		funding:     events.NewBus[FundingRate]("funding_rates", log),
		settlements: events.NewBus[Settlement]("funding_settlements", log),
	}
}

func (x *Index) Config() Config { return x.cfg }

// Prices is notified after every ingested quote.
func (x *Index) Prices() *events.Bus[Snapshot] { return x.prices }

// FundingRates is notified after every funding recompute.
func (x *Index) FundingRates() *events.Bus[FundingRate] { return x.funding }

// Settlements is notified at every settlement boundary; the ledger applies payments.
func (x *Index) Settlements() *events.Bus[Settlement] { return x.settlements }

func (x *Index) get(symbol string) (*series, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	s, ok := x.series[symbol]
	return s, ok
}

func (x *Index) getOrCreate(symbol string, at time.Time) *series {
	if s, ok := x.get(symbol); ok {
		return s
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if s, ok := x.series[symbol]; ok {
		return s
	}
	s := &series{
		ring: make([]Sample, x.cfg.HistorySize),
		snap: Snapshot{
			Symbol:  symbol,
			Funding: FundingRate{Symbol: symbol, Rate: x.cfg.BaseRate, NextPayment: x.nextBoundary(at)},
		},
	}
	x.series[symbol] = s
	return s
}

func (x *Index) nextBoundary(t time.Time) time.Time {
	iv := x.cfg.SettlementInterval.Nanoseconds()
	if iv <= 0 {
		return time.Time{}
	}
	ns := t.UnixNano()
	return time.Unix(0, (ns/iv+1)*iv).In(t.Location())
}

func validPrice(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Ingest records one raw venue quote. Samples must arrive in time order.
func (x *Index) Ingest(symbol string, bid, ask float64, at time.Time) (Snapshot, error) {
	if symbol == "" {
		return Snapshot{}, errors.Wrap(core.ErrValidation, "symbol is required")
	}
	if !validPrice(bid) || !validPrice(ask) || ask < bid {
		return Snapshot{}, errors.Wrapf(core.ErrValidation, "%s: invalid quote bid=%v ask=%v", symbol, bid, ask)
	}
	if at.IsZero() {
		at = x.clock.Now()
	}

	s := x.getOrCreate(symbol, at)
	s.mu.Lock()
	if s.n > 0 && at.Before(s.snap.Time) {
		last := s.snap.Time
		s.mu.Unlock()
		return Snapshot{}, errors.Wrapf(core.ErrValidation, "%s: sample at %s older than %s", symbol, at, last)
	}
	mid := (bid + ask) / 2
	if s.n == 0 {
		s.snap.Mark = mid
	} else {
		s.snap.Mark = x.cfg.Alpha*mid + (1-x.cfg.Alpha)*s.snap.Mark
	}
	s.snap.Bid, s.snap.Ask, s.snap.Index, s.snap.Time = bid, ask, mid, at
	s.push(Sample{Time: at, Price: mid})
	s.snap.Samples = s.n
	snap := s.snap
	s.mu.Unlock()

	x.prices.Publish(snap)
	return snap, nil
}

func (x *Index) premium(mark, index float64) float64 {
	p := (mark - index) / index
	return math.Max(-x.cfg.MaxFundingRate, math.Min(x.cfg.MaxFundingRate, p))
}

// Tick recomputes funding for every symbol and emits settlements that are due.
func (x *Index) Tick(now time.Time) {
	x.mu.RLock()
	all := make([]*series, 0, len(x.series))
	for _, s := range x.series {
		all = append(all, s)
	}
	x.mu.RUnlock()

	for _, s := range all {
		s.mu.Lock()
		if s.n == 0 {
			s.mu.Unlock()
			continue
		}
		fr := &s.snap.Funding
		fr.Premium = x.premium(s.snap.Mark, s.snap.Index)
		fr.Rate = fr.Premium + x.cfg.BaseRate
		fr.UpdatedAt = now

		var due *Settlement
		if !fr.NextPayment.IsZero() && !now.Before(fr.NextPayment) {
			due = &Settlement{
				Symbol: s.snap.Symbol,
				Rate:   fr.Rate,
				Mark:   s.snap.Mark,
				Index:  s.snap.Index,
				Time:   fr.NextPayment,
			}
			fr.NextPayment = x.nextBoundary(now)
		}
		rate := *fr
		s.mu.Unlock()

		x.funding.Publish(rate)
		if due != nil {
			x.log.Info("funding_settlement",
				zap.String("symbol", due.Symbol),
				zap.Float64("rate", due.Rate),
				zap.Float64("mark", due.Mark),
				zap.Time("boundary", due.Time))
			x.settlements.Publish(*due)
		}
	}
}

// Run calls Tick every FundingPeriod until ctx is cancelled.
func (x *Index) Run(ctx context.Context) error {
	period := x.cfg.FundingPeriod
	if period <= 0 {
		period = DefaultConfig().FundingPeriod
	}
	x.log.Info("funding_scheduler_started", zap.Duration("period", period))
	for {
		select {
		case <-ctx.Done():
			x.log.Info("funding_scheduler_stopped")
			return nil
		case now := <-x.clock.After(period):
			x.Tick(now)
		}
	}
}

func (x *Index) Snapshot(symbol string) (Snapshot, bool) {
	s, ok := x.get(symbol)
	if !ok {
		return Snapshot{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.n == 0 {
		return Snapshot{}, false
	}
	return s.snap, true
}

func (x *Index) Funding(symbol string) (FundingRate, bool) {
	snap, ok := x.Snapshot(symbol)
	if !ok {
		return FundingRate{}, false
	}
	return snap.Funding, true
}

func (x *Index) window(symbol string, window time.Duration) []Sample {
	s, ok := x.get(symbol)
	if !ok {
		return nil
	}
	cutoff := x.clock.Now().Add(-window)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.since(cutoff)
}

// TWAP is the mean of samples taken within window of now.
func (x *Index) TWAP(symbol string, window time.Duration) (float64, bool) {
	samples := x.window(symbol, window)
	if len(samples) == 0 {
		return 0, false
	}
	sum := 0.0
	for _, v := range samples {
		sum += v.Price
	}
	return sum / float64(len(samples)), true
}

// Volatility is the annualized population standard deviation of log returns
// within window. It is zero until enough samples exist.
func (x *Index) Volatility(symbol string, window time.Duration) float64 {
	samples := x.window(symbol, window)
	if len(samples) < x.cfg.MinVolatilitySamples || len(samples) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(samples)-1)
	for i := 1; i < len(samples); i++ {
		returns = append(returns, math.Log(samples[i].Price/samples[i-1].Price))
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))

	interval := x.cfg.SampleInterval.Seconds()
	if interval <= 0 {
		interval = 1
	}
	return math.Sqrt(variance) * math.Sqrt(secondsPerYear/interval)
}

func (x *Index) Symbols() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]string, 0, len(x.series))
	for s := range x.series {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
