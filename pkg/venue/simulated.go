package venue

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/mntex/pkg/app/core"
	"github.com/uhyunpark/mntex/pkg/util"
)

// DefaultPrices seeds the simulated random walk per underlying.
var DefaultPrices = map[string]float64{
	"USD/MNT": 3450,
	"XAU/USD": 3380,
	"XAG/USD": 38.5,
	"Copper":  4.6,
	"USOil":   68,
	"NGAS":    3.1,
	"USD/CNH": 7.18,
	"EUR/USD": 1.17,
	"USD/RUB": 79,
	"USD/JPY": 147,
	"USD/KRW": 1385,
	"SPX500":  6300,
	"NAS100":  23000,
	"HKG33":   25000,
	"JPN225":  41000,
	"BTC/USD": 118000,
	"ETH/USD": 3700,
}

type SimConfig struct {
	// SpreadBps is the fixed bid/ask spread around the walk.
	SpreadBps float64
	// StepVolatility is the standard deviation of one walk step as a fraction of price.
	StepVolatility float64
	// Latency delays every OpenHedge call.
	Latency time.Duration
	// FailureRate in [0,1] makes OpenHedge fail at random.
	FailureRate float64
	Seed        int64
}

func DefaultSimConfig() SimConfig {
	return SimConfig{
		SpreadBps:      2,
		StepVolatility: 0.0005,
		Seed:           time.Now().UnixNano(),
	}
}

// Simulated is an in-process venue for development and tests. Every GetQuote
// advances the symbol's random walk by one step.
type Simulated struct {
	cfg   SimConfig
	clock util.Clock
	log   *zap.Logger

	mu     sync.Mutex
	rng    *rand.Rand
	prices map[string]float64
	hedges []Hedge
	down   bool
}

type SimOption func(*Simulated)

func WithPrices(prices map[string]float64) SimOption {
	return func(s *Simulated) {
		for k, v := range prices {
			s.prices[k] = v
		}
	}
}

func WithSimClock(c util.Clock) SimOption { return func(s *Simulated) { s.clock = c } }

func NewSimulated(cfg SimConfig, log *zap.Logger, opts ...SimOption) *Simulated {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Simulated{
		cfg:    cfg,
		clock:  util.RealClock{},
		log:    log.Named("venue"),
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		prices: make(map[string]float64, len(DefaultPrices)),
	}
	for k, v := range DefaultPrices {
		s.prices[k] = v
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Simulated) GetQuote(ctx context.Context, symbol string) (Quote, bool) {
	if ctx.Err() != nil {
		return Quote{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return Quote{}, false
	}
	price, ok := s.prices[symbol]
	if !ok {
		return Quote{}, false
	}
	if s.cfg.StepVolatility > 0 {
		price *= math.Exp(s.rng.NormFloat64() * s.cfg.StepVolatility)
		s.prices[symbol] = price
	}
	half := price * s.cfg.SpreadBps / 20000
	return Quote{Symbol: symbol, Bid: price - half, Ask: price + half, Time: s.clock.Now()}, true
}

func (s *Simulated) OpenHedge(ctx context.Context, symbol string, side core.Side, size decimal.Decimal) (string, error) {
	if !side.Valid() || size.Sign() <= 0 {
		return "", errors.Wrapf(core.ErrValidation, "hedge %s %s %s", symbol, side, size)
	}
	if s.cfg.Latency > 0 {
		select {
		case <-ctx.Done():
			return "", errors.Wrapf(core.ErrVenueUnavailable, "hedge %s: %v", symbol, ctx.Err())
		case <-s.clock.After(s.cfg.Latency):
		}
	}
	if err := ctx.Err(); err != nil {
		return "", errors.Wrapf(core.ErrVenueUnavailable, "hedge %s: %v", symbol, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return "", errors.Wrapf(core.ErrVenueUnavailable, "venue down")
	}
	price, ok := s.prices[symbol]
	if !ok {
		return "", errors.Wrapf(core.ErrNotFound, "venue does not list %s", symbol)
	}
	if s.cfg.FailureRate > 0 && s.rng.Float64() < s.cfg.FailureRate {
		return "", errors.Wrapf(core.ErrVenueUnavailable, "hedge %s rejected", symbol)
	}
	h := Hedge{
		TradeID: uuid.NewString(),
		Symbol:  symbol,
		Side:    side,
		Size:    size,
		Price:   price,
		Time:    s.clock.Now(),
	}
	s.hedges = append(s.hedges, h)
	s.log.Info("hedge_filled",
		zap.String("trade_id", h.TradeID),
		zap.String("symbol", symbol),
		zap.Stringer("side", side),
		zap.String("size", size.String()),
		zap.Float64("price", price))
	return h.TradeID, nil
}

// SetDown makes every call fail until cleared.
func (s *Simulated) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

func (s *Simulated) SetPrice(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
}

// Hedges returns the accepted hedge orders in arrival order.
func (s *Simulated) Hedges() []Hedge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Hedge(nil), s.hedges...)
}

func (s *Simulated) Symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.prices))
	for k := range s.prices {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

var _ Venue = (*Simulated)(nil)
