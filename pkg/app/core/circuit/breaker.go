// Package circuit implements per-symbol price limits and trading halts.
package circuit

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/mntex/pkg/app/core"
	"github.com/uhyunpark/mntex/pkg/util"
)

type State int8

const (
	Normal State = iota
	LimitUp
	LimitDown
	Halted
)

func (s State) String() string {
	switch s {
	case Normal:
		return "NORMAL"
	case LimitUp:
		return "LIMIT_UP"
	case LimitDown:
		return "LIMIT_DOWN"
	case Halted:
		return "HALTED"
	default:
		return "UNKNOWN"
	}
}

type Config struct {
	LimitPct     float64       // move that blocks further buys above / sells below the band
	HaltPct      float64       // move that halts the symbol
	Window       time.Duration // reference price lifetime without a new print
	HaltDuration time.Duration
}

func DefaultConfig() Config {
	return Config{
		LimitPct:     0.05,
		HaltPct:      0.10,
		Window:       5 * time.Minute,
		HaltDuration: 5 * time.Minute,
	}
}

// Status is a read-only view of one symbol's breaker.
type Status struct {
	Symbol    string
	State     State
	Reference decimal.Decimal
	Upper     decimal.Decimal
	Lower     decimal.Decimal
	HaltEnd   time.Time
	Triggers  int
}

type symbolState struct {
	state       State
	reference   decimal.Decimal
	upper       decimal.Decimal
	lower       decimal.Decimal
	windowStart time.Time
	haltEnd     time.Time
	triggers    int
}

type Breaker struct {
	cfg      Config
	clock    util.Clock
	log      *zap.Logger
	limitPct decimal.Decimal
	haltPct  decimal.Decimal

	mu      sync.Mutex
	symbols map[string]*symbolState
	halted  bool // market-wide
}

func New(cfg Config, clock util.Clock, log *zap.Logger) *Breaker {
	if clock == nil {
		clock = util.RealClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Breaker{
		cfg:      cfg,
		clock:    clock,
		log:      log.Named("circuit"),
		limitPct: decimal.NewFromFloat(cfg.LimitPct),
		haltPct:  decimal.NewFromFloat(cfg.HaltPct),
		symbols:  make(map[string]*symbolState),
	}
}

func (b *Breaker) setReference(s *symbolState, price decimal.Decimal, now time.Time) {
	one := decimal.NewFromInt(1)
	s.reference = price
	s.upper = price.Mul(one.Add(b.limitPct))
	s.lower = price.Mul(one.Sub(b.limitPct))
	s.windowStart = now
}

// Check classifies an order at price against the band around the last trade
// reference. Anything other than Normal blocks it. Orders never halt a symbol;
// only trade prints do, through OnTrade.
func (b *Breaker) Check(symbol string, side core.Side, price decimal.Decimal) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.halted {
		return Halted
	}
	s, ok := b.symbols[symbol]
	if !ok {
		return Normal
	}
	now := b.clock.Now()

	if s.state == Halted {
		if now.Before(s.haltEnd) {
			return Halted
		}
		b.log.Info("trading_resumed", zap.String("symbol", symbol))
		s.state = Normal
	}
	if s.reference.IsZero() || now.Sub(s.windowStart) >= b.cfg.Window {
		s.state = Normal
		return Normal
	}

	switch {
	case side == core.Buy && price.GreaterThanOrEqual(s.upper):
		s.state = LimitUp
		s.triggers++
	case side == core.Sell && price.LessThanOrEqual(s.lower):
		s.state = LimitDown
		s.triggers++
	default:
		s.state = Normal
	}
	return s.state
}

// OnTrade moves the reference to trade prints and halts the symbol when a
// print lands HaltPct or more away from the reference.
func (b *Breaker) OnTrade(t core.Trade) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.symbols[t.Symbol]
	if !ok {
		s = &symbolState{}
		b.symbols[t.Symbol] = s
	}
	now := b.clock.Now()
	if s.reference.IsZero() || now.Sub(s.windowStart) >= b.cfg.Window {
		b.setReference(s, t.Price, now)
		return nil
	}

	move := t.Price.Sub(s.reference).Abs().Div(s.reference)
	if move.LessThan(b.haltPct) || s.state == Halted {
		return nil
	}
	s.state = Halted
	s.haltEnd = now.Add(b.cfg.HaltDuration)
	s.triggers++
	b.log.Warn("trading_halted",
		zap.String("symbol", t.Symbol),
		zap.String("price", t.Price.String()),
		zap.String("reference", s.reference.String()),
		zap.Time("halt_end", s.haltEnd))
	// trading resumes around the print that halted it
	b.setReference(s, t.Price, now)
	return nil
}

// Allow is Check expressed as an error for the matching engine.
func (b *Breaker) Allow(symbol string, side core.Side, price decimal.Decimal) error {
	if st := b.Check(symbol, side, price); st != Normal {
		return errors.Wrapf(core.ErrTradingHalted, "%s is %s", symbol, st)
	}
	return nil
}

// Halt stops trading on every symbol until Resume.
func (b *Breaker) Halt() {
	b.mu.Lock()
	b.halted = true
	b.mu.Unlock()
	b.log.Warn("market_halted")
}

func (b *Breaker) Resume() {
	b.mu.Lock()
	b.halted = false
	b.mu.Unlock()
	b.log.Info("market_resumed")
}

func (b *Breaker) Status(symbol string) Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := Status{Symbol: symbol}
	s, ok := b.symbols[symbol]
	if !ok {
		if b.halted {
			out.State = Halted
		}
		return out
	}
	out.State = s.state
	if b.halted {
		out.State = Halted
	}
	out.Reference = s.reference
	out.Upper = s.upper
	out.Lower = s.lower
	out.HaltEnd = s.haltEnd
	out.Triggers = s.triggers
	return out
}
