package account

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/mntex/pkg/app/core"
	"github.com/uhyunpark/mntex/pkg/app/core/events"
	"github.com/uhyunpark/mntex/pkg/app/core/priceindex"
	"github.com/uhyunpark/mntex/pkg/journal"
	"github.com/uhyunpark/mntex/pkg/util"
)

type Config struct {
	// MaintenanceFraction of initial margin below which positions are liquidated.
	MaintenanceFraction decimal.Decimal
}

func DefaultConfig() Config {
	return Config{MaintenanceFraction: decimal.NewFromFloat(0.5)}
}

type Option func(*Ledger)

func WithStore(s Store) Option                       { return func(l *Ledger) { l.store = s } }
func WithEmitter(e Emitter) Option                   { return func(l *Ledger) { l.emitter = e } }
func WithExposureListener(x ExposureListener) Option { return func(l *Ledger) { l.listener = x } }
func WithClock(c util.Clock) Option                  { return func(l *Ledger) { l.clock = c } }
func WithConfig(c Config) Option                     { return func(l *Ledger) { l.cfg = c } }

type entry struct {
	mu  sync.Mutex
	acc Account
}

// Ledger owns balances and positions keyed by owner.
// Mutations for one owner are serialized by that owner's mutex; different
// owners proceed in parallel.
type Ledger struct {
	products ProductSource
	quotes   QuoteSource
	store    Store
	emitter  Emitter
	listener ExposureListener
	clock    util.Clock
	log      *zap.Logger
	cfg      Config

	mu       sync.RWMutex
	accounts map[string]*entry

	index       *positionIndex
	settlements *events.Bus[Settlement]
}

// NewLedger restores every account the store holds.
func NewLedger(products ProductSource, quotes QuoteSource, log *zap.Logger, opts ...Option) (*Ledger, error) {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Ledger{
		products: products,
		quotes:   quotes,
		store:    nopStore{},
		emitter:  nopEmitter{},
		clock:    util.RealClock{},
		log:      log.Named("ledger"),
		cfg:      DefaultConfig(),
		accounts: make(map[string]*entry),
		index:    newPositionIndex(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.settlements = events.NewBus[Settlement]("position_settlements", l.log)

	accounts, err := l.store.LoadAccounts()
	if err != nil {
		return nil, errors.Wrap(err, "load accounts")
	}
	for _, acc := range accounts {
		if acc.Positions == nil {
			acc.Positions = make(map[string]Position)
		}
		if err := acc.Validate(); err != nil {
			return nil, errors.Wrapf(err, "restored account %s", acc.Owner)
		}
		l.accounts[acc.Owner] = &entry{acc: acc}
		for symbol, p := range acc.Positions {
			p := p
			l.index.set(symbol, acc.Owner, &p)
		}
	}
	if len(accounts) > 0 {
		l.log.Info("accounts_restored", zap.Int("count", len(accounts)))
	}
	return l, nil
}

// Settlements is notified for every close and liquidation.
func (l *Ledger) Settlements() *events.Bus[Settlement] { return l.settlements }

func (l *Ledger) MaintenanceFraction() decimal.Decimal { return l.cfg.MaintenanceFraction }

func (l *Ledger) get(owner string) (*entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.accounts[owner]
	return e, ok
}

func (l *Ledger) getOrCreate(owner string) *entry {
	if e, ok := l.get(owner); ok {
		return e
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.accounts[owner]; ok {
		return e
	}
	e := &entry{acc: NewAccount(owner)}
	l.accounts[owner] = e
	return e
}

// commit persists next and then installs it. Caller holds e.mu.
func (l *Ledger) commit(e *entry, next Account) error {
	if err := next.Validate(); err != nil {
		l.log.Error("account_invariant_violated", zap.String("owner", next.Owner), zap.Error(err), zap.Stack("stack"))
		return errors.Wrapf(err, "account %s", next.Owner)
	}
	if err := l.store.SaveAccount(next); err != nil {
		l.log.Error("account_persist_failed", zap.String("owner", next.Owner), zap.Error(err))
		return errors.Wrapf(err, "persist account %s", next.Owner)
	}
	e.acc = next
	return nil
}

func (l *Ledger) emit(kind journal.Kind, ref string, at time.Time, lines ...journal.Line) {
	if _, err := l.emitter.Emit(kind, ref, at, lines...); err != nil {
		l.log.Error("posting_emit_failed", zap.String("kind", string(kind)), zap.String("ref", ref), zap.Error(err))
	}
}

func (l *Ledger) notify(snap ExposureSnapshot) {
	if l.listener != nil {
		l.listener.ExposureChanged(snap)
	}
}

func positionRef(owner, symbol string) string { return owner + "/" + symbol }

func validOwner(owner string) error {
	if owner == "" {
		return errors.Wrap(core.ErrValidation, "owner is required")
	}
	return nil
}

// Deposit credits amount and returns the new balance.
func (l *Ledger) Deposit(owner string, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := validOwner(owner); err != nil {
		return decimal.Zero, err
	}
	if amount.Sign() <= 0 {
		return decimal.Zero, errors.Wrapf(core.ErrValidation, "deposit amount must be positive: %s", amount)
	}

	e := l.getOrCreate(owner)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := l.clock.Now()
	next := e.acc.clone()
	next.Balance = next.Balance.Add(amount)
	next.UpdatedAt = now
	if err := l.commit(e, next); err != nil {
		return decimal.Zero, err
	}
	l.emit(journal.KindDeposit, owner, now,
		journal.Debit(journal.ExchangeBank, amount),
		journal.Credit(journal.CustomerBalance(owner), amount))
	l.log.Info("deposit", zap.String("owner", owner), zap.String("amount", amount.String()))
	return next.Balance, nil
}

// Withdraw debits amount from the free balance and returns what remains.
func (l *Ledger) Withdraw(owner string, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := validOwner(owner); err != nil {
		return decimal.Zero, err
	}
	if amount.Sign() <= 0 {
		return decimal.Zero, errors.Wrapf(core.ErrValidation, "withdraw amount must be positive: %s", amount)
	}
	e, ok := l.get(owner)
	if !ok {
		return decimal.Zero, errors.Wrapf(core.ErrInsufficientBalance, "have 0, need %s", amount)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.acc.Balance.LessThan(amount) {
		return decimal.Zero, errors.Wrapf(core.ErrInsufficientBalance, "have %s, need %s", e.acc.Balance, amount)
	}
	now := l.clock.Now()
	next := e.acc.clone()
	next.Balance = next.Balance.Sub(amount)
	next.UpdatedAt = now
	if err := l.commit(e, next); err != nil {
		return decimal.Zero, err
	}
	l.emit(journal.KindWithdrawal, owner, now,
		journal.Debit(journal.CustomerBalance(owner), amount),
		journal.Credit(journal.ExchangeBank, amount))
	l.log.Info("withdrawal", zap.String("owner", owner), zap.String("amount", amount.String()))
	return next.Balance, nil
}

// OpenPosition takes the ask for longs and the bid for shorts. Adding to an
// existing position on the same side averages the entry; the opposite side
// is rejected until the position is closed.
func (l *Ledger) OpenPosition(owner, symbol string, side core.Side, size decimal.Decimal) (Position, error) {
	if err := validOwner(owner); err != nil {
		return Position{}, err
	}
	if !side.Valid() {
		return Position{}, errors.Wrapf(core.ErrValidation, "invalid side %d", side)
	}
	product, err := l.products.GetActive(symbol)
	if err != nil {
		return Position{}, err
	}
	if err := product.ValidateSize(size); err != nil {
		return Position{}, err
	}
	q, err := l.quotes.Quote(symbol)
	if err != nil {
		return Position{}, err
	}
	price := q.PriceFor(side)
	margin := product.Margin(size, price)

	e, ok := l.get(owner)
	if !ok {
		return Position{}, errors.Wrapf(core.ErrInsufficientMargin, "have 0, need %s", margin)
	}
	e.mu.Lock()

	if e.acc.Balance.LessThan(margin) {
		have := e.acc.Balance
		e.mu.Unlock()
		return Position{}, errors.Wrapf(core.ErrInsufficientMargin, "have %s, need %s", have, margin)
	}
	now := l.clock.Now()
	pos, exists := e.acc.Positions[symbol]
	switch {
	case !exists:
		pos = Position{Owner: owner, Symbol: symbol, Side: side, Size: size, EntryPrice: price, Margin: margin, OpenedAt: now}
	case pos.Side != side:
		e.mu.Unlock()
		return Position{}, errors.Wrapf(core.ErrValidation, "%s already %s %s; close it first", owner, pos.Side, symbol)
	default:
		total := pos.Size.Add(size)
		pos.EntryPrice = pos.EntryPrice.Mul(pos.Size).Add(price.Mul(size)).Div(total)
		pos.Size = total
		pos.Margin = pos.Margin.Add(margin)
	}

	next := e.acc.clone()
	next.Balance = next.Balance.Sub(margin)
	next.Positions[symbol] = pos
	next.TradeCount++
	next.UpdatedAt = now
	if err := l.commit(e, next); err != nil {
		e.mu.Unlock()
		return Position{}, err
	}
	snap := l.index.set(symbol, owner, &pos)
	l.emit(journal.KindMargin, positionRef(owner, symbol), now,
		journal.Debit(journal.CustomerBalance(owner), margin),
		journal.Credit(journal.CustomerMargin(owner), margin))
	e.mu.Unlock()

	l.log.Info("position_opened",
		zap.String("owner", owner),
		zap.String("symbol", symbol),
		zap.Stringer("side", side),
		zap.String("size", size.String()),
		zap.String("price", price.String()),
		zap.String("margin", margin.String()))
	l.notify(snap)
	return pos, nil
}

// ClosePosition closes at the bid for longs and the ask for shorts, releasing
// margin + pnl to the balance.
func (l *Ledger) ClosePosition(owner, symbol string) (Settlement, error) {
	e, ok := l.get(owner)
	if !ok {
		return Settlement{}, errors.Wrapf(core.ErrNotFound, "no account %s", owner)
	}
	e.mu.Lock()
	pos, exists := e.acc.Positions[symbol]
	if !exists {
		e.mu.Unlock()
		return Settlement{}, errors.Wrapf(core.ErrNotFound, "no %s position for %s", symbol, owner)
	}
	q, err := l.quotes.Quote(symbol)
	if err != nil {
		e.mu.Unlock()
		return Settlement{}, err
	}
	st, snap, err := l.closeLocked(e, pos, q.PriceFor(pos.Side.Opposite()), false)
	e.mu.Unlock()
	if err != nil {
		return Settlement{}, err
	}
	l.notify(snap)
	l.settlements.Publish(st)
	return st, nil
}

// closeLocked settles pos at price. Caller holds e.mu.
func (l *Ledger) closeLocked(e *entry, pos Position, price decimal.Decimal, liquidated bool) (Settlement, ExposureSnapshot, error) {
	now := l.clock.Now()
	pnl := pos.UnrealizedPnL(price)

	next := e.acc.clone()
	next.Balance = next.Balance.Add(pos.Margin).Add(pnl)
	next.RealizedPnL = next.RealizedPnL.Add(pnl)
	next.TradeCount++
	next.UpdatedAt = now
	delete(next.Positions, pos.Symbol)
	if err := l.commit(e, next); err != nil {
		return Settlement{}, ExposureSnapshot{}, err
	}
	snap := l.index.set(pos.Symbol, pos.Owner, nil)

	balance := journal.CustomerBalance(pos.Owner)
	lines := []journal.Line{
		journal.Debit(journal.CustomerMargin(pos.Owner), pos.Margin),
		journal.Credit(balance, pos.Margin),
	}
	switch pnl.Sign() {
	case 1:
		lines = append(lines, journal.Debit(journal.CustomerPayout, pnl), journal.Credit(balance, pnl))
	case -1:
		loss := pnl.Neg()
		lines = append(lines, journal.Debit(balance, loss), journal.Credit(journal.CustomerLoss, loss))
	}
	kind := journal.KindSettlement
	if liquidated {
		kind = journal.KindLiquidation
	}
	l.emit(kind, positionRef(pos.Owner, pos.Symbol), now, lines...)

	st := Settlement{
		Owner:      pos.Owner,
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Size:       pos.Size,
		EntryPrice: pos.EntryPrice,
		ClosePrice: price,
		Margin:     pos.Margin,
		PnL:        pnl,
		Balance:    next.Balance,
		Liquidated: liquidated,
		Time:       now,
	}
	l.log.Info("position_closed",
		zap.String("owner", pos.Owner),
		zap.String("symbol", pos.Symbol),
		zap.String("close_price", price.String()),
		zap.String("pnl", pnl.String()),
		zap.Bool("liquidated", liquidated))
	return st, snap, nil
}

// CheckLiquidations force-closes every position in symbol whose margin + pnl
// is at or below maintenance.
func (l *Ledger) CheckLiquidations(symbol string) ([]Settlement, error) {
	q, err := l.quotes.Quote(symbol)
	if err != nil {
		return nil, err
	}
	fraction := l.cfg.MaintenanceFraction

	var out []Settlement
	for _, candidate := range l.index.snapshot(symbol).Positions {
		if !candidate.Liquidatable(q.PriceFor(candidate.Side.Opposite()), fraction) {
			continue
		}
		e, ok := l.get(candidate.Owner)
		if !ok {
			continue
		}
		e.mu.Lock()
		pos, exists := e.acc.Positions[symbol]
		price := q.PriceFor(pos.Side.Opposite())
		if !exists || !pos.Liquidatable(price, fraction) {
			e.mu.Unlock()
			continue
		}
		st, snap, err := l.closeLocked(e, pos, price, true)
		e.mu.Unlock()
		if err != nil {
			return out, err
		}
		l.log.Warn("position_liquidated",
			zap.String("owner", pos.Owner),
			zap.String("symbol", symbol),
			zap.String("price", price.String()),
			zap.String("liquidation_price", pos.LiquidationPrice(fraction).String()))
		l.notify(snap)
		l.settlements.Publish(st)
		out = append(out, st)
	}
	return out, nil
}

// ApplyFunding charges size × mid × rate to longs and pays it to shorts
// (reversed for a negative rate). The exchange is the counterparty.
func (l *Ledger) ApplyFunding(s priceindex.Settlement) (int, error) {
	rate := decimal.NewFromFloat(s.Rate)
	if rate.IsZero() {
		return 0, nil
	}
	q, err := l.quotes.Quote(s.Symbol)
	if err != nil {
		l.log.Warn("funding_skipped", zap.String("symbol", s.Symbol), zap.Error(err))
		return 0, err
	}

	applied := 0
	for _, candidate := range l.index.snapshot(s.Symbol).Positions {
		e, ok := l.get(candidate.Owner)
		if !ok {
			continue
		}
		e.mu.Lock()
		pos, exists := e.acc.Positions[s.Symbol]
		if !exists {
			e.mu.Unlock()
			continue
		}
		// positive charge: the customer pays
		charge := pos.Size.Mul(q.Mid).Mul(rate).Mul(pos.Side.Sign())
		if charge.IsZero() {
			e.mu.Unlock()
			continue
		}
		now := l.clock.Now()
		next := e.acc.clone()
		next.Balance = next.Balance.Sub(charge)
		next.FundingPaid = next.FundingPaid.Add(charge)
		next.UpdatedAt = now
		if err := l.commit(e, next); err != nil {
			e.mu.Unlock()
			return applied, err
		}
		l.emit(journal.KindFunding, positionRef(pos.Owner, s.Symbol), now,
			journal.Debit(journal.CustomerBalance(pos.Owner), charge),
			journal.Credit(journal.FundingRevenue, charge))
		e.mu.Unlock()
		applied++
	}
	l.log.Info("funding_applied",
		zap.String("symbol", s.Symbol),
		zap.Float64("rate", s.Rate),
		zap.Int("positions", applied))
	return applied, nil
}

// Balance returns the free balance.
func (l *Ledger) Balance(owner string) (decimal.Decimal, error) {
	e, ok := l.get(owner)
	if !ok {
		return decimal.Zero, errors.Wrapf(core.ErrNotFound, "no account %s", owner)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acc.Balance, nil
}

// Snapshot returns a copy of owner's account.
func (l *Ledger) Snapshot(owner string) (Account, error) {
	e, ok := l.get(owner)
	if !ok {
		return Account{}, errors.Wrapf(core.ErrNotFound, "no account %s", owner)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acc.clone(), nil
}

func sortedPositions(acc Account) []Position {
	out := make([]Position, 0, len(acc.Positions))
	for _, p := range acc.Positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Positions returns owner's positions sorted by symbol.
func (l *Ledger) Positions(owner string) ([]Position, error) {
	acc, err := l.Snapshot(owner)
	if err != nil {
		return nil, err
	}
	return sortedPositions(acc), nil
}

// Account marks owner's positions to the current quotes. Positions without a
// quote are carried at zero unrealized pnl.
func (l *Ledger) Account(owner string) (View, error) {
	acc, err := l.Snapshot(owner)
	if err != nil {
		return View{}, err
	}
	positions := sortedPositions(acc)
	v := View{
		Owner:       owner,
		Balance:     acc.Balance,
		MarginUsed:  acc.MarginUsed(),
		RealizedPnL: acc.RealizedPnL,
		FundingPaid: acc.FundingPaid,
		Positions:   make([]PositionView, 0, len(positions)),
	}
	for _, p := range positions {
		pv := PositionView{Position: p, LiquidationPrice: p.LiquidationPrice(l.cfg.MaintenanceFraction)}
		if q, err := l.quotes.Quote(p.Symbol); err == nil {
			pv.MarkPrice = q.PriceFor(p.Side.Opposite())
			pv.UnrealizedPnL = p.UnrealizedPnL(pv.MarkPrice)
		}
		v.UnrealizedPnL = v.UnrealizedPnL.Add(pv.UnrealizedPnL)
		v.Positions = append(v.Positions, pv)
	}
	v.Equity = v.Balance.Add(v.MarginUsed).Add(v.UnrealizedPnL)
	return v, nil
}

// SymbolPositions returns the current exposure snapshot for symbol.
func (l *Ledger) SymbolPositions(symbol string) ExposureSnapshot {
	return l.index.snapshot(symbol)
}

// Symbols lists symbols with at least one open position.
func (l *Ledger) Symbols() []string {
	return l.index.symbolsWithPositions()
}

// Owners lists every known account.
func (l *Ledger) Owners() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.accounts))
	for owner := range l.accounts {
		out = append(out, owner)
	}
	sort.Strings(out)
	return out
}

// Count returns the total number of accounts
func (l *Ledger) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.accounts)
}
