// Package perp assembles the exchange: books, price index, quoter, ledger,
// hedger, journal and their background loops.
package perp

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/mntex/params"
	"github.com/uhyunpark/mntex/pkg/app/core"
	"github.com/uhyunpark/mntex/pkg/app/core/account"
	"github.com/uhyunpark/mntex/pkg/app/core/circuit"
	"github.com/uhyunpark/mntex/pkg/app/core/hedge"
	"github.com/uhyunpark/mntex/pkg/app/core/market"
	"github.com/uhyunpark/mntex/pkg/app/core/matching"
	"github.com/uhyunpark/mntex/pkg/app/core/priceindex"
	"github.com/uhyunpark/mntex/pkg/app/core/quote"
	"github.com/uhyunpark/mntex/pkg/journal"
	"github.com/uhyunpark/mntex/pkg/metrics"
	"github.com/uhyunpark/mntex/pkg/storage"
	"github.com/uhyunpark/mntex/pkg/util"
	"github.com/uhyunpark/mntex/pkg/venue"
)

type App struct {
	cfg   params.Config
	log   *zap.Logger
	clock util.Clock

	Products *market.Registry
	Breaker  *circuit.Breaker
	Engine   *matching.Engine
	Index    *priceindex.Index
	Quoter   *quote.Quoter
	Ledger   *account.Ledger
	Hedger   *hedge.Controller
	Poster   *journal.Poster
	Store    *storage.PebbleStore
	Metrics  *metrics.Metrics
	Venue    venue.Venue

	Feeder *QuoteFeeder
	TxGen  *OrderFeeder // nil unless ENABLE_TXGEN

	journalFile *storage.FileJournal
}

type Option func(*App)

func WithClock(c util.Clock) Option { return func(a *App) { a.clock = c } }

// New opens storage, restores accounts and the trade tape, and wires every
// component's buses. Nothing runs until Run is called.
func New(cfg params.Config, v venue.Venue, log *zap.Logger, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{cfg: cfg, log: log, clock: util.RealClock{}, Venue: v}
	for _, opt := range opts {
		opt(a)
	}

	catalog := market.DefaultCatalog()
	if cfg.Market.ProductsFile != "" {
		var err error
		if catalog, err = market.LoadCatalog(cfg.Market.ProductsFile); err != nil {
			return nil, err
		}
	}
	products, err := market.NewRegistryWith(catalog)
	if err != nil {
		return nil, err
	}
	a.Products = products

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create data dir")
	}
	if a.Store, err = storage.NewPebbleStore(cfg.Storage.DataDir); err != nil {
		return nil, err
	}
	sink := journal.Journal(a.Store)
	if cfg.Storage.JournalFile != "" {
		if a.journalFile, err = storage.NewFileJournal(cfg.Storage.JournalFile); err != nil {
			return nil, multierr.Append(err, a.Store.Close())
		}
		sink = storage.MultiJournal{a.Store, a.journalFile}
	}

	if err := a.build(sink); err != nil {
		return nil, multierr.Append(err, a.Close())
	}
	a.wire()
	if err := a.restoreTape(); err != nil {
		return nil, multierr.Append(err, a.Close())
	}
	return a, nil
}

func (a *App) build(sink journal.Journal) error {
	cfg := a.cfg
	var err error

	if a.Poster, err = journal.NewPoster(sink, a.log); err != nil {
		return err
	}
	a.Metrics = metrics.New()
	a.Breaker = circuit.New(circuit.Config{
		LimitPct:     cfg.Circuit.LimitPct,
		HaltPct:      cfg.Circuit.HaltPct,
		Window:       cfg.Circuit.Window,
		HaltDuration: cfg.Circuit.HaltDuration,
	}, a.clock, a.log)
	if a.Engine, err = matching.New(a.log,
		matching.WithProducts(a.Products),
		matching.WithGuard(a.Breaker),
		matching.WithClock(a.clock),
		matching.WithTapeSize(cfg.Market.TradeTapeSize),
	); err != nil {
		return err
	}

	indexCfg := priceindex.DefaultConfig()
	indexCfg.Alpha = cfg.Index.Alpha
	indexCfg.HistorySize = cfg.Index.HistorySize
	indexCfg.FundingPeriod = cfg.Index.FundingPeriod
	indexCfg.SettlementInterval = cfg.Index.SettlementInterval
	indexCfg.MaxFundingRate = cfg.Index.FundingCap
	indexCfg.BaseRate = cfg.Index.FundingBaseRate
	indexCfg.SampleInterval = cfg.Index.SampleInterval
	a.Index = priceindex.New(indexCfg, a.clock, a.log)

	a.Quoter = quote.New(a.Products, a.Index,
		quote.WithUSDMNT(decimal.NewFromFloat(cfg.Market.USDMNT)),
		quote.WithMaxAge(cfg.Market.QuoteMaxAge),
		quote.WithClock(a.clock))

	a.Hedger = hedge.New(a.Products, a.Venue, a.log,
		hedge.WithConfig(hedge.Config{
			ThresholdFraction: decimal.NewFromFloat(cfg.Hedge.Threshold),
			Timeout:           cfg.Hedge.Timeout,
		}),
		hedge.WithClock(a.clock))

	if a.Ledger, err = account.NewLedger(a.Products, a.Quoter, a.log,
		account.WithStore(a.Store),
		account.WithEmitter(a.Poster),
		account.WithExposureListener(a.Hedger),
		account.WithClock(a.clock),
		account.WithConfig(account.Config{MaintenanceFraction: decimal.NewFromFloat(cfg.Ledger.MaintenanceFraction)}),
	); err != nil {
		return err
	}

	a.Feeder = NewQuoteFeeder(a.Venue, a.Products, a.Index, cfg.Feed.Interval, a.clock, a.log)
	if cfg.Feed.EnableTxGen {
		gen := DefaultTxGenConfig()
		gen.Traders = cfg.Feed.TxGenTraders
		a.TxGen = NewOrderFeeder(gen, a.Engine, a.Quoter, a.Products, a.clock, a.log)
	}
	return nil
}

// wire connects the buses. Every subscriber runs on the publisher's goroutine.
func (a *App) wire() {
	trades := a.Engine.Trades()
	trades.Subscribe("journal", func(t core.Trade) error {
		_, err := a.Poster.Emit(journal.KindTrade, t.ID, t.Time, journal.TradeLines(t)...)
		return err
	})
	trades.Subscribe("circuit", a.Breaker.OnTrade)
	trades.Subscribe("trade_archive", a.Store.SaveTrade)
	trades.Subscribe("metrics", a.Metrics.ObserveTrade)
	a.Engine.Orders().Subscribe("metrics", a.Metrics.ObserveOrder)

	a.Index.Prices().Subscribe("liquidations", func(s priceindex.Snapshot) error {
		_, err := a.Ledger.CheckLiquidations(s.Symbol)
		if errors.Is(err, core.ErrQuoteUnavailable) || errors.Is(err, core.ErrNotFound) {
			return nil
		}
		return err
	})
	a.Index.Prices().Subscribe("metrics", a.Metrics.ObservePrice)
	a.Index.FundingRates().Subscribe("metrics", a.Metrics.ObserveFunding)
	a.Index.Settlements().Subscribe("funding", func(s priceindex.Settlement) error {
		if _, err := a.Ledger.ApplyFunding(s); err != nil {
			return err
		}
		_, err := a.Ledger.CheckLiquidations(s.Symbol)
		return err
	})

	a.Ledger.Settlements().Subscribe("metrics", a.Metrics.ObserveSettlement)
	a.Hedger.Events().Subscribe("metrics", a.Metrics.ObserveHedge)
	a.Poster.Appended().Subscribe("metrics", a.Metrics.ObservePosting)
}

func (a *App) restoreTape() error {
	symbols, err := a.Store.TradeSymbols()
	if err != nil {
		return err
	}
	for _, symbol := range symbols {
		if !a.Products.Exists(symbol) {
			continue
		}
		trades, err := a.Store.LoadRecentTrades(symbol, a.cfg.Market.TradeTapeSize)
		if err != nil {
			return err
		}
		a.Engine.RestoreTape(symbol, trades)
		a.log.Info("trade_tape_restored", zap.String("symbol", symbol), zap.Int("trades", len(trades)))
	}
	return nil
}

func (a *App) Config() params.Config { return a.cfg }

// Run starts the background loops plus any extra ones (the API server) and
// blocks until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context, extra ...func(context.Context) error) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Index.Run(ctx) })
	g.Go(func() error { return a.Feeder.Run(ctx) })
	g.Go(func() error { return a.Poster.Run(ctx) })
	if a.TxGen != nil {
		g.Go(func() error { return a.TxGen.Run(ctx) })
	}
	for _, run := range extra {
		run := run
		g.Go(func() error { return run(ctx) })
	}
	a.log.Info("exchange_running",
		zap.Int("products", a.Products.Count()),
		zap.Int("accounts", a.Ledger.Count()),
		zap.Bool("txgen", a.TxGen != nil))
	return g.Wait()
}

// Close stops hedging, drains the journal and releases storage. Call it after
// Run has returned, so the API server and feeders no longer emit postings.
func (a *App) Close() error {
	var err error
	if a.Hedger != nil {
		err = multierr.Append(err, a.Hedger.Close())
	}
	if a.Poster != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Storage.FlushTimeout)
		err = multierr.Append(err, a.Poster.Close(ctx))
		cancel()
	}
	if a.journalFile != nil {
		err = multierr.Append(err, a.journalFile.Close())
	}
	if a.Store != nil {
		err = multierr.Append(err, a.Store.Close())
	}
	return err
}
