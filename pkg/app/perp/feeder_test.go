package perp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/uhyunpark/mntex/pkg/app/core"
	"github.com/uhyunpark/mntex/pkg/app/core/market"
	"github.com/uhyunpark/mntex/pkg/app/core/matching"
	"github.com/uhyunpark/mntex/pkg/app/core/priceindex"
	"github.com/uhyunpark/mntex/pkg/app/core/quote"
	"github.com/uhyunpark/mntex/pkg/util"
	"github.com/uhyunpark/mntex/pkg/venue"
)

func TestQuoteFeederIngestsUnderProductSymbol(t *testing.T) {
	clock := util.NewManualClock(start)
	reg, err := market.NewRegistryWith(market.DefaultCatalog())
	require.NoError(t, err)
	require.NoError(t, reg.SetActive("BTC-MNT", false))
	index := priceindex.New(priceindex.DefaultConfig(), clock, zaptest.NewLogger(t))
	v := venue.NewSimulated(venue.SimConfig{Seed: 1}, zaptest.NewLogger(t),
		venue.WithSimClock(clock),
		venue.WithPrices(map[string]float64{"XAU/USD": 3000}))
	f := NewQuoteFeeder(v, reg, index, time.Second, clock, zaptest.NewLogger(t))

	n := f.Poll(context.Background())
	assert.Equal(t, reg.Count()-1, n)

	snap, ok := index.Snapshot("XAU-MNT")
	require.True(t, ok)
	assert.Equal(t, 3000.0, snap.Index)
	_, ok = index.Snapshot("XAU/USD")
	assert.False(t, ok, "keyed by exchange symbol, not the venue's")
	_, ok = index.Snapshot("BTC-MNT")
	assert.False(t, ok, "inactive products are not polled")

	v.SetDown(true)
	assert.Zero(t, f.Poll(context.Background()))
	assert.Equal(t, int64(reg.Count()-1), f.Stats().Missed)
}

func TestQuoteFeederRunStopsOnCancel(t *testing.T) {
	clock := util.NewManualClock(start)
	reg, err := market.NewRegistryWith(market.DefaultCatalog())
	require.NoError(t, err)
	index := priceindex.New(priceindex.DefaultConfig(), clock, zaptest.NewLogger(t))
	v := venue.NewSimulated(venue.SimConfig{Seed: 1}, zaptest.NewLogger(t), venue.WithSimClock(clock))
	f := NewQuoteFeeder(v, reg, index, time.Second, clock, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		return f.Stats().Polls >= 3
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestOrderFeederTradesOnTheBook(t *testing.T) {
	clock := util.NewManualClock(start)
	reg, err := market.NewRegistryWith(market.DefaultCatalog())
	require.NoError(t, err)
	index := priceindex.New(priceindex.DefaultConfig(), clock, zaptest.NewLogger(t))
	_, err = index.Ingest("XAU-MNT", 3380, 3380, clock.Now())
	require.NoError(t, err)
	quoter := quote.New(reg, index, quote.WithClock(clock))
	engine, err := matching.New(zaptest.NewLogger(t), matching.WithProducts(reg), matching.WithClock(clock))
	require.NoError(t, err)

	cfg := DefaultTxGenConfig()
	cfg.Symbols = []string{"XAU-MNT"}
	cfg.Traders = 5
	gen := NewOrderFeeder(cfg, engine, quoter, reg, clock, zaptest.NewLogger(t))

	o, err := gen.Next("XAU-MNT")
	require.NoError(t, err)
	assert.True(t, o.Quantity.GreaterThanOrEqual(decimal001))
	if o.Type == core.Limit {
		assert.True(t, o.Price.Mod(d("10")).IsZero(), "on the 10 MNT tick: %s", o.Price)
	}

	gen.Batch(400)
	s := gen.Stats()
	assert.Positive(t, s.Orders)
	assert.Positive(t, s.Trades)

	tape, err := engine.RecentTrades("XAU-MNT", 0)
	require.NoError(t, err)
	assert.Len(t, tape, int(s.Trades))

	_, err = gen.Next("DOGE-MNT")
	assert.Error(t, err)
}

var decimal001 = d("0.01")
