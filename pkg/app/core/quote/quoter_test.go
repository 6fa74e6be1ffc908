package quote

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/mntex/pkg/app/core"
	"github.com/uhyunpark/mntex/pkg/app/core/market"
	"github.com/uhyunpark/mntex/pkg/app/core/priceindex"
	"github.com/uhyunpark/mntex/pkg/util"
)

type prices map[string]priceindex.Snapshot

func (p prices) Snapshot(symbol string) (priceindex.Snapshot, bool) {
	s, ok := p[symbol]
	return s, ok
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func setup(t *testing.T) (*market.Registry, prices, *util.ManualClock) {
	t.Helper()
	reg, err := market.NewRegistryWith(market.DefaultCatalog())
	require.NoError(t, err)
	clock := util.NewManualClock(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	return reg, prices{}, clock
}

func TestQuoteConvertsThenMarksUp(t *testing.T) {
	reg, px, clock := setup(t)
	px["XAU-MNT"] = priceindex.Snapshot{Symbol: "XAU-MNT", Bid: 3380, Ask: 3381, Time: clock.Now()}
	q := New(reg, px, WithClock(clock))

	got, err := q.Quote("XAU-MNT")
	require.NoError(t, err)
	// 3380 × 3450 − 2×10/2 and 3381 × 3450 + 2×10/2
	assert.True(t, got.Bid.Equal(d("11660990")), got.Bid.String())
	assert.True(t, got.Ask.Equal(d("11664460")), got.Ask.String())
	assert.True(t, got.Spread.Equal(d("3470")))
	assert.True(t, got.Mid.Equal(d("11662725")))
	assert.Equal(t, "MNT", got.Currency)
	assert.Equal(t, clock.Now(), got.Time)

	assert.True(t, got.PriceFor(core.Buy).Equal(got.Ask))
	assert.True(t, got.PriceFor(core.Sell).Equal(got.Bid))
}

func TestQuoteCustomRate(t *testing.T) {
	reg, px, clock := setup(t)
	px["EUR-MNT"] = priceindex.Snapshot{Bid: 1.04, Ask: 1.04, Time: clock.Now()}
	q := New(reg, px, WithClock(clock), WithUSDMNT(d("3500")))

	got, err := q.Quote("EUR-MNT")
	require.NoError(t, err)
	assert.True(t, got.Bid.Equal(d("3639.995")), got.Bid.String())
	assert.True(t, got.Ask.Equal(d("3640.005")), got.Ask.String())
}

func TestQuoteInvertedAndDirectPairs(t *testing.T) {
	reg, px, clock := setup(t)
	px["JPY-MNT"] = priceindex.Snapshot{Bid: 150, Ask: 160, Time: clock.Now()}
	px["USD-MNT"] = priceindex.Snapshot{Bid: 3450, Ask: 3452, Time: clock.Now()}
	q := New(reg, px, WithClock(clock))

	jpy, err := q.Quote("JPY-MNT")
	require.NoError(t, err)
	// 3450 / 160 and 3450 / 150, then ± 1×0.0001/2
	assert.True(t, jpy.Bid.Equal(d("21.56245")), jpy.Bid.String())
	assert.True(t, jpy.Ask.Equal(d("23.00005")), jpy.Ask.String())

	usd, err := q.Quote("USD-MNT")
	require.NoError(t, err)
	assert.True(t, usd.Bid.Equal(d("3449.95")), usd.Bid.String())
	assert.True(t, usd.Ask.Equal(d("3452.05")), usd.Ask.String())
	assert.Equal(t, "MNT", usd.Currency)
}

func TestQuoteErrors(t *testing.T) {
	reg, px, clock := setup(t)
	px["BTC-MNT"] = priceindex.Snapshot{Bid: 105000, Ask: 105010, Time: clock.Now()}
	px["ETH-MNT"] = priceindex.Snapshot{Bid: 3200, Ask: 3201, Time: clock.Now()}
	require.NoError(t, reg.SetActive("ETH-MNT", false))
	q := New(reg, px, WithClock(clock), WithMaxAge(5*time.Second))

	_, err := q.Quote("DOGE-MNT")
	assert.True(t, errors.Is(err, core.ErrNotFound))
	_, err = q.Quote("ETH-MNT")
	assert.True(t, errors.Is(err, core.ErrNotFound), "inactive product")
	_, err = q.Quote("XAU-MNT")
	assert.True(t, errors.Is(err, core.ErrQuoteUnavailable), "no price yet")

	_, err = q.Quote("BTC-MNT")
	require.NoError(t, err)
	clock.Advance(6 * time.Second)
	_, err = q.Quote("BTC-MNT")
	assert.True(t, errors.Is(err, core.ErrQuoteUnavailable), "stale price")
}

func TestQuotesListsOnlyPricedActiveProducts(t *testing.T) {
	reg, px, clock := setup(t)
	px["XAU-MNT"] = priceindex.Snapshot{Bid: 3380, Ask: 3381, Time: clock.Now()}
	px["ETH-MNT"] = priceindex.Snapshot{Bid: 3200, Ask: 3201, Time: clock.Now()}
	require.NoError(t, reg.SetActive("ETH-MNT", false))
	q := New(reg, px, WithClock(clock))

	all := q.Quotes()
	require.Len(t, all, 1)
	assert.Equal(t, "XAU-MNT", all[0].Symbol)
}
