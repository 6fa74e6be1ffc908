package hedge

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/uhyunpark/mntex/pkg/app/core"
	"github.com/uhyunpark/mntex/pkg/app/core/account"
	"github.com/uhyunpark/mntex/pkg/app/core/market"
	"github.com/uhyunpark/mntex/pkg/venue"
)

type call struct {
	symbol string
	side   core.Side
	size   decimal.Decimal
}

// fakeVenue blocks each OpenHedge until release is closed (when set) or ctx ends.
type fakeVenue struct {
	mu      sync.Mutex
	calls   []call
	release chan struct{}
	started chan struct{}
	err     error
}

func (v *fakeVenue) GetQuote(context.Context, string) (venue.Quote, bool) { return venue.Quote{}, false }

func (v *fakeVenue) OpenHedge(ctx context.Context, symbol string, side core.Side, size decimal.Decimal) (string, error) {
	v.mu.Lock()
	v.calls = append(v.calls, call{symbol, side, size})
	release, started, err := v.release, v.started, v.err
	v.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return "h-1", nil
}

func (v *fakeVenue) Calls() []call {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]call(nil), v.calls...)
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func positions(sizes ...string) []account.Position {
	out := make([]account.Position, 0, len(sizes))
	for i, s := range sizes {
		size := d(s)
		side := core.Buy
		if size.Sign() < 0 {
			side = core.Sell
		}
		out = append(out, account.Position{Owner: string(rune('a' + i)), Symbol: "XAU-MNT", Side: side, Size: size.Abs()})
	}
	return out
}

func newController(t *testing.T, v venue.Venue, opts ...Option) *Controller {
	t.Helper()
	reg, err := market.NewRegistryWith(market.DefaultCatalog())
	require.NoError(t, err)
	c := New(reg, v, zaptest.NewLogger(t), opts...)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// XAU-MNT max order is 100, so the threshold is 5.
func TestNoVenueCallAtOrBelowThreshold(t *testing.T) {
	v := &fakeVenue{}
	c := newController(t, v)

	exp, err := c.UpdateExposure(context.Background(), "XAU-MNT", positions("3", "4", "-2"))
	require.NoError(t, err)
	assert.True(t, exp.NetLong.Equal(d("7")))
	assert.True(t, exp.NetShort.Equal(d("2")))
	assert.True(t, exp.NetExposure.Equal(d("5")))
	assert.True(t, exp.HedgeDelta.Equal(d("5")))
	assert.Empty(t, v.Calls())
}

func TestThresholdPropertyNeverCallsVenue(t *testing.T) {
	v := &fakeVenue{}
	c := newController(t, v)
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		net := decimal.NewFromFloat(rng.Float64()*10 - 5).Round(4)
		_, err := c.UpdateExposure(context.Background(), "XAU-MNT", positions(net.String()))
		require.NoError(t, err)
	}
	assert.Empty(t, v.Calls())
}

func TestHedgesDeltaAboveThreshold(t *testing.T) {
	v := &fakeVenue{}
	c := newController(t, v)

	exp, err := c.UpdateExposure(context.Background(), "XAU-MNT", positions("4", "2"))
	require.NoError(t, err)
	require.Len(t, v.Calls(), 1)
	assert.Equal(t, call{"XAU/USD", core.Buy, d("6")}, v.Calls()[0])
	assert.True(t, exp.HedgePosition.Equal(d("6")))
	assert.True(t, exp.HedgeDelta.IsZero())
	assert.False(t, exp.Pending)

	exp, err = c.UpdateExposure(context.Background(), "XAU-MNT", positions("-4"))
	require.NoError(t, err)
	require.Len(t, v.Calls(), 2)
	assert.Equal(t, core.Sell, v.Calls()[1].side)
	assert.True(t, v.Calls()[1].size.Equal(d("10")))
	assert.True(t, exp.HedgePosition.Equal(d("-4")))

	assert.Equal(t, Stats{Total: 2, Successful: 2}, c.Stats())
}

func TestTimeoutCountsAsFailed(t *testing.T) {
	v := &fakeVenue{release: make(chan struct{})}
	cfg := DefaultConfig()
	cfg.Timeout = 20 * time.Millisecond
	c := newController(t, v, WithConfig(cfg))

	var got []Event
	c.Events().Subscribe("test", func(e Event) error {
		got = append(got, e)
		return nil
	})

	exp, err := c.UpdateExposure(context.Background(), "XAU-MNT", positions("10"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrVenueUnavailable))
	assert.True(t, exp.HedgePosition.IsZero())
	assert.True(t, exp.HedgeDelta.Equal(d("10")), "exposure stays outstanding")
	assert.False(t, exp.Pending)
	assert.Equal(t, Stats{Total: 1, Failed: 1}, c.Stats())
	require.Len(t, got, 1)
	assert.False(t, got[0].OK())
}

func TestStaleSnapshotDropped(t *testing.T) {
	v := &fakeVenue{}
	c := newController(t, v)

	c.ExposureChanged(account.ExposureSnapshot{Symbol: "XAU-MNT", Version: 2, Positions: positions("1")})
	c.ExposureChanged(account.ExposureSnapshot{Symbol: "XAU-MNT", Version: 1, Positions: positions("50")})
	c.Wait()

	exp, ok := c.Exposure("XAU-MNT")
	require.True(t, ok)
	assert.Equal(t, uint64(2), exp.Version)
	assert.True(t, exp.NetExposure.Equal(d("1")))
	assert.Empty(t, v.Calls())
}

func TestInFlightPreventsDoubleHedge(t *testing.T) {
	v := &fakeVenue{release: make(chan struct{}), started: make(chan struct{}, 4)}
	c := newController(t, v)

	c.ExposureChanged(account.ExposureSnapshot{Symbol: "XAU-MNT", Version: 1, Positions: positions("10")})
	<-v.started
	exp, _ := c.Exposure("XAU-MNT")
	assert.True(t, exp.Pending)

	c.ExposureChanged(account.ExposureSnapshot{Symbol: "XAU-MNT", Version: 2, Positions: positions("10", "8")})
	close(v.release)
	c.Wait()

	require.Len(t, v.Calls(), 1)
	exp, _ = c.Exposure("XAU-MNT")
	assert.True(t, exp.HedgePosition.Equal(d("10")))
	assert.True(t, exp.HedgeDelta.Equal(d("8")), "left for the next change")
	assert.False(t, exp.Pending)
}

func TestCloseCancelsInFlight(t *testing.T) {
	v := &fakeVenue{release: make(chan struct{}), started: make(chan struct{}, 1)}
	reg, err := market.NewRegistryWith(market.DefaultCatalog())
	require.NoError(t, err)
	c := New(reg, v, zaptest.NewLogger(t))

	c.ExposureChanged(account.ExposureSnapshot{Symbol: "XAU-MNT", Version: 1, Positions: positions("-20")})
	<-v.started
	require.NoError(t, c.Close())

	assert.Equal(t, Stats{Total: 1, Failed: 1}, c.Stats())
	c.ExposureChanged(account.ExposureSnapshot{Symbol: "XAU-MNT", Version: 2, Positions: positions("-40")})
	assert.Len(t, v.Calls(), 1, "closed controller sends nothing")
	exp, _ := c.Exposure("XAU-MNT")
	assert.False(t, exp.Pending)
}

func TestExposuresSortedAndUnknownProduct(t *testing.T) {
	c := newController(t, &fakeVenue{})
	for _, s := range []string{"XAU-MNT", "BTC-MNT"} {
		_, err := c.UpdateExposure(context.Background(), s, nil)
		require.NoError(t, err)
	}
	got := c.Exposures()
	require.Len(t, got, 2)
	assert.Equal(t, "BTC-MNT", got[0].Symbol)

	_, err := c.UpdateExposure(context.Background(), "DOGE-MNT", nil)
	assert.True(t, errors.Is(err, core.ErrNotFound))
	c.ExposureChanged(account.ExposureSnapshot{Symbol: "DOGE-MNT", Version: 1})
	_, ok := c.Exposure("DOGE-MNT")
	assert.False(t, ok)
}
