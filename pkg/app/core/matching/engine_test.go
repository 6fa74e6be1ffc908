package matching

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/uhyunpark/mntex/pkg/app/core"
	"github.com/uhyunpark/mntex/pkg/app/core/circuit"
	"github.com/uhyunpark/mntex/pkg/app/core/market"
	"github.com/uhyunpark/mntex/pkg/util"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := New(zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	return e
}

func limit(id, symbol, owner string, side core.Side, price, qty string) core.Order {
	return core.Order{ID: id, Symbol: symbol, Owner: owner, Side: side, Type: core.Limit, Price: d(price), Quantity: d(qty)}
}

func TestProcessScenarioCrossingSell(t *testing.T) {
	e := newEngine(t)

	buy, trades, err := e.Process(limit("b1", "BTC-MNT", "alice", core.Buy, "50000", "0.1"))
	require.NoError(t, err)
	assert.Empty(t, trades)
	assert.Equal(t, core.OrderOpen, buy.Status())

	sell, trades, err := e.Process(limit("s1", "BTC-MNT", "bob", core.Sell, "49000", "0.05"))
	require.NoError(t, err)
	require.Len(t, trades, 1)
	tr := trades[0]
	assert.True(t, tr.Price.Equal(d("50000")), "executes at resting price")
	assert.True(t, tr.Quantity.Equal(d("0.05")))
	assert.Equal(t, "b1", tr.BuyOrderID)
	assert.Equal(t, "s1", tr.SellOrderID)
	assert.Equal(t, "alice", tr.Buyer)
	assert.Equal(t, "bob", tr.Seller)
	assert.Equal(t, core.Sell, tr.TakerSide)
	assert.Equal(t, core.OrderFilled, sell.Status())

	bids, asks, err := e.Depth("BTC-MNT", 10)
	require.NoError(t, err)
	require.Len(t, bids, 1)
	assert.True(t, bids[0].Price.Equal(d("50000")))
	assert.True(t, bids[0].Quantity.Equal(d("0.05")))
	assert.Empty(t, asks)

	resting, err := e.Order("b1")
	require.NoError(t, err)
	assert.Equal(t, core.OrderPartiallyFilled, resting.Status())
}

func TestProcessAssignsIDsAndTime(t *testing.T) {
	clock := util.NewManualClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	e := newEngine(t, WithClock(clock))

	o, _, err := e.Process(core.Order{Symbol: "X", Side: core.Sell, Type: core.Limit, Price: d("10"), Quantity: d("1")})
	require.NoError(t, err)
	assert.NotEmpty(t, o.ID)
	assert.Equal(t, clock.Now(), o.CreatedAt)

	_, trades, err := e.Process(core.Order{Symbol: "X", Side: core.Buy, Type: core.Market, Quantity: d("1")})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.NotEmpty(t, trades[0].ID)
	assert.Equal(t, clock.Now(), trades[0].Time)
}

func TestProcessValidationDoesNotCreateState(t *testing.T) {
	reg, err := market.NewRegistryWith(market.DefaultCatalog())
	require.NoError(t, err)
	e := newEngine(t, WithProducts(reg))

	tests := []struct {
		name  string
		order core.Order
	}{
		{"unknown symbol", limit("1", "DOGE-MNT", "u", core.Buy, "1", "1")},
		{"zero qty", limit("2", "XAU-MNT", "u", core.Buy, "1", "0")},
		{"zero price", limit("3", "XAU-MNT", "u", core.Buy, "0", "1")},
		{"above max order", limit("4", "BTC-MNT", "u", core.Buy, "1", "11")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, trades, err := e.Process(tt.order)
			assert.True(t, errors.Is(err, core.ErrValidation), "got %v", err)
			assert.Empty(t, trades)
		})
	}
	assert.Empty(t, e.Symbols(), "no book may be created by a rejected order")

	bids, asks, err := e.Depth("XAU-MNT", 5)
	require.NoError(t, err, "known product without a book reads as empty")
	assert.Empty(t, bids)
	assert.Empty(t, asks)

	_, _, err = e.Depth("DOGE-MNT", 5)
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestDuplicateRestingIDRejected(t *testing.T) {
	e := newEngine(t)
	_, _, err := e.Process(limit("dup", "A", "u", core.Buy, "1", "1"))
	require.NoError(t, err)
	_, _, err = e.Process(limit("dup", "B", "u", core.Buy, "1", "1"))
	assert.True(t, errors.Is(err, core.ErrValidation))
}

func TestFilledAndCancelledIDsCannotBeReused(t *testing.T) {
	e := newEngine(t)
	_, _, err := e.Process(limit("s1", "S", "a", core.Sell, "5", "1"))
	require.NoError(t, err)
	_, trades, err := e.Process(limit("b1", "S", "b", core.Buy, "5", "1"))
	require.NoError(t, err)
	require.Len(t, trades, 1)

	_, _, err = e.Process(limit("b1", "S", "b", core.Buy, "4", "1"))
	assert.True(t, errors.Is(err, core.ErrValidation), "filled id reused: %v", err)

	_, _, err = e.Process(limit("c1", "S", "c", core.Buy, "4", "1"))
	require.NoError(t, err)
	_, err = e.Cancel("c1")
	require.NoError(t, err)
	_, _, err = e.Process(limit("c1", "T", "c", core.Buy, "4", "1"))
	assert.True(t, errors.Is(err, core.ErrValidation), "cancelled id reused: %v", err)
}

func TestConcurrentSameIDOnlyOneAccepted(t *testing.T) {
	e := newEngine(t)
	symbols := []string{"A", "B", "C", "D", "E", "F", "G", "H"}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for _, s := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			_, _, err := e.Process(limit("same", symbol, "u", core.Buy, "1", "1"))
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, core.ErrValidation), "got %v", err)
		}(s)
	}
	wg.Wait()
	assert.Equal(t, 1, accepted)
}

func TestIDMemoryIsBounded(t *testing.T) {
	e := newEngine(t, WithIDMemory(2))
	for _, id := range []string{"a", "b", "c"} {
		_, _, err := e.Process(limit(id, "S", "u", core.Sell, "5", "1"))
		require.NoError(t, err)
		_, err = e.Cancel(id)
		require.NoError(t, err)
	}
	_, _, err := e.Process(limit("a", "S", "u", core.Sell, "5", "1"))
	assert.NoError(t, err, "oldest id was forgotten")
	_, _, err = e.Process(limit("c", "S", "u", core.Sell, "5", "1"))
	assert.True(t, errors.Is(err, core.ErrValidation))
}

func TestCancelUsesGlobalIndex(t *testing.T) {
	e := newEngine(t)
	_, _, err := e.Process(limit("x1", "XAU-MNT", "u", core.Buy, "100", "1"))
	require.NoError(t, err)
	_, _, err = e.Process(limit("y1", "BTC-MNT", "u", core.Sell, "100", "1"))
	require.NoError(t, err)

	var updates []core.Order
	e.Orders().Subscribe("test", func(o core.Order) error {
		updates = append(updates, o)
		return nil
	})

	o, err := e.Cancel("y1")
	require.NoError(t, err)
	assert.Equal(t, core.OrderCancelled, o.Status())
	require.Len(t, updates, 1)
	assert.Equal(t, "y1", updates[0].ID)

	_, err = e.Cancel("y1")
	assert.True(t, errors.Is(err, core.ErrNotFound))
	_, err = e.Cancel("never")
	assert.True(t, errors.Is(err, core.ErrNotFound))

	bbo, err := e.BBO("BTC-MNT")
	require.NoError(t, err)
	assert.Nil(t, bbo.Bid)
	assert.Nil(t, bbo.Ask)

	bbo, err = e.BBO("XAU-MNT")
	require.NoError(t, err)
	require.NotNil(t, bbo.Bid)
	assert.True(t, bbo.Bid.Equal(d("100")))
}

func TestCancelAfterFillIsNotFound(t *testing.T) {
	e := newEngine(t)
	_, _, _ = e.Process(limit("m", "S", "a", core.Sell, "5", "1"))
	_, _, _ = e.Process(limit("t", "S", "b", core.Buy, "5", "1"))
	_, err := e.Cancel("m")
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestObserversSeeTradesAndStatusChanges(t *testing.T) {
	e := newEngine(t)

	var trades []core.Trade
	var orders []core.Order
	e.Trades().Subscribe("broken", func(core.Trade) error { return errors.New("ledger down") })
	e.Trades().Subscribe("panicky", func(core.Trade) error { panic("bad observer") })
	e.Trades().Subscribe("tape", func(tr core.Trade) error {
		trades = append(trades, tr)
		return nil
	})
	e.Orders().Subscribe("orders", func(o core.Order) error {
		orders = append(orders, o)
		return nil
	})

	_, _, err := e.Process(limit("a", "S", "m1", core.Sell, "10", "1"))
	require.NoError(t, err)
	_, _, err = e.Process(limit("b", "S", "m2", core.Sell, "11", "1"))
	require.NoError(t, err)
	taker, got, err := e.Process(limit("c", "S", "t", core.Buy, "11", "1.5"))
	require.NoError(t, err, "observer failures must not abort matching")
	require.Len(t, got, 2)

	assert.Len(t, trades, 2)
	assert.Equal(t, core.OrderFilled, taker.Status())
	// two resting acknowledgements, two maker updates, one taker update
	require.Len(t, orders, 5)
	assert.Equal(t, "a", orders[2].ID)
	assert.Equal(t, core.OrderFilled, orders[2].Status())
	assert.Equal(t, "b", orders[3].ID)
	assert.Equal(t, core.OrderPartiallyFilled, orders[3].Status())
	assert.Equal(t, "c", orders[4].ID)

	recent, err := e.RecentTrades("S", 10)
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

func TestRecentTradesLimitAndCap(t *testing.T) {
	e := newEngine(t, WithTapeSize(3))
	for i := 0; i < 5; i++ {
		_, _, err := e.Process(limit(fmt.Sprintf("s%d", i), "S", "m", core.Sell, "10", "1"))
		require.NoError(t, err)
		_, _, err = e.Process(limit(fmt.Sprintf("b%d", i), "S", "t", core.Buy, "10", "1"))
		require.NoError(t, err)
	}

	all, err := e.RecentTrades("S", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "s2", all[0].SellOrderID)
	assert.Equal(t, "s4", all[2].SellOrderID)

	last, err := e.RecentTrades("S", 1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, "s4", last[0].SellOrderID)
}

func TestRestoreTapeKeepsOrder(t *testing.T) {
	e := newEngine(t)
	e.RestoreTape("S", []core.Trade{{ID: "old1", Symbol: "S"}, {ID: "old2", Symbol: "S"}})
	_, _, _ = e.Process(limit("s", "S", "m", core.Sell, "1", "1"))
	_, _, _ = e.Process(limit("b", "S", "t", core.Buy, "1", "1"))

	recent, err := e.RecentTrades("S", 0)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "old1", recent[0].ID)
}

func TestGuardBlocksOrders(t *testing.T) {
	clock := util.NewManualClock(time.Unix(1_700_000_000, 0))
	breaker := circuit.New(circuit.DefaultConfig(), clock, nil)
	e := newEngine(t, WithGuard(breaker), WithClock(clock))
	e.Trades().Subscribe("circuit", breaker.OnTrade)

	_, _, err := e.Process(limit("a", "S", "m", core.Sell, "100", "2"))
	require.NoError(t, err)
	_, trades, err := e.Process(limit("a2", "S", "t", core.Buy, "100", "1"))
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.True(t, breaker.Status("S").Reference.Equal(d("100")), "reference follows the print")

	_, _, err = e.Process(limit("b", "S", "t", core.Buy, "120", "1"))
	assert.True(t, errors.Is(err, core.ErrTradingHalted))
	_, err = e.Order("b")
	assert.True(t, errors.Is(err, core.ErrNotFound))
	assert.True(t, e.seen.reserve("b"), "a blocked order does not consume its id")
}

// Different symbols run in parallel; one symbol is serialized. The race
// detector and the conservation check catch a broken partition.
func TestConcurrentSymbols(t *testing.T) {
	e := newEngine(t)
	symbols := []string{"A", "B", "C", "D"}

	var wg sync.WaitGroup
	for _, s := range symbols {
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(symbol string, worker int) {
				defer wg.Done()
				for i := 0; i < 100; i++ {
					side := core.Buy
					if (i+worker)%2 == 0 {
						side = core.Sell
					}
					o := limit(fmt.Sprintf("%s-%d-%d", symbol, worker, i), symbol, "u", side, "10", "1")
					_, _, err := e.Process(o)
					assert.NoError(t, err)
				}
			}(s, w)
		}
	}
	wg.Wait()

	for _, s := range symbols {
		trades, err := e.RecentTrades(s, 0)
		require.NoError(t, err)
		bids, asks, err := e.Depth(s, 0)
		require.NoError(t, err)
		resting := decimal.Zero
		for _, l := range append(bids, asks...) {
			resting = resting.Add(l.Quantity)
		}
		filled := decimal.NewFromInt(int64(2 * len(trades)))
		assert.True(t, resting.Add(filled).Equal(decimal.NewFromInt(400)), "symbol %s", s)
	}
}
