package circuit

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/mntex/pkg/app/core"
	"github.com/uhyunpark/mntex/pkg/util"
)

func px(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func trade(symbol string, price int64) core.Trade {
	return core.Trade{Symbol: symbol, Price: px(price)}
}

func TestBreakerBands(t *testing.T) {
	clock := util.NewManualClock(time.Unix(1_700_000_000, 0))
	b := New(DefaultConfig(), clock, nil)

	assert.Equal(t, Normal, b.Check("XAU-MNT", core.Buy, px(5000)), "no print, no band")
	require.NoError(t, b.OnTrade(trade("XAU-MNT", 1000)))

	tests := []struct {
		name  string
		side  core.Side
		price int64
		want  State
	}{
		{"inside band", core.Buy, 1040, Normal},
		{"buy at upper limit", core.Buy, 1050, LimitUp},
		{"sell above band is fine", core.Sell, 1060, Normal},
		{"sell at lower limit", core.Sell, 950, LimitDown},
		{"buy below band is fine", core.Buy, 940, Normal},
		{"passive buy far below never halts", core.Buy, 500, Normal},
		{"passive sell far above never halts", core.Sell, 2000, Normal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, b.Check("XAU-MNT", tt.side, px(tt.price)))
		})
	}
	assert.True(t, b.Status("XAU-MNT").Reference.Equal(px(1000)))
}

func TestTradePrintHaltsAndResumes(t *testing.T) {
	clock := util.NewManualClock(time.Unix(1_700_000_000, 0))
	b := New(DefaultConfig(), clock, nil)

	require.NoError(t, b.OnTrade(trade("BTC-MNT", 100)))
	require.NoError(t, b.OnTrade(trade("BTC-MNT", 104)))
	require.Equal(t, Normal, b.Status("BTC-MNT").State)
	assert.True(t, b.Status("BTC-MNT").Reference.Equal(px(100)), "small prints keep the reference")

	require.NoError(t, b.OnTrade(trade("BTC-MNT", 89)))
	st := b.Status("BTC-MNT")
	require.Equal(t, Halted, st.State)
	assert.Equal(t, 1, st.Triggers)
	assert.True(t, st.Reference.Equal(px(89)))

	err := b.Allow("BTC-MNT", core.Buy, px(89))
	assert.True(t, errors.Is(err, core.ErrTradingHalted))

	require.NoError(t, b.OnTrade(trade("BTC-MNT", 70)))
	assert.Equal(t, 1, b.Status("BTC-MNT").Triggers, "no retrigger while halted")

	clock.Advance(5 * time.Minute)
	assert.Equal(t, Normal, b.Check("BTC-MNT", core.Buy, px(90)))
}

func TestBreakerWindowResetsReference(t *testing.T) {
	clock := util.NewManualClock(time.Unix(1_700_000_000, 0))
	b := New(DefaultConfig(), clock, nil)

	require.NoError(t, b.OnTrade(trade("OIL-MNT", 100)))
	clock.Advance(6 * time.Minute)
	assert.Equal(t, Normal, b.Check("OIL-MNT", core.Buy, px(120)), "stale reference has no band")
	require.NoError(t, b.OnTrade(trade("OIL-MNT", 120)))
	assert.Equal(t, Normal, b.Status("OIL-MNT").State)
	assert.True(t, b.Status("OIL-MNT").Reference.Equal(px(120)))
}

func TestMarketWideHalt(t *testing.T) {
	b := New(DefaultConfig(), util.NewManualClock(time.Unix(0, 0)), nil)
	b.Halt()
	assert.Equal(t, Halted, b.Check("ANY", core.Buy, px(1)))
	assert.Equal(t, Halted, b.Status("OTHER").State)
	b.Resume()
	assert.Equal(t, Normal, b.Check("ANY", core.Buy, px(1)))
}
