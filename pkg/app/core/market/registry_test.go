package market

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/mntex/pkg/app/core"
)

func TestDefaultCatalogIsValid(t *testing.T) {
	reg, err := NewRegistryWith(DefaultCatalog())
	require.NoError(t, err)
	assert.Equal(t, 17, reg.Count())

	xau, err := reg.Get("XAU-MNT")
	require.NoError(t, err)
	assert.Equal(t, "XAU/USD", xau.Underlying)
	assert.True(t, xau.MarginRate.Equal(decimal.RequireFromString("0.05")))
	assert.True(t, xau.HalfMarkup().Equal(decimal.NewFromInt(10)))
	assert.Equal(t, "MNT", xau.Currency())
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	p := DefaultCatalog()[0]
	require.NoError(t, reg.Register(p))
	assert.True(t, errors.Is(reg.Register(p), core.ErrValidation))

	bad := p
	bad.Symbol = "BAD-MNT"
	bad.MinOrder = bad.MaxOrder.Add(decimal.NewFromInt(1))
	err := reg.Register(bad)
	assert.True(t, errors.Is(err, core.ErrValidation), "got %v", err)
	assert.False(t, reg.Exists("BAD-MNT"))

	_, err = ParseCatalog([]byte("products: []\n"))
	assert.True(t, errors.Is(err, core.ErrValidation))
}

func TestRegistryActiveToggle(t *testing.T) {
	reg, err := NewRegistryWith(DefaultCatalog())
	require.NoError(t, err)

	require.NoError(t, reg.SetActive("BTC-MNT", false))
	_, err = reg.GetActive("BTC-MNT")
	assert.True(t, errors.Is(err, core.ErrValidation))
	assert.Len(t, reg.ListActive(), 16)

	_, err = reg.Get("DOGE-MNT")
	assert.True(t, errors.Is(err, core.ErrNotFound))
	assert.True(t, errors.Is(reg.SetActive("DOGE-MNT", true), core.ErrNotFound))
}

func TestValidateSize(t *testing.T) {
	btc := DefaultCatalog()[15]
	require.Equal(t, "BTC-MNT", btc.Symbol)

	tests := []struct {
		name string
		size string
		ok   bool
	}{
		{"zero", "0", false},
		{"negative", "-1", false},
		{"below min", "0.0001", false},
		{"min", "0.001", true},
		{"max", "10", true},
		{"above max", "10.5", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := btc.ValidateSize(decimal.RequireFromString(tt.size))
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, core.ErrValidation))
			}
		})
	}
}

func TestParseCatalog(t *testing.T) {
	data := []byte(`
products:
  - symbol: XAU-MNT
    underlying: XAU/USD
    name: Gold
    category: COMMODITY
    contract_size: 1
    tick_size: 10
    spread_markup: 2
    min_order: 0.01
    max_order: 100
    margin_rate: 0.05
  - symbol: EUR-USD
    underlying: EUR/USD
    category: FX_MAJOR
    contract_size: 100000
    tick_size: 0.0001
    spread_markup: 1
    min_order: 0.01
    max_order: 50
    margin_rate: 0.02
    mnt_quoted: false
    active: false
`)
	products, err := ParseCatalog(data)
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.True(t, products[0].QuoteInMNT)
	assert.True(t, products[0].Active)
	assert.False(t, products[1].QuoteInMNT)
	assert.False(t, products[1].Active)
	assert.Equal(t, "USD", products[1].Currency())

	_, err = ParseCatalog([]byte("products: []"))
	assert.Error(t, err)

	_, err = ParseCatalog([]byte(`
products:
  - symbol: BAD
    underlying: X
    contract_size: 1
    tick_size: 1
    min_order: 5
    max_order: 1
    margin_rate: 0.1
`))
	assert.Error(t, err)
}

func TestShippedCatalogMatchesDefaults(t *testing.T) {
	loaded, err := LoadCatalog("../../../../params/products.yaml")
	require.NoError(t, err)
	defaults := DefaultCatalog()
	require.Len(t, loaded, len(defaults))
	for i, want := range defaults {
		got := loaded[i]
		assert.Equal(t, want.Symbol, got.Symbol)
		assert.Equal(t, want.Underlying, got.Underlying)
		assert.Equal(t, want.QuoteInMNT, got.QuoteInMNT, want.Symbol)
		assert.Equal(t, want.Inverted, got.Inverted, want.Symbol)
		assert.True(t, want.TickSize.Equal(got.TickSize), want.Symbol)
		assert.True(t, want.MarginRate.Equal(got.MarginRate), want.Symbol)
	}
}
