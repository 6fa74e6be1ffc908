package market

import (
	"os"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/uhyunpark/mntex/pkg/app/core"
)

// catalogEntry is the YAML shape of one catalog entry.
type catalogEntry struct {
	Symbol       string   `yaml:"symbol"`
	Underlying   string   `yaml:"underlying"`
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	Category     Category `yaml:"category"`
	ContractSize float64  `yaml:"contract_size"`
	TickSize     float64  `yaml:"tick_size"`
	SpreadMarkup float64  `yaml:"spread_markup"`
	MinOrder     float64  `yaml:"min_order"`
	MaxOrder     float64  `yaml:"max_order"`
	MarginRate   float64  `yaml:"margin_rate"`
	QuoteInMNT   *bool    `yaml:"mnt_quoted"`
	Inverted     bool     `yaml:"inverted"`
	Active       *bool    `yaml:"active"`
}

type catalogFile struct {
	Products []catalogEntry `yaml:"products"`
}

func (s catalogEntry) product() Product {
	p := Product{
		Symbol:       s.Symbol,
		Underlying:   s.Underlying,
		Name:         s.Name,
		Description:  s.Description,
		Category:     s.Category,
		ContractSize: decimal.NewFromFloat(s.ContractSize),
		TickSize:     decimal.NewFromFloat(s.TickSize),
		SpreadMarkup: decimal.NewFromFloat(s.SpreadMarkup),
		MinOrder:     decimal.NewFromFloat(s.MinOrder),
		MaxOrder:     decimal.NewFromFloat(s.MaxOrder),
		MarginRate:   decimal.NewFromFloat(s.MarginRate),
		QuoteInMNT:   true,
		Inverted:     s.Inverted,
		Active:       true,
	}
	if s.QuoteInMNT != nil {
		p.QuoteInMNT = *s.QuoteInMNT
	}
	if s.Active != nil {
		p.Active = *s.Active
	}
	return p
}

// LoadCatalog reads a YAML product catalog from path.
func LoadCatalog(path string) ([]Product, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read catalog %s", path)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) ([]Product, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "parse catalog")
	}
	if len(f.Products) == 0 {
		return nil, errors.Wrap(core.ErrValidation, "catalog has no products")
	}
	out := make([]Product, 0, len(f.Products))
	for _, s := range f.Products {
		p := s.product()
		if err := p.Validate(); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func entry(symbol, underlying, name, description string, category Category,
	contractSize, tickSize, markup, minOrder, maxOrder, marginRate float64) catalogEntry {
	return catalogEntry{
		Symbol: symbol, Underlying: underlying, Name: name, Description: description, Category: category,
		ContractSize: contractSize, TickSize: tickSize, SpreadMarkup: markup,
		MinOrder: minOrder, MaxOrder: maxOrder, MarginRate: marginRate,
	}
}

// direct marks a pair already quoted in MNT.
func (s catalogEntry) direct() catalogEntry {
	mnt := false
	s.QuoteInMNT = &mnt
	return s
}

func (s catalogEntry) inverted() catalogEntry {
	s.Inverted = true
	return s
}

var defaultCatalog = []catalogEntry{
	entry("XAU-MNT", "XAU/USD", "Gold", "Gold spot in MNT", Commodity, 1, 10, 2, 0.01, 100, 0.05),
	entry("XAG-MNT", "XAG/USD", "Silver", "Silver spot in MNT", Commodity, 50, 1, 3, 0.1, 200, 0.05),
	entry("COPPER-MNT", "Copper", "Copper", "Copper in MNT", Commodity, 25, 1, 3, 0.1, 100, 0.05),
	entry("OIL-MNT", "USOil", "Crude Oil", "WTI in MNT", Commodity, 10, 100, 2, 0.1, 100, 0.05),
	entry("NATGAS-MNT", "NGAS", "Natural Gas", "NatGas in MNT", Commodity, 1000, 10, 3, 0.1, 50, 0.10),

	entry("USD-MNT", "USD/MNT", "US Dollar", "USD/MNT", FXMajor, 1, 0.1, 1, 1, 100000, 0.05).direct(),
	entry("EUR-MNT", "EUR/USD", "Euro", "EUR/MNT", FXMajor, 100000, 0.01, 1, 0.01, 100, 0.02),
	entry("CNY-MNT", "USD/CNH", "Chinese Yuan", "CNY/MNT", FXMajor, 100000, 0.01, 1.5, 0.01, 100, 0.02).inverted(),
	entry("RUB-MNT", "USD/RUB", "Russian Ruble", "RUB/MNT", FXExotic, 1000000, 0.001, 5, 0.1, 50, 0.05).inverted(),
	entry("JPY-MNT", "USD/JPY", "Japanese Yen", "JPY/MNT", FXMajor, 10000000, 0.0001, 1, 0.01, 100, 0.02).inverted(),
	entry("KRW-MNT", "USD/KRW", "Korean Won", "KRW/MNT", FXExotic, 100000000, 0.00001, 3, 0.1, 50, 0.05).inverted(),

	entry("SPX-MNT", "SPX500", "S&P 500", "US index in MNT", Index, 1, 1000, 1, 0.1, 100, 0.05),
	entry("NDX-MNT", "NAS100", "NASDAQ 100", "Tech index in MNT", Index, 1, 1000, 1, 0.1, 100, 0.05),
	entry("HSI-MNT", "HKG33", "Hang Seng", "HK index in MNT", Index, 1, 100, 2, 0.1, 100, 0.05),
	entry("NKY-MNT", "JPN225", "Nikkei 225", "Japan index in MNT", Index, 1, 1000, 2, 0.1, 100, 0.05),

	entry("BTC-MNT", "BTC/USD", "Bitcoin", "Bitcoin in MNT", Crypto, 1, 100000, 5, 0.001, 10, 0.20),
	entry("ETH-MNT", "ETH/USD", "Ethereum", "Ethereum in MNT", Crypto, 1, 10000, 5, 0.01, 100, 0.20),
}

// DefaultCatalog returns the built-in MNT product list.
func DefaultCatalog() []Product {
	out := make([]Product, 0, len(defaultCatalog))
	for _, s := range defaultCatalog {
		out = append(out, s.product())
	}
	return out
}
