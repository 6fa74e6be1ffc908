// Package venue is the external liquidity provider the exchange prices
// from and hedges on.
package venue

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/mntex/pkg/app/core"
)

// Quote is a raw venue price in the underlying's own currency.
type Quote struct {
	Symbol string
	Bid    float64
	Ask    float64
	Time   time.Time
}

func (q Quote) Mid() float64 { return (q.Bid + q.Ask) / 2 }

type Venue interface {
	// GetQuote reports false when the venue has no price for symbol.
	GetQuote(ctx context.Context, symbol string) (Quote, bool)
	// OpenHedge places a market order on the venue and returns its trade id.
	OpenHedge(ctx context.Context, symbol string, side core.Side, size decimal.Decimal) (string, error)
}

// Hedge is a venue order accepted by the simulated venue.
type Hedge struct {
	TradeID string
	Symbol  string
	Side    core.Side
	Size    decimal.Decimal
	Price   float64
	Time    time.Time
}
