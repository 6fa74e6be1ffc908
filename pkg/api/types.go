package api

import (
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/mntex/pkg/app/core"
	"github.com/uhyunpark/mntex/pkg/app/core/account"
	"github.com/uhyunpark/mntex/pkg/app/core/hedge"
	"github.com/uhyunpark/mntex/pkg/app/core/market"
	"github.com/uhyunpark/mntex/pkg/app/core/orderbook"
	"github.com/uhyunpark/mntex/pkg/app/core/priceindex"
	"github.com/uhyunpark/mntex/pkg/app/core/quote"
)

// API response types for REST endpoints and WebSocket messages.
// Amounts are decimals, which encode as JSON strings.

// ==============================
// REST Response Types
// ==============================

// ProductInfo is a product's static configuration
type ProductInfo struct {
	Symbol       string          `json:"symbol"`     // e.g., "XAU-MNT"
	Underlying   string          `json:"underlying"` // e.g., "XAU/USD"
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Category     string          `json:"category"`
	Currency     string          `json:"currency"`
	ContractSize decimal.Decimal `json:"contractSize"`
	TickSize     decimal.Decimal `json:"tickSize"`
	SpreadMarkup decimal.Decimal `json:"spreadMarkup"` // in ticks
	MinOrder     decimal.Decimal `json:"minOrder"`
	MaxOrder     decimal.Decimal `json:"maxOrder"`
	MarginRate   decimal.Decimal `json:"marginRate"`
}

func productInfo(p market.Product) ProductInfo {
	return ProductInfo{
		Symbol:       p.Symbol,
		Underlying:   p.Underlying,
		Name:         p.Name,
		Description:  p.Description,
		Category:     string(p.Category),
		Currency:     p.Currency(),
		ContractSize: p.ContractSize,
		TickSize:     p.TickSize,
		SpreadMarkup: p.SpreadMarkup,
		MinOrder:     p.MinOrder,
		MaxOrder:     p.MaxOrder,
		MarginRate:   p.MarginRate,
	}
}

type QuoteInfo struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Mid       decimal.Decimal `json:"mid"`
	Spread    decimal.Decimal `json:"spread"`
	Currency  string          `json:"currency"`
	Timestamp int64           `json:"timestamp"` // Unix milliseconds
}

func quoteInfo(q quote.Quote) QuoteInfo {
	return QuoteInfo{
		Symbol:    q.Symbol,
		Bid:       q.Bid,
		Ask:       q.Ask,
		Mid:       q.Mid,
		Spread:    q.Spread,
		Currency:  q.Currency,
		Timestamp: q.Time.UnixMilli(),
	}
}

// DepthSnapshot is the aggregated book
type DepthSnapshot struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"` // Sorted high to low
	Asks      []PriceLevel `json:"asks"` // Sorted low to high
	Timestamp int64        `json:"timestamp"`
}

type PriceLevel struct {
	Price  decimal.Decimal `json:"price"`
	Size   decimal.Decimal `json:"size"`
	Orders int             `json:"orders"`
}

func priceLevels(levels []orderbook.Level) []PriceLevel {
	out := make([]PriceLevel, len(levels))
	for i, l := range levels {
		out[i] = PriceLevel{Price: l.Price, Size: l.Quantity, Orders: l.Count}
	}
	return out
}

// BBOInfo carries null for an empty side
type BBOInfo struct {
	Symbol string           `json:"symbol"`
	Bid    *decimal.Decimal `json:"bid"`
	Ask    *decimal.Decimal `json:"ask"`
}

type TradeInfo struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Side      string          `json:"side"` // taker side
	Buyer     string          `json:"buyer"`
	Seller    string          `json:"seller"`
	Timestamp int64           `json:"timestamp"`
}

func tradeInfo(t core.Trade) TradeInfo {
	return TradeInfo{
		ID:        t.ID,
		Symbol:    t.Symbol,
		Price:     t.Price,
		Size:      t.Quantity,
		Side:      t.TakerSide.String(),
		Buyer:     t.Buyer,
		Seller:    t.Seller,
		Timestamp: t.Time.UnixMilli(),
	}
}

type OrderInfo struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Owner     string          `json:"owner"`
	Side      string          `json:"side"` // "buy" or "sell"
	Type      string          `json:"type"` // "limit" or "market"
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Filled    decimal.Decimal `json:"filled"`
	Remaining decimal.Decimal `json:"remaining"`
	Status    string          `json:"status"` // "open", "partially_filled", "filled", "cancelled"
	Timestamp int64           `json:"timestamp"`
}

func orderInfo(o core.Order) OrderInfo {
	return OrderInfo{
		ID:        o.ID,
		Symbol:    o.Symbol,
		Owner:     o.Owner,
		Side:      o.Side.String(),
		Type:      o.Type.String(),
		Price:     o.Price,
		Size:      o.Quantity,
		Filled:    o.Filled,
		Remaining: o.Remaining(),
		Status:    o.Status().String(),
		Timestamp: o.CreatedAt.UnixMilli(),
	}
}

type SubmitOrderResponse struct {
	Order  OrderInfo   `json:"order"`
	Trades []TradeInfo `json:"trades"`
}

// IndexInfo is the price index view of one symbol
type IndexInfo struct {
	Symbol      string  `json:"symbol"`
	Index       float64 `json:"index"`
	Mark        float64 `json:"mark"`
	TWAP        float64 `json:"twap"`
	Volatility  float64 `json:"volatility"`
	FundingRate float64 `json:"fundingRate"` // hourly
	Funding8h   float64 `json:"funding8h"`
	FundingAPR  float64 `json:"fundingApr"`
	NextFunding int64   `json:"nextFunding"`
	Samples     int     `json:"samples"`
	Timestamp   int64   `json:"timestamp"`
}

type FundingInfo struct {
	Symbol      string  `json:"symbol"`
	Premium     float64 `json:"premium"`
	Rate        float64 `json:"rate"`
	Rate8h      float64 `json:"rate8h"`
	Annualized  float64 `json:"annualized"`
	NextPayment int64   `json:"nextPayment"`
}

func fundingInfo(f priceindex.FundingRate) FundingInfo {
	return FundingInfo{
		Symbol:      f.Symbol,
		Premium:     f.Premium,
		Rate:        f.Rate,
		Rate8h:      f.Rate8h(),
		Annualized:  f.Annualized(),
		NextPayment: f.NextPayment.UnixMilli(),
	}
}

// AccountInfo is the account marked to the current quotes
type AccountInfo struct {
	Owner         string          `json:"owner"`
	Balance       decimal.Decimal `json:"balance"` // free MNT, excludes posted margin
	MarginUsed    decimal.Decimal `json:"marginUsed"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	Equity        decimal.Decimal `json:"equity"`
	RealizedPnL   decimal.Decimal `json:"realizedPnl"`
	FundingPaid   decimal.Decimal `json:"fundingPaid"`
	Positions     []PositionInfo  `json:"positions"`
}

type PositionInfo struct {
	Symbol           string          `json:"symbol"`
	Side             string          `json:"side"`
	Size             decimal.Decimal `json:"size"`
	EntryPrice       decimal.Decimal `json:"entryPrice"`
	MarkPrice        decimal.Decimal `json:"markPrice"`
	LiquidationPrice decimal.Decimal `json:"liquidationPrice"`
	UnrealizedPnL    decimal.Decimal `json:"unrealizedPnl"`
	Margin           decimal.Decimal `json:"margin"`
	OpenedAt         int64           `json:"openedAt"`
}

func accountInfo(v account.View) AccountInfo {
	out := AccountInfo{
		Owner:         v.Owner,
		Balance:       v.Balance,
		MarginUsed:    v.MarginUsed,
		UnrealizedPnL: v.UnrealizedPnL,
		Equity:        v.Equity,
		RealizedPnL:   v.RealizedPnL,
		FundingPaid:   v.FundingPaid,
		Positions:     make([]PositionInfo, len(v.Positions)),
	}
	for i, p := range v.Positions {
		out.Positions[i] = PositionInfo{
			Symbol:           p.Symbol,
			Side:             p.Side.String(),
			Size:             p.Size,
			EntryPrice:       p.EntryPrice,
			MarkPrice:        p.MarkPrice,
			LiquidationPrice: p.LiquidationPrice,
			UnrealizedPnL:    p.UnrealizedPnL,
			Margin:           p.Margin,
			OpenedAt:         p.OpenedAt.UnixMilli(),
		}
	}
	return out
}

type SettlementInfo struct {
	Owner      string          `json:"owner"`
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Size       decimal.Decimal `json:"size"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	ClosePrice decimal.Decimal `json:"closePrice"`
	PnL        decimal.Decimal `json:"pnl"`
	Balance    decimal.Decimal `json:"balance"`
	Liquidated bool            `json:"liquidated"`
	Timestamp  int64           `json:"timestamp"`
}

func settlementInfo(s account.Settlement) SettlementInfo {
	return SettlementInfo{
		Owner:      s.Owner,
		Symbol:     s.Symbol,
		Side:       s.Side.String(),
		Size:       s.Size,
		EntryPrice: s.EntryPrice,
		ClosePrice: s.ClosePrice,
		PnL:        s.PnL,
		Balance:    s.Balance,
		Liquidated: s.Liquidated,
		Timestamp:  s.Time.UnixMilli(),
	}
}

type BalanceResponse struct {
	Owner   string          `json:"owner"`
	Balance decimal.Decimal `json:"balance"`
}

type ExposureInfo struct {
	Symbol        string          `json:"symbol"`
	NetLong       decimal.Decimal `json:"netLong"`
	NetShort      decimal.Decimal `json:"netShort"`
	NetExposure   decimal.Decimal `json:"netExposure"`
	HedgePosition decimal.Decimal `json:"hedgePosition"`
	HedgeDelta    decimal.Decimal `json:"hedgeDelta"`
	Pending       bool            `json:"pending"`
	UpdatedAt     int64           `json:"updatedAt"`
}

func exposureInfo(e hedge.Exposure) ExposureInfo {
	return ExposureInfo{
		Symbol:        e.Symbol,
		NetLong:       e.NetLong,
		NetShort:      e.NetShort,
		NetExposure:   e.NetExposure,
		HedgePosition: e.HedgePosition,
		HedgeDelta:    e.HedgeDelta,
		Pending:       e.Pending,
		UpdatedAt:     e.UpdatedAt.UnixMilli(),
	}
}

type HedgeStats struct {
	Total      int64   `json:"total"`
	Successful int64   `json:"successful"`
	Failed     int64   `json:"failed"`
	SuccessPct float64 `json:"successPct"`
}

type HedgeEventInfo struct {
	Symbol     string          `json:"symbol"`
	Underlying string          `json:"underlying"`
	Side       string          `json:"side"`
	Size       decimal.Decimal `json:"size"`
	TradeID    string          `json:"tradeId,omitempty"`
	Error      string          `json:"error,omitempty"`
	LatencyMs  int64           `json:"latencyMs"`
	Timestamp  int64           `json:"timestamp"`
}

func hedgeEventInfo(e hedge.Event) HedgeEventInfo {
	out := HedgeEventInfo{
		Symbol:     e.Symbol,
		Underlying: e.Underlying,
		Side:       e.Side.String(),
		Size:       e.Size,
		TradeID:    e.TradeID,
		LatencyMs:  e.Latency.Milliseconds(),
		Timestamp:  e.Time.UnixMilli(),
	}
	if e.Err != nil {
		out.Error = e.Err.Error()
	}
	return out
}

type HealthResponse struct {
	Status   string `json:"status"`
	Products int    `json:"products"`
	Accounts int    `json:"accounts"`
	Clients  int    `json:"wsClients"`
}

// ErrorResponse is returned for every non-2xx status
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ==============================
// Request Types
// ==============================

type SubmitOrderRequest struct {
	Symbol string          `json:"symbol"`
	Owner  string          `json:"owner"`
	Side   string          `json:"side"` // "buy" or "sell"
	Type   string          `json:"type"` // "limit" (default) or "market"
	Price  decimal.Decimal `json:"price"`
	Size   decimal.Decimal `json:"size"`
}

type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type OpenPositionRequest struct {
	Symbol string          `json:"symbol"`
	Side   string          `json:"side"` // "long"/"buy" or "short"/"sell"
	Size   decimal.Decimal `json:"size"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by clients: {"op":"subscribe","channels":["trades:XAU-MNT"]}
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// WSMessage wraps every pushed update with its channel
type WSMessage struct {
	Channel string      `json:"channel"`
	Data    interface{} `json:"data"`
}
