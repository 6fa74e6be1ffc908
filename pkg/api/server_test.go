package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/uhyunpark/mntex/params"
	"github.com/uhyunpark/mntex/pkg/app/core"
	"github.com/uhyunpark/mntex/pkg/app/perp"
	"github.com/uhyunpark/mntex/pkg/util"
	"github.com/uhyunpark/mntex/pkg/venue"
)

func newTestServer(t *testing.T) (*Server, *perp.App) {
	t.Helper()
	dir := t.TempDir()
	cfg := params.Default()
	cfg.Storage.DataDir = filepath.Join(dir, "pebble")
	cfg.API.CORSOrigins = []string{"http://localhost:3000"}

	clock := util.NewManualClock(time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC))
	v := venue.NewSimulated(venue.SimConfig{Seed: 1}, zaptest.NewLogger(t), venue.WithSimClock(clock))
	app, err := perp.New(cfg, v, zaptest.NewLogger(t), perp.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })
	app.Feeder.Poll(context.Background())

	s := NewServer(app, zaptest.NewLogger(t))
	t.Cleanup(s.Close)
	return s, app
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestProductsAndQuotes(t *testing.T) {
	s, app := newTestServer(t)
	h := s.Handler()

	w := do(t, h, http.MethodGet, "/api/v1/products", nil)
	require.Equal(t, http.StatusOK, w.Code)
	products := decode[[]ProductInfo](t, w)
	assert.Len(t, products, app.Products.Count())

	w = do(t, h, http.MethodGet, "/api/v1/products/XAU-MNT", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "XAU/USD", decode[ProductInfo](t, w).Underlying)

	w = do(t, h, http.MethodGet, "/api/v1/quotes/XAU-MNT", nil)
	require.Equal(t, http.StatusOK, w.Code)
	q := decode[QuoteInfo](t, w)
	assert.True(t, q.Ask.Equal(d("11661010")), q.Ask.String())
	assert.Equal(t, "MNT", q.Currency)

	w = do(t, h, http.MethodGet, "/api/v1/quotes", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]QuoteInfo](t, w), app.Products.Count())

	w = do(t, h, http.MethodGet, "/api/v1/quotes/NOPE-MNT", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodGet, "/api/v1/markets/XAU-MNT/index?window=10m", nil)
	require.Equal(t, http.StatusOK, w.Code)
	idx := decode[IndexInfo](t, w)
	assert.InDelta(t, 3380.0, idx.Index, 1e-9)
	assert.InDelta(t, 3380.0, idx.TWAP, 1e-9)

	w = do(t, h, http.MethodGet, "/api/v1/markets/XAU-MNT/index?window=soon", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAccountLifecycle(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	w := do(t, h, http.MethodGet, "/api/v1/accounts/alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodPost, "/api/v1/accounts/alice/deposit", AmountRequest{Amount: d("1000000")})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[BalanceResponse](t, w).Balance.Equal(d("1000000")))

	w = do(t, h, http.MethodPost, "/api/v1/accounts/alice/withdraw", AmountRequest{Amount: d("2000000")})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = do(t, h, http.MethodPost, "/api/v1/accounts/alice/deposit", AmountRequest{Amount: d("-5")})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// 0.01 XAU at the 11,661,010 ask, 5% margin
	w = do(t, h, http.MethodPost, "/api/v1/accounts/alice/positions",
		OpenPositionRequest{Symbol: "XAU-MNT", Side: "long", Size: d("0.01")})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	pos := decode[PositionInfo](t, w)
	assert.Equal(t, "buy", pos.Side)
	assert.True(t, pos.EntryPrice.Equal(d("11661010")))
	assert.True(t, pos.Margin.Equal(d("5830.505")), pos.Margin.String())

	w = do(t, h, http.MethodPost, "/api/v1/accounts/alice/positions",
		OpenPositionRequest{Symbol: "XAU-MNT", Side: "long", Size: d("100")})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = do(t, h, http.MethodPost, "/api/v1/accounts/alice/positions",
		OpenPositionRequest{Symbol: "XAU-MNT", Side: "sideways", Size: d("1")})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodGet, "/api/v1/accounts/alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	acc := decode[AccountInfo](t, w)
	require.Len(t, acc.Positions, 1)
	assert.True(t, acc.Balance.Add(acc.MarginUsed).Equal(d("1000000")))

	w = do(t, h, http.MethodGet, "/api/v1/accounts/alice/positions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]PositionInfo](t, w), 1)

	w = do(t, h, http.MethodGet, "/api/v1/exposure/XAU-MNT", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[ExposureInfo](t, w).NetExposure.Equal(d("0.01")))

	w = do(t, h, http.MethodDelete, "/api/v1/accounts/alice/positions/XAU-MNT", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[SettlementInfo](t, w)
	assert.False(t, st.Liquidated)
	assert.True(t, st.ClosePrice.Equal(d("11660990")), st.ClosePrice.String())

	w = do(t, h, http.MethodDelete, "/api/v1/accounts/alice/positions/XAU-MNT", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodGet, "/api/v1/exposure", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = do(t, h, http.MethodGet, "/api/v1/exposure/NOPE-MNT", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodGet, "/api/v1/hedge/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, decode[HedgeStats](t, w).Total)
}

func TestOrderFlow(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	w := do(t, h, http.MethodPost, "/api/v1/orders", SubmitOrderRequest{
		Symbol: "BTC-MNT", Owner: "carol", Side: "buy", Price: d("50000"), Size: d("0.1"),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resting := decode[SubmitOrderResponse](t, w)
	assert.Equal(t, "open", resting.Order.Status)
	assert.Empty(t, resting.Trades)

	w = do(t, h, http.MethodGet, "/api/v1/orders/"+resting.Order.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodPost, "/api/v1/orders", SubmitOrderRequest{
		Symbol: "BTC-MNT", Owner: "dave", Side: "sell", Type: "market", Size: d("0.04"),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	taker := decode[SubmitOrderResponse](t, w)
	assert.Equal(t, "filled", taker.Order.Status)
	require.Len(t, taker.Trades, 1)
	assert.True(t, taker.Trades[0].Price.Equal(d("50000")))

	w = do(t, h, http.MethodGet, "/api/v1/markets/BTC-MNT/depth?levels=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	depth := decode[DepthSnapshot](t, w)
	require.Len(t, depth.Bids, 1)
	assert.True(t, depth.Bids[0].Size.Equal(d("0.06")))
	assert.Empty(t, depth.Asks)

	w = do(t, h, http.MethodGet, "/api/v1/markets/BTC-MNT/bbo", nil)
	require.Equal(t, http.StatusOK, w.Code)
	bbo := decode[BBOInfo](t, w)
	require.NotNil(t, bbo.Bid)
	assert.Nil(t, bbo.Ask)

	w = do(t, h, http.MethodGet, "/api/v1/markets/BTC-MNT/trades?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]TradeInfo](t, w), 1)

	w = do(t, h, http.MethodGet, "/api/v1/markets/BTC-MNT/trades?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodDelete, "/api/v1/orders/"+resting.Order.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cancelled", decode[OrderInfo](t, w).Status)

	w = do(t, h, http.MethodDelete, "/api/v1/orders/"+resting.Order.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodPost, "/api/v1/orders", SubmitOrderRequest{
		Symbol: "BTC-MNT", Owner: "carol", Side: "buy", Price: d("0"), Size: d("0.1"),
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(`{"symbol":`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	w = do(t, h, http.MethodGet, "/api/v1/markets/NOPE-MNT/depth", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errors.Wrap(core.ErrValidation, "x"), http.StatusBadRequest},
		{errors.Wrap(core.ErrInsufficientMargin, "x"), http.StatusUnprocessableEntity},
		{errors.Wrap(core.ErrInsufficientBalance, "x"), http.StatusUnprocessableEntity},
		{errors.Wrap(core.ErrNotFound, "x"), http.StatusNotFound},
		{errors.Wrap(core.ErrTradingHalted, "x"), http.StatusLocked},
		{errors.Wrap(core.ErrQuoteUnavailable, "x"), http.StatusServiceUnavailable},
		{core.ErrInvariant, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestHealthMetricsAndCORS(t *testing.T) {
	s, app := newTestServer(t)
	h := s.Handler()

	w := do(t, h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	health := decode[HealthResponse](t, w)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, app.Products.Count(), health.Products)

	w = do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `mntex_api_requests_total{code="200",route="GET /health"} 1`)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/products", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestWebSocketTradesChannel(t *testing.T) {
	s, app := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.hub.Run(ctx)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?channel=trades:BTC-MNT"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	_, _, err = app.Engine.Process(core.Order{Symbol: "BTC-MNT", Owner: "carol", Side: core.Buy, Type: core.Limit, Price: d("50000"), Quantity: d("0.1")})
	require.NoError(t, err)
	_, trades, err := app.Engine.Process(core.Order{Symbol: "BTC-MNT", Owner: "dave", Side: core.Sell, Type: core.Market, Quantity: d("0.1")})
	require.NoError(t, err)
	require.Len(t, trades, 1)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Channel string    `json:"channel"`
		Data    TradeInfo `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "trades:BTC-MNT", msg.Channel)
	assert.Equal(t, trades[0].ID, msg.Data.ID)

	// subscribing replies with the client's channel list
	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "unsubscribe", Channels: []string{"trades:BTC-MNT"}}))
	var ack struct {
		Channel string   `json:"channel"`
		Data    []string `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "subscriptions", ack.Channel)
	assert.Empty(t, ack.Data)
}
