package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/mntex/pkg/app/core"
	"github.com/uhyunpark/mntex/pkg/app/core/account"
	"github.com/uhyunpark/mntex/pkg/app/core/hedge"
	"github.com/uhyunpark/mntex/pkg/app/core/priceindex"
	"github.com/uhyunpark/mntex/pkg/app/perp"
)

const (
	defaultDepthLevels = 20
	maxDepthLevels     = 500
	defaultTradeLimit  = 100
	maxTradeLimit      = 1000
	defaultIndexWindow = time.Hour
	maxBodyBytes       = 1 << 20
)

// Server handles REST API and WebSocket connections
type Server struct {
	app    *perp.App
	log    *zap.Logger
	router *mux.Router
	hub    *Hub
	unsubs []func()
}

func NewServer(app *perp.App, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		app:    app,
		log:    log.Named("api"),
		router: mux.NewRouter(),
		hub:    NewHub(log),
	}
	s.setupRoutes()
	s.subscribe()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.instrument)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/products", s.handleGetProducts).Methods(http.MethodGet)
	api.HandleFunc("/products/{symbol}", s.handleGetProduct).Methods(http.MethodGet)
	api.HandleFunc("/quotes", s.handleGetQuotes).Methods(http.MethodGet)
	api.HandleFunc("/quotes/{symbol}", s.handleGetQuote).Methods(http.MethodGet)

	// CLOB
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id}", s.handleCancelOrder).Methods(http.MethodDelete)
	api.HandleFunc("/markets/{symbol}/depth", s.handleGetDepth).Methods(http.MethodGet)
	api.HandleFunc("/markets/{symbol}/bbo", s.handleGetBBO).Methods(http.MethodGet)
	api.HandleFunc("/markets/{symbol}/trades", s.handleGetTrades).Methods(http.MethodGet)
	api.HandleFunc("/markets/{symbol}/index", s.handleGetIndex).Methods(http.MethodGet)

	// Principal positions
	api.HandleFunc("/accounts/{owner}", s.handleGetAccount).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{owner}/deposit", s.handleDeposit).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{owner}/withdraw", s.handleWithdraw).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{owner}/positions", s.handleGetPositions).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{owner}/positions", s.handleOpenPosition).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{owner}/positions/{symbol}", s.handleClosePosition).Methods(http.MethodDelete)

	// Hedging
	api.HandleFunc("/exposure", s.handleGetExposures).Methods(http.MethodGet)
	api.HandleFunc("/exposure/{symbol}", s.handleGetExposure).Methods(http.MethodGet)
	api.HandleFunc("/hedge/stats", s.handleGetHedgeStats).Methods(http.MethodGet)

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.Handle("/metrics", s.app.Metrics.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
}

// subscribe forwards engine, index, ledger and hedge events to WebSocket channels.
func (s *Server) subscribe() {
	a := s.app
	s.unsubs = append(s.unsubs,
		a.Engine.Trades().Subscribe("ws", func(t core.Trade) error {
			s.hub.BroadcastToChannel("trades:"+t.Symbol, tradeInfo(t))
			return nil
		}),
		a.Engine.Orders().Subscribe("ws", func(o core.Order) error {
			s.hub.BroadcastToChannel("orders:"+o.Symbol, orderInfo(o))
			return s.broadcastDepth(o.Symbol)
		}),
		a.Index.Prices().Subscribe("ws", func(snap priceindex.Snapshot) error {
			s.hub.BroadcastToChannel("index:"+snap.Symbol, s.indexInfo(snap))
			return nil
		}),
		a.Index.FundingRates().Subscribe("ws", func(f priceindex.FundingRate) error {
			s.hub.BroadcastToChannel("funding", fundingInfo(f))
			return nil
		}),
		a.Ledger.Settlements().Subscribe("ws", func(st account.Settlement) error {
			if st.Liquidated {
				s.hub.BroadcastToChannel("liquidations", settlementInfo(st))
			}
			return nil
		}),
		a.Hedger.Events().Subscribe("ws", func(e hedge.Event) error {
			s.hub.BroadcastToChannel("hedge", hedgeEventInfo(e))
			return nil
		}),
	)
}

func (s *Server) broadcastDepth(symbol string) error {
	bids, asks, err := s.app.Engine.Depth(symbol, defaultDepthLevels)
	if err != nil {
		return err
	}
	s.hub.BroadcastToChannel("depth:"+symbol, DepthSnapshot{
		Symbol:    symbol,
		Bids:      priceLevels(bids),
		Asks:      priceLevels(asks),
		Timestamp: time.Now().UnixMilli(),
	})
	return nil
}

// Handler is the router wrapped in CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.app.Config().API.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := s.app.Config().API.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.hub.Run(hubCtx)

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server_starting", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		return errors.Wrap(err, "api server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	s.log.Info("server_stopped")
	return err
}

// Close detaches the server from the event buses.
func (s *Server) Close() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
}

// ==============================
// Middleware
// ==============================

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request counts and latency per route template.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			// hijacked connections cannot be wrapped
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		s.app.Metrics.ObserveRequest(r.Method+" "+route, rec.status, time.Since(start))
	})
}

// ==============================
// Market data
// ==============================

func (s *Server) handleGetProducts(w http.ResponseWriter, r *http.Request) {
	products := s.app.Products.ListActive()
	out := make([]ProductInfo, len(products))
	for i, p := range products {
		out[i] = productInfo(p)
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := s.app.Products.Get(mux.Vars(r)["symbol"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, productInfo(p))
}

func (s *Server) handleGetQuotes(w http.ResponseWriter, r *http.Request) {
	quotes := s.app.Quoter.Quotes()
	out := make([]QuoteInfo, len(quotes))
	for i, q := range quotes {
		out[i] = quoteInfo(q)
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetQuote(w http.ResponseWriter, r *http.Request) {
	q, err := s.app.Quoter.Quote(mux.Vars(r)["symbol"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, quoteInfo(q))
}

func (s *Server) handleGetDepth(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	levels, err := queryInt(r, "levels", defaultDepthLevels, maxDepthLevels)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	bids, asks, err := s.app.Engine.Depth(symbol, levels)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, DepthSnapshot{
		Symbol:    symbol,
		Bids:      priceLevels(bids),
		Asks:      priceLevels(asks),
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) handleGetBBO(w http.ResponseWriter, r *http.Request) {
	bbo, err := s.app.Engine.BBO(mux.Vars(r)["symbol"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, BBOInfo{Symbol: bbo.Symbol, Bid: bbo.Bid, Ask: bbo.Ask})
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultTradeLimit, maxTradeLimit)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	trades, err := s.app.Engine.RecentTrades(mux.Vars(r)["symbol"], limit)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	out := make([]TradeInfo, len(trades))
	for i, t := range trades {
		out[i] = tradeInfo(t)
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) indexInfo(snap priceindex.Snapshot) IndexInfo {
	return IndexInfo{
		Symbol:      snap.Symbol,
		Index:       snap.Index,
		Mark:        snap.Mark,
		FundingRate: snap.Funding.Rate,
		Funding8h:   snap.Funding.Rate8h(),
		FundingAPR:  snap.Funding.Annualized(),
		NextFunding: snap.Funding.NextPayment.UnixMilli(),
		Samples:     snap.Samples,
		Timestamp:   snap.Time.UnixMilli(),
	}
}

func (s *Server) handleGetIndex(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	if !s.app.Products.Exists(symbol) {
		s.respondErr(w, errors.Wrapf(core.ErrNotFound, "symbol %s", symbol))
		return
	}
	window := defaultIndexWindow
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.respondErr(w, errors.Wrapf(core.ErrValidation, "window %q", v))
			return
		}
		window = d
	}
	snap, ok := s.app.Index.Snapshot(symbol)
	if !ok {
		s.respondErr(w, errors.Wrapf(core.ErrQuoteUnavailable, "no prices for %s", symbol))
		return
	}
	info := s.indexInfo(snap)
	info.TWAP, _ = s.app.Index.TWAP(symbol, window)
	info.Volatility = s.app.Index.Volatility(symbol, window)
	respondJSON(w, http.StatusOK, info)
}

// ==============================
// CLOB orders
// ==============================

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.respondErr(w, err)
		return
	}
	side, err := core.ParseSide(req.Side)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	typ, err := core.ParseOrderType(req.Type)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	order, trades, err := s.app.Engine.Process(core.Order{
		Symbol:   req.Symbol,
		Owner:    req.Owner,
		Side:     side,
		Type:     typ,
		Price:    req.Price,
		Quantity: req.Size,
	})
	if err != nil {
		s.respondErr(w, err)
		return
	}
	resp := SubmitOrderResponse{Order: orderInfo(order), Trades: make([]TradeInfo, len(trades))}
	for i, t := range trades {
		resp.Trades[i] = tradeInfo(t)
	}
	s.log.Debug("order_submitted",
		zap.String("id", order.ID),
		zap.String("symbol", order.Symbol),
		zap.String("status", order.Status().String()),
		zap.Int("trades", len(trades)))
	respondJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.app.Engine.Order(mux.Vars(r)["id"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, orderInfo(o))
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.app.Engine.Cancel(mux.Vars(r)["id"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, orderInfo(o))
}

// ==============================
// Accounts and positions
// ==============================

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	v, err := s.app.Ledger.Account(mux.Vars(r)["owner"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, accountInfo(v))
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	v, err := s.app.Ledger.Account(mux.Vars(r)["owner"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, accountInfo(v).Positions)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.mutateBalance(w, r, s.app.Ledger.Deposit)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.mutateBalance(w, r, s.app.Ledger.Withdraw)
}

func (s *Server) mutateBalance(w http.ResponseWriter, r *http.Request, apply func(string, decimal.Decimal) (decimal.Decimal, error)) {
	owner := mux.Vars(r)["owner"]
	var req AmountRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.respondErr(w, err)
		return
	}
	balance, err := apply(owner, req.Amount)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, BalanceResponse{Owner: owner, Balance: balance})
}

func (s *Server) handleOpenPosition(w http.ResponseWriter, r *http.Request) {
	owner := mux.Vars(r)["owner"]
	var req OpenPositionRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.respondErr(w, err)
		return
	}
	side, err := core.ParseSide(req.Side)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if _, err := s.app.Ledger.OpenPosition(owner, req.Symbol, side, req.Size); err != nil {
		s.respondErr(w, err)
		return
	}
	v, err := s.app.Ledger.Account(owner)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	for _, p := range accountInfo(v).Positions {
		if p.Symbol == req.Symbol {
			respondJSON(w, http.StatusCreated, p)
			return
		}
	}
	s.respondErr(w, errors.Wrapf(core.ErrInvariant, "opened %s position missing for %s", req.Symbol, owner))
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	st, err := s.app.Ledger.ClosePosition(vars["owner"], vars["symbol"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, settlementInfo(st))
}

// ==============================
// Hedging
// ==============================

func (s *Server) handleGetExposures(w http.ResponseWriter, r *http.Request) {
	exposures := s.app.Hedger.Exposures()
	out := make([]ExposureInfo, len(exposures))
	for i, e := range exposures {
		out[i] = exposureInfo(e)
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetExposure(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	e, ok := s.app.Hedger.Exposure(symbol)
	if !ok {
		if !s.app.Products.Exists(symbol) {
			s.respondErr(w, errors.Wrapf(core.ErrNotFound, "symbol %s", symbol))
			return
		}
		e = hedge.Exposure{Symbol: symbol}
	}
	respondJSON(w, http.StatusOK, exposureInfo(e))
}

func (s *Server) handleGetHedgeStats(w http.ResponseWriter, r *http.Request) {
	st := s.app.Hedger.Stats()
	out := HedgeStats{Total: st.Total, Successful: st.Successful, Failed: st.Failed}
	if st.Total > 0 {
		out.SuccessPct = float64(st.Successful) / float64(st.Total) * 100
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthResponse{
		Status:   "ok",
		Products: s.app.Products.Count(),
		Accounts: s.app.Ledger.Count(),
		Clients:  s.hub.ClientCount(),
	})
}

// ==============================
// Helper Functions
// ==============================

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrInsufficientMargin), errors.Is(err, core.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrTradingHalted):
		return http.StatusLocked
	case errors.Is(err, core.ErrQuoteUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request_failed", zap.Error(err))
		respondError(w, status, http.StatusText(status), "")
		return
	}
	respondError(w, status, http.StatusText(status), err.Error())
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	respondJSON(w, status, ErrorResponse{Error: error, Message: message})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrapf(core.ErrValidation, "invalid request body: %v", err)
	}
	return nil
}

func queryInt(r *http.Request, key string, def, max int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errors.Wrapf(core.ErrValidation, "%s must be a positive integer, got %q", key, v)
	}
	if n > max {
		n = max
	}
	return n, nil
}
