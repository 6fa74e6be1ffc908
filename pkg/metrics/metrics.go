// Package metrics exposes exchange activity as prometheus collectors. Each
// Observe method has the events.Handler shape so it can subscribe to a bus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/uhyunpark/mntex/pkg/app/core"
	"github.com/uhyunpark/mntex/pkg/app/core/account"
	"github.com/uhyunpark/mntex/pkg/app/core/hedge"
	"github.com/uhyunpark/mntex/pkg/app/core/priceindex"
	"github.com/uhyunpark/mntex/pkg/journal"
)

const namespace = "mntex"

type Metrics struct {
	registry *prometheus.Registry

	trades       *prometheus.CounterVec
	tradeVolume  *prometheus.CounterVec
	orders       *prometheus.CounterVec
	markPrice    *prometheus.GaugeVec
	indexPrice   *prometheus.GaugeVec
	fundingRate  *prometheus.GaugeVec
	settlements  *prometheus.CounterVec
	hedges       *prometheus.CounterVec
	hedgeLatency *prometheus.HistogramVec
	postings     *prometheus.CounterVec
	requests     *prometheus.CounterVec
	requestTime  *prometheus.HistogramVec
}

// New registers every collector on a fresh registry, plus the Go and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "clob", Name: "trades_total",
			Help: "Trades executed by the matching engine.",
		}, []string{"symbol"}),
		tradeVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "clob", Name: "traded_quantity_total",
			Help: "Quantity traded by the matching engine.",
		}, []string{"symbol"}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "clob", Name: "order_updates_total",
			Help: "Order state changes by resulting status.",
		}, []string{"symbol", "status"}),
		markPrice: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "index", Name: "mark_price",
			Help: "Smoothed mark price in the venue's currency.",
		}, []string{"symbol"}),
		indexPrice: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "index", Name: "index_price",
			Help: "Latest raw venue mid price.",
		}, []string{"symbol"}),
		fundingRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "index", Name: "funding_rate_hourly",
			Help: "Current hourly funding rate.",
		}, []string{"symbol"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "position_settlements_total",
			Help: "Closed positions, split by liquidation.",
		}, []string{"symbol", "liquidated"}),
		hedges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "hedge", Name: "orders_total",
			Help: "Hedge orders sent to the venue by result.",
		}, []string{"symbol", "result"}),
		hedgeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "hedge", Name: "latency_seconds",
			Help:    "Venue round trip for hedge orders.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"symbol"}),
		postings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "journal", Name: "postings_total",
			Help: "Postings durably appended to the journal.",
		}, []string{"kind"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "api", Name: "requests_total",
			Help: "API requests by route and status code.",
		}, []string{"route", "code"}),
		requestTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "api", Name: "request_duration_seconds",
			Help:    "API request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.trades, m.tradeVolume, m.orders,
		m.markPrice, m.indexPrice, m.fundingRate,
		m.settlements, m.hedges, m.hedgeLatency,
		m.postings, m.requests, m.requestTime,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveTrade(t core.Trade) error {
	m.trades.WithLabelValues(t.Symbol).Inc()
	m.tradeVolume.WithLabelValues(t.Symbol).Add(t.Quantity.InexactFloat64())
	return nil
}

func (m *Metrics) ObserveOrder(o core.Order) error {
	m.orders.WithLabelValues(o.Symbol, o.Status().String()).Inc()
	return nil
}

func (m *Metrics) ObservePrice(s priceindex.Snapshot) error {
	m.markPrice.WithLabelValues(s.Symbol).Set(s.Mark)
	m.indexPrice.WithLabelValues(s.Symbol).Set(s.Index)
	return nil
}

func (m *Metrics) ObserveFunding(f priceindex.FundingRate) error {
	m.fundingRate.WithLabelValues(f.Symbol).Set(f.Rate)
	return nil
}

func (m *Metrics) ObserveSettlement(s account.Settlement) error {
	m.settlements.WithLabelValues(s.Symbol, strconv.FormatBool(s.Liquidated)).Inc()
	return nil
}

func (m *Metrics) ObserveHedge(e hedge.Event) error {
	result := "ok"
	if !e.OK() {
		result = "failed"
	}
	m.hedges.WithLabelValues(e.Symbol, result).Inc()
	m.hedgeLatency.WithLabelValues(e.Symbol).Observe(e.Latency.Seconds())
	return nil
}

func (m *Metrics) ObservePosting(p journal.Posting) error {
	m.postings.WithLabelValues(string(p.Kind)).Inc()
	return nil
}

func (m *Metrics) ObserveRequest(route string, code int, took time.Duration) {
	m.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.requestTime.WithLabelValues(route).Observe(took.Seconds())
}
