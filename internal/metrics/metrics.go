// Package metrics exposes prometheus collectors for the trader.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all prometheus collectors. A single instance is shared by
// the coordinator and engines.
type Metrics struct {
	SignalsTotal      prometheus.Counter
	TradesEntered     *prometheus.CounterVec
	TradesClosed      *prometheus.CounterVec
	EntrySkips        *prometheus.CounterVec
	OrderFailures     *prometheus.CounterVec
	LoopDuration      prometheus.Histogram
	ChainCacheHits    prometheus.Counter
	ChainCacheMisses  prometheus.Counter
	OpenTrades        *prometheus.GaugeVec
	DailyPnL          *prometheus.GaugeVec
}

// New registers the collectors with a registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SignalsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "trader_signals_total",
			Help: "Breakout signals emitted",
		}),
		TradesEntered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_trades_entered_total",
			Help: "Trades entered per account",
		}, []string{"account"}),
		TradesClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_trades_closed_total",
			Help: "Trades closed per account and exit reason",
		}, []string{"account", "reason"}),
		EntrySkips: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_entry_skips_total",
			Help: "Signal entries skipped per account and gate rule",
		}, []string{"account", "rule"}),
		OrderFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_order_failures_total",
			Help: "Broker order failures per account",
		}, []string{"account"}),
		LoopDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "trader_loop_duration_seconds",
			Help:    "Decision loop iteration duration",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		ChainCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "trader_chain_cache_hits_total",
			Help: "Option chain cache hits",
		}),
		ChainCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "trader_chain_cache_misses_total",
			Help: "Option chain cache misses",
		}),
		OpenTrades: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trader_open_trades",
			Help: "Open trades per account",
		}, []string{"account"}),
		DailyPnL: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trader_daily_pnl",
			Help: "Daily P&L per account",
		}, []string{"account"}),
	}
}

// NewDefault registers against the default registry.
func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer)
}
