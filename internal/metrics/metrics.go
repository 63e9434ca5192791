// Package metrics exposes Prometheus instrumentation for the trade engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	TradesCompleted prometheus.Counter
	TradesCancelled prometheus.Counter
	TradesFailed    prometheus.Counter
	TradesBlocked   prometheus.Counter
	DetectorRuns    *prometheus.CounterVec
	PatternsFound   *prometheus.CounterVec
	GraphRebuilds   prometheus.Counter
	CacheHits       prometheus.Counter
}

// New registers and returns the engine's collectors. Pass
// prometheus.DefaultRegisterer in production or a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TradesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradecore_trades_completed_total",
			Help: "Trades committed successfully.",
		}),
		TradesCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradecore_trades_cancelled_total",
			Help: "Trades cancelled by a participant.",
		}),
		TradesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradecore_trades_failed_total",
			Help: "Trades that failed during execution.",
		}),
		TradesBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradecore_trades_blocked_total",
			Help: "Trades vetoed by the fraud gate.",
		}),
		DetectorRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_detector_runs_total",
			Help: "Pattern detector invocations by detector.",
		}, []string{"detector"}),
		PatternsFound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_patterns_found_total",
			Help: "Suspicious patterns emitted by detector.",
		}, []string{"detector"}),
		GraphRebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradecore_graph_rebuilds_total",
			Help: "Trade network graph rebuilds from relationship rows.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradecore_graph_cache_hits_total",
			Help: "Trade network graph cache hits.",
		}),
	}

	reg.MustRegister(
		m.TradesCompleted,
		m.TradesCancelled,
		m.TradesFailed,
		m.TradesBlocked,
		m.DetectorRuns,
		m.PatternsFound,
		m.GraphRebuilds,
		m.CacheHits,
	)
	return m
}
