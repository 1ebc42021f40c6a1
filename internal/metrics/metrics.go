// Package metrics exposes fleet counters and gauges in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors for one process. All methods are safe on a
// nil receiver so components can run without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	cycles       *prometheus.CounterVec
	trades       *prometheus.CounterVec
	realizedPnL  prometheus.Counter
	failures     *prometheus.CounterVec
	tradeVolume  prometheus.Histogram
	runningLoops prometheus.Gauge
	degraded     prometheus.Gauge
}

// New creates a registry with Go runtime collectors and the fleet metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradesim",
			Name:      "cycles_total",
			Help:      "Trading cycles completed, by outcome.",
		}, []string{"outcome"}),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradesim",
			Name:      "trades_total",
			Help:      "Simulated trades recorded, by side.",
		}, []string{"side"}),
		realizedPnL: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tradesim",
			Name:      "realized_pnl_abs_total",
			Help:      "Sum of absolute realized PnL booked by all agents.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradesim",
			Name:      "cycle_failures_total",
			Help:      "Failed trading cycles, by stage.",
		}, []string{"stage"}),
		tradeVolume: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tradesim",
			Name:      "trade_volume",
			Help:      "Sampled trade quantity.",
			Buckets:   []float64{0.01, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		runningLoops: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tradesim",
			Name:      "running_agents",
			Help:      "Trading loops currently running.",
		}),
		degraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tradesim",
			Name:      "degraded_agents",
			Help:      "Agents flagged degraded after repeated failures.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cycles, m.trades, m.realizedPnL, m.failures, m.tradeVolume, m.runningLoops, m.degraded,
	)
	return m
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Cycle counts a finished cycle with outcome "traded", "skipped", "suspended" or "failed".
func (m *Metrics) Cycle(outcome string) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(outcome).Inc()
}

// Trade records one persisted trade.
func (m *Metrics) Trade(side string, qty, pnl float64) {
	if m == nil {
		return
	}
	m.trades.WithLabelValues(side).Inc()
	m.tradeVolume.Observe(qty)
	if pnl < 0 {
		pnl = -pnl
	}
	m.realizedPnL.Add(pnl)
}

// Failure counts a failed cycle at the given stage ("store", "quote", "ledger", "panic").
func (m *Metrics) Failure(stage string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(stage).Inc()
}

// LoopStarted increments the running loop gauge.
func (m *Metrics) LoopStarted() {
	if m == nil {
		return
	}
	m.runningLoops.Inc()
}

// LoopStopped decrements the running loop gauge.
func (m *Metrics) LoopStopped() {
	if m == nil {
		return
	}
	m.runningLoops.Dec()
}

// Degraded adjusts the degraded agent gauge by +1 or -1.
func (m *Metrics) Degraded(on bool) {
	if m == nil {
		return
	}
	if on {
		m.degraded.Inc()
	} else {
		m.degraded.Dec()
	}
}
