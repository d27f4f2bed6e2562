// Package telemetry exposes the core's operational metrics on a dedicated
// Prometheus registry.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/elitesignals/elite/internal/marketdata"
)

// Metrics bundles every collector the process publishes.
type Metrics struct {
	registry *prometheus.Registry

	SignalLatency prometheus.Histogram
	SignalsTotal  *prometheus.CounterVec
	OrdersTotal   *prometheus.CounterVec
	SnapshotsRun  prometheus.Counter
}

// New builds the registry. The cache and stream snapshots are sampled lazily
// at scrape time; either sampler may be nil. labelHorizonBars is published as
// a constant gauge so operators can see which horizon the deployment runs.
func New(labelHorizonBars int, cacheStats func() marketdata.CacheStats, streamStats func() marketdata.StreamStats) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		SignalLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "elite_signal_latency_seconds",
			Help:    "End-to-end latency of signal requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elite_signals_total",
			Help: "Signal requests by outcome label (or 'error').",
		}, []string{"label"}),
		OrdersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elite_orders_total",
			Help: "Orders routed, by mode and final state.",
		}, []string{"mode", "state"}),
		SnapshotsRun: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "elite_portfolio_snapshots_total",
			Help: "Portfolio snapshots written.",
		}),
	}
	reg.MustRegister(m.SignalLatency, m.SignalsTotal, m.OrdersTotal, m.SnapshotsRun)

	horizon := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "elite_label_horizon_bars",
		Help: "Configured label-generation horizon in bars.",
	})
	horizon.Set(float64(labelHorizonBars))
	reg.MustRegister(horizon)

	if cacheStats != nil {
		reg.MustRegister(
			statGauge("elite_cache_hits_total", "Market-data cache hits.", func() float64 {
				return float64(cacheStats().Hits)
			}),
			statGauge("elite_cache_misses_total", "Market-data cache misses.", func() float64 {
				return float64(cacheStats().Misses)
			}),
			statGauge("elite_cache_singleflight_dedupes_total", "Concurrent misses collapsed into a shared fetch.", func() float64 {
				return float64(cacheStats().Dedupes)
			}),
			statGauge("elite_cache_evictions_total", "LRU evictions.", func() float64 {
				return float64(cacheStats().Evictions)
			}),
			statGauge("elite_cache_entries", "Live cache entries.", func() float64 {
				return float64(cacheStats().Size)
			}),
		)
	}
	if streamStats != nil {
		reg.MustRegister(
			statGauge("elite_stream_reconnects_total", "Quote feed reconnects.", func() float64 {
				return float64(streamStats().Reconnects)
			}),
			statGauge("elite_stream_conflated_total", "Updates replaced by newer ones for lagging subscribers.", func() float64 {
				return float64(streamStats().Conflated)
			}),
			statGauge("elite_stream_published_total", "Updates fanned out.", func() float64 {
				return float64(streamStats().Published)
			}),
		)
	}
	return m
}

func statGauge(name, help string, fn func() float64) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn)
}

// Handler serves the registry for GET /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
