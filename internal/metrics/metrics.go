// Package metrics exposes pipeline counters on a per-instance Prometheus
// registry, and the health endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "signalbot"

// Metrics holds all Prometheus metrics for the signal pipeline.
type Metrics struct {
	Registry *prometheus.Registry

	TicksTotal    prometheus.Counter
	TicksDropped  *prometheus.CounterVec // labels: reason
	CandlesClosed *prometheus.CounterVec // labels: tf
	PersistErrors prometheus.Counter

	IndicatorUpdateDur prometheus.Histogram
	ActiveSeries       prometheus.Gauge

	SignalsFired      *prometheus.CounterVec // labels: type
	SignalsSuppressed *prometheus.CounterVec // labels: type
	EvaluateErrors    prometheus.Counter
	TickToSignal      prometheus.Histogram

	StreamState      prometheus.Gauge // stream.State value
	StreamReconnects prometheus.Counter
	StreamFatal      prometheus.Counter

	RedisBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisBreakerTrips prometheus.Counter
}

// New registers and returns all metrics on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ticks_total",
			Help: "Kline updates received from the stream",
		}),
		TicksDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ticks_dropped_total",
			Help: "Kline updates rejected by the candle store",
		}, []string{"reason"}),
		CandlesClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "candles_closed_total",
			Help: "Candles closed, by timeframe",
		}, []string{"tf"}),
		PersistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "candle_persist_errors_total",
			Help: "Closed candles that failed to reach durable storage",
		}),

		IndicatorUpdateDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "indicator_update_duration_seconds",
			Help:    "Indicator engine latency per closed candle",
			Buckets: []float64{0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005},
		}),
		ActiveSeries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_series",
			Help: "Symbol/timeframe series currently streamed",
		}),

		SignalsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "signals_fired_total",
			Help: "Signal events recorded and queued",
		}, []string{"type"}),
		SignalsSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "signals_suppressed_total",
			Help: "Signals held back by the repeat interval",
		}, []string{"type"}),
		EvaluateErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "evaluate_errors_total",
			Help: "Snapshot evaluations that failed",
		}),
		TickToSignal: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "tick_to_evaluation_seconds",
			Help:    "Latency from exchange event time to signal evaluation",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),

		StreamState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "stream_state",
			Help: "Stream state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting, 4=closed)",
		}),
		StreamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "stream_reconnects_total",
			Help: "Stream reconnect attempts",
		}),
		StreamFatal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "stream_fatal_total",
			Help: "Times the stream gave up reconnecting",
		}),

		RedisBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.TicksTotal,
		m.TicksDropped,
		m.CandlesClosed,
		m.PersistErrors,
		m.IndicatorUpdateDur,
		m.ActiveSeries,
		m.SignalsFired,
		m.SignalsSuppressed,
		m.EvaluateErrors,
		m.TickToSignal,
		m.StreamState,
		m.StreamReconnects,
		m.StreamFatal,
		m.RedisBreakerState,
		m.RedisBreakerTrips,
	)
	return m
}

// CounterFunc registers a counter read from fn at scrape time.
func (m *Metrics) CounterFunc(name, help string, fn func() float64) {
	m.Registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace, Name: name, Help: help,
	}, fn))
}

// GaugeFunc registers a gauge read from fn at scrape time.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: name, Help: help,
	}, fn))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
