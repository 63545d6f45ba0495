// Package telemetry exposes the orchestrator's prometheus metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the system updates.
type Metrics struct {
	SignalsProposed  *prometheus.CounterVec
	SignalsFiltered  *prometheus.CounterVec
	SignalsRejected  *prometheus.CounterVec
	OrdersSubmitted  *prometheus.CounterVec
	OrderFailures    *prometheus.CounterVec
	OrderRate        prometheus.Gauge
	FeedConnected    prometheus.Gauge
	DataAge          prometheus.Gauge
	OpenPositions    prometheus.Gauge
	UnrealizedPnL    prometheus.Gauge
	TickDuration     prometheus.Histogram
	ReconcileDrift   prometheus.Counter
	SquareOffActions prometheus.Counter
}

// New registers all collectors against the given registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SignalsProposed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "intraday_signals_proposed_total",
			Help: "Signals emitted by strategies before filtering.",
		}, []string{"strategy"}),
		SignalsFiltered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "intraday_signals_filtered_total",
			Help: "Signals dropped by the deduplicator, by reason.",
		}, []string{"reason"}),
		SignalsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "intraday_signals_rejected_total",
			Help: "Signals rejected by the portfolio gate, by reason.",
		}, []string{"reason"}),
		OrdersSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "intraday_orders_submitted_total",
			Help: "Broker order submissions, by kind.",
		}, []string{"kind"}),
		OrderFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "intraday_order_failures_total",
			Help: "Broker order failures, by class.",
		}, []string{"class"}),
		OrderRate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "intraday_order_rate_per_second",
			Help: "Orders acquired from the rate limiter over the trailing second.",
		}),
		FeedConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "intraday_feed_connected",
			Help: "1 when the market data feed is connected.",
		}),
		DataAge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "intraday_data_age_seconds",
			Help: "Age of the most recent feed tick.",
		}),
		OpenPositions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "intraday_open_positions",
			Help: "Currently tracked open positions.",
		}),
		UnrealizedPnL: factory.NewGauge(prometheus.GaugeOpts{
			Name: "intraday_unrealized_pnl_rupees",
			Help: "Aggregate unrealized PnL at the latest marks.",
		}),
		TickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "intraday_orchestrator_tick_seconds",
			Help:    "Wall time of one orchestrator cycle.",
			Buckets: prometheus.DefBuckets,
		}),
		ReconcileDrift: factory.NewCounter(prometheus.CounterOpts{
			Name: "intraday_reconcile_drift_total",
			Help: "Divergences between local and broker positions.",
		}),
		SquareOffActions: factory.NewCounter(prometheus.CounterOpts{
			Name: "intraday_square_off_actions_total",
			Help: "Positions flattened by time-based square-off.",
		}),
	}
}
