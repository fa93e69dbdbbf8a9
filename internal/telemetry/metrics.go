// Package telemetry exposes Prometheus metrics for the trading core.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// OrderAttempts counts every order submission attempt by side and
// resulting status, including retried attempts.
var OrderAttempts = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "moexbot",
		Subsystem: "gateway",
		Name:      "order_attempts_total",
		Help:      "Total order submission attempts by side and status",
	},
	[]string{"side", "status"},
)

// OrderRetries counts retried submissions by failure kind
// ("transport" or "rejection").
var OrderRetries = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "moexbot",
		Subsystem: "gateway",
		Name:      "order_retries_total",
		Help:      "Total order submission retries by failure kind",
	},
	[]string{"kind"},
)

// RiskLimitBreaches counts risk limit breaches by reason
// ("max_drawdown", "max_daily_loss", "instrument_limit", "class_limit").
var RiskLimitBreaches = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "moexbot",
		Subsystem: "risk",
		Name:      "limit_breaches_total",
		Help:      "Total risk limit breaches by reason",
	},
	[]string{"reason"},
)

// ForcedExits counts positions closed by the risk monitor.
var ForcedExits = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "moexbot",
		Subsystem: "risk",
		Name:      "forced_exits_total",
		Help:      "Total positions force-closed by the risk monitor",
	},
	[]string{"symbol"},
)

// OpenPositions tracks the number of currently open positions.
var OpenPositions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "moexbot",
		Subsystem: "risk",
		Name:      "open_positions",
		Help:      "Number of currently open positions",
	},
)

// GrossExposure tracks the mark-to-market gross exposure of the book.
var GrossExposure = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "moexbot",
		Subsystem: "risk",
		Name:      "gross_exposure",
		Help:      "Gross exposure across all open positions",
	},
)

// PriceSourceFailures counts failed price lookups by source
// ("stream", "rest", "history").
var PriceSourceFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "moexbot",
		Subsystem: "feed",
		Name:      "source_failures_total",
		Help:      "Total price source failures by source",
	},
	[]string{"source"},
)

// PriceFallbacks counts price resolutions that fell back past the live
// sources ("fresh_cache", "stale_cache", "history").
var PriceFallbacks = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "moexbot",
		Subsystem: "feed",
		Name:      "fallbacks_total",
		Help:      "Total price resolutions served from a fallback layer",
	},
	[]string{"layer"},
)

// StreamDropped counts streamed ticks dropped due to a full buffer.
var StreamDropped = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "moexbot",
		Subsystem: "feed",
		Name:      "stream_dropped_total",
		Help:      "Streamed price ticks dropped because the buffer was full",
	},
)
