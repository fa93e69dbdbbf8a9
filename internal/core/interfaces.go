// Package core defines the shared types and collaborator interfaces for
// the live trading core.
package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// BrokerClient places orders with the upstream broker. A nil client means
// dry-run mode: the gateway synthesizes simulated outcomes instead.
type BrokerClient interface {
	// PlaceOrder submits an order. limitPrice may be zero for market orders.
	// The returned outcome's OrderID is assigned by the caller, not the broker.
	PlaceOrder(ctx context.Context, symbol string, lots int, side Side, limitPrice decimal.Decimal) (OrderOutcome, error)
	// CancelAllOrders cancels every open order for the account. Brokers
	// without an open-order concept return nil.
	CancelAllOrders(ctx context.Context) error
}

// StreamSource delivers last prices over a live streaming connection.
type StreamSource interface {
	LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// RestSource delivers last prices over a request/response API.
type RestSource interface {
	LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// HistoryStore provides read-only historical candle series. A missing
// symbol yields an empty series, not an error.
type HistoryStore interface {
	LoadHistory(symbol, interval string, days int) (Series, error)
}

// Strategy produces a directional signal from a price history:
// 1 = long, -1 = short, 0 = flat. Implementations must be pure and
// side-effect free.
type Strategy interface {
	Signal(history Series) int
}

// StrategyFunc adapts a plain function to the Strategy interface.
type StrategyFunc func(history Series) int

// Signal implements Strategy.
func (f StrategyFunc) Signal(history Series) int { return f(history) }

// Notifier is a fire-and-forget alert sink. Implementations must never
// let delivery failures reach the caller.
type Notifier interface {
	Notify(message string)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(string) {}

// Journal is an append-only event sink with caller-triggered flushing.
type Journal interface {
	Record(entry map[string]any)
	Flush() error
}

// NopJournal discards all records.
type NopJournal struct{}

// Record implements Journal.
func (NopJournal) Record(map[string]any) {}

// Flush implements Journal.
func (NopJournal) Flush() error { return nil }
