// Package broker holds broker client implementations. The virtual client
// lets the whole stack run without a live brokerage account.
package broker

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"moexbot/internal/core"
)

// VirtualClient is a dry-run broker: every order fills deterministically
// in full with a simulated status and no side effects.
type VirtualClient struct {
	log *zap.SugaredLogger
}

// NewVirtualClient creates a dry-run broker client.
func NewVirtualClient(log *zap.SugaredLogger) *VirtualClient {
	return &VirtualClient{log: log.With("component", "virtual_broker")}
}

// PlaceOrder implements core.BrokerClient. The outcome always reports a
// full fill at the requested price.
func (v *VirtualClient) PlaceOrder(_ context.Context, symbol string, lots int, side core.Side, limitPrice decimal.Decimal) (core.OrderOutcome, error) {
	v.log.Infow("simulated order",
		"symbol", symbol, "side", side, "lots", lots, "price", limitPrice)
	return core.OrderOutcome{
		Status:        core.StatusSimulated,
		LotsRequested: lots,
		LotsExecuted:  lots,
		LimitPrice:    limitPrice,
	}, nil
}

// CancelAllOrders implements core.BrokerClient. A virtual account has no
// open orders, so this only logs.
func (v *VirtualClient) CancelAllOrders(context.Context) error {
	v.log.Debug("cancel all orders: nothing to do in dry-run mode")
	return nil
}
