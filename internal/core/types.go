package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the closing side for s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Order outcome statuses as reported by the broker (or synthesized in
// dry-run mode). Statuses containing "reject", "cancel" or "error" are
// treated as business rejections by the gateway.
const (
	StatusAccepted  = "accepted"
	StatusSimulated = "simulated"
	StatusRejected  = "rejected"
	StatusError     = "error"
	StatusCancelled = "cancelled"
	StatusSkipped   = "skipped"
)

// OrderOutcome carries broker response metadata for one order submission.
type OrderOutcome struct {
	OrderID       string
	Status        string
	LotsRequested int
	LotsExecuted  int
	LimitPrice    decimal.Decimal
	Message       string
}

// Filled reports whether the full requested quantity was executed.
func (o OrderOutcome) Filled() bool {
	return o.LotsRequested > 0 && o.LotsExecuted >= o.LotsRequested
}

// PartiallyFilled reports whether only part of the request executed.
func (o OrderOutcome) PartiallyFilled() bool {
	return o.LotsExecuted > 0 && o.LotsExecuted < o.LotsRequested
}

// Candle is a single OHLCV bar.
type Candle struct {
	Time   time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
}

// Series is an ordered price history, oldest first.
type Series []Candle

// Empty reports whether the series holds no bars.
func (s Series) Empty() bool { return len(s) == 0 }

// LastClose returns the close of the most recent bar.
func (s Series) LastClose() (decimal.Decimal, bool) {
	if len(s) == 0 {
		return decimal.Zero, false
	}
	return s[len(s)-1].Close, true
}

// PriceTick is one streamed last-price update.
type PriceTick struct {
	Symbol string
	Price  decimal.Decimal
	Time   time.Time
}
