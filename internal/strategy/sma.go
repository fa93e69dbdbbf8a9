// Package strategy ships reference signal sources. The trading core only
// depends on the core.Strategy interface; anything that can turn a price
// history into a -1/0/1 signal plugs in the same way.
package strategy

import (
	"github.com/shopspring/decimal"

	"moexbot/internal/core"
)

// SMACross signals long when the fast moving average is above the slow
// one, short when below, and flat when there is not enough history.
type SMACross struct {
	Fast int
	Slow int
}

// NewSMACross builds a crossover strategy with the given windows.
func NewSMACross(fast, slow int) *SMACross {
	return &SMACross{Fast: fast, Slow: slow}
}

// Signal implements core.Strategy.
func (s *SMACross) Signal(history core.Series) int {
	if s.Fast <= 0 || s.Slow <= s.Fast || len(history) < s.Slow {
		return 0
	}
	fast := sma(history, s.Fast)
	slow := sma(history, s.Slow)
	switch {
	case fast.GreaterThan(slow):
		return 1
	case fast.LessThan(slow):
		return -1
	}
	return 0
}

func sma(history core.Series, window int) decimal.Decimal {
	sum := decimal.Zero
	for _, candle := range history[len(history)-window:] {
		sum = sum.Add(candle.Close)
	}
	return sum.Div(decimal.NewFromInt(int64(window)))
}

// Defaults returns the strategy set used when none is configured.
func Defaults() map[string]core.Strategy {
	return map[string]core.Strategy{
		"sma_20_50": NewSMACross(20, 50),
	}
}
