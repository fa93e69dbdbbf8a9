package risk

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// InstrumentLimit overrides the global sizing rules for one symbol.
// Zero-valued fields mean "no override".
type InstrumentLimit struct {
	MaxPositionPct decimal.Decimal
	MaxLots        int
	MaxLeverage    decimal.Decimal
}

// ClassLimit bounds the combined exposure of every symbol mapped to an
// asset class.
type ClassLimit struct {
	MaxLeverage    decimal.Decimal
	MaxExposurePct decimal.Decimal
}

// Limits is the full risk configuration. It is loaded once at controller
// construction and never mutated afterwards.
type Limits struct {
	MaxDrawdownPct          decimal.Decimal
	MaxDailyLossPct         decimal.Decimal
	MaxPositionPct          decimal.Decimal
	PerTradeRiskPct         decimal.Decimal
	StopLossPct             decimal.Decimal
	TakeProfitPct           decimal.Decimal
	MaxPositions            int
	AllowShort              bool
	MaxPortfolioExposurePct decimal.Decimal
	MaxLeverage             decimal.Decimal

	Instruments map[string]InstrumentLimit
	Classes     map[string]ClassLimit
	SymbolClass map[string]string
}

// DefaultLimits returns a conservative configuration suitable for dry runs.
func DefaultLimits() Limits {
	return Limits{
		MaxDrawdownPct:          decimal.NewFromFloat(0.2),
		MaxDailyLossPct:         decimal.NewFromFloat(0.05),
		MaxPositionPct:          decimal.NewFromFloat(0.1),
		PerTradeRiskPct:         decimal.NewFromFloat(0.01),
		StopLossPct:             decimal.NewFromFloat(0.05),
		TakeProfitPct:           decimal.NewFromFloat(0.1),
		MaxPositions:            10,
		AllowShort:              false,
		MaxPortfolioExposurePct: decimal.NewFromFloat(0.8),
		MaxLeverage:             decimal.NewFromInt(1),
	}
}

// ExposureCap is min(max_leverage, max_portfolio_exposure_pct), the fraction
// of equity the whole book may occupy. A cap of exactly 1.0 is a real 100%
// ceiling, not a disable sentinel.
func (l Limits) ExposureCap() decimal.Decimal {
	if l.MaxPortfolioExposurePct.LessThan(l.MaxLeverage) {
		return l.MaxPortfolioExposurePct
	}
	return l.MaxLeverage
}

// Instrument returns the override for symbol, if any.
func (l Limits) Instrument(symbol string) (InstrumentLimit, bool) {
	lim, ok := l.Instruments[strings.ToUpper(symbol)]
	return lim, ok
}

// ClassFor resolves the asset-class limit applying to symbol, if any.
func (l Limits) ClassFor(symbol string) (string, ClassLimit, bool) {
	name, ok := l.SymbolClass[strings.ToUpper(symbol)]
	if !ok {
		return "", ClassLimit{}, false
	}
	lim, ok := l.Classes[name]
	return name, lim, ok
}

// Validate rejects configurations the controller must not start with.
func (l Limits) Validate() error {
	type pctField struct {
		name  string
		value decimal.Decimal
	}
	for _, f := range []pctField{
		{"max_drawdown_pct", l.MaxDrawdownPct},
		{"max_daily_loss_pct", l.MaxDailyLossPct},
		{"max_position_pct", l.MaxPositionPct},
		{"per_trade_risk_pct", l.PerTradeRiskPct},
		{"stop_loss_pct", l.StopLossPct},
		{"take_profit_pct", l.TakeProfitPct},
		{"max_portfolio_exposure_pct", l.MaxPortfolioExposurePct},
	} {
		if !f.value.IsPositive() || f.value.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("risk: %s must be in (0, 1], got %s", f.name, f.value)
		}
	}
	if !l.MaxLeverage.IsPositive() {
		return fmt.Errorf("risk: max_leverage must be positive, got %s", l.MaxLeverage)
	}
	if l.MaxPositions <= 0 {
		return fmt.Errorf("risk: max_positions must be positive, got %d", l.MaxPositions)
	}
	for symbol, lim := range l.Instruments {
		if lim.MaxLots < 0 {
			return fmt.Errorf("risk: instrument %s: max_lots must not be negative", symbol)
		}
		if lim.MaxPositionPct.IsNegative() || lim.MaxPositionPct.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("risk: instrument %s: max_position_pct must be in [0, 1]", symbol)
		}
		if lim.MaxLeverage.IsNegative() {
			return fmt.Errorf("risk: instrument %s: max_leverage must not be negative", symbol)
		}
	}
	for name, lim := range l.Classes {
		if lim.MaxExposurePct.IsNegative() || lim.MaxExposurePct.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("risk: class %s: max_exposure_pct must be in [0, 1]", name)
		}
		if lim.MaxLeverage.IsNegative() {
			return fmt.Errorf("risk: class %s: max_leverage must not be negative", name)
		}
	}
	for symbol, name := range l.SymbolClass {
		if _, ok := l.Classes[name]; !ok {
			return fmt.Errorf("risk: symbol %s references unknown asset class %q", symbol, name)
		}
	}
	return nil
}

// normalize upper-cases the symbol keys so lookups are case-insensitive.
func (l *Limits) normalize() {
	if len(l.Instruments) > 0 {
		m := make(map[string]InstrumentLimit, len(l.Instruments))
		for symbol, lim := range l.Instruments {
			m[strings.ToUpper(symbol)] = lim
		}
		l.Instruments = m
	}
	if len(l.SymbolClass) > 0 {
		m := make(map[string]string, len(l.SymbolClass))
		for symbol, name := range l.SymbolClass {
			m[strings.ToUpper(symbol)] = name
		}
		l.SymbolClass = m
	}
}
