// Package ledger maintains the in-memory position book and its exposure
// accounting. It is the single source of truth for open positions: every
// read and write goes through one ledger-wide lock so that a concurrent
// exposure read can never observe a partial update.
package ledger

import (
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// Position is one open position. Quantity is in lots: positive = long,
// negative = short. A quantity of zero is never stored.
type Position struct {
	Symbol        string
	Quantity      int
	EntryPrice    decimal.Decimal
	StopPrice     decimal.Decimal
	TrailingStop  decimal.Decimal
	TakeProfit    decimal.Decimal
	LastPrice     decimal.Decimal
	StrategyOwner string
}

// IsShort reports whether the position is short.
func (p Position) IsShort() bool { return p.Quantity < 0 }

// MarketValue is |quantity| x last price.
func (p Position) MarketValue() decimal.Decimal {
	return decimal.NewFromInt(int64(abs(p.Quantity))).Mul(p.markPrice())
}

// SignedValue is quantity x last price.
func (p Position) SignedValue() decimal.Decimal {
	return decimal.NewFromInt(int64(p.Quantity)).Mul(p.markPrice())
}

func (p Position) markPrice() decimal.Decimal {
	if p.LastPrice.IsPositive() {
		return p.LastPrice
	}
	return p.EntryPrice
}

// Ledger is the mutex-guarded position book.
type Ledger struct {
	mu        sync.RWMutex
	positions map[string]Position
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{positions: make(map[string]Position)}
}

// Upsert stores the position under its symbol. Upserting a zero quantity
// removes the entry instead.
func (l *Ledger) Upsert(pos Position) {
	symbol := strings.ToUpper(pos.Symbol)
	l.mu.Lock()
	defer l.mu.Unlock()
	if pos.Quantity == 0 {
		delete(l.positions, symbol)
		return
	}
	pos.Symbol = symbol
	l.positions[symbol] = pos
}

// Remove deletes the position for symbol, reporting whether it existed.
func (l *Ledger) Remove(symbol string) bool {
	symbol = strings.ToUpper(symbol)
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.positions[symbol]
	delete(l.positions, symbol)
	return ok
}

// Get returns a copy of the position for symbol.
func (l *Ledger) Get(symbol string) (Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.positions[strings.ToUpper(symbol)]
	return pos, ok
}

// MarkPrice updates last_price for an existing position. It never creates
// a position for an unknown symbol.
func (l *Ledger) MarkPrice(symbol string, price decimal.Decimal) bool {
	symbol = strings.ToUpper(symbol)
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.positions[symbol]
	if !ok {
		return false
	}
	pos.LastPrice = price
	l.positions[symbol] = pos
	return true
}

// Update applies fn to the position for symbol under the ledger lock,
// storing the result. It reports false when the symbol is unknown.
func (l *Ledger) Update(symbol string, fn func(pos *Position)) bool {
	symbol = strings.ToUpper(symbol)
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.positions[symbol]
	if !ok {
		return false
	}
	fn(&pos)
	if pos.Quantity == 0 {
		delete(l.positions, symbol)
		return true
	}
	l.positions[symbol] = pos
	return true
}

// GrossExposure is the sum of |quantity| x last price over all positions.
func (l *Ledger) GrossExposure() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := decimal.Zero
	for _, pos := range l.positions {
		total = total.Add(pos.MarketValue())
	}
	return total
}

// NetExposure is the signed sum of quantity x last price.
func (l *Ledger) NetExposure() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := decimal.Zero
	for _, pos := range l.positions {
		total = total.Add(pos.SignedValue())
	}
	return total
}

// ExposureFor is the market value of a single symbol, zero when absent.
func (l *Ledger) ExposureFor(symbol string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.positions[strings.ToUpper(symbol)]
	if !ok {
		return decimal.Zero
	}
	return pos.MarketValue()
}

// Len returns the number of open positions.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.positions)
}

// Snapshot returns a copy of every open position.
func (l *Ledger) Snapshot() []Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Position, 0, len(l.positions))
	for _, pos := range l.positions {
		out = append(out, pos)
	}
	return out
}

// Clear removes every position, returning the removed symbols.
func (l *Ledger) Clear() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	symbols := make([]string, 0, len(l.positions))
	for symbol := range l.positions {
		symbols = append(symbols, symbol)
	}
	l.positions = make(map[string]Position)
	return symbols
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
