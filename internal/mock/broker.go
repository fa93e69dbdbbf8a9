// Package mock provides scripted collaborators for tests.
package mock

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"moexbot/internal/core"
)

// BrokerCall records one PlaceOrder invocation.
type BrokerCall struct {
	Symbol string
	Lots   int
	Side   core.Side
	Price  decimal.Decimal
}

// ScriptedResult is one programmed broker response.
type ScriptedResult struct {
	Outcome core.OrderOutcome
	Err     error
}

// ScriptedBroker replays programmed responses in order; the last response
// repeats once the script is exhausted. With an empty script every order
// fills in full with an accepted status.
type ScriptedBroker struct {
	mu          sync.Mutex
	script      []ScriptedResult
	calls       []BrokerCall
	cancelCalls int
}

// NewScriptedBroker creates a broker that replays results.
func NewScriptedBroker(results ...ScriptedResult) *ScriptedBroker {
	return &ScriptedBroker{script: results}
}

// PlaceOrder implements core.BrokerClient.
func (b *ScriptedBroker) PlaceOrder(_ context.Context, symbol string, lots int, side core.Side, limitPrice decimal.Decimal) (core.OrderOutcome, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, BrokerCall{Symbol: symbol, Lots: lots, Side: side, Price: limitPrice})

	if len(b.script) == 0 {
		return core.OrderOutcome{
			Status:        core.StatusAccepted,
			LotsRequested: lots,
			LotsExecuted:  lots,
			LimitPrice:    limitPrice,
		}, nil
	}
	idx := len(b.calls) - 1
	if idx >= len(b.script) {
		idx = len(b.script) - 1
	}
	res := b.script[idx]
	res.Outcome.LotsRequested = lots
	return res.Outcome, res.Err
}

// CancelAllOrders implements core.BrokerClient.
func (b *ScriptedBroker) CancelAllOrders(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelCalls++
	return nil
}

// Calls returns a copy of the recorded order calls.
func (b *ScriptedBroker) Calls() []BrokerCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BrokerCall, len(b.calls))
	copy(out, b.calls)
	return out
}

// CancelCalls returns how many times CancelAllOrders ran.
func (b *ScriptedBroker) CancelCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelCalls
}

// PriceFunc adapts a function to both price source interfaces.
type PriceFunc func(ctx context.Context, symbol string) (decimal.Decimal, error)

// LastPrice implements core.StreamSource and core.RestSource.
func (f PriceFunc) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return f(ctx, symbol)
}

// FixedPrice returns a source that always yields price.
func FixedPrice(price decimal.Decimal) PriceFunc {
	return func(context.Context, string) (decimal.Decimal, error) {
		return price, nil
	}
}

// MemoryJournal captures journal records for assertions.
type MemoryJournal struct {
	mu      sync.Mutex
	entries []map[string]any
	flushes int
}

// Record implements core.Journal.
func (j *MemoryJournal) Record(entry map[string]any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

// Flush implements core.Journal.
func (j *MemoryJournal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.flushes++
	return nil
}

// Entries returns a copy of the recorded entries.
func (j *MemoryJournal) Entries() []map[string]any {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]map[string]any, len(j.entries))
	copy(out, j.entries)
	return out
}

// Flushes returns how many times Flush ran.
func (j *MemoryJournal) Flushes() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.flushes
}
