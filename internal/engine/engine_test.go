package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moexbot/internal/core"
	"moexbot/internal/feed"
	"moexbot/internal/gateway"
	"moexbot/internal/logging"
	"moexbot/internal/mock"
	"moexbot/internal/risk"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

type fixedStore struct{ series core.Series }

func (s fixedStore) LoadHistory(symbol, _ string, _ int) (core.Series, error) {
	if symbol != "SBER" {
		return nil, nil
	}
	return s.series, nil
}

type movingPrice struct {
	mu      sync.Mutex
	price   decimal.Decimal
	failFor string
}

func (p *movingPrice) set(v decimal.Decimal) {
	p.mu.Lock()
	p.price = v
	p.mu.Unlock()
}

func (p *movingPrice) LastPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failFor != "" && symbol == p.failFor {
		return decimal.Zero, errors.New("no quote")
	}
	return p.price, nil
}

type harness struct {
	engine *Engine
	ctrl   *risk.Controller
	broker *mock.ScriptedBroker
	price  *movingPrice
}

func always(signal int) core.Strategy {
	return core.StrategyFunc(func(core.Series) int { return signal })
}

func newHarness(t *testing.T, signal int) *harness {
	t.Helper()
	log := logging.Nop()

	price := &movingPrice{price: d(100)}
	store := fixedStore{series: core.Series{{Time: time.Now(), Close: d(100)}}}
	prices := feed.NewPriceCache(store, log,
		feed.WithRest(price),
		feed.WithCacheTTL(time.Nanosecond))

	limits := risk.DefaultLimits()
	limits.PerTradeRiskPct = d(0.01)
	limits.StopLossPct = d(0.05)
	limits.TakeProfitPct = d(0.1)
	limits.MaxPositionPct = d(0.02)
	ctrl, err := risk.NewController(log, limits, d(100_000))
	require.NoError(t, err)

	broker := mock.NewScriptedBroker()
	gw := gateway.New(log, broker, gateway.WithRateLimit(10_000, 100))

	eng := New(Params{
		Log:         log,
		Prices:      prices,
		Controller:  ctrl,
		Gateway:     gw,
		Strategies:  map[string]core.Strategy{"test": always(signal)},
		Symbols:     []string{"SBER"},
		Interval:    "hour",
		HistoryDays: 90,
		InitialCash: d(100_000),
	})
	return &harness{engine: eng, ctrl: ctrl, broker: broker, price: price}
}

func TestRunOnceOpensPositionOnLongSignal(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1)

	h.engine.RunOnce(context.Background())

	pos, ok := h.ctrl.Ledger().Get("SBER")
	require.True(t, ok)
	// risk base is 200 lots, capped at 2% of equity -> 20 lots at 100
	assert.Equal(t, 20, pos.Quantity)

	calls := h.broker.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, core.SideBuy, calls[0].Side)
	assert.Equal(t, 20, calls[0].Lots)

	// entry is cash-neutral at the entry price
	assert.True(t, h.ctrl.Equity().Equal(d(100_000)), "equity=%s", h.ctrl.Equity())
}

func TestRunOnceHoldsOnFlatSignal(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 0)

	h.engine.RunOnce(context.Background())

	assert.Equal(t, 0, h.ctrl.Ledger().Len())
	assert.Empty(t, h.broker.Calls())
}

func TestRunOnceIgnoresShortSignalWhenShortingDisabled(t *testing.T) {
	t.Parallel()
	h := newHarness(t, -1)

	h.engine.RunOnce(context.Background())

	assert.Equal(t, 0, h.ctrl.Ledger().Len())
	assert.Empty(t, h.broker.Calls())
}

func TestRunOnceExitsOnStopLoss(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1)
	h.engine.RunOnce(context.Background())
	require.Equal(t, 1, h.ctrl.Ledger().Len())

	h.price.set(d(94))
	h.engine.RunOnce(context.Background())

	assert.Equal(t, 0, h.ctrl.Ledger().Len(), "stop at 95 must close the position")
	calls := h.broker.Calls()
	require.Len(t, calls, 2, "entry then closing sell")
	assert.Equal(t, core.SideSell, calls[1].Side)
	assert.Equal(t, 20, calls[1].Lots)

	// 20 lots bought at 100, sold at 94: equity down by 120
	assert.True(t, h.ctrl.Equity().Equal(d(99_880)), "equity=%s", h.ctrl.Equity())
}

func TestRunOnceReleasesReservationOnRejectedOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1)
	rejected := mock.ScriptedResult{
		Outcome: core.OrderOutcome{Status: core.StatusRejected, Message: "margin"},
	}
	h.broker = mock.NewScriptedBroker(rejected)
	h.engine.gw = gateway.New(logging.Nop(), h.broker,
		gateway.WithMaxRetries(0), gateway.WithRateLimit(10_000, 100))

	h.engine.RunOnce(context.Background())

	assert.Equal(t, 0, h.ctrl.Ledger().Len(),
		"a rejected entry must not leave reserved exposure behind")
}

func TestRunOncePartialFillShrinksPosition(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1)
	partial := mock.ScriptedResult{
		Outcome: core.OrderOutcome{Status: core.StatusAccepted, LotsExecuted: 7},
	}
	h.broker = mock.NewScriptedBroker(partial)
	h.engine.gw = gateway.New(logging.Nop(), h.broker, gateway.WithRateLimit(10_000, 100))

	h.engine.RunOnce(context.Background())

	pos, ok := h.ctrl.Ledger().Get("SBER")
	require.True(t, ok)
	assert.Equal(t, 7, pos.Quantity)
}

func TestRunOnceReversesOnOppositeSignal(t *testing.T) {
	t.Parallel()
	log := logging.Nop()
	price := &movingPrice{price: d(100)}
	store := fixedStore{series: core.Series{{Time: time.Now(), Close: d(100)}}}
	prices := feed.NewPriceCache(store, log,
		feed.WithRest(price),
		feed.WithCacheTTL(time.Nanosecond))

	limits := risk.DefaultLimits()
	limits.PerTradeRiskPct = d(0.01)
	limits.StopLossPct = d(0.05)
	limits.TakeProfitPct = d(0.1)
	limits.MaxPositionPct = d(0.02)
	limits.AllowShort = true
	ctrl, err := risk.NewController(log, limits, d(100_000))
	require.NoError(t, err)

	var signal atomic.Int32
	signal.Store(1)
	flipping := core.StrategyFunc(func(core.Series) int { return int(signal.Load()) })

	b := mock.NewScriptedBroker()
	eng := New(Params{
		Log:         log,
		Prices:      prices,
		Controller:  ctrl,
		Gateway:     gateway.New(log, b, gateway.WithRateLimit(10_000, 100)),
		Strategies:  map[string]core.Strategy{"flip": flipping},
		Symbols:     []string{"SBER"},
		Interval:    "hour",
		HistoryDays: 90,
		InitialCash: d(100_000),
	})

	eng.RunOnce(context.Background())
	pos, ok := ctrl.Ledger().Get("SBER")
	require.True(t, ok)
	require.Equal(t, 20, pos.Quantity)

	signal.Store(-1)
	eng.RunOnce(context.Background())

	pos, ok = ctrl.Ledger().Get("SBER")
	require.True(t, ok, "the reversal must leave a position open")
	assert.Equal(t, -20, pos.Quantity, "long covered and flipped short")

	calls := b.Calls()
	require.Len(t, calls, 3, "entry, covering sell, short entry")
	assert.Equal(t, core.SideSell, calls[1].Side)
	assert.Equal(t, core.SideSell, calls[2].Side)
}

func TestForceExitClosesAndSubmits(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1)
	h.engine.RunOnce(context.Background())
	require.Equal(t, 1, h.ctrl.Ledger().Len())

	h.engine.ForceExit("SBER", "instrument_limit")

	assert.Equal(t, 0, h.ctrl.Ledger().Len())
	calls := h.broker.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, core.SideSell, calls[1].Side)
}

func TestHaltBlocksNewEntries(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1)

	// crash the mark well past the daily-loss limit before any entry
	h.ctrl.UpdateEquity(d(100_000))
	h.ctrl.UpdateEquity(d(80_000))
	require.True(t, h.ctrl.Halted())

	h.engine.RunOnce(context.Background())

	assert.Equal(t, 0, h.ctrl.Ledger().Len())
	assert.Empty(t, h.broker.Calls())
}

func TestRunOnceSkipsSymbolWithoutPrice(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1)
	h.price.failFor = "BAD"
	h.engine.symbols = []string{"BAD", "SBER"}

	h.engine.RunOnce(context.Background())

	// BAD has no price from any layer and is skipped; SBER still trades
	_, ok := h.ctrl.Ledger().Get("BAD")
	assert.False(t, ok)
	_, ok = h.ctrl.Ledger().Get("SBER")
	assert.True(t, ok)
}
