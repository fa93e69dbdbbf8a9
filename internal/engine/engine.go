// Package engine runs the live trading cycle: resolve prices, check exits,
// collect strategy signals, size and submit entries, and mark the book to
// market. One Engine instance owns all mutable session state.
package engine

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"moexbot/internal/core"
	"moexbot/internal/feed"
	"moexbot/internal/gateway"
	"moexbot/internal/ledger"
	"moexbot/internal/risk"
)

// Engine drives the per-tick trading cycle. Ticks never overlap: the loop
// waits for RunOnce to finish before scheduling the next.
type Engine struct {
	log      *zap.SugaredLogger
	prices   *feed.PriceCache
	stream   *feed.StreamListener
	ctrl     *risk.Controller
	monitor  *risk.Monitor
	gw       *gateway.Gateway
	journal  core.Journal
	notify   core.Notifier
	strats   map[string]core.Strategy
	symbols  []string
	interval string
	days     int

	cycleEvery time.Duration
	priceWait  time.Duration
	reportDir  string
	cancelExit bool

	// cashMu guards cash: both the cycle loop and monitor-driven forced
	// exits settle trades against it.
	cashMu sync.Mutex
	cash   decimal.Decimal

	cancel context.CancelFunc
	group  *errgroup.Group
}

// Params collects the engine's collaborators and session settings.
type Params struct {
	Log           *zap.SugaredLogger
	Prices        *feed.PriceCache
	Stream        *feed.StreamListener
	Controller    *risk.Controller
	Monitor       *risk.Monitor
	Gateway       *gateway.Gateway
	Journal       core.Journal
	Notifier      core.Notifier
	Strategies    map[string]core.Strategy
	Symbols       []string
	Interval      string
	HistoryDays   int
	CycleInterval time.Duration
	PriceWait     time.Duration
	InitialCash   decimal.Decimal
	ReportDir     string
	CancelOnExit  bool
}

// New wires an engine from its parts. Stream and Monitor may be nil.
func New(p Params) *Engine {
	e := &Engine{
		log:        p.Log.With("component", "engine"),
		prices:     p.Prices,
		stream:     p.Stream,
		ctrl:       p.Controller,
		monitor:    p.Monitor,
		gw:         p.Gateway,
		journal:    p.Journal,
		notify:     p.Notifier,
		strats:     p.Strategies,
		symbols:    p.Symbols,
		interval:   p.Interval,
		days:       p.HistoryDays,
		cycleEvery: p.CycleInterval,
		priceWait:  p.PriceWait,
		cash:       p.InitialCash,
		reportDir:  p.ReportDir,
		cancelExit: p.CancelOnExit,
	}
	if e.journal == nil {
		e.journal = core.NopJournal{}
	}
	if e.notify == nil {
		e.notify = core.NopNotifier{}
	}
	if e.priceWait <= 0 {
		e.priceWait = 3 * time.Second
	}
	if e.cycleEvery <= 0 {
		e.cycleEvery = time.Minute
	}
	return e
}

// SetMonitor attaches the risk monitor. The monitor needs the engine's
// ForceExit callback, so it is wired after construction.
func (e *Engine) SetMonitor(m *risk.Monitor) { e.monitor = m }

// ForceExit closes a position on the monitor's demand. It runs with its
// own timeout because the monitor loop must never block on broker I/O.
func (e *Engine) ForceExit(symbol, reason string) {
	pos, ok := e.ctrl.Ledger().Get(symbol)
	if !ok {
		return
	}
	e.ctrl.ExitPosition(symbol, reason)
	e.notify.Notify(fmt.Sprintf("risk: forced exit of %s (%s)", symbol, reason))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	price, err := e.prices.LatestPrice(symbol)
	if err != nil {
		price = pos.LastPrice
	}
	e.submitClose(ctx, pos, price)
}

// Start launches the stream listener, the risk monitor and the cycle loop.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.group, ctx = errgroup.WithContext(ctx)

	if e.stream != nil {
		e.stream.Start(ctx)
	}
	if e.monitor != nil {
		e.monitor.Start(ctx)
	}
	e.group.Go(func() error {
		ticker := time.NewTicker(e.cycleEvery)
		defer ticker.Stop()
		e.log.Infow("live cycle started",
			"symbols", e.symbols, "interval", e.cycleEvery)
		for {
			e.RunOnce(ctx)
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
}

// Stop halts background work and finalizes the session.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		_ = e.group.Wait()
	}
	if e.monitor != nil {
		e.monitor.Stop()
	}
	if e.stream != nil {
		e.stream.Stop()
	}
	e.finalize()
}

// RunOnce executes one trading sweep over every symbol, then marks the
// book to market. A symbol whose price cannot be resolved is skipped; one
// bad feed must not halt the whole cycle.
func (e *Engine) RunOnce(ctx context.Context) {
	for _, symbol := range e.symbols {
		if ctx.Err() != nil {
			return
		}
		price, ok := e.resolvePrice(ctx, symbol)
		if !ok {
			e.log.Warnw("no price this cycle, skipping symbol", "symbol", symbol)
			continue
		}
		e.runSymbol(ctx, symbol, price)
	}
	e.markToMarket()
}

func (e *Engine) runSymbol(ctx context.Context, symbol string, price decimal.Decimal) {
	if pos, open := e.ctrl.Ledger().Get(symbol); open {
		if e.ctrl.CheckExit(symbol, price) {
			e.submitClose(ctx, pos, price)
			return
		}
	}

	history, err := e.prices.LoadHistory(symbol, e.interval, e.days)
	if err != nil || history.Empty() {
		e.log.Debugw("no history, skipping signals", "symbol", symbol)
		return
	}
	for name, strat := range e.strats {
		signal := strat.Signal(history)
		if pos, open := e.ctrl.Ledger().Get(symbol); open {
			if !opposes(pos, signal) {
				continue
			}
			// the signal reversed: cover the open position, then let the
			// opposite entry size against the freed exposure
			if e.ctrl.ExitPosition(symbol, "signal_reversal") {
				e.submitClose(ctx, pos, price)
			}
		}
		e.applySignal(ctx, name, symbol, price, signal)
	}
}

func opposes(pos ledger.Position, signal int) bool {
	return (pos.Quantity > 0 && signal < 0) || (pos.Quantity < 0 && signal > 0)
}

func (e *Engine) applySignal(ctx context.Context, strategy, symbol string, price decimal.Decimal, signal int) {
	switch {
	case signal > 0:
		e.enter(ctx, strategy, symbol, price, core.SideBuy)
	case signal < 0:
		if e.ctrl.Limits().AllowShort {
			e.enter(ctx, strategy, symbol, price, core.SideSell)
		}
	}
}

// enter reserves exposure first and submits after, releasing or shrinking
// the reservation to match what actually executed. Sizing and registration
// share one critical section inside the controller, so two symbols racing
// for the same exposure budget cannot jointly oversize the book.
func (e *Engine) enter(ctx context.Context, strategy, symbol string, price decimal.Decimal, side core.Side) {
	lots := e.ctrl.SizeAndRegister(symbol, price, side, strategy)
	if lots <= 0 {
		return
	}
	outcome, err := e.gw.Submit(ctx, side, symbol, lots, price)
	if err != nil || outcome.LotsExecuted <= 0 {
		e.ctrl.ReconcileFill(symbol, 0)
		if err != nil {
			e.log.Errorw("entry failed", "symbol", symbol, "side", side, "error", err)
		}
		return
	}
	e.ctrl.ReconcileFill(symbol, outcome.LotsExecuted)

	cost := decimal.NewFromInt(int64(outcome.LotsExecuted)).Mul(outcome.LimitPrice)
	if side == core.SideBuy {
		cost = cost.Neg()
	}
	e.settle(cost)
}

func (e *Engine) settle(amount decimal.Decimal) {
	e.cashMu.Lock()
	e.cash = e.cash.Add(amount)
	e.cashMu.Unlock()
}

func (e *Engine) cashBalance() decimal.Decimal {
	e.cashMu.Lock()
	defer e.cashMu.Unlock()
	return e.cash
}

// submitClose realizes an exit that is already removed from the book.
// A failed close is alerted: the book and the broker now disagree and a
// human has to reconcile them.
func (e *Engine) submitClose(ctx context.Context, pos ledger.Position, price decimal.Decimal) {
	side := core.SideSell
	lots := pos.Quantity
	if pos.IsShort() {
		side = core.SideBuy
		lots = -lots
	}
	outcome, err := e.gw.Submit(ctx, side, pos.Symbol, lots, price)
	if err != nil || outcome.LotsExecuted <= 0 {
		e.log.Errorw("close order failed, book and broker out of sync",
			"symbol", pos.Symbol, "side", side, "lots", lots, "error", err)
		e.notify.Notify(fmt.Sprintf("close order failed for %s, manual reconciliation needed", pos.Symbol))
		return
	}
	proceeds := decimal.NewFromInt(int64(outcome.LotsExecuted)).Mul(outcome.LimitPrice)
	if side == core.SideBuy {
		proceeds = proceeds.Neg()
	}
	e.settle(proceeds)
}

func (e *Engine) resolvePrice(ctx context.Context, symbol string) (decimal.Decimal, bool) {
	if e.stream != nil {
		deadline := time.After(e.priceWait)
	wait:
		for {
			select {
			case tick, ok := <-e.stream.Ticks():
				if !ok {
					break wait
				}
				e.prices.Observe(tick.Symbol, tick.Price)
				if tick.Symbol == symbol {
					return tick.Price, true
				}
			case <-deadline:
				break wait
			case <-ctx.Done():
				return decimal.Zero, false
			}
		}
	}
	price, err := e.prices.GetPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, false
	}
	return price, true
}

// markToMarket refreshes every position's last price and reports equity
// as cash plus net position value.
func (e *Engine) markToMarket() {
	book := e.ctrl.Ledger()
	for _, pos := range book.Snapshot() {
		if price, err := e.prices.LatestPrice(pos.Symbol); err == nil {
			book.MarkPrice(pos.Symbol, price)
		}
	}
	equity := e.cashBalance().Add(book.NetExposure())
	e.ctrl.UpdateEquity(equity)
}

// finalize flushes the journal, writes the session report and emits the
// closing notification.
func (e *Engine) finalize() {
	e.prices.DisableNetwork()
	if e.cancelExit {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = e.gw.CancelAll(ctx)
		cancel()
	}
	if err := e.journal.Flush(); err != nil {
		e.log.Errorw("journal flush failed", "error", err)
	}

	summary := e.ctrl.SessionSummary()
	if path, err := e.writeReport(summary); err != nil {
		e.log.Errorw("session report failed", "error", err)
	} else if path != "" {
		e.log.Infow("session report written", "path", path)
	}
	e.notify.Notify(fmt.Sprintf(
		"session closed: equity=%s pnl=%s open=%d halted=%v",
		summary.Equity.StringFixed(2), summary.DailyPnL.StringFixed(2),
		summary.OpenPositions, summary.Halted))
	e.log.Infow("session closed",
		"equity", summary.Equity, "daily_pnl", summary.DailyPnL,
		"drawdown", summary.Drawdown, "open_positions", summary.OpenPositions,
		"halted", summary.Halted)
}

func (e *Engine) writeReport(s risk.Summary) (string, error) {
	if e.reportDir == "" {
		return "", nil
	}
	if err := os.MkdirAll(e.reportDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(e.reportDir,
		fmt.Sprintf("session_%s.csv", time.Now().Format("20060102_150405")))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	rows := [][]string{
		{"equity", "peak_equity", "day_start", "drawdown", "daily_pnl", "gross_exposure", "open_positions", "halted"},
		{
			s.Equity.StringFixed(2), s.PeakEquity.StringFixed(2),
			s.DayStart.StringFixed(2), s.Drawdown.StringFixed(4),
			s.DailyPnL.StringFixed(2), s.GrossExposure.StringFixed(2),
			fmt.Sprintf("%d", s.OpenPositions), fmt.Sprintf("%v", s.Halted),
		},
	}
	if err := w.WriteAll(rows); err != nil {
		return "", err
	}
	w.Flush()
	return path, w.Error()
}
