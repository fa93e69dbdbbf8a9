package risk

import (
	"context"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"moexbot/internal/ledger"
	"moexbot/internal/telemetry"
)

// ForceExitFunc is invoked by the monitor when a position breaches an
// instrument or asset-class limit. Actual order placement is the caller's
// concern; the monitor never mutates the ledger itself.
type ForceExitFunc func(symbol, reason string)

// Monitor periodically re-scans every open position against instrument and
// asset-class limits on its own schedule, independent of the trading cycle.
type Monitor struct {
	log       *zap.SugaredLogger
	ctrl      *Controller
	interval  time.Duration
	forceExit ForceExitFunc
	pool      *pond.WorkerPool

	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	breached map[string]bool
}

// MonitorOption configures the monitor.
type MonitorOption func(*Monitor)

// WithInterval overrides the scan interval, default 5s.
func WithInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// NewMonitor builds a monitor over the controller's ledger. forceExit may
// be nil, in which case breaches are only logged and counted.
func NewMonitor(log *zap.SugaredLogger, ctrl *Controller, forceExit ForceExitFunc, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		log:       log.With("component", "risk_monitor"),
		ctrl:      ctrl,
		interval:  5 * time.Second,
		forceExit: forceExit,
		pool:      pond.New(4, 64),
		breached:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the scan loop. Call Stop to shut it down.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		m.log.Infow("monitor started", "interval", m.interval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Scan()
			}
		}
	}()
}

// Stop cancels the loop and waits for in-flight scan work to drain.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	m.pool.StopAndWait()
	m.log.Info("monitor stopped")
}

// Scan evaluates every open position once. Exposed for tests and for a
// final sweep at session end.
func (m *Monitor) Scan() {
	positions := m.ctrl.Ledger().Snapshot()
	m.pruneBreaches(positions)
	if len(positions) == 0 {
		return
	}
	equity := m.ctrl.Equity()
	limits := m.ctrl.Limits()

	classExposure := make(map[string]decimal.Decimal)
	for _, pos := range positions {
		if name, _, ok := limits.ClassFor(pos.Symbol); ok {
			classExposure[name] = classExposure[name].Add(pos.MarketValue())
		}
	}

	group := m.pool.Group()
	for _, pos := range positions {
		pos := pos
		group.Submit(func() {
			m.evaluate(pos, equity, limits, classExposure[classNameFor(limits, pos.Symbol)])
		})
	}
	group.Wait()
}

func (m *Monitor) evaluate(pos ledger.Position, equity decimal.Decimal, limits Limits, classTotal decimal.Decimal) {
	value := pos.MarketValue()

	if lim, ok := limits.Instrument(pos.Symbol); ok {
		if lim.MaxLots > 0 && abs(pos.Quantity) > lim.MaxLots {
			m.breach(pos.Symbol, "instrument_limit",
				"lot cap exceeded", "lots", abs(pos.Quantity), "max_lots", lim.MaxLots)
			return
		}
		if lim.MaxLeverage.IsPositive() && equity.IsPositive() &&
			value.GreaterThan(equity.Mul(lim.MaxLeverage)) {
			m.breach(pos.Symbol, "instrument_limit",
				"instrument leverage exceeded", "value", value, "max_leverage", lim.MaxLeverage)
			return
		}
	}

	name, classLim, ok := limits.ClassFor(pos.Symbol)
	if !ok || !equity.IsPositive() {
		m.clearBreach(pos.Symbol)
		return
	}
	if classLim.MaxExposurePct.IsPositive() &&
		classTotal.GreaterThan(equity.Mul(classLim.MaxExposurePct)) {
		m.breach(pos.Symbol, "class_limit",
			"asset class exposure exceeded", "class", name,
			"exposure", classTotal, "max_exposure_pct", classLim.MaxExposurePct)
		return
	}
	if classLim.MaxLeverage.IsPositive() &&
		classTotal.GreaterThan(equity.Mul(classLim.MaxLeverage)) {
		m.breach(pos.Symbol, "class_limit",
			"asset class leverage exceeded", "class", name,
			"exposure", classTotal, "max_leverage", classLim.MaxLeverage)
		return
	}
	m.clearBreach(pos.Symbol)
}

// breach fires the force-exit callback at most once per breached symbol
// until the breach clears, so a slow exit is not re-requested every scan.
func (m *Monitor) breach(symbol, reason, msg string, kv ...any) {
	m.mu.Lock()
	already := m.breached[symbol]
	m.breached[symbol] = true
	m.mu.Unlock()
	if already {
		return
	}
	telemetry.RiskLimitBreaches.WithLabelValues(reason).Inc()
	telemetry.ForcedExits.WithLabelValues(symbol).Inc()
	m.log.Warnw(msg, append([]any{"symbol", symbol, "reason", reason}, kv...)...)
	if m.forceExit != nil {
		m.forceExit(symbol, reason)
	}
}

// pruneBreaches drops marks for symbols no longer held, so a position
// re-entered after a force exit is evaluated fresh.
func (m *Monitor) pruneBreaches(positions []ledger.Position) {
	held := make(map[string]bool, len(positions))
	for _, pos := range positions {
		held[pos.Symbol] = true
	}
	m.mu.Lock()
	for symbol := range m.breached {
		if !held[symbol] {
			delete(m.breached, symbol)
		}
	}
	m.mu.Unlock()
}

func (m *Monitor) clearBreach(symbol string) {
	m.mu.Lock()
	delete(m.breached, symbol)
	m.mu.Unlock()
}

func classNameFor(limits Limits, symbol string) string {
	name, _, _ := limits.ClassFor(symbol)
	return name
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
