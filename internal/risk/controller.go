// Package risk evaluates position sizing, limit breaches and the daily-loss
// halt, and owns the exposure ledger. All sizing and registration decisions
// are serialized through one controller lock so concurrent entries cannot
// jointly oversize the portfolio.
package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"moexbot/internal/core"
	"moexbot/internal/ledger"
	"moexbot/internal/telemetry"
)

// Controller applies the configured Limits to every entry and tick.
type Controller struct {
	log     *zap.SugaredLogger
	limits  Limits
	book    *ledger.Ledger
	journal core.Journal
	notify  core.Notifier
	now     func() time.Time

	// mu guards equity state and serializes sizing with ledger mutation.
	// It is never held across I/O.
	mu            sync.Mutex
	equity        decimal.Decimal
	peakEquity    decimal.Decimal
	dayStart      decimal.Decimal
	haltTrading   bool
	lastEquityDay time.Time
}

// Option configures optional controller collaborators.
type Option func(*Controller)

// WithJournal records risk events to j.
func WithJournal(j core.Journal) Option {
	return func(c *Controller) { c.journal = j }
}

// WithNotifier sends breach alerts through n.
func WithNotifier(n core.Notifier) Option {
	return func(c *Controller) { c.notify = n }
}

// WithClock overrides the wall clock, used by tests for day rollover.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// NewController builds a controller around an empty ledger. Limits must
// already be validated; NewController returns the Validate error otherwise.
func NewController(log *zap.SugaredLogger, limits Limits, initialEquity decimal.Decimal, opts ...Option) (*Controller, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	limits.normalize()
	c := &Controller{
		log:     log.With("component", "risk"),
		limits:  limits,
		book:    ledger.New(),
		journal: core.NopJournal{},
		notify:  core.NopNotifier{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	now := c.now()
	c.equity = initialEquity
	c.peakEquity = initialEquity
	c.dayStart = initialEquity
	c.lastEquityDay = dateOf(now)
	return c, nil
}

// Ledger exposes the position book for read-side collaborators such as the
// monitor loop and mark-to-market.
func (c *Controller) Ledger() *ledger.Ledger { return c.book }

// Limits returns the immutable configured limits.
func (c *Controller) Limits() Limits { return c.limits }

// Halted reports whether new entries are currently suppressed.
func (c *Controller) Halted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.haltTrading
}

// Equity returns the last reported portfolio equity.
func (c *Controller) Equity() decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.equity
}

// AllowedSize returns how many lots of symbol may be opened at price.
// It returns 0 while halted or when the price is not positive.
func (c *Controller) AllowedSize(symbol string, price decimal.Decimal) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allowedSizeLocked(symbol, price)
}

func (c *Controller) allowedSizeLocked(symbol string, price decimal.Decimal) int {
	if c.haltTrading || !price.IsPositive() {
		return 0
	}
	base := c.equity.Mul(c.limits.PerTradeRiskPct).Div(price.Mul(c.limits.StopLossPct))

	positionCap := c.limits.MaxPositionPct
	maxLots := 0
	if lim, ok := c.limits.Instrument(symbol); ok {
		if lim.MaxPositionPct.IsPositive() && lim.MaxPositionPct.LessThan(positionCap) {
			positionCap = lim.MaxPositionPct
		}
		maxLots = lim.MaxLots
	}
	byPosition := c.equity.Mul(positionCap).Div(price)
	if byPosition.LessThan(base) {
		base = byPosition
	}

	remaining := c.equity.Mul(c.limits.ExposureCap()).Sub(c.book.GrossExposure())
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	byExposure := remaining.Div(price)
	if byExposure.LessThan(base) {
		base = byExposure
	}

	lots := int(base.IntPart())
	if maxLots > 0 && lots > maxLots {
		lots = maxLots
	}
	if lots < 0 {
		lots = 0
	}
	return lots
}

// RegisterEntry opens a position in the ledger after a confirmed fill.
// Quantity is signed: negative opens a short. It reports whether the
// position was accepted.
func (c *Controller) RegisterEntry(symbol string, price decimal.Decimal, quantity int, strategy string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registerLocked(symbol, price, quantity, strategy)
}

func (c *Controller) registerLocked(symbol string, price decimal.Decimal, quantity int, strategy string) bool {
	switch {
	case c.haltTrading:
		c.log.Warnw("entry rejected, trading halted", "symbol", symbol)
		return false
	case quantity == 0:
		c.log.Debugw("entry rejected, zero quantity", "symbol", symbol)
		return false
	case quantity < 0 && !c.limits.AllowShort:
		c.log.Warnw("entry rejected, shorting disabled", "symbol", symbol)
		return false
	case c.book.Len() >= c.limits.MaxPositions:
		c.log.Warnw("entry rejected, max positions reached",
			"symbol", symbol, "open", c.book.Len(), "max", c.limits.MaxPositions)
		return false
	}

	pos := ledger.Position{
		Symbol:        symbol,
		Quantity:      quantity,
		EntryPrice:    price,
		LastPrice:     price,
		StrategyOwner: strategy,
	}
	stopOffset := price.Mul(c.limits.StopLossPct)
	takeOffset := price.Mul(c.limits.TakeProfitPct)
	if quantity > 0 {
		pos.StopPrice = price.Sub(stopOffset)
		pos.TakeProfit = price.Add(takeOffset)
	} else {
		pos.StopPrice = price.Add(stopOffset)
		pos.TakeProfit = price.Sub(takeOffset)
	}
	pos.TrailingStop = pos.StopPrice
	c.book.Upsert(pos)

	c.journal.Record(map[string]any{
		"event":    "position_opened",
		"symbol":   pos.Symbol,
		"quantity": quantity,
		"price":    price,
		"stop":     pos.StopPrice,
		"take":     pos.TakeProfit,
		"strategy": strategy,
	})
	c.publishBookLocked()
	c.log.Infow("position opened",
		"symbol", symbol, "quantity", quantity, "price", price,
		"stop", pos.StopPrice, "take_profit", pos.TakeProfit)
	return true
}

// SizeAndRegister sizes an entry and registers it in one critical section,
// reserving exposure before the order is actually submitted. Callers shrink
// or remove the position afterwards if the fill differs from the request.
// It returns the registered lot count, 0 when nothing could be opened.
func (c *Controller) SizeAndRegister(symbol string, price decimal.Decimal, side core.Side, strategy string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	lots := c.allowedSizeLocked(symbol, price)
	if lots <= 0 {
		return 0
	}
	quantity := lots
	if side == core.SideSell {
		quantity = -lots
	}
	if !c.registerLocked(symbol, price, quantity, strategy) {
		return 0
	}
	return lots
}

// ReconcileFill adjusts a reserved position to the executed lot count.
// A zero fill releases the reservation entirely.
func (c *Controller) ReconcileFill(symbol string, executed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if executed <= 0 {
		if c.book.Remove(symbol) {
			c.log.Warnw("reservation released, order not filled", "symbol", symbol)
		}
		c.publishBookLocked()
		return
	}
	c.book.Update(symbol, func(pos *ledger.Position) {
		if pos.Quantity > 0 && executed < pos.Quantity {
			c.log.Warnw("partial fill, shrinking position",
				"symbol", symbol, "requested", pos.Quantity, "executed", executed)
			pos.Quantity = executed
		} else if pos.Quantity < 0 && executed < -pos.Quantity {
			c.log.Warnw("partial fill, shrinking position",
				"symbol", symbol, "requested", -pos.Quantity, "executed", executed)
			pos.Quantity = -executed
		}
	})
	c.publishBookLocked()
}

// CheckExit marks the position to price, ratchets the trailing stop in the
// profitable direction only, and reports whether a stop or take-profit
// level fired. A true return means the position was removed from the ledger.
func (c *Controller) CheckExit(symbol string, price decimal.Decimal) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	pos, ok := c.book.Get(symbol)
	if !ok {
		return false
	}
	exit := false
	var reason string
	if pos.Quantity > 0 {
		candidate := price.Mul(decimal.NewFromInt(1).Sub(c.limits.StopLossPct))
		if candidate.GreaterThan(pos.TrailingStop) {
			pos.TrailingStop = candidate
		}
		switch {
		case price.LessThanOrEqual(pos.TrailingStop):
			exit, reason = true, "trailing_stop"
		case price.GreaterThanOrEqual(pos.TakeProfit):
			exit, reason = true, "take_profit"
		}
	} else {
		candidate := price.Mul(decimal.NewFromInt(1).Add(c.limits.StopLossPct))
		if candidate.LessThan(pos.TrailingStop) {
			pos.TrailingStop = candidate
		}
		switch {
		case price.GreaterThanOrEqual(pos.TrailingStop):
			exit, reason = true, "trailing_stop"
		case price.LessThanOrEqual(pos.TakeProfit):
			exit, reason = true, "take_profit"
		}
	}
	pos.LastPrice = price
	if !exit {
		c.book.Upsert(pos)
		return false
	}
	c.book.Remove(symbol)
	c.journal.Record(map[string]any{
		"event":    "position_closed",
		"symbol":   pos.Symbol,
		"quantity": pos.Quantity,
		"entry":    pos.EntryPrice,
		"exit":     price,
		"reason":   reason,
	})
	c.publishBookLocked()
	c.log.Infow("position closed",
		"symbol", symbol, "reason", reason, "entry", pos.EntryPrice, "exit", price)
	return true
}

// UpdateEquity records mark-to-market equity. It resets the daily baseline
// and clears the halt on the first update of a new calendar day, reports
// drawdown breaches, and halts trading and clears the book on a daily-loss
// breach.
func (c *Controller) UpdateEquity(equity decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	today := dateOf(c.now())
	if today.After(c.lastEquityDay) {
		c.lastEquityDay = today
		c.dayStart = equity
		if c.haltTrading {
			c.haltTrading = false
			c.log.Infow("new trading day, halt cleared", "day_start_equity", equity)
		}
	}
	c.equity = equity
	if equity.GreaterThan(c.peakEquity) {
		c.peakEquity = equity
	}

	if c.peakEquity.IsPositive() {
		drawdown := decimal.NewFromInt(1).Sub(equity.Div(c.peakEquity))
		if drawdown.GreaterThanOrEqual(c.limits.MaxDrawdownPct) {
			telemetry.RiskLimitBreaches.WithLabelValues("max_drawdown").Inc()
			c.log.Warnw("max drawdown breached",
				"drawdown", drawdown, "limit", c.limits.MaxDrawdownPct)
			c.notify.Notify("risk: max drawdown breached: " + drawdown.StringFixed(4))
			c.journal.Record(map[string]any{
				"event":    "drawdown_breach",
				"drawdown": drawdown,
				"equity":   equity,
				"peak":     c.peakEquity,
			})
		}
	}

	if c.haltTrading || !c.dayStart.IsPositive() {
		return
	}
	dailyLoss := c.dayStart.Sub(equity).Div(c.dayStart)
	if dailyLoss.GreaterThanOrEqual(c.limits.MaxDailyLossPct) {
		telemetry.RiskLimitBreaches.WithLabelValues("max_daily_loss").Inc()
		c.haltTrading = true
		c.log.Errorw("max daily loss breached, halting and clearing book",
			"loss", dailyLoss, "limit", c.limits.MaxDailyLossPct)
		c.notify.Notify("risk: daily loss limit breached, trading halted")
		c.journal.Record(map[string]any{
			"event":     "daily_loss_halt",
			"loss":      dailyLoss,
			"equity":    equity,
			"day_start": c.dayStart,
		})
		c.clearAllLocked("daily_loss_halt")
	}
}

// ExitPosition removes symbol from the ledger, reporting whether it existed.
func (c *Controller) ExitPosition(symbol string, reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	pos, ok := c.book.Get(symbol)
	if !ok {
		return false
	}
	c.book.Remove(symbol)
	c.journal.Record(map[string]any{
		"event":    "position_closed",
		"symbol":   pos.Symbol,
		"quantity": pos.Quantity,
		"entry":    pos.EntryPrice,
		"exit":     pos.LastPrice,
		"reason":   reason,
	})
	c.publishBookLocked()
	c.log.Infow("position exited", "symbol", symbol, "reason", reason)
	return true
}

// ClearAll removes every position, returning the removed symbols.
func (c *Controller) ClearAll(reason string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clearAllLocked(reason)
}

func (c *Controller) clearAllLocked(reason string) []string {
	symbols := c.book.Clear()
	for _, symbol := range symbols {
		c.journal.Record(map[string]any{
			"event":  "position_cleared",
			"symbol": symbol,
			"reason": reason,
		})
	}
	c.publishBookLocked()
	if len(symbols) > 0 {
		c.log.Warnw("book cleared", "reason", reason, "symbols", symbols)
	}
	return symbols
}

// Summary is a point-in-time view of controller state for session reports.
type Summary struct {
	Equity        decimal.Decimal
	PeakEquity    decimal.Decimal
	DayStart      decimal.Decimal
	Drawdown      decimal.Decimal
	DailyPnL      decimal.Decimal
	Halted        bool
	OpenPositions int
	GrossExposure decimal.Decimal
}

// SessionSummary snapshots equity, drawdown and exposure state.
func (c *Controller) SessionSummary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Summary{
		Equity:        c.equity,
		PeakEquity:    c.peakEquity,
		DayStart:      c.dayStart,
		Halted:        c.haltTrading,
		OpenPositions: c.book.Len(),
		GrossExposure: c.book.GrossExposure(),
	}
	if c.peakEquity.IsPositive() {
		s.Drawdown = decimal.NewFromInt(1).Sub(c.equity.Div(c.peakEquity))
	}
	s.DailyPnL = c.equity.Sub(c.dayStart)
	return s
}

func (c *Controller) publishBookLocked() {
	telemetry.OpenPositions.Set(float64(c.book.Len()))
	gross, _ := c.book.GrossExposure().Float64()
	telemetry.GrossExposure.Set(gross)
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
