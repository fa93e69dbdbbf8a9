// Package gateway submits order intents to the broker with slippage
// adjustment, per-attempt order identifiers and bounded retry with backoff.
// The gateway never mutates risk state: reconciling an outcome into the
// exposure book is the caller's responsibility.
package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"moexbot/internal/core"
	"moexbot/internal/telemetry"
)

const (
	defaultMaxRetries     = 3
	defaultAttemptTimeout = 10 * time.Second
	maxBackoff            = 2 * time.Second
)

// Gateway routes order intents to a broker client.
type Gateway struct {
	log            *zap.SugaredLogger
	broker         core.BrokerClient
	journal        core.Journal
	limiter        *rate.Limiter
	maxRetries     int
	slippageBps    decimal.Decimal
	attemptTimeout time.Duration
}

// Option configures the gateway.
type Option func(*Gateway)

// WithJournal records every submission attempt to j.
func WithJournal(j core.Journal) Option {
	return func(g *Gateway) { g.journal = j }
}

// WithMaxRetries bounds retries after the first attempt, default 3.
func WithMaxRetries(n int) Option {
	return func(g *Gateway) {
		if n >= 0 {
			g.maxRetries = n
		}
	}
}

// WithSlippageBps sets the slippage applied to limit prices, in basis
// points. Buys are pushed up, sells pushed down.
func WithSlippageBps(bps decimal.Decimal) Option {
	return func(g *Gateway) { g.slippageBps = bps }
}

// WithRateLimit caps broker submissions per second.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(g *Gateway) {
		if perSecond > 0 {
			g.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithAttemptTimeout bounds each individual broker call, default 10s.
func WithAttemptTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.attemptTimeout = d
		}
	}
}

// New creates a gateway over the given broker client.
func New(log *zap.SugaredLogger, broker core.BrokerClient, opts ...Option) *Gateway {
	g := &Gateway{
		log:            log.With("component", "gateway"),
		broker:         broker,
		journal:        core.NopJournal{},
		limiter:        rate.NewLimiter(rate.Limit(5), 10),
		maxRetries:     defaultMaxRetries,
		slippageBps:    decimal.Zero,
		attemptTimeout: defaultAttemptTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Submit places an order for lots of symbol. lots <= 0 is not an error:
// it returns a skipped outcome so signal-driven callers need no special
// casing. Transport failures and broker rejections are both retried with
// capped linear backoff; each attempt gets a fresh order id and its own
// journal record.
func (g *Gateway) Submit(ctx context.Context, side core.Side, symbol string, lots int, limitPrice decimal.Decimal) (core.OrderOutcome, error) {
	symbol = strings.ToUpper(symbol)
	if lots <= 0 {
		g.log.Debugw("submission skipped, nothing to trade", "symbol", symbol, "side", side, "lots", lots)
		return core.OrderOutcome{
			Status:        core.StatusSkipped,
			LotsRequested: lots,
		}, nil
	}
	price := g.applySlippage(side, limitPrice)

	var (
		outcome core.OrderOutcome
		lastErr error
	)
	attempts := g.maxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return core.OrderOutcome{Status: core.StatusError, LotsRequested: lots}, err
		}
		orderID := newOrderID(side, symbol, lots)

		attemptCtx, cancel := context.WithTimeout(ctx, g.attemptTimeout)
		outcome, lastErr = g.broker.PlaceOrder(attemptCtx, symbol, lots, side, price)
		cancel()

		outcome.OrderID = orderID
		outcome.LotsRequested = lots
		outcome.LimitPrice = price
		if lastErr != nil && outcome.Status == "" {
			outcome.Status = core.StatusError
			outcome.Message = lastErr.Error()
		}
		g.recordAttempt(symbol, side, lots, price, outcome, attempt, lastErr)
		telemetry.OrderAttempts.WithLabelValues(string(side), outcome.Status).Inc()

		switch {
		case lastErr != nil:
			telemetry.OrderRetries.WithLabelValues("transport").Inc()
			g.log.Warnw("order transport failure",
				"order_id", orderID, "symbol", symbol, "attempt", attempt, "error", lastErr)
		case IsRejection(outcome.Status):
			telemetry.OrderRetries.WithLabelValues("rejection").Inc()
			g.log.Warnw("order rejected by broker",
				"order_id", orderID, "symbol", symbol, "attempt", attempt,
				"status", outcome.Status, "message", outcome.Message)
		default:
			g.log.Infow("order placed",
				"order_id", orderID, "symbol", symbol, "side", side,
				"lots_requested", lots, "lots_executed", outcome.LotsExecuted,
				"price", price, "status", outcome.Status)
			return outcome, nil
		}

		if attempt == attempts {
			break
		}
		if err := sleepBackoff(ctx, attempt); err != nil {
			return outcome, err
		}
	}

	if lastErr != nil {
		return outcome, fmt.Errorf("submit %s %s x%d: %w", side, symbol, lots, lastErr)
	}
	g.log.Errorw("order failed after retries",
		"symbol", symbol, "side", side, "lots", lots, "status", outcome.Status)
	return outcome, nil
}

// CancelAll cancels every open order. Broker errors are logged and
// swallowed: dry-run configurations have no open-order concept.
func (g *Gateway) CancelAll(ctx context.Context) error {
	if err := g.broker.CancelAllOrders(ctx); err != nil {
		g.log.Warnw("cancel all orders not supported or failed", "error", err)
	}
	return nil
}

func (g *Gateway) applySlippage(side core.Side, limitPrice decimal.Decimal) decimal.Decimal {
	if !limitPrice.IsPositive() || g.slippageBps.IsZero() {
		return limitPrice
	}
	offset := limitPrice.Mul(g.slippageBps).Div(decimal.NewFromInt(10000))
	if side == core.SideBuy {
		return limitPrice.Add(offset)
	}
	return limitPrice.Sub(offset)
}

func (g *Gateway) recordAttempt(symbol string, side core.Side, lots int, price decimal.Decimal, outcome core.OrderOutcome, attempt int, err error) {
	entry := map[string]any{
		"event":         "order_attempt",
		"order_id":      outcome.OrderID,
		"symbol":        symbol,
		"side":          side,
		"lots":          lots,
		"price":         price,
		"status":        outcome.Status,
		"lots_executed": outcome.LotsExecuted,
		"attempt":       attempt,
	}
	if err != nil {
		entry["error"] = err.Error()
	}
	g.journal.Record(entry)
}

// IsRejection reports whether a broker status is a business rejection.
func IsRejection(status string) bool {
	s := strings.ToLower(status)
	return strings.Contains(s, "reject") ||
		strings.Contains(s, "cancel") ||
		strings.Contains(s, "error")
}

// newOrderID builds "{side}-{symbol}-{lots}-{suffix}". The random suffix
// keeps retried submissions of the same logical trade distinguishable.
func newOrderID(side core.Side, symbol string, lots int) string {
	return fmt.Sprintf("%s-%s-%d-%s", side, strings.ToLower(symbol), lots, uuid.NewString()[:8])
}

// sleepBackoff waits min(0.5 x attempt, 2.0) seconds, honoring ctx.
func sleepBackoff(ctx context.Context, attempt int) error {
	d := time.Duration(attempt) * 500 * time.Millisecond
	if d > maxBackoff {
		d = maxBackoff
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
