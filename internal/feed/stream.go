package feed

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"moexbot/internal/core"
	"moexbot/internal/telemetry"
)

// ErrNoStreamedPrice is returned when the stream has not yet seen a
// usable tick for a symbol.
var ErrNoStreamedPrice = errors.New("no streamed price for symbol")

// streamTick is the wire format of one last-price message.
type streamTick struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

// StreamListener maintains a websocket subscription for last prices and
// fans ticks into a bounded channel. When the channel is full the tick is
// dropped: backpressure favors freshness over completeness. It also keeps
// the latest tick per symbol so it can serve as a core.StreamSource.
type StreamListener struct {
	url           string
	symbols       []string
	logger        *zap.SugaredLogger
	reconnectWait time.Duration
	staleAfter    time.Duration

	ticks chan core.PriceTick

	mu   sync.RWMutex
	last map[string]core.PriceTick

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// StreamOption configures the listener.
type StreamOption func(*StreamListener)

// WithStaleAfter overrides the staleness window for served ticks,
// default 30s.
func WithStaleAfter(d time.Duration) StreamOption {
	return func(sl *StreamListener) {
		if d > 0 {
			sl.staleAfter = d
		}
	}
}

// NewStreamListener creates a listener for the given endpoint and symbols.
// bufferSize bounds the tick channel.
func NewStreamListener(url string, symbols []string, bufferSize int, logger *zap.SugaredLogger, opts ...StreamOption) *StreamListener {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	upper := make([]string, len(symbols))
	for i, s := range symbols {
		upper[i] = strings.ToUpper(s)
	}
	sl := &StreamListener{
		url:           url,
		symbols:       upper,
		logger:        logger.With("component", "stream_listener"),
		reconnectWait: 5 * time.Second,
		staleAfter:    30 * time.Second,
		ticks:         make(chan core.PriceTick, bufferSize),
		last:          make(map[string]core.PriceTick),
	}
	for _, opt := range opts {
		opt(sl)
	}
	return sl
}

// Ticks returns the bounded channel of streamed price updates.
func (sl *StreamListener) Ticks() <-chan core.PriceTick {
	return sl.ticks
}

// LastPrice implements core.StreamSource from the latest tick per symbol.
// A tick older than the staleness window is not served; the caller falls
// through to the next source.
func (sl *StreamListener) LastPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	sl.mu.RLock()
	tick, ok := sl.last[strings.ToUpper(symbol)]
	sl.mu.RUnlock()
	if !ok || time.Since(tick.Time) > sl.staleAfter {
		return decimal.Zero, ErrNoStreamedPrice
	}
	return tick.Price, nil
}

// Start launches the read loop with automatic reconnection.
func (sl *StreamListener) Start(ctx context.Context) {
	ctx, sl.cancel = context.WithCancel(ctx)
	sl.wg.Add(1)
	go sl.runLoop(ctx)
}

// Stop terminates the read loop and waits for it to exit.
func (sl *StreamListener) Stop() {
	if sl.cancel != nil {
		sl.cancel()
	}
	done := make(chan struct{})
	go func() {
		sl.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		sl.logger.Warn("stream listener stop timed out")
	}
}

func (sl *StreamListener) runLoop(ctx context.Context) {
	defer sl.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		if err := sl.connectAndRead(ctx); err != nil && ctx.Err() == nil {
			sl.logger.Warnw("stream disconnected, reconnecting",
				"error", err, "wait", sl.reconnectWait)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sl.reconnectWait):
		}
	}
}

func (sl *StreamListener) connectAndRead(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, sl.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{
		"method":  "subscribe",
		"symbols": sl.symbols,
	}); err != nil {
		return err
	}
	sl.logger.Infow("stream connected", "symbols", sl.symbols)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		sl.handleMessage(message)
	}
}

func (sl *StreamListener) handleMessage(message []byte) {
	var tick streamTick
	if err := json.Unmarshal(message, &tick); err != nil {
		sl.logger.Debugw("discarding malformed stream message", "error", err)
		return
	}
	if tick.Symbol == "" || !tick.Price.IsPositive() {
		return
	}

	update := core.PriceTick{
		Symbol: strings.ToUpper(tick.Symbol),
		Price:  tick.Price,
		Time:   time.Now(),
	}
	sl.mu.Lock()
	sl.last[update.Symbol] = update
	sl.mu.Unlock()

	select {
	case sl.ticks <- update:
	default:
		telemetry.StreamDropped.Inc()
	}
}
