// Package feed provides resilient market data retrieval with multi-source
// fallback and bounded-TTL caching.
package feed

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"moexbot/internal/core"
	"moexbot/internal/telemetry"
)

// ErrPriceUnavailable is returned when every source, cache layer and the
// historical store failed to produce a usable price.
var ErrPriceUnavailable = errors.New("price unavailable from all sources")

// Validator decides whether an upstream price is usable. Invalid prices
// are discarded and the next source is tried.
type Validator func(price decimal.Decimal) bool

func defaultValidator(price decimal.Decimal) bool {
	return price.IsPositive()
}

type cacheEntry struct {
	price      decimal.Decimal
	observedAt time.Time
}

type historyKey struct {
	symbol   string
	interval string
	days     int
}

type historyEntry struct {
	series     core.Series
	observedAt time.Time
}

// PriceCache resolves last prices with fallback across a streaming source,
// a REST source, the local cache (fresh, then stale) and the historical
// store, in that order. A failure in one source never prevents trying the
// next; only total exhaustion yields ErrPriceUnavailable.
type PriceCache struct {
	stream    core.StreamSource
	rest      core.RestSource
	store     core.HistoryStore
	validator Validator
	logger    *zap.SugaredLogger

	cacheTTL        time.Duration
	historyCacheTTL time.Duration
	interval        string
	historyDays     int

	mu           sync.RWMutex
	enabled      bool
	cache        map[string]cacheEntry
	historyCache map[historyKey]historyEntry
}

// Option configures a PriceCache.
type Option func(*PriceCache)

// WithStream sets the streaming price source.
func WithStream(s core.StreamSource) Option {
	return func(pc *PriceCache) { pc.stream = s }
}

// WithRest sets the REST/polling price source.
func WithRest(r core.RestSource) Option {
	return func(pc *PriceCache) { pc.rest = r }
}

// WithValidator replaces the default price > 0 check.
func WithValidator(v Validator) Option {
	return func(pc *PriceCache) { pc.validator = v }
}

// WithCacheTTL sets the freshness window for cached quotes.
func WithCacheTTL(ttl time.Duration) Option {
	return func(pc *PriceCache) { pc.cacheTTL = ttl }
}

// WithHistoryCacheTTL sets the freshness window for cached history series.
func WithHistoryCacheTTL(ttl time.Duration) Option {
	return func(pc *PriceCache) { pc.historyCacheTTL = ttl }
}

// WithHistoryWindow sets the candle interval and lookback used when
// falling back to the last historical close.
func WithHistoryWindow(interval string, days int) Option {
	return func(pc *PriceCache) {
		if interval != "" {
			pc.interval = interval
		}
		if days > 0 {
			pc.historyDays = days
		}
	}
}

// NewPriceCache creates a cache backed by the given historical store.
func NewPriceCache(store core.HistoryStore, logger *zap.SugaredLogger, opts ...Option) *PriceCache {
	pc := &PriceCache{
		store:           store,
		validator:       defaultValidator,
		logger:          logger.With("component", "price_cache"),
		cacheTTL:        5 * time.Second,
		historyCacheTTL: 5 * time.Minute,
		interval:        "hour",
		historyDays:     90,
		enabled:         true,
		cache:           make(map[string]cacheEntry),
		historyCache:    make(map[historyKey]historyEntry),
	}
	for _, opt := range opts {
		opt(pc)
	}
	return pc
}

// EnableNetwork re-enables the stream and REST sources.
func (pc *PriceCache) EnableNetwork() {
	pc.mu.Lock()
	pc.enabled = true
	pc.mu.Unlock()
}

// DisableNetwork forces resolution straight to cache and history, used
// during shutdown or a manual pause.
func (pc *PriceCache) DisableNetwork() {
	pc.mu.Lock()
	pc.enabled = false
	pc.mu.Unlock()
}

// InvalidateCache drops cached quotes and history for symbol, or for
// every symbol when symbol is empty.
func (pc *PriceCache) InvalidateCache(symbol string) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if symbol == "" {
		pc.cache = make(map[string]cacheEntry)
		pc.historyCache = make(map[historyKey]historyEntry)
		return
	}
	symbol = strings.ToUpper(symbol)
	delete(pc.cache, symbol)
	for key := range pc.historyCache {
		if key.symbol == symbol {
			delete(pc.historyCache, key)
		}
	}
}

// GetPrice resolves the most recent usable price for symbol.
func (pc *PriceCache) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	symbol = strings.ToUpper(symbol)

	pc.mu.RLock()
	enabled := pc.enabled
	pc.mu.RUnlock()

	if enabled {
		if price, ok := pc.fromSource(ctx, "stream", pc.streamSource(), symbol); ok {
			pc.updateCache(symbol, price)
			return price, nil
		}
		if price, ok := pc.fromSource(ctx, "rest", pc.restSource(), symbol); ok {
			pc.updateCache(symbol, price)
			return price, nil
		}
	}

	if price, ok := pc.cached(symbol, false); ok {
		telemetry.PriceFallbacks.WithLabelValues("fresh_cache").Inc()
		return price, nil
	}
	if price, ok := pc.cached(symbol, true); ok {
		telemetry.PriceFallbacks.WithLabelValues("stale_cache").Inc()
		pc.logger.Debugw("returning stale cached price", "symbol", symbol)
		return price, nil
	}

	if price, ok := pc.lastClose(symbol); ok {
		telemetry.PriceFallbacks.WithLabelValues("history").Inc()
		return price, nil
	}
	return decimal.Zero, ErrPriceUnavailable
}

// LatestPrice resolves a price preferring the cache over network sources,
// used for mark-to-market where freshness matters less than availability.
func (pc *PriceCache) LatestPrice(symbol string) (decimal.Decimal, error) {
	symbol = strings.ToUpper(symbol)
	if price, ok := pc.cached(symbol, true); ok {
		return price, nil
	}
	if price, ok := pc.lastClose(symbol); ok {
		return price, nil
	}
	return decimal.Zero, ErrPriceUnavailable
}

// LatestPrices resolves prices for several symbols; unresolvable symbols
// are absent from the result.
func (pc *PriceCache) LatestPrices(symbols []string) map[string]decimal.Decimal {
	result := make(map[string]decimal.Decimal, len(symbols))
	for _, symbol := range symbols {
		if price, err := pc.LatestPrice(symbol); err == nil {
			result[strings.ToUpper(symbol)] = price
		}
	}
	return result
}

// LoadHistory reads the candle series for symbol through the history
// cache. Re-parsing a file per tick is wasteful, so series are cached
// with a longer TTL than quotes.
func (pc *PriceCache) LoadHistory(symbol, interval string, days int) (core.Series, error) {
	key := historyKey{symbol: strings.ToUpper(symbol), interval: interval, days: days}

	pc.mu.RLock()
	entry, ok := pc.historyCache[key]
	pc.mu.RUnlock()
	if ok && time.Since(entry.observedAt) <= pc.historyCacheTTL {
		return entry.series, nil
	}

	series, err := pc.store.LoadHistory(key.symbol, interval, days)
	if err != nil {
		telemetry.PriceSourceFailures.WithLabelValues("history").Inc()
		return nil, err
	}
	pc.mu.Lock()
	pc.historyCache[key] = historyEntry{series: series, observedAt: time.Now()}
	pc.mu.Unlock()
	return series, nil
}

type priceSource interface {
	LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

func (pc *PriceCache) streamSource() priceSource {
	if pc.stream == nil {
		return nil
	}
	return pc.stream
}

func (pc *PriceCache) restSource() priceSource {
	if pc.rest == nil {
		return nil
	}
	return pc.rest
}

func (pc *PriceCache) fromSource(ctx context.Context, name string, source priceSource, symbol string) (decimal.Decimal, bool) {
	if source == nil {
		return decimal.Zero, false
	}
	price, err := source.LastPrice(ctx, symbol)
	if err != nil {
		telemetry.PriceSourceFailures.WithLabelValues(name).Inc()
		pc.logger.Debugw("price source failed", "source", name, "symbol", symbol, "error", err)
		return decimal.Zero, false
	}
	if !pc.validator(price) {
		pc.logger.Warnw("discarded invalid upstream price",
			"source", name, "symbol", symbol, "price", price.String())
		return decimal.Zero, false
	}
	return price, true
}

func (pc *PriceCache) cached(symbol string, allowStale bool) (decimal.Decimal, bool) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	entry, ok := pc.cache[symbol]
	if !ok {
		return decimal.Zero, false
	}
	if allowStale || time.Since(entry.observedAt) <= pc.cacheTTL {
		return entry.price, true
	}
	return decimal.Zero, false
}

func (pc *PriceCache) updateCache(symbol string, price decimal.Decimal) {
	pc.mu.Lock()
	pc.cache[symbol] = cacheEntry{price: price, observedAt: time.Now()}
	pc.mu.Unlock()
}

// Observe records an externally received price (e.g. a streamed tick)
// into the quote cache after validation.
func (pc *PriceCache) Observe(symbol string, price decimal.Decimal) {
	if !pc.validator(price) {
		return
	}
	pc.updateCache(strings.ToUpper(symbol), price)
}

func (pc *PriceCache) lastClose(symbol string) (decimal.Decimal, bool) {
	series, err := pc.LoadHistory(symbol, pc.interval, pc.historyDays)
	if err != nil || series.Empty() {
		return decimal.Zero, false
	}
	price, ok := series.LastClose()
	if !ok || !pc.validator(price) {
		return decimal.Zero, false
	}
	return price, true
}
