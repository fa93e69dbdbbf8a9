package feed

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RestQuoteClient polls a quotes endpoint for last prices. A circuit
// breaker shields the feed from a flapping upstream: while open, lookups
// fail fast and the price cache falls through to its next layer.
type RestQuoteClient struct {
	client  *resty.Client
	breaker circuitbreaker.CircuitBreaker[decimal.Decimal]
	logger  *zap.SugaredLogger
}

type quoteResponse struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

// NewRestQuoteClient creates a client for the given base URL, e.g. the
// broker's market data REST endpoint.
func NewRestQuoteClient(baseURL string, timeout time.Duration, logger *zap.SugaredLogger) *RestQuoteClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	breaker := circuitbreaker.NewBuilder[decimal.Decimal]().
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	return &RestQuoteClient{
		client:  resty.New().SetBaseURL(baseURL).SetTimeout(timeout),
		breaker: breaker,
		logger:  logger.With("component", "rest_quotes"),
	}
}

// LastPrice implements core.RestSource.
func (rc *RestQuoteClient) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	symbol = strings.ToUpper(symbol)
	return failsafe.With[decimal.Decimal](rc.breaker).WithContext(ctx).Get(
		func() (decimal.Decimal, error) {
			return rc.fetch(ctx, symbol)
		})
}

func (rc *RestQuoteClient) fetch(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var quote quoteResponse
	resp, err := rc.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&quote).
		Get("/quotes/last")
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch quote for %s: %w", symbol, err)
	}
	if resp.IsError() {
		return decimal.Zero, fmt.Errorf("quote request for %s failed: status=%d", symbol, resp.StatusCode())
	}
	if !quote.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive quote for %s: %s", symbol, quote.Price)
	}
	return quote.Price, nil
}
