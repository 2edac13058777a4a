// Package marketdata provides the price sources used by the trading engine.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	domainerrors "github.com/Hungruong/money-mate/internal/domain/errors"
	"github.com/Hungruong/money-mate/pkg/metrics"
)

const defaultTimeout = 10 * time.Second

// AlphaVantageConfig configures the Alpha Vantage GLOBAL_QUOTE client
type AlphaVantageConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// AlphaVantageClient reads the latest traded price from Alpha Vantage
type AlphaVantageClient struct {
	config         AlphaVantageConfig
	httpClient     *http.Client
	circuitBreaker *gobreaker.CircuitBreaker
	logger         *zap.Logger
}

type globalQuoteResponse struct {
	GlobalQuote map[string]string `json:"Global Quote"`
	Note        string            `json:"Note"`
	Information string            `json:"Information"`
	ErrorMsg    string            `json:"Error Message"`
}

// NewAlphaVantageClient creates a new Alpha Vantage price client
func NewAlphaVantageClient(config AlphaVantageConfig, logger *zap.Logger) *AlphaVantageClient {
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	if config.BaseURL == "" {
		config.BaseURL = "https://www.alphavantage.co/query"
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	return &AlphaVantageClient{
		config:         config,
		httpClient:     &http.Client{Timeout: config.Timeout},
		circuitBreaker: newBreaker("AlphaVantage", logger),
		logger:         logger,
	}
}

// GetCurrentPrice returns the "05. price" field of the symbol's global quote.
// Empty quotes and rate-limit notes are reported as missing prices.
func (c *AlphaVantageClient) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	start := time.Now()
	result, err := c.circuitBreaker.Execute(func() (interface{}, error) {
		return c.fetchQuote(ctx, symbol)
	})
	metrics.RecordExternalCall("alphavantage", "global_quote", start, err)
	if err != nil {
		c.logger.Warn("Alpha Vantage quote failed", zap.String("symbol", symbol), zap.Error(err))
		return decimal.Zero, domainerrors.PriceUnavailableError(symbol, err)
	}
	price := result.(decimal.Decimal)
	if !price.IsPositive() {
		c.logger.Debug("Alpha Vantage returned no quote", zap.String("symbol", symbol))
		return decimal.Zero, domainerrors.PriceUnavailableError(symbol, nil)
	}
	return price, nil
}

func (c *AlphaVantageClient) fetchQuote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("function", "GLOBAL_QUOTE")
	params.Set("symbol", symbol)
	params.Set("apikey", c.config.APIKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return decimal.Zero, fmt.Errorf("alpha vantage returned status %d", resp.StatusCode)
	}

	var quote globalQuoteResponse
	if err := json.Unmarshal(body, &quote); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode quote: %w", err)
	}

	// throttled and unknown-symbol answers are 200s without a quote; they
	// must not trip the breaker
	if quote.Note != "" || quote.Information != "" {
		return decimal.Zero, nil
	}
	raw, ok := quote.GlobalQuote["05. price"]
	if !ok || raw == "" {
		return decimal.Zero, nil
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid price %q: %w", raw, err)
	}
	return price, nil
}

func newBreaker(name string, logger *zap.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}
