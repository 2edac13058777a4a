package marketdata

import (
	"context"
	"fmt"
	"time"

	alpacadata "github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	domainerrors "github.com/Hungruong/money-mate/internal/domain/errors"
	"github.com/Hungruong/money-mate/pkg/metrics"
)

// LatestTradeClient is the subset of the Alpaca market data client used here
type LatestTradeClient interface {
	GetLatestTrade(symbol string, req alpacadata.GetLatestTradeRequest) (*alpacadata.Trade, error)
}

// AlpacaConfig configures the Alpaca market data client
type AlpacaConfig struct {
	APIKey    string
	APISecret string
	BaseURL   string
}

// AlpacaPriceProvider prices symbols at their latest Alpaca trade
type AlpacaPriceProvider struct {
	client         LatestTradeClient
	circuitBreaker *gobreaker.CircuitBreaker
	logger         *zap.Logger
}

// NewAlpacaPriceProvider creates a provider backed by the Alpaca data API
func NewAlpacaPriceProvider(config AlpacaConfig, logger *zap.Logger) *AlpacaPriceProvider {
	client := alpacadata.NewClient(alpacadata.ClientOpts{
		APIKey:    config.APIKey,
		APISecret: config.APISecret,
		BaseURL:   config.BaseURL,
	})
	return NewAlpacaPriceProviderWithClient(client, logger)
}

// NewAlpacaPriceProviderWithClient wraps an existing latest-trade client
func NewAlpacaPriceProviderWithClient(client LatestTradeClient, logger *zap.Logger) *AlpacaPriceProvider {
	return &AlpacaPriceProvider{
		client:         client,
		circuitBreaker: newBreaker("AlpacaMarketData", logger),
		logger:         logger,
	}
}

// GetCurrentPrice returns the price of the most recent trade
func (p *AlpacaPriceProvider) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, domainerrors.PriceUnavailableError(symbol, err)
	}

	start := time.Now()
	result, err := p.circuitBreaker.Execute(func() (interface{}, error) {
		trade, err := p.client.GetLatestTrade(symbol, alpacadata.GetLatestTradeRequest{})
		if err != nil {
			return nil, fmt.Errorf("failed to get latest trade: %w", err)
		}
		return trade, nil
	})
	metrics.RecordExternalCall("alpaca", "latest_trade", start, err)
	if err != nil {
		p.logger.Warn("Alpaca latest trade failed", zap.String("symbol", symbol), zap.Error(err))
		return decimal.Zero, domainerrors.PriceUnavailableError(symbol, err)
	}

	trade, _ := result.(*alpacadata.Trade)
	if trade == nil || trade.Price <= 0 {
		return decimal.Zero, domainerrors.PriceUnavailableError(symbol, nil)
	}
	return decimal.NewFromFloat(trade.Price), nil
}
