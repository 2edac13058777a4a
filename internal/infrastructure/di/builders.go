package di

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Hungruong/money-mate/internal/adapters/marketdata"
	"github.com/Hungruong/money-mate/internal/adapters/notification"
	"github.com/Hungruong/money-mate/internal/adapters/userservice"
	"github.com/Hungruong/money-mate/internal/domain/services/autotrading"
	"github.com/Hungruong/money-mate/internal/infrastructure/cache"
	"github.com/Hungruong/money-mate/internal/infrastructure/config"
)

// simulatedStepPct bounds each simulated price move
const simulatedStepPct = 2.0

// adapterBuilder builds the clients for the services the engine depends on
type adapterBuilder struct {
	cfg    *config.Config
	redis  cache.RedisClient
	logger *zap.Logger
}

func newAdapterBuilder(cfg *config.Config, redis cache.RedisClient, logger *zap.Logger) *adapterBuilder {
	return &adapterBuilder{cfg: cfg, redis: redis, logger: logger}
}

func (b *adapterBuilder) userClient() *userservice.Client {
	return userservice.NewClient(userservice.Config{
		BaseURL: strings.TrimRight(b.cfg.UserService.BaseURL, "/"),
		Timeout: config.Seconds(b.cfg.UserService.Timeout),
	}, b.logger)
}

// priceProvider selects the configured quote source and fronts it with the
// Redis cache when both are enabled
func (b *adapterBuilder) priceProvider() (autotrading.PriceProvider, error) {
	md := b.cfg.MarketData

	var source marketdata.PriceSource
	switch md.Provider {
	case "alphavantage":
		source = marketdata.NewAlphaVantageClient(marketdata.AlphaVantageConfig{
			APIKey:  md.AlphaVantageKey,
			BaseURL: md.AlphaVantageURL,
			Timeout: config.Seconds(md.Timeout),
		}, b.logger)
	case "alpaca":
		source = marketdata.NewAlpacaPriceProvider(marketdata.AlpacaConfig{
			APIKey:    md.AlpacaKey,
			APISecret: md.AlpacaSecret,
			BaseURL:   md.AlpacaDataURL,
		}, b.logger)
	case "simulated":
		b.logger.Warn("Using simulated market data")
		return marketdata.NewSimulatedPriceProvider(time.Now().UnixNano(), nil, simulatedStepPct), nil
	default:
		return nil, fmt.Errorf("unsupported market data provider %q", md.Provider)
	}

	if b.redis != nil && md.CacheTTL > 0 {
		return marketdata.NewCachedPriceProvider(source, b.redis, config.Seconds(md.CacheTTL), b.logger), nil
	}
	return source, nil
}

func (b *adapterBuilder) notifier(users notification.EmailLookup) (autotrading.Notifier, error) {
	n := b.cfg.Notification
	switch n.Provider {
	case "sendgrid":
		return notification.NewEmailNotifier(notification.EmailConfig{
			APIKey:    n.APIKey,
			FromEmail: n.FromEmail,
			FromName:  n.FromName,
		}, users, b.logger)
	case "log", "":
		return notification.NewLogNotifier(b.logger), nil
	default:
		return nil, fmt.Errorf("unsupported notification provider %q", n.Provider)
	}
}
