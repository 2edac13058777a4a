package marketdata

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Hungruong/money-mate/internal/infrastructure/cache"
)

// PriceSource is implemented by every provider in this package
type PriceSource interface {
	GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// CachedPriceProvider serves recent quotes from Redis before asking the
// upstream source. Only successful prices are cached.
type CachedPriceProvider struct {
	next   PriceSource
	cache  cache.RedisClient
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedPriceProvider decorates next with a Redis TTL cache
func NewCachedPriceProvider(next PriceSource, client cache.RedisClient, ttl time.Duration, logger *zap.Logger) *CachedPriceProvider {
	return &CachedPriceProvider{next: next, cache: client, ttl: ttl, logger: logger}
}

func (p *CachedPriceProvider) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	key := "marketdata:price:" + symbol

	var cached decimal.Decimal
	err := p.cache.Get(ctx, key, &cached)
	switch {
	case err == nil && cached.IsPositive():
		return cached, nil
	case err != nil && !errors.Is(err, cache.ErrCacheMiss):
		p.logger.Warn("Price cache read failed", zap.String("key", key), zap.Error(err))
	}

	price, err := p.next.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}

	if err := p.cache.Set(ctx, key, price, p.ttl); err != nil {
		p.logger.Warn("Price cache write failed", zap.String("key", key), zap.Error(err))
	}
	return price, nil
}
