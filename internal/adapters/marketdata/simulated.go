package marketdata

import (
	"context"
	"math/rand"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

var defaultSimulatedPrice = decimal.NewFromInt(100)

// SimulatedPriceProvider is a local-development price source. Every symbol
// starts at its seeded price (100 when unseeded) and takes a bounded random
// step of at most maxStepPct percent on each read.
type SimulatedPriceProvider struct {
	mu         sync.Mutex
	prices     map[string]decimal.Decimal
	maxStepPct float64
	rnd        *rand.Rand
}

// NewSimulatedPriceProvider creates a random walk over the seeded prices.
// A zero maxStepPct yields static prices.
func NewSimulatedPriceProvider(seed int64, initial map[string]decimal.Decimal, maxStepPct float64) *SimulatedPriceProvider {
	prices := make(map[string]decimal.Decimal, len(initial))
	for symbol, price := range initial {
		prices[strings.ToUpper(symbol)] = price
	}
	return &SimulatedPriceProvider{
		prices:     prices,
		maxStepPct: maxStepPct,
		rnd:        rand.New(rand.NewSource(seed)),
	}
}

func (p *SimulatedPriceProvider) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	symbol = strings.ToUpper(symbol)
	price, ok := p.prices[symbol]
	if !ok {
		price = defaultSimulatedPrice
	}
	if p.maxStepPct > 0 {
		step := (p.rnd.Float64()*2 - 1) * p.maxStepPct / 100
		next := price.Mul(decimal.NewFromFloat(1 + step)).Round(2)
		if next.IsPositive() {
			price = next
		}
	}
	p.prices[symbol] = price
	return price, nil
}

// SetPrice pins a symbol's price
func (p *SimulatedPriceProvider) SetPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[strings.ToUpper(symbol)] = price
}
