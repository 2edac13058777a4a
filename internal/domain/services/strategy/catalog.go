// Package strategy holds the per-tier constants that drive automated trading:
// stock universes, check cadence, position thresholds and account-level limits.
package strategy

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Hungruong/money-mate/internal/domain/entities"
	domainerrors "github.com/Hungruong/money-mate/internal/domain/errors"
)

// Allocation represents a single asset allocation within a strategy
type Allocation struct {
	Symbol string          // Trading symbol (e.g., "AAPL", "TSLA")
	Sleeve string          // Sleeve the symbol was drawn from
	Weight decimal.Decimal // Percentage weight (0-100)
}

// Sleeve is a slice of a tier's capital spread evenly over Picks symbols
// drawn from Symbols.
type Sleeve struct {
	Name    string
	Weight  decimal.Decimal // percent of total capital
	Symbols []string
	Picks   int // 0 means every symbol
}

func (s Sleeve) picks() int {
	if s.Picks <= 0 || s.Picks > len(s.Symbols) {
		return len(s.Symbols)
	}
	return s.Picks
}

// Picker draws uniformly from [0, n)
type Picker interface {
	Intn(n int) int
}

// Profile is the constant-parameter record associated with a tier
type Profile struct {
	Strategy           entities.Strategy
	CheckInterval      time.Duration
	ProfitThresholdMin decimal.Decimal
	ProfitThresholdMax decimal.Decimal
	LossThresholdMin   decimal.Decimal
	LossThresholdMax   decimal.Decimal
	MaxHoldingDays     int
	TargetReturn       decimal.Decimal
	AccountLossStop    decimal.Decimal // negative percent
	Sleeves            []Sleeve
}

// Universe returns every distinct symbol the tier may hold, in sleeve order
func (p Profile) Universe() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, sl := range p.Sleeves {
		for _, sym := range sl.Symbols {
			if _, ok := seen[sym]; ok {
				continue
			}
			seen[sym] = struct{}{}
			out = append(out, sym)
		}
	}
	return out
}

// Allocations expands the sleeves into per-symbol weights. When a sleeve
// holds more candidates than it picks, the picker chooses which ones.
func (p Profile) Allocations(picker Picker) []Allocation {
	var out []Allocation
	for _, sl := range p.Sleeves {
		n := sl.picks()
		if n == 0 || sl.Weight.IsZero() {
			continue
		}
		chosen := sl.Symbols
		if n < len(sl.Symbols) {
			chosen = sample(sl.Symbols, n, picker)
		}
		w := sl.Weight.Div(decimal.NewFromInt(int64(n)))
		for _, sym := range chosen {
			out = append(out, Allocation{Symbol: sym, Sleeve: sl.Name, Weight: w})
		}
	}
	return out
}

// sample draws n distinct symbols without replacement, keeping source order
func sample(symbols []string, n int, picker Picker) []string {
	pool := make([]int, len(symbols))
	for i := range pool {
		pool[i] = i
	}
	idx := make([]int, 0, n)
	for len(idx) < n {
		k := picker.Intn(len(pool))
		idx = append(idx, pool[k])
		pool = append(pool[:k], pool[k+1:]...)
	}
	sort.Ints(idx)
	out := make([]string, 0, n)
	for _, i := range idx {
		out = append(out, symbols[i])
	}
	return out
}

// Catalog maps each tier to its profile. It is read-only after construction.
type Catalog struct {
	profiles map[entities.Strategy]Profile
}

// Option customises a catalog at construction time
type Option func(map[entities.Strategy]Profile)

// WithSleeveSymbols replaces the symbols of one sleeve of a tier. Unknown
// tiers or sleeves and empty symbol lists are ignored.
func WithSleeveSymbols(s entities.Strategy, sleeve string, symbols []string) Option {
	return func(m map[entities.Strategy]Profile) {
		p, ok := m[s]
		if !ok || len(symbols) == 0 {
			return
		}
		sleeves := make([]Sleeve, len(p.Sleeves))
		copy(sleeves, p.Sleeves)
		for i := range sleeves {
			if sleeves[i].Name == sleeve {
				sleeves[i].Symbols = append([]string(nil), symbols...)
				sleeves[i].Picks = 0
			}
		}
		p.Sleeves = sleeves
		m[s] = p
	}
}

// NewCatalog creates the default tier catalog
func NewCatalog(opts ...Option) *Catalog {
	profiles := map[entities.Strategy]Profile{
		entities.StrategyConservative: conservativeProfile(),
		entities.StrategyModerate:     moderateProfile(),
		entities.StrategyAggressive:   aggressiveProfile(),
	}
	for _, opt := range opts {
		opt(profiles)
	}
	return &Catalog{profiles: profiles}
}

// Profile looks up the constants for a tier
func (c *Catalog) Profile(s entities.Strategy) (Profile, error) {
	p, ok := c.profiles[s]
	if !ok {
		return Profile{}, domainerrors.UnknownStrategyError(string(s))
	}
	return p, nil
}

// Lookup parses a tier tag and returns its profile
func (c *Catalog) Lookup(tag string) (Profile, error) {
	s, ok := entities.ParseStrategy(tag)
	if !ok {
		return Profile{}, domainerrors.UnknownStrategyError(tag)
	}
	return c.Profile(s)
}

// Profiles returns every tier profile in ascending risk order
func (c *Catalog) Profiles() []Profile {
	out := make([]Profile, 0, len(entities.AllStrategies))
	for _, s := range entities.AllStrategies {
		if p, ok := c.profiles[s]; ok {
			out = append(out, p)
		}
	}
	return out
}

func (p Profile) String() string {
	return fmt.Sprintf("%s(every %s, take %s%%, stop %s%%, hold %dd)",
		p.Strategy, p.CheckInterval, p.ProfitThresholdMax, p.LossThresholdMax, p.MaxHoldingDays)
}

func pct(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

// conservativeProfile spreads capital evenly over large, stable names
func conservativeProfile() Profile {
	return Profile{
		Strategy:           entities.StrategyConservative,
		CheckInterval:      60 * time.Minute,
		ProfitThresholdMin: pct(5),
		ProfitThresholdMax: pct(10),
		LossThresholdMin:   pct(3),
		LossThresholdMax:   pct(5),
		MaxHoldingDays:     30,
		TargetReturn:       pct(15),
		AccountLossStop:    pct(-10),
		Sleeves: []Sleeve{
			{
				Name:    "safe",
				Weight:  pct(100),
				Symbols: []string{"AAPL", "MSFT", "AMZN", "GOOGL", "NFLX", "DIS", "JPM", "NKE", "WMT", "JNJ"},
			},
		},
	}
}

// moderateProfile splits 60/40 between core holdings and growth names
func moderateProfile() Profile {
	return Profile{
		Strategy:           entities.StrategyModerate,
		CheckInterval:      15 * time.Minute,
		ProfitThresholdMin: pct(8),
		ProfitThresholdMax: pct(15),
		LossThresholdMin:   pct(5),
		LossThresholdMax:   pct(8),
		MaxHoldingDays:     10,
		TargetReturn:       pct(20),
		AccountLossStop:    pct(-15),
		Sleeves: []Sleeve{
			{
				Name:    "core",
				Weight:  pct(60),
				Symbols: []string{"AAPL", "MSFT", "GOOGL", "JNJ", "V", "WMT", "HD", "COST", "PEP", "NKE"},
			},
			{
				Name:    "growth",
				Weight:  pct(40),
				Symbols: []string{"SQ", "SHOP", "PYPL", "AMD", "CRM"},
			},
		},
	}
}

// aggressiveProfile weights 30/50/20 across a top pick, mid tier and emerging names
func aggressiveProfile() Profile {
	return Profile{
		Strategy:           entities.StrategyAggressive,
		CheckInterval:      5 * time.Minute,
		ProfitThresholdMin: pct(15),
		ProfitThresholdMax: pct(25),
		LossThresholdMin:   pct(10),
		LossThresholdMax:   pct(15),
		MaxHoldingDays:     5,
		TargetReturn:       pct(25),
		AccountLossStop:    pct(-20),
		Sleeves: []Sleeve{
			{Name: "top", Weight: pct(30), Symbols: []string{"TSLA"}, Picks: 1},
			{Name: "mid", Weight: pct(50), Symbols: []string{"NVDA", "META", "PLTR", "SNOW"}, Picks: 4},
			{Name: "emerging", Weight: pct(20), Symbols: []string{"COIN", "RBLX", "UPST"}, Picks: 3},
		},
	}
}
