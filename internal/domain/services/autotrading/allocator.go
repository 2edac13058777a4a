package autotrading

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Hungruong/money-mate/internal/domain/entities"
	domainerrors "github.com/Hungruong/money-mate/internal/domain/errors"
	"github.com/Hungruong/money-mate/internal/domain/repositories"
	"github.com/Hungruong/money-mate/internal/domain/services/strategy"
)

// Allocator decides how a tier's capital is split into positions. It only
// builds unfilled investments; the executor opens and persists them.
type Allocator struct {
	catalog     *strategy.Catalog
	investments repositories.InvestmentRepository
	rnd         RandomSource
	clock       Clock
}

// NewAllocator creates a capital allocator
func NewAllocator(catalog *strategy.Catalog, investments repositories.InvestmentRepository, rnd RandomSource, clock Clock) *Allocator {
	return &Allocator{
		catalog:     catalog,
		investments: investments,
		rnd:         rnd,
		clock:       clock,
	}
}

// Allocate splits totalCapital across the tier's sleeves. Per-position
// amounts are rounded half-up to four places and the last position absorbs
// the rounding residue, so the amounts always sum to totalCapital.
func (a *Allocator) Allocate(ctx context.Context, userID uuid.UUID, s entities.Strategy, totalCapital decimal.Decimal) ([]*entities.Investment, error) {
	if !totalCapital.IsPositive() {
		return nil, domainerrors.ValidationError("amount", "capital must be greater than zero")
	}
	profile, err := a.catalog.Profile(s)
	if err != nil {
		return nil, err
	}

	allocs := profile.Allocations(a.rnd)
	if len(allocs) == 0 {
		return nil, domainerrors.ValidationError("strategy", fmt.Sprintf("strategy %s has an empty universe", s))
	}

	now := a.clock.Now()
	out := make([]*entities.Investment, 0, len(allocs))
	assigned := decimal.Zero
	for i, alloc := range allocs {
		amount := totalCapital.Mul(alloc.Weight).Div(hundred).Round(scale)
		if i == len(allocs)-1 {
			amount = totalCapital.Sub(assigned)
		}
		assigned = assigned.Add(amount)
		out = append(out, entities.NewAutoInvestment(userID, s, alloc.Symbol, amount, now))
	}
	return out, nil
}

// AllocateSingle puts all capital into one random symbol of the tier. It is
// rejected while the user already has an active auto investment.
func (a *Allocator) AllocateSingle(ctx context.Context, userID uuid.UUID, s entities.Strategy, capital decimal.Decimal) (*entities.Investment, error) {
	invs, err := a.investments.ListAutoByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load auto investments: %w", err)
	}
	for _, inv := range invs {
		if inv.Status == entities.InvestmentStatusActive {
			return nil, domainerrors.StateError("an active auto-trading strategy already exists")
		}
	}
	return a.AllocateReplacement(ctx, userID, s, capital, "")
}

// AllocateReplacement picks one random symbol other than exclude (when the
// universe offers another) for a sell-and-reinvest cycle.
func (a *Allocator) AllocateReplacement(ctx context.Context, userID uuid.UUID, s entities.Strategy, capital decimal.Decimal, exclude string) (*entities.Investment, error) {
	if !capital.IsPositive() {
		return nil, domainerrors.ValidationError("amount", "capital must be greater than zero")
	}
	profile, err := a.catalog.Profile(s)
	if err != nil {
		return nil, err
	}

	universe := profile.Universe()
	pool := make([]string, 0, len(universe))
	for _, sym := range universe {
		if sym != exclude {
			pool = append(pool, sym)
		}
	}
	if len(pool) == 0 {
		pool = universe
	}
	if len(pool) == 0 {
		return nil, domainerrors.ValidationError("strategy", fmt.Sprintf("strategy %s has an empty universe", s))
	}

	symbol := pool[a.rnd.Intn(len(pool))]
	return entities.NewAutoInvestment(userID, s, symbol, capital, a.clock.Now()), nil
}
