package repositories

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Hungruong/money-mate/internal/domain/entities"
	domainerrors "github.com/Hungruong/money-mate/internal/domain/errors"
)

// MemoryStore backs the in-memory repositories used by the memory database
// driver and by tests. Stored values are copies; callers never share
// pointers with the store.
type MemoryStore struct {
	mu           sync.RWMutex
	investments  map[uuid.UUID]*entities.Investment
	transactions map[uuid.UUID][]*entities.Transaction // investmentID -> trades
	tradeLogs    map[uuid.UUID]*entities.TradeLog
	gaps         map[uuid.UUID]*entities.ReconciliationGap
	now          func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		investments:  make(map[uuid.UUID]*entities.Investment),
		transactions: make(map[uuid.UUID][]*entities.Transaction),
		tradeLogs:    make(map[uuid.UUID]*entities.TradeLog),
		gaps:         make(map[uuid.UUID]*entities.ReconciliationGap),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

/* ---- Investment repo ---- */

// MemoryInvestmentRepository is an in-memory position ledger
type MemoryInvestmentRepository struct{ s *MemoryStore }

// NewMemoryInvestmentRepository creates an investment repository over the store
func NewMemoryInvestmentRepository(s *MemoryStore) *MemoryInvestmentRepository {
	return &MemoryInvestmentRepository{s: s}
}

func (r *MemoryInvestmentRepository) CreateWithTransaction(ctx context.Context, inv *entities.Investment, tx *entities.Transaction) error {
	return r.CreateBook(ctx, []*entities.Investment{inv}, []*entities.Transaction{tx})
}

func (r *MemoryInvestmentRepository) CreateBook(ctx context.Context, invs []*entities.Investment, txs []*entities.Transaction) error {
	if len(invs) != len(txs) {
		return fmt.Errorf("book has %d investments but %d opening trades", len(invs), len(txs))
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	seen := make(map[uuid.UUID]struct{}, len(invs))
	for _, inv := range invs {
		if _, ok := r.s.investments[inv.ID]; ok {
			return domainerrors.AlreadyExistsError("INVESTMENT")
		}
		if _, ok := seen[inv.ID]; ok {
			return domainerrors.AlreadyExistsError("INVESTMENT")
		}
		seen[inv.ID] = struct{}{}
	}
	for i, inv := range invs {
		inv.Version = 0
		r.s.investments[inv.ID] = inv.Clone()
		if txs[i] != nil {
			r.s.appendTx(txs[i])
		}
	}
	return nil
}

func (r *MemoryInvestmentRepository) GetByID(ctx context.Context, id uuid.UUID) (*entities.Investment, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	inv, ok := r.s.investments[id]
	if !ok {
		return nil, nil
	}
	return inv.Clone(), nil
}

func (r *MemoryInvestmentRepository) ListAutoByUser(ctx context.Context, userID uuid.UUID) ([]*entities.Investment, error) {
	return r.filter(func(inv *entities.Investment) bool {
		return inv.UserID == userID && inv.IsAuto()
	}), nil
}

func (r *MemoryInvestmentRepository) ListAutoByStrategy(ctx context.Context, strategy entities.Strategy, statuses ...entities.InvestmentStatus) ([]*entities.Investment, error) {
	return r.filter(func(inv *entities.Investment) bool {
		if !inv.IsAuto() || inv.Strategy != strategy {
			return false
		}
		if len(statuses) == 0 {
			return true
		}
		for _, s := range statuses {
			if inv.Status == s {
				return true
			}
		}
		return false
	}), nil
}

func (r *MemoryInvestmentRepository) ListUsersWithOpenBooks(ctx context.Context, strategy entities.Strategy) ([]uuid.UUID, error) {
	invs := r.filter(func(inv *entities.Investment) bool {
		return inv.IsAuto() && inv.Strategy == strategy && inv.Status != entities.InvestmentStatusClosed
	})
	seen := make(map[uuid.UUID]struct{})
	var out []uuid.UUID
	for _, inv := range invs {
		if _, ok := seen[inv.UserID]; ok {
			continue
		}
		seen[inv.UserID] = struct{}{}
		out = append(out, inv.UserID)
	}
	return out, nil
}

func (r *MemoryInvestmentRepository) Update(ctx context.Context, inv *entities.Investment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.casUpdate(inv)
}

func (r *MemoryInvestmentRepository) UpdateWithTransaction(ctx context.Context, inv *entities.Investment, tx *entities.Transaction) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.casUpdate(inv); err != nil {
		return err
	}
	r.s.appendTx(tx)
	return nil
}

func (r *MemoryInvestmentRepository) ListTransactions(ctx context.Context, investmentID uuid.UUID) ([]*entities.Transaction, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	src := r.s.transactions[investmentID]
	out := make([]*entities.Transaction, 0, len(src))
	for _, t := range src {
		c := *t
		out = append(out, &c)
	}
	return out, nil
}

func (r *MemoryInvestmentRepository) ListTransactionsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*entities.Transaction, error) {
	r.s.mu.RLock()
	var out []*entities.Transaction
	for id, txs := range r.s.transactions {
		inv, ok := r.s.investments[id]
		if !ok || inv.UserID != userID || !inv.IsAuto() {
			continue
		}
		for _, t := range txs {
			c := *t
			out = append(out, &c)
		}
	}
	r.s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, limit, offset), nil
}

func (r *MemoryInvestmentRepository) filter(keep func(*entities.Investment) bool) []*entities.Investment {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*entities.Investment
	for _, inv := range r.s.investments {
		if keep(inv) {
			out = append(out, inv.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// casUpdate must be called with the write lock held
func (s *MemoryStore) casUpdate(inv *entities.Investment) error {
	stored, ok := s.investments[inv.ID]
	if !ok {
		return domainerrors.NotFoundError("INVESTMENT")
	}
	if stored.Version != inv.Version {
		return domainerrors.ConflictError("investment", fmt.Sprintf("version %d of %s is stale", inv.Version, inv.ID))
	}
	inv.Version++
	inv.UpdatedAt = s.now()
	s.investments[inv.ID] = inv.Clone()
	return nil
}

func (s *MemoryStore) appendTx(tx *entities.Transaction) {
	tx.Version = 0
	c := *tx
	s.transactions[tx.InvestmentID] = append(s.transactions[tx.InvestmentID], &c)
}

/* ---- Trade log repo ---- */

// MemoryTradeLogRepository is an in-memory trade journal
type MemoryTradeLogRepository struct{ s *MemoryStore }

// NewMemoryTradeLogRepository creates a trade log repository over the store
func NewMemoryTradeLogRepository(s *MemoryStore) *MemoryTradeLogRepository {
	return &MemoryTradeLogRepository{s: s}
}

func (r *MemoryTradeLogRepository) Create(ctx context.Context, log *entities.TradeLog) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c := *log
	r.s.tradeLogs[log.ID] = &c
	return nil
}

func (r *MemoryTradeLogRepository) Update(ctx context.Context, log *entities.TradeLog) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.tradeLogs[log.ID]; !ok {
		return domainerrors.NotFoundError("TRADE_LOG")
	}
	c := *log
	r.s.tradeLogs[log.ID] = &c
	return nil
}

func (r *MemoryTradeLogRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*entities.TradeLog, error) {
	r.s.mu.RLock()
	var out []*entities.TradeLog
	for _, l := range r.s.tradeLogs {
		if l.UserID == userID {
			c := *l
			out = append(out, &c)
		}
	}
	r.s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return page(out, limit, offset), nil
}

/* ---- Reconciliation gap repo ---- */

// MemoryReconciliationGapRepository is an in-memory gap register
type MemoryReconciliationGapRepository struct{ s *MemoryStore }

// NewMemoryReconciliationGapRepository creates a gap repository over the store
func NewMemoryReconciliationGapRepository(s *MemoryStore) *MemoryReconciliationGapRepository {
	return &MemoryReconciliationGapRepository{s: s}
}

func (r *MemoryReconciliationGapRepository) Create(ctx context.Context, gap *entities.ReconciliationGap) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c := *gap
	r.s.gaps[gap.ID] = &c
	return nil
}

func (r *MemoryReconciliationGapRepository) GetByID(ctx context.Context, id uuid.UUID) (*entities.ReconciliationGap, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	g, ok := r.s.gaps[id]
	if !ok {
		return nil, nil
	}
	c := *g
	return &c, nil
}

func (r *MemoryReconciliationGapRepository) ListUnresolved(ctx context.Context, limit int) ([]*entities.ReconciliationGap, error) {
	r.s.mu.RLock()
	var out []*entities.ReconciliationGap
	for _, g := range r.s.gaps {
		if !g.Resolved {
			c := *g
			out = append(out, &c)
		}
	}
	r.s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return page(out, limit, 0), nil
}

func (r *MemoryReconciliationGapRepository) MarkResolved(ctx context.Context, id uuid.UUID, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	g, ok := r.s.gaps[id]
	if !ok || g.Resolved {
		return domainerrors.NotFoundError("RECONCILIATION_GAP")
	}
	g.Resolved = true
	g.ResolvedAt = &at
	return nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
