package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Hungruong/money-mate/internal/domain/entities"
)

// InvestmentRepository is the position ledger. Every mutating call is a
// compare-and-swap on Investment.Version: the caller passes the version it
// read, a stale version fails with a conflict error, and on success the
// stored and in-memory versions both advance by exactly one.
type InvestmentRepository interface {
	// CreateWithTransaction inserts a new investment together with its opening trade
	CreateWithTransaction(ctx context.Context, inv *entities.Investment, tx *entities.Transaction) error
	// CreateBook inserts several investments with their opening trades, all or nothing.
	// txs[i] is the opening trade of invs[i].
	CreateBook(ctx context.Context, invs []*entities.Investment, txs []*entities.Transaction) error
	GetByID(ctx context.Context, id uuid.UUID) (*entities.Investment, error)
	// ListAutoByUser returns every auto investment of the user, closed ones included
	ListAutoByUser(ctx context.Context, userID uuid.UUID) ([]*entities.Investment, error)
	ListAutoByStrategy(ctx context.Context, strategy entities.Strategy, statuses ...entities.InvestmentStatus) ([]*entities.Investment, error)
	// ListUsersWithOpenBooks returns users holding a non-closed auto investment in the strategy
	ListUsersWithOpenBooks(ctx context.Context, strategy entities.Strategy) ([]uuid.UUID, error)
	Update(ctx context.Context, inv *entities.Investment) error
	// UpdateWithTransaction applies a quantity change and appends its trade atomically
	UpdateWithTransaction(ctx context.Context, inv *entities.Investment, tx *entities.Transaction) error
	ListTransactions(ctx context.Context, investmentID uuid.UUID) ([]*entities.Transaction, error)
	ListTransactionsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*entities.Transaction, error)
}

// TradeLogRepository journals sell-and-reinvest cycles and manual exits
type TradeLogRepository interface {
	Create(ctx context.Context, log *entities.TradeLog) error
	Update(ctx context.Context, log *entities.TradeLog) error
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*entities.TradeLog, error)
}

// ReconciliationGapRepository persists sells whose balance credit failed
type ReconciliationGapRepository interface {
	Create(ctx context.Context, gap *entities.ReconciliationGap) error
	GetByID(ctx context.Context, id uuid.UUID) (*entities.ReconciliationGap, error)
	ListUnresolved(ctx context.Context, limit int) ([]*entities.ReconciliationGap, error)
	MarkResolved(ctx context.Context, id uuid.UUID, at time.Time) error
}
