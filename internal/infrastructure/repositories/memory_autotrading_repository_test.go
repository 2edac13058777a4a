package repositories_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hungruong/money-mate/internal/domain/entities"
	domainerrors "github.com/Hungruong/money-mate/internal/domain/errors"
	"github.com/Hungruong/money-mate/internal/infrastructure/repositories"
)

func seedInvestment(t *testing.T, repo *repositories.MemoryInvestmentRepository, userID uuid.UUID, status entities.InvestmentStatus) *entities.Investment {
	t.Helper()
	inv := entities.NewAutoInvestment(userID, entities.StrategyModerate, "AAPL", decimal.NewFromInt(100), time.Now())
	inv.Status = status
	buy := entities.NewTransaction(inv.ID, entities.TransactionTypeBuy, decimal.NewFromInt(1), decimal.NewFromInt(100), time.Now())
	require.NoError(t, repo.CreateWithTransaction(context.Background(), inv, buy))
	return inv
}

func TestMemoryInvestmentRepository_VersionAdvancesByOne(t *testing.T) {
	ctx := context.Background()
	repo := repositories.NewMemoryInvestmentRepository(repositories.NewMemoryStore())
	inv := seedInvestment(t, repo, uuid.New(), entities.InvestmentStatusActive)
	assert.Equal(t, int64(0), inv.Version)

	inv.Status = entities.InvestmentStatusPaused
	require.NoError(t, repo.Update(ctx, inv))
	assert.Equal(t, int64(1), inv.Version)

	stored, err := repo.GetByID(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)
	assert.Equal(t, entities.InvestmentStatusPaused, stored.Status)
}

func TestMemoryInvestmentRepository_StaleWriteRejected(t *testing.T) {
	ctx := context.Background()
	repo := repositories.NewMemoryInvestmentRepository(repositories.NewMemoryStore())
	inv := seedInvestment(t, repo, uuid.New(), entities.InvestmentStatusActive)

	first, _ := repo.GetByID(ctx, inv.ID)
	second, _ := repo.GetByID(ctx, inv.ID)

	first.Status = entities.InvestmentStatusPaused
	require.NoError(t, repo.Update(ctx, first))

	second.Status = entities.InvestmentStatusStopped
	err := repo.Update(ctx, second)
	require.Error(t, err)
	assert.True(t, domainerrors.IsConflict(err))
	assert.Equal(t, int64(0), second.Version)

	stored, _ := repo.GetByID(ctx, inv.ID)
	assert.Equal(t, entities.InvestmentStatusPaused, stored.Status)
}

func TestMemoryInvestmentRepository_UpdateWithTransactionIsAtomic(t *testing.T) {
	ctx := context.Background()
	repo := repositories.NewMemoryInvestmentRepository(repositories.NewMemoryStore())
	inv := seedInvestment(t, repo, uuid.New(), entities.InvestmentStatusActive)

	stale := inv.Clone()
	inv.CurrentValue = decimal.NewFromInt(101)
	require.NoError(t, repo.Update(ctx, inv))

	sell := entities.NewTransaction(inv.ID, entities.TransactionTypeSell, decimal.NewFromInt(1), decimal.NewFromInt(110), time.Now())
	err := repo.UpdateWithTransaction(ctx, stale, sell)
	assert.True(t, domainerrors.IsConflict(err))

	txs, err := repo.ListTransactions(ctx, inv.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 1, "rejected write must not append a trade")
}

func TestMemoryInvestmentRepository_Listings(t *testing.T) {
	ctx := context.Background()
	repo := repositories.NewMemoryInvestmentRepository(repositories.NewMemoryStore())
	alice, bob := uuid.New(), uuid.New()
	seedInvestment(t, repo, alice, entities.InvestmentStatusActive)
	seedInvestment(t, repo, alice, entities.InvestmentStatusPaused)
	seedInvestment(t, repo, bob, entities.InvestmentStatusClosed)

	all, err := repo.ListAutoByUser(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := repo.ListAutoByStrategy(ctx, entities.StrategyModerate, entities.InvestmentStatusActive)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	users, err := repo.ListUsersWithOpenBooks(ctx, entities.StrategyModerate)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{alice}, users)

	txs, err := repo.ListTransactionsByUser(ctx, alice, 1, 0)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestMemoryReconciliationGapRepository(t *testing.T) {
	ctx := context.Background()
	repo := repositories.NewMemoryReconciliationGapRepository(repositories.NewMemoryStore())
	gap := &entities.ReconciliationGap{ID: uuid.New(), UserID: uuid.New(), Amount: decimal.NewFromInt(50), CreatedAt: time.Now()}
	require.NoError(t, repo.Create(ctx, gap))

	open, err := repo.ListUnresolved(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	require.NoError(t, repo.MarkResolved(ctx, gap.ID, time.Now()))
	err = repo.MarkResolved(ctx, gap.ID, time.Now())
	assert.True(t, domainerrors.IsNotFound(err))

	open, _ = repo.ListUnresolved(ctx, 10)
	assert.Empty(t, open)
}

func TestMemoryInvestmentRepository_CreateBookIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	repo := repositories.NewMemoryInvestmentRepository(repositories.NewMemoryStore())
	userID := uuid.New()
	existing := seedInvestment(t, repo, userID, entities.InvestmentStatusActive)

	fresh := entities.NewAutoInvestment(userID, entities.StrategyModerate, "MSFT", decimal.NewFromInt(100), time.Now())
	freshBuy := entities.NewTransaction(fresh.ID, entities.TransactionTypeBuy, decimal.NewFromInt(1), decimal.NewFromInt(100), time.Now())
	dupBuy := entities.NewTransaction(existing.ID, entities.TransactionTypeBuy, decimal.NewFromInt(1), decimal.NewFromInt(100), time.Now())

	err := repo.CreateBook(ctx, []*entities.Investment{fresh, existing}, []*entities.Transaction{freshBuy, dupBuy})
	require.Error(t, err)

	got, err := repo.GetByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Nil(t, got, "no leg of a rejected book is stored")
	txs, err := repo.ListTransactions(ctx, existing.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 1)

	err = repo.CreateBook(ctx, []*entities.Investment{fresh}, []*entities.Transaction{freshBuy})
	require.NoError(t, err)
	invs, err := repo.ListAutoByUser(ctx, userID)
	require.NoError(t, err)
	assert.Len(t, invs, 2)
}
