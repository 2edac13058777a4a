package autotrading_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hungruong/money-mate/internal/domain/entities"
	domainerrors "github.com/Hungruong/money-mate/internal/domain/errors"
	"github.com/Hungruong/money-mate/internal/domain/services/autotrading"
	"github.com/Hungruong/money-mate/pkg/logger"
)

func TestExecutor_OpenPosition(t *testing.T) {
	h := newHarness(t)
	userID := uuid.New()

	inv := h.open(t, userID, entities.StrategyConservative, "AAPL", "100", "30")

	// 100 / 30 = 3.33333... half-up to four places
	assert.True(t, inv.CurrentQuantity.Equal(d("3.3333")))
	assert.True(t, inv.TotalBoughtQuantity.Equal(d("3.3333")))
	assert.True(t, inv.AveragePrice.Equal(d("30")))
	assert.True(t, inv.CurrentValue.Equal(d("99.999")))

	calls := h.balance.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, userID, calls[0].userID)
	assert.True(t, calls[0].delta.Equal(d("-99.999")))

	txs, err := h.investments.ListTransactions(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, entities.TransactionTypeBuy, txs[0].Type)
	assert.True(t, txs[0].TotalAmount.Equal(txs[0].Quantity.Mul(txs[0].Price)))
}

func TestExecutor_OpenPositionDebitFailurePersistsNothing(t *testing.T) {
	h := newHarness(t)
	h.balance.failDebit = true
	userID := uuid.New()

	inv := entities.NewAutoInvestment(userID, entities.StrategyConservative, "AAPL", d("100"), h.clock.Now())
	_, err := h.executor.OpenPosition(context.Background(), inv, d("10"))
	require.Error(t, err)
	assert.True(t, domainerrors.IsServiceUnavailable(err))

	assert.Empty(t, h.book(t, userID))
	got, err := h.investments.GetByID(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestExecutor_OpenPositionCommitFailureRefundsDebit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	executor := autotrading.NewExecutor(&failingCreateRepo{MemoryInvestmentRepository: h.investments},
		h.gaps, h.balance, h.clock, logger.NewNop())

	inv := entities.NewAutoInvestment(userID, entities.StrategyConservative, "AAPL", d("100"), h.clock.Now())
	_, err := executor.OpenPosition(ctx, inv, d("10"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errLedgerDown)

	calls := h.balance.Calls()
	require.Len(t, calls, 2)
	assert.True(t, calls[0].delta.Equal(d("-100")))
	assert.True(t, calls[1].delta.Equal(d("100")))
	assert.True(t, h.balance.Net().IsZero())

	gaps, err := h.gaps.ListUnresolved(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, gaps)
	assert.Empty(t, h.book(t, userID))
	assert.True(t, inv.CurrentQuantity.IsZero(), "the caller's investment is left unfilled")
}

func TestExecutor_OpenPositionRefundFailureRecordsGap(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	executor := autotrading.NewExecutor(&failingCreateRepo{MemoryInvestmentRepository: h.investments},
		h.gaps, h.balance, h.clock, logger.NewNop())
	h.balance.failAfter = 1

	inv := entities.NewAutoInvestment(userID, entities.StrategyConservative, "AAPL", d("100"), h.clock.Now())
	_, err := executor.OpenPosition(ctx, inv, d("10"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errLedgerDown)
	assert.True(t, h.balance.Net().Equal(d("-100")), "the debit stuck")

	gaps, err := h.gaps.ListUnresolved(ctx, 10)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.Equal(t, userID, gaps[0].UserID)
	assert.Equal(t, inv.ID, gaps[0].InvestmentID)
	assert.True(t, gaps[0].Amount.Equal(d("100")))
	assert.Contains(t, gaps[0].Error, "refund after failed commit")
}

func TestExecutor_OpenBookDebitsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	legs := []*entities.Investment{
		entities.NewAutoInvestment(userID, entities.StrategyConservative, "AAPL", d("500"), h.clock.Now()),
		entities.NewAutoInvestment(userID, entities.StrategyConservative, "MSFT", d("500"), h.clock.Now()),
	}
	quotes := map[string]decimal.Decimal{"AAPL": d("100"), "MSFT": d("250")}

	results, err := h.executor.OpenBook(ctx, legs, quotes)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, legs[0].CurrentQuantity.Equal(d("5")))
	assert.True(t, legs[1].CurrentQuantity.Equal(d("2")))

	calls := h.balance.Calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].delta.Equal(d("-1000")))
	assert.Len(t, h.book(t, userID), 2)
}

func TestExecutor_OpenBookMissingQuoteMovesNoMoney(t *testing.T) {
	h := newHarness(t)
	userID := uuid.New()
	legs := []*entities.Investment{
		entities.NewAutoInvestment(userID, entities.StrategyConservative, "AAPL", d("500"), h.clock.Now()),
		entities.NewAutoInvestment(userID, entities.StrategyConservative, "MSFT", d("500"), h.clock.Now()),
	}

	_, err := h.executor.OpenBook(context.Background(), legs, map[string]decimal.Decimal{"AAPL": d("100")})
	require.Error(t, err)
	assert.True(t, domainerrors.IsInvalidInput(err))
	assert.Empty(t, h.balance.Calls())
	assert.Empty(t, h.book(t, userID))
}

func TestExecutor_OpenBookRefundFailureRecordsGapPerLeg(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	executor := autotrading.NewExecutor(&failingCreateRepo{MemoryInvestmentRepository: h.investments},
		h.gaps, h.balance, h.clock, logger.NewNop())
	h.balance.failAfter = 1

	legs := []*entities.Investment{
		entities.NewAutoInvestment(userID, entities.StrategyConservative, "AAPL", d("600"), h.clock.Now()),
		entities.NewAutoInvestment(userID, entities.StrategyConservative, "MSFT", d("400"), h.clock.Now()),
	}
	_, err := executor.OpenBook(ctx, legs, map[string]decimal.Decimal{"AAPL": d("100"), "MSFT": d("100")})
	require.Error(t, err)
	assert.ErrorIs(t, err, errLedgerDown)
	assert.Empty(t, h.book(t, userID))

	gaps, err := h.gaps.ListUnresolved(ctx, 10)
	require.NoError(t, err)
	require.Len(t, gaps, 2)
	owed := decimal.Zero
	for _, g := range gaps {
		owed = owed.Add(g.Amount)
	}
	assert.True(t, owed.Equal(d("1000")), "the gaps add up to the unrefunded debit")
}

func TestExecutor_OpenPositionRejectsBadPrice(t *testing.T) {
	h := newHarness(t)

	inv := entities.NewAutoInvestment(uuid.New(), entities.StrategyConservative, "AAPL", d("100"), h.clock.Now())
	_, err := h.executor.OpenPosition(context.Background(), inv, d("0"))
	require.Error(t, err)
	assert.True(t, domainerrors.IsInvalidInput(err))
	assert.Empty(t, h.balance.Calls())
}

func TestExecutor_BuyBlendsBasis(t *testing.T) {
	h := newHarness(t)
	inv := h.open(t, uuid.New(), entities.StrategyModerate, "V", "1000", "100")
	require.True(t, inv.CurrentQuantity.Equal(d("10")))

	res, err := h.executor.Buy(context.Background(), inv, d("130"), d("5"))
	require.NoError(t, err)

	// (100*10 + 130*5) / 15 = 110
	assert.True(t, res.Investment.AveragePrice.Equal(d("110")), "got %s", res.Investment.AveragePrice)
	assert.True(t, res.Investment.CurrentQuantity.Equal(d("15")))
	assert.True(t, res.Investment.CurrentValue.Equal(d("1950")))
	assert.Equal(t, int64(1), res.Investment.Version)

	stored := h.reload(t, inv.ID)
	assert.True(t, stored.AveragePrice.Equal(d("110")))
	assert.Equal(t, int64(1), stored.Version)
	requireLedgerInvariants(t, []*entities.Investment{stored})
}

func TestExecutor_SellCreditsProceeds(t *testing.T) {
	h := newHarness(t)
	inv := h.open(t, uuid.New(), entities.StrategyModerate, "V", "1000", "100")

	res, err := h.executor.Sell(context.Background(), inv, d("120"), d("4"))
	require.NoError(t, err)

	assert.True(t, res.Investment.CurrentQuantity.Equal(d("6")))
	assert.True(t, res.Investment.TotalSoldQuantity.Equal(d("4")))
	assert.True(t, res.Investment.CurrentValue.Equal(d("720")))
	assert.Equal(t, entities.InvestmentStatusActive, res.Investment.Status)
	assert.True(t, res.Transaction.TotalAmount.Equal(d("480")))

	calls := h.balance.Calls()
	require.Len(t, calls, 2)
	assert.True(t, calls[1].delta.Equal(d("480")))
	requireLedgerInvariants(t, []*entities.Investment{h.reload(t, inv.ID)})
}

func TestExecutor_SellOverQuantityHasNoSideEffects(t *testing.T) {
	h := newHarness(t)
	inv := h.open(t, uuid.New(), entities.StrategyModerate, "V", "1000", "100")
	before := len(h.balance.Calls())

	_, err := h.executor.Sell(context.Background(), inv, d("120"), d("10.0001"))
	require.Error(t, err)
	assert.True(t, domainerrors.IsInsufficientPosition(err))
	assert.True(t, domainerrors.IsInvalidInput(err))

	assert.Len(t, h.balance.Calls(), before)
	txs, err := h.investments.ListTransactions(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
	assert.Equal(t, int64(0), h.reload(t, inv.ID).Version)
}

func TestExecutor_SellStoppedToZeroEscalatesToClosed(t *testing.T) {
	h := newHarness(t)
	inv := h.open(t, uuid.New(), entities.StrategyModerate, "V", "1000", "100")
	inv.Status = entities.InvestmentStatusStopped
	require.NoError(t, h.investments.Update(context.Background(), inv))

	res, err := h.executor.Sell(context.Background(), inv, d("90"), inv.CurrentQuantity)
	require.NoError(t, err)
	assert.Equal(t, entities.InvestmentStatusClosed, res.Investment.Status)
	assert.True(t, res.Investment.CurrentValue.IsZero())
	requireLedgerInvariants(t, []*entities.Investment{h.reload(t, inv.ID)})
}

func TestExecutor_SellCreditFailureKeepsLocalSellAndRecordsGap(t *testing.T) {
	h := newHarness(t)
	inv := h.open(t, uuid.New(), entities.StrategyModerate, "V", "1000", "100")
	h.balance.failCredit = true

	res, err := h.executor.Sell(context.Background(), inv, d("110"), d("10"))
	require.Error(t, err)
	assert.True(t, domainerrors.IsPartialSettlement(err))
	assert.True(t, domainerrors.IsServiceUnavailable(err))
	require.NotNil(t, res)

	stored := h.reload(t, inv.ID)
	assert.True(t, stored.CurrentQuantity.IsZero(), "local sell must not be rolled back")

	gaps, err := h.gaps.ListUnresolved(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.True(t, gaps[0].Amount.Equal(d("1100")))
	assert.Equal(t, res.Transaction.ID, gaps[0].TransactionID)
	assert.Equal(t, gaps[0].ID.String(), domainerrors.GetErrorDetails(err)["reconciliation_gap_id"])
}

func TestExecutor_StaleVersionIsRejected(t *testing.T) {
	h := newHarness(t)
	inv := h.open(t, uuid.New(), entities.StrategyModerate, "V", "1000", "100")
	stale := inv.Clone()

	_, err := h.executor.Sell(context.Background(), inv, d("100"), d("1"))
	require.NoError(t, err)

	_, err = h.executor.Sell(context.Background(), stale, d("100"), d("1"))
	require.Error(t, err)
	assert.True(t, domainerrors.IsConflict(err))

	stored := h.reload(t, inv.ID)
	assert.Equal(t, int64(1), stored.Version)
	assert.True(t, stored.CurrentQuantity.Equal(d("9")))
}

func TestExecutor_ExitRetiresPosition(t *testing.T) {
	h := newHarness(t)
	inv := h.open(t, uuid.New(), entities.StrategyAggressive, "TSLA", "500", "250")

	res, err := h.executor.Exit(context.Background(), inv, d("300"))
	require.NoError(t, err)
	assert.Equal(t, entities.InvestmentStatusClosed, res.Investment.Status)
	assert.True(t, res.Transaction.Quantity.Equal(d("2")))
	assert.True(t, res.Transaction.TotalAmount.Equal(d("600")))
}
