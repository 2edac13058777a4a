package autotrading_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hungruong/money-mate/internal/domain/entities"
	"github.com/Hungruong/money-mate/internal/domain/services/autotrading"
)

func TestEvaluator_ProfitTakeRotatesPosition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	old := h.open(t, userID, entities.StrategyAggressive, "TSLA", "1000", "100")

	h.prices.Set("TSLA", "126")
	h.prices.Set("NVDA", "50")
	h.rnd.vals = []int{0}

	report, err := h.evaluator.EvaluateTier(ctx, entities.StrategyAggressive)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Evaluated)
	assert.Equal(t, 1, report.Traded)
	assert.Equal(t, 0, report.Errors)
	assert.Equal(t, []uuid.UUID{userID}, report.UsersTouched)

	sold := h.reload(t, old.ID)
	assert.True(t, sold.CurrentQuantity.IsZero())
	assert.Equal(t, entities.InvestmentStatusClosed, sold.Status)

	oldTxs, err := h.investments.ListTransactions(ctx, old.ID)
	require.NoError(t, err)
	require.Len(t, oldTxs, 2)
	assert.Equal(t, entities.TransactionTypeSell, oldTxs[1].Type)
	assert.True(t, oldTxs[1].TotalAmount.Equal(d("1260")))

	var replacement *entities.Investment
	for _, inv := range h.book(t, userID) {
		if inv.ID != old.ID {
			replacement = inv
		}
	}
	require.NotNil(t, replacement)
	assert.Equal(t, "NVDA", replacement.Symbol)
	assert.True(t, replacement.AllocatedCapital.Equal(d("1260")), "proceeds carry forward")
	assert.True(t, replacement.CurrentQuantity.Equal(d("25.2")))
	assert.Equal(t, entities.InvestmentStatusActive, replacement.Status)

	newTxs, err := h.investments.ListTransactions(ctx, replacement.ID)
	require.NoError(t, err)
	require.Len(t, newTxs, 1)
	assert.Equal(t, entities.TransactionTypeBuy, newTxs[0].Type)

	assert.True(t, h.balance.Net().Equal(d("-1000")), "sale proceeds are fully reinvested")

	logs, err := h.tradeLogs.ListByUser(ctx, userID, 10, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, entities.TradeReasonProfitTarget, logs[0].Reason)
	assert.Equal(t, entities.TradeLogStatusCompleted, logs[0].Status)
	require.NotNil(t, logs[0].ReinvestedInvestmentID)
	assert.Equal(t, replacement.ID, *logs[0].ReinvestedInvestmentID)
	assert.True(t, logs[0].ProfitLoss.Equal(d("260")))

	requireLedgerInvariants(t, h.book(t, userID))
}

func TestEvaluator_TickIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inv := h.open(t, uuid.New(), entities.StrategyAggressive, "TSLA", "1000", "100")
	h.prices.Set("TSLA", "110")

	first, err := h.evaluator.EvaluateInvestment(ctx, h.reload(t, inv.ID), true)
	require.NoError(t, err)
	afterFirst := h.reload(t, inv.ID)

	second, err := h.evaluator.EvaluateInvestment(ctx, afterFirst, true)
	require.NoError(t, err)
	afterSecond := h.reload(t, inv.ID)

	assert.Equal(t, autotrading.OutcomeHeld, first)
	assert.Equal(t, first, second)
	assert.True(t, afterFirst.CurrentValue.Equal(d("1100")))
	assert.True(t, afterSecond.CurrentValue.Equal(afterFirst.CurrentValue))
	assert.Equal(t, afterFirst.Version+1, afterSecond.Version)

	txs, err := h.investments.ListTransactions(ctx, inv.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestEvaluator_ExitRules(t *testing.T) {
	cases := []struct {
		name     string
		strategy entities.Strategy
		symbol   string
		price    string
		age      time.Duration
		reason   entities.TradeReason
	}{
		{"loss stop", entities.StrategyConservative, "AAPL", "95", 0, entities.TradeReasonLossStop},
		{"holding period", entities.StrategyModerate, "V", "100", 10 * 24 * time.Hour, entities.TradeReasonMaxHolding},
		{"profit take", entities.StrategyModerate, "V", "115", 0, entities.TradeReasonProfitTarget},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			userID := uuid.New()
			h.open(t, userID, tc.strategy, tc.symbol, "1000", "100")
			h.priceUniverse(t, tc.strategy, "20")
			h.prices.Set(tc.symbol, tc.price)
			h.clock.Advance(tc.age)

			report, err := h.evaluator.EvaluateTier(ctx, tc.strategy)
			require.NoError(t, err)
			assert.Equal(t, 1, report.Traded)

			logs, err := h.tradeLogs.ListByUser(ctx, userID, 10, 0)
			require.NoError(t, err)
			require.Len(t, logs, 1)
			assert.Equal(t, tc.reason, logs[0].Reason)
		})
	}
}

func TestEvaluator_BelowThresholdsHolds(t *testing.T) {
	h := newHarness(t)
	h.open(t, uuid.New(), entities.StrategyModerate, "V", "1000", "100")
	h.prices.Set("V", "114.99")
	h.clock.Advance(9*24*time.Hour + 23*time.Hour)

	report, err := h.evaluator.EvaluateTier(context.Background(), entities.StrategyModerate)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Evaluated)
	assert.Equal(t, 0, report.Traded)
}

func TestEvaluator_MissingPriceSkips(t *testing.T) {
	h := newHarness(t)
	inv := h.open(t, uuid.New(), entities.StrategyModerate, "V", "1000", "100")

	report, err := h.evaluator.EvaluateTier(context.Background(), entities.StrategyModerate)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 0, report.Errors)
	assert.Empty(t, report.UsersTouched)
	assert.Equal(t, int64(0), h.reload(t, inv.ID).Version)
}

func TestEvaluator_PausedIsMonitoredNotTraded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	inv := h.open(t, userID, entities.StrategyAggressive, "TSLA", "1000", "100")
	_, err := h.service.Pause(ctx, userID)
	require.NoError(t, err)

	h.prices.Set("TSLA", "200")
	report, err := h.evaluator.EvaluateTier(ctx, entities.StrategyAggressive)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Traded)
	assert.Equal(t, 1, report.Evaluated)

	stored := h.reload(t, inv.ID)
	assert.True(t, stored.CurrentValue.Equal(d("2000")))
	assert.True(t, stored.CurrentQuantity.Equal(d("10")))
	assert.Equal(t, entities.InvestmentStatusPaused, stored.Status)
}

func TestEvaluator_StoppedIsIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	h.open(t, userID, entities.StrategyAggressive, "TSLA", "1000", "100")
	_, err := h.service.Stop(ctx, userID)
	require.NoError(t, err)
	h.prices.Set("TSLA", "200")

	report, err := h.evaluator.EvaluateTier(ctx, entities.StrategyAggressive)
	require.NoError(t, err)
	assert.Zero(t, report.Evaluated+report.Skipped)
}

func TestEvaluator_CreditFailureSkipsReinvest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	old := h.open(t, userID, entities.StrategyAggressive, "TSLA", "1000", "100")
	h.priceUniverse(t, entities.StrategyAggressive, "50")
	h.prices.Set("TSLA", "130")
	h.balance.failCredit = true

	report, err := h.evaluator.EvaluateTier(ctx, entities.StrategyAggressive)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Traded)
	assert.Equal(t, 1, report.Errors)

	invs := h.book(t, userID)
	require.Len(t, invs, 1, "no replacement may be bought with unsettled proceeds")
	assert.True(t, h.reload(t, old.ID).CurrentQuantity.IsZero())

	logs, err := h.tradeLogs.ListByUser(ctx, userID, 10, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, entities.TradeLogStatusFailed, logs[0].Status)

	gaps, err := h.gaps.ListUnresolved(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, gaps, 1)
}

func TestEvaluator_StaleSnapshotIsAConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inv := h.open(t, uuid.New(), entities.StrategyAggressive, "TSLA", "1000", "100")
	stale := inv.Clone()
	h.prices.Set("TSLA", "105")

	_, err := h.evaluator.EvaluateInvestment(ctx, inv, true)
	require.NoError(t, err)

	outcome, err := h.evaluator.EvaluateInvestment(ctx, stale, true)
	require.Error(t, err)
	assert.Equal(t, autotrading.OutcomeConflict, outcome)
}

// rotationSetup holds TSLA past its profit take next to a META position that
// stays put, with NVDA quoted as the replacement
func rotationSetup(t *testing.T) (*harness, uuid.UUID, *entities.Investment) {
	t.Helper()
	h := newHarness(t)
	userID := uuid.New()
	old := h.open(t, userID, entities.StrategyAggressive, "TSLA", "1000", "100")
	h.open(t, userID, entities.StrategyAggressive, "META", "1000", "100")
	h.prices.Set("TSLA", "126")
	h.prices.Set("META", "100")
	h.prices.Set("NVDA", "50")
	h.rnd.vals = []int{0}
	return h, userID, old
}

func holding(t *testing.T, h *harness, userID uuid.UUID, symbol string) *entities.Investment {
	t.Helper()
	for _, inv := range h.book(t, userID) {
		if inv.Symbol == symbol && inv.Status != entities.InvestmentStatusClosed {
			return inv
		}
	}
	t.Fatalf("no live %s position", symbol)
	return nil
}

func TestEvaluator_PauseBeforeReplacementBuyIsHonoured(t *testing.T) {
	h, userID, _ := rotationSetup(t)
	ctx := context.Background()
	var once sync.Once
	h.prices.onGet = func(symbol string) {
		if symbol == "NVDA" {
			once.Do(func() {
				_, err := h.service.Pause(ctx, userID)
				require.NoError(t, err)
			})
		}
	}

	_, err := h.evaluator.EvaluateTier(ctx, entities.StrategyAggressive)
	require.NoError(t, err)

	replacement := holding(t, h, userID, "NVDA")
	assert.Equal(t, entities.InvestmentStatusPaused, replacement.Status)

	_, err = h.service.Resume(ctx, userID)
	require.NoError(t, err)
	for _, inv := range h.book(t, userID) {
		if inv.Status != entities.InvestmentStatusClosed {
			assert.Equal(t, entities.InvestmentStatusActive, inv.Status, inv.Symbol)
		}
	}
}

func TestEvaluator_PauseDuringReplacementBuyIsHonoured(t *testing.T) {
	h, userID, _ := rotationSetup(t)
	ctx := context.Background()
	var once sync.Once
	h.balance.onAdjust = func(delta decimal.Decimal) {
		if delta.IsNegative() {
			once.Do(func() {
				_, err := h.service.Pause(ctx, userID)
				require.NoError(t, err)
			})
		}
	}

	_, err := h.evaluator.EvaluateTier(ctx, entities.StrategyAggressive)
	require.NoError(t, err)

	replacement := holding(t, h, userID, "NVDA")
	assert.Equal(t, entities.InvestmentStatusPaused, replacement.Status)

	_, err = h.service.Resume(ctx, userID)
	require.NoError(t, err)
}

func TestEvaluator_StopDuringRotationLeavesProceedsInBalance(t *testing.T) {
	h, userID, old := rotationSetup(t)
	ctx := context.Background()
	var once sync.Once
	h.prices.onGet = func(symbol string) {
		if symbol == "NVDA" {
			once.Do(func() {
				_, err := h.service.Stop(ctx, userID)
				require.NoError(t, err)
			})
		}
	}

	report, err := h.evaluator.EvaluateTier(ctx, entities.StrategyAggressive)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Traded)

	for _, inv := range h.book(t, userID) {
		assert.NotEqual(t, "NVDA", inv.Symbol, "a stopped book buys nothing")
	}
	assert.Equal(t, entities.InvestmentStatusClosed, h.reload(t, old.ID).Status)
	assert.True(t, h.balance.Net().Equal(d("-740")), "-2000 invested, +1260 returned")

	logs, err := h.tradeLogs.ListByUser(ctx, userID, 10, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, entities.TradeLogStatusCompleted, logs[0].Status)
	assert.Nil(t, logs[0].ReinvestedInvestmentID)
}

func TestEvaluator_ReplacementCarriesBookCapital(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	old := h.open(t, userID, entities.StrategyConservative, "AAPL", "1000", "100")
	h.prices.Set("AAPL", "95")
	h.prices.Set("MSFT", "100")

	_, err := h.evaluator.EvaluateTier(ctx, entities.StrategyConservative)
	require.NoError(t, err)

	assert.Equal(t, entities.InvestmentStatusClosed, h.reload(t, old.ID).Status)
	replacement := holding(t, h, userID, "MSFT")
	assert.True(t, replacement.AllocatedCapital.Equal(d("950")))
	assert.True(t, replacement.BookCapital.Equal(d("1000")))
}
