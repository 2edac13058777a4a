package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Hungruong/money-mate/internal/domain/entities"
	domainerrors "github.com/Hungruong/money-mate/internal/domain/errors"
	"github.com/Hungruong/money-mate/internal/domain/services/autotrading"
	"github.com/Hungruong/money-mate/internal/workers/autotrading_worker"
	"github.com/Hungruong/money-mate/pkg/logger"
)

type mockService struct {
	mock.Mock
}

func (m *mockService) investments(args mock.Arguments) ([]*entities.Investment, error) {
	if v := args.Get(0); v != nil {
		return v.([]*entities.Investment), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockService) Start(ctx context.Context, userID uuid.UUID, tag string, amount decimal.Decimal) ([]*entities.Investment, error) {
	return m.investments(m.Called(ctx, userID, tag, amount))
}

func (m *mockService) Pause(ctx context.Context, userID uuid.UUID) ([]*entities.Investment, error) {
	return m.investments(m.Called(ctx, userID))
}

func (m *mockService) Resume(ctx context.Context, userID uuid.UUID) ([]*entities.Investment, error) {
	return m.investments(m.Called(ctx, userID))
}

func (m *mockService) Stop(ctx context.Context, userID uuid.UUID) ([]*entities.Investment, error) {
	return m.investments(m.Called(ctx, userID))
}

func (m *mockService) Close(ctx context.Context, userID uuid.UUID) ([]*entities.Investment, error) {
	return m.investments(m.Called(ctx, userID))
}

func (m *mockService) ManualSell(ctx context.Context, userID uuid.UUID, symbol string, qty decimal.Decimal) (*autotrading.TradeResult, error) {
	args := m.Called(ctx, userID, symbol, qty)
	if v := args.Get(0); v != nil {
		return v.(*autotrading.TradeResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockService) ListInvestments(ctx context.Context, userID uuid.UUID) ([]*entities.Investment, error) {
	return m.investments(m.Called(ctx, userID))
}

func (m *mockService) GetSummary(ctx context.Context, userID uuid.UUID) ([]*entities.PortfolioSummary, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).([]*entities.PortfolioSummary), args.Error(1)
}

func (m *mockService) ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*entities.Transaction, error) {
	args := m.Called(ctx, userID, limit, offset)
	return args.Get(0).([]*entities.Transaction), args.Error(1)
}

func (m *mockService) ListTradeLogs(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*entities.TradeLog, error) {
	args := m.Called(ctx, userID, limit, offset)
	return args.Get(0).([]*entities.TradeLog), args.Error(1)
}

func (m *mockService) ListReconciliationGaps(ctx context.Context, limit int) ([]*entities.ReconciliationGap, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]*entities.ReconciliationGap), args.Error(1)
}

func (m *mockService) ResolveReconciliationGap(ctx context.Context, id uuid.UUID) (*entities.ReconciliationGap, error) {
	args := m.Called(ctx, id)
	if v := args.Get(0); v != nil {
		return v.(*entities.ReconciliationGap), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) RunTier(ctx context.Context, tier entities.Strategy) (*autotrading_worker.TierRun, error) {
	args := m.Called(ctx, tier)
	if v := args.Get(0); v != nil {
		return v.(*autotrading_worker.TierRun), args.Error(1)
	}
	return nil, args.Error(1)
}

func newRouter(svc AutoTradingService, runner TierRunner) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewAutoTradingHandlers(svc, runner, logger.NewNop())
	router := gin.New()
	g := router.Group("/api/v1/autotrading")
	g.POST("/start", h.StartStrategy)
	g.POST("/pause/:userId", h.PauseStrategy)
	g.POST("/resume/:userId", h.ResumeStrategy)
	g.POST("/stop/:userId", h.StopStrategy)
	g.POST("/close/:userId", h.CloseStrategy)
	g.POST("/sell/:userId/:symbol", h.SellInvestment)
	g.GET("/investments/:userId", h.GetInvestments)
	g.GET("/investments/:userId/transactions", h.GetTransactions)
	g.GET("/reconciliation-gaps", h.GetReconciliationGaps)
	g.POST("/reconciliation-gaps/:id/resolve", h.ResolveReconciliationGap)
	g.POST("/evaluate/:strategy", h.EvaluateTier)
	return router
}

func do(router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) entities.ErrorResponse {
	t.Helper()
	var resp entities.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestStartStrategy(t *testing.T) {
	svc := &mockService{}
	userID := uuid.New()
	inv := &entities.Investment{ID: uuid.New(), UserID: userID, Symbol: "AAPL", Strategy: entities.StrategyConservative}
	svc.On("Start", mock.Anything, userID, "conservative", mock.MatchedBy(func(d decimal.Decimal) bool {
		return d.Equal(decimal.NewFromInt(1000))
	})).Return([]*entities.Investment{inv}, nil)

	w := do(newRouter(svc, nil), http.MethodPost, "/api/v1/autotrading/start", map[string]interface{}{
		"userId":   userID.String(),
		"strategy": "conservative",
		"amount":   1000,
	})

	assert.Equal(t, http.StatusCreated, w.Code)
	var got []entities.Investment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "AAPL", got[0].Symbol)
	svc.AssertExpectations(t)
}

func TestStartStrategy_RequestValidation(t *testing.T) {
	svc := &mockService{}
	router := newRouter(svc, nil)

	w := do(router, http.MethodPost, "/api/v1/autotrading/start", map[string]interface{}{
		"userId":   "not-a-uuid",
		"strategy": "moderate",
		"amount":   100,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ErrCodeValidationError, decodeError(t, w).Code)

	w = do(router, http.MethodPost, "/api/v1/autotrading/start", "{")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	svc.AssertNotCalled(t, "Start", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDomainErrorMapping(t *testing.T) {
	userID := uuid.New()
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"unknown strategy", domainerrors.UnknownStrategyError("yolo"), http.StatusBadRequest, "VALIDATION_ERROR"},
		{"invalid state", domainerrors.StateError("an active auto-trading strategy already exists"), http.StatusConflict, "INVALID_STATE"},
		{"conflict", domainerrors.ConflictError("investment", "version mismatch"), http.StatusConflict, "CONFLICT"},
		{"market data down", domainerrors.ServiceUnavailableError("market-data", errors.New("timeout")), http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"},
		{"not found", domainerrors.NotFoundError("RECONCILIATION_GAP"), http.StatusNotFound, "RECONCILIATION_GAP_NOT_FOUND"},
		{"unexpected", errors.New("pq: connection refused"), http.StatusInternalServerError, ErrCodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockService{}
			svc.On("Pause", mock.Anything, userID).Return(nil, tt.err)

			w := do(newRouter(svc, nil), http.MethodPost, "/api/v1/autotrading/pause/"+userID.String(), nil)
			assert.Equal(t, tt.status, w.Code)
			resp := decodeError(t, w)
			assert.Equal(t, tt.code, resp.Code)
			if tt.status == http.StatusInternalServerError {
				assert.NotContains(t, resp.Message, "pq:")
			}
		})
	}
}

func TestTransitions_InvalidUserID(t *testing.T) {
	svc := &mockService{}
	router := newRouter(svc, nil)
	for _, op := range []string{"pause", "resume", "stop", "close"} {
		w := do(router, http.MethodPost, "/api/v1/autotrading/"+op+"/xyz", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, op)
		assert.Equal(t, ErrCodeInvalidUserID, decodeError(t, w).Code)
	}
}

func TestTransitions_DelegateToService(t *testing.T) {
	userID := uuid.New()
	svc := &mockService{}
	for _, m := range []string{"Resume", "Stop", "Close"} {
		svc.On(m, mock.Anything, userID).Return([]*entities.Investment{}, nil)
	}
	router := newRouter(svc, nil)

	for _, op := range []string{"resume", "stop", "close"} {
		w := do(router, http.MethodPost, "/api/v1/autotrading/"+op+"/"+userID.String(), nil)
		assert.Equal(t, http.StatusOK, w.Code, op)
	}
	svc.AssertExpectations(t)
}

func TestSellInvestment(t *testing.T) {
	userID := uuid.New()
	inv := &entities.Investment{ID: uuid.New(), UserID: userID, Symbol: "AAPL"}
	tx := &entities.Transaction{ID: uuid.New(), InvestmentID: inv.ID, Type: entities.TransactionTypeSell}
	qty := decimal.RequireFromString("2.5")

	t.Run("settled", func(t *testing.T) {
		svc := &mockService{}
		svc.On("ManualSell", mock.Anything, userID, "aapl", mock.MatchedBy(qty.Equal)).
			Return(&autotrading.TradeResult{Investment: inv, Transaction: tx}, nil)

		w := do(newRouter(svc, nil), http.MethodPost, "/api/v1/autotrading/sell/"+userID.String()+"/aapl", map[string]string{"quantity": "2.5"})
		assert.Equal(t, http.StatusOK, w.Code)
		var resp ManualSellResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, tx.ID, resp.Transaction.ID)
		assert.Nil(t, resp.Warning)
	})

	t.Run("partial settlement", func(t *testing.T) {
		svc := &mockService{}
		gapID := uuid.NewString()
		svc.On("ManualSell", mock.Anything, userID, "AAPL", mock.Anything).
			Return(&autotrading.TradeResult{Investment: inv, Transaction: tx}, domainerrors.PartialSettlementError(gapID, errors.New("user service down")))

		w := do(newRouter(svc, nil), http.MethodPost, "/api/v1/autotrading/sell/"+userID.String()+"/AAPL", map[string]string{"quantity": "2.5"})
		assert.Equal(t, http.StatusAccepted, w.Code)
		var resp ManualSellResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.NotNil(t, resp.Warning)
		assert.Equal(t, "PARTIAL_SETTLEMENT", resp.Warning.Code)
		assert.Equal(t, gapID, resp.Warning.Details["reconciliation_gap_id"])
	})

	t.Run("insufficient quantity", func(t *testing.T) {
		svc := &mockService{}
		svc.On("ManualSell", mock.Anything, userID, "AAPL", mock.Anything).
			Return(nil, domainerrors.InsufficientPositionError("AAPL", "1", "2.5"))

		w := do(newRouter(svc, nil), http.MethodPost, "/api/v1/autotrading/sell/"+userID.String()+"/AAPL", map[string]string{"quantity": "2.5"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "INSUFFICIENT_QUANTITY", decodeError(t, w).Code)
	})
}

func TestGetTransactions_Pagination(t *testing.T) {
	userID := uuid.New()
	svc := &mockService{}
	svc.On("ListTransactions", mock.Anything, userID, 10, 20).Return([]*entities.Transaction{}, nil)
	router := newRouter(svc, nil)

	w := do(router, http.MethodGet, "/api/v1/autotrading/investments/"+userID.String()+"/transactions?limit=10&offset=20", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(router, http.MethodGet, "/api/v1/autotrading/investments/"+userID.String()+"/transactions?limit=500", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(router, http.MethodGet, "/api/v1/autotrading/investments/"+userID.String()+"/transactions?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	svc.AssertNumberOfCalls(t, "ListTransactions", 1)
}

func TestReconciliationGaps(t *testing.T) {
	svc := &mockService{}
	gap := &entities.ReconciliationGap{ID: uuid.New(), Amount: decimal.NewFromInt(480)}
	svc.On("ListReconciliationGaps", mock.Anything, 0).Return([]*entities.ReconciliationGap{gap}, nil)
	svc.On("ResolveReconciliationGap", mock.Anything, gap.ID).Return(gap, nil)
	router := newRouter(svc, nil)

	w := do(router, http.MethodGet, "/api/v1/autotrading/reconciliation-gaps", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(router, http.MethodPost, "/api/v1/autotrading/reconciliation-gaps/"+gap.ID.String()+"/resolve", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(router, http.MethodPost, "/api/v1/autotrading/reconciliation-gaps/nope/resolve", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEvaluateTier(t *testing.T) {
	runner := &mockRunner{}
	runner.On("RunTier", mock.Anything, entities.StrategyAggressive).
		Return(&autotrading_worker.TierRun{Report: &autotrading.TickReport{Strategy: entities.StrategyAggressive, Evaluated: 4}}, nil)
	router := newRouter(&mockService{}, runner)

	w := do(router, http.MethodPost, "/api/v1/autotrading/evaluate/Aggressive", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"evaluated":4`)

	w = do(router, http.MethodPost, "/api/v1/autotrading/evaluate/yolo", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(newRouter(&mockService{}, nil), http.MethodPost, "/api/v1/autotrading/evaluate/moderate", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
