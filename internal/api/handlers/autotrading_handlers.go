package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Hungruong/money-mate/internal/domain/entities"
	domainerrors "github.com/Hungruong/money-mate/internal/domain/errors"
	"github.com/Hungruong/money-mate/internal/domain/services/autotrading"
	"github.com/Hungruong/money-mate/internal/workers/autotrading_worker"
	"github.com/Hungruong/money-mate/pkg/logger"
)

// AutoTradingService is the lifecycle surface exposed over HTTP
type AutoTradingService interface {
	Start(ctx context.Context, userID uuid.UUID, tag string, amount decimal.Decimal) ([]*entities.Investment, error)
	Pause(ctx context.Context, userID uuid.UUID) ([]*entities.Investment, error)
	Resume(ctx context.Context, userID uuid.UUID) ([]*entities.Investment, error)
	Stop(ctx context.Context, userID uuid.UUID) ([]*entities.Investment, error)
	Close(ctx context.Context, userID uuid.UUID) ([]*entities.Investment, error)
	ManualSell(ctx context.Context, userID uuid.UUID, symbol string, qty decimal.Decimal) (*autotrading.TradeResult, error)
	ListInvestments(ctx context.Context, userID uuid.UUID) ([]*entities.Investment, error)
	GetSummary(ctx context.Context, userID uuid.UUID) ([]*entities.PortfolioSummary, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*entities.Transaction, error)
	ListTradeLogs(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*entities.TradeLog, error)
	ListReconciliationGaps(ctx context.Context, limit int) ([]*entities.ReconciliationGap, error)
	ResolveReconciliationGap(ctx context.Context, id uuid.UUID) (*entities.ReconciliationGap, error)
}

// TierRunner triggers an evaluation tick outside the schedule
type TierRunner interface {
	RunTier(ctx context.Context, tier entities.Strategy) (*autotrading_worker.TierRun, error)
}

// StartStrategyRequest starts a user's auto-trading book
type StartStrategyRequest struct {
	UserID   string          `json:"userId" validate:"required,uuid"`
	Strategy string          `json:"strategy" validate:"required,max=32"`
	Amount   decimal.Decimal `json:"amount"`
}

// ManualSellRequest sells part of a paused or stopped position
type ManualSellRequest struct {
	Quantity decimal.Decimal `json:"quantity"`
}

// PageQuery is the pagination query shared by list endpoints
type PageQuery struct {
	Limit  int `form:"limit" validate:"omitempty,min=1,max=200"`
	Offset int `form:"offset" validate:"omitempty,min=0"`
}

// ManualSellResponse carries the trade and, on partial settlement, a warning
type ManualSellResponse struct {
	Investment  *entities.Investment    `json:"investment"`
	Transaction *entities.Transaction   `json:"transaction"`
	Warning     *entities.ErrorResponse `json:"warning,omitempty"`
}

// AutoTradingHandlers handles the auto-trading endpoints
type AutoTradingHandlers struct {
	service   AutoTradingService
	runner    TierRunner
	validator *validator.Validate
	logger    *logger.Logger
}

// NewAutoTradingHandlers creates new auto-trading handlers
func NewAutoTradingHandlers(service AutoTradingService, runner TierRunner, logger *logger.Logger) *AutoTradingHandlers {
	return &AutoTradingHandlers{
		service:   service,
		runner:    runner,
		validator: validator.New(),
		logger:    logger,
	}
}

// StartStrategy handles POST /api/v1/autotrading/start
func (h *AutoTradingHandlers) StartStrategy(c *gin.Context) {
	var req StartStrategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid request body", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := h.validator.Struct(req); err != nil {
		respondError(c, http.StatusBadRequest, ErrCodeValidationError, "Request validation failed",
			map[string]interface{}{"error": err.Error()})
		return
	}

	userID := uuid.MustParse(req.UserID)
	investments, err := h.service.Start(c.Request.Context(), userID, req.Strategy, req.Amount)
	if err != nil {
		if len(investments) > 0 {
			// some legs were opened before the failure
			requestLogger(c, h.logger).Warnw("Strategy started partially",
				"user_id", userID,
				"opened", len(investments),
				"error", err)
		}
		respondDomainError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, investments)
}

// PauseStrategy handles POST /api/v1/autotrading/pause/:userId
func (h *AutoTradingHandlers) PauseStrategy(c *gin.Context) {
	h.transition(c, h.service.Pause)
}

// ResumeStrategy handles POST /api/v1/autotrading/resume/:userId
func (h *AutoTradingHandlers) ResumeStrategy(c *gin.Context) {
	h.transition(c, h.service.Resume)
}

// StopStrategy handles POST /api/v1/autotrading/stop/:userId
func (h *AutoTradingHandlers) StopStrategy(c *gin.Context) {
	h.transition(c, h.service.Stop)
}

// CloseStrategy handles POST /api/v1/autotrading/close/:userId
func (h *AutoTradingHandlers) CloseStrategy(c *gin.Context) {
	h.transition(c, h.service.Close)
}

func (h *AutoTradingHandlers) transition(c *gin.Context, op func(context.Context, uuid.UUID) ([]*entities.Investment, error)) {
	userID, ok := parseUserIDParam(c)
	if !ok {
		return
	}
	investments, err := op(c.Request.Context(), userID)
	if err != nil {
		respondDomainError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, investments)
}

// SellInvestment handles POST /api/v1/autotrading/sell/:userId/:symbol
func (h *AutoTradingHandlers) SellInvestment(c *gin.Context) {
	userID, ok := parseUserIDParam(c)
	if !ok {
		return
	}
	var req ManualSellRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid request body", map[string]interface{}{"error": err.Error()})
		return
	}

	result, err := h.service.ManualSell(c.Request.Context(), userID, c.Param("symbol"), req.Quantity)
	if err != nil && !(domainerrors.IsPartialSettlement(err) && result != nil) {
		respondDomainError(c, h.logger, err)
		return
	}

	resp := ManualSellResponse{Investment: result.Investment, Transaction: result.Transaction}
	status := http.StatusOK
	if err != nil {
		status = http.StatusAccepted
		resp.Warning = &entities.ErrorResponse{
			Code:    domainerrors.GetErrorCode(err),
			Message: err.Error(),
			Details: domainerrors.GetErrorDetails(err),
		}
	}
	c.JSON(status, resp)
}

// GetInvestments handles GET /api/v1/autotrading/investments/:userId
func (h *AutoTradingHandlers) GetInvestments(c *gin.Context) {
	userID, ok := parseUserIDParam(c)
	if !ok {
		return
	}
	investments, err := h.service.ListInvestments(c.Request.Context(), userID)
	if err != nil {
		respondDomainError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, investments)
}

// GetSummary handles GET /api/v1/autotrading/investments/:userId/summary
func (h *AutoTradingHandlers) GetSummary(c *gin.Context) {
	userID, ok := parseUserIDParam(c)
	if !ok {
		return
	}
	summary, err := h.service.GetSummary(c.Request.Context(), userID)
	if err != nil {
		respondDomainError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// GetTransactions handles GET /api/v1/autotrading/investments/:userId/transactions
func (h *AutoTradingHandlers) GetTransactions(c *gin.Context) {
	userID, ok := parseUserIDParam(c)
	if !ok {
		return
	}
	page, ok := h.bindPage(c)
	if !ok {
		return
	}
	txs, err := h.service.ListTransactions(c.Request.Context(), userID, page.Limit, page.Offset)
	if err != nil {
		respondDomainError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, txs)
}

// GetTradeLogs handles GET /api/v1/autotrading/trade-logs/:userId
func (h *AutoTradingHandlers) GetTradeLogs(c *gin.Context) {
	userID, ok := parseUserIDParam(c)
	if !ok {
		return
	}
	page, ok := h.bindPage(c)
	if !ok {
		return
	}
	logs, err := h.service.ListTradeLogs(c.Request.Context(), userID, page.Limit, page.Offset)
	if err != nil {
		respondDomainError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

// GetReconciliationGaps handles GET /api/v1/autotrading/reconciliation-gaps
func (h *AutoTradingHandlers) GetReconciliationGaps(c *gin.Context) {
	page, ok := h.bindPage(c)
	if !ok {
		return
	}
	gaps, err := h.service.ListReconciliationGaps(c.Request.Context(), page.Limit)
	if err != nil {
		respondDomainError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gaps)
}

// ResolveReconciliationGap handles POST /api/v1/autotrading/reconciliation-gaps/:id/resolve
func (h *AutoTradingHandlers) ResolveReconciliationGap(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, ErrCodeInvalidID, "Invalid reconciliation gap ID", nil)
		return
	}
	gap, err := h.service.ResolveReconciliationGap(c.Request.Context(), id)
	if err != nil {
		respondDomainError(c, h.logger, err)
		return
	}
	requestLogger(c, h.logger).Infow("Reconciliation gap resolved via API", "gap_id", id)
	c.JSON(http.StatusOK, gap)
}

// EvaluateTier handles POST /api/v1/autotrading/evaluate/:strategy
func (h *AutoTradingHandlers) EvaluateTier(c *gin.Context) {
	tier, ok := entities.ParseStrategy(c.Param("strategy"))
	if !ok {
		respondDomainError(c, h.logger, domainerrors.UnknownStrategyError(c.Param("strategy")))
		return
	}
	if h.runner == nil {
		respondError(c, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Scheduler is not running", nil)
		return
	}
	run, err := h.runner.RunTier(c.Request.Context(), tier)
	if err != nil {
		respondDomainError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (h *AutoTradingHandlers) bindPage(c *gin.Context) (PageQuery, bool) {
	var page PageQuery
	if err := c.ShouldBindQuery(&page); err != nil {
		respondBadRequest(c, "Invalid pagination parameters", map[string]interface{}{"error": err.Error()})
		return page, false
	}
	if err := h.validator.Struct(page); err != nil {
		respondError(c, http.StatusBadRequest, ErrCodeValidationError, "Invalid pagination parameters",
			map[string]interface{}{"error": err.Error()})
		return page, false
	}
	return page, true
}
