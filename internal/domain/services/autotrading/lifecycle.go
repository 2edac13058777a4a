package autotrading

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Hungruong/money-mate/internal/domain/entities"
	domainerrors "github.com/Hungruong/money-mate/internal/domain/errors"
	"github.com/Hungruong/money-mate/internal/domain/repositories"
	"github.com/Hungruong/money-mate/pkg/logger"
	"github.com/Hungruong/money-mate/pkg/metrics"
	"github.com/Hungruong/money-mate/pkg/retry"
	"github.com/Hungruong/money-mate/pkg/tracing"
)

// Start modes
const (
	StartModePortfolio = "portfolio"
	StartModeSingle    = "single"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Config holds lifecycle settings
type Config struct {
	// StartMode is "portfolio" (spread over the tier) or "single" (one random symbol)
	StartMode string
	// ConflictRetries bounds attempts of a read-modify-write that keeps losing the version check
	ConflictRetries int
}

// Service is the lifecycle manager for a user's auto-trading book. It is the
// only writer of investment status apart from the executor's escalation of a
// fully sold stopped position to closed.
type Service struct {
	allocator   *Allocator
	executor    *Executor
	investments repositories.InvestmentRepository
	tradeLogs   repositories.TradeLogRepository
	gaps        repositories.ReconciliationGapRepository
	prices      PriceProvider
	notifier    Notifier
	locker      UserLocker
	clock       Clock
	config      Config
	logger      *logger.Logger
}

// NewService creates the lifecycle manager
func NewService(
	allocator *Allocator,
	executor *Executor,
	investments repositories.InvestmentRepository,
	tradeLogs repositories.TradeLogRepository,
	gaps repositories.ReconciliationGapRepository,
	prices PriceProvider,
	notifier Notifier,
	locker UserLocker,
	clock Clock,
	config Config,
	logger *logger.Logger,
) *Service {
	if config.StartMode == "" {
		config.StartMode = StartModePortfolio
	}
	if config.ConflictRetries <= 0 {
		config.ConflictRetries = 3
	}
	return &Service{
		allocator:   allocator,
		executor:    executor,
		investments: investments,
		tradeLogs:   tradeLogs,
		gaps:        gaps,
		prices:      prices,
		notifier:    notifier,
		locker:      locker,
		clock:       clock,
		config:      config,
		logger:      logger,
	}
}

// Start allocates amount across the tier and opens every position. Prices
// are fetched up front so a missing quote aborts before any money moves.
// The book is debited once and persisted as a whole, so a failure leaves no
// position behind and a failed write refunds the debit.
func (s *Service) Start(ctx context.Context, userID uuid.UUID, tag string, amount decimal.Decimal) ([]*entities.Investment, error) {
	ctx, span := tracer.Start(ctx, "autotrading.Start",
		trace.WithAttributes(
			attribute.String("user_id", userID.String()),
			attribute.String("strategy", tag),
			attribute.String("amount", amount.String()),
		))
	defer span.End()

	strat, ok := entities.ParseStrategy(tag)
	if !ok {
		return nil, domainerrors.UnknownStrategyError(tag)
	}
	if !amount.IsPositive() {
		return nil, domainerrors.ValidationError("amount", "amount must be greater than zero")
	}

	unlock, err := s.locker.Lock(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire start lock: %w", err)
	}
	defer unlock()

	existing, err := s.investments.ListAutoByUser(ctx, userID)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("failed to load auto investments: %w", err)
	}
	for _, inv := range existing {
		if inv.Status == entities.InvestmentStatusActive {
			return nil, domainerrors.StateError("an active auto-trading strategy already exists")
		}
	}

	var legs []*entities.Investment
	if s.config.StartMode == StartModeSingle {
		leg, err := s.allocator.AllocateSingle(ctx, userID, strat, amount)
		if err != nil {
			return nil, err
		}
		legs = []*entities.Investment{leg}
	} else {
		legs, err = s.allocator.Allocate(ctx, userID, strat, amount)
		if err != nil {
			return nil, err
		}
	}

	quotes := make(map[string]decimal.Decimal, len(legs))
	for _, leg := range legs {
		if _, ok := quotes[leg.Symbol]; ok {
			continue
		}
		price, err := s.prices.GetCurrentPrice(ctx, leg.Symbol)
		if err == nil && !price.IsPositive() {
			err = domainerrors.PriceUnavailableError(leg.Symbol, nil)
		}
		if err != nil {
			tracing.RecordError(span, err)
			return nil, domainerrors.ServiceUnavailableError("market-data", err)
		}
		quotes[leg.Symbol] = price
	}

	results, err := s.executor.OpenBook(ctx, legs, quotes)
	if err != nil {
		tracing.RecordError(span, err)
		s.logger.Error("Start aborted, nothing opened",
			"user_id", userID,
			"strategy", strat,
			"planned", len(legs),
			"error", err)
		return nil, err
	}
	opened := make([]*entities.Investment, 0, len(results))
	for _, res := range results {
		opened = append(opened, res.Investment)
	}

	metrics.LifecycleTransitionsTotal.WithLabelValues(string(entities.InvestmentStatusActive), "start").Inc()
	s.logger.Info("Auto-trading started",
		"user_id", userID,
		"strategy", strat,
		"amount", amount,
		"positions", len(opened))

	return opened, nil
}

// Pause halts trading; paused positions may still be re-priced
func (s *Service) Pause(ctx context.Context, userID uuid.UUID) ([]*entities.Investment, error) {
	return s.transition(ctx, userID, "pause", entities.InvestmentStatusPaused, nil)
}

// Resume re-enables trading. It is rejected while anything is still active.
func (s *Service) Resume(ctx context.Context, userID uuid.UUID) ([]*entities.Investment, error) {
	return s.transition(ctx, userID, "resume", entities.InvestmentStatusActive, func(book []*entities.Investment) error {
		for _, inv := range book {
			if inv.Status == entities.InvestmentStatusActive {
				return domainerrors.StateError("an active auto-trading strategy already exists")
			}
		}
		return nil
	})
}

// Stop halts trading for good; positions can then only be sold manually
func (s *Service) Stop(ctx context.Context, userID uuid.UUID) ([]*entities.Investment, error) {
	return s.transition(ctx, userID, "stop", entities.InvestmentStatusStopped, nil)
}

// Close retires the book once every position has been sold
func (s *Service) Close(ctx context.Context, userID uuid.UUID) ([]*entities.Investment, error) {
	return s.transition(ctx, userID, "close", entities.InvestmentStatusClosed, requireSoldOut)
}

// ForceStop stops the user's book in strategy st on behalf of the
// termination monitor. It reports false when nothing needed stopping.
func (s *Service) ForceStop(ctx context.Context, userID uuid.UUID, st entities.Strategy) (bool, error) {
	changed := false
	err := s.withConflictRetry(ctx, "force_stop", func() error {
		changed = false
		book, err := s.loadBook(ctx, userID)
		if err != nil {
			return err
		}
		for _, inv := range book {
			if inv.Strategy != st || inv.Status == entities.InvestmentStatusStopped {
				continue
			}
			if err := s.setStatus(ctx, inv, entities.InvestmentStatusStopped); err != nil {
				return err
			}
			changed = true
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if changed {
		metrics.LifecycleTransitionsTotal.WithLabelValues(string(entities.InvestmentStatusStopped), "termination").Inc()
	}
	return changed, nil
}

// ManualSell sells qty of a paused or stopped position. When that leaves the
// whole book at zero while any position is stopped, the book is closed and
// the user told so.
func (s *Service) ManualSell(ctx context.Context, userID uuid.UUID, symbol string, qty decimal.Decimal) (*TradeResult, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	ctx, span := tracer.Start(ctx, "autotrading.ManualSell",
		trace.WithAttributes(
			attribute.String("user_id", userID.String()),
			attribute.String("symbol", symbol),
			attribute.String("quantity", qty.String()),
		))
	defer span.End()

	if symbol == "" {
		return nil, domainerrors.ValidationError("symbol", "symbol is required")
	}
	if !qty.IsPositive() {
		return nil, domainerrors.ValidationError("quantity", "quantity must be greater than zero")
	}

	var (
		result     *TradeResult
		settleErr  error
		wasStopped bool
	)
	err := s.withConflictRetry(ctx, "manual_sell", func() error {
		book, err := s.loadBook(ctx, userID)
		if err != nil {
			return err
		}
		inv := pickSellable(book, symbol)
		if inv == nil {
			return domainerrors.StateError(fmt.Sprintf("no paused or stopped investment found for symbol %s", symbol))
		}
		if qty.GreaterThan(inv.CurrentQuantity) {
			return domainerrors.InsufficientPositionError(symbol, inv.CurrentQuantity.String(), qty.String())
		}

		price, err := s.prices.GetCurrentPrice(ctx, symbol)
		if err == nil && !price.IsPositive() {
			err = domainerrors.PriceUnavailableError(symbol, nil)
		}
		if err != nil {
			return domainerrors.ServiceUnavailableError("market-data", err)
		}

		wasStopped = inv.Status == entities.InvestmentStatusStopped
		res, err := s.executor.Sell(ctx, inv, price, qty)
		if res == nil {
			return err
		}
		result, settleErr = res, err
		return nil
	})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	s.journalManualSell(ctx, result, settleErr)
	s.closeIfSoldOut(ctx, userID, wasStopped)

	if settleErr != nil {
		tracing.RecordError(span, settleErr)
		return result, settleErr
	}
	return result, nil
}

// ListInvestments returns every auto investment of the user, closed ones included
func (s *Service) ListInvestments(ctx context.Context, userID uuid.UUID) ([]*entities.Investment, error) {
	return s.investments.ListAutoByUser(ctx, userID)
}

// GetSummary aggregates the user's live book per strategy
func (s *Service) GetSummary(ctx context.Context, userID uuid.UUID) ([]*entities.PortfolioSummary, error) {
	book, err := s.loadBook(ctx, userID)
	if err != nil {
		return nil, err
	}

	byStrategy := make(map[entities.Strategy]*entities.PortfolioSummary)
	var order []entities.Strategy
	for _, inv := range book {
		sum, ok := byStrategy[inv.Strategy]
		if !ok {
			sum = &entities.PortfolioSummary{
				UserID:            userID,
				Strategy:          inv.Strategy,
				Status:            inv.Status,
				TotalCapital:      decimal.Zero,
				TotalValue:        decimal.Zero,
				EarliestCreatedAt: inv.CreatedAt,
			}
			byStrategy[inv.Strategy] = sum
			order = append(order, inv.Strategy)
		}
		sum.TotalCapital = sum.TotalCapital.Add(inv.CommittedCapital())
		sum.TotalValue = sum.TotalValue.Add(inv.CurrentValue)
		if inv.HasOpenQuantity() {
			sum.OpenPositions++
		}
		if inv.CreatedAt.Before(sum.EarliestCreatedAt) {
			sum.EarliestCreatedAt = inv.CreatedAt
		}
		if statusRank(inv.Status) < statusRank(sum.Status) {
			sum.Status = inv.Status
		}
	}

	out := make([]*entities.PortfolioSummary, 0, len(order))
	for _, st := range order {
		sum := byStrategy[st]
		sum.OverallReturnPct = overallReturn(sum.TotalCapital, sum.TotalValue)
		out = append(out, sum)
	}
	return out, nil
}

// ListTransactions pages through the trades of the user's auto investments
func (s *Service) ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*entities.Transaction, error) {
	limit, offset = normalizePage(limit, offset)
	return s.investments.ListTransactionsByUser(ctx, userID, limit, offset)
}

// ListTradeLogs pages through the user's journal of exits
func (s *Service) ListTradeLogs(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*entities.TradeLog, error) {
	limit, offset = normalizePage(limit, offset)
	return s.tradeLogs.ListByUser(ctx, userID, limit, offset)
}

// ListReconciliationGaps returns unresolved settlement gaps, oldest first
func (s *Service) ListReconciliationGaps(ctx context.Context, limit int) ([]*entities.ReconciliationGap, error) {
	limit, _ = normalizePage(limit, 0)
	return s.gaps.ListUnresolved(ctx, limit)
}

// ResolveReconciliationGap marks a gap settled by an operator
func (s *Service) ResolveReconciliationGap(ctx context.Context, id uuid.UUID) (*entities.ReconciliationGap, error) {
	if err := s.gaps.MarkResolved(ctx, id, s.clock.Now()); err != nil {
		return nil, err
	}
	gap, err := s.gaps.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if gap == nil {
		return nil, domainerrors.NotFoundError("RECONCILIATION_GAP")
	}
	s.logger.Info("Reconciliation gap resolved",
		"gap_id", id,
		"user_id", gap.UserID,
		"amount", gap.Amount)
	return gap, nil
}

// transition moves every live investment of the user to the target status.
// Each attempt re-reads the book and skips investments already there, so a
// retry after a lost version check only finishes what is left.
func (s *Service) transition(ctx context.Context, userID uuid.UUID, op string, to entities.InvestmentStatus, check func([]*entities.Investment) error) ([]*entities.Investment, error) {
	ctx, span := tracer.Start(ctx, "autotrading."+op,
		trace.WithAttributes(attribute.String("user_id", userID.String())))
	defer span.End()

	var book []*entities.Investment
	err := s.withConflictRetry(ctx, op, func() error {
		var err error
		book, err = s.loadBook(ctx, userID)
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(book); err != nil {
				return err
			}
		}
		for _, inv := range book {
			if inv.Status == to {
				continue
			}
			if err := s.setStatus(ctx, inv, to); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	metrics.LifecycleTransitionsTotal.WithLabelValues(string(to), op).Inc()
	s.logger.Info("Auto-trading status changed",
		"user_id", userID,
		"operation", op,
		"status", to,
		"investments", len(book))
	return book, nil
}

// setStatus writes one status change; inv is updated in place on success
func (s *Service) setStatus(ctx context.Context, inv *entities.Investment, to entities.InvestmentStatus) error {
	updated := inv.Clone()
	updated.Status = to
	if err := s.investments.Update(ctx, updated); err != nil {
		return err
	}
	*inv = *updated
	return nil
}

// loadBook returns the user's non-closed auto investments, failing when there are none
func (s *Service) loadBook(ctx context.Context, userID uuid.UUID) ([]*entities.Investment, error) {
	all, err := s.investments.ListAutoByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load auto investments: %w", err)
	}
	var book []*entities.Investment
	for _, inv := range all {
		if inv.Status != entities.InvestmentStatusClosed {
			book = append(book, inv)
		}
	}
	if len(book) == 0 {
		return nil, domainerrors.StrategyNotFoundError(userID.String())
	}
	return book, nil
}

func (s *Service) withConflictRetry(ctx context.Context, op string, fn func() error) error {
	policy := retry.ConflictPolicy(s.config.ConflictRetries, func(err error) bool {
		if domainerrors.IsConflict(err) {
			metrics.RecordConflict(op)
			return true
		}
		return false
	})
	return retry.Do(ctx, policy, s.logger.Zap(), fn)
}

func (s *Service) journalManualSell(ctx context.Context, res *TradeResult, settleErr error) {
	now := s.clock.Now()
	tx := res.Transaction
	inv := res.Investment
	entry := &entities.TradeLog{
		ID:           uuid.New(),
		UserID:       inv.UserID,
		InvestmentID: inv.ID,
		Symbol:       inv.Symbol,
		Strategy:     inv.Strategy,
		BuyPrice:     inv.AveragePrice,
		SellPrice:    tx.Price,
		Quantity:     tx.Quantity,
		ProfitLoss:   tx.Price.Sub(inv.AveragePrice).Mul(tx.Quantity).Round(scale),
		Reason:       entities.TradeReasonManual,
		Status:       entities.TradeLogStatusCompleted,
		StartedAt:    now,
		CompletedAt:  &now,
	}
	if settleErr != nil {
		msg := settleErr.Error()
		entry.Status = entities.TradeLogStatusFailed
		entry.Error = &msg
	}
	if err := s.tradeLogs.Create(ctx, entry); err != nil {
		s.logger.Warn("Failed to journal manual sell",
			"investment_id", inv.ID,
			"error", err)
	}
}

// closeIfSoldOut closes the book once nothing is held and it had been
// stopped. The sold position may already have been escalated to closed, so
// its prior status is passed in.
func (s *Service) closeIfSoldOut(ctx context.Context, userID uuid.UUID, soldWasStopped bool) {
	var closed bool
	err := s.withConflictRetry(ctx, "close_sold_out", func() error {
		closed = false
		all, err := s.investments.ListAutoByUser(ctx, userID)
		if err != nil {
			return err
		}
		anyStopped := soldWasStopped
		var book []*entities.Investment
		for _, inv := range all {
			if inv.Status == entities.InvestmentStatusClosed {
				continue
			}
			if inv.HasOpenQuantity() {
				return nil
			}
			if inv.Status == entities.InvestmentStatusStopped {
				anyStopped = true
			}
			book = append(book, inv)
		}
		if !anyStopped {
			return nil
		}
		for _, inv := range book {
			if err := s.setStatus(ctx, inv, entities.InvestmentStatusClosed); err != nil {
				return err
			}
		}
		closed = true
		return nil
	})
	if err != nil {
		s.logger.Warn("Failed to close sold-out strategy",
			"user_id", userID,
			"error", err)
		return
	}
	if closed {
		metrics.LifecycleTransitionsTotal.WithLabelValues(string(entities.InvestmentStatusClosed), "sold_out").Inc()
		safeNotify(ctx, s.notifier, s.logger, userID, "All positions sold. Strategy closed.")
	}
}

func requireSoldOut(book []*entities.Investment) error {
	for _, inv := range book {
		if inv.HasOpenQuantity() {
			return domainerrors.StateError("open positions must be sold first")
		}
	}
	return nil
}

// pickSellable prefers a paused or stopped position that still holds units
func pickSellable(book []*entities.Investment, symbol string) *entities.Investment {
	var fallback *entities.Investment
	for _, inv := range book {
		if inv.Symbol != symbol {
			continue
		}
		if inv.Status != entities.InvestmentStatusPaused && inv.Status != entities.InvestmentStatusStopped {
			continue
		}
		if inv.HasOpenQuantity() {
			return inv
		}
		if fallback == nil {
			fallback = inv
		}
	}
	return fallback
}

// statusRank orders statuses from most to least engaged
func statusRank(st entities.InvestmentStatus) int {
	switch st {
	case entities.InvestmentStatusActive:
		return 0
	case entities.InvestmentStatusPaused:
		return 1
	case entities.InvestmentStatusStopped:
		return 2
	default:
		return 3
	}
}

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
