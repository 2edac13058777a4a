package autotrading

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Hungruong/money-mate/internal/domain/entities"
	domainerrors "github.com/Hungruong/money-mate/internal/domain/errors"
	"github.com/Hungruong/money-mate/internal/domain/repositories"
	"github.com/Hungruong/money-mate/internal/domain/services/strategy"
	"github.com/Hungruong/money-mate/pkg/logger"
	"github.com/Hungruong/money-mate/pkg/metrics"
	"github.com/Hungruong/money-mate/pkg/tracing"
)

// Outcome is what one evaluation did to an investment
type Outcome string

const (
	OutcomeSkipped   Outcome = "skipped"
	OutcomeMonitored Outcome = "monitored"
	OutcomeHeld      Outcome = "held"
	OutcomeTraded    Outcome = "traded"
	OutcomeConflict  Outcome = "conflict"
	OutcomeFailed    Outcome = "failed"
)

// TickReport summarises one evaluation pass over a tier
type TickReport struct {
	Strategy     entities.Strategy `json:"strategy"`
	Evaluated    int               `json:"evaluated"`
	Skipped      int               `json:"skipped"`
	Traded       int               `json:"traded"`
	Conflicts    int               `json:"conflicts"`
	Errors       int               `json:"errors"`
	UsersTouched []uuid.UUID       `json:"users_touched"`
	StartedAt    time.Time         `json:"started_at"`
	Duration     time.Duration     `json:"duration"`
}

// EvaluatorOption configures an Evaluator
type EvaluatorOption func(*Evaluator)

// WithPausedMonitoring makes ticks refresh the market value of paused
// investments without ever trading them
func WithPausedMonitoring(enabled bool) EvaluatorOption {
	return func(e *Evaluator) {
		e.monitorPaused = enabled
	}
}

// Evaluator re-prices a tier's positions and rotates the ones that crossed
// a profit, loss or holding-period threshold into a fresh symbol.
type Evaluator struct {
	catalog       *strategy.Catalog
	investments   repositories.InvestmentRepository
	tradeLogs     repositories.TradeLogRepository
	prices        PriceProvider
	allocator     *Allocator
	executor      *Executor
	clock         Clock
	logger        *logger.Logger
	monitorPaused bool
}

// NewEvaluator creates a position evaluator
func NewEvaluator(
	catalog *strategy.Catalog,
	investments repositories.InvestmentRepository,
	tradeLogs repositories.TradeLogRepository,
	prices PriceProvider,
	allocator *Allocator,
	executor *Executor,
	clock Clock,
	logger *logger.Logger,
	opts ...EvaluatorOption,
) *Evaluator {
	e := &Evaluator{
		catalog:     catalog,
		investments: investments,
		tradeLogs:   tradeLogs,
		prices:      prices,
		allocator:   allocator,
		executor:    executor,
		clock:       clock,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EvaluateTier runs one tick for the tier. Failures on individual
// investments are counted in the report; the returned error is reserved for
// failing to load the tier at all.
func (e *Evaluator) EvaluateTier(ctx context.Context, s entities.Strategy) (*TickReport, error) {
	ctx, span := tracer.Start(ctx, "autotrading.EvaluateTier",
		trace.WithAttributes(attribute.String("strategy", string(s))))
	defer span.End()

	report := &TickReport{Strategy: s, StartedAt: e.clock.Now()}
	start := time.Now()
	defer func() {
		report.Duration = time.Since(start)
		metrics.TickDuration.WithLabelValues(string(s)).Observe(report.Duration.Seconds())
	}()

	statuses := []entities.InvestmentStatus{entities.InvestmentStatusActive}
	if e.monitorPaused {
		statuses = append(statuses, entities.InvestmentStatusPaused)
	}
	invs, err := e.investments.ListAutoByStrategy(ctx, s, statuses...)
	if err != nil {
		tracing.RecordError(span, err)
		return report, fmt.Errorf("failed to load %s investments: %w", s, err)
	}

	touched := make(map[uuid.UUID]struct{})
	for _, inv := range invs {
		if ctx.Err() != nil {
			// deadline reached; the rest waits for the next tick
			break
		}

		outcome, err := e.EvaluateInvestment(ctx, inv, inv.Status == entities.InvestmentStatusActive)
		metrics.RecordEvaluation(string(s), string(outcome))

		switch outcome {
		case OutcomeSkipped:
			report.Skipped++
		case OutcomeConflict:
			report.Conflicts++
			metrics.RecordConflict("evaluate")
		case OutcomeFailed:
			report.Errors++
		default:
			report.Evaluated++
			if outcome == OutcomeTraded {
				report.Traded++
			}
		}
		// a trade can succeed while its settlement or reinvestment does not
		if err != nil && outcome == OutcomeTraded {
			report.Errors++
		}
		if err != nil && outcome != OutcomeConflict {
			e.logger.Warn("Position evaluation incomplete",
				"strategy", s,
				"investment_id", inv.ID,
				"symbol", inv.Symbol,
				"outcome", outcome,
				"error", err)
		}

		if outcome != OutcomeSkipped {
			touched[inv.UserID] = struct{}{}
		}
	}

	for id := range touched {
		report.UsersTouched = append(report.UsersTouched, id)
	}

	span.SetAttributes(
		attribute.Int("evaluated", report.Evaluated),
		attribute.Int("traded", report.Traded),
		attribute.Int("conflicts", report.Conflicts),
	)
	e.logger.Info("Evaluation tick finished",
		"strategy", s,
		"evaluated", report.Evaluated,
		"skipped", report.Skipped,
		"traded", report.Traded,
		"conflicts", report.Conflicts,
		"errors", report.Errors)

	return report, nil
}

// EvaluateInvestment marks one investment to market and, when trading is
// enabled, rotates it if an exit rule fires. Evaluating twice against the
// same price and state gives the same value and the same decision.
func (e *Evaluator) EvaluateInvestment(ctx context.Context, inv *entities.Investment, tradeEnabled bool) (Outcome, error) {
	if !inv.HasOpenQuantity() {
		return OutcomeSkipped, nil
	}

	price, err := e.prices.GetCurrentPrice(ctx, inv.Symbol)
	if err != nil || !price.IsPositive() {
		e.logger.Debug("No price, evaluation skipped",
			"symbol", inv.Symbol,
			"investment_id", inv.ID,
			"error", err)
		return OutcomeSkipped, nil
	}

	marked := inv.Clone()
	marked.CurrentValue = valueOf(marked.CurrentQuantity, price)
	if err := e.investments.Update(ctx, marked); err != nil {
		if domainerrors.IsConflict(err) {
			return OutcomeConflict, err
		}
		return OutcomeFailed, fmt.Errorf("failed to persist market value: %w", err)
	}

	if !tradeEnabled {
		return OutcomeMonitored, nil
	}

	profile, err := e.catalog.Profile(marked.Strategy)
	if err != nil {
		return OutcomeFailed, err
	}

	reason, fire := e.exitReason(profile, marked, price)
	if !fire {
		return OutcomeHeld, nil
	}

	return e.sellAndReinvest(ctx, marked, price, reason)
}

// exitReason applies the tier's exit rules in order: profit take, loss
// stop, then holding period
func (e *Evaluator) exitReason(p strategy.Profile, inv *entities.Investment, price decimal.Decimal) (entities.TradeReason, bool) {
	profitPct := percentChange(inv.AveragePrice, price)
	lossPct := profitPct.Neg()

	switch {
	case profitPct.GreaterThanOrEqual(p.ProfitThresholdMax):
		return entities.TradeReasonProfitTarget, true
	case lossPct.GreaterThanOrEqual(p.LossThresholdMax):
		return entities.TradeReasonLossStop, true
	case daysBetween(inv.CreatedAt, e.clock.Now()) >= p.MaxHoldingDays:
		return entities.TradeReasonMaxHolding, true
	}
	return "", false
}

// sellAndReinvest exits the whole position and opens a replacement in a
// different symbol of the tier, funded by the sale proceeds.
func (e *Evaluator) sellAndReinvest(ctx context.Context, inv *entities.Investment, price decimal.Decimal, reason entities.TradeReason) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "autotrading.SellAndReinvest",
		trace.WithAttributes(
			attribute.String("investment_id", inv.ID.String()),
			attribute.String("symbol", inv.Symbol),
			attribute.String("reason", string(reason)),
		))
	defer span.End()

	journal := &entities.TradeLog{
		ID:           uuid.New(),
		UserID:       inv.UserID,
		InvestmentID: inv.ID,
		Symbol:       inv.Symbol,
		Strategy:     inv.Strategy,
		BuyPrice:     inv.AveragePrice,
		SellPrice:    price,
		Quantity:     inv.CurrentQuantity,
		ProfitLoss:   price.Sub(inv.AveragePrice).Mul(inv.CurrentQuantity).Round(scale),
		Reason:       reason,
		Status:       entities.TradeLogStatusInProgress,
		StartedAt:    e.clock.Now(),
	}
	if err := e.tradeLogs.Create(ctx, journal); err != nil {
		e.logger.Warn("Failed to open trade journal entry",
			"investment_id", inv.ID,
			"error", err)
	}

	sold, err := e.executor.Exit(ctx, inv, price)
	if sold == nil {
		tracing.RecordError(span, err)
		e.finishJournal(ctx, journal, nil, err)
		if domainerrors.IsConflict(err) {
			return OutcomeConflict, err
		}
		return OutcomeFailed, err
	}
	if err != nil {
		// proceeds never reached the balance; reinvesting them would debit money the user does not have
		tracing.RecordError(span, err)
		e.finishJournal(ctx, journal, nil, err)
		return OutcomeTraded, err
	}

	proceeds := sold.Transaction.TotalAmount
	replacement, err := e.allocator.AllocateReplacement(ctx, inv.UserID, inv.Strategy, proceeds, inv.Symbol)
	if err != nil {
		e.finishJournal(ctx, journal, nil, err)
		return OutcomeTraded, fmt.Errorf("failed to allocate replacement: %w", err)
	}

	newPrice, err := e.prices.GetCurrentPrice(ctx, replacement.Symbol)
	if err != nil || !newPrice.IsPositive() {
		if err == nil {
			err = domainerrors.PriceUnavailableError(replacement.Symbol, nil)
		}
		e.finishJournal(ctx, journal, nil, err)
		return OutcomeTraded, fmt.Errorf("proceeds left in balance, no price for %s: %w", replacement.Symbol, err)
	}

	// the user may have paused or stopped the book since this tick read it
	status, err := e.bookStatus(ctx, inv.UserID, inv.Strategy, uuid.Nil)
	if err != nil {
		e.finishJournal(ctx, journal, nil, err)
		return OutcomeTraded, fmt.Errorf("proceeds left in balance: %w", err)
	}
	if status == entities.InvestmentStatusStopped {
		e.finishJournal(ctx, journal, nil, nil)
		e.logger.Info("Book stopped during rotation, proceeds left in balance",
			"user_id", inv.UserID,
			"strategy", inv.Strategy,
			"sold_symbol", inv.Symbol,
			"proceeds", proceeds)
		return OutcomeTraded, nil
	}
	replacement.Status = status
	replacement.BookCapital = inv.CommittedCapital()

	opened, err := e.executor.OpenPosition(ctx, replacement, newPrice)
	if err != nil {
		tracing.RecordError(span, err)
		e.finishJournal(ctx, journal, nil, err)
		return OutcomeTraded, fmt.Errorf("failed to reinvest proceeds: %w", err)
	}
	e.followBook(ctx, opened.Investment)

	e.finishJournal(ctx, journal, &opened.Investment.ID, nil)
	e.logger.Info("Position rotated",
		"user_id", inv.UserID,
		"strategy", inv.Strategy,
		"reason", reason,
		"sold_symbol", inv.Symbol,
		"bought_symbol", opened.Investment.Symbol,
		"proceeds", proceeds)

	return OutcomeTraded, nil
}

// bookStatus is the status the user's live positions in the tier share, the
// most restrictive one when they disagree. Active when none are left.
func (e *Evaluator) bookStatus(ctx context.Context, userID uuid.UUID, s entities.Strategy, exclude uuid.UUID) (entities.InvestmentStatus, error) {
	all, err := e.investments.ListAutoByUser(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to load auto investments: %w", err)
	}
	status := entities.InvestmentStatusActive
	for _, inv := range liveBook(all, s) {
		if inv.ID == exclude {
			continue
		}
		switch inv.Status {
		case entities.InvestmentStatusStopped:
			return entities.InvestmentStatusStopped, nil
		case entities.InvestmentStatusPaused:
			status = entities.InvestmentStatusPaused
		}
	}
	return status, nil
}

// followBook moves a just opened replacement to the status its book took on
// while the replacement was being bought
func (e *Evaluator) followBook(ctx context.Context, opened *entities.Investment) {
	status, err := e.bookStatus(ctx, opened.UserID, opened.Strategy, opened.ID)
	if err != nil {
		e.logger.Warn("Failed to re-check book status after rotation",
			"investment_id", opened.ID,
			"error", err)
		return
	}
	if status == opened.Status {
		return
	}

	updated := opened.Clone()
	updated.Status = status
	if err := e.investments.Update(ctx, updated); err != nil {
		e.logger.Warn("Failed to align replacement with book status",
			"investment_id", opened.ID,
			"status", status,
			"error", err)
		return
	}
	*opened = *updated
}

func (e *Evaluator) finishJournal(ctx context.Context, journal *entities.TradeLog, reinvested *uuid.UUID, cause error) {
	now := e.clock.Now()
	journal.CompletedAt = &now
	journal.ReinvestedInvestmentID = reinvested
	journal.Status = entities.TradeLogStatusCompleted
	if cause != nil {
		msg := cause.Error()
		journal.Status = entities.TradeLogStatusFailed
		journal.Error = &msg
	}
	if err := e.tradeLogs.Update(ctx, journal); err != nil {
		e.logger.Warn("Failed to close trade journal entry",
			"trade_log_id", journal.ID,
			"status", journal.Status,
			"error", err)
	}
}

// daysBetween counts whole elapsed days
func daysBetween(from, to time.Time) int {
	if to.Before(from) {
		return 0
	}
	return int(to.Sub(from).Hours() / 24)
}
