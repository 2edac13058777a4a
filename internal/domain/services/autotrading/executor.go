package autotrading

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Hungruong/money-mate/internal/domain/entities"
	domainerrors "github.com/Hungruong/money-mate/internal/domain/errors"
	"github.com/Hungruong/money-mate/internal/domain/repositories"
	"github.com/Hungruong/money-mate/pkg/logger"
	"github.com/Hungruong/money-mate/pkg/metrics"
	"github.com/Hungruong/money-mate/pkg/tracing"
)

// TradeResult is the committed state after a trade
type TradeResult struct {
	Investment  *entities.Investment
	Transaction *entities.Transaction
}

// Executor applies buys and sells to the position ledger and settles them
// against the user's auto-trading balance.
//
// Buys debit first and commit second, so a failed debit leaves nothing
// behind. Sells commit first and credit second; a failed credit is never
// rolled back locally but recorded as a reconciliation gap.
type Executor struct {
	investments repositories.InvestmentRepository
	gaps        repositories.ReconciliationGapRepository
	balance     BalanceAdjuster
	clock       Clock
	logger      *logger.Logger
}

// NewExecutor creates a trade executor
func NewExecutor(
	investments repositories.InvestmentRepository,
	gaps repositories.ReconciliationGapRepository,
	balance BalanceAdjuster,
	clock Clock,
	logger *logger.Logger,
) *Executor {
	return &Executor{
		investments: investments,
		gaps:        gaps,
		balance:     balance,
		clock:       clock,
		logger:      logger,
	}
}

// OpenPosition fills a new, unpersisted investment with as many units as its
// allocated capital buys at price, then persists it with its opening trade.
func (e *Executor) OpenPosition(ctx context.Context, inv *entities.Investment, price decimal.Decimal) (*TradeResult, error) {
	ctx, span := tracer.Start(ctx, "autotrading.OpenPosition",
		trace.WithAttributes(
			attribute.String("user_id", inv.UserID.String()),
			attribute.String("symbol", inv.Symbol),
			attribute.String("capital", inv.AllocatedCapital.String()),
		))
	defer span.End()

	res, err := e.fill(inv, price)
	if err != nil {
		return nil, err
	}
	opened, tx := res.Investment, res.Transaction

	if err := e.debit(ctx, opened.UserID, opened.Strategy, tx.TotalAmount); err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	if err := e.investments.CreateWithTransaction(ctx, opened, tx); err != nil {
		tracing.RecordError(span, err)
		e.compensateDebit(ctx, []*TradeResult{res}, err)
		metrics.RecordTrade("buy", string(opened.Strategy), "failed", 0)
		return nil, fmt.Errorf("failed to persist opened position: %w", err)
	}

	*inv = *opened
	metrics.RecordTrade("buy", string(opened.Strategy), "success", tx.TotalAmount.InexactFloat64())
	e.logger.Info("Opened auto-trading position",
		"user_id", opened.UserID,
		"investment_id", opened.ID,
		"symbol", opened.Symbol,
		"quantity", tx.Quantity,
		"price", price)

	return res, nil
}

// OpenBook opens every leg of a new book at its quoted price. The total cost
// is debited once and all legs are persisted in one write, so either the
// whole book exists afterwards or none of it does and the debit is refunded.
func (e *Executor) OpenBook(ctx context.Context, legs []*entities.Investment, quotes map[string]decimal.Decimal) ([]*TradeResult, error) {
	if len(legs) == 0 {
		return nil, domainerrors.ValidationError("amount", "nothing to open")
	}
	userID, st := legs[0].UserID, legs[0].Strategy
	ctx, span := tracer.Start(ctx, "autotrading.OpenBook",
		trace.WithAttributes(
			attribute.String("user_id", userID.String()),
			attribute.String("strategy", string(st)),
			attribute.Int("legs", len(legs)),
		))
	defer span.End()

	results := make([]*TradeResult, 0, len(legs))
	invs := make([]*entities.Investment, 0, len(legs))
	txs := make([]*entities.Transaction, 0, len(legs))
	total := decimal.Zero
	for _, leg := range legs {
		res, err := e.fill(leg, quotes[leg.Symbol])
		if err != nil {
			return nil, err
		}
		results = append(results, res)
		invs = append(invs, res.Investment)
		txs = append(txs, res.Transaction)
		total = total.Add(res.Transaction.TotalAmount)
	}

	if err := e.debit(ctx, userID, st, total); err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	if err := e.investments.CreateBook(ctx, invs, txs); err != nil {
		tracing.RecordError(span, err)
		e.compensateDebit(ctx, results, err)
		metrics.RecordTrade("buy", string(st), "failed", 0)
		return nil, fmt.Errorf("failed to persist opened book: %w", err)
	}

	for i, res := range results {
		*legs[i] = *res.Investment
		metrics.RecordTrade("buy", string(st), "success", res.Transaction.TotalAmount.InexactFloat64())
	}
	e.logger.Info("Opened auto-trading book",
		"user_id", userID,
		"strategy", st,
		"positions", len(results),
		"cost", total)

	return results, nil
}

// fill prices an unpersisted investment without touching the ledger or the balance
func (e *Executor) fill(inv *entities.Investment, price decimal.Decimal) (*TradeResult, error) {
	if !price.IsPositive() {
		return nil, domainerrors.ValidationError("price", "price must be greater than zero")
	}
	qty := quantityFor(inv.AllocatedCapital, price)
	if !qty.IsPositive() {
		return nil, domainerrors.ValidationError("amount", fmt.Sprintf("allocated capital %s buys nothing of %s at %s", inv.AllocatedCapital, inv.Symbol, price))
	}

	opened := inv.Clone()
	tx := e.applyBuy(opened, price, qty)
	return &TradeResult{Investment: opened, Transaction: tx}, nil
}

// Buy tops up an existing position. The basis becomes the quantity-weighted
// average of the previous basis and the new fill.
func (e *Executor) Buy(ctx context.Context, inv *entities.Investment, price, qty decimal.Decimal) (*TradeResult, error) {
	ctx, span := tracer.Start(ctx, "autotrading.Buy",
		trace.WithAttributes(
			attribute.String("investment_id", inv.ID.String()),
			attribute.String("quantity", qty.String()),
		))
	defer span.End()

	if !qty.IsPositive() {
		return nil, domainerrors.ValidationError("quantity", "quantity must be greater than zero")
	}
	if !price.IsPositive() {
		return nil, domainerrors.ValidationError("price", "price must be greater than zero")
	}

	updated := inv.Clone()
	tx := e.applyBuy(updated, price, qty)

	if err := e.debit(ctx, updated.UserID, updated.Strategy, tx.TotalAmount); err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	if err := e.investments.UpdateWithTransaction(ctx, updated, tx); err != nil {
		tracing.RecordError(span, err)
		e.compensateDebit(ctx, []*TradeResult{{Investment: updated, Transaction: tx}}, err)
		metrics.RecordTrade("buy", string(updated.Strategy), "failed", 0)
		return nil, err
	}

	*inv = *updated
	metrics.RecordTrade("buy", string(updated.Strategy), "success", tx.TotalAmount.InexactFloat64())
	return &TradeResult{Investment: updated, Transaction: tx}, nil
}

// Sell reduces a position by qty at price and credits the proceeds. When the
// credit fails the committed result is returned together with a partial
// settlement error carrying the reconciliation gap id.
func (e *Executor) Sell(ctx context.Context, inv *entities.Investment, price, qty decimal.Decimal) (*TradeResult, error) {
	return e.sell(ctx, inv, price, qty, false)
}

// Exit sells the whole position and retires it as closed in the same write.
// The evaluator exits positions whose capital moves on to a replacement.
func (e *Executor) Exit(ctx context.Context, inv *entities.Investment, price decimal.Decimal) (*TradeResult, error) {
	return e.sell(ctx, inv, price, inv.CurrentQuantity, true)
}

func (e *Executor) sell(ctx context.Context, inv *entities.Investment, price, qty decimal.Decimal, retire bool) (*TradeResult, error) {
	ctx, span := tracer.Start(ctx, "autotrading.Sell",
		trace.WithAttributes(
			attribute.String("investment_id", inv.ID.String()),
			attribute.String("symbol", inv.Symbol),
			attribute.String("quantity", qty.String()),
			attribute.Bool("retire", retire),
		))
	defer span.End()

	if !qty.IsPositive() {
		return nil, domainerrors.ValidationError("quantity", "quantity must be greater than zero")
	}
	if qty.GreaterThan(inv.CurrentQuantity) {
		return nil, domainerrors.InsufficientPositionError(inv.Symbol, inv.CurrentQuantity.String(), qty.String())
	}
	if !price.IsPositive() {
		return nil, domainerrors.ValidationError("price", "price must be greater than zero")
	}

	updated := inv.Clone()
	updated.TotalSoldQuantity = updated.TotalSoldQuantity.Add(qty)
	updated.CurrentQuantity = updated.CurrentQuantity.Sub(qty)
	updated.CurrentValue = valueOf(updated.CurrentQuantity, price)
	if updated.CurrentQuantity.IsZero() && (retire || updated.Status == entities.InvestmentStatusStopped) {
		updated.Status = entities.InvestmentStatusClosed
	}
	tx := entities.NewTransaction(updated.ID, entities.TransactionTypeSell, qty, price, e.clock.Now())

	if err := e.investments.UpdateWithTransaction(ctx, updated, tx); err != nil {
		tracing.RecordError(span, err)
		metrics.RecordTrade("sell", string(updated.Strategy), "failed", 0)
		return nil, err
	}

	*inv = *updated
	result := &TradeResult{Investment: updated, Transaction: tx}
	metrics.RecordTrade("sell", string(updated.Strategy), "success", tx.TotalAmount.InexactFloat64())
	if updated.Status == entities.InvestmentStatusClosed {
		source := "sell"
		if retire {
			source = "exit"
		}
		metrics.LifecycleTransitionsTotal.WithLabelValues(string(entities.InvestmentStatusClosed), source).Inc()
	}

	if err := e.credit(ctx, updated, tx.TotalAmount); err != nil {
		tracing.RecordError(span, err)
		gapID := e.recordGap(ctx, updated, tx, err)
		return result, domainerrors.PartialSettlementError(gapID.String(), err)
	}

	return result, nil
}

func (e *Executor) applyBuy(inv *entities.Investment, price, qty decimal.Decimal) *entities.Transaction {
	inv.AveragePrice = weightedAverage(inv.AveragePrice, inv.CurrentQuantity, price, qty)
	inv.TotalBoughtQuantity = inv.TotalBoughtQuantity.Add(qty)
	inv.CurrentQuantity = inv.CurrentQuantity.Add(qty)
	inv.CurrentValue = valueOf(inv.CurrentQuantity, price)
	return entities.NewTransaction(inv.ID, entities.TransactionTypeBuy, qty, price, e.clock.Now())
}

func (e *Executor) debit(ctx context.Context, userID uuid.UUID, st entities.Strategy, amount decimal.Decimal) error {
	if err := e.balance.AdjustAutoTradingBalance(ctx, userID, amount.Neg()); err != nil {
		e.logger.Warn("Balance debit failed, buy aborted",
			"user_id", userID,
			"strategy", st,
			"amount", amount,
			"error", err)
		metrics.RecordTrade("buy", string(st), "failed", 0)
		if domainerrors.IsServiceUnavailable(err) {
			return err
		}
		return domainerrors.ServiceUnavailableError("user", err)
	}
	return nil
}

func (e *Executor) credit(ctx context.Context, inv *entities.Investment, amount decimal.Decimal) error {
	return e.balance.AdjustAutoTradingBalance(ctx, inv.UserID, amount)
}

// compensateDebit refunds the debit behind buys whose local commit failed.
// When the refund fails too, each buy is owed back through its own gap.
func (e *Executor) compensateDebit(ctx context.Context, buys []*TradeResult, commitErr error) {
	owner := buys[0].Investment
	amount := decimal.Zero
	for _, b := range buys {
		amount = amount.Add(b.Transaction.TotalAmount)
	}

	refundErr := e.credit(ctx, owner, amount)
	if refundErr == nil {
		e.logger.Warn("Buy commit failed, debit refunded",
			"user_id", owner.UserID,
			"strategy", owner.Strategy,
			"positions", len(buys),
			"amount", amount,
			"error", commitErr)
		return
	}

	e.logger.Error("Buy commit failed and refund also failed",
		"user_id", owner.UserID,
		"strategy", owner.Strategy,
		"positions", len(buys),
		"amount", amount,
		"commit_error", commitErr,
		"refund_error", refundErr)
	for _, b := range buys {
		e.recordGap(ctx, b.Investment, b.Transaction, fmt.Errorf("refund after failed commit: %w", refundErr))
	}
}

// recordGap persists what the user is owed. Persisting can itself fail; the
// error log line then remains the only trace, so it carries every field.
func (e *Executor) recordGap(ctx context.Context, inv *entities.Investment, tx *entities.Transaction, cause error) uuid.UUID {
	gap := &entities.ReconciliationGap{
		ID:            uuid.New(),
		UserID:        inv.UserID,
		InvestmentID:  inv.ID,
		TransactionID: tx.ID,
		Amount:        tx.TotalAmount,
		Error:         cause.Error(),
		CreatedAt:     e.clock.Now(),
	}
	metrics.ReconciliationGapsTotal.Inc()

	e.logger.Error("Balance settlement failed, reconciliation required",
		"gap_id", gap.ID,
		"user_id", gap.UserID,
		"investment_id", gap.InvestmentID,
		"transaction_id", gap.TransactionID,
		"amount", gap.Amount,
		"error", cause)

	if err := e.gaps.Create(ctx, gap); err != nil {
		e.logger.Error("Failed to persist reconciliation gap",
			"gap_id", gap.ID,
			"error", err)
	}
	return gap.ID
}
