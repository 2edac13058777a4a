package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/Hungruong/money-mate/internal/domain/entities"
	domainerrors "github.com/Hungruong/money-mate/internal/domain/errors"
)

// TradeLogRepository handles trade journal persistence
type TradeLogRepository struct {
	db *sqlx.DB
}

// NewTradeLogRepository creates a new trade log repository
func NewTradeLogRepository(db *sqlx.DB) *TradeLogRepository {
	return &TradeLogRepository{db: db}
}

// Create records a new journal row
func (r *TradeLogRepository) Create(ctx context.Context, log *entities.TradeLog) error {
	query := `
		INSERT INTO trade_logs (
			id, user_id, investment_id, symbol, strategy, buy_price, sell_price, quantity,
			profit_loss, reason, status, reinvested_investment_id, error, started_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err := r.db.ExecContext(ctx, query,
		log.ID,
		log.UserID,
		log.InvestmentID,
		log.Symbol,
		log.Strategy,
		log.BuyPrice,
		log.SellPrice,
		log.Quantity,
		log.ProfitLoss,
		log.Reason,
		log.Status,
		log.ReinvestedInvestmentID,
		log.Error,
		log.StartedAt,
		log.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create trade log: %w", err)
	}
	return nil
}

// Update stores the outcome of a journalled cycle
func (r *TradeLogRepository) Update(ctx context.Context, log *entities.TradeLog) error {
	query := `
		UPDATE trade_logs SET
			sell_price = $2,
			quantity = $3,
			profit_loss = $4,
			status = $5,
			reinvested_investment_id = $6,
			error = $7,
			completed_at = $8
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query,
		log.ID,
		log.SellPrice,
		log.Quantity,
		log.ProfitLoss,
		log.Status,
		log.ReinvestedInvestmentID,
		log.Error,
		log.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update trade log: %w", err)
	}
	return nil
}

// ListByUser returns a user's journal, newest first
func (r *TradeLogRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*entities.TradeLog, error) {
	query := `
		SELECT id, user_id, investment_id, symbol, strategy, buy_price, sell_price, quantity,
			profit_loss, reason, status, reinvested_investment_id, error, started_at, completed_at
		FROM trade_logs
		WHERE user_id = $1
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3
	`
	var out []*entities.TradeLog
	if err := r.db.SelectContext(ctx, &out, query, userID, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to list trade logs: %w", err)
	}
	return out, nil
}

// ReconciliationGapRepository handles reconciliation gap persistence
type ReconciliationGapRepository struct {
	db *sqlx.DB
}

// NewReconciliationGapRepository creates a new reconciliation gap repository
func NewReconciliationGapRepository(db *sqlx.DB) *ReconciliationGapRepository {
	return &ReconciliationGapRepository{db: db}
}

// Create records a gap
func (r *ReconciliationGapRepository) Create(ctx context.Context, gap *entities.ReconciliationGap) error {
	query := `
		INSERT INTO reconciliation_gaps (id, user_id, investment_id, transaction_id, amount, error, resolved, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.ExecContext(ctx, query,
		gap.ID,
		gap.UserID,
		gap.InvestmentID,
		gap.TransactionID,
		gap.Amount,
		gap.Error,
		gap.Resolved,
		gap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create reconciliation gap: %w", err)
	}
	return nil
}

// GetByID retrieves a gap; it returns nil, nil when absent
func (r *ReconciliationGapRepository) GetByID(ctx context.Context, id uuid.UUID) (*entities.ReconciliationGap, error) {
	var gap entities.ReconciliationGap
	query := `
		SELECT id, user_id, investment_id, transaction_id, amount, error, resolved, created_at, resolved_at
		FROM reconciliation_gaps
		WHERE id = $1
	`
	err := r.db.GetContext(ctx, &gap, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reconciliation gap: %w", err)
	}
	return &gap, nil
}

// ListUnresolved returns open gaps, oldest first
func (r *ReconciliationGapRepository) ListUnresolved(ctx context.Context, limit int) ([]*entities.ReconciliationGap, error) {
	query := `
		SELECT id, user_id, investment_id, transaction_id, amount, error, resolved, created_at, resolved_at
		FROM reconciliation_gaps
		WHERE resolved = false
		ORDER BY created_at ASC
		LIMIT $1
	`
	var out []*entities.ReconciliationGap
	if err := r.db.SelectContext(ctx, &out, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list reconciliation gaps: %w", err)
	}
	return out, nil
}

// MarkResolved flags a gap as settled by an operator
func (r *ReconciliationGapRepository) MarkResolved(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE reconciliation_gaps SET resolved = true, resolved_at = $2 WHERE id = $1 AND resolved = false`
	res, err := r.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("failed to resolve reconciliation gap: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return domainerrors.NotFoundError("RECONCILIATION_GAP")
	}
	return nil
}
