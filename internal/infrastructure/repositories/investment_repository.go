package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/Hungruong/money-mate/internal/domain/entities"
	domainerrors "github.com/Hungruong/money-mate/internal/domain/errors"
	"github.com/Hungruong/money-mate/internal/infrastructure/database"
)

const investmentColumns = `
	id, user_id, symbol, total_bought_quantity, total_sold_quantity, current_quantity,
	average_price, allocated_capital, book_capital, current_value, type, strategy, status,
	created_at, updated_at, version`

// InvestmentRepository is the Postgres position ledger
type InvestmentRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewInvestmentRepository creates a new investment repository
func NewInvestmentRepository(db *sqlx.DB, logger *zap.Logger) *InvestmentRepository {
	return &InvestmentRepository{db: db, logger: logger}
}

// CreateWithTransaction inserts an investment and its opening trade in one database transaction
func (r *InvestmentRepository) CreateWithTransaction(ctx context.Context, inv *entities.Investment, tx *entities.Transaction) error {
	return database.WithTxx(ctx, r.db, func(dbtx *sqlx.Tx) error {
		return r.insertInvestment(ctx, dbtx, inv, tx)
	})
}

// CreateBook inserts a whole book in one database transaction
func (r *InvestmentRepository) CreateBook(ctx context.Context, invs []*entities.Investment, txs []*entities.Transaction) error {
	if len(invs) != len(txs) {
		return fmt.Errorf("book has %d investments but %d opening trades", len(invs), len(txs))
	}
	return database.WithTxx(ctx, r.db, func(dbtx *sqlx.Tx) error {
		for i, inv := range invs {
			if err := r.insertInvestment(ctx, dbtx, inv, txs[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *InvestmentRepository) insertInvestment(ctx context.Context, dbtx *sqlx.Tx, inv *entities.Investment, tx *entities.Transaction) error {
	inv.Version = 0
	query := `
		INSERT INTO investments (` + investmentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err := dbtx.ExecContext(ctx, query,
		inv.ID,
		inv.UserID,
		inv.Symbol,
		inv.TotalBoughtQuantity,
		inv.TotalSoldQuantity,
		inv.CurrentQuantity,
		inv.AveragePrice,
		inv.AllocatedCapital,
		inv.BookCapital,
		inv.CurrentValue,
		inv.Type,
		inv.Strategy,
		inv.Status,
		inv.CreatedAt,
		inv.UpdatedAt,
		inv.Version,
	)
	if err != nil {
		r.logger.Error("Failed to insert investment",
			zap.Error(err),
			zap.String("user_id", inv.UserID.String()),
			zap.String("symbol", inv.Symbol),
		)
		return fmt.Errorf("failed to create investment: %w", err)
	}
	if tx == nil {
		return nil
	}
	return r.insertTransaction(ctx, dbtx, tx)
}

// GetByID retrieves an investment; it returns nil, nil when absent
func (r *InvestmentRepository) GetByID(ctx context.Context, id uuid.UUID) (*entities.Investment, error) {
	var inv entities.Investment
	query := `SELECT ` + investmentColumns + ` FROM investments WHERE id = $1`

	err := r.db.GetContext(ctx, &inv, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get investment: %w", err)
	}
	return &inv, nil
}

// ListAutoByUser returns all auto investments of a user, oldest first
func (r *InvestmentRepository) ListAutoByUser(ctx context.Context, userID uuid.UUID) ([]*entities.Investment, error) {
	query := `
		SELECT ` + investmentColumns + `
		FROM investments
		WHERE user_id = $1 AND type = 'auto'
		ORDER BY created_at ASC, id ASC
	`
	var out []*entities.Investment
	if err := r.db.SelectContext(ctx, &out, query, userID); err != nil {
		r.logger.Error("Failed to list auto investments", zap.Error(err), zap.String("user_id", userID.String()))
		return nil, fmt.Errorf("failed to list auto investments: %w", err)
	}
	return out, nil
}

// ListAutoByStrategy returns the strategy's auto investments in any of the given statuses
func (r *InvestmentRepository) ListAutoByStrategy(ctx context.Context, strategy entities.Strategy, statuses ...entities.InvestmentStatus) ([]*entities.Investment, error) {
	states := make([]string, 0, len(statuses))
	for _, s := range statuses {
		states = append(states, string(s))
	}

	query := `
		SELECT ` + investmentColumns + `
		FROM investments
		WHERE type = 'auto' AND strategy = $1 AND (cardinality($2::text[]) = 0 OR status = ANY($2))
		ORDER BY user_id, created_at ASC
	`
	var out []*entities.Investment
	if err := r.db.SelectContext(ctx, &out, query, strategy, pq.Array(states)); err != nil {
		return nil, fmt.Errorf("failed to list investments by strategy: %w", err)
	}
	return out, nil
}

// ListUsersWithOpenBooks returns users with a non-closed auto investment in the strategy
func (r *InvestmentRepository) ListUsersWithOpenBooks(ctx context.Context, strategy entities.Strategy) ([]uuid.UUID, error) {
	query := `
		SELECT DISTINCT user_id
		FROM investments
		WHERE type = 'auto' AND strategy = $1 AND status <> 'closed'
	`
	var userIDs []uuid.UUID
	if err := r.db.SelectContext(ctx, &userIDs, query, strategy); err != nil {
		return nil, fmt.Errorf("failed to list users with open books: %w", err)
	}
	return userIDs, nil
}

// Update writes the investment if its stored version still matches inv.Version
func (r *InvestmentRepository) Update(ctx context.Context, inv *entities.Investment) error {
	return r.casUpdate(ctx, r.db, inv)
}

// UpdateWithTransaction applies the investment CAS and appends the trade atomically
func (r *InvestmentRepository) UpdateWithTransaction(ctx context.Context, inv *entities.Investment, tx *entities.Transaction) error {
	expected := inv.Version
	err := database.WithTxx(ctx, r.db, func(dbtx *sqlx.Tx) error {
		if err := r.casUpdate(ctx, dbtx, inv); err != nil {
			return err
		}
		return r.insertTransaction(ctx, dbtx, tx)
	})
	if err != nil && inv.Version != expected {
		// the row update was rolled back with the transaction
		inv.Version = expected
	}
	return err
}

// ListTransactions returns the trade history of one investment
func (r *InvestmentRepository) ListTransactions(ctx context.Context, investmentID uuid.UUID) ([]*entities.Transaction, error) {
	query := `
		SELECT id, investment_id, type, quantity, price, total_amount, created_at, version
		FROM transactions
		WHERE investment_id = $1
		ORDER BY created_at ASC
	`
	var out []*entities.Transaction
	if err := r.db.SelectContext(ctx, &out, query, investmentID); err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return out, nil
}

// ListTransactionsByUser returns a user's auto-trading transactions, newest first
func (r *InvestmentRepository) ListTransactionsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*entities.Transaction, error) {
	query := `
		SELECT t.id, t.investment_id, t.type, t.quantity, t.price, t.total_amount, t.created_at, t.version
		FROM transactions t
		INNER JOIN investments i ON i.id = t.investment_id
		WHERE i.user_id = $1 AND i.type = 'auto'
		ORDER BY t.created_at DESC
		LIMIT $2 OFFSET $3
	`
	var out []*entities.Transaction
	if err := r.db.SelectContext(ctx, &out, query, userID, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to list user transactions: %w", err)
	}
	return out, nil
}

func (r *InvestmentRepository) casUpdate(ctx context.Context, exec sqlx.ExecerContext, inv *entities.Investment) error {
	now := time.Now().UTC()
	query := `
		UPDATE investments SET
			total_bought_quantity = $3,
			total_sold_quantity = $4,
			current_quantity = $5,
			average_price = $6,
			allocated_capital = $7,
			book_capital = $8,
			current_value = $9,
			status = $10,
			updated_at = $11,
			version = version + 1
		WHERE id = $1 AND version = $2
	`
	res, err := exec.ExecContext(ctx, query,
		inv.ID,
		inv.Version,
		inv.TotalBoughtQuantity,
		inv.TotalSoldQuantity,
		inv.CurrentQuantity,
		inv.AveragePrice,
		inv.AllocatedCapital,
		inv.BookCapital,
		inv.CurrentValue,
		inv.Status,
		now,
	)
	if err != nil {
		r.logger.Error("Failed to update investment", zap.Error(err), zap.String("investment_id", inv.ID.String()))
		return fmt.Errorf("failed to update investment: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		r.logger.Debug("Stale investment version",
			zap.String("investment_id", inv.ID.String()),
			zap.Int64("version", inv.Version),
		)
		return domainerrors.ConflictError("investment", fmt.Sprintf("version %d of %s is stale", inv.Version, inv.ID))
	}

	inv.Version++
	inv.UpdatedAt = now
	return nil
}

func (r *InvestmentRepository) insertTransaction(ctx context.Context, exec sqlx.ExecerContext, tx *entities.Transaction) error {
	tx.Version = 0
	query := `
		INSERT INTO transactions (id, investment_id, type, quantity, price, total_amount, created_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := exec.ExecContext(ctx, query,
		tx.ID,
		tx.InvestmentID,
		tx.Type,
		tx.Quantity,
		tx.Price,
		tx.TotalAmount,
		tx.CreatedAt,
		tx.Version,
	)
	if err != nil {
		r.logger.Error("Failed to insert transaction",
			zap.Error(err),
			zap.String("investment_id", tx.InvestmentID.String()),
			zap.String("type", string(tx.Type)),
		)
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}
