package entities

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Strategy is the risk tier an auto-trading book runs under
type Strategy string

const (
	StrategyConservative Strategy = "conservative"
	StrategyModerate     Strategy = "moderate"
	StrategyAggressive   Strategy = "aggressive"
)

// AllStrategies lists the tiers in ascending risk order
var AllStrategies = []Strategy{StrategyConservative, StrategyModerate, StrategyAggressive}

// IsValid reports whether s is one of the known tiers
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyConservative, StrategyModerate, StrategyAggressive:
		return true
	}
	return false
}

// ParseStrategy parses a tier tag case-insensitively. The second return is
// false for unknown tags.
func ParseStrategy(tag string) (Strategy, bool) {
	s := Strategy(strings.ToLower(strings.TrimSpace(tag)))
	return s, s.IsValid()
}

// InvestmentStatus governs whether the evaluator may trade an investment
type InvestmentStatus string

const (
	InvestmentStatusActive  InvestmentStatus = "active"
	InvestmentStatusPaused  InvestmentStatus = "paused"
	InvestmentStatusStopped InvestmentStatus = "stopped"
	InvestmentStatusClosed  InvestmentStatus = "closed"
)

// InvestmentType distinguishes engine-managed positions from manual ones
type InvestmentType string

const (
	InvestmentTypeManual InvestmentType = "manual"
	InvestmentTypeAuto   InvestmentType = "auto"
)

// TransactionType is the side of an executed trade
type TransactionType string

const (
	TransactionTypeBuy  TransactionType = "buy"
	TransactionTypeSell TransactionType = "sell"
)

// Investment is one position in a single symbol. Quantities always satisfy
// CurrentQuantity = TotalBoughtQuantity - TotalSoldQuantity >= 0.
type Investment struct {
	ID                  uuid.UUID        `json:"id" db:"id"`
	UserID              uuid.UUID        `json:"user_id" db:"user_id"`
	Symbol              string           `json:"symbol" db:"symbol"`
	TotalBoughtQuantity decimal.Decimal  `json:"total_bought_quantity" db:"total_bought_quantity"`
	TotalSoldQuantity   decimal.Decimal  `json:"total_sold_quantity" db:"total_sold_quantity"`
	CurrentQuantity     decimal.Decimal  `json:"current_quantity" db:"current_quantity"`
	AveragePrice        decimal.Decimal  `json:"average_price" db:"average_price"`
	AllocatedCapital    decimal.Decimal  `json:"allocated_capital" db:"allocated_capital"`
	// BookCapital is the share of the user's committed capital this position
	// stands for. A replacement inherits it from the position it replaced.
	BookCapital         decimal.Decimal  `json:"book_capital" db:"book_capital"`
	CurrentValue        decimal.Decimal  `json:"current_value" db:"current_value"`
	Type                InvestmentType   `json:"type" db:"type"`
	Strategy            Strategy         `json:"strategy" db:"strategy"`
	Status              InvestmentStatus `json:"status" db:"status"`
	CreatedAt           time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at" db:"updated_at"`
	Version             int64            `json:"version" db:"version"`
}

// NewAutoInvestment builds an unfilled auto position for the allocator
func NewAutoInvestment(userID uuid.UUID, strategy Strategy, symbol string, capital decimal.Decimal, now time.Time) *Investment {
	return &Investment{
		ID:                  uuid.New(),
		UserID:              userID,
		Symbol:              symbol,
		TotalBoughtQuantity: decimal.Zero,
		TotalSoldQuantity:   decimal.Zero,
		CurrentQuantity:     decimal.Zero,
		AveragePrice:        decimal.Zero,
		AllocatedCapital:    capital,
		BookCapital:         capital,
		CurrentValue:        decimal.Zero,
		Type:                InvestmentTypeAuto,
		Strategy:            strategy,
		Status:              InvestmentStatusActive,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

// IsAuto reports whether the engine manages this investment
func (i *Investment) IsAuto() bool {
	return i.Type == InvestmentTypeAuto
}

// HasOpenQuantity reports whether any units are still held
func (i *Investment) HasOpenQuantity() bool {
	return i.CurrentQuantity.GreaterThan(decimal.Zero)
}

// CommittedCapital is BookCapital, or AllocatedCapital for rows that predate it
func (i *Investment) CommittedCapital() decimal.Decimal {
	if i.BookCapital.IsPositive() {
		return i.BookCapital
	}
	return i.AllocatedCapital
}

// Clone returns a copy safe to mutate without touching the original
func (i *Investment) Clone() *Investment {
	c := *i
	return &c
}

// Transaction is an append-only record of one executed buy or sell
type Transaction struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	InvestmentID uuid.UUID       `json:"investment_id" db:"investment_id"`
	Type         TransactionType `json:"type" db:"type"`
	Quantity     decimal.Decimal `json:"quantity" db:"quantity"`
	Price        decimal.Decimal `json:"price" db:"price"`
	TotalAmount  decimal.Decimal `json:"total_amount" db:"total_amount"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	Version      int64           `json:"version" db:"version"`
}

// NewTransaction builds a transaction with TotalAmount = Quantity x Price
func NewTransaction(investmentID uuid.UUID, txType TransactionType, quantity, price decimal.Decimal, now time.Time) *Transaction {
	return &Transaction{
		ID:           uuid.New(),
		InvestmentID: investmentID,
		Type:         txType,
		Quantity:     quantity,
		Price:        price,
		TotalAmount:  quantity.Mul(price),
		CreatedAt:    now,
	}
}

// TradeReason records which rule closed a position
type TradeReason string

const (
	TradeReasonProfitTarget TradeReason = "profit_target"
	TradeReasonLossStop     TradeReason = "loss_stop"
	TradeReasonMaxHolding   TradeReason = "max_holding"
	TradeReasonManual       TradeReason = "manual"
)

// TradeLogStatus tracks progress of a sell-and-reinvest cycle
type TradeLogStatus string

const (
	TradeLogStatusInProgress TradeLogStatus = "in_progress"
	TradeLogStatusCompleted  TradeLogStatus = "completed"
	TradeLogStatusFailed     TradeLogStatus = "failed"
)

// TradeLog journals one realised exit, optionally followed by a reinvestment
type TradeLog struct {
	ID                     uuid.UUID       `json:"id" db:"id"`
	UserID                 uuid.UUID       `json:"user_id" db:"user_id"`
	InvestmentID           uuid.UUID       `json:"investment_id" db:"investment_id"`
	Symbol                 string          `json:"symbol" db:"symbol"`
	Strategy               Strategy        `json:"strategy" db:"strategy"`
	BuyPrice               decimal.Decimal `json:"buy_price" db:"buy_price"`
	SellPrice              decimal.Decimal `json:"sell_price" db:"sell_price"`
	Quantity               decimal.Decimal `json:"quantity" db:"quantity"`
	ProfitLoss             decimal.Decimal `json:"profit_loss" db:"profit_loss"`
	Reason                 TradeReason     `json:"reason" db:"reason"`
	Status                 TradeLogStatus  `json:"status" db:"status"`
	ReinvestedInvestmentID *uuid.UUID      `json:"reinvested_investment_id,omitempty" db:"reinvested_investment_id"`
	Error                  *string         `json:"error,omitempty" db:"error"`
	StartedAt              time.Time       `json:"started_at" db:"started_at"`
	CompletedAt            *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// ReconciliationGap is a committed local sell whose balance credit failed
type ReconciliationGap struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	UserID        uuid.UUID       `json:"user_id" db:"user_id"`
	InvestmentID  uuid.UUID       `json:"investment_id" db:"investment_id"`
	TransactionID uuid.UUID       `json:"transaction_id" db:"transaction_id"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	Error         string          `json:"error" db:"error"`
	Resolved      bool            `json:"resolved" db:"resolved"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
}

// PortfolioSummary aggregates a user's auto positions in one strategy
type PortfolioSummary struct {
	UserID            uuid.UUID        `json:"user_id"`
	Strategy          Strategy         `json:"strategy"`
	Status            InvestmentStatus `json:"status"`
	TotalCapital      decimal.Decimal  `json:"total_capital"`
	TotalValue        decimal.Decimal  `json:"total_value"`
	OverallReturnPct  decimal.Decimal  `json:"overall_return_pct"`
	OpenPositions     int              `json:"open_positions"`
	EarliestCreatedAt time.Time        `json:"earliest_created_at"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}
