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
	"github.com/Hungruong/money-mate/internal/domain/repositories"
	"github.com/Hungruong/money-mate/internal/domain/services/strategy"
	"github.com/Hungruong/money-mate/pkg/logger"
	"github.com/Hungruong/money-mate/pkg/tracing"
)

// StrategyStopper halts a user's book. It reports whether anything changed,
// so a book that is already stopped is not announced twice.
type StrategyStopper interface {
	ForceStop(ctx context.Context, userID uuid.UUID, s entities.Strategy) (bool, error)
}

// TerminationResult is the account-level view of one user's book
type TerminationResult struct {
	UserID           uuid.UUID         `json:"user_id"`
	Strategy         entities.Strategy `json:"strategy"`
	TotalCapital     decimal.Decimal   `json:"total_capital"`
	TotalValue       decimal.Decimal   `json:"total_value"`
	OverallReturnPct decimal.Decimal   `json:"overall_return_pct"`
	TargetReached    bool              `json:"target_reached"`
	Stopped          bool              `json:"stopped"`
	DurationElapsed  bool              `json:"duration_elapsed"`
	Notifications    int               `json:"notifications"`
}

// TerminationMonitor applies account-level rules across all of a user's
// positions in one tier: target return, overall loss stop and duration.
type TerminationMonitor struct {
	catalog      *strategy.Catalog
	investments  repositories.InvestmentRepository
	stopper      StrategyStopper
	notifier     Notifier
	gate         NotificationGate
	clock        Clock
	logger       *logger.Logger
	durationDays int
	dedupTTL     time.Duration
}

// NewTerminationMonitor creates a termination monitor. A zero durationDays
// defaults to 30 and a zero dedupTTL to one day.
func NewTerminationMonitor(
	catalog *strategy.Catalog,
	investments repositories.InvestmentRepository,
	stopper StrategyStopper,
	notifier Notifier,
	gate NotificationGate,
	clock Clock,
	logger *logger.Logger,
	durationDays int,
	dedupTTL time.Duration,
) *TerminationMonitor {
	if durationDays <= 0 {
		durationDays = 30
	}
	if dedupTTL <= 0 {
		dedupTTL = 24 * time.Hour
	}
	return &TerminationMonitor{
		catalog:      catalog,
		investments:  investments,
		stopper:      stopper,
		notifier:     notifier,
		gate:         gate,
		clock:        clock,
		logger:       logger,
		durationDays: durationDays,
		dedupTTL:     dedupTTL,
	}
}

// CheckUser evaluates the user's non-closed positions in strategy s. A user
// without any returns a nil result.
func (m *TerminationMonitor) CheckUser(ctx context.Context, userID uuid.UUID, s entities.Strategy) (*TerminationResult, error) {
	ctx, span := tracer.Start(ctx, "autotrading.CheckTermination",
		trace.WithAttributes(
			attribute.String("user_id", userID.String()),
			attribute.String("strategy", string(s)),
		))
	defer span.End()

	profile, err := m.catalog.Profile(s)
	if err != nil {
		return nil, err
	}

	all, err := m.investments.ListAutoByUser(ctx, userID)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("failed to load auto investments: %w", err)
	}
	book := liveBook(all, s)
	if len(book) == 0 {
		return nil, nil
	}

	res := &TerminationResult{
		UserID:       userID,
		Strategy:     s,
		TotalCapital: decimal.Zero,
		TotalValue:   decimal.Zero,
	}
	earliest := book[0].CreatedAt
	for _, inv := range book {
		res.TotalCapital = res.TotalCapital.Add(inv.CommittedCapital())
		res.TotalValue = res.TotalValue.Add(inv.CurrentValue)
		if inv.CreatedAt.Before(earliest) {
			earliest = inv.CreatedAt
		}
	}
	res.OverallReturnPct = overallReturn(res.TotalCapital, res.TotalValue)

	if res.OverallReturnPct.GreaterThanOrEqual(profile.TargetReturn) {
		res.TargetReached = true
		if m.gate.Allow(ctx, notificationKey("target", userID, s), m.dedupTTL) {
			msg := fmt.Sprintf("Target return of %s%% achieved for %s strategy.", profile.TargetReturn, s)
			if safeNotify(ctx, m.notifier, m.logger, userID, msg) {
				res.Notifications++
			}
		}
	}

	if res.OverallReturnPct.LessThanOrEqual(profile.AccountLossStop) {
		stopped, err := m.stopper.ForceStop(ctx, userID, s)
		if err != nil {
			tracing.RecordError(span, err)
			return res, fmt.Errorf("failed to force-stop %s strategy: %w", s, err)
		}
		if stopped {
			res.Stopped = true
			m.logger.Warn("Overall loss threshold exceeded, strategy stopped",
				"user_id", userID,
				"strategy", s,
				"overall_return_pct", res.OverallReturnPct)
			msg := fmt.Sprintf("Overall loss threshold exceeded for %s strategy. Trading stopped.", s)
			if safeNotify(ctx, m.notifier, m.logger, userID, msg) {
				res.Notifications++
			}
		}
	}

	if !m.clock.Now().Before(earliest.AddDate(0, 0, m.durationDays)) {
		res.DurationElapsed = true
		if m.gate.Allow(ctx, notificationKey("duration", userID, s), m.dedupTTL) {
			msg := fmt.Sprintf("%s duration reached for %s strategy. Please decide next steps.", durationLabel(m.durationDays), s)
			if safeNotify(ctx, m.notifier, m.logger, userID, msg) {
				res.Notifications++
			}
		}
	}

	return res, nil
}

// RunPass checks every user with a live book in the tier plus any extra
// users a tick reported. Per-user failures are logged and skipped.
func (m *TerminationMonitor) RunPass(ctx context.Context, s entities.Strategy, extra []uuid.UUID) ([]*TerminationResult, error) {
	users, err := m.investments.ListUsersWithOpenBooks(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s users: %w", s, err)
	}

	seen := make(map[uuid.UUID]struct{}, len(users)+len(extra))
	var results []*TerminationResult
	for _, id := range append(users, extra...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if ctx.Err() != nil {
			break
		}

		res, err := m.CheckUser(ctx, id, s)
		if err != nil {
			m.logger.Error("Termination check failed",
				"user_id", id,
				"strategy", s,
				"error", err)
			continue
		}
		if res != nil {
			results = append(results, res)
		}
	}
	return results, nil
}

// liveBook returns the user's non-closed positions in strategy s
func liveBook(all []*entities.Investment, s entities.Strategy) []*entities.Investment {
	var out []*entities.Investment
	for _, inv := range all {
		if inv.Strategy == s && inv.Status != entities.InvestmentStatusClosed {
			out = append(out, inv)
		}
	}
	return out
}

// overallReturn is (value - capital) / capital as a percentage, with the
// ratio rounded half-up to four places. Zero capital yields zero.
func overallReturn(capital, value decimal.Decimal) decimal.Decimal {
	return percentChange(capital, value)
}

func notificationKey(kind string, userID uuid.UUID, s entities.Strategy) string {
	return fmt.Sprintf("autotrading:notify:%s:%s:%s", kind, userID, s)
}

func durationLabel(days int) string {
	if days == 30 {
		return "1-month"
	}
	return fmt.Sprintf("%d-day", days)
}
