// Package autotrading_worker drives the trading engine on a timer: one
// cron entry per strategy tier, each followed by a termination pass.
package autotrading_worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Hungruong/money-mate/internal/domain/entities"
	"github.com/Hungruong/money-mate/internal/domain/services/autotrading"
	"github.com/Hungruong/money-mate/internal/domain/services/strategy"
	"github.com/Hungruong/money-mate/pkg/logger"
)

// TierEvaluator runs one evaluation pass over a tier
type TierEvaluator interface {
	EvaluateTier(ctx context.Context, s entities.Strategy) (*autotrading.TickReport, error)
}

// TerminationChecker runs the account-level checks for a tier
type TerminationChecker interface {
	RunPass(ctx context.Context, s entities.Strategy, extra []uuid.UUID) ([]*autotrading.TerminationResult, error)
}

// Config holds scheduler configuration
type Config struct {
	TickTimeout        time.Duration
	TerminationEnabled bool
}

// DefaultConfig returns default scheduler configuration
func DefaultConfig() Config {
	return Config{
		TickTimeout:        2 * time.Minute,
		TerminationEnabled: true,
	}
}

// TierRun is the outcome of one scheduled or manual tick
type TierRun struct {
	Report      *autotrading.TickReport          `json:"report"`
	Termination []*autotrading.TerminationResult `json:"termination,omitempty"`
	FinishedAt  time.Time                        `json:"finished_at"`
}

// Scheduler owns the cron loop for all tiers
type Scheduler struct {
	profiles  []strategy.Profile
	evaluator TierEvaluator
	monitor   TerminationChecker
	config    Config
	cron      *cron.Cron
	logger    *logger.Logger

	tickCounter  metric.Int64Counter
	tickDuration metric.Float64Histogram
	stopCounter  metric.Int64Counter

	mu      sync.RWMutex
	lastRun map[entities.Strategy]*TierRun
}

// NewScheduler creates a scheduler for the given tier profiles
func NewScheduler(
	profiles []strategy.Profile,
	evaluator TierEvaluator,
	monitor TerminationChecker,
	config Config,
	log *logger.Logger,
) (*Scheduler, error) {
	if config.TickTimeout <= 0 {
		config.TickTimeout = DefaultConfig().TickTimeout
	}

	meter := otel.Meter("autotrading-scheduler")

	tickCounter, err := meter.Int64Counter(
		"autotrading.tick.total",
		metric.WithDescription("Total number of tier evaluation ticks"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tick counter: %w", err)
	}

	tickDuration, err := meter.Float64Histogram(
		"autotrading.tick.duration.seconds",
		metric.WithDescription("Tier tick duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tick duration histogram: %w", err)
	}

	stopCounter, err := meter.Int64Counter(
		"autotrading.termination.stopped.total",
		metric.WithDescription("Total number of books force-stopped by the termination pass"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create stop counter: %w", err)
	}

	cl := cronLogger{log}
	return &Scheduler{
		profiles:     profiles,
		evaluator:    evaluator,
		monitor:      monitor,
		config:       config,
		cron:         cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		logger:       log,
		tickCounter:  tickCounter,
		tickDuration: tickDuration,
		stopCounter:  stopCounter,
		lastRun:      make(map[entities.Strategy]*TierRun),
	}, nil
}

// Start schedules every tier at its check interval and starts the cron loop
func (s *Scheduler) Start() error {
	for _, p := range s.profiles {
		if p.CheckInterval <= 0 {
			return fmt.Errorf("tier %s has no check interval", p.Strategy)
		}
		tier := p.Strategy
		s.cron.Schedule(cron.Every(p.CheckInterval), cron.FuncJob(func() {
			if _, err := s.RunTier(context.Background(), tier); err != nil {
				s.logger.Error("Scheduled tick failed", "strategy", tier, "error", err)
			}
		}))
		s.logger.Info("Scheduled auto-trading tier",
			"strategy", tier,
			"interval", p.CheckInterval)
	}

	s.cron.Start()
	s.logger.Info("Auto-trading scheduler started", "tiers", len(s.profiles))
	return nil
}

// Shutdown stops scheduling and waits for running ticks until ctx is done
func (s *Scheduler) Shutdown(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("Auto-trading scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown timed out: %w", ctx.Err())
	}
}

// RunTier evaluates one tier and then runs its termination pass over every
// live book plus the users the tick touched. The tick is bounded by the
// configured timeout.
func (s *Scheduler) RunTier(ctx context.Context, tier entities.Strategy) (*TierRun, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.TickTimeout)
	defer cancel()

	start := time.Now()
	report, err := s.evaluator.EvaluateTier(ctx, tier)
	status := "success"
	if err != nil {
		status = "failed"
	}
	s.tickCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("strategy", string(tier)),
		attribute.String("status", status),
	))
	if err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", tier, err)
	}

	run := &TierRun{Report: report}
	s.logger.Info("Auto-trading tick completed",
		"strategy", tier,
		"evaluated", report.Evaluated,
		"traded", report.Traded,
		"skipped", report.Skipped,
		"conflicts", report.Conflicts,
		"errors", report.Errors)

	if s.config.TerminationEnabled && s.monitor != nil {
		results, err := s.monitor.RunPass(ctx, tier, report.UsersTouched)
		if err != nil {
			s.logger.Error("Termination pass failed", "strategy", tier, "error", err)
		}
		run.Termination = results
		for _, r := range results {
			if r.Stopped {
				s.stopCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("strategy", string(tier))))
			}
		}
	}

	run.FinishedAt = time.Now().UTC()
	s.tickDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("strategy", string(tier))))

	s.mu.Lock()
	s.lastRun[tier] = run
	s.mu.Unlock()
	return run, nil
}

// LastRuns returns the most recent run of every tier that has ticked
func (s *Scheduler) LastRuns() map[entities.Strategy]*TierRun {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[entities.Strategy]*TierRun, len(s.lastRun))
	for k, v := range s.lastRun {
		out[k] = v
	}
	return out
}

// cronLogger adapts the service logger to cron.Logger
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
