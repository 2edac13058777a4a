// Package autotrading implements the automated trading engine: capital
// allocation, trade execution against the position ledger, scheduled
// position evaluation, account-level termination checks and the strategy
// lifecycle state machine.
package autotrading

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"

	"github.com/Hungruong/money-mate/pkg/logger"
)

var tracer = otel.Tracer("autotrading-service")

// PriceProvider returns the latest market price for a symbol. A missing
// price is reported as an error wrapping errors.ErrPriceUnavailable.
type PriceProvider interface {
	GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// BalanceAdjuster moves money on the user's auto-trading balance held by the
// user-account service. Negative deltas debit, positive deltas credit.
type BalanceAdjuster interface {
	AdjustAutoTradingBalance(ctx context.Context, userID uuid.UUID, delta decimal.Decimal) error
}

// Notifier delivers a best-effort message to a user
type Notifier interface {
	NotifyUser(ctx context.Context, userID uuid.UUID, message string) error
}

// Clock abstracts wall time so ticks can be driven from tests
type Clock interface {
	Now() time.Time
}

// RandomSource draws uniformly from [0, n)
type RandomSource interface {
	Intn(n int) int
}

// UserLocker serialises operations that must not interleave for one user
type UserLocker interface {
	Lock(ctx context.Context, userID uuid.UUID) (unlock func(), err error)
}

// NotificationGate admits a notification key at most once per ttl
type NotificationGate interface {
	Allow(ctx context.Context, key string, ttl time.Duration) bool
}

// SystemClock is the production clock
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// lockedRand makes math/rand safe for the concurrent ticks that share it
type lockedRand struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRandomSource returns a goroutine-safe random source seeded with seed
func NewRandomSource(seed int64) RandomSource {
	return &lockedRand{rnd: rand.New(rand.NewSource(seed))}
}

func (r *lockedRand) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.Intn(n)
}

// LocalUserLocker is an in-process keyed mutex
type LocalUserLocker struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*userLock
}

type userLock struct {
	ch   chan struct{}
	refs int
}

// NewLocalUserLocker creates an in-process user locker
func NewLocalUserLocker() *LocalUserLocker {
	return &LocalUserLocker{locks: make(map[uuid.UUID]*userLock)}
}

// Lock blocks until the user's lock is free or ctx is done
func (l *LocalUserLocker) Lock(ctx context.Context, userID uuid.UUID) (func(), error) {
	l.mu.Lock()
	ul, ok := l.locks[userID]
	if !ok {
		ul = &userLock{ch: make(chan struct{}, 1)}
		l.locks[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	select {
	case ul.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(userID, ul)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-ul.ch
			l.release(userID, ul)
		})
	}, nil
}

func (l *LocalUserLocker) release(userID uuid.UUID, ul *userLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ul.refs--
	if ul.refs == 0 {
		delete(l.locks, userID)
	}
}

// LocalNotificationGate remembers admitted keys in process memory
type LocalNotificationGate struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	clock Clock
}

// NewLocalNotificationGate creates an in-process notification gate
func NewLocalNotificationGate(clock Clock) *LocalNotificationGate {
	return &LocalNotificationGate{seen: make(map[string]time.Time), clock: clock}
}

func (g *LocalNotificationGate) Allow(ctx context.Context, key string, ttl time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock.Now()
	if until, ok := g.seen[key]; ok && now.Before(until) {
		return false
	}
	g.seen[key] = now.Add(ttl)
	return true
}

// safeNotify delivers a notification without ever failing the caller
func safeNotify(ctx context.Context, n Notifier, log *logger.Logger, userID uuid.UUID, message string) bool {
	if n == nil {
		return false
	}
	if err := n.NotifyUser(ctx, userID, message); err != nil {
		log.Warn("Notification failed",
			"user_id", userID,
			"message", message,
			"error", err)
		return false
	}
	return true
}
