package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const lockPollInterval = 50 * time.Millisecond

// UserLocker serialises per-user operations across service instances with a
// SETNX lock. The TTL bounds how long a crashed holder can block others.
type UserLocker struct {
	client RedisClient
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

// NewUserLocker creates a Redis-backed user lock
func NewUserLocker(client RedisClient, ttl time.Duration, logger *zap.Logger) *UserLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &UserLocker{
		client: client,
		ttl:    ttl,
		prefix: "autotrading:lock:start:",
		logger: logger,
	}
}

// Lock polls until the lock is acquired or ctx is done
func (l *UserLocker) Lock(ctx context.Context, userID uuid.UUID) (func(), error) {
	key := l.prefix + userID.String()
	token := uuid.NewString()

	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock for user %s: %w", userID, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timed out waiting for lock on user %s: %w", userID, ctx.Err())
		case <-ticker.C:
		}
	}

	return func() {
		// the caller's context may already be cancelled
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		released, err := l.client.DelIfEquals(releaseCtx, key, token)
		if err != nil {
			l.logger.Warn("Failed to release user lock", zap.String("key", key), zap.Error(err))
			return
		}
		if !released {
			l.logger.Warn("User lock expired before release", zap.String("key", key), zap.Duration("ttl", l.ttl))
		}
	}, nil
}

// NotificationGate admits each key once per TTL across service instances
type NotificationGate struct {
	client RedisClient
	logger *zap.Logger
}

// NewNotificationGate creates a Redis-backed notification de-duplicator
func NewNotificationGate(client RedisClient, logger *zap.Logger) *NotificationGate {
	return &NotificationGate{client: client, logger: logger}
}

// Allow reports whether key has not been admitted within ttl. Keys are
// admitted while Redis is unreachable.
func (g *NotificationGate) Allow(ctx context.Context, key string, ttl time.Duration) bool {
	ok, err := g.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), ttl)
	if err != nil {
		g.logger.Warn("Notification gate unavailable, allowing", zap.String("key", key), zap.Error(err))
		return true
	}
	return ok
}
