// Package retry re-runs operations that fail with transient errors, waiting
// an exponentially growing backoff between attempts.
package retry

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// ErrMaxRetriesExceeded wraps the last error once the policy is exhausted
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// Policy describes how many times and how patiently to retry
type Policy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         bool
	// RetryableFunc overrides ShouldRetry when set
	RetryableFunc func(error) bool
}

// DefaultPolicy suits calls to flaky network collaborators
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Multiplier:     2.0,
		Jitter:         true,
	}
}

// ConflictPolicy retries optimistic lock conflicts a bounded number of times
// with short waits, so that a fresh read usually sees the winner's write.
func ConflictPolicy(attempts int, retryable func(error) bool) Policy {
	if attempts < 1 {
		attempts = 1
	}
	return Policy{
		MaxRetries:     attempts - 1,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
		Multiplier:     2.0,
		Jitter:         true,
		RetryableFunc:  retryable,
	}
}

// Validate rejects nonsensical policies
func (p Policy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("max retries must be >= 0, got %d", p.MaxRetries)
	}
	if p.InitialBackoff < 0 || p.MaxBackoff < 0 {
		return fmt.Errorf("backoff durations must be >= 0")
	}
	if p.MaxBackoff > 0 && p.InitialBackoff > p.MaxBackoff {
		return fmt.Errorf("initial backoff %s exceeds max backoff %s", p.InitialBackoff, p.MaxBackoff)
	}
	if p.Multiplier != 0 && p.Multiplier < 1 {
		return fmt.Errorf("multiplier must be >= 1, got %v", p.Multiplier)
	}
	return nil
}

// Backoff computes wait durations for a policy
type Backoff struct {
	policy Policy
}

// NewBackoff creates a backoff calculator
func NewBackoff(policy Policy) *Backoff {
	return &Backoff{policy: policy}
}

// Calculate returns the wait before the given 1-based retry attempt
func (b *Backoff) Calculate(attempt int) time.Duration {
	if attempt < 1 || b.policy.InitialBackoff == 0 {
		return 0
	}
	mult := b.policy.Multiplier
	if mult == 0 {
		mult = 1
	}
	d := float64(b.policy.InitialBackoff) * math.Pow(mult, float64(attempt-1))
	if b.policy.MaxBackoff > 0 && d > float64(b.policy.MaxBackoff) {
		d = float64(b.policy.MaxBackoff)
	}
	if b.policy.Jitter {
		// +/- 20%
		d = d * (0.8 + 0.4*rand.Float64())
	}
	return time.Duration(d)
}

// retryable is implemented by errors that know whether a retry can help
type retryable interface {
	IsRetryable() bool
}

// ShouldRetry is the default classification: errors that declare themselves
// retryable are retried, everything else is returned immediately.
func ShouldRetry(err error) bool {
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return false
}
