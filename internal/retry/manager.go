// Package retry tracks per-event delivery attempts and computes the
// exponential-backoff-with-jitter delay schedule shared by both queue
// back-ends.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Defaults for the retry schedule.
const (
	MaxRetries   = 5
	InitialDelay = 1000 * time.Millisecond
	Backoff      = 2.0
	MaxDelay     = 60000 * time.Millisecond
	CounterTTL   = 24 * time.Hour

	// JitterFraction is the uniform jitter applied around the computed
	// delay, so delay(n) lands in [0.8d, 1.2d].
	JitterFraction = 0.2

	keyPrefix = "retry:count:"
)

// Manager owns the per-event attempt counters.
type Manager struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewManager creates a retry manager on the given Redis client.
func NewManager(rdb *redis.Client, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{rdb: rdb, logger: logger}
}

// Attempts returns the recorded attempt count for an event id.
func (m *Manager) Attempts(ctx context.Context, eventID string) (int, error) {
	n, err := m.rdb.Get(ctx, keyPrefix+eventID).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("retry counter read failed: %w", err)
	}
	return n, nil
}

// ShouldRetry reports whether the event has attempts left. errType is
// recorded for observability only; the decision is purely count-based.
func (m *Manager) ShouldRetry(ctx context.Context, eventID, errType string) bool {
	attempts, err := m.Attempts(ctx, eventID)
	if err != nil {
		// Unknown count: retrying is the safe default under
		// at-least-once semantics.
		m.logger.Warn("retry counter unavailable, allowing retry",
			zap.String("event_id", eventID), zap.Error(err))
		return true
	}
	if attempts >= MaxRetries {
		m.logger.Info("retries exhausted",
			zap.String("event_id", eventID),
			zap.Int("attempts", attempts),
			zap.String("error_type", errType))
		return false
	}
	return true
}

// Increment bumps the attempt counter and refreshes its TTL, returning
// the new count.
func (m *Manager) Increment(ctx context.Context, eventID string) (int, error) {
	key := keyPrefix + eventID
	pipe := m.rdb.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, CounterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("retry counter increment failed: %w", err)
	}
	return int(incr.Val()), nil
}

// Clear removes the attempt counter after a successful delivery.
func (m *Manager) Clear(ctx context.Context, eventID string) error {
	return m.rdb.Del(ctx, keyPrefix+eventID).Err()
}

// Delay returns the backoff delay for the given attempt, with uniform
// jitter of ±20%.
func Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := float64(InitialDelay) * math.Pow(Backoff, float64(attempt))
	if base > float64(MaxDelay) {
		base = float64(MaxDelay)
	}
	jitter := 1 + JitterFraction*(2*rand.Float64()-1)
	return time.Duration(base * jitter)
}
