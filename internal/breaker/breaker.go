// Package breaker implements a per-resource circuit breaker whose
// state lives in Redis so every API worker and drain worker shares the
// same view of a back-end's health. Counter updates are atomic
// increments; state transitions are plain SETs. IsAvailable may race
// with RecordFailure, letting at most one extra call cross an OPEN
// boundary, which is acceptable.
package breaker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// State of a breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config holds per-resource thresholds.
type Config struct {
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold" yaml:"success_threshold"`
	OpenTimeout      time.Duration `json:"open_timeout" yaml:"open_timeout"`
	HalfOpenTimeout  time.Duration `json:"half_open_timeout" yaml:"half_open_timeout"`
}

// DefaultConfig returns the defaults for ordinary resources.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		OpenTimeout:      60 * time.Second,
		HalfOpenTimeout:  30 * time.Second,
	}
}

// QueueConfig returns the more tolerant defaults used for queue
// back-ends.
func QueueConfig() Config {
	return Config{
		FailureThreshold: 10,
		SuccessThreshold: 5,
		OpenTimeout:      60 * time.Second,
		HalfOpenTimeout:  30 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be at least 1")
	}
	if c.SuccessThreshold < 1 {
		return fmt.Errorf("success_threshold must be at least 1")
	}
	if c.OpenTimeout <= 0 {
		return fmt.Errorf("open_timeout must be positive")
	}
	return nil
}

// Snapshot is a point-in-time view of a breaker for diagnostics.
type Snapshot struct {
	Resource     string    `json:"resource"`
	State        State     `json:"state"`
	FailureCount int       `json:"failure_count"`
	SuccessCount int       `json:"success_count"`
	OpenedAt     time.Time `json:"opened_at,omitempty"`
}

// Breaker guards a single named resource.
type Breaker struct {
	rdb      *redis.Client
	resource string
	cfg      Config
	logger   *zap.Logger
}

// New creates a breaker for the given resource name.
func New(rdb *redis.Client, resource string, cfg Config, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{rdb: rdb, resource: resource, cfg: cfg, logger: logger}
}

// Resource returns the guarded resource name.
func (b *Breaker) Resource() string { return b.resource }

func (b *Breaker) key(field string) string {
	return fmt.Sprintf("circuit:queue:%s:%s", b.resource, field)
}

// IsAvailable reports whether calls may proceed. An expired OPEN state
// transitions to HALF_OPEN as a side effect.
func (b *Breaker) IsAvailable(ctx context.Context) bool {
	state, err := b.state(ctx)
	if err != nil {
		// If the state store is unreachable, fail open: the adapter
		// call itself will surface the real error.
		b.logger.Warn("breaker state unavailable, allowing call",
			zap.String("resource", b.resource), zap.Error(err))
		return true
	}

	switch state {
	case StateOpen:
		openedAt, err := b.openedAt(ctx)
		if err == nil && time.Since(openedAt) > b.cfg.OpenTimeout {
			b.transition(ctx, StateHalfOpen)
			b.logger.Info("breaker half-open",
				zap.String("resource", b.resource))
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess notes a successful call against the resource.
func (b *Breaker) RecordSuccess(ctx context.Context) {
	state, err := b.state(ctx)
	if err != nil {
		return
	}
	switch state {
	case StateHalfOpen:
		count, err := b.rdb.Incr(ctx, b.key("success_count")).Result()
		if err != nil {
			return
		}
		if int(count) >= b.cfg.SuccessThreshold {
			b.reset(ctx)
			b.logger.Info("breaker closed",
				zap.String("resource", b.resource),
				zap.Int64("successes", count))
		}
	default:
		b.rdb.Del(ctx, b.key("failure_count"))
	}
}

// RecordFailure notes a failed call against the resource.
func (b *Breaker) RecordFailure(ctx context.Context) {
	state, err := b.state(ctx)
	if err != nil {
		return
	}
	switch state {
	case StateHalfOpen:
		b.open(ctx)
		b.logger.Warn("breaker reopened from half-open",
			zap.String("resource", b.resource))
	case StateOpen:
		// Already open; nothing to count.
	default:
		count, err := b.rdb.Incr(ctx, b.key("failure_count")).Result()
		if err != nil {
			return
		}
		if int(count) >= b.cfg.FailureThreshold {
			b.open(ctx)
			b.logger.Warn("breaker opened",
				zap.String("resource", b.resource),
				zap.Int64("consecutive_failures", count))
		}
	}
}

// ForceOpen is an operator escape hatch.
func (b *Breaker) ForceOpen(ctx context.Context, reason string) {
	b.open(ctx)
	b.logger.Warn("breaker forced open",
		zap.String("resource", b.resource),
		zap.String("reason", reason))
}

// ForceClose is an operator escape hatch.
func (b *Breaker) ForceClose(ctx context.Context, reason string) {
	b.reset(ctx)
	b.logger.Warn("breaker forced closed",
		zap.String("resource", b.resource),
		zap.String("reason", reason))
}

// Snapshot returns the current breaker state for diagnostics.
func (b *Breaker) Snapshot(ctx context.Context) Snapshot {
	snap := Snapshot{Resource: b.resource, State: StateClosed}
	if state, err := b.state(ctx); err == nil {
		snap.State = state
	}
	if n, err := b.rdb.Get(ctx, b.key("failure_count")).Int(); err == nil {
		snap.FailureCount = n
	}
	if n, err := b.rdb.Get(ctx, b.key("success_count")).Int(); err == nil {
		snap.SuccessCount = n
	}
	if t, err := b.openedAt(ctx); err == nil {
		snap.OpenedAt = t
	}
	return snap
}

func (b *Breaker) state(ctx context.Context) (State, error) {
	s, err := b.rdb.Get(ctx, b.key("state")).Result()
	if err == redis.Nil {
		return StateClosed, nil
	}
	if err != nil {
		return StateClosed, err
	}
	return State(s), nil
}

func (b *Breaker) openedAt(ctx context.Context) (time.Time, error) {
	raw, err := b.rdb.Get(ctx, b.key("opened_at")).Result()
	if err != nil {
		return time.Time{}, err
	}
	unix, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(unix, 0), nil
}

func (b *Breaker) open(ctx context.Context) {
	pipe := b.rdb.Pipeline()
	pipe.Set(ctx, b.key("state"), string(StateOpen), 0)
	pipe.Set(ctx, b.key("opened_at"), strconv.FormatInt(time.Now().Unix(), 10), 0)
	pipe.Del(ctx, b.key("failure_count"), b.key("success_count"))
	_, _ = pipe.Exec(ctx)
}

func (b *Breaker) reset(ctx context.Context) {
	pipe := b.rdb.Pipeline()
	pipe.Set(ctx, b.key("state"), string(StateClosed), 0)
	pipe.Del(ctx, b.key("failure_count"), b.key("success_count"), b.key("opened_at"))
	_, _ = pipe.Exec(ctx)
}

func (b *Breaker) transition(ctx context.Context, to State) {
	pipe := b.rdb.Pipeline()
	pipe.Set(ctx, b.key("state"), string(to), 0)
	pipe.Del(ctx, b.key("success_count"))
	_, _ = pipe.Exec(ctx)
}
