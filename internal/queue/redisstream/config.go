package redisstream

import (
	"fmt"
	"os"
	"time"
)

// Stream keys and consumer-group constants.
const (
	StreamNormal = "events_stream"
	StreamHigh   = "events_high_priority"
	StreamDLQ    = "events_dlq_stream"

	Group = "event_processors"

	// MaxLen caps each stream via approximate trimming.
	MaxLen = 10_000

	// MaxAttempts is the per-entry retry budget before DLQ promotion.
	MaxAttempts = 3
)

// Config holds stream adapter configuration.
type Config struct {
	// ReadBatch bounds entries per group read.
	ReadBatch int `json:"read_batch" yaml:"read_batch"`

	// ClaimIdle is the pending-entry idle time before another consumer
	// may claim it.
	ClaimIdle time.Duration `json:"claim_idle" yaml:"claim_idle"`
}

// DefaultConfig returns the service defaults.
func DefaultConfig() *Config {
	return &Config{
		ReadBatch: 10,
		ClaimIdle: 30 * time.Second,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.ReadBatch <= 0 {
		return fmt.Errorf("read_batch must be positive")
	}
	if c.ClaimIdle <= 0 {
		return fmt.Errorf("claim_idle must be positive")
	}
	return nil
}

// ConsumerID returns the deterministic consumer name for this process.
func ConsumerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("redis_consumer_%s_%d", host, os.Getpid())
}
