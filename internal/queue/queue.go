// Package queue defines the contract shared by the two message
// back-ends: the durable priority broker and the consumer-group
// stream. Adapters accept events, not raw frames; serialization is an
// adapter concern.
package queue

import (
	"context"
	"time"

	"github.com/shmandalf/event-service/internal/event"
)

// Back-end names, used for breaker keys, failover metrics, and
// diagnostics.
const (
	BackendRabbitMQ = "rabbitmq"
	BackendRedis    = "redis"
)

// Handler processes one delivered event. A nil return acknowledges the
// delivery; an error routes it into the retry/DLQ control plane.
type Handler func(ctx context.Context, ev *event.Event) error

// Adapter is a publishing back-end.
type Adapter interface {
	// Name identifies the back-end (BackendRabbitMQ or BackendRedis).
	Name() string

	// Publish enqueues an event snapshot and returns the back-end
	// message id (delivery tag source or stream entry id).
	Publish(ctx context.Context, ev *event.Event) (string, error)

	// HealthCheck reports reachability.
	HealthCheck(ctx context.Context) error

	// Close releases connections.
	Close() error
}

// BatchConsumer drains one batch of deliveries; the worker supervisor
// loops over it. It returns the number of deliveries handled. Blocking
// is bounded by block; zero deliveries within the window is not an
// error.
type BatchConsumer interface {
	ConsumeBatch(ctx context.Context, max int, block time.Duration) (int, error)
}
