// Package ingest implements the intake pipeline: validate, deduplicate,
// route, publish with circuit-breaker failover, and fall back to direct
// persistence when both back-ends are down.
package ingest

import (
	"context"

	"go.uber.org/zap"

	"github.com/shmandalf/event-service/internal/breaker"
	"github.com/shmandalf/event-service/internal/event"
	"github.com/shmandalf/event-service/internal/idempotency"
	"github.com/shmandalf/event-service/internal/metrics"
	"github.com/shmandalf/event-service/internal/queue"
	"github.com/shmandalf/event-service/internal/router"
)

// Outcome classifies an intake attempt.
type Outcome int

const (
	// Accepted: the event was queued (or emergency-persisted).
	Accepted Outcome = iota
	// Duplicate: the idempotency key was already used.
	Duplicate
	// Rejected: validation failed.
	Rejected
)

// Result is the explicit intake outcome.
type Result struct {
	Outcome        Outcome
	EventID        string
	QueueMessageID string
	Queue          string

	// FieldErrors is set only when Outcome is Rejected.
	FieldErrors map[string]string

	// Err is set when the event was accepted by a degraded path or the
	// attempt failed outright.
	Err error
}

// EmergencyStore persists events when no queue back-end accepts them.
// Satisfied by *store.Store.
type EmergencyStore interface {
	EmergencyPersist(ctx context.Context, ev *event.Event, reason string) error
}

// Service is the intake pipeline.
type Service struct {
	router   *router.Router
	idem     *idempotency.Store
	breakers map[string]*breaker.Breaker
	store    EmergencyStore
	sink     *metrics.Sink
	logger   *zap.Logger
}

// New creates the intake service. breakers is keyed by back-end name.
func New(rt *router.Router, idem *idempotency.Store, breakers map[string]*breaker.Breaker, st EmergencyStore, sink *metrics.Sink, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		router:   rt,
		idem:     idem,
		breakers: breakers,
		store:    st,
		sink:     sink,
		logger:   logger,
	}
}

// Ingest runs the full intake pipeline for one event.
func (s *Service) Ingest(ctx context.Context, ev *event.Event) Result {
	if verrs := event.Validate(ev); verrs != nil {
		s.sink.Increment("events_rejected_total", map[string]string{
			"event_type": string(ev.Type),
		}, 1)
		return Result{Outcome: Rejected, FieldErrors: verrs}
	}

	if err := ev.Normalize(); err != nil {
		return Result{Outcome: Rejected, Err: err}
	}
	ev.Source = event.SourceAPI

	if ev.IdempotencyKey != "" {
		existing, err := s.idem.Lookup(ctx, ev.IdempotencyKey)
		if err != nil {
			s.logger.Warn("idempotency lookup failed, accepting event",
				zap.String("event_id", ev.ID.String()), zap.Error(err))
		} else if existing != "" {
			s.sink.Increment("events_deduplicated_total", nil, 1)
			return Result{Outcome: Duplicate, EventID: existing}
		}
	}

	target := s.router.Route(ev)
	if !s.available(ctx, target) {
		fallback := s.router.Fallback(target)
		s.sink.Increment("queue_failover_total", map[string]string{
			"from": target.Name(),
			"to":   fallback.Name(),
		}, 1)
		s.logger.Warn("circuit open, failing over",
			zap.String("event_id", ev.ID.String()),
			zap.String("from", target.Name()),
			zap.String("to", fallback.Name()))
		target = fallback
	}

	msgID, err := target.Publish(ctx, ev)
	if err != nil {
		s.recordFailure(ctx, target)
		return s.emergency(ctx, ev, target, err)
	}
	s.recordSuccess(ctx, target)

	if ev.IdempotencyKey != "" {
		if existing, created, rerr := s.idem.Reserve(ctx, ev.IdempotencyKey, ev.ID.String()); rerr != nil {
			s.logger.Warn("idempotency reserve failed",
				zap.String("event_id", ev.ID.String()), zap.Error(rerr))
		} else if !created && existing != ev.ID.String() {
			// Lost the race to a concurrent request with the same key.
			// The event is already queued; the processor dedupes it.
			s.logger.Debug("idempotency race lost",
				zap.String("event_id", ev.ID.String()),
				zap.String("winner", existing))
		}
	}

	s.sink.Increment("events_accepted_total", map[string]string{
		"event_type": string(ev.Type),
		"backend":    target.Name(),
	}, 1)
	return Result{
		Outcome:        Accepted,
		EventID:        ev.ID.String(),
		QueueMessageID: msgID,
		Queue:          target.Name(),
	}
}

// emergency persists the event directly when publish failed. The
// client still gets an accepted response; the event waits for replay.
func (s *Service) emergency(ctx context.Context, ev *event.Event, target queue.Adapter, cause error) Result {
	s.logger.Error("publish failed, persisting directly",
		zap.String("event_id", ev.ID.String()),
		zap.String("backend", target.Name()),
		zap.Error(cause))

	if err := s.store.EmergencyPersist(ctx, ev, cause.Error()); err != nil {
		s.sink.Increment("events_lost_total", nil, 1)
		return Result{Outcome: Accepted, EventID: ev.ID.String(), Err: err}
	}
	s.sink.Increment("events_emergency_persisted_total", nil, 1)
	return Result{
		Outcome: Accepted,
		EventID: ev.ID.String(),
		Queue:   "store",
		Err:     cause,
	}
}

func (s *Service) available(ctx context.Context, a queue.Adapter) bool {
	br, ok := s.breakers[a.Name()]
	if !ok {
		return true
	}
	return br.IsAvailable(ctx)
}

func (s *Service) recordSuccess(ctx context.Context, a queue.Adapter) {
	if br, ok := s.breakers[a.Name()]; ok {
		br.RecordSuccess(ctx)
	}
}

func (s *Service) recordFailure(ctx context.Context, a queue.Adapter) {
	if br, ok := s.breakers[a.Name()]; ok {
		br.RecordFailure(ctx)
	}
}
