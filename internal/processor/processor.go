// Package processor turns queued events into persisted, handled facts.
package processor

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/shmandalf/event-service/internal/event"
	"github.com/shmandalf/event-service/internal/idempotency"
	"github.com/shmandalf/event-service/internal/metrics"
	"github.com/shmandalf/event-service/internal/queue"
	"github.com/shmandalf/event-service/internal/store"
)

// Handler reacts to one event type. Handler errors are logged and
// counted but do not fail the event: persistence is the source of
// truth, side effects are best effort.
type Handler interface {
	Name() string
	Handle(ctx context.Context, ev *event.Event) error
}

// EventStore is the persistence surface the processor needs. Satisfied
// by *store.Store.
type EventStore interface {
	ProcessInTx(ctx context.Context, ev *event.Event, dispatch func(ctx context.Context) error) error
}

// Processor drives the per-event pipeline: duplicate check, transactional
// persist with handler fan-out, idempotency reservation.
type Processor struct {
	store    EventStore
	idem     *idempotency.Store
	registry *Registry
	sink     *metrics.Sink
	logger   *zap.Logger
}

// New creates a processor.
func New(st EventStore, idem *idempotency.Store, registry *Registry, sink *metrics.Sink, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Processor{store: st, idem: idem, registry: registry, sink: sink, logger: logger}
}

// Process handles one event end to end. Safe to call repeatedly for
// the same event: replays are detected via the idempotency record and
// the store's unique constraint.
func (p *Processor) Process(ctx context.Context, ev *event.Event) error {
	start := time.Now()

	if ev.IdempotencyKey != "" && p.idem != nil {
		existing, err := p.idem.Lookup(ctx, ev.IdempotencyKey)
		if err != nil {
			p.logger.Warn("idempotency lookup failed, continuing",
				zap.String("event_id", ev.ID.String()), zap.Error(err))
		} else if existing != "" && existing != ev.ID.String() {
			p.count(ev, "duplicate")
			p.logger.Debug("skipping duplicate event",
				zap.String("event_id", ev.ID.String()),
				zap.String("original_id", existing))
			return nil
		}
	}

	err := p.store.ProcessInTx(ctx, ev, func(ctx context.Context) error {
		p.dispatch(ctx, ev)
		return nil
	})
	if errors.Is(err, store.ErrDuplicate) {
		p.count(ev, "duplicate")
		return nil
	}
	if err != nil {
		p.count(ev, "error")
		return err
	}

	if ev.IdempotencyKey != "" && p.idem != nil {
		if _, _, err := p.idem.Reserve(ctx, ev.IdempotencyKey, ev.ID.String()); err != nil {
			p.logger.Warn("idempotency reserve failed",
				zap.String("event_id", ev.ID.String()), zap.Error(err))
		}
	}

	p.count(ev, "ok")
	p.sink.Histogram("event_processing_duration_seconds", map[string]string{
		"event_type": string(ev.Type),
		"priority":   strconv.Itoa(ev.Priority),
		"source":     string(ev.Source),
	}, time.Since(start).Seconds())
	return nil
}

// dispatch fans the event out to registered handlers. Individual
// handler failures never abort the batch; they are accumulated and
// reported once per event.
func (p *Processor) dispatch(ctx context.Context, ev *event.Event) {
	var merr queue.MultiError
	for _, h := range p.registry.For(ev.Type) {
		if err := h.Handle(ctx, ev); err != nil {
			merr.Add(err)
			p.logger.Error("handler failed",
				zap.String("handler", h.Name()),
				zap.String("event_id", ev.ID.String()),
				zap.Error(err))
			p.sink.Increment("handler_errors_total", map[string]string{
				"handler": h.Name(),
			}, 1)
		}
	}
	if merr.HasErrors() {
		p.logger.Warn("handler fan-out completed with errors",
			zap.String("event_id", ev.ID.String()),
			zap.Int("failed", len(merr.Errors)),
			zap.Error(merr.ErrorOrNil()))
	}
}

func (p *Processor) count(ev *event.Event, status string) {
	p.sink.Increment("event_processed_total", map[string]string{
		"event_type": string(ev.Type),
		"status":     status,
		"source":     string(ev.Source),
	}, 1)
}
