// Package router decides which queue back-end an event belongs to.
package router

import (
	"time"

	"go.uber.org/zap"

	"github.com/shmandalf/event-service/internal/event"
	"github.com/shmandalf/event-service/internal/metrics"
	"github.com/shmandalf/event-service/internal/queue"
)

// PurchaseAmountThreshold is the payload amount at or above which a
// purchase is routed high-priority regardless of its priority field.
const PurchaseAmountThreshold = 100

// highValueTypes always route to the durable priority broker.
// Purchases are not listed: they qualify through the amount rule or an
// explicit high priority, so small purchases ride the stream.
var highValueTypes = map[event.Type]bool{
	event.TypeSubscription:    true,
	event.TypePayment:         true,
	event.TypeRefund:          true,
	event.TypeCreditCardAdded: true,
}

// Router maps events to back-ends: revenue-bearing and high-priority
// events go to the broker, the long tail goes to the stream.
type Router struct {
	broker queue.Adapter
	stream queue.Adapter
	sink   *metrics.Sink
	logger *zap.Logger
}

// New creates a router over the two back-ends.
func New(broker, stream queue.Adapter, sink *metrics.Sink, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{broker: broker, stream: stream, sink: sink, logger: logger}
}

// IsHighValue reports whether the event must take the durable broker
// path.
func IsHighValue(ev *event.Event) bool {
	if highValueTypes[ev.Type] {
		return true
	}
	if ev.Priority >= event.HighPriorityThreshold {
		return true
	}
	if ev.Type == event.TypePurchase {
		if amount, ok := ev.Amount(); ok && amount >= PurchaseAmountThreshold {
			return true
		}
	}
	return false
}

// Route returns the back-end for the event and records the decision.
func (r *Router) Route(ev *event.Event) queue.Adapter {
	start := time.Now()

	target := r.stream
	class := "normal"
	if IsHighValue(ev) {
		target = r.broker
		class = "high"
	}

	r.sink.Increment("events_routed_total", map[string]string{
		"priority":   class,
		"event_type": string(ev.Type),
	}, 1)
	r.sink.Histogram("routing_duration_seconds", nil, time.Since(start).Seconds())

	r.logger.Debug("routed event",
		zap.String("event_id", ev.ID.String()),
		zap.String("event_type", string(ev.Type)),
		zap.String("class", class),
		zap.String("backend", target.Name()))
	return target
}

// Fallback returns the other back-end, used when the primary's circuit
// is open.
func (r *Router) Fallback(primary queue.Adapter) queue.Adapter {
	if primary == r.broker {
		return r.stream
	}
	return r.broker
}
