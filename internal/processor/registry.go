package processor

import "github.com/shmandalf/event-service/internal/event"

// Registry maps event types to their handlers. Registration happens at
// startup; lookups after that are read-only, so no lock.
type Registry struct {
	byType map[event.Type][]Handler
	global []Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[event.Type][]Handler)}
}

// Register attaches a handler to one event type.
func (r *Registry) Register(t event.Type, h Handler) {
	r.byType[t] = append(r.byType[t], h)
}

// RegisterAll attaches a handler to every event type.
func (r *Registry) RegisterAll(h Handler) {
	r.global = append(r.global, h)
}

// For returns the handlers for a type, global handlers last.
func (r *Registry) For(t event.Type) []Handler {
	typed := r.byType[t]
	if len(r.global) == 0 {
		return typed
	}
	out := make([]Handler, 0, len(typed)+len(r.global))
	out = append(out, typed...)
	out = append(out, r.global...)
	return out
}
