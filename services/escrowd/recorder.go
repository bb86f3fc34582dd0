package main

import (
	"log/slog"
	"sync"

	"escrowd/core/events"
	"escrowd/core/types"
)

type eventCarrier interface {
	Event() *types.Event
}

// EventRecorder keeps a bounded in-memory history of engine events and logs
// each one. Emission order matches the order operations were invoked, so the
// history doubles as a per-escrow audit trail for the read API.
type EventRecorder struct {
	mu       sync.RWMutex
	logger   *slog.Logger
	capacity int
	history  []*types.Event
}

// NewEventRecorder creates a recorder retaining at most capacity events.
func NewEventRecorder(logger *slog.Logger, capacity int) *EventRecorder {
	if capacity <= 0 {
		capacity = 1024
	}
	return &EventRecorder{logger: logger, capacity: capacity}
}

// Emit implements events.Emitter.
func (r *EventRecorder) Emit(evt events.Event) {
	carrier, ok := evt.(eventCarrier)
	if !ok {
		return
	}
	event := carrier.Event()
	if event == nil {
		return
	}
	r.mu.Lock()
	r.history = append(r.history, event)
	if len(r.history) > r.capacity {
		r.history = r.history[len(r.history)-r.capacity:]
	}
	r.mu.Unlock()

	if r.logger != nil {
		attrs := make([]any, 0, len(event.Attributes)*2)
		for k, v := range event.Attributes {
			attrs = append(attrs, slog.String(k, v))
		}
		r.logger.Info(event.Type, attrs...)
	}
}

// EventsFor returns the retained events whose id attribute matches the
// supplied escrow identifier, oldest first.
func (r *EventRecorder) EventsFor(id string) []*types.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Event, 0, 8)
	for _, evt := range r.history {
		if evt.Attributes["id"] == id {
			out = append(out, evt)
		}
	}
	return out
}

var _ events.Emitter = (*EventRecorder)(nil)
