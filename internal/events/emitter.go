package events

import (
	"runtime/debug"
	"sync"

	"github.com/charmbracelet/log"
)

type subscription[T any] struct {
	id      uint64
	handler Handler[T]
}

// Emitter dispatches events synchronously to handlers registered per type.
// A handler that panics is logged and skipped; the remaining handlers
// still receive the event.
type Emitter[T any] struct {
	mu       sync.RWMutex
	handlers map[EventType][]subscription[T]
	wildcard []subscription[T]
	nextID   uint64
	logger   *log.Logger
}

// NewEmitter creates an emitter. A nil logger uses the default logger.
func NewEmitter[T any](logger *log.Logger) *Emitter[T] {
	if logger == nil {
		logger = log.Default().WithPrefix("events")
	}
	return &Emitter[T]{
		handlers: make(map[EventType][]subscription[T]),
		logger:   logger,
	}
}

// On registers handler for eventType and returns a function that removes it
func (e *Emitter[T]) On(eventType EventType, handler Handler[T]) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	id := e.nextID
	e.handlers[eventType] = append(e.handlers[eventType], subscription[T]{id: id, handler: handler})

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.handlers[eventType] = remove(e.handlers[eventType], id)
		if len(e.handlers[eventType]) == 0 {
			delete(e.handlers, eventType)
		}
	}
}

// OnAny registers handler for every event type
func (e *Emitter[T]) OnAny(handler Handler[T]) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	id := e.nextID
	e.wildcard = append(e.wildcard, subscription[T]{id: id, handler: handler})

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.wildcard = remove(e.wildcard, id)
	}
}

// Emit delivers payload to the handlers for eventType and returns how many
// handlers completed without panicking.
func (e *Emitter[T]) Emit(eventType EventType, payload T) int {
	event := NewEvent(eventType, payload)

	// Snapshot so handlers may subscribe or unsubscribe while being called
	e.mu.RLock()
	subs := make([]subscription[T], 0, len(e.handlers[eventType])+len(e.wildcard))
	subs = append(subs, e.handlers[eventType]...)
	subs = append(subs, e.wildcard...)
	e.mu.RUnlock()

	delivered := 0
	for _, sub := range subs {
		if e.dispatch(sub.handler, event) {
			delivered++
		}
	}
	return delivered
}

// HandlerCount returns the number of handlers registered for eventType
func (e *Emitter[T]) HandlerCount(eventType EventType) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers[eventType])
}

func (e *Emitter[T]) dispatch(handler Handler[T], event Event[T]) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Event handler panicked",
				"type", event.Type, "event_id", event.ID, "panic", r, "stack", string(debug.Stack()))
			ok = false
		}
	}()
	handler(event)
	return true
}

func remove[T any](subs []subscription[T], id uint64) []subscription[T] {
	out := subs[:0:0]
	for _, sub := range subs {
		if sub.id != id {
			out = append(out, sub)
		}
	}
	return out
}
