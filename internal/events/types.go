package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies the type of event
type EventType string

// Event wraps a payload with its delivery metadata
type Event[T any] struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Payload   T         `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent creates an event with a fresh ID
func NewEvent[T any](eventType EventType, payload T) Event[T] {
	return Event[T]{
		ID:        uuid.New().String(),
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Handler receives events
type Handler[T any] func(Event[T])
