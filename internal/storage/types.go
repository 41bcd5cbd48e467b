package storage

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned once a log or writer has been shut down
var ErrClosed = errors.New("storage closed")

// Record is one persisted chat message. Records are append-only and keyed by
// the thread or project context they belong to.
type Record struct {
	MessageID string    `json:"messageId"`
	ThreadID  string    `json:"threadId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageLog is the persistence collaborator used by the chat services.
// Implementations must be safe for concurrent use.
type MessageLog interface {
	// Create appends a record
	Create(ctx context.Context, record Record) error

	// ListByThread returns the newest limit records for id in chronological
	// order. A non-positive limit returns every record.
	ListByThread(ctx context.Context, id string, limit int) ([]Record, error)
}

// LogStats summarizes what a MessageLog holds
type LogStats struct {
	Messages int `json:"messages"`
	Threads  int `json:"threads"`
}

// StatsReporter is implemented by logs that can count their contents
type StatsReporter interface {
	Stats(ctx context.Context) (LogStats, error)
}
