package llm

import (
	"context"
	"time"
)

// Attachment is an extra document forwarded to the backend with a message
type Attachment struct {
	Type        string `json:"type"`
	Title       string `json:"title"`
	Body        string `json:"body"`
	Hidden      bool   `json:"hidden"`
	Description string `json:"description"`
}

// ProgressFunc receives intermediate progress while a reply is being generated.
// progress is in the range [0,1] when the backend reports it, -1 otherwise.
type ProgressFunc func(progress float64, status string)

// NarrativeFunc receives free-text narration of what the backend is doing
type NarrativeFunc func(text string)

// Request carries everything a provider needs to produce one reply
type Request struct {
	ThreadID    string
	UserID      string
	Messages    []Message
	Attachments []Attachment
	OnProgress  ProgressFunc
	OnNarrative NarrativeFunc
}

// ReportProgress forwards progress to the request callback when one is set
func (r Request) ReportProgress(progress float64, status string) {
	if r.OnProgress != nil {
		r.OnProgress(progress, status)
	}
}

// Narrate forwards narration to the request callback when one is set
func (r Request) Narrate(text string) {
	if r.OnNarrative != nil {
		r.OnNarrative(text)
	}
}

// ErrorInfo is the structured record of the last provider failure
type ErrorInfo struct {
	Message     string    `json:"message"`
	Type        string    `json:"type"`
	UserMessage string    `json:"userMessage"`
	Timestamp   time.Time `json:"timestamp"`
}

// Provider turns a message history into a reply.
//
// Initialize must be safe to call concurrently: callers arriving while an
// attempt is in flight share its result instead of starting another one.
// A false result from Initialize is a recoverable condition; callers are
// expected to keep serving through a fallback provider.
type Provider interface {
	// Name identifies the provider in logs and API responses
	Name() string

	// Initialize verifies the provider can serve requests
	Initialize(ctx context.Context) bool

	// IsAvailable is true only once initialized with no standing error
	IsAvailable() bool

	// Generate produces the reply for the given request
	Generate(ctx context.Context, req Request) (string, error)

	// LastError returns the most recent failure, or nil
	LastError() *ErrorInfo
}
