package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/entrepeneur4lyf/chatgate/internal/llm"
	"github.com/entrepeneur4lyf/chatgate/internal/storage"
)

// Persister receives records for background persistence. storage.Writer
// implements it; Enqueue must not block.
type Persister interface {
	Enqueue(records ...storage.Record)
}

// SendOption customizes a single SendMessage call
type SendOption func(*sendConfig)

type sendConfig struct {
	userID      string
	attachments []llm.Attachment
	onProgress  llm.ProgressFunc
	onNarrative llm.NarrativeFunc
	fullHistory bool
}

// WithUserID tags the request with the calling user
func WithUserID(userID string) SendOption {
	return func(c *sendConfig) { c.userID = userID }
}

// WithAttachments forwards documents to the provider with the message
func WithAttachments(attachments ...llm.Attachment) SendOption {
	return func(c *sendConfig) { c.attachments = append(c.attachments, attachments...) }
}

// WithProgress receives progress updates while the reply is generated
func WithProgress(fn llm.ProgressFunc) SendOption {
	return func(c *sendConfig) { c.onProgress = fn }
}

// WithNarrative receives the backend's narration while the reply is generated
func WithNarrative(fn llm.NarrativeFunc) SendOption {
	return func(c *sendConfig) { c.onNarrative = fn }
}

// WithFullHistory includes every visible message in the result
func WithFullHistory() SendOption {
	return func(c *sendConfig) { c.fullHistory = true }
}

func newSendConfig(opts []SendOption) sendConfig {
	var cfg sendConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Summary describes a conversation or project context without replaying it
type Summary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"messageCount"`
	Tags         []string  `json:"tags,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// SendResult is returned by SendMessage
type SendResult struct {
	Reply
	Summary  Summary       `json:"conversation"`
	Messages []llm.Message `json:"messages,omitempty"`
}

// exchange runs one turn: the user message plus history goes to the
// responder, and on success both new messages are returned for appending.
// The caller must hold the turn lock for the thread.
func exchange(ctx context.Context, responder *Responder, threadID string, history []llm.Message, text string, cfg sendConfig) (llm.Message, llm.Message, Reply, error) {
	userMsg := llm.NewMessage(llm.RoleUser, text)

	messages := make([]llm.Message, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, userMsg)

	reply, err := responder.Respond(ctx, llm.Request{
		ThreadID:    threadID,
		UserID:      cfg.userID,
		Messages:    messages,
		Attachments: cfg.attachments,
		OnProgress:  cfg.onProgress,
		OnNarrative: cfg.onNarrative,
	})
	if err != nil {
		return llm.Message{}, llm.Message{}, Reply{}, err
	}

	assistantMsg := llm.NewMessage(llm.RoleAssistant, reply.Content)
	// Keep the pair strictly ordered on coarse clocks
	if !assistantMsg.Timestamp.After(userMsg.Timestamp) {
		assistantMsg.Timestamp = userMsg.Timestamp.Add(time.Nanosecond)
	}
	return userMsg, assistantMsg, reply, nil
}

func persist(p Persister, threadID string, messages ...llm.Message) {
	if p == nil {
		return
	}
	records := make([]storage.Record, 0, len(messages))
	for _, msg := range messages {
		records = append(records, storage.Record{
			MessageID: msg.ID,
			ThreadID:  threadID,
			Role:      string(msg.Role),
			Content:   msg.Content,
			Timestamp: msg.Timestamp,
		})
	}
	p.Enqueue(records...)
}

func validateText(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s must not be empty", ErrInvalidArgument, name)
	}
	return nil
}

func countVisible(messages []llm.Message) int {
	n := 0
	for _, msg := range messages {
		if !msg.Hidden {
			n++
		}
	}
	return n
}

func truncateRunes(s string, max int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
