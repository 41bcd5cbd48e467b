package llm

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Role identifies who authored a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleNarrative Role = "narrative"
)

// Valid reports whether r is one of the known roles
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleNarrative:
		return true
	}
	return false
}

// Message is a single entry in a conversation log. Messages are never
// mutated after they have been appended.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Hidden    bool      `json:"hidden,omitempty"`
}

// NewMessage creates a visible message with a fresh sortable ID
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        ulid.Make().String(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewHiddenMessage creates a message that is never shown to callers
func NewHiddenMessage(role Role, content string) Message {
	msg := NewMessage(role, content)
	msg.Hidden = true
	return msg
}

// Visible returns the messages that callers are allowed to see
func Visible(messages []Message) []Message {
	visible := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if !msg.Hidden {
			visible = append(visible, msg)
		}
	}
	return visible
}

// LatestUserMessage returns the most recent user message, if any
func LatestUserMessage(messages []Message) (Message, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i], true
		}
	}
	return Message{}, false
}
