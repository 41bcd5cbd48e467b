package chat

import "errors"

var (
	// ErrInvalidArgument is returned for empty ids or message text
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrConversationNotFound is returned when a thread is neither cached nor stored
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrContextNotFound is returned for unknown project context ids
	ErrContextNotFound = errors.New("project context not found")
)
