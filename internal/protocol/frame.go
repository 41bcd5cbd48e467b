// Package protocol defines the JSON frames exchanged over the realtime gateway.
package protocol

import "time"

// FrameType discriminates realtime frames
type FrameType string

const (
	TypeConnected FrameType = "connected"
	TypeMessage   FrameType = "message"
	TypeResponse  FrameType = "response"
	TypeNarrative FrameType = "narrative"
	TypeStatus    FrameType = "status"
	TypeChunk     FrameType = "chunk"
	TypeComplete  FrameType = "complete"
	TypeError     FrameType = "error"
	TypePing      FrameType = "ping"
	TypePong      FrameType = "pong"
)

// Frame is a realtime frame in either direction. Only the fields relevant
// to Type are set.
type Frame struct {
	Type       FrameType      `json:"type"`
	Content    string         `json:"content,omitempty"`
	ThreadID   string         `json:"threadId,omitempty"`
	Timestamp  *time.Time     `json:"timestamp,omitempty"`
	Message    string         `json:"message,omitempty"`
	Details    string         `json:"details,omitempty"`
	Progress   *float64       `json:"progress,omitempty"`
	IsComplete *bool          `json:"isComplete,omitempty"`
	ClientID   string         `json:"clientId,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func now() *time.Time {
	t := time.Now().UTC()
	return &t
}

// Connected acknowledges an authenticated connection
func Connected(clientID string) Frame {
	return Frame{Type: TypeConnected, ClientID: clientID, Timestamp: now()}
}

// Message is a user message sent by a client
func Message(content, threadID string) Frame {
	return Frame{Type: TypeMessage, Content: content, ThreadID: threadID}
}

// Response carries an assistant reply
func Response(content, threadID string, metadata map[string]any) Frame {
	return Frame{Type: TypeResponse, Content: content, ThreadID: threadID, Timestamp: now(), Metadata: metadata}
}

// Narrative carries an out-of-band progress narration
func Narrative(message string, metadata map[string]any) Frame {
	return Frame{Type: TypeNarrative, Message: message, Timestamp: now(), Metadata: metadata}
}

// Status reports generation progress in [0,1]
func Status(message string, progress float64) Frame {
	return Frame{Type: TypeStatus, Message: message, Progress: &progress}
}

// Complete marks the end of a reply
func Complete() Frame {
	return Frame{Type: TypeComplete, Timestamp: now()}
}

// Error reports a failure without closing the connection
func Error(message, details string) Frame {
	return Frame{Type: TypeError, Message: message, Details: details, Timestamp: now()}
}

// Ping is a client keepalive
func Ping() Frame {
	return Frame{Type: TypePing}
}

// Pong answers a ping
func Pong() Frame {
	return Frame{Type: TypePong, Timestamp: now()}
}
