// Package client is the counterpart of the realtime gateway. In websocket
// mode it keeps a persistent connection and reconnects with linear backoff;
// in http mode every message is a single request/response round trip.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/entrepeneur4lyf/chatgate/internal/events"
	"github.com/entrepeneur4lyf/chatgate/internal/protocol"
)

// Mode selects the transport
type Mode string

const (
	ModeWebSocket Mode = "websocket"
	ModeHTTP      Mode = "http"
)

// Client events. Frame events share the frame type names.
const (
	EventConnected                   events.EventType = "connected"
	EventDisconnected                events.EventType = "disconnected"
	EventReconnecting                events.EventType = "reconnecting"
	EventMaxReconnectAttemptsReached events.EventType = "max_reconnect_attempts_reached"
	EventResponse                    events.EventType = "response"
	EventNarrative                   events.EventType = "narrative"
	EventChunk                       events.EventType = "chunk"
	EventStatus                      events.EventType = "status"
	EventComplete                    events.EventType = "complete"
	EventError                       events.EventType = "error"
	EventPong                        events.EventType = "pong"
)

// State is the connection state in websocket mode
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
	StateFailed       State = "failed"
)

var (
	// ErrAuthentication is returned when the server rejects the API key
	ErrAuthentication = errors.New("authentication failed")

	// ErrNotConnected is returned when sending without an open connection
	ErrNotConnected = errors.New("not connected")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("client closed")
)

// Payload is delivered to event handlers
type Payload struct {
	Frame   protocol.Frame
	Attempt int
	Delay   time.Duration
	Err     error
}

// Options configures a Client
type Options struct {
	// BaseURL is the server root, e.g. http://127.0.0.1:8080
	BaseURL string
	APIKey  string
	UserID  string
	Mode    Mode

	// ReconnectDelay is multiplied by the attempt number
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int

	DialTimeout time.Duration
	Dialer      *websocket.Dialer
	HTTPClient  *http.Client
	Logger      *log.Logger
}

// Client talks to a chatgate server
type Client struct {
	opts    Options
	emitter *events.Emitter[Payload]
	logger  *log.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	state  State
	closed chan struct{}

	// writeMu serializes websocket writes
	writeMu sync.Mutex
}

// New creates a client
func New(opts Options) *Client {
	if opts.Mode == "" {
		opts.Mode = ModeWebSocket
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = 5
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if opts.Logger == nil {
		opts.Logger = log.Default().WithPrefix("client")
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")

	return &Client{
		opts:    opts,
		emitter: events.NewEmitter[Payload](opts.Logger),
		logger:  opts.Logger,
		state:   StateDisconnected,
		closed:  make(chan struct{}),
	}
}

// On registers a handler and returns a function that removes it. Handler
// panics are contained; other handlers for the event still run.
func (c *Client) On(eventType events.EventType, handler func(Payload)) func() {
	return c.emitter.On(eventType, func(ev events.Event[Payload]) { handler(ev.Payload) })
}

// State returns the connection state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// Connect opens the websocket connection. It returns ErrAuthentication when
// the key is rejected; no reconnection is attempted in that case. In http
// mode Connect does nothing.
func (c *Client) Connect(ctx context.Context) error {
	if c.opts.Mode == ModeHTTP {
		return nil
	}
	if c.isClosed() {
		return ErrClosed
	}
	return c.connect(ctx)
}

func (c *Client) connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()

	conn, resp, err := c.opts.Dialer.DialContext(ctx, c.realtimeURL(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return ErrAuthentication
		}
		return fmt.Errorf("failed to connect: %w", err)
	}

	// The first frame is either the connected acknowledgement or a policy close
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	var frame protocol.Frame
	if err := conn.ReadJSON(&frame); err != nil {
		conn.Close()
		if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
			return ErrAuthentication
		}
		return fmt.Errorf("failed to read handshake: %w", err)
	}
	conn.SetReadDeadline(time.Time{})
	if frame.Type != protocol.TypeConnected {
		conn.Close()
		return fmt.Errorf("unexpected first frame %q", frame.Type)
	}

	c.mu.Lock()
	if c.isClosed() {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()

	c.logger.Debug("Connected", "client_id", frame.ClientID)
	c.emitter.Emit(EventConnected, Payload{Frame: frame})

	go c.readLoop(conn)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var frame protocol.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		c.emitter.Emit(events.EventType(frame.Type), Payload{Frame: frame})
	}
}

func (c *Client) handleDisconnect(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	manual := c.isClosed()
	if !manual {
		c.state = StateDisconnected
	}
	c.mu.Unlock()
	conn.Close()

	c.emitter.Emit(EventDisconnected, Payload{Err: err})
	if manual {
		return
	}

	if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		c.setState(StateFailed)
		c.emitter.Emit(EventError, Payload{Err: ErrAuthentication})
		return
	}

	c.logger.Warn("Connection lost", "error", err)
	go c.reconnect()
}

// reconnect retries with a linear backoff until it succeeds, the attempt
// ceiling is reached or the client is closed
func (c *Client) reconnect() {
	c.setState(StateReconnecting)

	for attempt := 1; attempt <= c.opts.MaxReconnectAttempts; attempt++ {
		delay := c.opts.ReconnectDelay * time.Duration(attempt)
		c.emitter.Emit(EventReconnecting, Payload{Attempt: attempt, Delay: delay})

		select {
		case <-time.After(delay):
		case <-c.closed:
			return
		}

		err := c.connect(context.Background())
		if err == nil {
			return
		}
		if errors.Is(err, ErrClosed) {
			return
		}
		if errors.Is(err, ErrAuthentication) {
			c.setState(StateFailed)
			c.emitter.Emit(EventError, Payload{Err: err})
			return
		}
		c.logger.Debug("Reconnect attempt failed", "attempt", attempt, "error", err)
	}

	c.setState(StateFailed)
	c.logger.Warn("Giving up reconnecting", "attempts", c.opts.MaxReconnectAttempts)
	c.emitter.Emit(EventMaxReconnectAttemptsReached, Payload{Attempt: c.opts.MaxReconnectAttempts})
}

// SendMessage sends content to threadID. In websocket mode it returns once
// the frame is written and the reply arrives as a response event. In http
// mode it returns the reply.
func (c *Client) SendMessage(ctx context.Context, content, threadID string) (string, error) {
	if c.opts.Mode == ModeHTTP {
		return c.sendHTTP(ctx, content, threadID)
	}
	return "", c.write(protocol.Message(content, threadID))
}

// Ping sends an application-level ping; the server answers with a pong event
func (c *Client) Ping() error {
	return c.write(protocol.Ping())
}

func (c *Client) write(frame protocol.Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		if c.isClosed() {
			return ErrClosed
		}
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("failed to send frame: %w", err)
	}
	return nil
}

// Close stops the client. It never reconnects afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.isClosed() {
		c.mu.Unlock()
		return nil
	}
	close(c.closed)
	c.state = StateClosed
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Client) realtimeURL() string {
	base := c.opts.BaseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}

	query := url.Values{}
	query.Set("apiKey", c.opts.APIKey)
	if c.opts.UserID != "" {
		query.Set("userId", c.opts.UserID)
	}
	return base + "/api/v1/realtime?" + query.Encode()
}

type httpSendRequest struct {
	ThreadID string `json:"threadId,omitempty"`
	Content  string `json:"content"`
	UserID   string `json:"userId,omitempty"`
}

type httpSendResponse struct {
	ThreadID string `json:"threadId"`
	Content  string `json:"content"`
	Error    string `json:"error"`
}

func (c *Client) sendHTTP(ctx context.Context, content, threadID string) (string, error) {
	body, err := json.Marshal(httpSendRequest{ThreadID: threadID, Content: content, UserID: c.opts.UserID})
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/api/v1/chat/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.opts.APIKey)

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var decoded httpSendResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("failed to decode response (status %d): %w", resp.StatusCode, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return "", ErrAuthentication
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("server returned %d: %s", resp.StatusCode, decoded.Error)
	}
	return decoded.Content, nil
}
