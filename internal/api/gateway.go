package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/entrepeneur4lyf/chatgate/internal/auth"
	"github.com/entrepeneur4lyf/chatgate/internal/chat"
	"github.com/entrepeneur4lyf/chatgate/internal/protocol"
)

const (
	defaultWriteWait      = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultPingInterval   = 54 * time.Second
	defaultMaxMessageSize = 64 * 1024
	defaultFrameRate      = 5
	defaultFrameBurst     = 10
	sendBufferSize        = 64
	inboxSize             = 16
)

// GatewayOptions configures the realtime gateway
type GatewayOptions struct {
	// FrameRate and FrameBurst bound inbound frames per connection
	FrameRate  float64
	FrameBurst int

	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64

	CheckOrigin func(r *http.Request) bool
	Logger      *log.Logger
}

func (o *GatewayOptions) applyDefaults() {
	if o.FrameRate <= 0 {
		o.FrameRate = defaultFrameRate
	}
	if o.FrameBurst <= 0 {
		o.FrameBurst = defaultFrameBurst
	}
	if o.PongWait <= 0 {
		o.PongWait = defaultPongWait
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = defaultWriteWait
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = defaultMaxMessageSize
	}
	if o.Logger == nil {
		o.Logger = log.Default().WithPrefix("gateway")
	}
}

// Gateway serves realtime chat over websockets. A connection must present
// a valid key in the handshake; otherwise it is closed with 1008 before any
// frame is read.
type Gateway struct {
	conversations *chat.ConversationStore
	gate          *auth.Gate
	registry      *ConnectionManager
	upgrader      websocket.Upgrader
	opts          GatewayOptions
	logger        *log.Logger

	mu     sync.Mutex
	active map[string]*wsClient
}

// NewGateway creates a gateway that routes messages to conversations
func NewGateway(conversations *chat.ConversationStore, gate *auth.Gate, opts GatewayOptions) *Gateway {
	opts.applyDefaults()
	return &Gateway{
		conversations: conversations,
		gate:          gate,
		registry:      NewConnectionManager(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
		opts:   opts,
		logger: opts.Logger,
		active: make(map[string]*wsClient),
	}
}

// Stats returns connection statistics. It has no side effects.
func (g *Gateway) Stats() GatewayStats {
	return g.registry.Stats()
}

// Registry returns the connection registry
func (g *Gateway) Registry() *ConnectionManager {
	return g.registry
}

// CloseAll closes every open connection with a going-away code
func (g *Gateway) CloseAll() {
	g.mu.Lock()
	clients := make([]*wsClient, 0, len(g.active))
	for _, c := range g.active {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	for _, c := range clients {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}

// ServeHTTP upgrades the request and runs the connection until it closes
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := keyFromRequest(r)
	userID := r.URL.Query().Get("userId")

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	info := g.gate.Authenticator().Validate(key)
	if info == nil || !info.HasPermission(auth.PermissionChat) {
		g.logger.Warn("Rejected realtime connection", "remote", r.RemoteAddr)
		deadline := time.Now().Add(g.opts.WriteWait)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed"), deadline)
		conn.Close()
		return
	}
	if userID == "" {
		userID = info.Name
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	c := &wsClient{
		gateway: g,
		conn:    conn,
		key:     info,
		entry: ConnectionEntry{
			ClientID:       uuid.New().String(),
			UserID:         userID,
			KeyName:        info.Name,
			ConnectedAt:    now,
			LastActivityAt: now,
		},
		send:    make(chan protocol.Frame, sendBufferSize),
		inbox:   make(chan protocol.Frame, inboxSize),
		limiter: rate.NewLimiter(rate.Limit(g.opts.FrameRate), g.opts.FrameBurst),
		ctx:     ctx,
		cancel:  cancel,
	}

	g.register(c)
	defer g.unregister(c)

	g.logger.Info("Realtime client connected", "client_id", c.entry.ClientID, "user_id", userID, "key", info.Name)
	c.enqueue(protocol.Connected(c.entry.ClientID))

	go c.writePump()
	go c.processInbox()
	c.readPump()
}

func (g *Gateway) register(c *wsClient) {
	g.registry.Add(c.entry)
	g.mu.Lock()
	g.active[c.entry.ClientID] = c
	g.mu.Unlock()
}

func (g *Gateway) unregister(c *wsClient) {
	c.cancel()
	g.registry.Remove(c.entry.ClientID)
	g.mu.Lock()
	delete(g.active, c.entry.ClientID)
	g.mu.Unlock()
	g.logger.Info("Realtime client disconnected", "client_id", c.entry.ClientID)
}

// wsClient is one authenticated connection. The write pump owns every
// write to conn; other goroutines go through send.
type wsClient struct {
	gateway *Gateway
	conn    *websocket.Conn
	key     *auth.KeyInfo
	entry   ConnectionEntry

	send    chan protocol.Frame
	inbox   chan protocol.Frame
	limiter *rate.Limiter

	// ctx is cancelled when the connection closes and aborts in-flight generation
	ctx    context.Context
	cancel context.CancelFunc

	closeMu   sync.Mutex
	closeCode int
	closeText string
}

// enqueue hands a frame to the write pump. It gives up once the connection is closing.
func (c *wsClient) enqueue(frame protocol.Frame) bool {
	select {
	case c.send <- frame:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *wsClient) sendError(message, details string) {
	c.enqueue(protocol.Error(message, details))
}

func (c *wsClient) closeWith(code int, text string) {
	c.closeMu.Lock()
	if c.closeCode == 0 {
		c.closeCode, c.closeText = code, text
	}
	c.closeMu.Unlock()
	c.cancel()
}

func (c *wsClient) closeReason() (int, string) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closeCode == 0 {
		return websocket.CloseNormalClosure, ""
	}
	return c.closeCode, c.closeText
}

// readPump handles incoming frames until the connection fails
func (c *wsClient) readPump() {
	opts := c.gateway.opts
	c.conn.SetReadLimit(opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) &&
				c.ctx.Err() == nil {
				c.gateway.logger.Debug("WebSocket read error", "client_id", c.entry.ClientID, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
		c.gateway.registry.Touch(c.entry.ClientID)

		if !c.limiter.Allow() {
			c.sendError("too many frames", "slow down and retry")
			continue
		}

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError("invalid frame", err.Error())
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *wsClient) handleFrame(frame protocol.Frame) {
	switch frame.Type {
	case protocol.TypeMessage:
		select {
		case c.inbox <- frame:
		default:
			c.sendError("too many pending messages", "wait for the current reply before sending more")
		}
	case protocol.TypePing:
		c.enqueue(protocol.Pong())
	default:
		c.sendError("unknown frame type", string(frame.Type))
	}
}

// writePump handles outgoing frames and keepalive pings
func (c *wsClient) writePump() {
	opts := c.gateway.opts
	ticker := time.NewTicker(opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				c.gateway.logger.Debug("WebSocket write error", "client_id", c.entry.ClientID, "error", err)
				c.cancel()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}

		case <-c.ctx.Done():
			code, text := c.closeReason()
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, text), time.Now().Add(opts.WriteWait))
			return
		}
	}
}

// processInbox handles message frames one at a time so replies keep the
// order the messages arrived in
func (c *wsClient) processInbox() {
	for {
		select {
		case frame := <-c.inbox:
			c.handleMessage(frame)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *wsClient) handleMessage(frame protocol.Frame) {
	content := strings.TrimSpace(frame.Content)
	if content == "" {
		c.sendError("message content is required", "")
		return
	}

	if result := c.gateway.gate.CheckRate(c.key); !result.Allowed {
		c.sendError("rate limit exceeded",
			fmt.Sprintf("limit %d reached, resets at %s", result.Limit, result.ResetAt.UTC().Format(time.RFC3339)))
		return
	}
	c.gateway.registry.RecordMessage(c.key.Name)

	threadID := frame.ThreadID
	if threadID == "" {
		threadID = "user-" + c.entry.UserID
	}

	result, err := c.gateway.conversations.SendMessage(c.ctx, threadID, content,
		chat.WithUserID(c.entry.UserID),
		chat.WithProgress(func(progress float64, status string) {
			frame := protocol.Status(status, progress)
			if progress < 0 {
				frame.Progress = nil
			}
			c.enqueue(frame)
		}),
		chat.WithNarrative(func(text string) {
			c.enqueue(protocol.Narrative(text, map[string]any{"threadId": threadID}))
		}),
	)
	if err != nil {
		if errors.Is(err, context.Canceled) || c.ctx.Err() != nil {
			c.gateway.logger.Debug("Turn abandoned", "client_id", c.entry.ClientID, "thread_id", threadID)
			return
		}
		c.gateway.logger.Warn("Failed to handle realtime message", "client_id", c.entry.ClientID, "thread_id", threadID, "error", err)
		c.sendError("failed to generate a reply", err.Error())
		return
	}

	c.enqueue(protocol.Response(result.Content, threadID, map[string]any{
		"provider":     result.Provider,
		"degraded":     result.Degraded,
		"messageCount": result.Summary.MessageCount,
	}))
	c.enqueue(protocol.Complete())
}
