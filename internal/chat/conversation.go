package chat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/entrepeneur4lyf/chatgate/internal/llm"
	"github.com/entrepeneur4lyf/chatgate/internal/storage"
)

const (
	greeting            = "You are a helpful assistant for a consulting team. Answer questions about project status and deliverables clearly and briefly."
	defaultHistoryLimit = 200
	titleLength         = 60
)

// Conversation is a snapshot of one thread. Messages holds only visible messages.
type Conversation struct {
	ThreadID     string        `json:"threadId"`
	Messages     []llm.Message `json:"messages"`
	CreatedAt    time.Time     `json:"createdAt"`
	LastActivity time.Time     `json:"lastActivity"`
	Metadata     Metadata      `json:"metadata"`
}

// Metadata is derived conversation information
type Metadata struct {
	Title        string   `json:"title"`
	MessageCount int      `json:"messageCount"`
	Tags         []string `json:"tags,omitempty"`
}

type conversation struct {
	// turn serializes SendMessage for the thread
	turn sync.Mutex

	mu           sync.RWMutex
	threadID     string
	messages     []llm.Message
	createdAt    time.Time
	lastActivity time.Time
	title        string
	tags         []string
}

func newConversation(threadID string) *conversation {
	now := time.Now()
	return &conversation{
		threadID:     threadID,
		messages:     []llm.Message{llm.NewHiddenMessage(llm.RoleSystem, greeting)},
		createdAt:    now,
		lastActivity: now,
	}
}

func (c *conversation) history() []llm.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	history := make([]llm.Message, len(c.messages))
	copy(history, c.messages)
	return history
}

func (c *conversation) append(messages ...llm.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, msg := range messages {
		if c.title == "" && msg.Role == llm.RoleUser {
			c.title = truncateRunes(msg.Content, titleLength)
		}
		c.messages = append(c.messages, msg)
		c.lastActivity = msg.Timestamp
	}
}

func (c *conversation) summary() Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Summary{
		ID:           c.threadID,
		Title:        c.title,
		MessageCount: countVisible(c.messages),
		Tags:         append([]string(nil), c.tags...),
		CreatedAt:    c.createdAt,
		LastActivity: c.lastActivity,
	}
}

func (c *conversation) snapshot() Conversation {
	s := c.summary()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Conversation{
		ThreadID:     c.threadID,
		Messages:     llm.Visible(c.messages),
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
		Metadata: Metadata{
			Title:        s.Title,
			MessageCount: s.MessageCount,
			Tags:         s.Tags,
		},
	}
}

// StoreOptions configures a ConversationStore
type StoreOptions struct {
	// History restores threads that are not in memory. Optional.
	History storage.MessageLog

	// Persist receives new messages. Optional.
	Persist Persister

	// HistoryLimit caps how many stored messages are restored per thread
	HistoryLimit int

	Logger *log.Logger
}

// ConversationStore keeps per-thread message history and routes new
// messages through the shared Responder.
type ConversationStore struct {
	responder    *Responder
	history      storage.MessageLog
	persist      Persister
	historyLimit int
	logger       *log.Logger

	mu            sync.RWMutex
	conversations map[string]*conversation
}

// NewConversationStore creates a store backed by responder
func NewConversationStore(responder *Responder, opts StoreOptions) *ConversationStore {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistoryLimit
	}
	if opts.Logger == nil {
		opts.Logger = log.Default().WithPrefix("chat")
	}
	return &ConversationStore{
		responder:     responder,
		history:       opts.History,
		persist:       opts.Persist,
		historyLimit:  opts.HistoryLimit,
		logger:        opts.Logger,
		conversations: make(map[string]*conversation),
	}
}

// SendMessage appends text to the thread, generates the assistant reply and
// appends it. Messages for one thread are processed strictly in order.
func (s *ConversationStore) SendMessage(ctx context.Context, threadID, text string, opts ...SendOption) (*SendResult, error) {
	if err := validateText("threadId", threadID); err != nil {
		return nil, err
	}
	if err := validateText("message", text); err != nil {
		return nil, err
	}
	cfg := newSendConfig(opts)

	conv := s.lookupOrCreate(ctx, threadID)

	conv.turn.Lock()
	defer conv.turn.Unlock()

	userMsg, assistantMsg, reply, err := exchange(ctx, s.responder, threadID, conv.history(), text, cfg)
	if err != nil {
		return nil, err
	}
	conv.append(userMsg, assistantMsg)
	persist(s.persist, threadID, userMsg, assistantMsg)

	s.logger.Debug("Message handled", "thread_id", threadID, "provider", reply.Provider, "degraded", reply.Degraded)

	result := &SendResult{Reply: reply, Summary: conv.summary()}
	if cfg.fullHistory {
		result.Messages = llm.Visible(conv.history())
	}
	return result, nil
}

// GetConversation returns the thread from memory, falling back to storage.
// Threads restored from storage are cached.
func (s *ConversationStore) GetConversation(ctx context.Context, threadID string) (*Conversation, error) {
	if err := validateText("threadId", threadID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	conv, ok := s.conversations[threadID]
	s.mu.RUnlock()
	if ok {
		snapshot := conv.snapshot()
		return &snapshot, nil
	}

	conv, err := s.restore(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, threadID)
	}
	conv = s.cache(conv)
	snapshot := conv.snapshot()
	return &snapshot, nil
}

// ListConversations returns summaries of cached threads, most recent first
func (s *ConversationStore) ListConversations() []Summary {
	s.mu.RLock()
	summaries := make([]Summary, 0, len(s.conversations))
	for _, conv := range s.conversations {
		summaries = append(summaries, conv.summary())
	}
	s.mu.RUnlock()

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].LastActivity.After(summaries[j].LastActivity)
	})
	return summaries
}

// DeleteConversation drops the cached thread. Stored history is untouched.
func (s *ConversationStore) DeleteConversation(threadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[threadID]; !ok {
		return false
	}
	delete(s.conversations, threadID)
	return true
}

// SetProvider swaps the active provider
func (s *ConversationStore) SetProvider(p llm.Provider) {
	s.responder.SetProvider(p)
}

// Provider returns the active provider
func (s *ConversationStore) Provider() llm.Provider {
	return s.responder.Provider()
}

func (s *ConversationStore) lookupOrCreate(ctx context.Context, threadID string) *conversation {
	s.mu.RLock()
	conv, ok := s.conversations[threadID]
	s.mu.RUnlock()
	if ok {
		return conv
	}

	restored, err := s.restore(ctx, threadID)
	if err != nil {
		s.logger.Warn("Failed to restore conversation, starting fresh", "thread_id", threadID, "error", err)
	}
	if restored == nil {
		restored = newConversation(threadID)
	}
	return s.cache(restored)
}

// cache stores conv unless another caller got there first
func (s *ConversationStore) cache(conv *conversation) *conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.conversations[conv.threadID]; ok {
		return existing
	}
	s.conversations[conv.threadID] = conv
	return conv
}

// restore rebuilds a thread from storage. It returns nil when nothing is stored.
func (s *ConversationStore) restore(ctx context.Context, threadID string) (*conversation, error) {
	if s.history == nil {
		return nil, nil
	}
	records, err := s.history.ListByThread(ctx, threadID, s.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load thread %s: %w", threadID, err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	conv := newConversation(threadID)
	conv.createdAt = records[0].Timestamp
	for _, record := range records {
		role := llm.Role(record.Role)
		if !role.Valid() {
			role = llm.RoleAssistant
		}
		conv.append(llm.Message{
			ID:        record.MessageID,
			Role:      role,
			Content:   record.Content,
			Timestamp: record.Timestamp,
		})
	}
	s.logger.Debug("Conversation restored", "thread_id", threadID, "messages", len(records))
	return conv, nil
}
