package chat

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/entrepeneur4lyf/chatgate/internal/llm"
)

const contextIDPrefix = "pctx_"

// ContextID derives the stable id of the (user, project) context
func ContextID(userID, projectID string) string {
	sum := sha256.Sum256([]byte(userID + "\x00" + projectID))
	return contextIDPrefix + hex.EncodeToString(sum[:])[:24]
}

// ProjectChatContext is a snapshot of a project-scoped conversation.
// Messages holds only visible messages.
type ProjectChatContext struct {
	ContextID    string         `json:"contextId"`
	UserID       string         `json:"userId"`
	ProjectID    string         `json:"projectId"`
	ProjectData  map[string]any `json:"projectData,omitempty"`
	Messages     []llm.Message  `json:"messages"`
	CreatedAt    time.Time      `json:"createdAt"`
	LastActivity time.Time      `json:"lastActivity"`
}

type projectContext struct {
	turn sync.Mutex

	mu           sync.RWMutex
	id           string
	userID       string
	projectID    string
	data         map[string]any
	messages     []llm.Message
	createdAt    time.Time
	lastActivity time.Time
}

func (p *projectContext) history() []llm.Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	history := make([]llm.Message, len(p.messages))
	copy(history, p.messages)
	return history
}

func (p *projectContext) append(messages ...llm.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, msg := range messages {
		p.messages = append(p.messages, msg)
		p.lastActivity = msg.Timestamp
	}
}

func (p *projectContext) summary() Summary {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Summary{
		ID:           p.id,
		Title:        projectTitle(p.projectID, p.data),
		MessageCount: countVisible(p.messages),
		CreatedAt:    p.createdAt,
		LastActivity: p.lastActivity,
	}
}

func (p *projectContext) snapshot() ProjectChatContext {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return ProjectChatContext{
		ContextID:    p.id,
		UserID:       p.userID,
		ProjectID:    p.projectID,
		ProjectData:  copyData(p.data),
		Messages:     llm.Visible(p.messages),
		CreatedAt:    p.createdAt,
		LastActivity: p.lastActivity,
	}
}

// ProjectRegistry owns the per-(user, project) conversation contexts
type ProjectRegistry struct {
	responder *Responder
	persist   Persister
	logger    *log.Logger

	mu       sync.RWMutex
	contexts map[string]*projectContext
	current  map[string]string
}

// NewProjectRegistry creates an empty registry. persist may be nil.
func NewProjectRegistry(responder *Responder, persist Persister, logger *log.Logger) *ProjectRegistry {
	if logger == nil {
		logger = log.Default().WithPrefix("projects")
	}
	return &ProjectRegistry{
		responder: responder,
		persist:   persist,
		logger:    logger,
		contexts:  make(map[string]*projectContext),
		current:   make(map[string]string),
	}
}

// SwitchToContext returns the context for the pair, creating and priming it
// on first use. The id is reserved before priming starts, so concurrent
// switches to the same pair always share one context.
func (r *ProjectRegistry) SwitchToContext(ctx context.Context, userID, projectID string, projectData map[string]any) (*ProjectChatContext, error) {
	if err := validateText("userId", userID); err != nil {
		return nil, err
	}
	if err := validateText("projectId", projectID); err != nil {
		return nil, err
	}
	id := ContextID(userID, projectID)

	r.mu.Lock()
	pc, exists := r.contexts[id]
	if !exists {
		now := time.Now()
		pc = &projectContext{
			id:           id,
			userID:       userID,
			projectID:    projectID,
			data:         copyData(projectData),
			createdAt:    now,
			lastActivity: now,
		}
		// Held until priming completes so racing sends wait for the welcome
		pc.turn.Lock()
		r.contexts[id] = pc
	}
	r.current[userID] = id
	r.mu.Unlock()

	if !exists {
		r.prime(pc)
		pc.turn.Unlock()
		r.logger.Info("Project context created", "context_id", id, "user_id", userID, "project_id", projectID)
	} else {
		pc.mu.Lock()
		if projectData != nil {
			pc.data = copyData(projectData)
		}
		pc.lastActivity = time.Now()
		pc.mu.Unlock()
	}

	snapshot := pc.snapshot()
	return &snapshot, nil
}

func (r *ProjectRegistry) prime(pc *projectContext) {
	pc.mu.RLock()
	title := projectTitle(pc.projectID, pc.data)
	system := projectSystemPrompt(title, pc.projectID, pc.data)
	pc.mu.RUnlock()

	welcome := llm.NewMessage(llm.RoleAssistant,
		fmt.Sprintf("Welcome to %s. Ask me about its status or deliverables.", title))
	pc.append(llm.NewHiddenMessage(llm.RoleSystem, system), welcome)
	persist(r.persist, pc.id, welcome)
}

// SendMessage runs one turn within the context
func (r *ProjectRegistry) SendMessage(ctx context.Context, contextID, text string, opts ...SendOption) (*SendResult, error) {
	if err := validateText("message", text); err != nil {
		return nil, err
	}
	pc, err := r.lookup(contextID)
	if err != nil {
		return nil, err
	}

	cfg := newSendConfig(opts)
	if cfg.userID == "" {
		cfg.userID = pc.userID
	}

	pc.turn.Lock()
	defer pc.turn.Unlock()

	userMsg, assistantMsg, reply, err := exchange(ctx, r.responder, contextID, pc.history(), text, cfg)
	if err != nil {
		return nil, err
	}
	pc.append(userMsg, assistantMsg)
	persist(r.persist, contextID, userMsg, assistantMsg)

	result := &SendResult{Reply: reply, Summary: pc.summary()}
	if cfg.fullHistory {
		result.Messages = llm.Visible(pc.history())
	}
	return result, nil
}

// VisibleMessages returns the context's messages without hidden entries
func (r *ProjectRegistry) VisibleMessages(contextID string) ([]llm.Message, error) {
	pc, err := r.lookup(contextID)
	if err != nil {
		return nil, err
	}
	return llm.Visible(pc.history()), nil
}

// Get returns a snapshot of the context
func (r *ProjectRegistry) Get(contextID string) (*ProjectChatContext, error) {
	pc, err := r.lookup(contextID)
	if err != nil {
		return nil, err
	}
	snapshot := pc.snapshot()
	return &snapshot, nil
}

// Current returns the context the user switched to last
func (r *ProjectRegistry) Current(userID string) (*ProjectChatContext, bool) {
	r.mu.RLock()
	pc, ok := r.contexts[r.current[userID]]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	snapshot := pc.snapshot()
	return &snapshot, true
}

// ListForUser returns the user's contexts, most recent first
func (r *ProjectRegistry) ListForUser(userID string) []Summary {
	r.mu.RLock()
	var owned []*projectContext
	for _, pc := range r.contexts {
		if pc.userID == userID {
			owned = append(owned, pc)
		}
	}
	r.mu.RUnlock()

	summaries := make([]Summary, 0, len(owned))
	for _, pc := range owned {
		summaries = append(summaries, pc.summary())
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].LastActivity.After(summaries[j].LastActivity)
	})
	return summaries
}

// Clear removes the context. It reports false when the context did not exist.
func (r *ProjectRegistry) Clear(contextID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	pc, ok := r.contexts[contextID]
	if !ok {
		return false
	}
	delete(r.contexts, contextID)
	if r.current[pc.userID] == contextID {
		delete(r.current, pc.userID)
	}
	return true
}

func (r *ProjectRegistry) lookup(contextID string) (*projectContext, error) {
	r.mu.RLock()
	pc, ok := r.contexts[contextID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrContextNotFound, contextID)
	}
	return pc, nil
}

func projectTitle(projectID string, data map[string]any) string {
	if name, ok := data["name"].(string); ok && strings.TrimSpace(name) != "" {
		return strings.TrimSpace(name)
	}
	return projectID
}

// projectSystemPrompt lists the project data in key order
func projectSystemPrompt(title, projectID string, data map[string]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s\n", title)
	fmt.Fprintf(&b, "Project ID: %s\n", projectID)

	keys := make([]string, 0, len(data))
	for key := range data {
		if key != "name" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(&b, "%s: %v\n", key, data[key])
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func copyData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
