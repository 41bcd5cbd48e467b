package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/entrepeneur4lyf/chatgate/internal/llm"
	"github.com/entrepeneur4lyf/chatgate/internal/llm/providers"
)

// OfflineNotice prefixes replies produced by the fallback provider
const OfflineNotice = "[Offline mode] The AI backend is unreachable, so this is a local answer.\n\n"

// Reply is the outcome of one generation
type Reply struct {
	Content  string `json:"content"`
	Provider string `json:"provider"`
	Degraded bool   `json:"degraded"`
}

// ProviderStatus describes the active provider for operators
type ProviderStatus struct {
	Name            string         `json:"name"`
	Available       bool           `json:"available"`
	FallbackEnabled bool           `json:"fallbackEnabled"`
	LastError       *llm.ErrorInfo `json:"lastError,omitempty"`
}

// ResponderOptions configures a Responder
type ResponderOptions struct {
	// Fallback answers when the active provider fails. Defaults to the heuristic provider.
	Fallback llm.Provider

	// DisableFallback surfaces provider errors instead of answering locally
	DisableFallback bool

	Logger *log.Logger
}

// Responder holds the active provider and applies the fallback policy.
// It is shared by the conversation store and the project registry.
type Responder struct {
	mu       sync.RWMutex
	active   llm.Provider
	fallback llm.Provider

	disableFallback bool
	logger          *log.Logger
}

// NewResponder creates a responder around the active provider. A nil
// provider means every reply comes from the fallback.
func NewResponder(active llm.Provider, opts ResponderOptions) *Responder {
	if opts.Fallback == nil {
		opts.Fallback = providers.NewHeuristicProvider()
	}
	if opts.Logger == nil {
		opts.Logger = log.Default().WithPrefix("chat")
	}
	return &Responder{
		active:          active,
		fallback:        opts.Fallback,
		disableFallback: opts.DisableFallback,
		logger:          opts.Logger,
	}
}

// SetProvider swaps the active provider. In-flight generations finish on
// the provider they started with.
func (r *Responder) SetProvider(p llm.Provider) {
	r.mu.Lock()
	r.active = p
	r.mu.Unlock()
}

// Provider returns the active provider, or the fallback when none is set
func (r *Responder) Provider() llm.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active == nil {
		return r.fallback
	}
	return r.active
}

// Initialize runs the active provider's connectivity check. A false result
// leaves the responder in fallback mode until the next explicit call.
func (r *Responder) Initialize(ctx context.Context) bool {
	p := r.Provider()
	ok := p.Initialize(ctx)
	if !ok {
		fields := []any{"provider", p.Name()}
		if info := p.LastError(); info != nil {
			fields = append(fields, "type", info.Type, "error", info.Message)
		}
		r.logger.Warn("Provider unavailable, using local fallback", fields...)
	} else {
		r.logger.Info("Provider initialized", "provider", p.Name())
	}
	return ok
}

// Status reports the active provider's availability
func (r *Responder) Status() ProviderStatus {
	p := r.Provider()
	return ProviderStatus{
		Name:            p.Name(),
		Available:       p.IsAvailable(),
		FallbackEnabled: !r.disableFallback,
		LastError:       p.LastError(),
	}
}

// Respond generates a reply, falling back to the local provider on any
// provider error. Cancellation of ctx is returned as is.
func (r *Responder) Respond(ctx context.Context, req llm.Request) (Reply, error) {
	p := r.Provider()

	text, err := p.Generate(ctx, req)
	if err == nil {
		return Reply{Content: text, Provider: p.Name()}, nil
	}

	// A caller that went away gets no reply at all, not a local one
	if ctxErr := ctx.Err(); ctxErr != nil {
		if !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		return Reply{}, fmt.Errorf("provider %s: %w", p.Name(), err)
	}

	if r.disableFallback {
		return Reply{}, fmt.Errorf("provider %s: %w", p.Name(), err)
	}

	level := log.WarnLevel
	if errors.Is(err, llm.ErrProviderUnavailable) {
		level = log.DebugLevel
	}
	r.logger.Log(level, "Falling back to local provider",
		"provider", p.Name(), "thread_id", req.ThreadID, "error", err)

	text, err = r.fallback.Generate(ctx, req)
	if err != nil {
		return Reply{}, fmt.Errorf("fallback provider %s: %w", r.fallback.Name(), err)
	}
	return Reply{Content: OfflineNotice + text, Provider: r.fallback.Name(), Degraded: true}, nil
}
