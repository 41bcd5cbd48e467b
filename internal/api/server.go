package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"

	"github.com/entrepeneur4lyf/chatgate/internal/auth"
	"github.com/entrepeneur4lyf/chatgate/internal/chat"
	"github.com/entrepeneur4lyf/chatgate/internal/llm"
	"github.com/entrepeneur4lyf/chatgate/internal/storage"
)

// Services are the collaborators the API exposes
type Services struct {
	Responder     *chat.Responder
	Conversations *chat.ConversationStore
	Projects      *chat.ProjectRegistry
	Gate          *auth.Gate

	// Persistence and Storage are reported by the health endpoint. Optional.
	Persistence *storage.Writer
	Storage     storage.StatsReporter
}

// Options configures the server
type Options struct {
	CORSOrigins  []string
	Realtime     GatewayOptions
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       *log.Logger
}

// healthStorageTimeout bounds the storage count query in /health
const healthStorageTimeout = 2 * time.Second

// Server represents the API server
type Server struct {
	responder     *chat.Responder
	conversations *chat.ConversationStore
	projects      *chat.ProjectRegistry
	gate          *auth.Gate
	persistence   *storage.Writer
	storage       storage.StatsReporter
	gateway       *Gateway

	corsOrigins  []string
	readTimeout  time.Duration
	writeTimeout time.Duration
	logger       *log.Logger
	httpServer   *http.Server
	startedAt    time.Time
}

// NewServer creates a new API server
func NewServer(services Services, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.Default().WithPrefix("api")
	}
	if opts.Realtime.Logger == nil {
		opts.Realtime.Logger = opts.Logger.WithPrefix("gateway")
	}
	s := &Server{
		responder:     services.Responder,
		conversations: services.Conversations,
		projects:      services.Projects,
		gate:          services.Gate,
		persistence:   services.Persistence,
		storage:       services.Storage,
		corsOrigins:   opts.CORSOrigins,
		readTimeout:   opts.ReadTimeout,
		writeTimeout:  opts.WriteTimeout,
		logger:        opts.Logger,
		startedAt:     time.Now(),
	}
	if opts.Realtime.CheckOrigin == nil {
		opts.Realtime.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.originAllowed(origin)
		}
	}
	s.gateway = NewGateway(services.Conversations, services.Gate, opts.Realtime)
	return s
}

// Gateway returns the realtime gateway
func (s *Server) Gateway() *Gateway {
	return s.gateway
}

// Router builds the HTTP handler with every route
func (s *Server) Router() http.Handler {
	router := mux.NewRouter()

	api := router.PathPrefix("/api/v1").Subrouter()

	// Public
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	// Realtime gateway authenticates from the handshake itself
	api.Handle("/realtime", s.gateway).Methods(http.MethodGet)
	api.Handle("/realtime/stats", s.requireKey(auth.PermissionRead, s.handleRealtimeStats)).Methods(http.MethodGet)

	// Threads
	api.Handle("/chat/messages", s.requireKey(auth.PermissionChat, s.handleSendMessage)).Methods(http.MethodPost)
	api.Handle("/chat/threads", s.requireKey(auth.PermissionChat, s.handleListThreads)).Methods(http.MethodGet)
	api.Handle("/chat/threads/{threadId}", s.requireKey(auth.PermissionChat, s.handleGetThread)).Methods(http.MethodGet)
	api.Handle("/chat/threads/{threadId}", s.requireKey(auth.PermissionChat, s.handleDeleteThread)).Methods(http.MethodDelete)

	// Project contexts
	api.Handle("/projects", s.requireKey(auth.PermissionChat, s.handleListProjects)).Methods(http.MethodGet)
	api.Handle("/projects/switch", s.requireKey(auth.PermissionChat, s.handleSwitchProject)).Methods(http.MethodPost)
	api.Handle("/projects/{contextId}/messages", s.requireKey(auth.PermissionChat, s.handleProjectSend)).Methods(http.MethodPost)
	api.Handle("/projects/{contextId}/messages", s.requireKey(auth.PermissionChat, s.handleProjectMessages)).Methods(http.MethodGet)
	api.Handle("/projects/{contextId}", s.requireKey(auth.PermissionChat, s.handleClearProject)).Methods(http.MethodDelete)

	// Provider administration
	api.Handle("/provider", s.requireKey(auth.PermissionRead, s.handleProviderStatus)).Methods(http.MethodGet)
	api.Handle("/provider/initialize", s.requireKey(auth.PermissionAdmin, s.handleProviderInitialize)).Methods(http.MethodPost)

	// Wrapped outside the router so preflight requests reach CORS before method matching
	return s.recoveryMiddleware(s.loggingMiddleware(s.corsMiddleware(router)))
}

// Start listens on addr and serves until Stop is called
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
	}

	s.logger.Info("Starting API server", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the HTTP server and closes realtime connections
func (s *Server) Stop(ctx context.Context) error {
	s.gateway.CloseAll()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Response helpers
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, map[string]string{"error": message})
}

// writeServiceError maps service errors onto HTTP status codes
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var rateErr *auth.RateLimitError
	var genErr *llm.GenerationError

	switch {
	case errors.As(err, &rateErr):
		retryAfter := time.Until(rateErr.Result.ResetAt).Seconds()
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter)))
		s.writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":   "rate limit exceeded",
			"limit":   rateErr.Result.Limit,
			"current": rateErr.Result.Current,
			"resetAt": rateErr.Result.ResetAt,
		})
	case errors.Is(err, chat.ErrInvalidArgument):
		s.writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, auth.ErrAuthentication):
		s.writeError(w, "authentication required", http.StatusUnauthorized)
	case errors.Is(err, auth.ErrPermissionDenied):
		s.writeError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, chat.ErrConversationNotFound), errors.Is(err, chat.ErrContextNotFound):
		s.writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, context.Canceled):
		// The client is gone; the status is for the access log only
		s.writeError(w, "request cancelled", http.StatusServiceUnavailable)
	case errors.Is(err, llm.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, err.Error(), http.StatusGatewayTimeout)
	case errors.Is(err, llm.ErrProviderUnavailable), errors.Is(err, llm.ErrUnparseableResponse), errors.As(err, &genErr):
		s.writeError(w, err.Error(), http.StatusBadGateway)
	default:
		s.logger.Error("Request failed", "error", err)
		s.writeError(w, "internal server error", http.StatusInternalServerError)
	}
}

// decodeJSON reads a JSON request body of at most 1 MiB
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", chat.ErrInvalidArgument, err)
	}
	return nil
}

// Health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(s.startedAt).Round(time.Second).String(),
		"provider":  s.responder.Status(),
		"realtime":  map[string]int{"connections": s.gateway.Stats().Connections},
	}
	if s.persistence != nil {
		health["persistence"] = s.persistence.Stats()
	}
	if s.storage != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthStorageTimeout)
		stats, err := s.storage.Stats(ctx)
		cancel()
		if err != nil {
			s.logger.Warn("Storage stats unavailable", "error", err)
			health["storage"] = map[string]string{"error": err.Error()}
		} else {
			health["storage"] = stats
		}
	}
	s.writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleRealtimeStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.gateway.Stats())
}
