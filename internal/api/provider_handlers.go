package api

import (
	"net/http"

	"github.com/entrepeneur4lyf/chatgate/internal/chat"
)

// InitializeResponse is returned by POST /provider/initialize
type InitializeResponse struct {
	Available bool                `json:"available"`
	Status    chat.ProviderStatus `json:"status"`
}

func (s *Server) handleProviderStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.responder.Status())
}

// handleProviderInitialize re-runs the provider connectivity check. This is
// the only way a provider that failed at startup comes back.
func (s *Server) handleProviderInitialize(w http.ResponseWriter, r *http.Request) {
	if info, ok := KeyInfoFrom(r.Context()); ok {
		s.logger.Info("Provider re-initialization requested", "key", info.Name)
	}
	available := s.responder.Initialize(r.Context())
	s.writeJSON(w, http.StatusOK, InitializeResponse{
		Available: available,
		Status:    s.responder.Status(),
	})
}
