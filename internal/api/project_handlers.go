package api

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/entrepeneur4lyf/chatgate/internal/chat"
)

// SwitchProjectRequest is the body of POST /projects/switch
type SwitchProjectRequest struct {
	UserID      string         `json:"userId"`
	ProjectID   string         `json:"projectId"`
	ProjectData map[string]any `json:"projectData,omitempty"`
}

func (s *Server) handleSwitchProject(w http.ResponseWriter, r *http.Request) {
	var req SwitchProjectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeServiceError(w, err)
		return
	}

	pc, err := s.projects.SwitchToContext(r.Context(), req.UserID, req.ProjectID, req.ProjectData)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pc)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		s.writeServiceError(w, fmt.Errorf("%w: userId query parameter is required", chat.ErrInvalidArgument))
		return
	}

	response := map[string]any{"contexts": s.projects.ListForUser(userID)}
	if current, ok := s.projects.Current(userID); ok {
		response["current"] = current.ContextID
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleProjectSend(w http.ResponseWriter, r *http.Request) {
	contextID := mux.Vars(r)["contextId"]

	var req SendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeServiceError(w, err)
		return
	}

	// The context owner is the user unless the caller overrides it
	result, err := s.projects.SendMessage(r.Context(), contextID, req.Content, req.options("")...)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, SendMessageResponse{ThreadID: contextID, SendResult: result})
}

func (s *Server) handleProjectMessages(w http.ResponseWriter, r *http.Request) {
	contextID := mux.Vars(r)["contextId"]

	messages, err := s.projects.VisibleMessages(contextID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"contextId": contextID,
		"messages":  messages,
	})
}

func (s *Server) handleClearProject(w http.ResponseWriter, r *http.Request) {
	if !s.projects.Clear(mux.Vars(r)["contextId"]) {
		s.writeError(w, "project context not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
