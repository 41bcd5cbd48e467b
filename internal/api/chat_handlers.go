package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/entrepeneur4lyf/chatgate/internal/chat"
	"github.com/entrepeneur4lyf/chatgate/internal/llm"
)

// SendMessageRequest is the body of POST /chat/messages and
// POST /projects/{contextId}/messages
type SendMessageRequest struct {
	ThreadID        string           `json:"threadId,omitempty"`
	Content         string           `json:"content"`
	UserID          string           `json:"userId,omitempty"`
	IncludeMessages bool             `json:"includeMessages,omitempty"`
	Attachments     []llm.Attachment `json:"attachments,omitempty"`
}

// SendMessageResponse is returned for a handled message
type SendMessageResponse struct {
	ThreadID string `json:"threadId"`
	*chat.SendResult
}

func (req SendMessageRequest) options(defaultUserID string) []chat.SendOption {
	var opts []chat.SendOption
	if userID := req.UserID; userID != "" {
		opts = append(opts, chat.WithUserID(userID))
	} else if defaultUserID != "" {
		opts = append(opts, chat.WithUserID(defaultUserID))
	}
	if len(req.Attachments) > 0 {
		opts = append(opts, chat.WithAttachments(req.Attachments...))
	}
	if req.IncludeMessages {
		opts = append(opts, chat.WithFullHistory())
	}
	return opts
}

// handleSendMessage routes a message to a thread, starting a new thread
// when none is given
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeServiceError(w, err)
		return
	}
	if req.ThreadID == "" {
		req.ThreadID = uuid.New().String()
	}

	// Threads without an explicit user are attributed to the key
	var keyName string
	if info, ok := KeyInfoFrom(r.Context()); ok {
		keyName = info.Name
	}

	result, err := s.conversations.SendMessage(r.Context(), req.ThreadID, req.Content, req.options(keyName)...)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, SendMessageResponse{ThreadID: req.ThreadID, SendResult: result})
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"threads": s.conversations.ListConversations(),
	})
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	conv, err := s.conversations.GetConversation(r.Context(), mux.Vars(r)["threadId"])
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	if !s.conversations.DeleteConversation(mux.Vars(r)["threadId"]) {
		s.writeError(w, "conversation not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
