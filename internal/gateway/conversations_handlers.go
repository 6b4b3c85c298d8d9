package gateway

import (
	"errors"
	"net/http"

	"github.com/qwer2003tw/unigate/internal/storage"
)

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	unified, ok := s.resolveUnified(w, r)
	if !ok {
		return
	}
	page, err := s.history.ListConversations(r.Context(), unified.ID,
		queryInt(r, "limit", 0), r.URL.Query().Get("last_key"), queryBool(r, "include_deleted"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Could not load conversations")
		return
	}
	resp := map[string]any{
		"conversations": map[string]any{
			"pinned": page.Pinned,
			"recent": page.Recent,
		},
		"count": len(page.Pinned) + len(page.Recent),
	}
	if page.NextKey != "" {
		resp["last_key"] = page.NextKey
	}
	writeJSON(w, http.StatusOK, resp)
}

type createConversationRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	unified, ok := s.resolveUnified(w, r)
	if !ok {
		return
	}
	var req createConversationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	conv, err := s.history.NewConversation(r.Context(), unified.ID, req.Title)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Could not create conversation")
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

type updateConversationRequest struct {
	Title  *string `json:"title"`
	Pinned *bool   `json:"pinned"`
}

func (s *Server) handleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	unified, ok := s.resolveUnified(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	var req updateConversationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Title == nil && req.Pinned == nil {
		writeError(w, http.StatusBadRequest, "Nothing to update")
		return
	}
	if req.Title != nil {
		if err := s.history.RenameConversation(r.Context(), unified.ID, id, *req.Title); err != nil {
			s.conversationError(w, err)
			return
		}
	}
	if req.Pinned != nil {
		if err := s.history.SetPinned(r.Context(), unified.ID, id, *req.Pinned); err != nil {
			s.conversationError(w, err)
			return
		}
	}
	conv, err := s.history.GetConversation(r.Context(), unified.ID, id)
	if err != nil {
		s.conversationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	unified, ok := s.resolveUnified(w, r)
	if !ok {
		return
	}
	if err := s.history.DeleteConversation(r.Context(), unified.ID, r.PathValue("id")); err != nil {
		s.conversationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleConversationMessages(w http.ResponseWriter, r *http.Request) {
	unified, ok := s.resolveUnified(w, r)
	if !ok {
		return
	}
	messages, nextKey, err := s.history.ConversationMessages(r.Context(), unified.ID,
		r.PathValue("id"), queryInt(r, "limit", 0), r.URL.Query().Get("last_key"),
		queryBool(r, "include_deleted"))
	if err != nil {
		s.conversationError(w, err)
		return
	}
	resp := map[string]any{
		"messages": messages,
		"count":    len(messages),
	}
	if nextKey != "" {
		resp["last_key"] = nextKey
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) conversationError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Conversation not found")
		return
	}
	writeError(w, http.StatusInternalServerError, "Conversation operation failed")
}
