package gateway

import (
	"fmt"
	"net/http"
	"time"

	"github.com/qwer2003tw/unigate/internal/history"
	"github.com/qwer2003tw/unigate/internal/storage"
)

// resolveUnified maps the authenticated web account to its unified
// identity, minting a web-only one on first use.
func (s *Server) resolveUnified(w http.ResponseWriter, r *http.Request) (*storage.UnifiedUser, bool) {
	user := currentUser(r.Context())
	unified, err := s.identity.ResolveWebUser(r.Context(), user.Email)
	if err != nil {
		s.log.Error(r.Context(), "resolve unified user failed", "email", user.Email, "error", err)
		writeError(w, http.StatusInternalServerError, "Could not resolve account")
		return nil, false
	}
	return unified, true
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	unified, ok := s.resolveUnified(w, r)
	if !ok {
		return
	}
	q := storage.HistoryQuery{
		Channel:    r.URL.Query().Get("channel"),
		Limit:      queryInt(r, "limit", 50),
		LastKey:    r.URL.Query().Get("last_key"),
		Descending: true,
	}
	messages, nextKey, err := s.history.ListMessages(r.Context(), unified.ID, q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Could not load history")
		return
	}
	resp := map[string]any{
		"messages": history.GroupByTime(messages, time.Now()),
		"count":    len(messages),
	}
	if nextKey != "" {
		resp["last_key"] = nextKey
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistoryExport(w http.ResponseWriter, r *http.Request) {
	unified, ok := s.resolveUnified(w, r)
	if !ok {
		return
	}
	channel := r.URL.Query().Get("channel")
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}

	var (
		body        []byte
		contentType string
		ext         string
		err         error
	)
	switch format {
	case "json":
		body, err = s.history.ExportJSON(r.Context(), unified.ID, channel)
		contentType, ext = "application/json", "json"
	case "markdown":
		body, err = s.history.ExportMarkdown(r.Context(), unified.ID, channel)
		contentType, ext = "text/markdown; charset=utf-8", "md"
	default:
		writeError(w, http.StatusBadRequest, "Unsupported format, use json or markdown")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Export failed")
		return
	}

	filename := fmt.Sprintf("history-%s.%s", time.Now().UTC().Format("2006-01-02"), ext)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleHistoryStats(w http.ResponseWriter, r *http.Request) {
	unified, ok := s.resolveUnified(w, r)
	if !ok {
		return
	}
	stats, err := s.history.Stats(r.Context(), unified.ID, r.URL.Query().Get("channel"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Could not compute stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
