package gateway

import (
	"net/http"
	"time"
)

func (s *Server) handleGenerateCode(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r.Context())
	code, err := s.identity.GenerateCode(r.Context(), user.Email)
	if err != nil {
		s.log.Error(r.Context(), "generate binding code failed", "email", user.Email, "error", err)
		writeError(w, http.StatusInternalServerError, "Could not generate a binding code")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"code":       code.Code,
		"expires_at": code.ExpiresAt.UTC().Format(time.RFC3339),
		"expires_in": int(time.Until(code.ExpiresAt).Seconds()),
	})
}

func (s *Server) handleBindingStatus(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r.Context())
	info, err := s.identity.BindingStatus(r.Context(), user.Email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Could not read binding status")
		return
	}
	writeJSON(w, http.StatusOK, info)
}
