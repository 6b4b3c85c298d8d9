package gateway

import (
	"errors"
	"net/http"

	"github.com/qwer2003tw/unigate/internal/storage"
)

type createUserRequest struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	role, ok := parseRole(req.Role)
	if !ok {
		writeError(w, http.StatusBadRequest, "Role must be user or admin")
		return
	}
	password, err := s.identity.CreateWebUser(r.Context(), req.Email, role)
	switch {
	case errors.Is(err, storage.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "Account already exists")
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// The temporary password is shown once; the user must change it on
	// first login.
	writeJSON(w, http.StatusCreated, map[string]any{
		"email":              req.Email,
		"role":               string(role),
		"temporary_password": password,
	})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	users, total, err := s.identity.ListWebUsers(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Could not list users")
		return
	}
	views := make([]userView, 0, len(users))
	for _, u := range users {
		views = append(views, userView{
			Email:                 u.Email,
			Role:                  string(u.Role),
			Enabled:               u.Enabled,
			RequirePasswordChange: u.RequirePasswordChange,
			CreatedAt:             u.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"users": views,
		"total": total,
	})
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	email := r.PathValue("email")
	password, err := s.identity.ResetWebUserPassword(r.Context(), email)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "Account not found")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Password reset failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"email":              email,
		"temporary_password": password,
	})
}

type setRoleRequest struct {
	Role string `json:"role"`
}

func (s *Server) handleSetRole(w http.ResponseWriter, r *http.Request) {
	email := r.PathValue("email")
	var req setRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	role, ok := parseRole(req.Role)
	if !ok {
		writeError(w, http.StatusBadRequest, "Role must be user or admin")
		return
	}
	err := s.identity.SetWebUserRole(r.Context(), email, role)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "Account not found")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Role change failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"email": email, "role": string(role)})
}

func (s *Server) handleListBindings(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)
	users, total, err := s.stores.Users.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Could not list bindings")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"bindings": users,
		"total":    total,
	})
}

func parseRole(raw string) (storage.Role, bool) {
	switch raw {
	case "", string(storage.RoleUser):
		return storage.RoleUser, true
	case string(storage.RoleAdmin):
		return storage.RoleAdmin, true
	default:
		return "", false
	}
}
