package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/qwer2003tw/unigate/internal/auth"
	"github.com/qwer2003tw/unigate/internal/identity"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userView struct {
	Email                 string    `json:"email"`
	Role                  string    `json:"role"`
	Enabled               bool      `json:"enabled"`
	RequirePasswordChange bool      `json:"require_password_change"`
	CreatedAt             time.Time `json:"created_at"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	result, err := s.identity.Login(r.Context(), req.Email, req.Password)
	switch {
	case errors.Is(err, identity.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "Too many failed attempts, try again later")
		return
	case errors.Is(err, identity.ErrAccountDisabled):
		writeError(w, http.StatusForbidden, "Account disabled")
		return
	case err != nil:
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": result.Token,
		"user": userView{
			Email:                 result.User.Email,
			Role:                  string(result.User.Role),
			Enabled:               result.User.Enabled,
			RequirePasswordChange: result.User.RequirePasswordChange,
			CreatedAt:             result.User.CreatedAt,
		},
	})
}

// Tokens are stateless, so logout is an acknowledgement for clients
// that want a definite end-of-session call.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r.Context())
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	err := s.identity.ChangePassword(r.Context(), user.Email, req.CurrentPassword, req.NewPassword)
	switch {
	case errors.Is(err, auth.ErrWeakPassword):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, identity.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "Current password is incorrect")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Password change failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "password changed"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r.Context())
	writeJSON(w, http.StatusOK, userView{
		Email:                 user.Email,
		Role:                  string(user.Role),
		Enabled:               user.Enabled,
		RequirePasswordChange: user.RequirePasswordChange,
		CreatedAt:             user.CreatedAt,
	})
}
