package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/qwer2003tw/unigate/internal/auth"
	"github.com/qwer2003tw/unigate/internal/storage"
)

// CreateWebUser provisions a browser account with a generated temporary
// password the user must change on first login. The temporary password
// is returned exactly once.
func (s *Service) CreateWebUser(ctx context.Context, email string, role storage.Role) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if !emailPattern.MatchString(email) {
		return "", fmt.Errorf("invalid email %q", email)
	}
	if role == "" {
		role = storage.RoleUser
	}

	tempPassword, err := auth.GenerateTemporaryPassword()
	if err != nil {
		return "", err
	}
	hash, err := auth.HashPassword(tempPassword, s.bcryptCost)
	if err != nil {
		return "", err
	}

	user := &storage.WebUser{
		Email:                 email,
		PasswordHash:          hash,
		Enabled:               true,
		Role:                  role,
		RequirePasswordChange: true,
		CreatedAt:             s.now().UTC(),
	}
	if err := s.stores.WebUsers.Create(ctx, user); err != nil {
		return "", err
	}
	s.log.Info(ctx, "web user created", "email", email, "role", string(role))
	return tempPassword, nil
}

// ListWebUsers pages through browser accounts.
func (s *Service) ListWebUsers(ctx context.Context, limit, offset int) ([]*storage.WebUser, int, error) {
	return s.stores.WebUsers.List(ctx, limit, offset)
}

// ResetWebUserPassword issues a fresh temporary password and forces a
// change on next login.
func (s *Service) ResetWebUserPassword(ctx context.Context, email string) (string, error) {
	user, err := s.stores.WebUsers.Get(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return "", err
	}

	tempPassword, err := auth.GenerateTemporaryPassword()
	if err != nil {
		return "", err
	}
	hash, err := auth.HashPassword(tempPassword, s.bcryptCost)
	if err != nil {
		return "", err
	}
	user.PasswordHash = hash
	user.RequirePasswordChange = true
	if err := s.stores.WebUsers.Update(ctx, user); err != nil {
		return "", err
	}
	s.log.Info(ctx, "web user password reset", "email", user.Email)
	return tempPassword, nil
}

// SetWebUserPassword installs an explicit password, for the admin REST
// surface. The strength policy still applies.
func (s *Service) SetWebUserPassword(ctx context.Context, email, password string) error {
	if err := auth.ValidatePasswordStrength(password); err != nil {
		return err
	}
	user, err := s.stores.WebUsers.Get(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return err
	}
	hash, err := auth.HashPassword(password, s.bcryptCost)
	if err != nil {
		return err
	}
	user.PasswordHash = hash
	user.RequirePasswordChange = true
	if err := s.stores.WebUsers.Update(ctx, user); err != nil {
		return err
	}
	s.log.Info(ctx, "web user password set", "email", user.Email)
	return nil
}

// SetWebUserRole changes an account's role.
func (s *Service) SetWebUserRole(ctx context.Context, email string, role storage.Role) error {
	if role != storage.RoleUser && role != storage.RoleAdmin {
		return fmt.Errorf("invalid role %q", role)
	}
	user, err := s.stores.WebUsers.Get(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return err
	}
	user.Role = role
	if err := s.stores.WebUsers.Update(ctx, user); err != nil {
		return err
	}
	s.log.Info(ctx, "web user role changed", "email", user.Email, "role", string(role))
	return nil
}

// SetWebUserEnabled enables or disables an account. Disabled accounts
// keep their history; they just cannot log in.
func (s *Service) SetWebUserEnabled(ctx context.Context, email string, enabled bool) error {
	user, err := s.stores.WebUsers.Get(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return err
	}
	user.Enabled = enabled
	if err := s.stores.WebUsers.Update(ctx, user); err != nil {
		return err
	}
	s.log.Info(ctx, "web user enabled flag changed", "email", user.Email, "enabled", enabled)
	return nil
}
