// Package identity links browser accounts and Telegram chats into a
// single unified user, and owns web authentication and the Telegram
// allowlist.
package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/qwer2003tw/unigate/internal/auth"
	"github.com/qwer2003tw/unigate/internal/observability"
	"github.com/qwer2003tw/unigate/internal/storage"
)

var (
	// ErrInvalidCredentials covers unknown accounts and bad passwords so
	// responses never disclose which one it was.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountDisabled    = errors.New("account disabled")
	ErrRateLimited        = errors.New("too many failed attempts")

	// ErrInvalidCode covers absent, used, expired, and malformed binding
	// codes with one user-visible message.
	ErrInvalidCode  = errors.New("invalid or expired code")
	ErrAlreadyBound = errors.New("account already linked")
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// Service implements identity, authentication, binding, and allowlist
// operations over the stores.
type Service struct {
	stores     storage.StoreSet
	jwt        *auth.JWTService
	limiter    *auth.LoginLimiter
	log        *observability.Logger
	metrics    *observability.Metrics
	bcryptCost int
	codeTTL    time.Duration
	admitAll   bool
	now        func() time.Time
}

// Options configures a Service.
type Options struct {
	Stores     storage.StoreSet
	JWT        *auth.JWTService
	Limiter    *auth.LoginLimiter
	Logger     *observability.Logger
	Metrics    *observability.Metrics
	BcryptCost int
	CodeTTL    time.Duration

	// AdmitAll disables allowlist admission for Telegram chats. Explicitly
	// disabled entries still deny.
	AdmitAll bool
}

// NewService creates the identity service.
func NewService(opts Options) *Service {
	if opts.CodeTTL <= 0 {
		opts.CodeTTL = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewNopLogger()
	}
	return &Service{
		stores:     opts.Stores,
		jwt:        opts.JWT,
		limiter:    opts.Limiter,
		log:        opts.Logger,
		metrics:    opts.Metrics,
		bcryptCost: opts.BcryptCost,
		codeTTL:    opts.CodeTTL,
		admitAll:   opts.AdmitAll,
		now:        time.Now,
	}
}

// LoginResult is returned on a successful login.
type LoginResult struct {
	Token string           `json:"token"`
	User  *storage.WebUser `json:"user"`
}

// Login authenticates a browser account and returns a signed token.
func (s *Service) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if !emailPattern.MatchString(email) || password == "" {
		s.metrics.RecordLoginAttempt("invalid")
		return nil, ErrInvalidCredentials
	}
	if s.limiter != nil && s.limiter.Blocked(email) {
		s.metrics.RecordLoginAttempt("throttled")
		s.log.Warn(ctx, "login throttled", "email", email)
		return nil, ErrRateLimited
	}

	user, err := s.stores.WebUsers.Get(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.recordFailure(ctx, email)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("load web user: %w", err)
	}
	if !auth.CheckPassword(user.PasswordHash, password) {
		s.recordFailure(ctx, email)
		return nil, ErrInvalidCredentials
	}
	if !user.Enabled {
		s.metrics.RecordLoginAttempt("disabled")
		return nil, ErrAccountDisabled
	}

	if s.limiter != nil {
		s.limiter.Clear(email)
	}
	user.LastLogin = s.now().UTC()
	if err := s.stores.WebUsers.Update(ctx, user); err != nil {
		s.log.Warn(ctx, "failed to stamp last login", "email", email, "error", err)
	}

	token, err := s.jwt.Generate(user.Email, string(user.Role))
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	s.metrics.RecordLoginAttempt("success")
	s.log.Info(ctx, "login succeeded", "email", email)
	return &LoginResult{Token: token, User: user}, nil
}

func (s *Service) recordFailure(ctx context.Context, email string) {
	if s.limiter != nil {
		s.limiter.RecordFailure(email)
	}
	s.metrics.RecordLoginAttempt("failed")
	s.log.Warn(ctx, "login failed", "email", email)
}

// ChangePassword verifies the current password and installs a new one.
func (s *Service) ChangePassword(ctx context.Context, email, current, next string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	user, err := s.stores.WebUsers.Get(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrInvalidCredentials
		}
		return fmt.Errorf("load web user: %w", err)
	}
	if !auth.CheckPassword(user.PasswordHash, current) {
		return ErrInvalidCredentials
	}
	if err := auth.ValidatePasswordStrength(next); err != nil {
		return err
	}
	hash, err := auth.HashPassword(next, s.bcryptCost)
	if err != nil {
		return err
	}
	user.PasswordHash = hash
	user.RequirePasswordChange = false
	if err := s.stores.WebUsers.Update(ctx, user); err != nil {
		return fmt.Errorf("update web user: %w", err)
	}
	s.log.Info(ctx, "password changed", "email", email)
	return nil
}

// VerifyToken validates a bearer token and returns its claims. It does
// not touch storage, so both the REST middleware and the WebSocket
// connect path can call it on every request.
func (s *Service) VerifyToken(token string) (*auth.Claims, error) {
	return s.jwt.Validate(token)
}

// Profile returns the account behind a verified token.
func (s *Service) Profile(ctx context.Context, email string) (*storage.WebUser, error) {
	user, err := s.stores.WebUsers.Get(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return nil, err
	}
	return user, nil
}

// ResolveWebUser returns the unified user for a web account, minting a
// web-only record on first contact.
func (s *Service) ResolveWebUser(ctx context.Context, email string) (*storage.UnifiedUser, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	user, err := s.stores.Users.GetByEmail(ctx, email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("resolve unified user: %w", err)
	}

	now := s.now().UTC()
	minted := &storage.UnifiedUser{
		ID:            uuid.NewString(),
		WebEmail:      email,
		BindingStatus: storage.BindingWebOnly,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.stores.Users.Create(ctx, minted); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			// Lost a mint race; the winner's record is authoritative.
			return s.stores.Users.GetByEmail(ctx, email)
		}
		return nil, fmt.Errorf("mint unified user: %w", err)
	}
	s.log.Info(ctx, "minted unified user", "email", email, "unified_user_id", minted.ID)
	return minted, nil
}
