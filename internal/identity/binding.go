package identity

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/qwer2003tw/unigate/internal/storage"
)

// codePurgeBuffer keeps expired codes around long enough that a redeem
// attempt just past expiry still reads "expired" instead of "unknown".
const codePurgeBuffer = 5 * time.Minute

var codePattern = regexp.MustCompile(`^\d{6}$`)

// GenerateCode returns a live pending code for the account, issuing a
// new one only when none exists. Repeated calls within the TTL are
// idempotent.
func (s *Service) GenerateCode(ctx context.Context, email string) (*storage.BindingCode, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	now := s.now().UTC()

	if existing, err := s.stores.Codes.GetPendingByEmail(ctx, email, now); err == nil {
		return existing, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("look up pending code: %w", err)
	}

	code, err := s.drawCode(ctx)
	if err != nil {
		return nil, err
	}
	record := &storage.BindingCode{
		Code:      code,
		WebEmail:  email,
		Status:    storage.CodePending,
		CreatedAt: now,
		ExpiresAt: now.Add(s.codeTTL),
		PurgeAt:   now.Add(s.codeTTL + codePurgeBuffer),
	}
	if err := s.stores.Codes.Put(ctx, record); err != nil {
		return nil, fmt.Errorf("store binding code: %w", err)
	}
	s.metrics.RecordBindingEvent("issued")
	s.log.Info(ctx, "binding code issued", "email", email)
	return record, nil
}

// drawCode rejection-samples a six digit code not currently in use.
func (s *Service) drawCode(ctx context.Context) (string, error) {
	for attempt := 0; attempt < 10; attempt++ {
		n, err := rand.Int(rand.Reader, big.NewInt(1000000))
		if err != nil {
			return "", fmt.Errorf("draw code: %w", err)
		}
		code := fmt.Sprintf("%06d", n.Int64())
		_, err = s.stores.Codes.Get(ctx, code)
		if errors.Is(err, storage.ErrNotFound) {
			return code, nil
		}
		if err != nil {
			return "", fmt.Errorf("check code collision: %w", err)
		}
	}
	return "", errors.New("could not draw an unused binding code")
}

// Redeem consumes a binding code on behalf of a Telegram chat and links
// the chat to the code's web account. A chat already linked anywhere,
// or a code not pending and live, is refused.
func (s *Service) Redeem(ctx context.Context, chatID int64, username, code string) (*storage.UnifiedUser, error) {
	if !codePattern.MatchString(code) {
		s.metrics.RecordBindingEvent("rejected")
		return nil, ErrInvalidCode
	}
	now := s.now().UTC()

	record, err := s.stores.Codes.Get(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.metrics.RecordBindingEvent("rejected")
			return nil, ErrInvalidCode
		}
		return nil, fmt.Errorf("load binding code: %w", err)
	}
	if !record.Live(now) {
		s.metrics.RecordBindingEvent("rejected")
		return nil, ErrInvalidCode
	}

	if _, err := s.stores.Users.GetByChatID(ctx, chatID); err == nil {
		s.metrics.RecordBindingEvent("rejected")
		return nil, ErrAlreadyBound
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("check chat binding: %w", err)
	}

	user, err := s.ResolveWebUser(ctx, record.WebEmail)
	if err != nil {
		return nil, err
	}

	if err := s.stores.Users.BindTelegram(ctx, user.ID, chatID, now); err != nil {
		if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrAlreadyExists) {
			s.metrics.RecordBindingEvent("rejected")
			return nil, ErrAlreadyBound
		}
		return nil, fmt.Errorf("bind telegram chat: %w", err)
	}

	if err := s.stores.Codes.MarkUsed(ctx, code); err != nil {
		// The bind already committed; log and carry on rather than
		// surfacing a confusing error for a successful link.
		s.log.Warn(ctx, "failed to mark binding code used", "error", err)
	}

	s.metrics.RecordBindingEvent("redeemed")
	s.log.Info(ctx, "telegram chat bound",
		"unified_user_id", user.ID, "chat_id", chatID, "username", username)

	return s.stores.Users.Get(ctx, user.ID)
}

// BindingInfo reports the link state of a web account.
type BindingInfo struct {
	Bound         bool                  `json:"bound"`
	UnifiedUserID string                `json:"unified_user_id,omitempty"`
	TelegramBound bool                  `json:"telegram_bound"`
	BindingStatus storage.BindingStatus `json:"binding_status,omitempty"`
	CreatedAt     time.Time             `json:"created_at,omitempty"`
}

// BindingStatus reports whether and how a web account is linked.
func (s *Service) BindingStatus(ctx context.Context, email string) (*BindingInfo, error) {
	user, err := s.stores.Users.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &BindingInfo{}, nil
		}
		return nil, fmt.Errorf("load unified user: %w", err)
	}
	return &BindingInfo{
		Bound:         true,
		UnifiedUserID: user.ID,
		TelegramBound: user.TelegramChatID != 0,
		BindingStatus: user.BindingStatus,
		CreatedAt:     user.CreatedAt,
	}, nil
}
