// Package storage defines the persistence contracts for the gateway and
// provides memory and Postgres backends. Every mutation goes through a
// store; per-item conditional writes carry the concurrency discipline
// (bind-once, redeem-once) so services never need cross-store locks.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// ErrConflict reports a failed conditional write: the record was not
	// in the state the mutation required.
	ErrConflict = errors.New("conditional write failed")
)

// UnifiedUserStore persists the canonical identity graph.
type UnifiedUserStore interface {
	Create(ctx context.Context, user *UnifiedUser) error
	Get(ctx context.Context, id string) (*UnifiedUser, error)
	GetByEmail(ctx context.Context, email string) (*UnifiedUser, error)
	GetByChatID(ctx context.Context, chatID int64) (*UnifiedUser, error)

	// BindTelegram sets the Telegram chat id on a user whose chat id is
	// still unset and marks the binding complete. Returns ErrConflict if
	// the user already has a chat id, ErrAlreadyExists if the chat id is
	// bound to a different user.
	BindTelegram(ctx context.Context, id string, chatID int64, now time.Time) error

	List(ctx context.Context, limit, offset int) ([]*UnifiedUser, int, error)
}

// WebUserStore persists browser accounts keyed by email.
type WebUserStore interface {
	Create(ctx context.Context, user *WebUser) error
	Get(ctx context.Context, email string) (*WebUser, error)
	Update(ctx context.Context, user *WebUser) error
	List(ctx context.Context, limit, offset int) ([]*WebUser, int, error)
}

// BindingCodeStore persists ephemeral one-time binding codes.
type BindingCodeStore interface {
	Put(ctx context.Context, code *BindingCode) error
	Get(ctx context.Context, code string) (*BindingCode, error)

	// GetPendingByEmail returns the live pending code for an email, or
	// ErrNotFound when none exists.
	GetPendingByEmail(ctx context.Context, email string, now time.Time) (*BindingCode, error)

	// MarkUsed transitions a code from pending to used. Returns
	// ErrConflict when the code is not pending, so a code can never be
	// redeemed twice.
	MarkUsed(ctx context.Context, code string) error

	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// AllowlistStore persists Telegram admission entries keyed by chat id.
type AllowlistStore interface {
	Put(ctx context.Context, entry *AllowlistEntry) error
	Get(ctx context.Context, chatID int64) (*AllowlistEntry, error)
	Delete(ctx context.Context, chatID int64) error
	List(ctx context.Context) ([]*AllowlistEntry, error)
}

// ConnectionStore maps live WebSocket connection ids to unified users.
type ConnectionStore interface {
	Put(ctx context.Context, conn *Connection) error
	Get(ctx context.Context, connectionID string) (*Connection, error)

	// Touch refreshes activity and extends the TTL backstop.
	Touch(ctx context.Context, connectionID string, lastActivity, expiresAt time.Time) error

	Delete(ctx context.Context, connectionID string) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// HistoryQuery narrows and pages a history listing. LastKey is the
// exclusive timestamp_msgid to resume after; ordering is ascending
// unless Descending is set.
type HistoryQuery struct {
	Channel        string
	ConversationID string
	Limit          int
	LastKey        string
	Descending     bool
}

// HistoryStore persists turns keyed by (unified_user_id, timestamp_msgid).
type HistoryStore interface {
	Put(ctx context.Context, msg *HistoryMessage) error
	List(ctx context.Context, userID string, q HistoryQuery) ([]*HistoryMessage, string, error)
	Update(ctx context.Context, msg *HistoryMessage) error
	Stats(ctx context.Context, userID, channel string) (*HistoryStats, error)

	// ListUsers returns the distinct unified user ids present in history,
	// used by the conversation migration.
	ListUsers(ctx context.Context) ([]string, error)

	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// ConversationQuery pages a conversation listing.
type ConversationQuery struct {
	IncludeDeleted bool
	Limit          int
	LastKey        string
}

// ConversationStore persists conversation groupings per user, ordered
// by last_message_time descending.
type ConversationStore interface {
	Create(ctx context.Context, conv *Conversation) error
	Get(ctx context.Context, userID, conversationID string) (*Conversation, error)
	Update(ctx context.Context, conv *Conversation) error
	ListByUser(ctx context.Context, userID string, q ConversationQuery) ([]*Conversation, string, error)

	// Latest returns the most recent non-deleted conversation for a user,
	// or ErrNotFound.
	Latest(ctx context.Context, userID string) (*Conversation, error)
}

// StoreSet groups every store behind one handle.
type StoreSet struct {
	Users         UnifiedUserStore
	WebUsers      WebUserStore
	Codes         BindingCodeStore
	Allowlist     AllowlistStore
	Connections   ConnectionStore
	History       HistoryStore
	Conversations ConversationStore

	closer func() error
}

// Close closes any underlying resources.
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
