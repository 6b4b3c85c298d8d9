package storage

import (
	"time"

	"github.com/qwer2003tw/unigate/pkg/envelope"
)

// BindingStatus tracks which identities a UnifiedUser has attached.
type BindingStatus string

const (
	BindingWebOnly      BindingStatus = "web_only"
	BindingTelegramOnly BindingStatus = "telegram_only"
	BindingComplete     BindingStatus = "complete"
)

// Role is the privilege level of a web user or allowlist entry.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// CodeStatus is the lifecycle state of a binding code.
type CodeStatus string

const (
	CodePending CodeStatus = "pending"
	CodeUsed    CodeStatus = "used"
	CodeExpired CodeStatus = "expired"
)

// UnifiedUser is the canonical identity joining a web email and a
// Telegram chat id. Either side may be absent but not both; once both
// are set the pairing is immutable outside admin action.
type UnifiedUser struct {
	ID             string        `json:"unified_user_id"`
	WebEmail       string        `json:"web_email,omitempty"`
	TelegramChatID int64         `json:"telegram_chat_id,omitempty"`
	BindingStatus  BindingStatus `json:"binding_status"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Clone returns a copy safe for the caller to mutate.
func (u *UnifiedUser) Clone() *UnifiedUser {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}

// WebUser is a browser account keyed by email. Accounts are disabled,
// never deleted.
type WebUser struct {
	Email                 string    `json:"email"`
	PasswordHash          string    `json:"-"`
	Enabled               bool      `json:"enabled"`
	Role                  Role      `json:"role"`
	RequirePasswordChange bool      `json:"require_password_change"`
	CreatedAt             time.Time `json:"created_at"`
	LastLogin             time.Time `json:"last_login,omitempty"`
}

// Clone returns a copy safe for the caller to mutate.
func (u *WebUser) Clone() *WebUser {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}

// BindingCode is a one-time six-digit code tying a Telegram chat to a
// web account. PurgeAt is the storage TTL backstop, set past ExpiresAt
// so redeem attempts on a just-expired code can still report "expired"
// rather than "unknown".
type BindingCode struct {
	Code      string     `json:"code"`
	WebEmail  string     `json:"web_email"`
	Status    CodeStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	PurgeAt   time.Time  `json:"purge_at"`
}

// Live reports whether the code can still be redeemed at the given time.
func (c *BindingCode) Live(now time.Time) bool {
	return c != nil && c.Status == CodePending && now.Before(c.ExpiresAt)
}

// Clone returns a copy safe for the caller to mutate.
func (c *BindingCode) Clone() *BindingCode {
	if c == nil {
		return nil
	}
	cc := *c
	return &cc
}

// AllowlistEntry admits a Telegram chat to the gateway. A disabled
// entry is equivalent to an absent one for admission purposes.
type AllowlistEntry struct {
	ChatID      int64           `json:"chat_id"`
	Username    string          `json:"username,omitempty"`
	Enabled     bool            `json:"enabled"`
	Role        Role            `json:"role"`
	Permissions map[string]bool `json:"permissions,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Clone returns a copy safe for the caller to mutate.
func (e *AllowlistEntry) Clone() *AllowlistEntry {
	if e == nil {
		return nil
	}
	c := *e
	if e.Permissions != nil {
		c.Permissions = make(map[string]bool, len(e.Permissions))
		for k, v := range e.Permissions {
			c.Permissions[k] = v
		}
	}
	return &c
}

// Connection is a live WebSocket session. The storage TTL backstops
// disconnect notifications the gateway never received.
type Connection struct {
	ConnectionID  string    `json:"connection_id"`
	UnifiedUserID string    `json:"unified_user_id"`
	Email         string    `json:"email,omitempty"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastActivity  time.Time `json:"last_activity"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Clone returns a copy safe for the caller to mutate.
func (c *Connection) Clone() *Connection {
	if c == nil {
		return nil
	}
	cc := *c
	return &cc
}

// HistoryMessage is one persisted turn. The sort key TimestampMsgID is
// a fixed-width UTC timestamp plus a uuid, so lexicographic order within
// a user partition equals chronological order.
type HistoryMessage struct {
	UnifiedUserID  string                `json:"unified_user_id"`
	TimestampMsgID string                `json:"timestamp_msgid"`
	Role           envelope.Role         `json:"role"`
	Text           string                `json:"text"`
	Attachments    []envelope.Attachment `json:"attachments,omitempty"`
	Channel        string                `json:"channel"`
	ConversationID string                `json:"conversation_id,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	ExpiresAt      time.Time             `json:"expires_at"`
}

// Clone returns a copy safe for the caller to mutate.
func (m *HistoryMessage) Clone() *HistoryMessage {
	if m == nil {
		return nil
	}
	c := *m
	if m.Attachments != nil {
		c.Attachments = append([]envelope.Attachment(nil), m.Attachments...)
	}
	return &c
}

// HistoryStats summarizes one user's persisted history.
type HistoryStats struct {
	TotalMessages int       `json:"total_messages"`
	Oldest        time.Time `json:"oldest,omitempty"`
	Newest        time.Time `json:"newest,omitempty"`
}

// Conversation groups a contiguous run of turns for one user.
// Conversations are soft-deleted only.
type Conversation struct {
	UnifiedUserID   string     `json:"unified_user_id"`
	ConversationID  string     `json:"conversation_id"`
	Title           string     `json:"title"`
	CreatedAt       time.Time  `json:"created_at"`
	LastMessageTime time.Time  `json:"last_message_time"`
	MessageCount    int        `json:"message_count"`
	IsPinned        bool       `json:"is_pinned"`
	IsDeleted       bool       `json:"is_deleted"`
	DeletedAt       *time.Time `json:"deleted_at,omitempty"`
}

// Clone returns a copy safe for the caller to mutate.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	cc := *c
	if c.DeletedAt != nil {
		t := *c.DeletedAt
		cc.DeletedAt = &t
	}
	return &cc
}
