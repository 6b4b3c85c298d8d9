// Package history persists conversation turns and groups them into
// conversations. Writes are best-effort from the caller's point of
// view: a reply is never failed because its transcript could not be
// stored.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/qwer2003tw/unigate/internal/observability"
	"github.com/qwer2003tw/unigate/internal/storage"
	"github.com/qwer2003tw/unigate/pkg/envelope"
)

// msgidTimeLayout is fixed-width so the string order of sort keys
// equals chronological order. RFC 3339 formatting would drop trailing
// zeros in the fraction and break that property.
const msgidTimeLayout = "2006-01-02T15:04:05.000000000Z"

// NewTimestampMsgID builds the history sort key for a turn.
func NewTimestampMsgID(t time.Time) string {
	return t.UTC().Format(msgidTimeLayout) + "#" + uuid.NewString()
}

// NewSessionID builds a conversation identifier.
func NewSessionID(t time.Time) string {
	return "session-" + t.UTC().Format("20060102150405") + "-" + uuid.NewString()[:8]
}

// titleLimit is how many characters of the seeding turn become the
// conversation title.
const titleLimit = 30

func titleFrom(text string) string {
	runes := []rune(text)
	if len(runes) <= titleLimit {
		return text
	}
	return string(runes[:titleLimit]) + "..."
}

// Service implements history persistence and conversation grouping.
type Service struct {
	stores   storage.StoreSet
	log      *observability.Logger
	metrics  *observability.Metrics
	ttl      time.Duration
	gap      time.Duration
	pageSize int
	now      func() time.Time
}

// Options configures a Service.
type Options struct {
	Stores   storage.StoreSet
	Logger   *observability.Logger
	Metrics  *observability.Metrics
	TTL      time.Duration // message retention, default 90 days
	Gap      time.Duration // silence that closes a conversation, default 1h
	PageSize int           // default listing page, default 50
}

// NewService creates the history service.
func NewService(opts Options) *Service {
	if opts.TTL <= 0 {
		opts.TTL = 90 * 24 * time.Hour
	}
	if opts.Gap <= 0 {
		opts.Gap = time.Hour
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewNopLogger()
	}
	return &Service{
		stores:   opts.Stores,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		ttl:      opts.TTL,
		gap:      opts.Gap,
		pageSize: opts.PageSize,
		now:      time.Now,
	}
}

// Turn is one completed exchange to persist.
type Turn struct {
	UnifiedUserID   string
	ConversationID  string // optional; assigned when empty
	Channel         string
	UserText        string
	UserAttachments []envelope.Attachment
	AssistantText   string
}

// AppendTurn writes the user and assistant messages of a turn and
// updates the owning conversation. It returns the conversation id the
// turn was filed under.
func (s *Service) AppendTurn(ctx context.Context, turn Turn) (string, error) {
	if turn.UnifiedUserID == "" {
		return "", fmt.Errorf("unified user id is required")
	}
	now := s.now().UTC()

	conversationID, err := s.assignConversation(ctx, turn, now)
	if err != nil {
		return "", err
	}

	userAt := now
	// The assistant record must sort after the user record even though
	// both belong to the same instant.
	assistantAt := now.Add(time.Millisecond)

	userMsg := &storage.HistoryMessage{
		UnifiedUserID:  turn.UnifiedUserID,
		TimestampMsgID: NewTimestampMsgID(userAt),
		Role:           envelope.RoleUser,
		Text:           turn.UserText,
		Attachments:    turn.UserAttachments,
		Channel:        turn.Channel,
		ConversationID: conversationID,
		CreatedAt:      userAt,
		ExpiresAt:      userAt.Add(s.ttl),
	}
	assistantMsg := &storage.HistoryMessage{
		UnifiedUserID:  turn.UnifiedUserID,
		TimestampMsgID: NewTimestampMsgID(assistantAt),
		Role:           envelope.RoleAssistant,
		Text:           turn.AssistantText,
		Channel:        turn.Channel,
		ConversationID: conversationID,
		CreatedAt:      assistantAt,
		ExpiresAt:      assistantAt.Add(s.ttl),
	}

	if err := s.stores.History.Put(ctx, userMsg); err != nil {
		return "", fmt.Errorf("persist user turn: %w", err)
	}
	if err := s.stores.History.Put(ctx, assistantMsg); err != nil {
		return "", fmt.Errorf("persist assistant turn: %w", err)
	}

	if err := s.bumpConversation(ctx, turn, conversationID, assistantAt); err != nil {
		// The turn itself is stored; conversation metadata drift is
		// tolerable and repairable.
		s.log.Warn(ctx, "failed to update conversation metadata",
			"conversation_id", conversationID, "error", err)
	}
	return conversationID, nil
}

// assignConversation picks the conversation for a turn: the explicit
// id, else the most recent one still inside the silence gap, else a
// fresh conversation titled from the user's text.
func (s *Service) assignConversation(ctx context.Context, turn Turn, now time.Time) (string, error) {
	if turn.ConversationID != "" {
		return turn.ConversationID, nil
	}

	latest, err := s.stores.Conversations.Latest(ctx, turn.UnifiedUserID)
	if err == nil && now.Sub(latest.LastMessageTime) <= s.gap {
		return latest.ConversationID, nil
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("find latest conversation: %w", err)
	}
	return NewSessionID(now), nil
}

func (s *Service) bumpConversation(ctx context.Context, turn Turn, conversationID string, at time.Time) error {
	conv, err := s.stores.Conversations.Get(ctx, turn.UnifiedUserID, conversationID)
	if errors.Is(err, storage.ErrNotFound) {
		return s.stores.Conversations.Create(ctx, &storage.Conversation{
			UnifiedUserID:   turn.UnifiedUserID,
			ConversationID:  conversationID,
			Title:           titleFrom(turn.UserText),
			CreatedAt:       at,
			LastMessageTime: at,
			MessageCount:    2,
		})
	}
	if err != nil {
		return err
	}
	conv.LastMessageTime = at
	conv.MessageCount += 2
	return s.stores.Conversations.Update(ctx, conv)
}

// ListMessages pages a user's history, optionally narrowed by channel
// or conversation.
func (s *Service) ListMessages(ctx context.Context, userID string, q storage.HistoryQuery) ([]*storage.HistoryMessage, string, error) {
	if q.Limit <= 0 {
		q.Limit = s.pageSize
	}
	return s.stores.History.List(ctx, userID, q)
}

// Stats summarizes a user's stored history.
func (s *Service) Stats(ctx context.Context, userID, channel string) (*storage.HistoryStats, error) {
	return s.stores.History.Stats(ctx, userID, channel)
}

// listAll drains a user's history oldest-first.
func (s *Service) listAll(ctx context.Context, userID, channel string) ([]*storage.HistoryMessage, error) {
	var all []*storage.HistoryMessage
	q := storage.HistoryQuery{Channel: channel, Limit: s.pageSize}
	for {
		page, next, err := s.stores.History.List(ctx, userID, q)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if next == "" {
			return all, nil
		}
		q.LastKey = next
	}
}
