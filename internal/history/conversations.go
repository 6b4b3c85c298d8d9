package history

import (
	"context"
	"fmt"
	"time"

	"github.com/qwer2003tw/unigate/internal/storage"
)

// NewConversation opens a fresh conversation for a user.
func (s *Service) NewConversation(ctx context.Context, userID, title string) (*storage.Conversation, error) {
	now := s.now().UTC()
	conv := &storage.Conversation{
		UnifiedUserID:   userID,
		ConversationID:  NewSessionID(now),
		Title:           titleFrom(title),
		CreatedAt:       now,
		LastMessageTime: now,
	}
	if err := s.stores.Conversations.Create(ctx, conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

// GetConversation returns one conversation.
func (s *Service) GetConversation(ctx context.Context, userID, conversationID string) (*storage.Conversation, error) {
	return s.stores.Conversations.Get(ctx, userID, conversationID)
}

// RenameConversation changes a conversation's title.
func (s *Service) RenameConversation(ctx context.Context, userID, conversationID, title string) error {
	return s.mutateConversation(ctx, userID, conversationID, func(conv *storage.Conversation) {
		conv.Title = title
	})
}

// SetPinned pins or unpins a conversation.
func (s *Service) SetPinned(ctx context.Context, userID, conversationID string, pinned bool) error {
	return s.mutateConversation(ctx, userID, conversationID, func(conv *storage.Conversation) {
		conv.IsPinned = pinned
	})
}

// DeleteConversation soft-deletes a conversation. Messages remain until
// their own TTL expires.
func (s *Service) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	now := s.now().UTC()
	return s.mutateConversation(ctx, userID, conversationID, func(conv *storage.Conversation) {
		conv.IsDeleted = true
		conv.DeletedAt = &now
	})
}

func (s *Service) mutateConversation(ctx context.Context, userID, conversationID string, mutate func(*storage.Conversation)) error {
	conv, err := s.stores.Conversations.Get(ctx, userID, conversationID)
	if err != nil {
		return err
	}
	mutate(conv)
	return s.stores.Conversations.Update(ctx, conv)
}

// ConversationPage is one page of a user's conversations, partitioned
// into pinned and recent, each ordered by last message time descending.
type ConversationPage struct {
	Pinned  []*storage.Conversation `json:"pinned"`
	Recent  []*storage.Conversation `json:"recent"`
	NextKey string                  `json:"next_key,omitempty"`
}

// ListConversations pages a user's conversations.
func (s *Service) ListConversations(ctx context.Context, userID string, limit int, lastKey string, includeDeleted bool) (*ConversationPage, error) {
	if limit <= 0 {
		limit = s.pageSize
	}
	convs, next, err := s.stores.Conversations.ListByUser(ctx, userID, storage.ConversationQuery{
		IncludeDeleted: includeDeleted,
		Limit:          limit,
		LastKey:        lastKey,
	})
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	page := &ConversationPage{
		Pinned:  []*storage.Conversation{},
		Recent:  []*storage.Conversation{},
		NextKey: next,
	}
	for _, conv := range convs {
		if conv.IsPinned {
			page.Pinned = append(page.Pinned, conv)
		} else {
			page.Recent = append(page.Recent, conv)
		}
	}
	return page, nil
}

// ConversationMessages lists a conversation's messages oldest-first.
// Soft-deleted conversations report not found unless includeDeleted.
func (s *Service) ConversationMessages(ctx context.Context, userID, conversationID string, limit int, lastKey string, includeDeleted bool) ([]*storage.HistoryMessage, string, error) {
	conv, err := s.stores.Conversations.Get(ctx, userID, conversationID)
	if err != nil {
		return nil, "", err
	}
	if conv.IsDeleted && !includeDeleted {
		return nil, "", storage.ErrNotFound
	}
	if limit <= 0 {
		limit = s.pageSize
	}
	return s.stores.History.List(ctx, userID, storage.HistoryQuery{
		ConversationID: conversationID,
		Limit:          limit,
		LastKey:        lastKey,
	})
}

// TimeBuckets partitions messages for display.
type TimeBuckets struct {
	Today     []*storage.HistoryMessage `json:"today"`
	Yesterday []*storage.HistoryMessage `json:"yesterday"`
	ThisWeek  []*storage.HistoryMessage `json:"this_week"`
	Earlier   []*storage.HistoryMessage `json:"earlier"`
}

// GroupByTime buckets messages by UTC midnight boundaries relative to now.
func GroupByTime(messages []*storage.HistoryMessage, now time.Time) *TimeBuckets {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	yesterday := midnight.AddDate(0, 0, -1)
	weekAgo := midnight.AddDate(0, 0, -7)

	buckets := &TimeBuckets{
		Today:     []*storage.HistoryMessage{},
		Yesterday: []*storage.HistoryMessage{},
		ThisWeek:  []*storage.HistoryMessage{},
		Earlier:   []*storage.HistoryMessage{},
	}
	for _, msg := range messages {
		at := msg.CreatedAt.UTC()
		switch {
		case !at.Before(midnight):
			buckets.Today = append(buckets.Today, msg)
		case !at.Before(yesterday):
			buckets.Yesterday = append(buckets.Yesterday, msg)
		case !at.Before(weekAgo):
			buckets.ThisWeek = append(buckets.ThisWeek, msg)
		default:
			buckets.Earlier = append(buckets.Earlier, msg)
		}
	}
	return buckets
}
