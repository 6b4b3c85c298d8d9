package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/qwer2003tw/unigate/internal/storage"
)

// MigrationReport summarizes a conversation reconstruction run.
type MigrationReport struct {
	Users                int `json:"users"`
	MessagesUpdated      int `json:"messages_updated"`
	MessagesSkipped      int `json:"messages_skipped"`
	ConversationsCreated int `json:"conversations_created"`
	DryRun               bool
}

// MigrateConversations reconstructs conversation boundaries for history
// written before conversations existed. It walks each user's messages
// chronologically and opens a new conversation whenever the silence gap
// is exceeded. Messages already carrying a conversation id are left
// alone, so reruns are safe. With dryRun set nothing is written. A
// non-empty onlyUser restricts the run to that unified user.
func (s *Service) MigrateConversations(ctx context.Context, dryRun bool, onlyUser string) (*MigrationReport, error) {
	users, err := s.stores.History.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list history users: %w", err)
	}
	if onlyUser != "" {
		users = []string{onlyUser}
	}

	report := &MigrationReport{Users: len(users), DryRun: dryRun}
	for _, userID := range users {
		if err := s.migrateUser(ctx, userID, dryRun, report); err != nil {
			return nil, fmt.Errorf("migrate user %s: %w", userID, err)
		}
	}
	s.log.Info(ctx, "conversation migration finished",
		"users", report.Users,
		"messages_updated", report.MessagesUpdated,
		"conversations_created", report.ConversationsCreated,
		"dry_run", dryRun)
	return report, nil
}

func (s *Service) migrateUser(ctx context.Context, userID string, dryRun bool, report *MigrationReport) error {
	messages, err := s.listAll(ctx, userID, "")
	if err != nil {
		return err
	}

	var current *storage.Conversation
	flush := func() error {
		if current == nil || dryRun {
			current = nil
			return nil
		}
		err := s.stores.Conversations.Create(ctx, current)
		if err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
			return err
		}
		current = nil
		return nil
	}

	for i, msg := range messages {
		if msg.ConversationID != "" {
			report.MessagesSkipped++
			if err := flush(); err != nil {
				return err
			}
			continue
		}

		newBoundary := current == nil ||
			(i > 0 && msg.CreatedAt.Sub(messages[i-1].CreatedAt) > s.gap)
		if newBoundary {
			if err := flush(); err != nil {
				return err
			}
			current = &storage.Conversation{
				UnifiedUserID:   userID,
				ConversationID:  NewSessionID(msg.CreatedAt),
				Title:           titleFrom(msg.Text),
				CreatedAt:       msg.CreatedAt,
				LastMessageTime: msg.CreatedAt,
			}
			report.ConversationsCreated++
		}

		current.LastMessageTime = msg.CreatedAt
		current.MessageCount++
		report.MessagesUpdated++

		if !dryRun {
			msg.ConversationID = current.ConversationID
			if err := s.stores.History.Update(ctx, msg); err != nil {
				return err
			}
		}
	}
	return flush()
}
