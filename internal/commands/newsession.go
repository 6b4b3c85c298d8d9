package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/qwer2003tw/unigate/internal/history"
	"github.com/qwer2003tw/unigate/internal/observability"
	"github.com/qwer2003tw/unigate/internal/storage"
)

// NewSessionHandler opens a fresh conversation on /new. Long-term
// memory is untouched; only the conversation boundary moves.
type NewSessionHandler struct {
	history   *history.Service
	users     storage.UnifiedUserStore
	responder Responder
	log       *observability.Logger
}

func NewNewSessionHandler(hist *history.Service, users storage.UnifiedUserStore, responder Responder, log *observability.Logger) *NewSessionHandler {
	if log == nil {
		log = observability.NewNopLogger()
	}
	return &NewSessionHandler{history: hist, users: users, responder: responder, log: log}
}

func (h *NewSessionHandler) Name() string { return "new" }

func (h *NewSessionHandler) CanHandle(text string) bool { return matchesCommand(text, "/new") }

func (h *NewSessionHandler) Handle(ctx context.Context, req *Request) (bool, error) {
	userID := fmt.Sprintf("tg:%d", req.ChatID)
	if user, err := h.users.GetByChatID(ctx, req.ChatID); err == nil {
		userID = user.ID
	} else if !errors.Is(err, storage.ErrNotFound) {
		return false, fmt.Errorf("resolve user: %w", err)
	}

	conv, err := h.history.NewConversation(ctx, userID, "New conversation")
	if err != nil {
		return false, fmt.Errorf("open conversation: %w", err)
	}
	h.log.Info(ctx, "new session opened", "chat_id", req.ChatID, "session_id", conv.ConversationID)

	shown := conv.ConversationID
	if len(shown) > 28 {
		shown = shown[:28] + "..."
	}
	lines := []string{
		"✅ Started a new conversation session!",
		"",
		"🆔 Session ID:",
		"`" + shown + "`",
		"",
		"💾 Your long-term memory (name, preferences) is preserved.",
		"🆕 The current conversation context has been cleared.",
		"🔄 Your next message starts the new session.",
	}
	if err := h.responder.Send(ctx, req.ChatID, strings.Join(lines, "\n")); err != nil {
		return false, fmt.Errorf("send session reply: %w", err)
	}
	return true, nil
}
