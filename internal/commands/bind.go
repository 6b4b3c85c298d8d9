package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/qwer2003tw/unigate/internal/identity"
	"github.com/qwer2003tw/unigate/internal/observability"
)

const bindUsageMessage = "Usage: /bind <code>\n\nGenerate a code from the web app first, then send it here within 5 minutes."

// BindHandler redeems a web-issued binding code for /bind, linking the
// Telegram chat to the web account.
type BindHandler struct {
	identity  *identity.Service
	responder Responder
	log       *observability.Logger
}

func NewBindHandler(svc *identity.Service, responder Responder, log *observability.Logger) *BindHandler {
	if log == nil {
		log = observability.NewNopLogger()
	}
	return &BindHandler{identity: svc, responder: responder, log: log}
}

func (h *BindHandler) Name() string { return "bind" }

func (h *BindHandler) CanHandle(text string) bool { return matchesCommand(text, "/bind") }

func (h *BindHandler) Handle(ctx context.Context, req *Request) (bool, error) {
	parts := splitWords(req.Text, 2)
	if len(parts) < 2 {
		return h.reply(ctx, req.ChatID, bindUsageMessage)
	}

	user, err := h.identity.Redeem(ctx, req.ChatID, req.Username, parts[1])
	switch {
	case err == nil:
		h.log.Info(ctx, "binding redeemed", "chat_id", req.ChatID, "unified_user_id", user.ID)
		return h.reply(ctx, req.ChatID, fmt.Sprintf(
			"✅ Account linked!\n\nThis Telegram account is now bound to %s.", user.WebEmail))
	case errors.Is(err, identity.ErrInvalidCode):
		return h.reply(ctx, req.ChatID, "❌ Invalid or expired code. Generate a new one from the web app and try again.")
	case errors.Is(err, identity.ErrAlreadyBound):
		return h.reply(ctx, req.ChatID, "❌ This account is already linked.")
	default:
		return false, fmt.Errorf("redeem code: %w", err)
	}
}

func (h *BindHandler) reply(ctx context.Context, chatID int64, text string) (bool, error) {
	if err := h.responder.Send(ctx, chatID, text); err != nil {
		return false, fmt.Errorf("send bind reply: %w", err)
	}
	return true, nil
}
