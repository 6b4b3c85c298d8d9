package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/qwer2003tw/unigate/internal/observability"
)

// DebugHandler echoes the redacted webhook payload back to the chat so
// operators can inspect exactly what the gateway received.
type DebugHandler struct {
	responder Responder
	log       *observability.Logger
}

func NewDebugHandler(responder Responder, log *observability.Logger) *DebugHandler {
	if log == nil {
		log = observability.NewNopLogger()
	}
	return &DebugHandler{responder: responder, log: log}
}

func (h *DebugHandler) Name() string { return "debug" }

func (h *DebugHandler) CanHandle(text string) bool { return matchesCommand(text, "/debug") }

func (h *DebugHandler) Handle(ctx context.Context, req *Request) (bool, error) {
	redacted := RedactEvent(req.RawEvent)
	body, err := json.MarshalIndent(redacted, "", "  ")
	if err != nil {
		return false, fmt.Errorf("marshal debug payload: %w", err)
	}

	reply := fmt.Sprintf("🐛 Debug info\n\n```json\n%s\n```", body)
	if err := h.responder.Send(ctx, req.ChatID, reply); err != nil {
		return false, fmt.Errorf("send debug info: %w", err)
	}
	h.log.Info(ctx, "debug info sent", "chat_id", req.ChatID)
	return true, nil
}
