package router

import (
	"context"
	"errors"

	"github.com/qwer2003tw/unigate/internal/channels"
	"github.com/qwer2003tw/unigate/internal/channels/telegram"
	"github.com/qwer2003tw/unigate/internal/channels/web"
	"github.com/qwer2003tw/unigate/internal/observability"
	"github.com/qwer2003tw/unigate/internal/storage"
)

// telegramSender is the slice of the Telegram sender the delivery uses.
type telegramSender interface {
	SendToUser(ctx context.Context, userID, text string) error
}

// TelegramDelivery formats and sends responses to Telegram chats.
type TelegramDelivery struct {
	sender telegramSender
}

func NewTelegramDelivery(sender telegramSender) *TelegramDelivery {
	return &TelegramDelivery{sender: sender}
}

func (d *TelegramDelivery) Channel() string { return "telegram" }

func (d *TelegramDelivery) Deliver(ctx context.Context, target, content string, meta map[string]any) channels.DeliveryResult {
	result := channels.DeliveryResult{Channel: "telegram", UserID: target}
	formatted := telegram.FormatResponse(content, meta)
	if err := d.sender.SendToUser(ctx, target, formatted); err != nil {
		result.Error = err.Error()
		return result
	}
	result.Success = true
	return result
}

// connectionPusher is the slice of the WebSocket handler the delivery
// uses.
type connectionPusher interface {
	Push(ctx context.Context, connectionID, content string) error
}

// WebDelivery pushes responses to live WebSocket connections. A stale
// connection record is dropped rather than treated as an error worth
// alerting on.
type WebDelivery struct {
	pusher      connectionPusher
	connections storage.ConnectionStore
	log         *observability.Logger
}

func NewWebDelivery(pusher connectionPusher, connections storage.ConnectionStore, log *observability.Logger) *WebDelivery {
	if log == nil {
		log = observability.NewNopLogger()
	}
	return &WebDelivery{pusher: pusher, connections: connections, log: log}
}

func (d *WebDelivery) Channel() string { return "web" }

func (d *WebDelivery) Deliver(ctx context.Context, target, content string, meta map[string]any) channels.DeliveryResult {
	result := channels.DeliveryResult{Channel: "web", UserID: target}
	err := d.pusher.Push(ctx, target, content)
	if err == nil {
		result.Success = true
		return result
	}
	if errors.Is(err, web.ErrConnectionGone) {
		// The browser left between completion and delivery.
		if d.connections != nil {
			if delErr := d.connections.Delete(ctx, target); delErr != nil && !errors.Is(delErr, storage.ErrNotFound) {
				d.log.Warn(ctx, "failed to drop stale connection", "connection_id", target, "error", delErr)
			}
		}
		result.Error = "connection gone"
		return result
	}
	result.Error = err.Error()
	return result
}
