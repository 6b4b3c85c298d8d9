// Package router delivers processor completions back to the channel
// that originated the conversation, persisting the exchange as it goes.
package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/qwer2003tw/unigate/internal/bus"
	"github.com/qwer2003tw/unigate/internal/channels"
	"github.com/qwer2003tw/unigate/internal/history"
	"github.com/qwer2003tw/unigate/internal/observability"
	"github.com/qwer2003tw/unigate/pkg/envelope"
)

// Delivery pushes one response to a channel-native recipient. Target is
// channel-scoped: a Telegram chat reference or a WebSocket connection
// id.
type Delivery interface {
	Channel() string
	Deliver(ctx context.Context, target, content string, meta map[string]any) channels.DeliveryResult
}

// Router consumes message.completed and message.failed events.
type Router struct {
	deliveries map[string]Delivery
	history    *history.Service
	log        *observability.Logger
	metrics    *observability.Metrics
}

// Options configures a Router. History is optional; without it turns
// are not persisted.
type Options struct {
	History *history.Service
	Logger  *observability.Logger
	Metrics *observability.Metrics
}

func New(opts Options) *Router {
	if opts.Logger == nil {
		opts.Logger = observability.NewNopLogger()
	}
	return &Router{
		deliveries: make(map[string]Delivery),
		history:    opts.History,
		log:        opts.Logger,
		metrics:    opts.Metrics,
	}
}

// Register adds a channel delivery, replacing any previous one.
func (r *Router) Register(d Delivery) {
	r.deliveries[d.Channel()] = d
}

// Attach subscribes the router to the bus.
func (r *Router) Attach(b *bus.Bus) {
	b.Subscribe(envelope.EventMessageCompleted, "response-router", r.handleCompleted)
	b.Subscribe(envelope.EventMessageFailed, "response-router", r.handleFailed)
}

func (r *Router) handleCompleted(ctx context.Context, event envelope.Event) error {
	var c envelope.Completion
	if err := json.Unmarshal(event.Detail, &c); err != nil {
		r.metrics.RecordRouterInvalidEvent()
		r.log.Error(ctx, "undecodable completion", "event_id", event.ID, "error", err)
		return nil
	}

	messageID, channel, user := c.ForRouting()
	if messageID == "" || channel.Type == "" || (user.ID == "" && user.UnifiedUserID == "") || c.Response == "" {
		r.metrics.RecordRouterInvalidEvent()
		r.log.Warn(ctx, "completion missing routing fields",
			"event_id", event.ID, "message_id", messageID, "channel", string(channel.Type))
		return nil
	}

	r.route(ctx, messageID, channel, user, c.Response, c.Metadata)
	r.persistTurn(ctx, &c, channel, user)
	return nil
}

func (r *Router) handleFailed(ctx context.Context, event envelope.Event) error {
	var c envelope.Completion
	if err := json.Unmarshal(event.Detail, &c); err != nil {
		r.metrics.RecordRouterInvalidEvent()
		r.log.Error(ctx, "undecodable failure event", "event_id", event.ID, "error", err)
		return nil
	}

	messageID, channel, user := c.ForRouting()
	if channel.Type == "" || (user.ID == "" && user.UnifiedUserID == "") {
		r.metrics.RecordRouterInvalidEvent()
		r.log.Warn(ctx, "failure event missing routing fields", "event_id", event.ID)
		return nil
	}

	// The user sees the friendly form, never the raw error.
	r.route(ctx, messageID, channel, user, FriendlyError(c.Error), c.Metadata)
	return nil
}

// route performs one delivery attempt. Failures are terminal: redriving
// a chat send risks duplicate messages, so the result is recorded and
// dropped.
func (r *Router) route(ctx context.Context, messageID string, channel envelope.Channel, user envelope.User, content string, meta map[string]any) {
	name := string(channel.Type)
	delivery, ok := r.deliveries[name]
	if !ok {
		r.metrics.RecordRouterUnsupportedChannel(name)
		r.log.Warn(ctx, "no delivery for channel", "channel", name, "message_id", messageID)
		return
	}

	target := channel.ChannelID
	if target == "" {
		target = user.ID
	}

	start := time.Now()
	result := delivery.Deliver(ctx, target, content, meta)
	r.metrics.RecordRouterResult(name, result.Success, time.Since(start).Seconds())
	if !result.Success {
		r.metrics.RecordRouterError()
		r.log.Error(ctx, "delivery failed",
			"channel", name, "message_id", messageID, "target", target, "error", result.Error)
		return
	}
	r.log.Info(ctx, "response delivered", "channel", name, "message_id", messageID)
}

// persistTurn stores the exchange. History failures never block
// delivery.
func (r *Router) persistTurn(ctx context.Context, c *envelope.Completion, channel envelope.Channel, user envelope.User) {
	if r.history == nil {
		return
	}
	userID := user.UnifiedUserID
	if userID == "" {
		userID = user.ID
	}

	turn := history.Turn{
		UnifiedUserID: userID,
		Channel:       string(channel.Type),
		AssistantText: c.Response,
	}
	if c.Original != nil {
		turn.UserText = c.Original.Content.Text
		turn.UserAttachments = c.Original.Content.Attachments
		turn.ConversationID = c.Original.Context.ConversationID
	}

	if _, err := r.history.AppendTurn(ctx, turn); err != nil {
		r.log.Warn(ctx, "failed to persist turn", "user_id", userID, "error", err)
	}
}
