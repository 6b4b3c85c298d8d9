package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-telegram/bot"

	"github.com/qwer2003tw/unigate/internal/channels"
	"github.com/qwer2003tw/unigate/internal/observability"
)

// Sender delivers outbound text to Telegram chats, splitting messages
// that exceed the Bot API limit. It satisfies commands.Responder and
// the response router's delivery contract.
type Sender struct {
	client  BotClient
	limiter *channels.RateLimiter
	log     *observability.Logger
	metrics *observability.Metrics
}

// SenderOptions configures a Sender.
type SenderOptions struct {
	Client  BotClient
	Rate    float64
	Burst   int
	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// NewSender creates a Sender. Rate defaults to Telegram's ~30 msg/s.
func NewSender(opts SenderOptions) *Sender {
	if opts.Rate <= 0 {
		opts.Rate = 30
	}
	if opts.Burst <= 0 {
		opts.Burst = 20
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewNopLogger()
	}
	return &Sender{
		client:  opts.Client,
		limiter: channels.NewRateLimiter(opts.Rate, opts.Burst),
		log:     opts.Logger,
		metrics: opts.Metrics,
	}
}

// Send delivers text to a chat, splitting into numbered parts when the
// message exceeds the API limit.
func (s *Sender) Send(ctx context.Context, chatID int64, text string) error {
	if len(text) <= maxMessageLength {
		return s.sendOne(ctx, chatID, text)
	}

	chunks := splitMessage(text, chunkBudget)
	s.log.Info(ctx, "splitting long message",
		"chat_id", chatID, "length", len(text), "parts", len(chunks))
	for i, chunk := range chunks {
		part := fmt.Sprintf("📄 Part %d/%d\n\n%s", i+1, len(chunks), chunk)
		if err := s.sendOne(ctx, chatID, part); err != nil {
			return fmt.Errorf("send part %d/%d: %w", i+1, len(chunks), err)
		}
	}
	return nil
}

// SendToUser delivers to a router user id of the form "tg:<chat_id>"
// or a bare numeric chat id.
func (s *Sender) SendToUser(ctx context.Context, userID, text string) error {
	raw := strings.TrimPrefix(userID, "tg:")
	chatID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return channels.NewError(channels.ErrCodeInvalidInput,
			fmt.Sprintf("telegram user id must be numeric, got %q", userID), nil)
	}
	return s.Send(ctx, chatID, text)
}

func (s *Sender) sendOne(ctx context.Context, chatID int64, text string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	_, err := s.client.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   text,
	})
	if err != nil {
		s.metrics.RecordError("telegram_sender", "send_failed")
		return channels.NewError(channels.ErrCodeUnavailable, "send message", err)
	}
	s.metrics.MessageSent("telegram")
	return nil
}
