// Package telegram is the Telegram ingress and egress: webhook intake,
// normalization, file pipeline, and outbound message delivery.
package telegram

import (
	"context"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// BotClient is the slice of the Bot API the channel uses. The narrow
// interface keeps tests free of network access.
type BotClient interface {
	// SendMessage sends a text message to a chat.
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)

	// GetFile resolves a file id to a downloadable file descriptor.
	GetFile(ctx context.Context, params *bot.GetFileParams) (*models.File, error)

	// FileDownloadLink returns the full download URL for a file.
	FileDownloadLink(f *models.File) string

	// GetMe verifies authentication and connectivity.
	GetMe(ctx context.Context) (*models.User, error)
}

type realBotClient struct {
	bot *bot.Bot
}

// NewBotClient dials the Bot API with the given token. A non-empty
// endpoint overrides the API server, for tests and self-hosted relays.
func NewBotClient(token, endpoint string) (BotClient, error) {
	opts := []bot.Option{bot.WithSkipGetMe()}
	if endpoint != "" {
		opts = append(opts, bot.WithServerURL(endpoint))
	}
	b, err := bot.New(token, opts...)
	if err != nil {
		return nil, err
	}
	return &realBotClient{bot: b}, nil
}

func (r *realBotClient) SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error) {
	return r.bot.SendMessage(ctx, params)
}

func (r *realBotClient) GetFile(ctx context.Context, params *bot.GetFileParams) (*models.File, error) {
	return r.bot.GetFile(ctx, params)
}

func (r *realBotClient) FileDownloadLink(f *models.File) string {
	return r.bot.FileDownloadLink(f)
}

func (r *realBotClient) GetMe(ctx context.Context) (*models.User, error) {
	return r.bot.GetMe(ctx)
}
