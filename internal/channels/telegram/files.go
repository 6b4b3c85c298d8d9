package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-telegram/bot"

	"github.com/qwer2003tw/unigate/internal/observability"
	"github.com/qwer2003tw/unigate/internal/uploads"
	"github.com/qwer2003tw/unigate/pkg/envelope"
)

const (
	// defaultMaxFileSize is the pre-download cap; the Bot API itself
	// refuses downloads above 20 MB.
	defaultMaxFileSize = 20 * 1024 * 1024

	getFileTimeout  = 10 * time.Second
	downloadTimeout = 30 * time.Second
)

// FileFetcher downloads media referenced by incoming messages and
// stores it for the processor. Failures are recorded per attachment;
// message processing continues text-only.
type FileFetcher struct {
	client      BotClient
	store       uploads.Store
	httpClient  *http.Client
	maxFileSize int64
	log         *observability.Logger
	metrics     *observability.Metrics
}

// FileFetcherOptions configures a FileFetcher.
type FileFetcherOptions struct {
	Client      BotClient
	Store       uploads.Store
	HTTPClient  *http.Client
	MaxFileSize int64
	Logger      *observability.Logger
	Metrics     *observability.Metrics
}

func NewFileFetcher(opts FileFetcherOptions) *FileFetcher {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = defaultMaxFileSize
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: downloadTimeout}
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewNopLogger()
	}
	return &FileFetcher{
		client:      opts.Client,
		store:       opts.Store,
		httpClient:  opts.HTTPClient,
		maxFileSize: opts.MaxFileSize,
		log:         opts.Logger,
		metrics:     opts.Metrics,
	}
}

// Fetch resolves, downloads, and stores one attachment, setting S3URL
// on success or Error on failure. The returned error mirrors
// attachment.Error for callers that want to log it.
func (f *FileFetcher) Fetch(ctx context.Context, chatID, messageID int64, att *envelope.Attachment) error {
	if att.FileSize > f.maxFileSize {
		att.Error = fmt.Sprintf("file too large (%d bytes, limit %d)", att.FileSize, f.maxFileSize)
		f.metrics.RecordFileUpload("too_large")
		return fmt.Errorf("%s", att.Error)
	}

	getCtx, cancel := context.WithTimeout(ctx, getFileTimeout)
	defer cancel()
	file, err := f.client.GetFile(getCtx, &bot.GetFileParams{FileID: att.FileID})
	if err != nil {
		return f.fail(ctx, att, "resolve file", err)
	}

	body, err := f.download(ctx, f.client.FileDownloadLink(file))
	if err != nil {
		return f.fail(ctx, att, "download file", err)
	}
	defer body.Close()

	key := fmt.Sprintf("%d/%d/%s", chatID, messageID, attachmentFilename(att))
	url, err := f.store.Put(ctx, key, body, uploads.PutOptions{MimeType: att.MimeType})
	if err != nil {
		return f.fail(ctx, att, "store file", err)
	}

	att.S3URL = url
	f.metrics.RecordFileUpload("success")
	f.log.Info(ctx, "attachment stored", "chat_id", chatID, "message_id", messageID, "key", key)
	return nil
}

func (f *FileFetcher) download(ctx context.Context, url string) (io.ReadCloser, error) {
	dlCtx, cancel := context.WithTimeout(ctx, downloadTimeout)
	req, err := http.NewRequestWithContext(dlCtx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	// The cap guards against descriptors that understate the size.
	return &cancelReadCloser{
		ReadCloser: struct {
			io.Reader
			io.Closer
		}{io.LimitReader(resp.Body, f.maxFileSize+1), resp.Body},
		cancel: cancel,
	}, nil
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	c.cancel()
	return c.ReadCloser.Close()
}

func (f *FileFetcher) fail(ctx context.Context, att *envelope.Attachment, stage string, err error) error {
	att.Error = fmt.Sprintf("%s: %v", stage, err)
	f.metrics.RecordFileUpload("error")
	f.log.Warn(ctx, "attachment fetch failed", "file_id", att.FileID, "stage", stage, "error", err)
	return fmt.Errorf("%s: %w", stage, err)
}

func attachmentFilename(att *envelope.Attachment) string {
	if att.FileName != "" {
		return att.FileName
	}
	switch att.Type {
	case "photo":
		return att.FileID + ".jpg"
	case "voice":
		return att.FileID + ".ogg"
	default:
		return att.FileID
	}
}
