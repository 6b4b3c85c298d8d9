package telegram

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot/models"

	"github.com/qwer2003tw/unigate/internal/commands"
	"github.com/qwer2003tw/unigate/internal/identity"
	"github.com/qwer2003tw/unigate/internal/observability"
	"github.com/qwer2003tw/unigate/internal/storage"
	"github.com/qwer2003tw/unigate/pkg/envelope"
)

// secretTokenHeader is set by Telegram when the webhook was registered
// with a secret.
const secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// maxWebhookBody bounds update payloads; Telegram updates are small.
const maxWebhookBody = 1 << 20

// publisher is the slice of the bus the webhook needs.
type publisher interface {
	Publish(ctx context.Context, event envelope.Event) error
}

// legacyMirror dual-writes raw update bodies during the migration.
type legacyMirror interface {
	Mirror(ctx context.Context, rawBody []byte, chatID, messageID int64) error
}

// WebhookHandler ingests Telegram webhook updates: secret check,
// parse, command dispatch, admission, media pipeline, normalization,
// and publish.
type WebhookHandler struct {
	secret   string
	commands *commands.Router
	identity *identity.Service
	bus      publisher
	mirror   legacyMirror
	files    *FileFetcher
	users    storage.UnifiedUserStore
	log      *observability.Logger
	metrics  *observability.Metrics
}

// WebhookOptions configures the handler. Mirror and Files are
// optional.
type WebhookOptions struct {
	Secret   string
	Commands *commands.Router
	Identity *identity.Service
	Bus      publisher
	Mirror   legacyMirror
	Files    *FileFetcher
	Users    storage.UnifiedUserStore
	Logger   *observability.Logger
	Metrics  *observability.Metrics
}

func NewWebhookHandler(opts WebhookOptions) *WebhookHandler {
	if opts.Logger == nil {
		opts.Logger = observability.NewNopLogger()
	}
	return &WebhookHandler{
		secret:   opts.Secret,
		commands: opts.Commands,
		identity: opts.Identity,
		bus:      opts.Bus,
		mirror:   opts.Mirror,
		files:    opts.Files,
		users:    opts.Users,
		log:      opts.Logger,
		metrics:  opts.Metrics,
	}
}

// inbound is one normalized update, from either the typed or the
// fallback parse.
type inbound struct {
	chatID      int64
	messageID   int64
	username    string
	text        string
	attachments []envelope.Attachment
	at          time.Time
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.secret != "" {
		got := r.Header.Get(secretTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
			h.metrics.RecordWebhookStatus("forbidden")
			h.log.Warn(ctx, "webhook secret mismatch")
			writeStatus(w, http.StatusForbidden, "forbidden")
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.metrics.RecordWebhookStatus("error")
		writeStatus(w, http.StatusOK, "error")
		return
	}

	msg, ok := h.parse(ctx, body)
	if !ok {
		h.metrics.RecordWebhookStatus("bad_request")
		writeStatus(w, http.StatusBadRequest, "invalid_update")
		return
	}
	if msg == nil {
		// Valid update without a message (callback, poll, etc).
		h.metrics.RecordWebhookStatus("ignored")
		writeStatus(w, http.StatusOK, "ignored")
		return
	}

	status := h.process(ctx, r, body, msg)
	h.metrics.RecordWebhookStatus(status)
	writeStatus(w, http.StatusOK, status)
}

// process runs the post-parse pipeline and returns the response
// status. All failures map to a 200-level status so Telegram does not
// retry-storm the endpoint.
func (h *WebhookHandler) process(ctx context.Context, r *http.Request, body []byte, msg *inbound) string {
	text := strings.TrimSpace(msg.text)

	if strings.HasPrefix(text, "/") && h.commands != nil {
		req := &commands.Request{
			ChatID:   msg.chatID,
			Username: msg.username,
			Text:     text,
			RawEvent: rawEvent(r, body),
		}
		if h.commands.Route(ctx, req) {
			return "command_handled"
		}
	}

	admitted, err := h.identity.Admitted(ctx, msg.chatID, msg.username)
	if err != nil {
		h.log.Error(ctx, "admission check failed", "chat_id", msg.chatID, "error", err)
		return "error"
	}
	if !admitted {
		h.log.Info(ctx, "message from unlisted chat ignored", "chat_id", msg.chatID)
		return "ignored"
	}

	if len(msg.attachments) > 0 {
		h.handleAttachments(ctx, msg)
	}

	if h.mirror != nil {
		// Best-effort; the mirror logs its own failures.
		_ = h.mirror.Mirror(ctx, body, msg.chatID, msg.messageID)
	}

	event, err := envelope.NewEvent(envelope.SourceAdapter, envelope.EventMessageReceived, h.normalize(ctx, msg, body).WithoutRaw())
	if err != nil {
		h.log.Error(ctx, "event build failed", "chat_id", msg.chatID, "error", err)
		return "error"
	}
	if err := h.bus.Publish(ctx, event); err != nil {
		h.metrics.RecordError("telegram_webhook", "publish_failed")
		h.log.Error(ctx, "bus publish failed", "chat_id", msg.chatID, "error", err)
		return "sqs_failed"
	}

	h.metrics.MessageReceived("telegram")
	return "ok"
}

// parse decodes the update, trying the typed model first and falling
// back to hand extraction for shapes the model rejects. The bool
// reports whether the body was a usable update at all.
func (h *WebhookHandler) parse(ctx context.Context, body []byte) (*inbound, bool) {
	var update models.Update
	if err := json.Unmarshal(body, &update); err == nil {
		m := update.Message
		if m == nil {
			m = update.EditedMessage
		}
		if m == nil {
			return nil, true
		}
		if m.Chat.ID == 0 {
			return nil, false
		}
		return fromTypedMessage(m), true
	}

	h.metrics.RecordWebhookFallback()
	h.log.Warn(ctx, "typed update parse failed, extracting by hand")
	return h.extract(body)
}

func fromTypedMessage(m *models.Message) *inbound {
	msg := &inbound{
		chatID:    m.Chat.ID,
		messageID: int64(m.ID),
		text:      m.Text,
		at:        time.Unix(int64(m.Date), 0).UTC(),
	}
	if msg.text == "" {
		msg.text = m.Caption
	}
	if m.From != nil {
		msg.username = m.From.Username
	}

	if len(m.Photo) > 0 {
		largest := m.Photo[len(m.Photo)-1]
		msg.attachments = append(msg.attachments, envelope.Attachment{
			Type:     "photo",
			FileID:   largest.FileID,
			FileSize: int64(largest.FileSize),
			MimeType: "image/jpeg",
		})
	}
	if m.Document != nil {
		msg.attachments = append(msg.attachments, envelope.Attachment{
			Type:     "document",
			FileID:   m.Document.FileID,
			FileName: m.Document.FileName,
			MimeType: m.Document.MimeType,
			FileSize: int64(m.Document.FileSize),
		})
	}
	if m.Video != nil {
		name := m.Video.FileName
		if name == "" {
			name = "video.mp4"
		}
		mime := m.Video.MimeType
		if mime == "" {
			mime = "video/mp4"
		}
		msg.attachments = append(msg.attachments, envelope.Attachment{
			Type:     "video",
			FileID:   m.Video.FileID,
			FileName: name,
			MimeType: mime,
			FileSize: m.Video.FileSize,
		})
	}
	if m.Voice != nil {
		msg.attachments = append(msg.attachments, envelope.Attachment{
			Type:     "voice",
			FileID:   m.Voice.FileID,
			MimeType: m.Voice.MimeType,
			FileSize: int64(m.Voice.FileSize),
		})
	}
	if m.Audio != nil {
		msg.attachments = append(msg.attachments, envelope.Attachment{
			Type:     "audio",
			FileID:   m.Audio.FileID,
			FileName: m.Audio.FileName,
			MimeType: m.Audio.MimeType,
			FileSize: int64(m.Audio.FileSize),
		})
	}
	return msg
}

// extract pulls the minimal fields out of an update the typed model
// could not represent.
func (h *WebhookHandler) extract(body []byte) (*inbound, bool) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, false
	}
	message, ok := raw["message"].(map[string]any)
	if !ok {
		if message, ok = raw["edited_message"].(map[string]any); !ok {
			return nil, true
		}
	}
	chat, _ := message["chat"].(map[string]any)
	chatID, ok := asInt64(chat["id"])
	if !ok {
		return nil, false
	}

	msg := &inbound{chatID: chatID, at: time.Now().UTC()}
	if id, ok := asInt64(message["message_id"]); ok {
		msg.messageID = id
	}
	if from, ok := message["from"].(map[string]any); ok {
		msg.username, _ = from["username"].(string)
	}
	if text, ok := message["text"].(string); ok && text != "" {
		msg.text = text
	} else if caption, ok := message["caption"].(string); ok {
		msg.text = caption
	}
	return msg, true
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

// handleAttachments runs the media pipeline: permission check, then
// fetch-and-store per attachment. Fetch failures leave an error on the
// attachment and the message continues text-only.
func (h *WebhookHandler) handleAttachments(ctx context.Context, msg *inbound) {
	allowed, err := h.identity.FilePermission(ctx, msg.chatID)
	if err != nil {
		h.log.Error(ctx, "file permission check failed", "chat_id", msg.chatID, "error", err)
		allowed = false
	}
	if !allowed || h.files == nil {
		for i := range msg.attachments {
			msg.attachments[i].PermissionDenied = true
		}
		return
	}
	for i := range msg.attachments {
		// Errors are recorded on the attachment by Fetch.
		_ = h.files.Fetch(ctx, msg.chatID, msg.messageID, &msg.attachments[i])
	}
}

func (h *WebhookHandler) normalize(ctx context.Context, msg *inbound, body []byte) *envelope.UniversalMessage {
	user := envelope.User{
		ID:            fmt.Sprintf("tg:%d", msg.chatID),
		ChannelUserID: strconv.FormatInt(msg.chatID, 10),
		Username:      msg.username,
	}
	if unified, err := h.users.GetByChatID(ctx, msg.chatID); err == nil {
		user.UnifiedUserID = unified.ID
	} else if !errors.Is(err, storage.ErrNotFound) {
		h.log.Warn(ctx, "unified user lookup failed", "chat_id", msg.chatID, "error", err)
	}

	um := envelope.New(
		envelope.Channel{
			Type:      envelope.ChannelTelegram,
			ChannelID: strconv.FormatInt(msg.chatID, 10),
		},
		user,
		envelope.Content{
			Text:        msg.text,
			MessageType: messageType(msg),
			Attachments: msg.attachments,
		},
	)
	if !msg.at.IsZero() {
		um.Timestamp = msg.at
	}
	um.Raw = json.RawMessage(body)
	return um
}

func messageType(msg *inbound) envelope.MessageType {
	if len(msg.attachments) == 0 {
		return envelope.TypeText
	}
	switch msg.attachments[0].Type {
	case "photo":
		return envelope.TypeImage
	case "video":
		return envelope.TypeVideo
	case "voice", "audio":
		return envelope.TypeAudio
	default:
		return envelope.TypeFile
	}
}

// rawEvent reconstructs the request shape /debug echoes. Redaction
// paths match the header layout here.
func rawEvent(r *http.Request, body []byte) map[string]any {
	headers := make(map[string]any, len(r.Header))
	multi := make(map[string]any, len(r.Header))
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[name] = values[0]
		}
		list := make([]any, len(values))
		for i, v := range values {
			list[i] = v
		}
		multi[name] = list
	}
	return map[string]any{
		"body":              string(body),
		"headers":           headers,
		"multiValueHeaders": multi,
		"requestContext": map[string]any{
			"path":   r.URL.Path,
			"method": r.Method,
		},
	}
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}
