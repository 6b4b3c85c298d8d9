// Package envelope defines the Universal Message format shared by all
// channel adapters, the event bus, and the response router.
//
// Every inbound message, regardless of which channel produced it, is
// normalized into a UniversalMessage before it crosses a package boundary.
// Adapters fill in channel-specific identifiers; downstream consumers only
// ever see the unified shape.
package envelope

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ChannelType identifies the platform a message originated from.
type ChannelType string

const (
	ChannelTelegram ChannelType = "telegram"
	ChannelWeb      ChannelType = "web"
)

// MessageType classifies the primary content of a message.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeVideo MessageType = "video"
	TypeAudio MessageType = "audio"
	TypeFile  MessageType = "file"
)

// Role indicates the author of a persisted history turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Event source and detail-type values used on the bus.
const (
	SourceAdapter   = "universal-adapter"
	SourceProcessor = "agent-processor"

	EventMessageReceived  = "message.received"
	EventMessageCompleted = "message.completed"
	EventMessageFailed    = "message.failed"
)

// Channel describes where a message came from or should be delivered to.
//
// Some upstream producers emit the channel as a bare string instead of an
// object; UnmarshalJSON accepts both forms and treats the string as the type.
type Channel struct {
	Type      ChannelType    `json:"type"`
	ChannelID string         `json:"channelId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// UnmarshalJSON accepts either {"type":"telegram",...} or "telegram".
func (c *Channel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = Channel{Type: ChannelType(s)}
		return nil
	}

	type plain Channel
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = Channel(p)
	return nil
}

// User identifies the human behind a message. ID is the channel-scoped
// identifier (e.g. "tg:316743844" or an email address); UnifiedUserID is
// set once the identity layer has resolved or minted a unified identity.
type User struct {
	ID            string `json:"id"`
	ChannelUserID string `json:"channelUserId,omitempty"`
	Username      string `json:"username,omitempty"`
	DisplayName   string `json:"displayName,omitempty"`
	UnifiedUserID string `json:"unifiedUserId,omitempty"`
	Role          string `json:"role,omitempty"`
}

// Attachment describes a file carried by a message. S3URL is filled in by
// the ingress adapter after mirroring the file to object storage;
// PermissionDenied marks attachments the sender was not allowed to upload.
type Attachment struct {
	Type             string `json:"type"`
	FileID           string `json:"file_id,omitempty"`
	FileName         string `json:"file_name,omitempty"`
	MimeType         string `json:"mime_type,omitempty"`
	FileSize         int64  `json:"file_size,omitempty"`
	S3URL            string `json:"s3_url,omitempty"`
	PermissionDenied bool   `json:"permission_denied,omitempty"`
	Task             string `json:"task,omitempty"`

	// Error records a failed fetch or upload; processing continues
	// text-only.
	Error string `json:"error,omitempty"`
}

// Content holds the normalized message body.
type Content struct {
	Text        string       `json:"text"`
	MessageType MessageType  `json:"messageType"`
	Attachments []Attachment `json:"attachments"`
}

// Context carries conversation threading hints through the pipeline.
type Context struct {
	ConversationID string `json:"conversationId,omitempty"`
	SessionID      string `json:"sessionId,omitempty"`
	ThreadID       string `json:"threadId,omitempty"`
}

// Routing carries optional dispatch hints for the processor.
type Routing struct {
	Priority    string   `json:"priority,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	TargetAgent string   `json:"targetAgent,omitempty"`
}

// UniversalMessage is the channel-agnostic envelope published on the bus.
//
// Raw may hold the original provider payload while the message moves
// through in-process queues, but it must never reach the bus: callers
// publish WithoutRaw copies so event size stays bounded.
type UniversalMessage struct {
	MessageID string          `json:"messageId"`
	Timestamp time.Time       `json:"timestamp"`
	Channel   Channel         `json:"channel"`
	User      User            `json:"user"`
	Content   Content         `json:"content"`
	Context   Context         `json:"context"`
	Routing   Routing         `json:"routing,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// New builds an envelope with a fresh message id and a UTC timestamp.
func New(channel Channel, user User, content Content) *UniversalMessage {
	if content.Attachments == nil {
		content.Attachments = []Attachment{}
	}
	if content.MessageType == "" {
		content.MessageType = TypeText
	}
	return &UniversalMessage{
		MessageID: uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Channel:   channel,
		User:      user,
		Content:   content,
	}
}

// WithoutRaw returns a copy of the message with the provider payload dropped.
func (m UniversalMessage) WithoutRaw() UniversalMessage {
	m.Raw = nil
	return m
}

// Validate checks the fields every consumer depends on.
func (m *UniversalMessage) Validate() error {
	switch {
	case m.MessageID == "":
		return errors.New("envelope: missing messageId")
	case m.Channel.Type == "":
		return errors.New("envelope: missing channel.type")
	case m.User.ID == "" && m.User.UnifiedUserID == "":
		return errors.New("envelope: missing user identity")
	case m.Content.MessageType == "":
		return errors.New("envelope: missing content.messageType")
	}
	return nil
}

// Event is the wrapper every bus payload travels in. Field names follow
// the EventBridge wire format so payloads can be mirrored to external
// buses without translation.
type Event struct {
	ID         string          `json:"id"`
	Source     string          `json:"source"`
	DetailType string          `json:"detail-type"`
	Time       time.Time       `json:"time"`
	Detail     json.RawMessage `json:"detail"`
}

// NewEvent wraps detail in a bus envelope, marshaling it to JSON.
func NewEvent(source, detailType string, detail any) (Event, error) {
	raw, err := json.Marshal(detail)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:         uuid.NewString(),
		Source:     source,
		DetailType: detailType,
		Time:       time.Now().UTC(),
		Detail:     raw,
	}, nil
}

// Completion is the detail payload for message.completed and
// message.failed events. Producers either embed the original envelope or
// flatten its identifying fields at the top level; ForRouting resolves
// whichever form arrived.
type Completion struct {
	Original *UniversalMessage `json:"original,omitempty"`
	MessageID string           `json:"messageId,omitempty"`
	Channel   *Channel         `json:"channel,omitempty"`
	User      *User            `json:"user,omitempty"`
	Response  string           `json:"response,omitempty"`
	Error     string           `json:"error,omitempty"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
}

// ForRouting flattens a completion into the fields the response router
// needs, preferring the embedded original envelope when present.
func (c *Completion) ForRouting() (messageID string, channel Channel, user User) {
	messageID = c.MessageID
	if c.Channel != nil {
		channel = *c.Channel
	}
	if c.User != nil {
		user = *c.User
	}
	if c.Original != nil {
		if messageID == "" {
			messageID = c.Original.MessageID
		}
		if channel.Type == "" {
			channel = c.Original.Channel
		}
		if user.ID == "" && user.UnifiedUserID == "" {
			user = c.Original.User
		}
	}
	return messageID, channel, user
}
