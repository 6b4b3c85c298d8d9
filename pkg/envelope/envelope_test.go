package envelope

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestChannelType_Constants(t *testing.T) {
	tests := []struct {
		constant ChannelType
		expected string
	}{
		{ChannelTelegram, "telegram"},
		{ChannelWeb, "web"},
	}

	for _, tt := range tests {
		t.Run(string(tt.constant), func(t *testing.T) {
			if string(tt.constant) != tt.expected {
				t.Errorf("constant = %q, want %q", tt.constant, tt.expected)
			}
		})
	}
}

func TestEventNames(t *testing.T) {
	if SourceAdapter != "universal-adapter" {
		t.Errorf("SourceAdapter = %q, want %q", SourceAdapter, "universal-adapter")
	}
	if SourceProcessor != "agent-processor" {
		t.Errorf("SourceProcessor = %q, want %q", SourceProcessor, "agent-processor")
	}
	if EventMessageReceived != "message.received" {
		t.Errorf("EventMessageReceived = %q, want %q", EventMessageReceived, "message.received")
	}
	if EventMessageCompleted != "message.completed" {
		t.Errorf("EventMessageCompleted = %q, want %q", EventMessageCompleted, "message.completed")
	}
	if EventMessageFailed != "message.failed" {
		t.Errorf("EventMessageFailed = %q, want %q", EventMessageFailed, "message.failed")
	}
}

func TestNew_Defaults(t *testing.T) {
	msg := New(
		Channel{Type: ChannelTelegram, ChannelID: "316743844"},
		User{ID: "tg:316743844"},
		Content{Text: "hello"},
	)

	if msg.MessageID == "" {
		t.Error("MessageID should be generated")
	}
	if msg.Content.MessageType != TypeText {
		t.Errorf("MessageType = %q, want %q", msg.Content.MessageType, TypeText)
	}
	if msg.Content.Attachments == nil {
		t.Error("Attachments should be non-nil")
	}
	if msg.Timestamp.Location() != time.UTC {
		t.Errorf("Timestamp location = %v, want UTC", msg.Timestamp.Location())
	}
}

func TestNew_UniqueMessageIDs(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		msg := New(Channel{Type: ChannelWeb}, User{ID: "a@example.com"}, Content{Text: "x"})
		if seen[msg.MessageID] {
			t.Fatalf("duplicate MessageID %q", msg.MessageID)
		}
		seen[msg.MessageID] = true
	}
}

func TestChannel_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantType ChannelType
		wantID   string
	}{
		{"object form", `{"type":"telegram","channelId":"316743844"}`, ChannelTelegram, "316743844"},
		{"string form", `"web"`, ChannelWeb, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ch Channel
			if err := json.Unmarshal([]byte(tt.input), &ch); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if ch.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", ch.Type, tt.wantType)
			}
			if ch.ChannelID != tt.wantID {
				t.Errorf("ChannelID = %q, want %q", ch.ChannelID, tt.wantID)
			}
		})
	}
}

func TestUniversalMessage_JSONFieldNames(t *testing.T) {
	msg := New(
		Channel{Type: ChannelTelegram, ChannelID: "316743844"},
		User{ID: "tg:316743844", ChannelUserID: "316743844", Username: "qwer2003tw"},
		Content{Text: "hello", Attachments: []Attachment{{Type: "document", FileID: "f1", FileName: "a.pdf"}}},
	)
	msg.Context = Context{ConversationID: "c1", SessionID: "s1"}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	body := string(data)

	for _, want := range []string{
		`"messageId"`, `"channelId"`, `"channelUserId"`, `"messageType"`,
		`"conversationId"`, `"sessionId"`, `"file_id"`, `"file_name"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("marshaled envelope missing %s: %s", want, body)
		}
	}
}

func TestUniversalMessage_WithoutRaw(t *testing.T) {
	msg := New(Channel{Type: ChannelWeb}, User{ID: "a@example.com"}, Content{Text: "hi"})
	msg.Raw = json.RawMessage(`{"provider":"payload"}`)

	stripped := msg.WithoutRaw()
	if stripped.Raw != nil {
		t.Error("WithoutRaw() should drop the provider payload")
	}
	if msg.Raw == nil {
		t.Error("WithoutRaw() must not mutate the original")
	}
	if stripped.MessageID != msg.MessageID {
		t.Errorf("MessageID = %q, want %q", stripped.MessageID, msg.MessageID)
	}
}

func TestUniversalMessage_Validate(t *testing.T) {
	valid := New(Channel{Type: ChannelTelegram}, User{ID: "tg:1"}, Content{Text: "x"})
	if err := valid.Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil", err)
	}

	tests := []struct {
		name   string
		mutate func(*UniversalMessage)
	}{
		{"missing messageId", func(m *UniversalMessage) { m.MessageID = "" }},
		{"missing channel type", func(m *UniversalMessage) { m.Channel.Type = "" }},
		{"missing user", func(m *UniversalMessage) { m.User = User{} }},
		{"missing message type", func(m *UniversalMessage) { m.Content.MessageType = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := New(Channel{Type: ChannelTelegram}, User{ID: "tg:1"}, Content{Text: "x"})
			tt.mutate(msg)
			if err := msg.Validate(); err == nil {
				t.Error("Validate() error = nil, want error")
			}
		})
	}
}

func TestNewEvent(t *testing.T) {
	msg := New(Channel{Type: ChannelWeb}, User{ID: "a@example.com"}, Content{Text: "hi"})
	evt, err := NewEvent(SourceAdapter, EventMessageReceived, msg.WithoutRaw())
	if err != nil {
		t.Fatalf("NewEvent() error = %v", err)
	}
	if evt.Source != SourceAdapter {
		t.Errorf("Source = %q, want %q", evt.Source, SourceAdapter)
	}
	if evt.DetailType != EventMessageReceived {
		t.Errorf("DetailType = %q, want %q", evt.DetailType, EventMessageReceived)
	}
	if evt.ID == "" {
		t.Error("event ID should be generated")
	}

	var decoded UniversalMessage
	if err := json.Unmarshal(evt.Detail, &decoded); err != nil {
		t.Fatalf("Unmarshal(Detail) error = %v", err)
	}
	if decoded.MessageID != msg.MessageID {
		t.Errorf("detail MessageID = %q, want %q", decoded.MessageID, msg.MessageID)
	}

	data, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("Marshal(event) error = %v", err)
	}
	if !strings.Contains(string(data), `"detail-type"`) {
		t.Errorf("event JSON missing detail-type field: %s", data)
	}
}

func TestCompletion_ForRouting(t *testing.T) {
	original := New(
		Channel{Type: ChannelTelegram, ChannelID: "316743844"},
		User{ID: "tg:316743844"},
		Content{Text: "hello"},
	)

	tests := []struct {
		name       string
		completion Completion
		wantID     string
		wantType   ChannelType
		wantUser   string
	}{
		{
			name:       "embedded original",
			completion: Completion{Original: original, Response: "hi"},
			wantID:     original.MessageID,
			wantType:   ChannelTelegram,
			wantUser:   "tg:316743844",
		},
		{
			name: "flattened fields",
			completion: Completion{
				MessageID: "m-1",
				Channel:   &Channel{Type: ChannelWeb, ChannelID: "conn-1"},
				User:      &User{UnifiedUserID: "u-1"},
				Response:  "hi",
			},
			wantID:   "m-1",
			wantType: ChannelWeb,
			wantUser: "",
		},
		{
			name: "flattened wins over original",
			completion: Completion{
				Original:  original,
				MessageID: "override",
				Response:  "hi",
			},
			wantID:   "override",
			wantType: ChannelTelegram,
			wantUser: "tg:316743844",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ch, user := tt.completion.ForRouting()
			if id != tt.wantID {
				t.Errorf("messageID = %q, want %q", id, tt.wantID)
			}
			if ch.Type != tt.wantType {
				t.Errorf("channel type = %q, want %q", ch.Type, tt.wantType)
			}
			if user.ID != tt.wantUser {
				t.Errorf("user ID = %q, want %q", user.ID, tt.wantUser)
			}
		})
	}
}

func TestCompletion_ChannelStringForm(t *testing.T) {
	raw := `{"messageId":"m-1","channel":"telegram","user":{"id":"tg:1"},"response":"done"}`

	var c Completion
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	_, ch, _ := c.ForRouting()
	if ch.Type != ChannelTelegram {
		t.Errorf("channel type = %q, want %q", ch.Type, ChannelTelegram)
	}
}
