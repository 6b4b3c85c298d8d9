package bus

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/qwer2003tw/unigate/pkg/envelope"
)

// capture collects events published to a topic.
type capture struct {
	mu     sync.Mutex
	events []envelope.Event
}

func (c *capture) subscribe(b *Bus, detailType string) {
	b.Subscribe(detailType, "capture", func(ctx context.Context, event envelope.Event) error {
		c.mu.Lock()
		c.events = append(c.events, event)
		c.mu.Unlock()
		return nil
	})
}

func (c *capture) all() []envelope.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]envelope.Event(nil), c.events...)
}

func receivedEvent(t *testing.T) envelope.Event {
	t.Helper()
	msg := envelope.New(
		envelope.Channel{Type: envelope.ChannelTelegram, ChannelID: "316743844"},
		envelope.User{ID: "tg:316743844"},
		envelope.Content{Text: "hello", MessageType: envelope.TypeText},
	)
	event, err := envelope.NewEvent(envelope.SourceAdapter, envelope.EventMessageReceived, msg)
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	return event
}

func TestForwarderSyncCompletion(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var event envelope.Event
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			t.Errorf("decode forwarded event: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(envelope.Completion{Response: "hi there"})
	}))
	defer server.Close()

	b := newTestBus()
	completed := &capture{}
	completed.subscribe(b, envelope.EventMessageCompleted)

	NewForwarder(ForwarderOptions{
		Bus: b, Endpoint: server.URL, AuthToken: "proc-token", Timeout: 5 * time.Second,
	})

	if err := b.Publish(context.Background(), receivedEvent(t)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	drain(t, b)

	if gotAuth != "Bearer proc-token" {
		t.Errorf("Authorization = %q, want the bearer token", gotAuth)
	}
	events := completed.all()
	if len(events) != 1 {
		t.Fatalf("completed events = %d, want 1", len(events))
	}
	var completion envelope.Completion
	if err := json.Unmarshal(events[0].Detail, &completion); err != nil {
		t.Fatalf("unmarshal completion: %v", err)
	}
	if completion.Response != "hi there" {
		t.Errorf("response = %q", completion.Response)
	}
	if completion.Original == nil || completion.Original.Channel.Type != envelope.ChannelTelegram {
		t.Error("original envelope not threaded through the completion")
	}
	if events[0].Source != envelope.SourceProcessor {
		t.Errorf("source = %q, want %q", events[0].Source, envelope.SourceProcessor)
	}
}

func TestForwarderAsyncAccepted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	b := newTestBus()
	completed := &capture{}
	failed := &capture{}
	completed.subscribe(b, envelope.EventMessageCompleted)
	failed.subscribe(b, envelope.EventMessageFailed)

	NewForwarder(ForwarderOptions{Bus: b, Endpoint: server.URL})

	if err := b.Publish(context.Background(), receivedEvent(t)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	drain(t, b)

	if len(completed.all()) != 0 || len(failed.all()) != 0 {
		t.Error("202 must publish nothing; the completion arrives later through the events endpoint")
	}
}

func TestForwarderServerErrorPublishesFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	b := newTestBus()
	failed := &capture{}
	failed.subscribe(b, envelope.EventMessageFailed)

	NewForwarder(ForwarderOptions{Bus: b, Endpoint: server.URL})

	if err := b.Publish(context.Background(), receivedEvent(t)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	drain(t, b)

	events := failed.all()
	if len(events) != 1 {
		t.Fatalf("failed events = %d, want 1", len(events))
	}
	var completion envelope.Completion
	_ = json.Unmarshal(events[0].Detail, &completion)
	if completion.Error != "stream_error" {
		t.Errorf("error kind = %q, want stream_error", completion.Error)
	}
	if completion.Original == nil {
		t.Error("failure must carry the original envelope for routing")
	}
}

func TestForwarderCompletionWithErrorRoutesAsFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(envelope.Completion{Error: "context_overflow"})
	}))
	defer server.Close()

	b := newTestBus()
	failed := &capture{}
	failed.subscribe(b, envelope.EventMessageFailed)

	NewForwarder(ForwarderOptions{Bus: b, Endpoint: server.URL})

	if err := b.Publish(context.Background(), receivedEvent(t)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	drain(t, b)

	if len(failed.all()) != 1 {
		t.Errorf("completion carrying an error should publish message.failed")
	}
}

func TestValidatorFrames(t *testing.T) {
	v := MustNewValidator()

	valid := map[string]any{
		"source":      "agent-processor",
		"detail-type": "message.completed",
		"detail":      map[string]any{"messageId": "m1", "response": "ok"},
	}
	if err := v.ValidateFrame(valid); err != nil {
		t.Errorf("valid frame rejected: %v", err)
	}

	tests := []struct {
		name  string
		frame map[string]any
	}{
		{"wrong source", map[string]any{
			"source": "someone-else", "detail-type": "message.completed", "detail": map[string]any{},
		}},
		{"unknown detail type", map[string]any{
			"source": "agent-processor", "detail-type": "message.weird", "detail": map[string]any{},
		}},
		{"missing detail", map[string]any{
			"source": "agent-processor", "detail-type": "message.completed",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := v.ValidateFrame(tt.frame); err == nil {
				t.Error("invalid frame accepted")
			}
		})
	}
}
