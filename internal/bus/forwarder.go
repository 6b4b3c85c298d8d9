package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/qwer2003tw/unigate/internal/observability"
	"github.com/qwer2003tw/unigate/pkg/envelope"
)

// Forwarder hands message.received events to the external processor.
// In sync mode the processor answers 200 with a completion body; in
// async mode it answers 202 and later posts the completion back through
// the events endpoint.
type Forwarder struct {
	bus      *Bus
	client   *http.Client
	endpoint string
	token    string
	log      *observability.Logger
	metrics  *observability.Metrics
}

// ForwarderOptions configures a Forwarder.
type ForwarderOptions struct {
	Bus       *Bus
	Endpoint  string
	AuthToken string
	Timeout   time.Duration // default 60s
	Logger    *observability.Logger
	Metrics   *observability.Metrics
}

// NewForwarder creates the processor forwarder and subscribes it to
// message.received.
func NewForwarder(opts ForwarderOptions) *Forwarder {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewNopLogger()
	}
	f := &Forwarder{
		bus:      opts.Bus,
		client:   &http.Client{Timeout: opts.Timeout},
		endpoint: opts.Endpoint,
		token:    opts.AuthToken,
		log:      opts.Logger,
		metrics:  opts.Metrics,
	}
	opts.Bus.Subscribe(envelope.EventMessageReceived, "processor-forwarder", f.handle)
	return f
}

func (f *Forwarder) handle(ctx context.Context, event envelope.Event) error {
	start := time.Now()

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build processor request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		f.metrics.RecordProcessorRequest("sync", "error", time.Since(start).Seconds())
		f.publishFailure(ctx, event, "stream_error")
		f.log.Error(ctx, "processor request failed", "event_id", event.ID, "error", err)
		return nil // failure already converted to a message.failed event
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return f.handleSyncCompletion(ctx, event, resp, start)

	case resp.StatusCode == http.StatusAccepted:
		// Async mode: the completion arrives later via POST /events.
		f.metrics.RecordProcessorRequest("async", "accepted", time.Since(start).Seconds())
		return nil

	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		f.metrics.RecordProcessorRequest("sync", "overflow", time.Since(start).Seconds())
		f.publishFailure(ctx, event, "context_overflow")
		return nil

	default:
		f.metrics.RecordProcessorRequest("sync", fmt.Sprintf("http_%d", resp.StatusCode), time.Since(start).Seconds())
		f.publishFailure(ctx, event, "stream_error")
		f.log.Error(ctx, "processor returned error status",
			"event_id", event.ID, "status", resp.StatusCode)
		return nil
	}
}

func (f *Forwarder) handleSyncCompletion(ctx context.Context, event envelope.Event, resp *http.Response, start time.Time) error {
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		f.metrics.RecordProcessorRequest("sync", "read_error", time.Since(start).Seconds())
		f.publishFailure(ctx, event, "stream_error")
		return nil
	}

	var completion envelope.Completion
	if err := json.Unmarshal(payload, &completion); err != nil {
		f.metrics.RecordProcessorRequest("sync", "bad_body", time.Since(start).Seconds())
		f.publishFailure(ctx, event, "stream_error")
		f.log.Error(ctx, "processor completion body unreadable", "event_id", event.ID, "error", err)
		return nil
	}
	f.attachOriginal(&completion, event)

	detailType := envelope.EventMessageCompleted
	if completion.Error != "" {
		detailType = envelope.EventMessageFailed
	}
	out, err := envelope.NewEvent(envelope.SourceProcessor, detailType, completion)
	if err != nil {
		return fmt.Errorf("wrap completion: %w", err)
	}
	f.metrics.RecordProcessorRequest("sync", "ok", time.Since(start).Seconds())
	return f.bus.Publish(ctx, out)
}

func (f *Forwarder) publishFailure(ctx context.Context, event envelope.Event, kind string) {
	completion := envelope.Completion{Error: kind}
	f.attachOriginal(&completion, event)

	out, err := envelope.NewEvent(envelope.SourceProcessor, envelope.EventMessageFailed, completion)
	if err != nil {
		f.log.Error(ctx, "failed to wrap failure event", "error", err)
		return
	}
	if err := f.bus.Publish(ctx, out); err != nil {
		f.log.Error(ctx, "failed to publish failure event", "error", err)
	}
}

// attachOriginal threads the inbound envelope through the completion so
// the router can address the reply even when the processor omitted it.
func (f *Forwarder) attachOriginal(completion *envelope.Completion, event envelope.Event) {
	if completion.Original != nil {
		return
	}
	var msg envelope.UniversalMessage
	if err := json.Unmarshal(event.Detail, &msg); err == nil && msg.MessageID != "" {
		completion.Original = &msg
	}
}
