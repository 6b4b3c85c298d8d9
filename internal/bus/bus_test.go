package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/qwer2003tw/unigate/pkg/envelope"
)

func newTestBus() *Bus {
	b := New(Options{Workers: 4, MaxAttempts: 3})
	// Fast retries in tests.
	b.policy.Initial = time.Millisecond
	b.policy.Max = 5 * time.Millisecond
	return b
}

func drain(t *testing.T, b *Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
}

func TestBusDeliversToAllSubscribers(t *testing.T) {
	b := newTestBus()

	var mu sync.Mutex
	got := map[string]int{}
	for _, name := range []string{"first", "second"} {
		name := name
		b.Subscribe(envelope.EventMessageReceived, name, func(ctx context.Context, event envelope.Event) error {
			mu.Lock()
			got[name]++
			mu.Unlock()
			return nil
		})
	}

	event, err := envelope.NewEvent(envelope.SourceAdapter, envelope.EventMessageReceived, map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if err := b.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	drain(t, b)

	if got["first"] != 1 || got["second"] != 1 {
		t.Errorf("deliveries = %v, want one each", got)
	}
}

func TestBusTopicsAreIsolated(t *testing.T) {
	b := newTestBus()

	var completed atomic.Int32
	b.Subscribe(envelope.EventMessageCompleted, "router", func(ctx context.Context, event envelope.Event) error {
		completed.Add(1)
		return nil
	})

	event, _ := envelope.NewEvent(envelope.SourceAdapter, envelope.EventMessageReceived, map[string]string{})
	if err := b.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	drain(t, b)

	if completed.Load() != 0 {
		t.Error("subscriber received an event from another topic")
	}
}

func TestBusRetriesFailedDelivery(t *testing.T) {
	b := newTestBus()

	var attempts atomic.Int32
	b.Subscribe(envelope.EventMessageReceived, "flaky", func(ctx context.Context, event envelope.Event) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})

	event, _ := envelope.NewEvent(envelope.SourceAdapter, envelope.EventMessageReceived, map[string]string{})
	if err := b.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	drain(t, b)

	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
}

func TestBusGivesUpAfterBudget(t *testing.T) {
	b := newTestBus()

	var attempts atomic.Int32
	b.Subscribe(envelope.EventMessageReceived, "broken", func(ctx context.Context, event envelope.Event) error {
		attempts.Add(1)
		return errors.New("permanent")
	})

	event, _ := envelope.NewEvent(envelope.SourceAdapter, envelope.EventMessageReceived, map[string]string{})
	if err := b.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	drain(t, b)

	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want the full budget of 3", attempts.Load())
	}
}

func TestBusRejectsInvalidEvent(t *testing.T) {
	b := newTestBus()
	if err := b.Publish(context.Background(), envelope.Event{}); err == nil {
		t.Error("Publish accepted an event without source or detail-type")
	}
}

func TestBusDeliveryOutlivesRequestContext(t *testing.T) {
	b := newTestBus()

	done := make(chan struct{})
	b.Subscribe(envelope.EventMessageReceived, "slow", func(ctx context.Context, event envelope.Event) error {
		select {
		case <-ctx.Done():
			t.Error("delivery context cancelled with the request")
		case <-time.After(20 * time.Millisecond):
		}
		close(done)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	event, _ := envelope.NewEvent(envelope.SourceAdapter, envelope.EventMessageReceived, map[string]string{})
	if err := b.Publish(ctx, event); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	cancel() // the request ends immediately

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never finished")
	}
	drain(t, b)
}
