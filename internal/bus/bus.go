// Package bus provides the in-process event fabric connecting ingress
// adapters, the processor forwarder, and the response router. Delivery
// is at-least-once: consumers are expected to be idempotent.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/qwer2003tw/unigate/internal/backoff"
	"github.com/qwer2003tw/unigate/internal/observability"
	"github.com/qwer2003tw/unigate/pkg/envelope"
)

// Handler consumes one event. A non-nil error triggers redelivery until
// the retry budget is spent.
type Handler func(ctx context.Context, event envelope.Event) error

type subscription struct {
	name    string
	handler Handler
}

// Bus fans events out to topic subscribers through a bounded worker
// pool. Publish never blocks on slow consumers beyond semaphore
// acquisition.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]subscription

	sem         chan struct{}
	wg          sync.WaitGroup
	log         *observability.Logger
	metrics     *observability.Metrics
	policy      backoff.Policy
	maxAttempts int
}

// Options configures a Bus.
type Options struct {
	Workers     int // concurrent deliveries, default 16
	MaxAttempts int // per-delivery attempts, default 3
	Logger      *observability.Logger
	Metrics     *observability.Metrics
}

// New creates an event bus.
func New(opts Options) *Bus {
	if opts.Workers <= 0 {
		opts.Workers = 16
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewNopLogger()
	}
	return &Bus{
		subscribers: make(map[string][]subscription),
		sem:         make(chan struct{}, opts.Workers),
		log:         opts.Logger,
		metrics:     opts.Metrics,
		policy:      backoff.Policy{Initial: 50 * time.Millisecond, Max: 2 * time.Second, Factor: 2, Jitter: 0.1},
		maxAttempts: opts.MaxAttempts,
	}
}

// Subscribe registers a named handler for a detail type. Registration
// order is preserved per topic.
func (b *Bus) Subscribe(detailType, name string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[detailType] = append(b.subscribers[detailType], subscription{name: name, handler: handler})
}

// Publish validates the event and hands it to every subscriber of its
// detail type. Delivery happens on worker goroutines detached from the
// caller's cancellation; Publish returns once all deliveries are queued.
func (b *Bus) Publish(ctx context.Context, event envelope.Event) error {
	if event.Source == "" || event.DetailType == "" {
		b.metrics.RecordBusEvent(event.Source, event.DetailType, "invalid")
		return fmt.Errorf("bus: event missing source or detail-type")
	}

	b.mu.RLock()
	subs := append([]subscription(nil), b.subscribers[event.DetailType]...)
	b.mu.RUnlock()

	if len(subs) == 0 {
		b.metrics.RecordBusEvent(event.Source, event.DetailType, "unrouted")
		b.log.Debug(ctx, "event published with no subscribers", "detail_type", event.DetailType)
		return nil
	}

	b.metrics.RecordBusEvent(event.Source, event.DetailType, "published")

	// Deliveries outlive the inbound request that produced the event.
	deliveryCtx := context.WithoutCancel(ctx)
	for _, sub := range subs {
		sub := sub
		b.wg.Add(1)
		b.sem <- struct{}{}
		go func() {
			defer b.wg.Done()
			defer func() { <-b.sem }()
			b.deliver(deliveryCtx, sub, event)
		}()
	}
	return nil
}

func (b *Bus) deliver(ctx context.Context, sub subscription, event envelope.Event) {
	err := backoff.Retry(ctx, b.policy, b.maxAttempts, func(int) error {
		return sub.handler(ctx, event)
	})
	if err != nil {
		b.metrics.RecordBusEvent(event.Source, event.DetailType, "failed")
		b.metrics.RecordError("bus", "delivery_failed")
		b.log.Error(ctx, "event delivery exhausted retries",
			"subscriber", sub.name,
			"detail_type", event.DetailType,
			"event_id", event.ID,
			"error", err)
		return
	}
	b.metrics.RecordBusEvent(event.Source, event.DetailType, "delivered")
}

// Drain waits for in-flight deliveries to finish or the context to end.
func (b *Bus) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
