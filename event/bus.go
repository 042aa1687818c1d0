package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
)

// ErrBusClosed marks operations against a closed bus.
var ErrBusClosed = errors.New("event bus closed")

// Handler consumes one envelope. Returning an error triggers redelivery up to
// the backend's retry budget, then dead-lettering.
type Handler func(ctx context.Context, e Envelope) error

// Bus is the publish/subscribe contract. Publish returning nil means durable
// handoff by the backend's definition: delivered for the in-memory bus,
// appended for log-style backends. Per-channel FIFO holds per publisher;
// there is no ordering across channels.
type Bus interface {
	Publish(ctx context.Context, e Envelope) error
	// Subscribe registers a handler on a channel and returns a subscription id.
	Subscribe(channel string, h Handler, opts ...SubscribeOption) (string, error)
	// Unsubscribe removes a subscription. Idempotent.
	Unsubscribe(id string) error
	Close() error
}

// SubscribeOption configures one subscription.
type SubscribeOption func(*subscription)

// WithExpectedSchema makes the subscription reject envelopes whose (type,
// version) is not major-compatible with the expected pair in the bus's
// registry. Rejected envelopes dead-letter with reason "incompatible schema"
// and are never handed to the handler.
func WithExpectedSchema(typeName, version string) SubscribeOption {
	return func(s *subscription) {
		s.expectType = typeName
		s.expectVersion = version
	}
}

type subscription struct {
	id      string
	channel string
	handler Handler
	queue   chan Envelope
	done    chan struct{}

	expectType    string
	expectVersion string

	// group is the consumer-group name, used by LogBus only.
	group string
}

type memoryBusConfig struct {
	retries  int
	buffer   int
	dlq      *DeadLetterQueue
	registry *SchemaRegistry
	logger   *slog.Logger
}

// MemoryBusOption configures a MemoryBus.
type MemoryBusOption func(*memoryBusConfig)

// WithRetries sets the redelivery budget before dead-lettering. Default 3.
func WithRetries(n int) MemoryBusOption {
	return func(c *memoryBusConfig) { c.retries = n }
}

// WithBuffer sets each subscription's queue depth. Default 64.
func WithBuffer(n int) MemoryBusOption {
	return func(c *memoryBusConfig) { c.buffer = n }
}

// WithDLQ routes exhausted and incompatible envelopes to the queue.
func WithDLQ(q *DeadLetterQueue) MemoryBusOption {
	return func(c *memoryBusConfig) { c.dlq = q }
}

// WithSchemaRegistry enables schema-compatibility checks for subscriptions
// created with WithExpectedSchema.
func WithSchemaRegistry(r *SchemaRegistry) MemoryBusOption {
	return func(c *memoryBusConfig) { c.registry = r }
}

// WithLogger sets the bus logger.
func WithLogger(l *slog.Logger) MemoryBusOption {
	return func(c *memoryBusConfig) { c.logger = l }
}

// MemoryBus is the in-process Bus backend. Each subscription gets a dedicated
// dispatch goroutine draining a FIFO queue, so handlers never run on the
// publisher's goroutine and cannot block the engine.
type MemoryBus struct {
	cfg memoryBusConfig

	mu     sync.RWMutex
	subs   map[string]*subscription          // by subscription id
	byChan map[string]map[string]*subscription // channel -> id -> sub
	closed bool
	wg     sync.WaitGroup
}

// NewMemoryBus creates an in-memory bus.
func NewMemoryBus(opts ...MemoryBusOption) *MemoryBus {
	cfg := memoryBusConfig{retries: 3, buffer: 64}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	return &MemoryBus{
		cfg:    cfg,
		subs:   map[string]*subscription{},
		byChan: map[string]map[string]*subscription{},
	}
}

// Publish enqueues the envelope on every subscription of its channel. A full
// subscription queue dead-letters the envelope for that subscriber instead of
// blocking the publisher.
func (b *MemoryBus) Publish(_ context.Context, e Envelope) error {
	if err := e.validate(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	for _, sub := range b.byChan[e.Channel] {
		select {
		case sub.queue <- e:
		default:
			b.deadLetter(e, "subscriber queue full", "")
		}
	}
	return nil
}

// Subscribe registers a handler on a channel. Envelopes already published are
// not replayed; this bus is delivery-only.
func (b *MemoryBus) Subscribe(channel string, h Handler, opts ...SubscribeOption) (string, error) {
	if channel == "" {
		return "", fmt.Errorf("subscribe: empty channel")
	}
	if h == nil {
		return "", fmt.Errorf("subscribe: nil handler")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("subscription id: %w", err)
	}
	sub := &subscription{
		id:      id.String(),
		channel: channel,
		handler: h,
		queue:   make(chan Envelope, b.cfg.buffer),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrBusClosed
	}
	b.subs[sub.id] = sub
	if b.byChan[channel] == nil {
		b.byChan[channel] = map[string]*subscription{}
	}
	b.byChan[channel][sub.id] = sub
	b.wg.Add(1)
	b.mu.Unlock()

	go b.dispatch(sub)
	return sub.id, nil
}

// Unsubscribe stops a subscription's dispatch loop. Unknown ids are ignored.
func (b *MemoryBus) Unsubscribe(id string) error {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		delete(b.byChan[sub.channel], id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.done)
	}
	return nil
}

// Close stops all subscriptions and waits for in-flight handlers to settle.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = map[string]*subscription{}
	b.byChan = map[string]map[string]*subscription{}
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.done)
	}
	b.wg.Wait()
	return nil
}

// dispatch drains one subscription's queue in FIFO order.
func (b *MemoryBus) dispatch(sub *subscription) {
	defer b.wg.Done()
	for {
		select {
		case <-sub.done:
			return
		case e := <-sub.queue:
			b.deliver(sub, e)
		}
	}
}

// deliver hands one envelope to the handler, applying the schema gate and the
// retry budget. Exhaustion and incompatibility dead-letter the envelope.
func (b *MemoryBus) deliver(sub *subscription, e Envelope) {
	if sub.expectType != "" && b.cfg.registry != nil {
		if !b.cfg.registry.IsCompatible(e.Type, e.SchemaVersion, sub.expectVersion) || e.Type != sub.expectType {
			b.deadLetter(e, "incompatible schema", "")
			return
		}
	}

	var lastErr error
	for attempt := 0; attempt <= b.cfg.retries; attempt++ {
		lastErr = b.invoke(sub.handler, e)
		if lastErr == nil {
			return
		}
		b.cfg.logger.Warn("event handler failed",
			"channel", e.Channel, "type", e.Type, "attempt", attempt, "error", lastErr)
	}
	b.deadLetter(e, lastErr.Error(), string(debug.Stack()))
}

// invoke contains handler panics so a broken subscriber cannot kill the
// dispatch goroutine.
func (b *MemoryBus) invoke(h Handler, e Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(context.Background(), e)
}

func (b *MemoryBus) deadLetter(e Envelope, reason, stack string) {
	if b.cfg.dlq == nil {
		b.cfg.logger.Warn("dropping undeliverable envelope, no dlq configured",
			"channel", e.Channel, "type", e.Type, "reason", reason)
		return
	}
	b.cfg.dlq.Add(e, reason, stack)
}
