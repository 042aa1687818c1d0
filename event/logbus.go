package event

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
)

// WithConsumerGroup assigns the subscription to a named consumer group on a
// LogBus. Envelopes are delivered once per group, in log order; groups
// advance independent offsets. Without a group the subscription forms a
// group of its own and sees every envelope.
func WithConsumerGroup(name string) SubscribeOption {
	return func(s *subscription) { s.group = name }
}

// channelLog is the append-only record of one channel plus the per-group
// read offsets.
type channelLog struct {
	mu      sync.Mutex
	cond    *sync.Cond
	entries []Envelope
	offsets map[string]int // consumer group -> next index
}

func newChannelLog() *channelLog {
	l := &channelLog{offsets: map[string]int{}}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// LogBus is an in-process, log-structured Bus backend: every publish appends
// to a per-channel log that is retained for the life of the bus, and consumer
// groups replay it from their own offsets. A subscriber joining an existing
// group resumes from the group's offset; a new group starts at the log head,
// so late subscribers observe history.
type LogBus struct {
	cfg memoryBusConfig

	mu     sync.Mutex
	logs   map[string]*channelLog
	subs   map[string]*subscription
	closed bool
	wg     sync.WaitGroup
}

// NewLogBus creates a log-partitioned bus. It accepts the same options as
// NewMemoryBus; the buffer option is unused because delivery reads from the
// retained log.
func NewLogBus(opts ...MemoryBusOption) *LogBus {
	cfg := memoryBusConfig{retries: 3}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	return &LogBus{
		cfg:  cfg,
		logs: map[string]*channelLog{},
		subs: map[string]*subscription{},
	}
}

func (b *LogBus) channel(name string) *channelLog {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.logs[name]
	if !ok {
		l = newChannelLog()
		b.logs[name] = l
	}
	return l
}

// Publish appends to the channel log. Success means the envelope is durably
// in the log; delivery happens asynchronously per consumer group.
func (b *LogBus) Publish(_ context.Context, e Envelope) error {
	if err := e.validate(); err != nil {
		return err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	b.mu.Unlock()

	l := b.channel(e.Channel)
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
	l.cond.Broadcast()
	return nil
}

// Subscribe starts a reader for the subscription's consumer group.
func (b *LogBus) Subscribe(channel string, h Handler, opts ...SubscribeOption) (string, error) {
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
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(sub)
	}
	if sub.group == "" {
		sub.group = sub.id
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrBusClosed
	}
	b.subs[sub.id] = sub
	b.wg.Add(1)
	b.mu.Unlock()

	go b.consume(sub)
	return sub.id, nil
}

// Unsubscribe stops the subscription's reader. The group offset is retained
// so a later subscriber of the same group resumes where it left off.
func (b *LogBus) Unsubscribe(id string) error {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.done)
		b.channel(sub.channel).cond.Broadcast()
	}
	return nil
}

// Close stops all readers. The logs are discarded with the bus.
func (b *LogBus) Close() error {
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
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.done)
		b.channel(sub.channel).cond.Broadcast()
	}
	b.wg.Wait()
	return nil
}

// consume advances the subscription's group offset through the channel log.
// The offset moves after each delivery attempt settles, giving at-least-once
// semantics per group.
func (b *LogBus) consume(sub *subscription) {
	defer b.wg.Done()
	l := b.channel(sub.channel)
	for {
		l.mu.Lock()
		for l.offsets[sub.group] >= len(l.entries) && !b.stopped(sub) {
			l.cond.Wait()
		}
		if b.stopped(sub) {
			l.mu.Unlock()
			return
		}
		e := l.entries[l.offsets[sub.group]]
		l.offsets[sub.group]++
		l.mu.Unlock()

		b.deliver(sub, e)
	}
}

func (b *LogBus) stopped(sub *subscription) bool {
	select {
	case <-sub.done:
		return true
	default:
		return false
	}
}

func (b *LogBus) deliver(sub *subscription, e Envelope) {
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
			"channel", e.Channel, "type", e.Type, "group", sub.group, "attempt", attempt, "error", lastErr)
	}
	b.deadLetter(e, lastErr.Error(), string(debug.Stack()))
}

func (b *LogBus) invoke(h Handler, e Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(context.Background(), e)
}

func (b *LogBus) deadLetter(e Envelope, reason, stack string) {
	if b.cfg.dlq == nil {
		b.cfg.logger.Warn("dropping undeliverable envelope, no dlq configured",
			"channel", e.Channel, "type", e.Type, "reason", reason)
		return
	}
	b.cfg.dlq.Add(e, reason, stack)
}
