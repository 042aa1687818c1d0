package spice

import (
	"log/slog"
	"sync"
	"time"
)

// ToolLifecycleListener observes tool invocations. Implementations must be
// re-entrant and must not block; panics are contained and never reach the run.
type ToolLifecycleListener interface {
	OnStart(toolName, fingerprint string)
	OnSuccess(toolName string, result any, latency time.Duration)
	OnError(toolName string, err error, latency time.Duration)
	OnCacheHit(toolName string)
}

// ToolCallEventType classifies a tool call event.
type ToolCallEventType string

const (
	ToolCallStart    ToolCallEventType = "start"
	ToolCallResult   ToolCallEventType = "result"
	ToolCallError    ToolCallEventType = "error"
	ToolCallCacheHit ToolCallEventType = "cache_hit"
)

// ToolCallEvent is one notification on the tool call event bus.
type ToolCallEvent struct {
	Type        ToolCallEventType
	ToolName    string
	Fingerprint string
	Result      any
	Err         error
	Latency     time.Duration
	At          time.Time
}

// ToolCallEventBus is the specialized notification path for tool invocations.
// Subscribers receive events on buffered channels; a full channel drops the
// event rather than block the run. Registered lifecycle listeners are invoked
// synchronously but panic-isolated.
type ToolCallEventBus struct {
	mu        sync.RWMutex
	subs      map[int]chan ToolCallEvent
	nextSub   int
	listeners []ToolLifecycleListener
	logger    *slog.Logger
}

// ToolCallEventBusOption configures a ToolCallEventBus.
type ToolCallEventBusOption func(*ToolCallEventBus)

// WithToolBusLogger sets the structured logger. Defaults to discard.
func WithToolBusLogger(l *slog.Logger) ToolCallEventBusOption {
	return func(b *ToolCallEventBus) { b.logger = l }
}

// NewToolCallEventBus creates an empty bus.
func NewToolCallEventBus(opts ...ToolCallEventBusOption) *ToolCallEventBus {
	b := &ToolCallEventBus{
		subs:   make(map[int]chan ToolCallEvent),
		logger: nopLogger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AddListener registers a lifecycle listener.
func (b *ToolCallEventBus) AddListener(l ToolLifecycleListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// Subscribe returns a channel receiving tool call events and an id for
// Unsubscribe. buffer bounds the channel; events beyond it are dropped.
func (b *ToolCallEventBus) Subscribe(buffer int) (int, <-chan ToolCallEvent) {
	if buffer <= 0 {
		buffer = 16
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSub
	b.nextSub++
	ch := make(chan ToolCallEvent, buffer)
	b.subs[id] = ch
	return id, ch
}

// Unsubscribe closes and removes the subscription. Idempotent.
func (b *ToolCallEventBus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		close(ch)
		delete(b.subs, id)
	}
}

func (b *ToolCallEventBus) publish(ev ToolCallEvent) {
	if b == nil {
		return
	}
	ev.At = time.Now()
	// Channel sends stay under the read lock so Unsubscribe cannot close a
	// channel mid-send; sends are non-blocking so the lock is held briefly.
	b.mu.RLock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("tool event dropped, subscriber full", "tool", ev.ToolName, "type", ev.Type)
		}
	}
	listeners := append([]ToolLifecycleListener(nil), b.listeners...)
	b.mu.RUnlock()

	for _, l := range listeners {
		b.notify(l, ev)
	}
}

// notify dispatches one event to one listener with panic isolation.
func (b *ToolCallEventBus) notify(l ToolLifecycleListener, ev ToolCallEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("tool lifecycle listener panicked", "tool", ev.ToolName, "panic", r)
		}
	}()
	switch ev.Type {
	case ToolCallStart:
		l.OnStart(ev.ToolName, ev.Fingerprint)
	case ToolCallResult:
		l.OnSuccess(ev.ToolName, ev.Result, ev.Latency)
	case ToolCallError:
		l.OnError(ev.ToolName, ev.Err, ev.Latency)
	case ToolCallCacheHit:
		l.OnCacheHit(ev.ToolName)
	}
}

// Emit helpers tolerate a nil bus so call sites stay unconditional.

func (b *ToolCallEventBus) emitStart(tool, fingerprint string) {
	b.publish(ToolCallEvent{Type: ToolCallStart, ToolName: tool, Fingerprint: fingerprint})
}

func (b *ToolCallEventBus) emitSuccess(tool string, result any, latency time.Duration) {
	b.publish(ToolCallEvent{Type: ToolCallResult, ToolName: tool, Result: result, Latency: latency})
}

func (b *ToolCallEventBus) emitError(tool string, err error, latency time.Duration) {
	b.publish(ToolCallEvent{Type: ToolCallError, ToolName: tool, Err: err, Latency: latency})
}

func (b *ToolCallEventBus) emitCacheHit(tool string) {
	b.publish(ToolCallEvent{Type: ToolCallCacheHit, ToolName: tool})
}
