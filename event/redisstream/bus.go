// Package redisstream backs the event.Bus contract with Redis Streams.
// Publish appends to a per-channel stream (XADD); subscriptions form consumer
// groups (XREADGROUP) so envelopes are delivered once per group and
// acknowledged after the handler settles.
package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/no-ai-labs/spice/event"
)

const (
	// envelopeField is the stream entry field carrying the JSON envelope.
	envelopeField = "envelope"
	// defaultGroup is used when a subscription does not name a consumer group.
	defaultGroup = "spice"
	// blockInterval bounds each XREADGROUP wait so readers notice shutdown.
	blockInterval = 2 * time.Second
)

// streamKey namespaces channel streams in the keyspace shared with other
// engine state.
func streamKey(channel string) string {
	return "spice:events:" + channel
}

// Options configures a Bus.
type Options struct {
	// Client is the shared Redis client. Required.
	Client *redis.Client
	// Group is the consumer-group name for all subscriptions on this bus.
	Group string
	// Retries is the redelivery budget before dead-lettering. Default 3.
	Retries int
	// DLQ receives exhausted envelopes. Optional.
	DLQ *event.DeadLetterQueue
	// Logger defaults to slog.Default.
	Logger *slog.Logger
	// MaxLen caps each stream with approximate trimming; zero disables.
	MaxLen int64
}

// Bus is the Redis Streams event.Bus backend.
type Bus struct {
	rdb     *redis.Client
	group   string
	retries int
	dlq     *event.DeadLetterQueue
	logger  *slog.Logger
	maxLen  int64

	mu     sync.Mutex
	cancel map[string]context.CancelFunc // subscription id -> reader stop
	closed bool
	wg     sync.WaitGroup
}

// New creates a Redis Streams bus.
func New(opts Options) (*Bus, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("redisstream: redis client is required")
	}
	if opts.Group == "" {
		opts.Group = defaultGroup
	}
	if opts.Retries == 0 {
		opts.Retries = 3
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Bus{
		rdb:     opts.Client,
		group:   opts.Group,
		retries: opts.Retries,
		dlq:     opts.DLQ,
		logger:  opts.Logger,
		maxLen:  opts.MaxLen,
		cancel:  map[string]context.CancelFunc{},
	}, nil
}

// Publish appends the envelope to the channel's stream. Success means the
// entry is durably in the log.
func (b *Bus) Publish(ctx context.Context, e event.Envelope) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("redisstream: encode envelope: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: streamKey(e.Channel),
		Values: map[string]any{envelopeField: string(body)},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}
	if err := b.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redisstream: publish to %s: %w", e.Channel, err)
	}
	return nil
}

// Subscribe joins the bus's consumer group on the channel's stream and starts
// a reader goroutine. The group is created at the stream head if absent.
func (b *Bus) Subscribe(channel string, h event.Handler, _ ...event.SubscribeOption) (string, error) {
	if channel == "" {
		return "", fmt.Errorf("redisstream: empty channel")
	}
	if h == nil {
		return "", fmt.Errorf("redisstream: nil handler")
	}

	key := streamKey(channel)
	err := b.rdb.XGroupCreateMkStream(context.Background(), key, b.group, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return "", fmt.Errorf("redisstream: create group %s on %s: %w", b.group, channel, err)
	}

	subID, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("redisstream: subscription id: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		return "", event.ErrBusClosed
	}
	b.cancel[subID.String()] = cancel
	b.wg.Add(1)
	b.mu.Unlock()

	go b.consume(ctx, key, channel, subID.String(), h)
	return subID.String(), nil
}

// Unsubscribe stops the subscription's reader. Idempotent.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	cancel, ok := b.cancel[id]
	if ok {
		delete(b.cancel, id)
	}
	b.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Close stops all readers and waits for them to drain. The Redis client is
// owned by the caller and stays open.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, cancel := range b.cancel {
		cancel()
	}
	b.cancel = map[string]context.CancelFunc{}
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

// consume reads the group's pending share of the stream. Entries acknowledge
// after delivery settles, whether the handler succeeded or the envelope was
// dead-lettered, so poison entries do not wedge the group.
func (b *Bus) consume(ctx context.Context, key, channel, consumer string, h event.Handler) {
	defer b.wg.Done()
	for {
		streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: consumer,
			Streams:  []string{key, ">"},
			Count:    16,
			Block:    blockInterval,
		}).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			b.logger.Warn("stream read failed", "channel", channel, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(blockInterval):
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				b.deliver(ctx, channel, msg, h)
				if err := b.rdb.XAck(ctx, key, b.group, msg.ID).Err(); err != nil && ctx.Err() == nil {
					b.logger.Warn("stream ack failed", "channel", channel, "id", msg.ID, "error", err)
				}
			}
		}
	}
}

func (b *Bus) deliver(ctx context.Context, channel string, msg redis.XMessage, h event.Handler) {
	raw, _ := msg.Values[envelopeField].(string)
	var e event.Envelope
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		b.logger.Warn("dropping malformed stream entry", "channel", channel, "id", msg.ID, "error", err)
		return
	}

	var lastErr error
	for attempt := 0; attempt <= b.retries; attempt++ {
		lastErr = b.invoke(ctx, h, e)
		if lastErr == nil {
			return
		}
		b.logger.Warn("event handler failed",
			"channel", channel, "type", e.Type, "attempt", attempt, "error", lastErr)
	}
	if b.dlq != nil {
		b.dlq.Add(e, lastErr.Error(), string(debug.Stack()))
		return
	}
	b.logger.Warn("dropping undeliverable envelope, no dlq configured",
		"channel", channel, "type", e.Type, "error", lastErr)
}

func (b *Bus) invoke(ctx context.Context, h event.Handler, e event.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, e)
}

// isBusyGroup matches the XGROUP CREATE error for an existing group.
func isBusyGroup(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}
