package event

import (
	"errors"
	"sync"
	"time"
)

// ErrDLQEntryMissing marks a Retry or Get against an unknown entry id.
var ErrDLQEntryMissing = errors.New("dlq entry not found")

// DLQEntry is one captured undeliverable envelope.
type DLQEntry struct {
	Envelope    Envelope
	Channel     string
	Reason      string
	Stack       string
	AddedAt     time.Time
	Retries     int
	LastRetryAt time.Time
}

// DLQStats is a point-in-time snapshot of queue occupancy.
type DLQStats struct {
	Total        int
	PerChannel   map[string]int
	PerReason    map[string]int
	Oldest       time.Time
	Newest       time.Time
	TotalEvicted int
}

// EvictFunc observes an entry the moment it is dropped by capacity limits.
type EvictFunc func(DLQEntry)

type dlqConfig struct {
	maxSize           int
	maxSizePerChannel int
	onEvict           EvictFunc
}

// DLQOption configures a DeadLetterQueue.
type DLQOption func(*dlqConfig)

// WithMaxSize bounds the queue globally; zero means unbounded.
func WithMaxSize(n int) DLQOption {
	return func(c *dlqConfig) { c.maxSize = n }
}

// WithMaxSizePerChannel bounds each channel; zero means unbounded.
func WithMaxSizePerChannel(n int) DLQOption {
	return func(c *dlqConfig) { c.maxSizePerChannel = n }
}

// WithOnEvict installs the eviction hook. The hook runs synchronously inside
// Add, so it must be fast and must not call back into the queue.
func WithOnEvict(fn EvictFunc) DLQOption {
	return func(c *dlqConfig) { c.onEvict = fn }
}

// DeadLetterQueue is a bounded, per-channel capture of undeliverable
// envelopes. Eviction is FIFO: the channel limit evicts the oldest entry of
// that channel, the global limit evicts the oldest entry overall. Safe for
// concurrent use.
type DeadLetterQueue struct {
	cfg dlqConfig

	mu      sync.Mutex
	entries []*DLQEntry // global FIFO, oldest first
	byID    map[string]*DLQEntry
	evicted int
}

// NewDeadLetterQueue creates a queue with the given bounds.
func NewDeadLetterQueue(opts ...DLQOption) *DeadLetterQueue {
	var cfg dlqConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return &DeadLetterQueue{cfg: cfg, byID: map[string]*DLQEntry{}}
}

// Add captures an undeliverable envelope with its failure reason, evicting
// oldest entries as needed to respect the bounds.
func (q *DeadLetterQueue) Add(e Envelope, reason, stack string) {
	entry := &DLQEntry{
		Envelope: e,
		Channel:  e.Channel,
		Reason:   reason,
		Stack:    stack,
		AddedAt:  time.Now(),
	}

	q.mu.Lock()
	var evicted []*DLQEntry
	if q.cfg.maxSizePerChannel > 0 && q.channelSizeLocked(e.Channel) >= q.cfg.maxSizePerChannel {
		if victim := q.removeOldestLocked(e.Channel); victim != nil {
			evicted = append(evicted, victim)
		}
	}
	if q.cfg.maxSize > 0 && len(q.entries) >= q.cfg.maxSize {
		if victim := q.removeOldestLocked(""); victim != nil {
			evicted = append(evicted, victim)
		}
	}
	q.entries = append(q.entries, entry)
	q.byID[e.ID] = entry
	q.evicted += len(evicted)
	onEvict := q.cfg.onEvict
	q.mu.Unlock()

	// Hook runs outside the lock so it can inspect the queue-less entry
	// without deadlocking.
	if onEvict != nil {
		for _, victim := range evicted {
			onEvict(*victim)
		}
	}
}

// channelSizeLocked counts entries for one channel.
func (q *DeadLetterQueue) channelSizeLocked(channel string) int {
	n := 0
	for _, e := range q.entries {
		if e.Channel == channel {
			n++
		}
	}
	return n
}

// removeOldestLocked removes and returns the oldest entry, restricted to one
// channel when channel is non-empty.
func (q *DeadLetterQueue) removeOldestLocked(channel string) *DLQEntry {
	for i, e := range q.entries {
		if channel != "" && e.Channel != channel {
			continue
		}
		q.entries = append(q.entries[:i], q.entries[i+1:]...)
		delete(q.byID, e.Envelope.ID)
		return e
	}
	return nil
}

// Get returns the entry holding the envelope with the given id.
func (q *DeadLetterQueue) Get(envelopeID string) (DLQEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[envelopeID]
	if !ok {
		return DLQEntry{}, false
	}
	return *e, true
}

// List returns the entries for a channel, oldest first. An empty channel
// lists everything.
func (q *DeadLetterQueue) List(channel string) []DLQEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []DLQEntry
	for _, e := range q.entries {
		if channel == "" || e.Channel == channel {
			out = append(out, *e)
		}
	}
	return out
}

// Retry increments the entry's retry bookkeeping and returns the envelope for
// the caller to republish. The queue never republishes on its own.
func (q *DeadLetterQueue) Retry(envelopeID string) (Envelope, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[envelopeID]
	if !ok {
		return Envelope{}, ErrDLQEntryMissing
	}
	e.Retries++
	e.LastRetryAt = time.Now()
	return e.Envelope, nil
}

// Remove drops an entry, typically after a successful retry. Removing an
// unknown id is not an error.
func (q *DeadLetterQueue) Remove(envelopeID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[envelopeID]
	if !ok {
		return
	}
	delete(q.byID, envelopeID)
	for i, cur := range q.entries {
		if cur == e {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
}

// Size returns the current number of captured entries.
func (q *DeadLetterQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Stats snapshots occupancy, per-channel and per-reason counts, the age
// bounds, and the lifetime eviction counter.
func (q *DeadLetterQueue) Stats() DLQStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := DLQStats{
		Total:        len(q.entries),
		PerChannel:   map[string]int{},
		PerReason:    map[string]int{},
		TotalEvicted: q.evicted,
	}
	for _, e := range q.entries {
		stats.PerChannel[e.Channel]++
		stats.PerReason[e.Reason]++
		if stats.Oldest.IsZero() || e.AddedAt.Before(stats.Oldest) {
			stats.Oldest = e.AddedAt
		}
		if e.AddedAt.After(stats.Newest) {
			stats.Newest = e.AddedAt
		}
	}
	return stats
}
