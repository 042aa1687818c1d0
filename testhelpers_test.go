package spice

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/no-ai-labs/spice/event"
)

// --- Agent and node mocks (shared across runner_test.go, subgraph_test.go) ---

// prefixAgent replies with "<prefix>: <content>".
type prefixAgent struct {
	name   string
	prefix string
	err    error
}

func (a *prefixAgent) Name() string { return a.name }

func (a *prefixAgent) Execute(_ context.Context, msg Message) (Message, error) {
	if a.err != nil {
		return Message{}, a.err
	}
	return Message{Content: a.prefix + ": " + msg.Content}, nil
}

// funcNode runs an arbitrary function as a node.
type funcNode struct {
	id string
	fn func(ctx context.Context, msg Message) (Message, error)
}

func (n *funcNode) ID() string { return n.id }

func (n *funcNode) Run(ctx context.Context, msg Message) (Message, error) {
	return n.fn(ctx, msg)
}

// --- Tool mocks ---

// countingTool uppercases data["text"] (or args["text"]) and counts
// invocations.
type countingTool struct {
	name  string
	err   error
	delay time.Duration

	mu    sync.Mutex
	calls int
}

func (t *countingTool) Name() string { return t.name }

func (t *countingTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	t.mu.Lock()
	t.calls++
	t.mu.Unlock()
	if t.delay > 0 {
		select {
		case <-time.After(t.delay):
		case <-ctx.Done():
			return ToolResult{}, ctx.Err()
		}
	}
	if t.err != nil {
		return ToolResult{}, t.err
	}
	text, _ := args["text"].(string)
	upper := make([]byte, len(text))
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		upper[i] = c
	}
	return ToolResult{Content: string(upper)}, nil
}

func (t *countingTool) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

// --- Transformer mocks ---

// recordingTransformer appends every hook it sees to calls.
type recordingTransformer struct {
	BaseTransformer
	mu    sync.Mutex
	label string
	calls []string
}

func (t *recordingTransformer) record(entry string) {
	t.mu.Lock()
	t.calls = append(t.calls, entry)
	t.mu.Unlock()
}

func (t *recordingTransformer) recorded() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

func (t *recordingTransformer) BeforeExecution(_ context.Context, _ *Graph, msg Message) (Message, error) {
	t.record(t.label + ":beforeExecution")
	return msg, nil
}

func (t *recordingTransformer) BeforeNode(_ context.Context, _ *Graph, nodeID string, msg Message) (Message, error) {
	t.record(t.label + ":beforeNode:" + nodeID)
	return msg, nil
}

func (t *recordingTransformer) AfterNode(_ context.Context, _ *Graph, nodeID string, _ Message, out Message) (Message, error) {
	t.record(t.label + ":afterNode:" + nodeID)
	return out, nil
}

func (t *recordingTransformer) AfterExecution(_ context.Context, _ *Graph, _ Message, out Message) (Message, error) {
	t.record(t.label + ":afterExecution")
	return out, nil
}

// --- Tool lifecycle listener mock ---

type recordingListener struct {
	mu        sync.Mutex
	starts    int
	successes int
	errors    int
	cacheHits int
}

func (l *recordingListener) OnStart(string, string) {
	l.mu.Lock()
	l.starts++
	l.mu.Unlock()
}

func (l *recordingListener) OnSuccess(string, any, time.Duration) {
	l.mu.Lock()
	l.successes++
	l.mu.Unlock()
}

func (l *recordingListener) OnError(string, error, time.Duration) {
	l.mu.Lock()
	l.errors++
	l.mu.Unlock()
}

func (l *recordingListener) OnCacheHit(string) {
	l.mu.Lock()
	l.cacheHits++
	l.mu.Unlock()
}

func (l *recordingListener) counts() (starts, successes, errs, hits int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.starts, l.successes, l.errors, l.cacheHits
}

// --- Event bus fake ---

// recordingBus appends published event types to a caller-owned slice.
type recordingBus struct {
	mu   sync.Mutex
	seen *[]string
}

func newRecordingBus(seen *[]string) *recordingBus {
	return &recordingBus{seen: seen}
}

func (b *recordingBus) Publish(_ context.Context, e event.Envelope) error {
	b.mu.Lock()
	*b.seen = append(*b.seen, e.Type)
	b.mu.Unlock()
	return nil
}

func (b *recordingBus) Subscribe(string, event.Handler, ...event.SubscribeOption) (string, error) {
	return "", nil
}

func (b *recordingBus) Unsubscribe(string) error { return nil }

func (b *recordingBus) Close() error { return nil }

// --- Store fakes ---
//
// The root package cannot import store/memory without an import cycle, so the
// tests here carry their own map-backed stores.

type memCheckpoints struct {
	mu    sync.Mutex
	items map[string]Checkpoint
	saves int
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{items: map[string]Checkpoint{}}
}

func (s *memCheckpoints) Save(_ context.Context, c Checkpoint) (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}
	if c.ID == "" {
		c.ID = NewID()
	}
	s.mu.Lock()
	s.items[c.ID] = c
	s.saves++
	s.mu.Unlock()
	return c.ID, nil
}

func (s *memCheckpoints) Load(_ context.Context, id string) (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.items[id]
	if !ok {
		return Checkpoint{}, fmt.Errorf("checkpoint %s: %w", id, ErrCheckpointMissing)
	}
	return c, nil
}

func (s *memCheckpoints) ListByGraph(_ context.Context, graphID string) ([]Checkpoint, error) {
	return s.list(func(c Checkpoint) bool { return c.GraphID == graphID }), nil
}

func (s *memCheckpoints) ListByRun(_ context.Context, runID string) ([]Checkpoint, error) {
	return s.list(func(c Checkpoint) bool { return c.RunID == runID }), nil
}

func (s *memCheckpoints) list(keep func(Checkpoint) bool) []Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Checkpoint
	for _, c := range s.items {
		if keep(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (s *memCheckpoints) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.items, id)
	s.mu.Unlock()
	return nil
}

func (s *memCheckpoints) DeleteByRun(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.items {
		if c.RunID == runID {
			delete(s.items, id)
		}
	}
	return nil
}

func (s *memCheckpoints) DeleteExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	n := 0
	for id, c := range s.items {
		if c.Expired(now) {
			delete(s.items, id)
			n++
		}
	}
	return n, nil
}

func (s *memCheckpoints) Exists(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[id]
	return ok, nil
}

func (s *memCheckpoints) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

type memCache struct {
	mu    sync.Mutex
	items map[string]CacheEntry
}

func newMemCache() *memCache {
	return &memCache{items: map[string]CacheEntry{}}
}

func (s *memCache) Get(_ context.Context, key string) (CacheEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[key]
	return e, ok, nil
}

func (s *memCache) Put(_ context.Context, entry CacheEntry) error {
	s.mu.Lock()
	s.items[entry.Key] = entry
	s.mu.Unlock()
	return nil
}

func (s *memCache) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

func (s *memCache) DeleteExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	n := 0
	for key, e := range s.items {
		if e.Expired(now) {
			delete(s.items, key)
			n++
		}
	}
	return n, nil
}
