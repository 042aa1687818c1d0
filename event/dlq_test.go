package event

import (
	"errors"
	"testing"
)

func TestDLQAddAndGet(t *testing.T) {
	q := NewDeadLetterQueue()
	e := mustEnvelope(t, "orders", "order.created", "1.0.0", `{"id":1}`)
	q.Add(e, "handler failed", "stack trace")

	if q.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", q.Size())
	}
	entry, ok := q.Get(e.ID)
	if !ok {
		t.Fatal("Get missed a stored entry")
	}
	if entry.Reason != "handler failed" {
		t.Errorf("Reason = %q, want %q", entry.Reason, "handler failed")
	}
	if entry.Stack != "stack trace" {
		t.Errorf("Stack = %q, want %q", entry.Stack, "stack trace")
	}
	if entry.AddedAt.IsZero() {
		t.Error("AddedAt unset")
	}
}

func TestDLQPerChannelEviction(t *testing.T) {
	var evicted []DLQEntry
	q := NewDeadLetterQueue(
		WithMaxSizePerChannel(2),
		WithOnEvict(func(e DLQEntry) { evicted = append(evicted, e) }),
	)

	first := mustEnvelope(t, "orders", "t", "1.0.0", "p1")
	second := mustEnvelope(t, "orders", "t", "1.0.0", "p2")
	third := mustEnvelope(t, "orders", "t", "1.0.0", "p3")
	q.Add(first, "fail", "")
	q.Add(second, "fail", "")
	q.Add(third, "fail", "")

	// The channel keeps its two newest entries; the oldest was evicted once.
	if got := len(q.List("orders")); got != 2 {
		t.Fatalf("len(List) = %d, want 2", got)
	}
	if _, ok := q.Get(first.ID); ok {
		t.Error("oldest entry survived the eviction")
	}
	if _, ok := q.Get(second.ID); !ok {
		t.Error("second entry was evicted")
	}
	if _, ok := q.Get(third.ID); !ok {
		t.Error("newest entry was evicted")
	}
	if len(evicted) != 1 {
		t.Fatalf("onEvict fired %d times, want 1", len(evicted))
	}
	if evicted[0].Envelope.ID != first.ID {
		t.Errorf("evicted entry = %s, want the oldest (%s)", evicted[0].Envelope.ID, first.ID)
	}
	if stats := q.Stats(); stats.TotalEvicted != 1 {
		t.Errorf("Stats().TotalEvicted = %d, want 1", stats.TotalEvicted)
	}
}

func TestDLQGlobalEviction(t *testing.T) {
	q := NewDeadLetterQueue(WithMaxSize(2))
	a := mustEnvelope(t, "a", "t", "1.0.0", "p")
	b := mustEnvelope(t, "b", "t", "1.0.0", "p")
	c := mustEnvelope(t, "c", "t", "1.0.0", "p")
	q.Add(a, "fail", "")
	q.Add(b, "fail", "")
	q.Add(c, "fail", "")

	if q.Size() != 2 {
		t.Fatalf("Size() = %d, want 2", q.Size())
	}
	if _, ok := q.Get(a.ID); ok {
		t.Error("globally oldest entry survived the eviction")
	}
}

func TestDLQListByChannel(t *testing.T) {
	q := NewDeadLetterQueue()
	q.Add(mustEnvelope(t, "orders", "t", "1.0.0", "p"), "fail", "")
	q.Add(mustEnvelope(t, "billing", "t", "1.0.0", "p"), "fail", "")
	q.Add(mustEnvelope(t, "orders", "t", "1.0.0", "p"), "fail", "")

	if got := len(q.List("orders")); got != 2 {
		t.Errorf("len(List(orders)) = %d, want 2", got)
	}
	if got := len(q.List("billing")); got != 1 {
		t.Errorf("len(List(billing)) = %d, want 1", got)
	}
	if got := len(q.List("")); got != 3 {
		t.Errorf("len(List(all)) = %d, want 3", got)
	}
}

func TestDLQRetry(t *testing.T) {
	q := NewDeadLetterQueue()
	e := mustEnvelope(t, "orders", "t", "1.0.0", "p")
	q.Add(e, "fail", "")

	got, err := q.Retry(e.ID)
	if err != nil {
		t.Fatalf("Retry returned unexpected error: %v", err)
	}
	if got.ID != e.ID {
		t.Errorf("Retry envelope id = %s, want %s", got.ID, e.ID)
	}
	// Retry is bookkeeping only: the entry stays until removed explicitly.
	entry, ok := q.Get(e.ID)
	if !ok {
		t.Fatal("entry removed by Retry")
	}
	if entry.Retries != 1 {
		t.Errorf("Retries = %d, want 1", entry.Retries)
	}
	if entry.LastRetryAt.IsZero() {
		t.Error("LastRetryAt unset after Retry")
	}

	_, err = q.Retry("missing-id")
	if !errors.Is(err, ErrDLQEntryMissing) {
		t.Errorf("Retry(missing) error = %v, want ErrDLQEntryMissing", err)
	}
}

func TestDLQRemove(t *testing.T) {
	q := NewDeadLetterQueue()
	e := mustEnvelope(t, "orders", "t", "1.0.0", "p")
	q.Add(e, "fail", "")

	q.Remove(e.ID)
	if q.Size() != 0 {
		t.Errorf("Size() = %d after Remove, want 0", q.Size())
	}
	// Idempotent.
	q.Remove(e.ID)
}

func TestDLQStats(t *testing.T) {
	q := NewDeadLetterQueue()
	q.Add(mustEnvelope(t, "orders", "t", "1.0.0", "p"), "handler failed", "")
	q.Add(mustEnvelope(t, "orders", "t", "1.0.0", "p"), "incompatible schema", "")
	q.Add(mustEnvelope(t, "billing", "t", "1.0.0", "p"), "handler failed", "")

	stats := q.Stats()
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.PerChannel["orders"] != 2 || stats.PerChannel["billing"] != 1 {
		t.Errorf("PerChannel = %v, want orders:2 billing:1", stats.PerChannel)
	}
	if stats.PerReason["handler failed"] != 2 {
		t.Errorf(`PerReason["handler failed"] = %d, want 2`, stats.PerReason["handler failed"])
	}
	if stats.Oldest.IsZero() || stats.Newest.IsZero() {
		t.Error("Oldest/Newest unset")
	}
}
