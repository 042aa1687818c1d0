package event

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestMemoryBusDelivery(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	var mu sync.Mutex
	var got []string
	if _, err := bus.Subscribe("orders", func(_ context.Context, e Envelope) error {
		mu.Lock()
		got = append(got, e.Payload)
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("Subscribe returned unexpected error: %v", err)
	}

	for _, p := range []string{"p1", "p2", "p3"} {
		if err := bus.Publish(context.Background(), mustEnvelope(t, "orders", "t", "1.0.0", p)); err != nil {
			t.Fatalf("Publish returned unexpected error: %v", err)
		}
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	// FIFO per subscription.
	for i, want := range []string{"p1", "p2", "p3"} {
		if got[i] != want {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want)
		}
	}
}

func TestMemoryBusChannelIsolation(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	var mu sync.Mutex
	delivered := 0
	if _, err := bus.Subscribe("billing", func(context.Context, Envelope) error {
		mu.Lock()
		delivered++
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("Subscribe returned unexpected error: %v", err)
	}

	if err := bus.Publish(context.Background(), mustEnvelope(t, "orders", "t", "1.0.0", "p")); err != nil {
		t.Fatalf("Publish returned unexpected error: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if delivered != 0 {
		t.Errorf("billing subscriber received %d envelopes from the orders channel", delivered)
	}
}

func TestMemoryBusRetriesThenDeadLetters(t *testing.T) {
	dlq := NewDeadLetterQueue()
	bus := NewMemoryBus(WithRetries(2), WithDLQ(dlq))
	defer bus.Close()

	var mu sync.Mutex
	attempts := 0
	if _, err := bus.Subscribe("orders", func(context.Context, Envelope) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errors.New("handler down")
	}); err != nil {
		t.Fatalf("Subscribe returned unexpected error: %v", err)
	}

	e := mustEnvelope(t, "orders", "t", "1.0.0", "p")
	if err := bus.Publish(context.Background(), e); err != nil {
		t.Fatalf("Publish returned unexpected error: %v", err)
	}

	waitFor(t, func() bool { return dlq.Size() == 1 })
	mu.Lock()
	if attempts != 3 {
		t.Errorf("handler attempts = %d, want 3 (first try + 2 retries)", attempts)
	}
	mu.Unlock()

	entry, ok := dlq.Get(e.ID)
	if !ok {
		t.Fatal("envelope missing from the dlq")
	}
	if entry.Reason != "handler down" {
		t.Errorf("Reason = %q, want %q", entry.Reason, "handler down")
	}
	if entry.Stack == "" {
		t.Error("dead-lettered entry carries no stack")
	}
}

func TestMemoryBusHandlerPanicDeadLetters(t *testing.T) {
	dlq := NewDeadLetterQueue()
	bus := NewMemoryBus(WithRetries(0), WithDLQ(dlq))
	defer bus.Close()

	if _, err := bus.Subscribe("orders", func(context.Context, Envelope) error {
		panic("handler exploded")
	}); err != nil {
		t.Fatalf("Subscribe returned unexpected error: %v", err)
	}
	if err := bus.Publish(context.Background(), mustEnvelope(t, "orders", "t", "1.0.0", "p")); err != nil {
		t.Fatalf("Publish returned unexpected error: %v", err)
	}
	waitFor(t, func() bool { return dlq.Size() == 1 })
}

func TestMemoryBusSchemaGate(t *testing.T) {
	registry := NewSchemaRegistry()
	for _, v := range []string{"1.0.0", "2.0.0"} {
		if err := registry.Register("order.created", v, nil); err != nil {
			t.Fatalf("Register returned unexpected error: %v", err)
		}
	}
	dlq := NewDeadLetterQueue()
	bus := NewMemoryBus(WithSchemaRegistry(registry), WithDLQ(dlq))
	defer bus.Close()

	var mu sync.Mutex
	delivered := 0
	if _, err := bus.Subscribe("orders", func(context.Context, Envelope) error {
		mu.Lock()
		delivered++
		mu.Unlock()
		return nil
	}, WithExpectedSchema("order.created", "1.0.0")); err != nil {
		t.Fatalf("Subscribe returned unexpected error: %v", err)
	}

	ok := mustEnvelope(t, "orders", "order.created", "1.0.0", "p")
	crossMajor := mustEnvelope(t, "orders", "order.created", "2.0.0", "p")
	if err := bus.Publish(context.Background(), ok); err != nil {
		t.Fatalf("Publish returned unexpected error: %v", err)
	}
	if err := bus.Publish(context.Background(), crossMajor); err != nil {
		t.Fatalf("Publish returned unexpected error: %v", err)
	}

	waitFor(t, func() bool { return dlq.Size() == 1 })
	mu.Lock()
	if delivered != 1 {
		t.Errorf("delivered = %d, want 1", delivered)
	}
	mu.Unlock()
	entry, found := dlq.Get(crossMajor.ID)
	if !found {
		t.Fatal("incompatible envelope missing from the dlq")
	}
	if entry.Reason != "incompatible schema" {
		t.Errorf("Reason = %q, want %q", entry.Reason, "incompatible schema")
	}
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	var mu sync.Mutex
	delivered := 0
	id, err := bus.Subscribe("orders", func(context.Context, Envelope) error {
		mu.Lock()
		delivered++
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe returned unexpected error: %v", err)
	}
	if err := bus.Unsubscribe(id); err != nil {
		t.Fatalf("Unsubscribe returned unexpected error: %v", err)
	}

	if err := bus.Publish(context.Background(), mustEnvelope(t, "orders", "t", "1.0.0", "p")); err != nil {
		t.Fatalf("Publish returned unexpected error: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if delivered != 0 {
		t.Errorf("delivered = %d after Unsubscribe, want 0", delivered)
	}
}

func TestMemoryBusClosed(t *testing.T) {
	bus := NewMemoryBus()
	if err := bus.Close(); err != nil {
		t.Fatalf("Close returned unexpected error: %v", err)
	}
	err := bus.Publish(context.Background(), mustEnvelope(t, "orders", "t", "1.0.0", "p"))
	if !errors.Is(err, ErrBusClosed) {
		t.Errorf("Publish after Close error = %v, want ErrBusClosed", err)
	}
	if _, err := bus.Subscribe("orders", func(context.Context, Envelope) error { return nil }); !errors.Is(err, ErrBusClosed) {
		t.Errorf("Subscribe after Close error = %v, want ErrBusClosed", err)
	}
	// Idempotent.
	if err := bus.Close(); err != nil {
		t.Errorf("second Close returned unexpected error: %v", err)
	}
}

func TestMemoryBusRejectsInvalidEnvelope(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()
	if err := bus.Publish(context.Background(), Envelope{Channel: "orders"}); err == nil {
		t.Fatal("Publish accepted an invalid envelope")
	}
}
