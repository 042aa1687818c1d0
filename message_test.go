package spice

import (
	"errors"
	"testing"
)

func TestTransitionTo(t *testing.T) {
	tests := []struct {
		name    string
		from    State
		to      State
		wantErr bool
	}{
		{"ready to running", StateReady, StateRunning, false},
		{"running to waiting", StateRunning, StateWaiting, false},
		{"running to running", StateRunning, StateRunning, false},
		{"running to completed", StateRunning, StateCompleted, false},
		{"running to failed", StateRunning, StateFailed, false},
		{"waiting to running", StateWaiting, StateRunning, false},
		{"waiting to failed", StateWaiting, StateFailed, false},
		{"ready to completed", StateReady, StateCompleted, true},
		{"ready to waiting", StateReady, StateWaiting, true},
		{"waiting to completed", StateWaiting, StateCompleted, true},
		{"completed is terminal", StateCompleted, StateRunning, true},
		{"failed is terminal", StateFailed, StateRunning, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := NewMessage("hello")
			msg.State = tt.from
			next, err := msg.TransitionTo(tt.to, "test")
			if tt.wantErr {
				if !errors.Is(err, ErrIllegalTransition) {
					t.Fatalf("TransitionTo error = %v, want ErrIllegalTransition", err)
				}
				if next.State != tt.from {
					t.Errorf("State after failed transition = %v, want %v", next.State, tt.from)
				}
				return
			}
			if err != nil {
				t.Fatalf("TransitionTo returned unexpected error: %v", err)
			}
			if next.State != tt.to {
				t.Errorf("State = %v, want %v", next.State, tt.to)
			}
		})
	}
}

func TestTransitionHistory(t *testing.T) {
	msg := NewMessage("hello")
	msg.NodeID = "step1"

	running, err := msg.TransitionTo(StateRunning, "run started")
	if err != nil {
		t.Fatalf("TransitionTo returned unexpected error: %v", err)
	}
	waiting, err := running.TransitionTo(StateWaiting, "awaiting human input")
	if err != nil {
		t.Fatalf("TransitionTo returned unexpected error: %v", err)
	}

	if len(waiting.StateHistory) != 2 {
		t.Fatalf("len(StateHistory) = %d, want 2", len(waiting.StateHistory))
	}
	first := waiting.StateHistory[0]
	if first.From != StateReady || first.To != StateRunning {
		t.Errorf("StateHistory[0] = %v -> %v, want ready -> running", first.From, first.To)
	}
	if first.Reason != "run started" {
		t.Errorf("StateHistory[0].Reason = %q, want %q", first.Reason, "run started")
	}
	if first.NodeID != "step1" {
		t.Errorf("StateHistory[0].NodeID = %q, want %q", first.NodeID, "step1")
	}
	if first.At.IsZero() {
		t.Error("StateHistory[0].At is zero")
	}

	// Earlier snapshots keep their own history.
	if len(msg.StateHistory) != 0 {
		t.Errorf("original message history has %d entries, want 0", len(msg.StateHistory))
	}
	if len(running.StateHistory) != 1 {
		t.Errorf("intermediate message history has %d entries, want 1", len(running.StateHistory))
	}
}

func TestMessageValueSemantics(t *testing.T) {
	base := NewMessage("hello").WithData("key", "original")

	derived := base.WithData("key", "changed").WithData("extra", 1)
	if base.Data["key"] != "original" {
		t.Errorf(`base.Data["key"] = %v, want "original"`, base.Data["key"])
	}
	if _, ok := base.Data["extra"]; ok {
		t.Error("base.Data gained a key written to the derived message")
	}
	if derived.Data["key"] != "changed" {
		t.Errorf(`derived.Data["key"] = %v, want "changed"`, derived.Data["key"])
	}

	md := base.WithMetadata(MetaUserID, "u1")
	if _, ok := base.Metadata[MetaUserID]; ok {
		t.Error("base.Metadata gained a key written to the derived message")
	}
	if md.MetaString(MetaUserID) != "u1" {
		t.Errorf("MetaString(userId) = %q, want %q", md.MetaString(MetaUserID), "u1")
	}
}

func TestWithDataMapMerge(t *testing.T) {
	base := NewMessage("x").WithData("a", 1).WithData("b", 2)
	out := base.WithDataMap(map[string]any{"b": 20, "c": 3})

	if out.Data["a"] != 1 {
		t.Errorf(`Data["a"] = %v, want 1`, out.Data["a"])
	}
	if out.Data["b"] != 20 {
		t.Errorf(`Data["b"] = %v, want 20 (incoming wins)`, out.Data["b"])
	}
	if out.Data["c"] != 3 {
		t.Errorf(`Data["c"] = %v, want 3`, out.Data["c"])
	}
}

func TestMetaInt(t *testing.T) {
	msg := NewMessage("x").
		WithMetadata("int", 3).
		WithMetadata("int64", int64(4)).
		WithMetadata("float", float64(5)).
		WithMetadata("string", "6")

	tests := []struct {
		key  string
		want int
	}{
		{"int", 3},
		{"int64", 4},
		{"float", 5},
		{"string", 0},
		{"missing", 0},
	}
	for _, tt := range tests {
		if got := msg.MetaInt(tt.key); got != tt.want {
			t.Errorf("MetaInt(%q) = %d, want %d", tt.key, got, tt.want)
		}
	}
}
