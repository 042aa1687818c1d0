package spice

import (
	"testing"
	"time"
)

func TestCheckpointValidate(t *testing.T) {
	valid := Checkpoint{
		RunID:   "r1",
		GraphID: "g1",
		State:   map[string]any{"k": "v"},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate returned unexpected error: %v", err)
	}

	tests := []struct {
		name string
		cp   Checkpoint
	}{
		{"empty run id", Checkpoint{GraphID: "g1"}},
		{"empty graph id", Checkpoint{RunID: "r1"}},
		{"unserializable state", Checkpoint{
			RunID: "r1", GraphID: "g1",
			State: map[string]any{"ch": make(chan int)},
		}},
		{"unserializable metadata", Checkpoint{
			RunID: "r1", GraphID: "g1",
			Metadata: map[string]any{"fn": func() {}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cp.Validate(); err == nil {
				t.Error("Validate accepted an invalid checkpoint")
			}
		})
	}
}

func TestCheckpointEncodeDecode(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	cp := Checkpoint{
		ID:            "cp1",
		RunID:         "r1",
		GraphID:       "g1",
		CurrentNodeID: "review",
		State:         map[string]any{"draft": "text"},
		Metadata:      map[string]any{MetaUserID: "u1"},
		PendingInteraction: &HumanInteraction{
			ID:      "i1",
			NodeID:  "review",
			Prompt:  "Approve?",
			Options: []string{"yes", "no"},
		},
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}

	blob, err := cp.Encode()
	if err != nil {
		t.Fatalf("Encode returned unexpected error: %v", err)
	}
	got, err := DecodeCheckpoint(blob)
	if err != nil {
		t.Fatalf("DecodeCheckpoint returned unexpected error: %v", err)
	}

	if got.ID != cp.ID || got.RunID != cp.RunID || got.CurrentNodeID != cp.CurrentNodeID {
		t.Errorf("decoded identity = (%s, %s, %s), want (%s, %s, %s)",
			got.ID, got.RunID, got.CurrentNodeID, cp.ID, cp.RunID, cp.CurrentNodeID)
	}
	if got.State["draft"] != "text" {
		t.Errorf(`State["draft"] = %v, want "text"`, got.State["draft"])
	}
	if got.PendingInteraction == nil || got.PendingInteraction.Prompt != "Approve?" {
		t.Errorf("PendingInteraction = %+v, want the original prompt", got.PendingInteraction)
	}
	if !got.ExpiresAt.Equal(cp.ExpiresAt) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, cp.ExpiresAt)
	}
}

func TestCheckpointExpired(t *testing.T) {
	now := time.Now()
	never := Checkpoint{RunID: "r", GraphID: "g"}
	if never.Expired(now) {
		t.Error("checkpoint without TTL reported expired")
	}
	live := Checkpoint{RunID: "r", GraphID: "g", ExpiresAt: now.Add(time.Minute)}
	if live.Expired(now) {
		t.Error("live checkpoint reported expired")
	}
	dead := Checkpoint{RunID: "r", GraphID: "g", ExpiresAt: now.Add(-time.Minute)}
	if !dead.Expired(now) {
		t.Error("stale checkpoint reported live")
	}
}

func TestDecodeCheckpointRejectsGarbage(t *testing.T) {
	if _, err := DecodeCheckpoint([]byte("{not json")); err == nil {
		t.Fatal("DecodeCheckpoint accepted malformed input")
	}
}
