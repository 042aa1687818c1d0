package spice

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Checkpoint is a durable snapshot of a paused run: everything the Runner
// needs to reconstruct the message and continue from the paused node, possibly
// on a different process. Backends persist all fields verbatim; the engine
// performs no schema migration.
type Checkpoint struct {
	ID            string         `json:"id"`
	RunID         string         `json:"run_id"`
	GraphID       string         `json:"graph_id"`
	CurrentNodeID string         `json:"current_node_id"`
	State         map[string]any `json:"state"`    // the paused message's data
	Metadata      map[string]any `json:"metadata"` // the paused message's metadata
	// PendingInteraction is present when suspension came from a Human or
	// DynamicHuman node.
	PendingInteraction *HumanInteraction `json:"pending_interaction,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	ExpiresAt          time.Time         `json:"expires_at,omitzero"`
}

// Expired reports whether the checkpoint's TTL has elapsed at now.
func (c Checkpoint) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// Validate rejects checkpoints whose state or metadata cannot round-trip
// through the registered serialization. Unknown value types must fail at save
// time, not be silently lost.
func (c Checkpoint) Validate() error {
	if c.RunID == "" {
		return fmt.Errorf("checkpoint: empty run id")
	}
	if c.GraphID == "" {
		return fmt.Errorf("checkpoint: empty graph id")
	}
	if _, err := json.Marshal(c.State); err != nil {
		return fmt.Errorf("checkpoint state not serializable: %w", err)
	}
	if _, err := json.Marshal(c.Metadata); err != nil {
		return fmt.Errorf("checkpoint metadata not serializable: %w", err)
	}
	return nil
}

// Encode renders the checkpoint as JSON. Backends that store a single blob
// use this as the persistence format.
func (c Checkpoint) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// DecodeCheckpoint parses a checkpoint previously produced by Encode.
func DecodeCheckpoint(data []byte) (Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return c, nil
}

// CheckpointStore is the persistence contract for suspension. Backends must be
// safe for concurrent use; checkpoint writes within a run are serialized by
// the Runner.
type CheckpointStore interface {
	// Save persists the checkpoint and returns its id.
	Save(ctx context.Context, c Checkpoint) (string, error)
	// Load returns the checkpoint or ErrCheckpointMissing.
	Load(ctx context.Context, id string) (Checkpoint, error)
	// ListByGraph returns all checkpoints for a graph, newest first.
	ListByGraph(ctx context.Context, graphID string) ([]Checkpoint, error)
	// ListByRun returns all checkpoints for a run, newest first.
	ListByRun(ctx context.Context, runID string) ([]Checkpoint, error)
	// Delete removes a checkpoint. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error
	// DeleteByRun removes all checkpoints for a run.
	DeleteByRun(ctx context.Context, runID string) error
	// DeleteExpired removes checkpoints past their TTL and returns the count.
	DeleteExpired(ctx context.Context) (int, error)
	// Exists reports whether the id resolves to a stored checkpoint.
	Exists(ctx context.Context, id string) (bool, error)
}
