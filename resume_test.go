package spice

import (
	"context"
	"errors"
	"testing"
	"time"
)

// approvalGraph is the review pipeline used across the resume tests:
// draft -> review (human, approve/reject) -> publish | rejected.
func approvalGraph(t *testing.T, store CheckpointStore, humanOpts ...HumanNodeOption) *Graph {
	t.Helper()
	opts := append([]HumanNodeOption{WithOptions("approve", "reject")}, humanOpts...)
	g, err := NewGraph("approval",
		WithNodes(
			NewAgentNode("draft", &prefixAgent{name: "d", prefix: "Draft"}),
			NewHumanNode("review", "Approve this draft?", opts...),
			NewAgentNode("publish", &prefixAgent{name: "p", prefix: "Published"}, WithInputKey("draft")),
			NewOutputNode("rejected", func(Message) any {
				return "Draft was rejected by human reviewer"
			}),
		),
		WithEdge("draft", "review"),
		WithEdge("review", "publish", WhenSelected("approve")),
		WithEdge("review", "rejected", WhenSelected("reject")),
		WithEntryPoint("draft"),
		WithCheckpointStore(store),
	)
	if err != nil {
		t.Fatalf("NewGraph returned unexpected error: %v", err)
	}
	return g
}

func TestRunPausesOnHumanNode(t *testing.T) {
	store := newMemCheckpoints()
	g := approvalGraph(t, store)

	rep, err := NewRunner().Run(context.Background(), g, map[string]any{"input": "hello"}, nil)
	if err != nil {
		t.Fatalf("Run returned unexpected error: %v", err)
	}
	if rep.Status != StatusPaused {
		t.Fatalf("Status = %v, want %v", rep.Status, StatusPaused)
	}
	if rep.CheckpointID == "" {
		t.Fatal("paused report carries no checkpoint id")
	}
	if rep.Message.State != StateWaiting {
		t.Errorf("paused message State = %v, want %v", rep.Message.State, StateWaiting)
	}

	cp, err := store.Load(context.Background(), rep.CheckpointID)
	if err != nil {
		t.Fatalf("Load returned unexpected error: %v", err)
	}
	if cp.CurrentNodeID != "review" {
		t.Errorf("CurrentNodeID = %q, want %q", cp.CurrentNodeID, "review")
	}
	if cp.PendingInteraction == nil {
		t.Fatal("checkpoint carries no pending interaction")
	}
	if cp.PendingInteraction.Prompt != "Approve this draft?" {
		t.Errorf("Prompt = %q, want %q", cp.PendingInteraction.Prompt, "Approve this draft?")
	}
	if len(cp.PendingInteraction.Options) != 2 {
		t.Errorf("len(Options) = %d, want 2", len(cp.PendingInteraction.Options))
	}
	// The draft survives in the checkpointed state for the resume.
	if cp.State["draft"] != "Draft: hello" {
		t.Errorf(`State["draft"] = %v, want %q`, cp.State["draft"], "Draft: hello")
	}
}

func TestResumeApprove(t *testing.T) {
	store := newMemCheckpoints()
	g := approvalGraph(t, store)
	runner := NewRunner()

	paused, err := runner.Run(context.Background(), g, map[string]any{"input": "hello"}, nil)
	if err != nil {
		t.Fatalf("Run returned unexpected error: %v", err)
	}

	rep, err := runner.Resume(context.Background(), g, paused.CheckpointID,
		map[string]any{ResponseSelectedOption: "approve"}, nil)
	if err != nil {
		t.Fatalf("Resume returned unexpected error: %v", err)
	}
	if rep.Status != StatusSuccess {
		t.Fatalf("Status = %v, want %v", rep.Status, StatusSuccess)
	}
	if rep.Result != "Published: Draft: hello" {
		t.Errorf("Result = %v, want %q", rep.Result, "Published: Draft: hello")
	}
	// Completed runs leave no checkpoints behind.
	if store.size() != 0 {
		t.Errorf("store holds %d checkpoints after completion, want 0", store.size())
	}
}

func TestResumeReject(t *testing.T) {
	store := newMemCheckpoints()
	g := approvalGraph(t, store)
	runner := NewRunner()

	paused, err := runner.Run(context.Background(), g, map[string]any{"input": "hello"}, nil)
	if err != nil {
		t.Fatalf("Run returned unexpected error: %v", err)
	}

	rep, err := runner.Resume(context.Background(), g, paused.CheckpointID,
		map[string]any{ResponseSelectedOption: "reject"}, nil)
	if err != nil {
		t.Fatalf("Resume returned unexpected error: %v", err)
	}
	if rep.Result != "Draft was rejected by human reviewer" {
		t.Errorf("Result = %v, want %q", rep.Result, "Draft was rejected by human reviewer")
	}
}

func TestResumeValidationFailure(t *testing.T) {
	store := newMemCheckpoints()
	g := approvalGraph(t, store, WithValidator(OptionValidator("approve", "reject")))
	runner := NewRunner()

	paused, err := runner.Run(context.Background(), g, map[string]any{"input": "hello"}, nil)
	if err != nil {
		t.Fatalf("Run returned unexpected error: %v", err)
	}

	_, err = runner.Resume(context.Background(), g, paused.CheckpointID,
		map[string]any{ResponseSelectedOption: "maybe"}, nil)
	if !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("Resume error = %v, want ErrValidationFailed", err)
	}

	// The checkpoint survives the failed attempt; a corrected response works.
	if ok, _ := store.Exists(context.Background(), paused.CheckpointID); !ok {
		t.Fatal("checkpoint deleted by a failed validation")
	}
	rep, err := runner.Resume(context.Background(), g, paused.CheckpointID,
		map[string]any{ResponseSelectedOption: "approve"}, nil)
	if err != nil {
		t.Fatalf("Resume after correction returned unexpected error: %v", err)
	}
	if rep.Status != StatusSuccess {
		t.Errorf("Status = %v, want %v", rep.Status, StatusSuccess)
	}
}

func TestResumeUnknownCheckpoint(t *testing.T) {
	store := newMemCheckpoints()
	g := approvalGraph(t, store)

	_, err := NewRunner().Resume(context.Background(), g, "no-such-id", nil, nil)
	if !errors.Is(err, ErrCheckpointMissing) {
		t.Fatalf("Resume error = %v, want ErrCheckpointMissing", err)
	}
}

func TestResumeExpiredCheckpoint(t *testing.T) {
	store := newMemCheckpoints()
	g := approvalGraph(t, store)
	runner := NewRunner()

	paused, err := runner.Run(context.Background(), g,
		map[string]any{"input": "hello"}, &CheckpointConfig{TTL: time.Nanosecond})
	if err != nil {
		t.Fatalf("Run returned unexpected error: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	_, err = runner.Resume(context.Background(), g, paused.CheckpointID,
		map[string]any{ResponseSelectedOption: "approve"}, nil)
	if !errors.Is(err, ErrCheckpointExpired) {
		t.Fatalf("Resume error = %v, want ErrCheckpointExpired", err)
	}
}

func TestResumeExpiredInteraction(t *testing.T) {
	store := newMemCheckpoints()
	g := approvalGraph(t, store, WithTimeout(time.Nanosecond))
	runner := NewRunner()

	paused, err := runner.Run(context.Background(), g, map[string]any{"input": "hello"}, nil)
	if err != nil {
		t.Fatalf("Run returned unexpected error: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	_, err = runner.Resume(context.Background(), g, paused.CheckpointID,
		map[string]any{ResponseSelectedOption: "approve"}, nil)
	if !errors.Is(err, ErrInteractionExpired) {
		t.Fatalf("Resume error = %v, want ErrInteractionExpired", err)
	}
}

func TestResumeWithoutStore(t *testing.T) {
	g, err := NewGraph("storeless",
		WithNodes(passNode("a")),
		WithEntryPoint("a"),
	)
	if err != nil {
		t.Fatalf("NewGraph returned unexpected error: %v", err)
	}
	_, err = NewRunner().Resume(context.Background(), g, "any", nil, nil)
	if !errors.Is(err, ErrCheckpointMissing) {
		t.Fatalf("Resume error = %v, want ErrCheckpointMissing", err)
	}
}

func TestResumeCarriesCheckpointConfig(t *testing.T) {
	boom := errors.New("publish backend down")
	store := newMemCheckpoints()
	g, err := NewGraph("approval",
		WithNodes(
			NewAgentNode("draft", &prefixAgent{name: "d", prefix: "Draft"}),
			NewHumanNode("review", "Approve this draft?", WithOptions("approve", "reject")),
			NewAgentNode("publish", &prefixAgent{name: "p", err: boom}),
		),
		WithEdge("draft", "review"),
		WithEdge("review", "publish", WhenSelected("approve")),
		WithEntryPoint("draft"),
		WithCheckpointStore(store),
	)
	if err != nil {
		t.Fatalf("NewGraph returned unexpected error: %v", err)
	}
	runner := NewRunner()

	paused, err := runner.Run(context.Background(), g,
		map[string]any{"input": "hello"}, &CheckpointConfig{SaveOnError: true})
	if err != nil {
		t.Fatalf("Run returned unexpected error: %v", err)
	}

	// The checkpoint policy survives the resume: the failure after the pause
	// still persists an error checkpoint.
	rep, err := runner.Resume(context.Background(), g, paused.CheckpointID,
		map[string]any{ResponseSelectedOption: "approve"}, &CheckpointConfig{SaveOnError: true})
	if !errors.Is(err, boom) {
		t.Fatalf("Resume error = %v, want %v", err, boom)
	}
	if rep.CheckpointID == "" {
		t.Fatal("failed resume saved no error checkpoint")
	}
	if ok, _ := store.Exists(context.Background(), rep.CheckpointID); !ok {
		t.Error("error checkpoint not found in the store")
	}
}

func TestPendingInteractions(t *testing.T) {
	store := newMemCheckpoints()
	g := approvalGraph(t, store)
	runner := NewRunner()

	paused, err := runner.Run(context.Background(), g, map[string]any{"input": "hello"}, nil)
	if err != nil {
		t.Fatalf("Run returned unexpected error: %v", err)
	}

	pending, err := runner.PendingInteractions(context.Background(), g, store, paused.CheckpointID)
	if err != nil {
		t.Fatalf("PendingInteractions returned unexpected error: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("len(pending) = %d, want 1", len(pending))
	}
	if pending[0].NodeID != "review" {
		t.Errorf("NodeID = %q, want %q", pending[0].NodeID, "review")
	}
}

func TestDynamicHumanNodePrompt(t *testing.T) {
	store := newMemCheckpoints()
	g, err := NewGraph("dynamic",
		WithNodes(
			&funcNode{id: "prep", fn: func(_ context.Context, m Message) (Message, error) {
				return m.WithData("question", "Ship v2 today?"), nil
			}},
			NewDynamicHumanNode("ask", "question", "Proceed?"),
		),
		WithEdge("prep", "ask"),
		WithEntryPoint("prep"),
		WithCheckpointStore(store),
	)
	if err != nil {
		t.Fatalf("NewGraph returned unexpected error: %v", err)
	}

	rep, err := NewRunner().Run(context.Background(), g, nil, nil)
	if err != nil {
		t.Fatalf("Run returned unexpected error: %v", err)
	}
	cp, err := store.Load(context.Background(), rep.CheckpointID)
	if err != nil {
		t.Fatalf("Load returned unexpected error: %v", err)
	}
	if cp.PendingInteraction == nil {
		t.Fatal("checkpoint carries no pending interaction")
	}
	if cp.PendingInteraction.Prompt != "Ship v2 today?" {
		t.Errorf("Prompt = %q, want %q", cp.PendingInteraction.Prompt, "Ship v2 today?")
	}
}
