package spice

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestTransformerHookOrder(t *testing.T) {
	first := &recordingTransformer{label: "first"}
	second := &recordingTransformer{label: "second"}

	g, err := NewGraph("hooked",
		WithNodes(NewAgentNode("only", &prefixAgent{name: "o", prefix: "ok"})),
		WithEntryPoint("only"),
		WithMiddleware(first, second),
	)
	if err != nil {
		t.Fatalf("NewGraph returned unexpected error: %v", err)
	}
	if _, err := NewRunner().Run(context.Background(), g, map[string]any{"input": "x"}, nil); err != nil {
		t.Fatalf("Run returned unexpected error: %v", err)
	}

	want := []string{
		"first:beforeExecution", "second:beforeExecution",
		"first:beforeNode:only", "second:beforeNode:only",
		"first:afterNode:only", "second:afterNode:only",
		"first:afterExecution", "second:afterExecution",
	}
	var got []string
	f, s := first.recorded(), second.recorded()
	for i := range f {
		got = append(got, f[i], s[i])
	}
	if len(got) != len(want) {
		t.Fatalf("recorded hooks = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("hook[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

// failingTransformer errors in the named hook.
type failingTransformer struct {
	BaseTransformer
	failIn string
}

func (t *failingTransformer) BeforeNode(_ context.Context, _ *Graph, _ string, msg Message) (Message, error) {
	if t.failIn == "beforeNode" {
		return msg, fmt.Errorf("transformer rejected the message")
	}
	return msg, nil
}

func (t *failingTransformer) AfterExecution(_ context.Context, _ *Graph, _ Message, out Message) (Message, error) {
	if t.failIn == "afterExecution" {
		return out, fmt.Errorf("cleanup exploded")
	}
	return out, nil
}

func TestTransformerFailureAbortsRun(t *testing.T) {
	g, err := NewGraph("strict",
		WithNodes(NewAgentNode("only", &prefixAgent{name: "o", prefix: "ok"})),
		WithEntryPoint("only"),
		WithMiddleware(&failingTransformer{failIn: "beforeNode"}),
	)
	if err != nil {
		t.Fatalf("NewGraph returned unexpected error: %v", err)
	}
	rep, err := NewRunner().Run(context.Background(), g, map[string]any{"input": "x"}, nil)
	if err == nil {
		t.Fatal("Run succeeded with a failing transformer")
	}
	if rep.Status != StatusFailure {
		t.Errorf("Status = %v, want %v", rep.Status, StatusFailure)
	}
}

func TestTransformerFailureToleratedWithContinueOnFailure(t *testing.T) {
	g, err := NewGraph("tolerant",
		WithNodes(NewAgentNode("only", &prefixAgent{name: "o", prefix: "ok"})),
		WithEntryPoint("only"),
		WithMiddleware(&failingTransformer{failIn: "beforeNode"}),
		WithContinueOnFailure(),
	)
	if err != nil {
		t.Fatalf("NewGraph returned unexpected error: %v", err)
	}
	rep, err := NewRunner().Run(context.Background(), g, map[string]any{"input": "x"}, nil)
	if err != nil {
		t.Fatalf("Run returned unexpected error: %v", err)
	}
	if rep.Result != "ok: x" {
		t.Errorf("Result = %v, want %q", rep.Result, "ok: x")
	}
}

func TestAfterExecutionNeverAborts(t *testing.T) {
	g, err := NewGraph("cleanup",
		WithNodes(NewAgentNode("only", &prefixAgent{name: "o", prefix: "ok"})),
		WithEntryPoint("only"),
		WithMiddleware(&failingTransformer{failIn: "afterExecution"}),
	)
	if err != nil {
		t.Fatalf("NewGraph returned unexpected error: %v", err)
	}
	rep, err := NewRunner().Run(context.Background(), g, map[string]any{"input": "x"}, nil)
	if err != nil {
		t.Fatalf("Run returned unexpected error: %v", err)
	}
	if rep.Status != StatusSuccess {
		t.Errorf("Status = %v, want %v", rep.Status, StatusSuccess)
	}
}

// recoveringTransformer turns any node failure into a substitute message.
type recoveringTransformer struct {
	BaseTransformer
	recoveries int
}

func (t *recoveringTransformer) OnError(_ context.Context, _ *Graph, msg Message, cause error) (Message, bool) {
	t.recoveries++
	return msg.WithData("recovered_from", cause.Error()), true
}

func TestTransformerRecoversNodeFailure(t *testing.T) {
	boom := errors.New("flaky")
	recoverer := &recoveringTransformer{}
	g, err := NewGraph("self-healing",
		WithNodes(
			NewAgentNode("bad", &prefixAgent{name: "bad", err: boom}),
			NewAgentNode("next", &prefixAgent{name: "n", prefix: "next"}),
		),
		WithEdge("bad", "next"),
		WithEntryPoint("bad"),
		WithMiddleware(recoverer),
	)
	if err != nil {
		t.Fatalf("NewGraph returned unexpected error: %v", err)
	}

	rep, err := NewRunner().Run(context.Background(), g, map[string]any{"input": "x"}, nil)
	if err != nil {
		t.Fatalf("Run returned unexpected error: %v", err)
	}
	if recoverer.recoveries != 1 {
		t.Errorf("recoveries = %d, want 1", recoverer.recoveries)
	}
	// The failed node's activation is reported as recovered and the run
	// continues from the substitute message.
	if rep.NodeReports[0].Status != StatusSuccess {
		t.Errorf("NodeReports[0].Status = %v, want %v", rep.NodeReports[0].Status, StatusSuccess)
	}
	if rep.Result != "next: x" {
		t.Errorf("Result = %v, want %q", rep.Result, "next: x")
	}
	if _, ok := rep.Message.Data["recovered_from"]; !ok {
		t.Error("substitute message data missing from the final message")
	}
}

// panickingTransformer panics in BeforeNode.
type panickingTransformer struct {
	BaseTransformer
}

func (panickingTransformer) BeforeNode(context.Context, *Graph, string, Message) (Message, error) {
	panic("interceptor exploded")
}

func TestTransformerPanicContained(t *testing.T) {
	g, err := NewGraph("contained",
		WithNodes(NewAgentNode("only", &prefixAgent{name: "o", prefix: "ok"})),
		WithEntryPoint("only"),
		WithMiddleware(panickingTransformer{}),
		WithContinueOnFailure(),
	)
	if err != nil {
		t.Fatalf("NewGraph returned unexpected error: %v", err)
	}
	rep, err := NewRunner().Run(context.Background(), g, map[string]any{"input": "x"}, nil)
	if err != nil {
		t.Fatalf("Run returned unexpected error: %v", err)
	}
	if rep.Result != "ok: x" {
		t.Errorf("Result = %v, want %q", rep.Result, "ok: x")
	}
}
