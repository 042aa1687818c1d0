package spice

import (
	"errors"
	"fmt"
)

// Protocol sentinels. Callers match with errors.Is; most engine paths wrap
// these with fmt.Errorf("...: %w", ...) to add detail.
var (
	// ErrCheckpointMissing is returned when a resume references an unknown checkpoint id.
	ErrCheckpointMissing = errors.New("checkpoint missing")
	// ErrCheckpointExpired is returned when a checkpoint exists but its TTL has elapsed.
	ErrCheckpointExpired = errors.New("checkpoint expired")
	// ErrValidationFailed is returned when a human response fails the node's
	// validator. The checkpoint is left untouched so the caller can retry with
	// a corrected response.
	ErrValidationFailed = errors.New("response validation failed")
	// ErrInteractionExpired is returned when a resume arrives after the
	// interaction's timeout elapsed.
	ErrInteractionExpired = errors.New("interaction expired")
	// ErrInvalidSuspension is returned when a node suspends in a position where
	// suspension is not allowed (e.g. inside a parallel branch).
	ErrInvalidSuspension = errors.New("invalid suspension")
	// ErrSubgraphDepthExceeded is returned when subgraph nesting exceeds the
	// node's configured depth limit.
	ErrSubgraphDepthExceeded = errors.New("subgraph depth exceeded")
	// ErrCycleDetected is returned at build time for cyclic graphs without
	// AllowCycles, and at run time when a node is re-entered or the activation
	// budget is exhausted.
	ErrCycleDetected = errors.New("cycle detected")
	// ErrUnreachableNode is returned at build time when a node cannot be
	// reached from the entry point.
	ErrUnreachableNode = errors.New("unreachable node")
	// ErrMissingEntryPoint is returned at build time when the entry point is
	// unset or names an unknown node.
	ErrMissingEntryPoint = errors.New("missing entry point")
	// ErrInvalidEdgeTarget is returned at build time when an edge endpoint
	// names an unknown node.
	ErrInvalidEdgeTarget = errors.New("invalid edge target")
	// ErrNoMatchingBranch is returned when a DecisionNode matches no branch and
	// has no otherwise target.
	ErrNoMatchingBranch = errors.New("no matching branch")
	// ErrToolTimeout is returned when a tool invocation exceeds its per-tool
	// timeout. The failure is retriable.
	ErrToolTimeout = errors.New("tool timeout")
	// ErrCacheKeyConflict is returned when an idempotency entry exists under
	// the same fingerprint with a different cache kind.
	ErrCacheKeyConflict = errors.New("cache key conflict")
	// ErrIllegalTransition is returned by Message.TransitionTo for a state
	// change outside the lifecycle state machine.
	ErrIllegalTransition = errors.New("illegal state transition")
)

// GraphError is a graph construction failure. It wraps one of the build-time
// sentinels and names the graph and offending element.
type GraphError struct {
	GraphID string
	Element string
	Err     error
}

func (e *GraphError) Error() string {
	if e.Element == "" {
		return fmt.Sprintf("graph %s: %v", e.GraphID, e.Err)
	}
	return fmt.Sprintf("graph %s: %s: %v", e.GraphID, e.Element, e.Err)
}

func (e *GraphError) Unwrap() error { return e.Err }

// NodeError is a node execution failure surfaced to the transformer chain and,
// if unrecovered, recorded on the run's Report.
type NodeError struct {
	NodeID string
	Err    error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %v", e.NodeID, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }
