package spice

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Data keys published on the parent message after a subgraph exit.
const (
	DataSubgraphResult = "subgraph_result"
	DataSubgraphState  = "subgraph_state"
	DataLastSubgraphDuration = "lastSubgraphDuration"
	DataLastSubgraphID       = "lastSubgraphId"
	DataLastSubgraphState    = "lastSubgraphState"
)

// DefaultMaxSubgraphDepth bounds subgraph nesting when a node does not set its
// own limit.
const DefaultMaxSubgraphDepth = 10

// defaultPreserveKeys are the metadata keys carried into a child graph when
// the node does not configure its own set.
var defaultPreserveKeys = []string{
	MetaUserID, MetaTenantID, MetaTraceID, MetaSpanID,
	"sessionToken", MetaCorrelationID, "isLoggedIn",
}

// SubgraphNode runs a child graph as a single node of the parent. The child
// executes under a namespaced run id (parentRunID + ":subgraph:" + childID)
// with a filtered copy of the parent's metadata; on success its data and
// metadata merge back into the parent message. Execution is driven by the
// Runner, not by Run — the node itself only holds configuration.
type SubgraphNode struct {
	id           string
	child        *Graph
	maxDepth     int
	preserveKeys []string
}

// SubgraphNodeOption configures a SubgraphNode.
type SubgraphNodeOption func(*SubgraphNode)

// WithMaxDepth overrides the nesting limit for this node.
func WithMaxDepth(depth int) SubgraphNodeOption {
	return func(n *SubgraphNode) { n.maxDepth = depth }
}

// WithPreserveKeys sets the metadata keys propagated into the child graph.
func WithPreserveKeys(keys ...string) SubgraphNodeOption {
	return func(n *SubgraphNode) { n.preserveKeys = keys }
}

// NewSubgraphNode creates a node that runs child as a nested graph.
func NewSubgraphNode(id string, child *Graph, opts ...SubgraphNodeOption) *SubgraphNode {
	n := &SubgraphNode{
		id:           id,
		child:        child,
		maxDepth:     DefaultMaxSubgraphDepth,
		preserveKeys: defaultPreserveKeys,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *SubgraphNode) ID() string { return n.id }

// Child returns the nested graph.
func (n *SubgraphNode) Child() *Graph { return n.child }

// Run is never the execution path for a subgraph: the Runner intercepts the
// node and drives the child graph itself, because subgraph execution needs
// checkpointing and run-id namespacing that a bare node cannot provide.
func (n *SubgraphNode) Run(context.Context, Message) (Message, error) {
	return Message{}, errors.New("subgraph node must be executed by a Runner")
}

// childRunID namespaces the child run under the parent.
func (n *SubgraphNode) childRunID(parentRunID string) string {
	return parentRunID + ":subgraph:" + n.child.ID()
}

// prepareChild builds the child's initial message from the parent's: fresh
// lifecycle, namespaced run id, filtered metadata, and nesting bookkeeping.
func (n *SubgraphNode) prepareChild(parent Message) (Message, error) {
	depth := parent.MetaInt(MetaSubgraphDepth)
	if depth >= n.maxDepth {
		return Message{}, fmt.Errorf("subgraph %s at depth %d: %w", n.id, depth, ErrSubgraphDepthExceeded)
	}

	child := parent.Clone()
	child.GraphID = n.child.ID()
	child.NodeID = ""
	child.RunID = n.childRunID(parent.RunID)
	child.State = StateReady
	child.StateHistory = nil
	child.Type = TypeWorkflowStart

	md := make(map[string]any, len(n.preserveKeys)+6)
	for _, key := range n.preserveKeys {
		if v, ok := parent.Metadata[key]; ok {
			md[key] = v
		}
	}
	md[MetaSubgraphDepth] = depth + 1
	md[MetaIsSubgraph] = true
	md[MetaParentGraphID] = parent.GraphID
	md[MetaParentRunID] = parent.RunID
	md[MetaSubgraphEnteredAt] = time.Now().Format(time.RFC3339Nano)
	path := parent.MetaString(MetaSubgraphPath)
	if path == "" {
		path = parent.GraphID
	}
	md[MetaSubgraphPath] = path + " -> " + n.child.ID()
	child.Metadata = md
	child.Context = ContextFromMetadata(md)
	return child, nil
}

// mergeResult folds a terminal child message back into the parent: child data
// wins on conflicts, subgraph-internal tracking metadata stays behind, and the
// parent's graph/node/run identity is restored.
func (n *SubgraphNode) mergeResult(parent, child Message, took time.Duration) Message {
	out := parent.WithDataMap(child.Data)
	out = out.
		WithData(DataSubgraphResult, child.Content).
		WithData(DataSubgraphState, string(child.State)).
		WithData(DataLastSubgraphDuration, took.String()).
		WithData(DataLastSubgraphID, n.child.ID()).
		WithData(DataLastSubgraphState, string(child.State))

	for k, v := range child.Metadata {
		switch k {
		case MetaSubgraphDepth, MetaIsSubgraph, MetaParentGraphID,
			MetaParentRunID, MetaSubgraphPath, MetaSubgraphEnteredAt:
			// internal tracking keys stay with the child
		default:
			out = out.WithMetadata(k, v)
		}
	}

	out.GraphID = parent.GraphID
	out.NodeID = n.id
	out.RunID = parent.RunID
	out.Content = child.Content
	return out
}
