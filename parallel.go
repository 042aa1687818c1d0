package spice

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// parallelOrderSuffix keys the branch declaration order stored alongside the
// results map, so merge strategies that depend on position (first, last) stay
// deterministic.
const parallelOrderSuffix = "_order"

// ParallelBranch is one concurrent path of a ParallelNode.
type ParallelBranch struct {
	Name string
	Node Node
}

// nodeDispatch executes one node. The Runner supplies its engine-aware
// dispatch so branches hit the same tool cache, lifecycle listeners, and
// subgraph handling as top-level nodes.
type nodeDispatch func(ctx context.Context, node Node, msg Message) (Message, error)

// ParallelNode fans the input out to all branches concurrently and stores
// their results keyed by branch name in data[id]. Each branch receives a copy
// of the input message with a branch-id metadata entry. All branches are
// awaited; with fail-fast (the default) the first branch error cancels the
// rest and fails the node, otherwise failed branches record nil.
//
// A branch requesting human input cannot be honored — the run's thread of
// control is inside the fan-out — so a waiting branch output fails the node
// with ErrInvalidSuspension.
type ParallelNode struct {
	id       string
	branches []ParallelBranch
	failFast bool
	deadline time.Duration
}

// ParallelNodeOption configures a ParallelNode.
type ParallelNodeOption func(*ParallelNode)

// WithoutFailFast records nil for failed branches instead of failing the node.
func WithoutFailFast() ParallelNodeOption {
	return func(n *ParallelNode) { n.failFast = false }
}

// WithDeadline bounds the whole fan-out; on expiry outstanding branches are
// cancelled and treated as failed.
func WithDeadline(d time.Duration) ParallelNodeOption {
	return func(n *ParallelNode) { n.deadline = d }
}

// NewParallelNode creates a fan-out node over the given branches.
func NewParallelNode(id string, branches []ParallelBranch, opts ...ParallelNodeOption) *ParallelNode {
	n := &ParallelNode{id: id, branches: branches, failFast: true}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *ParallelNode) ID() string { return n.id }

func (n *ParallelNode) Run(ctx context.Context, msg Message) (Message, error) {
	return n.runWith(ctx, msg, func(ctx context.Context, node Node, m Message) (Message, error) {
		return node.Run(ctx, m)
	})
}

// runWith fans out through the given dispatch.
func (n *ParallelNode) runWith(ctx context.Context, msg Message, dispatch nodeDispatch) (Message, error) {
	if n.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.deadline)
		defer cancel()
	}

	results := make([]any, len(n.branches))
	order := make([]string, len(n.branches))
	for i, b := range n.branches {
		order[i] = b.Name
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, b := range n.branches {
		g.Go(func() error {
			branchMsg := msg.Clone().WithMetadata(MetaBranchID, b.Name)
			out, err := dispatch(gctx, b.Node, branchMsg)
			if err != nil {
				if n.failFast {
					return fmt.Errorf("branch %s: %w", b.Name, err)
				}
				results[i] = nil
				return nil
			}
			if out.State == StateWaiting {
				return fmt.Errorf("branch %s requested human input: %w", b.Name, ErrInvalidSuspension)
			}
			results[i] = branchResult(b.Node, out)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return msg, fmt.Errorf("parallel %s: %w", n.id, err)
	}

	resultMap := make(map[string]any, len(n.branches))
	for i, name := range order {
		resultMap[name] = results[i]
	}
	out := msg.
		WithData(n.id, resultMap).
		WithData(n.id+parallelOrderSuffix, order)
	out.Type = TypeBranch
	return out, nil
}

// branchResult extracts a branch's contribution from its output message: the
// output selector result if present, then the node's own data key, then the
// raw content.
func branchResult(node Node, out Message) any {
	if v, ok := out.Data[dataOutput]; ok {
		return v
	}
	if v, ok := out.Data[node.ID()]; ok {
		return v
	}
	return out.Content
}

// --- MergeNode ---

// Merger reduces the branch results of a ParallelNode into a single value.
// order is the branch declaration order.
type Merger func(results map[string]any, order []string) any

// MergeNode consumes the results map produced by a prior ParallelNode and
// applies a reduction, storing the merged value under its own id. Composing a
// ParallelNode with no branches and MergeFirst is the identity on the message.
type MergeNode struct {
	id             string
	parallelNodeID string
	merge          Merger
}

// NewMergeNode creates a reduction node over parallelNodeID's results.
func NewMergeNode(id, parallelNodeID string, merge Merger) *MergeNode {
	return &MergeNode{id: id, parallelNodeID: parallelNodeID, merge: merge}
}

func (n *MergeNode) ID() string { return n.id }

func (n *MergeNode) Run(_ context.Context, msg Message) (Message, error) {
	raw, ok := msg.Data[n.parallelNodeID]
	if !ok {
		return msg, fmt.Errorf("merge %s: no results for parallel node %s", n.id, n.parallelNodeID)
	}
	results, ok := raw.(map[string]any)
	if !ok {
		return msg, fmt.Errorf("merge %s: data[%s] is %T, want map[string]any", n.id, n.parallelNodeID, raw)
	}
	order := toStringSlice(msg.Data[n.parallelNodeID+parallelOrderSuffix])
	merged := n.merge(results, order)
	out := msg.WithData(n.id, merged)
	if s, ok := merged.(string); ok {
		out = out.WithContent(s)
	}
	out.Type = TypeMerge
	return out, nil
}

// --- Predefined merge strategies ---

// MergeFirst yields the first declared branch's result.
func MergeFirst() Merger {
	return func(results map[string]any, order []string) any {
		for _, name := range order {
			return results[name]
		}
		return nil
	}
}

// MergeLast yields the last declared branch's result.
func MergeLast() Merger {
	return func(results map[string]any, order []string) any {
		for i := len(order) - 1; i >= 0; i-- {
			return results[order[i]]
		}
		return nil
	}
}

// MergeConcat joins stringified results in declaration order.
func MergeConcat(sep string) Merger {
	return func(results map[string]any, order []string) any {
		parts := make([]string, 0, len(order))
		for _, name := range order {
			if v := results[name]; v != nil {
				parts = append(parts, fmt.Sprintf("%v", v))
			}
		}
		return strings.Join(parts, sep)
	}
}

// MergeVote yields the most frequent result; ties break toward the earliest
// declared branch holding a winning value.
func MergeVote() Merger {
	return func(results map[string]any, order []string) any {
		counts := map[string]int{}
		byKey := map[string]any{}
		for _, name := range order {
			v := results[name]
			if v == nil {
				continue
			}
			key := fmt.Sprintf("%v", v)
			counts[key]++
			if _, seen := byKey[key]; !seen {
				byKey[key] = v
			}
		}
		best, bestCount := "", -1
		for _, name := range order {
			v := results[name]
			if v == nil {
				continue
			}
			key := fmt.Sprintf("%v", v)
			if counts[key] > bestCount {
				best, bestCount = key, counts[key]
			}
		}
		return byKey[best]
	}
}

// MergeAverage yields the mean of numeric results; non-numeric branches are
// ignored.
func MergeAverage() Merger {
	return func(results map[string]any, order []string) any {
		sum, n := 0.0, 0
		for _, name := range order {
			if f, ok := toFloat(results[name]); ok {
				sum += f
				n++
			}
		}
		if n == 0 {
			return nil
		}
		return sum / float64(n)
	}
}

// MergeSum yields the sum of numeric results.
func MergeSum() Merger {
	return func(results map[string]any, order []string) any {
		sum := 0.0
		for _, name := range order {
			if f, ok := toFloat(results[name]); ok {
				sum += f
			}
		}
		return sum
	}
}

// MergeMin yields the smallest numeric result.
func MergeMin() Merger { return mergeExtreme(func(a, b float64) bool { return a < b }) }

// MergeMax yields the largest numeric result.
func MergeMax() Merger { return mergeExtreme(func(a, b float64) bool { return a > b }) }

func mergeExtreme(better func(a, b float64) bool) Merger {
	return func(results map[string]any, order []string) any {
		var (
			best  float64
			found bool
		)
		for _, name := range order {
			if f, ok := toFloat(results[name]); ok {
				if !found || better(f, best) {
					best, found = f, true
				}
			}
		}
		if !found {
			return nil
		}
		return best
	}
}

// MergeFields reduces field-by-field: each named field picks its value with
// its own merger over the per-branch maps.
func MergeFields(fields map[string]Merger) Merger {
	return func(results map[string]any, order []string) any {
		out := make(map[string]any, len(fields))
		names := make([]string, 0, len(fields))
		for f := range fields {
			names = append(names, f)
		}
		sort.Strings(names)
		for _, field := range names {
			sub := make(map[string]any, len(results))
			for _, name := range order {
				if m, ok := results[name].(map[string]any); ok {
					sub[name] = m[field]
				}
			}
			out[field] = fields[field](sub, order)
		}
		return out
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}
