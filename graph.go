package spice

import (
	"fmt"
	"sort"

	"github.com/no-ai-labs/spice/event"
)

// graphConfig accumulates options passed to NewGraph.
type graphConfig struct {
	nodes             []Node
	edges             []Edge
	entryPoint        string
	middleware        []Transformer
	continueOnFailure bool
	allowCycles       bool

	events        event.Bus
	toolBus       *ToolCallEventBus
	checkpoints   CheckpointStore
	cache         *CacheManager
	toolListeners []ToolLifecycleListener
}

// GraphOption configures a Graph under construction.
type GraphOption func(*graphConfig)

// WithNodes adds nodes to the graph. Node ids must be unique.
func WithNodes(nodes ...Node) GraphOption {
	return func(c *graphConfig) { c.nodes = append(c.nodes, nodes...) }
}

// WithEdge adds a directed edge. Declaration order is the tie-break for equal
// priorities.
func WithEdge(from, to string, opts ...EdgeOption) GraphOption {
	return func(c *graphConfig) {
		e := Edge{From: from, To: to, seq: len(c.edges)}
		for _, opt := range opts {
			opt(&e)
		}
		c.edges = append(c.edges, e)
	}
}

// WithEntryPoint names the node that receives the initial message.
func WithEntryPoint(id string) GraphOption {
	return func(c *graphConfig) { c.entryPoint = id }
}

// WithMiddleware appends transformers to the graph's chain, applied in
// declaration order around every node.
func WithMiddleware(ts ...Transformer) GraphOption {
	return func(c *graphConfig) { c.middleware = append(c.middleware, ts...) }
}

// WithContinueOnFailure makes the transformer chain log-and-continue on
// transformer failures instead of short-circuiting.
func WithContinueOnFailure() GraphOption {
	return func(c *graphConfig) { c.continueOnFailure = true }
}

// WithAllowCycles bypasses the DAG check. Runs over cyclic graphs are bounded
// by the Runner's activation budget.
func WithAllowCycles() GraphOption {
	return func(c *graphConfig) { c.allowCycles = true }
}

// WithEventBus attaches an integration bus; the Runner publishes run
// lifecycle envelopes to it.
func WithEventBus(bus event.Bus) GraphOption {
	return func(c *graphConfig) { c.events = bus }
}

// WithToolCallEventBus attaches the specialized tool notification path.
func WithToolCallEventBus(bus *ToolCallEventBus) GraphOption {
	return func(c *graphConfig) { c.toolBus = bus }
}

// WithCheckpointStore attaches the persistence backend for suspension.
func WithCheckpointStore(store CheckpointStore) GraphOption {
	return func(c *graphConfig) { c.checkpoints = store }
}

// WithIdempotencyStore attaches a tool-call cache with default TTLs.
// Use WithCacheManager for full TTL control.
func WithIdempotencyStore(store IdempotencyStore) GraphOption {
	return func(c *graphConfig) { c.cache = NewCacheManager(store) }
}

// WithCacheManager attaches a fully configured cache manager.
func WithCacheManager(cm *CacheManager) GraphOption {
	return func(c *graphConfig) { c.cache = cm }
}

// WithToolLifecycleListeners registers listeners for tool invocations.
func WithToolLifecycleListeners(ls ...ToolLifecycleListener) GraphOption {
	return func(c *graphConfig) { c.toolListeners = append(c.toolListeners, ls...) }
}

// Graph is an immutable bundle of nodes, edges, an entry point, middleware,
// and optional infrastructure handles. Graphs are validated eagerly: a Graph
// that exists passed validation, so it is safe to share across concurrent
// runs.
type Graph struct {
	id          string
	nodes       map[string]Node
	edges       []Edge
	outgoing    map[string][]Edge // priority-sorted, declaration-stable
	entryPoint  string
	middleware  []Transformer
	continueOnFailure bool
	allowCycles bool

	events      event.Bus
	toolBus     *ToolCallEventBus
	checkpoints CheckpointStore
	cache       *CacheManager
}

// NewGraph builds and validates a graph. Invalid graphs never reach the
// Runner: duplicate node ids, unknown edge endpoints, a missing entry point,
// unreachable nodes, and (unless WithAllowCycles) cycles all fail here.
func NewGraph(id string, opts ...GraphOption) (*Graph, error) {
	var cfg graphConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	g := &Graph{
		id:          id,
		nodes:       make(map[string]Node, len(cfg.nodes)),
		edges:       cfg.edges,
		outgoing:    make(map[string][]Edge),
		entryPoint:  cfg.entryPoint,
		middleware:  cfg.middleware,
		continueOnFailure: cfg.continueOnFailure,
		allowCycles: cfg.allowCycles,
		events:      cfg.events,
		toolBus:     cfg.toolBus,
		checkpoints: cfg.checkpoints,
		cache:       cfg.cache,
	}
	if g.toolBus == nil && len(cfg.toolListeners) > 0 {
		g.toolBus = NewToolCallEventBus()
	}
	for _, l := range cfg.toolListeners {
		g.toolBus.AddListener(l)
	}

	for _, n := range cfg.nodes {
		if _, dup := g.nodes[n.ID()]; dup {
			return nil, &GraphError{GraphID: id, Element: n.ID(), Err: fmt.Errorf("duplicate node id")}
		}
		g.nodes[n.ID()] = n
	}

	if err := g.validate(); err != nil {
		return nil, err
	}

	for _, e := range cfg.edges {
		g.outgoing[e.From] = append(g.outgoing[e.From], e)
	}
	for from := range g.outgoing {
		edges := g.outgoing[from]
		sort.SliceStable(edges, func(i, j int) bool {
			if edges[i].Priority != edges[j].Priority {
				return edges[i].Priority < edges[j].Priority
			}
			return edges[i].seq < edges[j].seq
		})
	}
	return g, nil
}

// ID returns the graph identifier.
func (g *Graph) ID() string { return g.id }

// EntryPoint returns the entry node id.
func (g *Graph) EntryPoint() string { return g.entryPoint }

// Node returns the node with the given id, if present.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// NodeIDs returns all node ids in unspecified order.
func (g *Graph) NodeIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Outgoing returns the edges out of a node in evaluation order.
func (g *Graph) Outgoing(id string) []Edge { return g.outgoing[id] }

// CheckpointStore returns the attached store, if any.
func (g *Graph) CheckpointStore() CheckpointStore { return g.checkpoints }

// validate checks entry-point existence, edge endpoint existence,
// reachability, and acyclicity. Decision branch targets count as implicit
// edges for reachability and cycle analysis.
func (g *Graph) validate() error {
	if g.entryPoint == "" {
		return &GraphError{GraphID: g.id, Err: ErrMissingEntryPoint}
	}
	if _, ok := g.nodes[g.entryPoint]; !ok {
		return &GraphError{GraphID: g.id, Element: g.entryPoint, Err: ErrMissingEntryPoint}
	}

	adj := make(map[string][]string, len(g.nodes))
	addLink := func(from, to string) { adj[from] = append(adj[from], to) }

	for _, e := range g.edges {
		if _, ok := g.nodes[e.From]; !ok {
			return &GraphError{GraphID: g.id, Element: e.From, Err: ErrInvalidEdgeTarget}
		}
		if _, ok := g.nodes[e.To]; !ok {
			return &GraphError{GraphID: g.id, Element: e.To, Err: ErrInvalidEdgeTarget}
		}
		addLink(e.From, e.To)
	}
	for id, n := range g.nodes {
		dn, ok := n.(*DecisionNode)
		if !ok {
			continue
		}
		targets := make([]string, 0, len(dn.branches)+1)
		for _, b := range dn.branches {
			targets = append(targets, b.Target)
		}
		if dn.otherwise != "" {
			targets = append(targets, dn.otherwise)
		}
		for _, t := range targets {
			if _, ok := g.nodes[t]; !ok {
				return &GraphError{GraphID: g.id, Element: id,
					Err: fmt.Errorf("branch target %q: %w", t, ErrInvalidEdgeTarget)}
			}
			addLink(id, t)
		}
	}

	// Reachability from the entry point.
	reachable := map[string]bool{}
	var visit func(string)
	visit = func(id string) {
		if reachable[id] {
			return
		}
		reachable[id] = true
		for _, next := range adj[id] {
			visit(next)
		}
	}
	visit(g.entryPoint)
	for id := range g.nodes {
		if !reachable[id] {
			return &GraphError{GraphID: g.id, Element: id, Err: ErrUnreachableNode}
		}
	}

	if !g.allowCycles {
		if err := detectCycle(g.nodes, adj); err != nil {
			return &GraphError{GraphID: g.id, Err: err}
		}
	}
	return nil
}

// detectCycle runs Kahn's algorithm over the adjacency; leftover nodes after
// the topological pass sit on a cycle.
func detectCycle(nodes map[string]Node, adj map[string][]string) error {
	inDegree := make(map[string]int, len(nodes))
	for id := range nodes {
		inDegree[id] = 0
	}
	for _, targets := range adj {
		for _, to := range targets {
			inDegree[to]++
		}
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, to := range adj[id] {
			inDegree[to]--
			if inDegree[to] == 0 {
				queue = append(queue, to)
			}
		}
	}

	if visited != len(nodes) {
		return ErrCycleDetected
	}
	return nil
}
