package spice

import (
	"context"
	"fmt"
	"time"
)

// Reserved data keys written by built-in nodes.
const (
	// DataToolResult holds the most recent tool result.
	DataToolResult = "tool_result"
	// DataToolSuccess holds whether the most recent tool call succeeded.
	DataToolSuccess = "tool_success"
	// DataToolName holds the name of the most recently invoked tool.
	DataToolName = "tool_name"
	// DataToolMetadata holds the metadata returned by the last tool call.
	DataToolMetadata = "_tool.lastMetadata"
	// DataCacheHit is set true when a tool result came from the idempotency cache.
	DataCacheHit = "cache_hit"
	// dataOutput holds the run result computed by an OutputNode's selector.
	dataOutput = "_output"
	// dataDecision holds the target chosen by a DecisionNode.
	dataDecision = "_decision"
	// dataInteraction holds the HumanInteraction descriptor of a suspended message.
	dataInteraction = "_interaction"
	// dataChildCheckpoint holds the child checkpoint id when a subgraph suspends.
	dataChildCheckpoint = "_subgraph_checkpoint"
)

// Node is a unit of work in a graph. Implementations consume a Message and
// return a successor Message, or an error, or a message in StateWaiting to
// request suspension.
type Node interface {
	// ID is the node's identifier, unique within its graph.
	ID() string
	// Run executes the node. The returned message becomes the input of the
	// next node selected by routing.
	Run(ctx context.Context, msg Message) (Message, error)
}

// Agent is an external capability, typically LLM-backed, that an AgentNode
// delegates to. The engine never owns agent instances; it holds references.
type Agent interface {
	// Name identifies the agent in logs and node reports.
	Name() string
	// Execute processes the message and returns a reply.
	Execute(ctx context.Context, msg Message) (Message, error)
}

// ToolResult is the structured outcome of a tool invocation.
type ToolResult struct {
	Content  any            `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Tool is a side-effecting callable identified by name, invoked with a
// parameter mapping.
type Tool interface {
	// Name identifies the tool for fingerprinting and lifecycle events.
	Name() string
	// Execute invokes the tool with the given arguments.
	Execute(ctx context.Context, args map[string]any) (ToolResult, error)
}

// --- AgentNode ---

// AgentNode delegates processing to an Agent and carries prior data and
// context forward onto the reply.
type AgentNode struct {
	id       string
	agent    Agent
	inputKey string
}

// AgentNodeOption configures an AgentNode.
type AgentNodeOption func(*AgentNode)

// WithInputKey makes the node feed data[key] to the agent as content instead
// of the incoming message's content.
func WithInputKey(key string) AgentNodeOption {
	return func(n *AgentNode) { n.inputKey = key }
}

// NewAgentNode creates a node that delegates to agent.
func NewAgentNode(id string, agent Agent, opts ...AgentNodeOption) *AgentNode {
	n := &AgentNode{id: id, agent: agent}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *AgentNode) ID() string { return n.id }

func (n *AgentNode) Run(ctx context.Context, msg Message) (Message, error) {
	input := msg
	if n.inputKey != "" {
		if v, ok := msg.Data[n.inputKey]; ok {
			input = msg.WithContent(fmt.Sprintf("%v", v))
		}
	}
	reply, err := n.agent.Execute(ctx, input)
	if err != nil {
		return msg, fmt.Errorf("agent %s: %w", n.agent.Name(), err)
	}
	// Propagate prior data, metadata, and context onto the reply: agents only
	// own the content they produce.
	out := msg.WithContent(reply.Content)
	out = out.WithDataMap(reply.Data)
	out = out.WithMetadataMap(reply.Metadata)
	out.Type = TypeResult
	if reply.Context != nil {
		out.Context = reply.Context
	}
	out = out.WithData(n.id, reply.Content)
	return out, nil
}

// --- ToolNode ---

// ParamMapper extracts the tool's argument mapping from the input message.
type ParamMapper func(Message) map[string]any

// ToolNode invokes a Tool with arguments extracted by a ParamMapper and embeds
// the result in the outgoing message's data. When the graph carries an
// idempotency store, invocations are cached by fingerprint and executed at
// most once per TTL window.
type ToolNode struct {
	id      string
	tool    Tool
	mapper  ParamMapper
	timeout time.Duration
}

// ToolNodeOption configures a ToolNode.
type ToolNodeOption func(*ToolNode)

// WithToolTimeout bounds each invocation; on expiry the node fails with
// ErrToolTimeout.
func WithToolTimeout(d time.Duration) ToolNodeOption {
	return func(n *ToolNode) { n.timeout = d }
}

// NewToolNode creates a node invoking tool. A nil mapper passes the message's
// Data map as arguments.
func NewToolNode(id string, tool Tool, mapper ParamMapper, opts ...ToolNodeOption) *ToolNode {
	n := &ToolNode{id: id, tool: tool, mapper: mapper}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *ToolNode) ID() string { return n.id }

func (n *ToolNode) Run(ctx context.Context, msg Message) (Message, error) {
	return n.runWith(ctx, msg, nil, nil)
}

// runWith is the cache- and listener-aware execution path used by the Runner.
// cache and bus may be nil.
func (n *ToolNode) runWith(ctx context.Context, msg Message, cache *CacheManager, bus *ToolCallEventBus) (Message, error) {
	args := msg.Data
	if n.mapper != nil {
		args = n.mapper(msg)
	}
	fp := Fingerprint(n.tool.Name(), args)
	bus.emitStart(n.tool.Name(), fp)

	invoke := func(ctx context.Context) (any, error) {
		if n.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, n.timeout)
			defer cancel()
		}
		res, err := n.tool.Execute(ctx, args)
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return nil, fmt.Errorf("tool %s after %s: %w", n.tool.Name(), n.timeout, ErrToolTimeout)
			}
			return nil, err
		}
		return res, nil
	}

	start := time.Now()
	var (
		value    any
		cacheHit bool
		err      error
	)
	if cache != nil {
		value, cacheHit, err = cache.Do(ctx, KindToolCall, fp, invoke)
	} else {
		value, err = invoke(ctx)
	}
	latency := time.Since(start)

	if err != nil {
		bus.emitError(n.tool.Name(), err, latency)
		out := msg.
			WithData(DataToolSuccess, false).
			WithData(DataToolName, n.tool.Name())
		return out, fmt.Errorf("tool %s: %w", n.tool.Name(), err)
	}
	if cacheHit {
		bus.emitCacheHit(n.tool.Name())
	} else {
		bus.emitSuccess(n.tool.Name(), value, latency)
	}

	res, _ := value.(ToolResult)
	out := msg.
		WithData(DataToolResult, res.Content).
		WithData(DataToolSuccess, true).
		WithData(DataToolName, n.tool.Name()).
		WithData(n.id, res.Content)
	if res.Metadata != nil {
		out = out.WithData(DataToolMetadata, res.Metadata)
	}
	if cacheHit {
		out = out.WithMetadata(DataCacheHit, true)
	}
	out.Type = TypeToolResult
	return out, nil
}

// --- DecisionNode ---

// Branch is one routing alternative of a DecisionNode.
type Branch struct {
	// Target is the node id to route to when the predicate holds.
	Target string
	// When is the predicate; evaluated in declaration order, first match wins.
	When Condition
}

// DecisionNode routes without transforming the message: it evaluates branches
// in declaration order and emits the first match's target as the next node.
type DecisionNode struct {
	id        string
	branches  []Branch
	otherwise string
}

// DecisionNodeOption configures a DecisionNode.
type DecisionNodeOption func(*DecisionNode)

// WithOtherwise sets the target chosen when no branch predicate matches.
func WithOtherwise(target string) DecisionNodeOption {
	return func(n *DecisionNode) { n.otherwise = target }
}

// NewDecisionNode creates a routing node over the given branches.
func NewDecisionNode(id string, branches []Branch, opts ...DecisionNodeOption) *DecisionNode {
	n := &DecisionNode{id: id, branches: branches}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *DecisionNode) ID() string { return n.id }

func (n *DecisionNode) Run(_ context.Context, msg Message) (Message, error) {
	for _, b := range n.branches {
		if b.When == nil || b.When(msg) {
			return msg.WithData(dataDecision, b.Target), nil
		}
	}
	if n.otherwise != "" {
		return msg.WithData(dataDecision, n.otherwise), nil
	}
	return msg, fmt.Errorf("decision %s: %w", n.id, ErrNoMatchingBranch)
}

// --- OutputNode ---

// Selector extracts the final run result from the terminal message.
type Selector func(Message) any

// OutputNode is terminal: its selector computes the run's result. A nil
// selector yields the message content.
type OutputNode struct {
	id       string
	selector Selector
}

// NewOutputNode creates a terminal node with the given selector.
func NewOutputNode(id string, selector Selector) *OutputNode {
	return &OutputNode{id: id, selector: selector}
}

func (n *OutputNode) ID() string { return n.id }

func (n *OutputNode) Run(_ context.Context, msg Message) (Message, error) {
	var result any = msg.Content
	if n.selector != nil {
		result = n.selector(msg)
	}
	out := msg.WithData(dataOutput, result)
	out.Type = TypeWorkflowEnd
	return out, nil
}
