package spice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/no-ai-labs/spice/event"
)

// Status classifies a run's outcome.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusPaused  Status = "PAUSED"
	StatusFailure Status = "FAILURE"
)

// LifecycleChannel is the event bus channel the Runner publishes run
// lifecycle envelopes to when the graph carries a bus.
const LifecycleChannel = "workflow.lifecycle"

// Lifecycle event types published on LifecycleChannel.
const (
	EventRunStarted   = "run.started"
	EventRunCompleted = "run.completed"
	EventRunPaused    = "run.paused"
	EventRunResumed   = "run.resumed"
	EventRunFailed    = "run.failed"
)

// lifecycleSchemaVersion versions the lifecycle payload.
const lifecycleSchemaVersion = "1.0.0"

// DefaultMaxActivations bounds node activations per run, terminating runaway
// loops on graphs built with WithAllowCycles.
const DefaultMaxActivations = 1000

// NodeReport records one node activation within a run.
type NodeReport struct {
	NodeID    string
	Status    Status
	StartedAt time.Time
	Duration  time.Duration
	Err       error
}

// Report is the single sink for a run's outcome: status, the final result,
// the terminal message snapshot, per-node activation records, and, for paused
// runs, the checkpoint to resume from.
type Report struct {
	Status       Status
	Result       any
	Message      Message
	NodeReports  []NodeReport
	CheckpointID string
	Error        error
}

// CheckpointConfig tunes checkpoint persistence during a run. The zero value
// checkpoints only on suspension.
type CheckpointConfig struct {
	// SaveEveryNNodes checkpoints after every N completed nodes; 0 disables
	// cadence checkpoints.
	SaveEveryNNodes int
	// SaveOnError persists a checkpoint when the run fails.
	SaveOnError bool
	// TTL bounds checkpoint lifetime; 0 means no expiry.
	TTL time.Duration
}

// Runner drives graphs. It is stateless across runs and safe for concurrent
// use; all per-run state lives on the stack of Run/Resume.
type Runner struct {
	logger         *slog.Logger
	tracer         Tracer
	maxActivations int
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerLogger sets the logger. The default discards.
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// WithRunnerTracer enables span creation around runs and node activations.
func WithRunnerTracer(t Tracer) RunnerOption {
	return func(r *Runner) { r.tracer = t }
}

// WithMaxActivations overrides the per-run activation budget.
func WithMaxActivations(n int) RunnerOption {
	return func(r *Runner) { r.maxActivations = n }
}

// NewRunner creates a Runner.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{logger: nopLogger, maxActivations: DefaultMaxActivations}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes a graph from its entry point over a fresh message seeded with
// initialData. When initialData carries a string under "input", it becomes
// the message content. cfg may be nil.
func (r *Runner) Run(ctx context.Context, g *Graph, initialData map[string]any, cfg *CheckpointConfig) (Report, error) {
	content, _ := initialData["input"].(string)
	msg := NewMessage(content)
	msg = msg.WithDataMap(initialData)
	return r.RunMessage(ctx, g, msg, cfg)
}

// RunMessage executes a graph over a caller-built message. The message must
// be in the ready state.
func (r *Runner) RunMessage(ctx context.Context, g *Graph, msg Message, cfg *CheckpointConfig) (Report, error) {
	if cfg == nil {
		cfg = &CheckpointConfig{}
	}
	msg.GraphID = g.ID()
	if msg.RunID == "" {
		msg.RunID = NewID()
	}
	if msg.Context == nil && len(msg.Metadata) > 0 {
		msg.Context = ContextFromMetadata(msg.Metadata)
	}

	var span Span
	if r.tracer != nil {
		ctx, span = r.tracer.Start(ctx, "workflow.run",
			StringAttr("graph.id", g.ID()), StringAttr("run.id", msg.RunID))
		defer span.End()
	}

	chain := &transformerChain{
		transformers:      g.middleware,
		continueOnFailure: g.continueOnFailure,
		logger:            r.logger,
	}

	start, err := msg.TransitionTo(StateRunning, "run started")
	if err != nil {
		return Report{Status: StatusFailure, Error: err}, err
	}
	start.NodeID = g.EntryPoint()

	start, err = chain.beforeExecution(ctx, g, start)
	if err != nil {
		rep := r.finalizeFailure(ctx, g, chain, start, msg, err, cfg, g.CheckpointStore())
		return rep, rep.Error
	}
	r.publishLifecycle(ctx, g, EventRunStarted, start, nil)

	rep := r.loop(ctx, g, chain, msg, start, g.EntryPoint(), cfg, g.CheckpointStore())
	if span != nil && rep.Error != nil {
		span.Error(rep.Error)
	}
	if rep.Status == StatusFailure {
		return rep, rep.Error
	}
	return rep, nil
}

// loop is the routing algorithm. initial is the message as submitted, for the
// afterExecution hook; msg is the running message entering nodeID.
func (r *Runner) loop(ctx context.Context, g *Graph, chain *transformerChain, initial, msg Message, nodeID string, cfg *CheckpointConfig, store CheckpointStore) Report {
	var (
		reports     []NodeReport
		activations int
		visited     = map[string]bool{}
	)

	for {
		activations++
		if activations > r.maxActivations {
			err := fmt.Errorf("activation budget %d exhausted: %w", r.maxActivations, ErrCycleDetected)
			rep := r.finalizeFailure(ctx, g, chain, msg, initial, err, cfg, store)
			rep.NodeReports = reports
			return rep
		}
		if !g.allowCycles {
			if visited[nodeID] {
				err := fmt.Errorf("node %s re-entered: %w", nodeID, ErrCycleDetected)
				rep := r.finalizeFailure(ctx, g, chain, msg, initial, err, cfg, store)
				rep.NodeReports = reports
				return rep
			}
			visited[nodeID] = true
		}

		node, ok := g.Node(nodeID)
		if !ok {
			err := &GraphError{GraphID: g.ID(), Element: nodeID, Err: ErrInvalidEdgeTarget}
			rep := r.finalizeFailure(ctx, g, chain, msg, initial, err, cfg, store)
			rep.NodeReports = reports
			return rep
		}
		msg.NodeID = nodeID

		in, err := chain.beforeNode(ctx, g, nodeID, msg)
		startedAt := time.Now()
		var out Message
		if err == nil {
			out, err = r.executeNode(ctx, g, node, in, cfg, store)
		} else {
			out = in
		}
		took := time.Since(startedAt)

		if err != nil {
			if recovered, ok := chain.onError(ctx, g, in, err); ok {
				reports = append(reports, NodeReport{NodeID: nodeID, Status: StatusSuccess, StartedAt: startedAt, Duration: took})
				out = recovered
			} else {
				reports = append(reports, NodeReport{NodeID: nodeID, Status: StatusFailure, StartedAt: startedAt, Duration: took, Err: err})
				rep := r.finalizeFailure(ctx, g, chain, in, initial, &NodeError{NodeID: nodeID, Err: err}, cfg, store)
				rep.NodeReports = reports
				return rep
			}
		} else {
			reports = append(reports, NodeReport{NodeID: nodeID, Status: StatusSuccess, StartedAt: startedAt, Duration: took})
		}

		if out.State == StateWaiting {
			rep := r.suspend(ctx, g, out, nodeID, cfg, store)
			rep.NodeReports = reports
			return rep
		}

		out, err = chain.afterNode(ctx, g, nodeID, in, out)
		if err != nil {
			rep := r.finalizeFailure(ctx, g, chain, out, initial, err, cfg, store)
			rep.NodeReports = reports
			return rep
		}

		next, routed := r.nextNode(g, node, nodeID, out)
		if !routed {
			rep := r.finalizeSuccess(ctx, g, chain, initial, out, node, store)
			rep.NodeReports = reports
			return rep
		}

		// Cadence checkpoints record the node that just completed; resume
		// re-routes from its outgoing edges.
		if cfg.SaveEveryNNodes > 0 && store != nil && activations%cfg.SaveEveryNNodes == 0 {
			if _, err := r.saveCheckpoint(ctx, store, out, nodeID, cfg); err != nil {
				r.logger.Warn("cadence checkpoint failed", "runId", out.RunID, "error", err)
			}
		}

		msg = out
		nodeID = next
	}
}

// executeNode dispatches one node activation. Subgraph and tool nodes take
// engine-aware paths; everything else runs through the Node interface. Node
// panics become errors.
func (r *Runner) executeNode(ctx context.Context, g *Graph, node Node, in Message, cfg *CheckpointConfig, store CheckpointStore) (out Message, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out, err = in, fmt.Errorf("node panic: %v", rec)
		}
	}()

	var span Span
	if r.tracer != nil {
		ctx, span = r.tracer.Start(ctx, "workflow.node",
			StringAttr("node.id", node.ID()), StringAttr("run.id", in.RunID))
		defer func() {
			if err != nil {
				span.Error(err)
			}
			span.End()
		}()
	}

	switch n := node.(type) {
	case *SubgraphNode:
		return r.runSubgraph(ctx, n, in, cfg, store)
	case *ToolNode:
		return n.runWith(ctx, in, g.cache, g.toolBus)
	case *ParallelNode:
		// Branches go through the same dispatch as top-level nodes, so tool
		// branches share the run's cache and listeners and subgraph branches
		// nest properly.
		return n.runWith(ctx, in, func(ctx context.Context, node Node, m Message) (Message, error) {
			return r.executeNode(ctx, g, node, m, cfg, store)
		})
	default:
		return node.Run(ctx, in)
	}
}

// nextNode selects the successor. Decision nodes route directly via the
// target they emitted; otherwise edges are evaluated in priority order with
// non-fallback edges before fallbacks. A condition panic counts as a
// non-match and is logged, not failed.
func (r *Runner) nextNode(g *Graph, node Node, nodeID string, out Message) (string, bool) {
	if _, ok := node.(*DecisionNode); ok {
		if target, ok := out.Data[dataDecision].(string); ok && target != "" {
			return target, true
		}
	}

	edges := g.Outgoing(nodeID)
	for _, fallback := range []bool{false, true} {
		for _, e := range edges {
			if e.Fallback != fallback {
				continue
			}
			if r.matches(e, out) {
				return e.To, true
			}
		}
	}
	return "", false
}

func (r *Runner) matches(e Edge, msg Message) (matched bool) {
	if e.Condition == nil {
		return true
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("edge condition panicked, skipping edge",
				"from", e.From, "to", e.To, "panic", rec)
			matched = false
		}
	}()
	return e.Condition(msg)
}

// finalizeSuccess completes the run: terminal transition, afterExecution,
// best-effort checkpoint cleanup, lifecycle event. The result is the output
// selector's value when the terminal node was an OutputNode, otherwise the
// final content.
func (r *Runner) finalizeSuccess(ctx context.Context, g *Graph, chain *transformerChain, initial, out Message, terminal Node, store CheckpointStore) Report {
	done, err := out.TransitionTo(StateCompleted, "run completed")
	if err != nil {
		return Report{Status: StatusFailure, Message: out, Error: err}
	}
	done.Type = TypeWorkflowEnd
	done = chain.afterExecution(ctx, g, initial, done)

	var result any = done.Content
	if _, ok := terminal.(*OutputNode); ok {
		result = done.Data[dataOutput]
	}

	if store != nil {
		if err := store.DeleteByRun(ctx, done.RunID); err != nil {
			r.logger.Warn("checkpoint cleanup failed", "runId", done.RunID, "error", err)
		}
	}
	r.publishLifecycle(ctx, g, EventRunCompleted, done, nil)
	return Report{Status: StatusSuccess, Result: result, Message: done}
}

// finalizeFailure records the failed transition, optionally persists an error
// checkpoint, runs afterExecution, and publishes the failure event.
func (r *Runner) finalizeFailure(ctx context.Context, g *Graph, chain *transformerChain, msg, initial Message, cause error, cfg *CheckpointConfig, store CheckpointStore) Report {
	failed := msg
	if msg.State == StateRunning || msg.State == StateWaiting {
		if m, err := msg.TransitionTo(StateFailed, cause.Error()); err == nil {
			failed = m
		}
	}
	failed.Type = TypeError

	rep := Report{Status: StatusFailure, Message: failed, Error: cause}
	if cfg.SaveOnError && store != nil {
		if id, err := r.saveCheckpoint(ctx, store, failed, failed.NodeID, cfg); err == nil {
			rep.CheckpointID = id
		} else {
			r.logger.Warn("error checkpoint failed", "runId", failed.RunID, "error", err)
		}
	}
	rep.Message = chain.afterExecution(ctx, g, initial, failed)
	r.publishLifecycle(ctx, g, EventRunFailed, failed, map[string]any{"error": cause.Error()})
	return rep
}

// suspend persists the waiting message and returns a paused report. A
// suspension without a configured store cannot be honored.
func (r *Runner) suspend(ctx context.Context, g *Graph, out Message, nodeID string, cfg *CheckpointConfig, store CheckpointStore) Report {
	if store == nil {
		err := fmt.Errorf("node %s suspended without a checkpoint store: %w", nodeID, ErrInvalidSuspension)
		return Report{Status: StatusFailure, Message: out, Error: err}
	}
	id, err := r.saveCheckpoint(ctx, store, out, nodeID, cfg)
	if err != nil {
		return Report{Status: StatusFailure, Message: out, Error: err}
	}
	r.publishLifecycle(ctx, g, EventRunPaused, out, map[string]any{"checkpointId": id})
	return Report{Status: StatusPaused, Message: out, CheckpointID: id}
}

// saveCheckpoint builds, validates, and persists a checkpoint for msg paused
// at (or about to enter) nodeID.
func (r *Runner) saveCheckpoint(ctx context.Context, store CheckpointStore, msg Message, nodeID string, cfg *CheckpointConfig) (string, error) {
	cp := Checkpoint{
		ID:            NewID(),
		RunID:         msg.RunID,
		GraphID:       msg.GraphID,
		CurrentNodeID: nodeID,
		State:         msg.Data,
		Metadata:      msg.Metadata,
		CreatedAt:     time.Now(),
	}
	if cfg.TTL > 0 {
		cp.ExpiresAt = cp.CreatedAt.Add(cfg.TTL)
	}
	if interaction, ok := interactionFrom(msg.Data); ok {
		cp.PendingInteraction = &interaction
	}
	if err := cp.Validate(); err != nil {
		return "", err
	}
	return store.Save(ctx, cp)
}

// runSubgraph drives a nested graph. A paused child pauses the parent too:
// the parent's waiting message carries the child checkpoint id so resume can
// run two-phase.
func (r *Runner) runSubgraph(ctx context.Context, n *SubgraphNode, parent Message, cfg *CheckpointConfig, store CheckpointStore) (Message, error) {
	child, err := n.prepareChild(parent)
	if err != nil {
		return parent, err
	}
	childStore := n.Child().CheckpointStore()
	if childStore == nil {
		childStore = store
	}

	started := time.Now()
	childChain := &transformerChain{
		transformers:      n.Child().middleware,
		continueOnFailure: n.Child().continueOnFailure,
		logger:            r.logger,
	}
	running, err := child.TransitionTo(StateRunning, "run started")
	if err != nil {
		return parent, err
	}
	running.NodeID = n.Child().EntryPoint()
	running, err = childChain.beforeExecution(ctx, n.Child(), running)
	if err != nil {
		return parent, err
	}
	rep := r.loop(ctx, n.Child(), childChain, child, running, n.Child().EntryPoint(), cfg, childStore)

	switch rep.Status {
	case StatusSuccess:
		return n.mergeResult(parent, rep.Message, time.Since(started)), nil
	case StatusPaused:
		waiting, err := parent.TransitionTo(StateWaiting, "subgraph paused")
		if err != nil {
			return parent, err
		}
		waiting = waiting.WithData(dataChildCheckpoint, rep.CheckpointID)
		if interaction, ok := interactionFrom(rep.Message.Data); ok {
			waiting = waiting.WithData(dataInteraction, interaction)
		}
		waiting.Type = TypeInterrupt
		return waiting, nil
	default:
		if rep.Error != nil {
			return parent, fmt.Errorf("subgraph %s: %w", n.Child().ID(), rep.Error)
		}
		return parent, fmt.Errorf("subgraph %s failed", n.Child().ID())
	}
}

// Resume restores a paused run from its checkpoint and continues it with the
// external input. cfg carries the run's checkpoint policy forward and may be
// nil. The checkpoint id may name either a parent checkpoint or a subgraph
// child checkpoint; the child case recovers the parent through the run-id
// metadata it carries.
func (r *Runner) Resume(ctx context.Context, g *Graph, checkpointID string, externalInput map[string]any, cfg *CheckpointConfig) (Report, error) {
	if cfg == nil {
		cfg = &CheckpointConfig{}
	}
	store := g.CheckpointStore()
	if store == nil {
		err := fmt.Errorf("graph %s has no checkpoint store: %w", g.ID(), ErrCheckpointMissing)
		return Report{Status: StatusFailure, Error: err}, err
	}
	rep := r.resumeWith(ctx, g, store, checkpointID, externalInput, cfg)
	if rep.Status == StatusFailure {
		return rep, rep.Error
	}
	return rep, nil
}

func (r *Runner) resumeWith(ctx context.Context, g *Graph, store CheckpointStore, checkpointID string, externalInput map[string]any, cfg *CheckpointConfig) Report {
	cp, err := store.Load(ctx, checkpointID)
	if err != nil {
		return Report{Status: StatusFailure, Error: err}
	}
	now := time.Now()
	if cp.Expired(now) {
		err := fmt.Errorf("checkpoint %s: %w", checkpointID, ErrCheckpointExpired)
		return Report{Status: StatusFailure, Error: err}
	}

	// A child checkpoint handed in directly: recover the parent checkpoint
	// through parentRunId and restart from it.
	if isSub, _ := cp.Metadata[MetaIsSubgraph].(bool); isSub && cp.GraphID != g.ID() {
		parentRunID, _ := cp.Metadata[MetaParentRunID].(string)
		parents, err := store.ListByRun(ctx, parentRunID)
		if err != nil || len(parents) == 0 {
			err := fmt.Errorf("parent checkpoint for run %s: %w", parentRunID, ErrCheckpointMissing)
			return Report{Status: StatusFailure, Error: err}
		}
		return r.resumeWith(ctx, g, store, parents[0].ID, externalInput, cfg)
	}

	if childID, ok := cp.State[dataChildCheckpoint].(string); ok && childID != "" {
		return r.resumeSubgraph(ctx, g, store, cp, childID, externalInput, cfg)
	}

	node, ok := g.Node(cp.CurrentNodeID)
	if !ok {
		err := &GraphError{GraphID: g.ID(), Element: cp.CurrentNodeID, Err: ErrInvalidEdgeTarget}
		return Report{Status: StatusFailure, Error: err}
	}

	if cp.PendingInteraction != nil && cp.PendingInteraction.Expired(now) {
		err := fmt.Errorf("interaction %s: %w", cp.PendingInteraction.ID, ErrInteractionExpired)
		return Report{Status: StatusFailure, Error: err}
	}
	// Validators are enforced for every suspending node kind. A failed
	// validation leaves the checkpoint intact for another attempt.
	if validating, ok := node.(interface{ Validator() ResponseValidator }); ok {
		if v := validating.Validator(); v != nil {
			if verr := v(externalInput); verr != nil {
				err := fmt.Errorf("%w: %v", ErrValidationFailed, verr)
				return Report{Status: StatusFailure, Error: err}
			}
		}
	}

	msg, err := r.reconstruct(g, cp, externalInput)
	if err != nil {
		return Report{Status: StatusFailure, Error: err}
	}
	r.publishLifecycle(ctx, g, EventRunResumed, msg, map[string]any{"checkpointId": cp.ID})

	chain := &transformerChain{
		transformers:      g.middleware,
		continueOnFailure: g.continueOnFailure,
		logger:            r.logger,
	}

	// The paused node already ran; continue from its outgoing edges.
	next, routed := r.nextNode(g, node, cp.CurrentNodeID, msg)
	if !routed {
		rep := r.finalizeSuccess(ctx, g, chain, msg, msg, node, store)
		return rep
	}
	return r.loop(ctx, g, chain, msg, msg, next, cfg, store)
}

// resumeSubgraph is the two-phase path: finish the child first, then continue
// the parent from the subgraph node.
func (r *Runner) resumeSubgraph(ctx context.Context, g *Graph, store CheckpointStore, parentCP Checkpoint, childID string, externalInput map[string]any, cfg *CheckpointConfig) Report {
	node, ok := g.Node(parentCP.CurrentNodeID)
	if !ok {
		err := &GraphError{GraphID: g.ID(), Element: parentCP.CurrentNodeID, Err: ErrInvalidEdgeTarget}
		return Report{Status: StatusFailure, Error: err}
	}
	sub, ok := node.(*SubgraphNode)
	if !ok {
		err := fmt.Errorf("checkpoint %s points at non-subgraph node %s: %w", parentCP.ID, parentCP.CurrentNodeID, ErrInvalidSuspension)
		return Report{Status: StatusFailure, Error: err}
	}
	childStore := sub.Child().CheckpointStore()
	if childStore == nil {
		childStore = store
	}

	childRep := r.resumeWith(ctx, sub.Child(), childStore, childID, externalInput, cfg)
	switch childRep.Status {
	case StatusFailure:
		return childRep
	case StatusPaused:
		// Child paused again at a later node; re-point the parent checkpoint
		// at the new child checkpoint.
		parentCP.State[dataChildCheckpoint] = childRep.CheckpointID
		parentCP.ID = NewID()
		parentCP.CreatedAt = time.Now()
		id, err := store.Save(ctx, parentCP)
		if err != nil {
			return Report{Status: StatusFailure, Error: err}
		}
		return Report{Status: StatusPaused, Message: childRep.Message, CheckpointID: id}
	}

	parent, err := r.reconstruct(g, parentCP, nil)
	if err != nil {
		return Report{Status: StatusFailure, Error: err}
	}
	delete(parent.Data, dataChildCheckpoint)

	took := time.Duration(0)
	if entered, ok := childRep.Message.Metadata[MetaSubgraphEnteredAt].(string); ok {
		if t, perr := time.Parse(time.RFC3339Nano, entered); perr == nil {
			took = time.Since(t)
		}
	}
	merged := sub.mergeResult(parent, childRep.Message, took)

	chain := &transformerChain{
		transformers:      g.middleware,
		continueOnFailure: g.continueOnFailure,
		logger:            r.logger,
	}
	next, routed := r.nextNode(g, sub, sub.ID(), merged)
	if !routed {
		return r.finalizeSuccess(ctx, g, chain, merged, merged, sub, store)
	}
	return r.loop(ctx, g, chain, merged, merged, next, cfg, store)
}

// reconstruct rebuilds the running message from a checkpoint, recording the
// waiting-to-running transition and merging the external input into data both
// under the paused node's id and at top level.
func (r *Runner) reconstruct(g *Graph, cp Checkpoint, externalInput map[string]any) (Message, error) {
	msg := Message{
		ID:        NewID(),
		Type:      TypeResume,
		State:     StateWaiting,
		Data:      cp.State,
		Metadata:  cp.Metadata,
		GraphID:   cp.GraphID,
		NodeID:    cp.CurrentNodeID,
		RunID:     cp.RunID,
		Timestamp: time.Now(),
	}
	if msg.Data == nil {
		msg.Data = map[string]any{}
	}
	if msg.Metadata == nil {
		msg.Metadata = map[string]any{}
	}
	msg.Context = ContextFromMetadata(msg.Metadata)

	out, err := msg.TransitionTo(StateRunning, "resumed")
	if err != nil {
		return Message{}, err
	}
	if externalInput != nil {
		out = out.WithData(cp.CurrentNodeID, externalInput)
		for k, v := range externalInput {
			out = out.WithData(k, v)
		}
	}
	delete(out.Data, dataInteraction)
	return out, nil
}

// PendingInteractions returns the human interactions a checkpoint is waiting
// on, following subgraph child checkpoints transitively. Each level loads
// from the graph that persisted it: a child graph carrying its own store is
// consulted directly, the parent's store otherwise.
func (r *Runner) PendingInteractions(ctx context.Context, g *Graph, store CheckpointStore, checkpointID string) ([]HumanInteraction, error) {
	var out []HumanInteraction
	id := checkpointID
	for id != "" {
		cp, err := store.Load(ctx, id)
		if err != nil {
			if errors.Is(err, ErrCheckpointMissing) && len(out) > 0 {
				break
			}
			return nil, err
		}
		if cp.PendingInteraction != nil {
			out = append(out, *cp.PendingInteraction)
		}
		childID, _ := cp.State[dataChildCheckpoint].(string)
		if childID != "" && g != nil {
			if node, ok := g.Node(cp.CurrentNodeID); ok {
				if sub, ok := node.(*SubgraphNode); ok {
					g = sub.Child()
					if cs := g.CheckpointStore(); cs != nil {
						store = cs
					}
				}
			}
		}
		id = childID
	}
	return out, nil
}

// publishLifecycle emits a run lifecycle envelope. Best-effort: bus failures
// are logged, never surfaced into the run.
func (r *Runner) publishLifecycle(ctx context.Context, g *Graph, eventType string, msg Message, extra map[string]any) {
	if g.events == nil {
		return
	}
	payload := map[string]any{
		"runId":   msg.RunID,
		"graphId": msg.GraphID,
		"nodeId":  msg.NodeID,
		"state":   string(msg.State),
	}
	for k, v := range extra {
		payload[k] = v
	}
	body, err := json.Marshal(payload)
	if err != nil {
		r.logger.Warn("lifecycle payload encode failed", "type", eventType, "error", err)
		return
	}
	var opts []event.EnvelopeOption
	if cid := msg.MetaString(MetaCorrelationID); cid != "" {
		opts = append(opts, event.WithCorrelationID(cid))
	}
	env, err := event.NewEnvelope(LifecycleChannel, eventType, lifecycleSchemaVersion, string(body), opts...)
	if err != nil {
		r.logger.Warn("lifecycle envelope build failed", "type", eventType, "error", err)
		return
	}
	if err := g.events.Publish(ctx, env); err != nil {
		r.logger.Warn("lifecycle publish failed", "type", eventType, "error", err)
	}
}
