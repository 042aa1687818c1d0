// Package spice is an agentic workflow runtime for Go.
//
// It executes user-defined directed graphs of computation nodes — LLM agents,
// tools, decisions, human-in-the-loop pauses, parallel fan-outs, and nested
// subgraphs — over a typed Message that carries content, structured data,
// metadata, and a lifecycle state. Runs are long-lived and resumable: any node
// may suspend pending an external event and resume later from a persisted
// checkpoint, on the same or a different process.
//
// # Quick Start
//
//	graph, err := spice.NewGraph("review",
//	    spice.WithNodes(
//	        spice.NewAgentNode("draft", drafter),
//	        spice.NewHumanNode("review", "Please review the draft",
//	            spice.WithOptions("approve", "reject")),
//	        spice.NewAgentNode("publish", publisher),
//	    ),
//	    spice.WithEdge("draft", "review"),
//	    spice.WithEdge("review", "publish",
//	        spice.WhenSelected("approve")),
//	    spice.WithEntryPoint("draft"),
//	    spice.WithCheckpointStore(store),
//	)
//
//	runner := spice.NewRunner()
//	report, err := runner.Run(ctx, graph, map[string]any{"topic": "launch"}, nil)
//	if report.Status == spice.StatusPaused {
//	    // ... later, possibly on another process:
//	    report, err = runner.Resume(ctx, graph, report.CheckpointID,
//	        map[string]any{"selectedOption": "approve"}, nil)
//	}
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Node] — unit of work in a graph (built-ins plus custom implementations)
//   - [Agent] — external (typically LLM-backed) capability an AgentNode delegates to
//   - [Tool] — side-effecting callable invoked by a ToolNode
//   - [Transformer] — cross-cutting interceptor around node execution
//   - [CheckpointStore] — persistence contract for suspension and resume
//   - [IdempotencyStore] — content-addressed at-most-once cache for tool results
//   - [Tracer] — span creation for engine operations
//
// # Included Implementations
//
// Checkpoint/idempotency stores: store/memory (in-process), store/sqlite
// (local file, zero CGO), store/postgres (pgx), store/redis.
// Event bus backends: event (in-memory and partitioned in-process log),
// event/redisstream (Redis Streams).
// Observability: observer (OpenTelemetry traces, metrics, logs).
package spice
