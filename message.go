package spice

import (
	"fmt"
	"maps"
	"time"
)

// State is the lifecycle state of a Message as it moves through a run.
// Distinct from MessageType, which classifies the payload.
type State string

const (
	// StateReady marks a message on initial submission, before the entry node.
	StateReady State = "ready"
	// StateRunning marks a message while a node executes or between nodes.
	StateRunning State = "running"
	// StateWaiting marks a suspended message awaiting external input.
	StateWaiting State = "waiting"
	// StateCompleted is terminal: the run finished successfully.
	StateCompleted State = "completed"
	// StateFailed is terminal: a node failed and no transformer recovered it.
	StateFailed State = "failed"
)

// legalTransitions is the lifecycle state machine. Terminal states have no
// outgoing transitions.
var legalTransitions = map[State][]State{
	StateReady:   {StateRunning},
	StateRunning: {StateRunning, StateWaiting, StateCompleted, StateFailed},
	StateWaiting: {StateRunning, StateFailed},
}

// MessageType classifies a message's payload.
type MessageType string

const (
	TypeText          MessageType = "text"
	TypePrompt        MessageType = "prompt"
	TypeSystem        MessageType = "system"
	TypeAction        MessageType = "action"
	TypeResult        MessageType = "result"
	TypeError         MessageType = "error"
	TypeToolCall      MessageType = "tool-call"
	TypeToolResult    MessageType = "tool-result"
	TypeBranch        MessageType = "branch"
	TypeMerge         MessageType = "merge"
	TypeWorkflowStart MessageType = "workflow-start"
	TypeWorkflowEnd   MessageType = "workflow-end"
	TypeInterrupt     MessageType = "interrupt"
	TypeResume        MessageType = "resume"
)

// StateTransition is one entry in a message's state history.
type StateTransition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason"`
	NodeID string    `json:"node_id"`
	At     time.Time `json:"at"`
}

// ToolCall describes one structured tool invocation carried by a message.
type ToolCall struct {
	Name          string         `json:"name"`
	Args          map[string]any `json:"args"`
	CorrelationID string         `json:"correlation_id"`
}

// Message is the unit of flow through a graph. Treat it as a value: mutating
// operations (WithData, WithMetadata, TransitionTo) return a new instance so
// no shared mutable state crosses node boundaries.
type Message struct {
	ID       string      `json:"id"`
	Content  string      `json:"content"`
	From     string      `json:"from,omitempty"`
	To       string      `json:"to,omitempty"`
	Type     MessageType `json:"type"`
	State    State       `json:"state"`
	Data     map[string]any `json:"data,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	ToolCalls []ToolCall    `json:"tool_calls,omitempty"`
	Context   *AgentContext `json:"context,omitempty"`

	// Set by the Runner as the message moves.
	GraphID string `json:"graph_id,omitempty"`
	NodeID  string `json:"node_id,omitempty"`
	RunID   string `json:"run_id,omitempty"`

	StateHistory []StateTransition `json:"state_history,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

// NewMessage creates a ready-state text message with the given content.
func NewMessage(content string) Message {
	return Message{
		ID:        NewID(),
		Content:   content,
		Type:      TypeText,
		State:     StateReady,
		Data:      map[string]any{},
		Metadata:  map[string]any{},
		Timestamp: time.Now(),
	}
}

// TransitionTo returns a copy of the message in the new state with a
// StateTransition appended to its history. It is the only sanctioned way to
// change State; direct assignment bypasses the audit trail and breaks the
// resume protocol. Illegal transitions return ErrIllegalTransition.
func (m Message) TransitionTo(to State, reason string) (Message, error) {
	legal := false
	for _, s := range legalTransitions[m.State] {
		if s == to {
			legal = true
			break
		}
	}
	if !legal {
		return m, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, m.State, to)
	}
	next := m.clone()
	next.StateHistory = append(next.StateHistory, StateTransition{
		From:   m.State,
		To:     to,
		Reason: reason,
		NodeID: m.NodeID,
		At:     time.Now(),
	})
	next.State = to
	next.Timestamp = time.Now()
	return next, nil
}

// WithContent returns a copy with new content.
func (m Message) WithContent(content string) Message {
	next := m.clone()
	next.Content = content
	return next
}

// WithType returns a copy with a new message type.
func (m Message) WithType(t MessageType) Message {
	next := m.clone()
	next.Type = t
	return next
}

// WithData returns a copy with the given data key set.
func (m Message) WithData(key string, value any) Message {
	next := m.clone()
	next.Data[key] = value
	return next
}

// WithDataMap returns a copy with all entries of data merged in. Incoming keys
// win on conflict.
func (m Message) WithDataMap(data map[string]any) Message {
	next := m.clone()
	maps.Copy(next.Data, data)
	return next
}

// WithMetadata returns a copy with the given metadata key set.
func (m Message) WithMetadata(key string, value any) Message {
	next := m.clone()
	next.Metadata[key] = value
	return next
}

// WithMetadataMap returns a copy with all entries of md merged in.
func (m Message) WithMetadataMap(md map[string]any) Message {
	next := m.clone()
	maps.Copy(next.Metadata, md)
	return next
}

// WithToolCall returns a copy with a tool call appended.
func (m Message) WithToolCall(tc ToolCall) Message {
	next := m.clone()
	next.ToolCalls = append(next.ToolCalls, tc)
	return next
}

// MetaString reads a metadata value as a string. Missing or non-string values
// return "".
func (m Message) MetaString(key string) string {
	if v, ok := m.Metadata[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// MetaInt reads a metadata value as an int, tolerating the numeric types JSON
// decoding produces. Missing or non-numeric values return 0.
func (m Message) MetaInt(key string) int {
	switch v := m.Metadata[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// clone copies the message with fresh Data and Metadata maps and isolated
// slice headers. Values inside the maps are shared; the engine treats them as
// immutable once set.
func (m Message) clone() Message {
	next := m
	next.Data = make(map[string]any, len(m.Data))
	maps.Copy(next.Data, m.Data)
	next.Metadata = make(map[string]any, len(m.Metadata))
	maps.Copy(next.Metadata, m.Metadata)
	if len(m.ToolCalls) > 0 {
		next.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		copy(next.ToolCalls, m.ToolCalls)
	}
	if len(m.StateHistory) > 0 {
		next.StateHistory = make([]StateTransition, len(m.StateHistory))
		copy(next.StateHistory, m.StateHistory)
	}
	return next
}

// Clone returns a deep-enough copy safe to hand to a parallel branch.
func (m Message) Clone() Message { return m.clone() }
