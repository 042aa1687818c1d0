package spice

// Condition is a predicate over the message that gates an edge. A nil
// condition always matches. Conditions must be pure: the routing algorithm may
// evaluate them more than once and in any interleaving with other edges'
// conditions at the same priority.
type Condition func(Message) bool

// Edge is a directed link between two nodes. Lower Priority is evaluated
// first; equal priorities keep declaration order. A fallback edge is chosen
// only when no non-fallback edge matches.
type Edge struct {
	From     string
	To       string
	Name     string
	Priority int
	Condition Condition
	Fallback  bool

	// seq is the declaration index assigned by the graph builder, the
	// tie-break for equal priorities.
	seq int
}

// EdgeOption configures an edge added via WithEdge.
type EdgeOption func(*Edge)

// WithPriority sets the edge's priority. Lower values are evaluated first.
// The default is 0.
func WithPriority(p int) EdgeOption {
	return func(e *Edge) { e.Priority = p }
}

// WithCondition sets the edge's predicate.
func WithCondition(c Condition) EdgeOption {
	return func(e *Edge) { e.Condition = c }
}

// WithEdgeName names the edge for logs and traces.
func WithEdgeName(name string) EdgeOption {
	return func(e *Edge) { e.Name = name }
}

// AsFallback marks the edge as a fallback: it is considered only after every
// non-fallback edge out of the same node failed to match.
func AsFallback() EdgeOption {
	return func(e *Edge) { e.Fallback = true }
}

// WhenSelected matches when the human response recorded under the edge's
// source node carries the given selected option. Use on edges out of a
// HumanNode to route on the reviewer's choice.
func WhenSelected(option string) EdgeOption {
	return func(e *Edge) {
		from := e.From
		e.Condition = func(m Message) bool {
			resp, ok := m.Data[from].(map[string]any)
			if !ok {
				return false
			}
			sel, _ := resp[ResponseSelectedOption].(string)
			return sel == option
		}
	}
}

// WhenDataEquals matches when data[key] equals value.
func WhenDataEquals(key string, value any) EdgeOption {
	return WithCondition(func(m Message) bool {
		return m.Data[key] == value
	})
}
