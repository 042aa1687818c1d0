package spice

import (
	"context"
	"fmt"
	"time"
)

// Keys recognized in the external input map passed to Resume.
const (
	// ResponseSelectedOption is the option chosen by the human, when the
	// interaction offered options.
	ResponseSelectedOption = "selectedOption"
	// ResponseFreeText is the free-text answer, when the interaction allows it.
	ResponseFreeText = "freeText"
)

// HumanInteraction describes what a suspended run is waiting for. It is
// embedded in the waiting message's data and persisted on the checkpoint, so
// an operator UI can render the pending decision from either place.
type HumanInteraction struct {
	ID            string        `json:"id"`
	NodeID        string        `json:"node_id"`
	Prompt        string        `json:"prompt"`
	Options       []string      `json:"options,omitempty"`
	AllowFreeText bool          `json:"allow_free_text"`
	Timeout       time.Duration `json:"timeout,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	// ExpiresAt is set when Timeout is non-zero; resumes after this instant
	// fail with ErrInteractionExpired.
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// Expired reports whether the interaction's resume window has closed at now.
func (h HumanInteraction) Expired(now time.Time) bool {
	return !h.ExpiresAt.IsZero() && now.After(h.ExpiresAt)
}

// ResponseValidator checks a human response before the run advances. Returning
// an error fails the resume with ErrValidationFailed and leaves the checkpoint
// intact.
type ResponseValidator func(response map[string]any) error

// OptionValidator accepts only responses whose selected option is one of the
// interaction's options.
func OptionValidator(options ...string) ResponseValidator {
	return func(response map[string]any) error {
		sel, _ := response[ResponseSelectedOption].(string)
		for _, opt := range options {
			if sel == opt {
				return nil
			}
		}
		return fmt.Errorf("option %q not among %v", sel, options)
	}
}

// HumanNode always suspends: it emits a waiting message carrying a
// HumanInteraction descriptor, causing the Runner to persist a checkpoint and
// return a paused report. The run resumes when a response arrives via
// Runner.Resume.
type HumanNode struct {
	id            string
	prompt        string
	options       []string
	timeout       time.Duration
	validator     ResponseValidator
	allowFreeText bool
}

// HumanNodeOption configures a HumanNode or DynamicHumanNode.
type HumanNodeOption func(*HumanNode)

// WithOptions sets the choices offered to the human.
func WithOptions(options ...string) HumanNodeOption {
	return func(n *HumanNode) { n.options = options }
}

// WithTimeout bounds the resume window; a resume after expiry fails with
// ErrInteractionExpired.
func WithTimeout(d time.Duration) HumanNodeOption {
	return func(n *HumanNode) { n.timeout = d }
}

// WithValidator sets the response validator, enforced at resume regardless of
// node subtype.
func WithValidator(v ResponseValidator) HumanNodeOption {
	return func(n *HumanNode) { n.validator = v }
}

// WithFreeText allows free-text answers in addition to options.
func WithFreeText() HumanNodeOption {
	return func(n *HumanNode) { n.allowFreeText = true }
}

// NewHumanNode creates a suspension point with a fixed prompt.
func NewHumanNode(id, prompt string, opts ...HumanNodeOption) *HumanNode {
	n := &HumanNode{id: id, prompt: prompt}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *HumanNode) ID() string { return n.id }

// Validator exposes the node's response validator to the resume path.
func (n *HumanNode) Validator() ResponseValidator { return n.validator }

func (n *HumanNode) Run(_ context.Context, msg Message) (Message, error) {
	return suspendFor(msg, n.id, n.prompt, n.options, n.timeout, n.allowFreeText)
}

// DynamicHumanNode is a HumanNode whose prompt is resolved at run time: from
// data[promptKey] first, then metadata[promptKey], then the fallback prompt.
type DynamicHumanNode struct {
	HumanNode
	promptKey string
}

// NewDynamicHumanNode creates a suspension point with a runtime-resolved prompt.
func NewDynamicHumanNode(id, promptKey, fallbackPrompt string, opts ...HumanNodeOption) *DynamicHumanNode {
	n := &DynamicHumanNode{
		HumanNode: HumanNode{id: id, prompt: fallbackPrompt},
		promptKey: promptKey,
	}
	for _, opt := range opts {
		opt(&n.HumanNode)
	}
	return n
}

func (n *DynamicHumanNode) Run(_ context.Context, msg Message) (Message, error) {
	prompt := n.prompt
	if v, ok := msg.Data[n.promptKey]; ok {
		prompt = fmt.Sprintf("%v", v)
	} else if v, ok := msg.Metadata[n.promptKey]; ok {
		prompt = fmt.Sprintf("%v", v)
	}
	return suspendFor(msg, n.id, prompt, n.options, n.timeout, n.allowFreeText)
}

// suspendFor builds the waiting message with its interaction descriptor.
func suspendFor(msg Message, nodeID, prompt string, options []string, timeout time.Duration, freeText bool) (Message, error) {
	now := time.Now()
	interaction := HumanInteraction{
		ID:            NewID(),
		NodeID:        nodeID,
		Prompt:        prompt,
		Options:       append([]string(nil), options...),
		AllowFreeText: freeText,
		Timeout:       timeout,
		CreatedAt:     now,
	}
	if timeout > 0 {
		interaction.ExpiresAt = now.Add(timeout)
	}
	out, err := msg.TransitionTo(StateWaiting, "awaiting human input")
	if err != nil {
		return msg, err
	}
	out = out.WithData(dataInteraction, interaction)
	out.Type = TypeInterrupt
	return out, nil
}

// interactionFrom extracts the HumanInteraction descriptor from a waiting
// message's data, tolerating the map shape produced by JSON round-trips
// through a checkpoint store.
func interactionFrom(data map[string]any) (HumanInteraction, bool) {
	v, ok := data[dataInteraction]
	if !ok {
		return HumanInteraction{}, false
	}
	switch h := v.(type) {
	case HumanInteraction:
		return h, true
	case *HumanInteraction:
		return *h, true
	case map[string]any:
		return interactionFromMap(h), true
	default:
		return HumanInteraction{}, false
	}
}

func interactionFromMap(m map[string]any) HumanInteraction {
	h := HumanInteraction{}
	h.ID, _ = m["id"].(string)
	h.NodeID, _ = m["node_id"].(string)
	h.Prompt, _ = m["prompt"].(string)
	h.Options = toStringSlice(m["options"])
	h.AllowFreeText, _ = m["allow_free_text"].(bool)
	if v, ok := m["timeout"].(float64); ok {
		h.Timeout = time.Duration(v)
	}
	if s, ok := m["created_at"].(string); ok {
		h.CreatedAt, _ = time.Parse(time.RFC3339Nano, s)
	}
	if s, ok := m["expires_at"].(string); ok {
		h.ExpiresAt, _ = time.Parse(time.RFC3339Nano, s)
	}
	return h
}
