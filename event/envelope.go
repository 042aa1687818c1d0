// Package event provides the versioned integration-event layer: envelopes, a
// schema registry, publish/subscribe buses, and a dead-letter queue for
// undeliverable envelopes.
package event

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// semverRe is enforced at envelope construction and at schema registration.
var semverRe = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// Metadata carries transport-level key/value pairs alongside an envelope's
// payload. Keys are free-form; the engine never interprets them.
type Metadata map[string]string

// Envelope wraps a serialized event for transport. All identifying fields are
// non-empty and SchemaVersion is strict MAJOR.MINOR.PATCH; envelopes that
// exist passed construction-time validation.
type Envelope struct {
	ID            string    `json:"id"`
	Channel       string    `json:"channel"`
	Type          string    `json:"type"`
	SchemaVersion string    `json:"schema_version"`
	Payload       string    `json:"payload"`
	Metadata      Metadata  `json:"metadata,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	// CorrelationID groups every envelope of one logical workflow.
	CorrelationID string `json:"correlation_id,omitempty"`
	// CausationID points at the envelope that directly caused this one.
	CausationID string `json:"causation_id,omitempty"`
}

// EnvelopeOption sets optional envelope fields at construction.
type EnvelopeOption func(*Envelope)

// WithCorrelationID sets the workflow-level grouping id.
func WithCorrelationID(id string) EnvelopeOption {
	return func(e *Envelope) { e.CorrelationID = id }
}

// WithCausationID records the envelope that caused this one.
func WithCausationID(id string) EnvelopeOption {
	return func(e *Envelope) { e.CausationID = id }
}

// WithMetadata merges transport metadata onto the envelope.
func WithMetadata(md Metadata) EnvelopeOption {
	return func(e *Envelope) {
		if e.Metadata == nil {
			e.Metadata = Metadata{}
		}
		for k, v := range md {
			e.Metadata[k] = v
		}
	}
}

// NewEnvelope builds a validated envelope. Channel, event type, version, and
// payload must be non-empty; version must match MAJOR.MINOR.PATCH.
func NewEnvelope(channel, eventType, schemaVersion, payload string, opts ...EnvelopeOption) (Envelope, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope id: %w", err)
	}
	e := Envelope{
		ID:            id.String(),
		Channel:       channel,
		Type:          eventType,
		SchemaVersion: schemaVersion,
		Payload:       payload,
		Timestamp:     time.Now(),
	}
	for _, opt := range opts {
		opt(&e)
	}
	if err := e.validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

func (e Envelope) validate() error {
	switch {
	case e.Channel == "":
		return fmt.Errorf("envelope: empty channel")
	case e.Type == "":
		return fmt.Errorf("envelope: empty event type")
	case e.Payload == "":
		return fmt.Errorf("envelope: empty payload")
	case !semverRe.MatchString(e.SchemaVersion):
		return fmt.Errorf("envelope: schema version %q is not MAJOR.MINOR.PATCH", e.SchemaVersion)
	}
	return nil
}
