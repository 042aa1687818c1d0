package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

var (
	// ErrIncompatibleSchema marks a version pair whose majors differ.
	ErrIncompatibleSchema = errors.New("incompatible schema")
	// ErrUnknownSchema marks a type/version that was never registered.
	ErrUnknownSchema = errors.New("unknown schema")
)

// Serializer encodes payloads for transport and decodes them back.
type Serializer interface {
	Serialize(v any) (string, error)
	Deserialize(payload string, v any) error
}

// JSONSerializer is the default payload codec.
type JSONSerializer struct{}

func (JSONSerializer) Serialize(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("serialize payload: %w", err)
	}
	return string(b), nil
}

func (JSONSerializer) Deserialize(payload string, v any) error {
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return fmt.Errorf("deserialize payload: %w", err)
	}
	return nil
}

// SchemaInfo is one registered (type, version) pair with its codec.
type SchemaInfo struct {
	Type       string
	Version    string
	Serializer Serializer
	Major      int
	Minor      int
	Patch      int
}

// Compatible reports whether another version of the same type can be decoded
// with this schema. Compatibility is major-version equality.
func (s SchemaInfo) Compatible(other SchemaInfo) bool {
	return s.Type == other.Type && s.Major == other.Major
}

// newer reports whether s orders after other (major, then minor, then patch).
func (s SchemaInfo) newer(other SchemaInfo) bool {
	if s.Major != other.Major {
		return s.Major > other.Major
	}
	if s.Minor != other.Minor {
		return s.Minor > other.Minor
	}
	return s.Patch > other.Patch
}

func parseSemver(version string) (major, minor, patch int, err error) {
	if !semverRe.MatchString(version) {
		return 0, 0, 0, fmt.Errorf("version %q is not MAJOR.MINOR.PATCH", version)
	}
	parts := strings.SplitN(version, ".", 3)
	major, _ = strconv.Atoi(parts[0])
	minor, _ = strconv.Atoi(parts[1])
	patch, _ = strconv.Atoi(parts[2])
	return major, minor, patch, nil
}

// SchemaRegistry tracks the registered versions of each event type and
// decides decode compatibility for subscribers. Safe for concurrent use.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]map[string]SchemaInfo // type -> version -> info
	latest  map[string]SchemaInfo
}

// NewSchemaRegistry creates an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{
		schemas: map[string]map[string]SchemaInfo{},
		latest:  map[string]SchemaInfo{},
	}
}

// Register stores a (type, version, serializer) triple and updates the latest
// version index for the type.
func (r *SchemaRegistry) Register(typeName, version string, s Serializer) error {
	major, minor, patch, err := parseSemver(version)
	if err != nil {
		return fmt.Errorf("register %s: %w", typeName, err)
	}
	if typeName == "" {
		return fmt.Errorf("register: empty type name")
	}
	if s == nil {
		s = JSONSerializer{}
	}
	info := SchemaInfo{
		Type: typeName, Version: version, Serializer: s,
		Major: major, Minor: minor, Patch: patch,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.schemas[typeName] == nil {
		r.schemas[typeName] = map[string]SchemaInfo{}
	}
	r.schemas[typeName][version] = info
	if current, ok := r.latest[typeName]; !ok || info.newer(current) {
		r.latest[typeName] = info
	}
	return nil
}

// Lookup returns the schema for an exact (type, version) pair.
func (r *SchemaRegistry) Lookup(typeName, version string) (SchemaInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.schemas[typeName][version]
	return info, ok
}

// Latest returns the highest registered version for a type.
func (r *SchemaRegistry) Latest(typeName string) (SchemaInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.latest[typeName]
	return info, ok
}

// IsCompatible reports whether two registered versions of a type share a
// major version. Unregistered versions are never compatible.
func (r *SchemaRegistry) IsCompatible(typeName, fromVersion, toVersion string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	from, okFrom := r.schemas[typeName][fromVersion]
	to, okTo := r.schemas[typeName][toVersion]
	return okFrom && okTo && from.Major == to.Major
}

// Migrate rewrites an envelope to a target version of a type. Within a major
// version this is an identity cast of the payload; across majors it fails
// with ErrIncompatibleSchema. Real payload migration is an authoring-time
// concern outside this registry.
func (r *SchemaRegistry) Migrate(e Envelope, fromVersion, toVersion, targetType string) (Envelope, error) {
	r.mu.RLock()
	from, okFrom := r.schemas[targetType][fromVersion]
	to, okTo := r.schemas[targetType][toVersion]
	r.mu.RUnlock()

	if !okFrom || !okTo {
		return Envelope{}, fmt.Errorf("migrate %s %s->%s: %w", targetType, fromVersion, toVersion, ErrUnknownSchema)
	}
	if from.Major != to.Major {
		return Envelope{}, fmt.Errorf("migrate %s %s->%s: %w", targetType, fromVersion, toVersion, ErrIncompatibleSchema)
	}
	out := e
	out.Type = targetType
	out.SchemaVersion = toVersion
	return out, nil
}
