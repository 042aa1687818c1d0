package spice

// Metadata keys promoted to first-class AgentContext fields.
const (
	MetaUserID        = "userId"
	MetaTenantID      = "tenantId"
	MetaSessionID     = "sessionId"
	MetaCorrelationID = "correlationId"
	MetaRequestID     = "requestId"
	MetaTraceID       = "traceId"
	MetaSpanID        = "spanId"
	MetaLocale        = "locale"
	MetaTimezone      = "timezone"
	MetaPermissions   = "permissions"
	MetaFeatures      = "features"
)

// Runner-managed metadata keys.
const (
	MetaSubgraphDepth     = "subgraphDepth"
	MetaIsSubgraph        = "isSubgraph"
	MetaParentGraphID     = "parentGraphId"
	MetaParentRunID       = "parentRunId"
	MetaSubgraphPath      = "subgraphPath"
	MetaSubgraphEnteredAt = "subgraphEnteredAt"
	MetaBranchID          = "branch-id"
)

// AgentContext is a structured view over message metadata: the cross-cutting
// identity and tracing envelope promoted to typed access. Unknown metadata
// keys are preserved verbatim in Extra.
type AgentContext struct {
	UserID        string   `json:"user_id,omitempty"`
	TenantID      string   `json:"tenant_id,omitempty"`
	SessionID     string   `json:"session_id,omitempty"`
	CorrelationID string   `json:"correlation_id,omitempty"`
	RequestID     string   `json:"request_id,omitempty"`
	TraceID       string   `json:"trace_id,omitempty"`
	SpanID        string   `json:"span_id,omitempty"`
	Locale        string   `json:"locale,omitempty"`
	Timezone      string   `json:"timezone,omitempty"`
	Permissions   []string `json:"permissions,omitempty"`
	Features      []string `json:"features,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// ContextFromMetadata builds an AgentContext from a metadata map. Recognized
// keys are promoted; everything else lands in Extra.
func ContextFromMetadata(md map[string]any) *AgentContext {
	c := &AgentContext{}
	for k, v := range md {
		switch k {
		case MetaUserID:
			c.UserID, _ = v.(string)
		case MetaTenantID:
			c.TenantID, _ = v.(string)
		case MetaSessionID:
			c.SessionID, _ = v.(string)
		case MetaCorrelationID:
			c.CorrelationID, _ = v.(string)
		case MetaRequestID:
			c.RequestID, _ = v.(string)
		case MetaTraceID:
			c.TraceID, _ = v.(string)
		case MetaSpanID:
			c.SpanID, _ = v.(string)
		case MetaLocale:
			c.Locale, _ = v.(string)
		case MetaTimezone:
			c.Timezone, _ = v.(string)
		case MetaPermissions:
			c.Permissions = toStringSlice(v)
		case MetaFeatures:
			c.Features = toStringSlice(v)
		default:
			if c.Extra == nil {
				c.Extra = map[string]any{}
			}
			c.Extra[k] = v
		}
	}
	return c
}

// ToMetadata flattens the context back into a metadata map. The inverse of
// ContextFromMetadata up to permission/feature ordering.
func (c *AgentContext) ToMetadata() map[string]any {
	md := make(map[string]any, len(c.Extra)+11)
	for k, v := range c.Extra {
		md[k] = v
	}
	set := func(k, v string) {
		if v != "" {
			md[k] = v
		}
	}
	set(MetaUserID, c.UserID)
	set(MetaTenantID, c.TenantID)
	set(MetaSessionID, c.SessionID)
	set(MetaCorrelationID, c.CorrelationID)
	set(MetaRequestID, c.RequestID)
	set(MetaTraceID, c.TraceID)
	set(MetaSpanID, c.SpanID)
	set(MetaLocale, c.Locale)
	set(MetaTimezone, c.Timezone)
	if len(c.Permissions) > 0 {
		md[MetaPermissions] = append([]string(nil), c.Permissions...)
	}
	if len(c.Features) > 0 {
		md[MetaFeatures] = append([]string(nil), c.Features...)
	}
	return md
}

// HasPermission reports whether the context carries the named permission.
func (c *AgentContext) HasPermission(p string) bool {
	for _, have := range c.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

// HasFeature reports whether the named feature flag is enabled.
func (c *AgentContext) HasFeature(f string) bool {
	for _, have := range c.Features {
		if have == f {
			return true
		}
	}
	return false
}

func toStringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return append([]string(nil), s...)
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}
