package observer

import (
	"context"
	"time"

	"github.com/no-ai-labs/spice"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ToolListener records tool lifecycle events as metrics. Register it on a
// graph with spice.WithToolLifecycleListeners.
type ToolListener struct {
	inst *Instruments
}

var _ spice.ToolLifecycleListener = (*ToolListener)(nil)

// NewToolListener creates a metrics-recording tool lifecycle listener.
func NewToolListener(inst *Instruments) *ToolListener {
	return &ToolListener{inst: inst}
}

func (l *ToolListener) OnStart(toolName, fingerprint string) {
	l.inst.ToolExecutions.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("tool.name", toolName),
		))
}

func (l *ToolListener) OnSuccess(toolName string, _ any, latency time.Duration) {
	l.inst.ToolDuration.Record(context.Background(), float64(latency.Milliseconds()),
		metric.WithAttributes(
			attribute.String("tool.name", toolName),
			attribute.Bool("tool.success", true),
		))
}

func (l *ToolListener) OnError(toolName string, err error, latency time.Duration) {
	l.inst.ToolDuration.Record(context.Background(), float64(latency.Milliseconds()),
		metric.WithAttributes(
			attribute.String("tool.name", toolName),
			attribute.Bool("tool.success", false),
			attribute.String("tool.error", err.Error()),
		))
}

func (l *ToolListener) OnCacheHit(toolName string) {
	l.inst.ToolCacheHits.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("tool.name", toolName),
		))
}
