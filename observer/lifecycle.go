package observer

import (
	"context"

	"github.com/no-ai-labs/spice"
	"github.com/no-ai-labs/spice/event"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// LifecycleHandler returns an event.Handler that counts run lifecycle
// envelopes. Subscribe it to spice.LifecycleChannel on the graph's bus:
//
//	bus.Subscribe(spice.LifecycleChannel, observer.LifecycleHandler(inst))
func LifecycleHandler(inst *Instruments) event.Handler {
	return func(ctx context.Context, e event.Envelope) error {
		attrs := metric.WithAttributes(attribute.String("event.type", e.Type))
		switch e.Type {
		case spice.EventRunStarted:
			inst.RunsStarted.Add(ctx, 1, attrs)
		case spice.EventRunCompleted:
			inst.RunsCompleted.Add(ctx, 1, attrs)
		case spice.EventRunFailed:
			inst.RunsFailed.Add(ctx, 1, attrs)
		case spice.EventRunPaused, spice.EventRunResumed:
			inst.RunsPaused.Add(ctx, 1, attrs)
		}
		return nil
	}
}
