// Package observer provides OTEL-based observability for workflow execution.
//
// It exposes engine-level instruments (run counts, node and tool durations,
// cache hits, checkpoint saves) plus a spice.Tracer implementation and a tool
// lifecycle listener that records metrics. Users export to any
// OTEL-compatible backend by setting standard OTEL env vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/no-ai-labs/spice/observer"

// Instruments holds all OTEL instruments used by the observer integrations.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Counters
	RunsStarted     metric.Int64Counter
	RunsCompleted   metric.Int64Counter
	RunsFailed      metric.Int64Counter
	RunsPaused      metric.Int64Counter
	ToolExecutions  metric.Int64Counter
	ToolCacheHits   metric.Int64Counter
	CheckpointSaves metric.Int64Counter

	// Histograms
	NodeDuration metric.Float64Histogram
	ToolDuration metric.Float64Histogram
	RunDuration  metric.Float64Histogram
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP exporters.
// Configuration comes from standard OTEL env vars (OTEL_EXPORTER_OTLP_ENDPOINT, etc.).
// Returns a shutdown function that must be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("spice")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	// Trace provider
	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Metric provider
	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	// Log provider
	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	runsStarted, err := meter.Int64Counter("workflow.runs.started",
		metric.WithDescription("Workflow runs started"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	runsCompleted, err := meter.Int64Counter("workflow.runs.completed",
		metric.WithDescription("Workflow runs completed successfully"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	runsFailed, err := meter.Int64Counter("workflow.runs.failed",
		metric.WithDescription("Workflow runs that failed"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	runsPaused, err := meter.Int64Counter("workflow.runs.paused",
		metric.WithDescription("Workflow runs suspended pending external input"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	toolExecutions, err := meter.Int64Counter("workflow.tool.executions",
		metric.WithDescription("Tool execution count"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	toolCacheHits, err := meter.Int64Counter("workflow.tool.cache_hits",
		metric.WithDescription("Tool invocations served from the idempotency cache"),
		metric.WithUnit("{hit}"))
	if err != nil {
		return nil, err
	}

	checkpointSaves, err := meter.Int64Counter("workflow.checkpoint.saves",
		metric.WithDescription("Checkpoints persisted"),
		metric.WithUnit("{checkpoint}"))
	if err != nil {
		return nil, err
	}

	nodeDuration, err := meter.Float64Histogram("workflow.node.duration",
		metric.WithDescription("Node activation duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	toolDuration, err := meter.Float64Histogram("workflow.tool.duration",
		metric.WithDescription("Tool execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram("workflow.run.duration",
		metric.WithDescription("End-to-end run duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:          tracer,
		Meter:           meter,
		Logger:          logger,
		RunsStarted:     runsStarted,
		RunsCompleted:   runsCompleted,
		RunsFailed:      runsFailed,
		RunsPaused:      runsPaused,
		ToolExecutions:  toolExecutions,
		ToolCacheHits:   toolCacheHits,
		CheckpointSaves: checkpointSaves,
		NodeDuration:    nodeDuration,
		ToolDuration:    toolDuration,
		RunDuration:     runDuration,
	}, nil
}
