// Package otel exports run spans over OTLP/HTTP when tracing is configured.
package otel

import (
	"context"
	"crypto/tls"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/weftlabs/weft/internal/build"
	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/core"
)

// tracerName identifies spans produced by this module.
const tracerName = "github.com/weftlabs/weft"

// Tracer wraps the OpenTelemetry tracer with run-shaped helpers. A nil
// *Tracer or a disabled one yields no-op spans, so callers wire it
// unconditionally.
type Tracer struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
	enabled  bool
}

// NewTracer builds a tracer from the tracing configuration. With tracing
// disabled it returns a no-op tracer and no provider.
func NewTracer(ctx context.Context, cfg config.Tracing) (*Tracer, error) {
	if !cfg.Enabled {
		return &Tracer{}, nil
	}

	// An empty endpoint falls through to the exporter default, localhost:4318.
	var opts []otlptracehttp.Option
	if cfg.Endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	} else {
		opts = append(opts, otlptracehttp.WithTLSClientConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	}
	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(build.Slug),
			semconv.ServiceVersion(build.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return &Tracer{
		tracer:   otel.Tracer(tracerName),
		provider: provider,
		enabled:  true,
	}, nil
}

// IsEnabled reports whether spans are exported.
func (t *Tracer) IsEnabled() bool { return t != nil && t.enabled }

// StartRun opens the span covering one run execution.
func (t *Tracer) StartRun(ctx context.Context, run *core.Run) (context.Context, trace.Span) {
	if !t.IsEnabled() {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, "run "+run.DAGName, trace.WithAttributes(
		attribute.String("weft.run.id", run.ID),
		attribute.String("weft.dag.name", run.DAGName),
	))
}

// RecordEvent attaches one run event to the span.
func (t *Tracer) RecordEvent(span trace.Span, ev *core.Event) {
	if !t.IsEnabled() || span == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.Int64("weft.event.seq", ev.Seq)}
	if ev.BlockID != "" {
		attrs = append(attrs, attribute.String("weft.block.id", ev.BlockID))
	}
	span.AddEvent(string(ev.Type), trace.WithAttributes(attrs...))
}

// EndRun closes the run span with the terminal status.
func (t *Tracer) EndRun(span trace.Span, run *core.Run) {
	if !t.IsEnabled() || span == nil {
		return
	}
	span.SetAttributes(
		attribute.String("weft.run.status", string(run.Status)),
		attribute.Int64("weft.run.tokens_used", run.TokensUsed),
	)
	switch run.Status {
	case core.RunCompleted, core.RunIterated:
		span.SetStatus(codes.Ok, "")
	default:
		span.SetStatus(codes.Error, run.Reason)
	}
	span.End()
}

// Shutdown flushes pending spans and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
