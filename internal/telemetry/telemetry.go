// Package telemetry wraps OpenTelemetry tracing around the platform's
// suspension points: model calls, rate limit quota acquisition, storage
// I/O, and platform (bot-command) I/O. It mirrors the original Rust
// implementation's `tracing::instrument` spans, one per crate, except the
// span tree here is built directly on OpenTelemetry rather than a
// tracing-to-OTel bridge.
//
// The process that wires a real exporter (an OTLP collector, a vendor
// backend) registers its TracerProvider globally via
// go.opentelemetry.io/otel's SetTracerProvider before calling NewTracer;
// absent that, otel.Tracer returns the package's no-op implementation, so
// every span created here is always safe to create and end.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer creates spans for one named component (backend, ratelimit,
// storage, security), each under its own tracer name "botticelli/<component>".
type Tracer struct {
	name   string
	tracer trace.Tracer
}

// NewTracer returns a Tracer that names its component in every span it
// creates.
func NewTracer(component string) *Tracer {
	return &Tracer{name: component, tracer: otel.Tracer("botticelli/" + component)}
}

// Start begins a new span and returns the context carrying it. The caller
// must call span.End().
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	opts := []trace.SpanStartOption{trace.WithSpanKind(trace.SpanKindInternal)}
	if len(attrs) > 0 {
		opts = append(opts, trace.WithAttributes(attrs...))
	}
	return t.tracer.Start(ctx, name, opts...)
}

// RecordError records err on span and marks it failed, unless err is nil.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// ModelCall traces a model backend request, the original's
// `botticelli_backend` suspension point.
func (t *Tracer) ModelCall(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	return t.Start(ctx, fmt.Sprintf("backend.%s.generate", provider),
		attribute.String("backend.provider", provider),
		attribute.String("backend.model", model),
	)
}

// QuotaAcquire traces a rate limiter Acquire call, the original's
// `botticelli_ratelimit` suspension point.
func (t *Tracer) QuotaAcquire(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	return t.Start(ctx, "ratelimit.acquire",
		attribute.String("ratelimit.provider", provider),
		attribute.String("ratelimit.model", model),
	)
}

// StorageIO traces a dynamic storage table read or write, the original's
// `botticelli_storage` suspension point.
func (t *Tracer) StorageIO(ctx context.Context, operation, table string) (context.Context, trace.Span) {
	return t.Start(ctx, fmt.Sprintf("storage.%s", operation),
		attribute.String("storage.operation", operation),
		attribute.String("storage.table", table),
	)
}

// PlatformIO traces a bot-command dispatch to a platform adapter, the
// original's `botticelli_security`/platform suspension point.
func (t *Tracer) PlatformIO(ctx context.Context, platform, command string) (context.Context, trace.Span) {
	return t.Start(ctx, fmt.Sprintf("platform.%s.%s", platform, command),
		attribute.String("platform.name", platform),
		attribute.String("platform.command", command),
	)
}

// WithSpan runs fn inside a new span, recording any error it returns and
// always ending the span afterward.
func (t *Tracer) WithSpan(ctx context.Context, name string, fn func(context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, span := t.Start(ctx, name, attrs...)
	defer span.End()
	err := fn(ctx)
	t.RecordError(span, err)
	return err
}
