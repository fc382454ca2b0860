package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Telemetry bundles the tracer and instruments that components record into.
// A nil Telemetry is a no-op, so tests and one-shot CLI commands can skip it.
type Telemetry struct {
	Tracer  trace.Tracer
	Metrics *Metrics
}

var noopTracer = nooptrace.NewTracerProvider().Tracer(TracerName)

// Span starts an internal span, or a no-op span when no tracer is wired.
func (t *Telemetry) Span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil || t.Tracer == nil {
		return noopTracer.Start(ctx, name)
	}
	return StartSpan(ctx, t.Tracer, name, attrs...)
}

// TaskObserved records one task execution duration in seconds.
func (t *Telemetry) TaskObserved(ctx context.Context, seconds float64, attrs ...attribute.KeyValue) {
	if t == nil || t.Metrics == nil {
		return
	}
	t.Metrics.TaskDuration.Record(ctx, seconds, metric.WithAttributes(attrs...))
}

// PollObserved records one activity poll duration in seconds.
func (t *Telemetry) PollObserved(ctx context.Context, seconds float64, attrs ...attribute.KeyValue) {
	if t == nil || t.Metrics == nil {
		return
	}
	t.Metrics.PollDuration.Record(ctx, seconds, metric.WithAttributes(attrs...))
}

// LeaseAcquired bumps the gauge of held browser leases.
func (t *Telemetry) LeaseAcquired(ctx context.Context) {
	if t == nil || t.Metrics == nil {
		return
	}
	t.Metrics.ActiveLeases.Add(ctx, 1)
}

// LeaseReleased drops the gauge of held browser leases.
func (t *Telemetry) LeaseReleased(ctx context.Context) {
	if t == nil || t.Metrics == nil {
		return
	}
	t.Metrics.ActiveLeases.Add(ctx, -1)
}
