package otel

import (
	"context"
	"testing"
)

func TestTelemetry_NilIsNoop(t *testing.T) {
	var tel *Telemetry
	ctx, span := tel.Span(context.Background(), "test.op")
	if ctx == nil || span == nil {
		t.Fatal("nil telemetry must still yield a usable span")
	}
	span.End()

	// None of these may panic without instruments wired.
	tel.TaskObserved(ctx, 0.5)
	tel.PollObserved(ctx, 0.5)
	tel.LeaseAcquired(ctx)
	tel.LeaseReleased(ctx)
}

func TestTelemetry_RecordsThroughInstruments(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	tel := &Telemetry{Tracer: p.Tracer, Metrics: m}

	ctx, span := tel.Span(context.Background(), "test.op", AttrPlatformID.String("acct-1"))
	if !span.SpanContext().IsValid() {
		t.Fatal("wired telemetry produced an invalid span")
	}
	tel.TaskObserved(ctx, 1.2, AttrTaskType.String("POST_CONTENT"))
	tel.PollObserved(ctx, 0.3, AttrPlatformID.String("acct-1"))
	tel.LeaseAcquired(ctx)
	tel.LeaseReleased(ctx)
	span.End()
}
