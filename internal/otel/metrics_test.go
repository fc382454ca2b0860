package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.TaskDuration == nil {
		t.Error("TaskDuration is nil")
	}
	if m.TasksExecuted == nil {
		t.Error("TasksExecuted is nil")
	}
	if m.TasksFailed == nil {
		t.Error("TasksFailed is nil")
	}
	if m.PollDuration == nil {
		t.Error("PollDuration is nil")
	}
	if m.ActivityEvents == nil {
		t.Error("ActivityEvents is nil")
	}
	if m.SessionsCaptured == nil {
		t.Error("SessionsCaptured is nil")
	}
	if m.SessionRecaptures == nil {
		t.Error("SessionRecaptures is nil")
	}
	if m.APIRetries == nil {
		t.Error("APIRetries is nil")
	}
	if m.ActiveLeases == nil {
		t.Error("ActiveLeases is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns a noop meter; instruments still create without error.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
