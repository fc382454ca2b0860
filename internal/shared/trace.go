package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type taskIDKey struct{}
type platformIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithTaskID attaches a task_id to the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskID extracts task_id from context. Returns "" if absent.
func TaskID(ctx context.Context) string {
	if v, ok := ctx.Value(taskIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithPlatformID attaches a platform account id to the context.
func WithPlatformID(ctx context.Context, platformID string) context.Context {
	return context.WithValue(ctx, platformIDKey{}, platformID)
}

// PlatformID extracts the platform account id from context. Returns "" if absent.
func PlatformID(ctx context.Context) string {
	if v, ok := ctx.Value(platformIDKey{}).(string); ok {
		return v
	}
	return ""
}
