package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type workflowIDKey struct{}
type taskIDKey struct{}

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

// WithWorkflowID attaches a workflow_id to the context.
func WithWorkflowID(ctx context.Context, workflowID string) context.Context {
	return context.WithValue(ctx, workflowIDKey{}, workflowID)
}

// WorkflowID extracts workflow_id from context. Returns "" if absent.
func WorkflowID(ctx context.Context) string {
	if v, ok := ctx.Value(workflowIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewWorkflowID generates a new workflow_id.
func NewWorkflowID() string {
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

// NewTaskID generates a new task_id.
func NewTaskID() string {
	return uuid.NewString()
}
