package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected -, got %q", got)
	}
	ctx = WithTraceID(ctx, "")
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected - for empty trace, got %q", got)
	}
	ctx = WithTraceID(ctx, "trace-1")
	if got := TraceID(ctx); got != "trace-1" {
		t.Fatalf("expected trace-1, got %q", got)
	}
}

func TestWorkflowAndTaskID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := WorkflowID(ctx); got != "" {
		t.Fatalf("expected empty workflow id, got %q", got)
	}
	if got := TaskID(ctx); got != "" {
		t.Fatalf("expected empty task id, got %q", got)
	}
	ctx = WithTaskID(WithWorkflowID(ctx, "wf-1"), "task-1")
	if got := WorkflowID(ctx); got != "wf-1" {
		t.Fatalf("expected wf-1, got %q", got)
	}
	if got := TaskID(ctx); got != "task-1" {
		t.Fatalf("expected task-1, got %q", got)
	}
}

func TestNewIDs_Unique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		for _, id := range []string{NewTraceID(), NewWorkflowID(), NewTaskID()} {
			if seen[id] {
				t.Fatalf("duplicate id %q", id)
			}
			seen[id] = true
		}
	}
}
