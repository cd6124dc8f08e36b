package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the workflow engine's instruments. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	TaskDuration     metric.Float64Histogram
	TaskOutcomes     metric.Int64Counter
	TaskRetries      metric.Int64Counter
	WorkflowFailures metric.Int64Counter
	ToolCallDuration metric.Float64Histogram
	ToolCallErrors   metric.Int64Counter
	LLMCallDuration  metric.Float64Histogram
	QueueRequeues    metric.Int64Counter
	RateLimitRejects metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.TaskDuration, err = meter.Float64Histogram("triage.task.duration",
		metric.WithDescription("Agent task processing duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.TaskOutcomes, err = meter.Int64Counter("triage.task.outcomes",
		metric.WithDescription("Processed tasks by agent and outcome"),
	); err != nil {
		return nil, err
	}
	if m.TaskRetries, err = meter.Int64Counter("triage.task.retries",
		metric.WithDescription("Tasks requeued after a retryable fault"),
	); err != nil {
		return nil, err
	}
	if m.WorkflowFailures, err = meter.Int64Counter("triage.workflow.failures",
		metric.WithDescription("Workflows marked FAILED"),
	); err != nil {
		return nil, err
	}
	if m.ToolCallDuration, err = meter.Float64Histogram("triage.tool.duration",
		metric.WithDescription("Tool execution duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.ToolCallErrors, err = meter.Int64Counter("triage.tool.errors",
		metric.WithDescription("Tool execution error count"),
	); err != nil {
		return nil, err
	}
	if m.LLMCallDuration, err = meter.Float64Histogram("triage.llm.duration",
		metric.WithDescription("Reasoning call duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.QueueRequeues, err = meter.Int64Counter("triage.queue.requeues",
		metric.WithDescription("Tasks pushed back because they were not yet ready"),
	); err != nil {
		return nil, err
	}
	if m.RateLimitRejects, err = meter.Int64Counter("triage.ratelimit.rejects",
		metric.WithDescription("Incident submissions rejected by the rate limiter"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordTask records one dispatch attempt.
func (m *Metrics) RecordTask(ctx context.Context, agent, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrAgent.String(agent), AttrOutcome.String(outcome))
	m.TaskDuration.Record(ctx, elapsed.Seconds(), attrs)
	m.TaskOutcomes.Add(ctx, 1, attrs)
}

// RecordRetry counts a requeue after a retryable fault.
func (m *Metrics) RecordRetry(ctx context.Context, agent string) {
	if m == nil {
		return
	}
	m.TaskRetries.Add(ctx, 1, metric.WithAttributes(AttrAgent.String(agent)))
}

// RecordWorkflowFailure counts a workflow transition to FAILED.
func (m *Metrics) RecordWorkflowFailure(ctx context.Context, class string) {
	if m == nil {
		return
	}
	m.WorkflowFailures.Add(ctx, 1, metric.WithAttributes(AttrFaultClass.String(class)))
}

// RecordTool records one tool execution.
func (m *Metrics) RecordTool(ctx context.Context, tool string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrToolName.String(tool))
	m.ToolCallDuration.Record(ctx, elapsed.Seconds(), attrs)
	if err != nil {
		m.ToolCallErrors.Add(ctx, 1, attrs)
	}
}

// RecordLLM records one reasoning call.
func (m *Metrics) RecordLLM(ctx context.Context, provider string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.LLMCallDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		AttrProvider.String(provider),
		attribute.Bool("error", err != nil),
	))
}

// RecordRequeue counts a not-yet-ready task pushed back onto the queue.
func (m *Metrics) RecordRequeue(ctx context.Context) {
	if m == nil {
		return
	}
	m.QueueRequeues.Add(ctx, 1)
}

// RecordRateLimitReject counts a rejected submission.
func (m *Metrics) RecordRateLimitReject(ctx context.Context) {
	if m == nil {
		return
	}
	m.RateLimitRejects.Add(ctx, 1)
}
