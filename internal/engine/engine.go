// Package engine runs the consumer loops that pop tasks, dispatch them to
// agents and apply the retry policy.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-triage/internal/agents"
	"github.com/basket/go-triage/internal/bus"
	"github.com/basket/go-triage/internal/fault"
	"github.com/basket/go-triage/internal/model"
	otelPkg "github.com/basket/go-triage/internal/otel"
	"github.com/basket/go-triage/internal/shared"
	"github.com/basket/go-triage/internal/taskqueue"
	"github.com/basket/go-triage/internal/workflow"
)

type Config struct {
	Workers      int
	MaxRetries   int
	Backoff      Backoff
	RequeuePause time.Duration
	CrashPause   time.Duration
	TaskTimeout  time.Duration
	Bus          *bus.Bus
	Metrics      *otelPkg.Metrics
	Tracer       trace.Tracer
	Logger       *slog.Logger
	// Clock defaults to time.Now.
	Clock func() time.Time
}

type Status struct {
	WorkerCount int    `json:"worker_count"`
	ActiveTasks int32  `json:"active_tasks"`
	Processed   int64  `json:"processed"`
	Retried     int64  `json:"retried"`
	Failed      int64  `json:"failed"`
	LastError   string `json:"last_error,omitempty"`
}

type Engine struct {
	queue   taskqueue.Queue
	tracker *workflow.Tracker
	agents  map[model.AgentType]agents.Agent
	config  Config
	logger  *slog.Logger

	once sync.Once
	wg   sync.WaitGroup

	activeTasks atomic.Int32
	processed   atomic.Int64
	retried     atomic.Int64
	failed      atomic.Int64
	lastError   atomic.Pointer[string]
}

// New builds an engine that dispatches to the given agents by type. A later
// agent with the same type replaces an earlier one.
func New(queue taskqueue.Queue, tracker *workflow.Tracker, cfg Config, registered ...agents.Agent) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RequeuePause <= 0 {
		cfg.RequeuePause = 50 * time.Millisecond
	}
	if cfg.CrashPause < 0 {
		cfg.CrashPause = 0
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 10 * time.Minute
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otelPkg.Noop().Tracer
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	table := make(map[model.AgentType]agents.Agent, len(registered))
	for _, a := range registered {
		if a != nil {
			table[a.Type()] = a
		}
	}
	return &Engine{
		queue:   queue,
		tracker: tracker,
		agents:  table,
		config:  cfg,
		logger:  logger.With("component", "engine"),
	}
}

// Start launches the consumer loops. They stop at the next pop boundary once
// ctx is done; tasks already popped run to completion.
func (e *Engine) Start(ctx context.Context) {
	e.once.Do(func() {
		e.logger.Info("engine starting", "workers", e.config.Workers, "max_retries", e.config.MaxRetries,
			"backoff", string(e.config.Backoff.Strategy), "backoff_base", e.config.Backoff.Base)
		for i := 0; i < e.config.Workers; i++ {
			e.wg.Add(1)
			go func(id int) {
				defer e.wg.Done()
				e.worker(ctx, id)
			}(i)
		}
	})
}

func (e *Engine) Wait() {
	e.wg.Wait()
}

// Drain waits up to timeout for the consumer loops to exit after their
// context was canceled. It reports whether they all did.
func (e *Engine) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info("engine drained cleanly")
		return true
	case <-time.After(timeout):
		e.logger.Warn("engine drain timeout; in-flight tasks abandoned", "timeout", timeout, "active_tasks", e.activeTasks.Load())
		return false
	}
}

func (e *Engine) worker(ctx context.Context, id int) {
	logger := e.logger.With("worker", id)
	for {
		if ctx.Err() != nil {
			logger.Debug("consumer loop stopping")
			return
		}

		task, ok, err := e.queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, taskqueue.ErrClosed) {
				logger.Debug("consumer loop stopping", "reason", err)
				return
			}
			e.setLastError(fmt.Errorf("pop: %w", err))
			logger.Error("queue pop failed", "error", err)
			e.pause(ctx, e.config.RequeuePause)
			continue
		}
		if !ok {
			continue
		}

		if !task.ReadyAt(e.config.Clock()) {
			e.requeue(ctx, task)
			continue
		}
		e.handleTask(ctx, task)
	}
}

// requeue pushes back a task that is not due yet.
func (e *Engine) requeue(ctx context.Context, task model.Task) {
	if err := e.queue.Push(context.WithoutCancel(ctx), task); err != nil {
		e.setLastError(fmt.Errorf("requeue %s: %w", task.TaskID, err))
		e.logger.Error("requeue failed; task lost", "task_id", task.TaskID, "workflow_id", task.WorkflowID, "error", err)
	}
	e.config.Metrics.RecordRequeue(ctx)
	e.publishEvent(bus.TopicTaskRequeued, bus.TaskEvent{
		WorkflowID: task.WorkflowID,
		TaskID:     task.TaskID,
		Agent:      string(task.TargetAgent),
		RetryCount: task.RetryCount,
	})
	e.pause(ctx, e.config.RequeuePause)
}

func (e *Engine) handleTask(ctx context.Context, task model.Task) {
	traceID := shared.NewTraceID()
	runCtx := context.WithoutCancel(ctx)
	runCtx = shared.WithTraceID(runCtx, traceID)
	runCtx = shared.WithWorkflowID(runCtx, task.WorkflowID)
	runCtx = shared.WithTaskID(runCtx, task.TaskID)
	runCtx, cancel := context.WithTimeout(runCtx, e.config.TaskTimeout)
	defer cancel()

	runCtx, span := otelPkg.StartSpan(runCtx, e.config.Tracer, "engine.dispatch",
		otelPkg.AttrWorkflowID.String(task.WorkflowID),
		otelPkg.AttrTaskID.String(task.TaskID),
		otelPkg.AttrAgent.String(string(task.TargetAgent)),
		otelPkg.AttrRetryCount.Int(task.RetryCount),
	)
	defer span.End()

	logger := e.logger.With(
		"workflow_id", task.WorkflowID,
		"task_id", task.TaskID,
		"agent", string(task.TargetAgent),
		"trace_id", traceID,
	)
	logger.Info("task processing", "retry_count", task.RetryCount)

	e.activeTasks.Add(1)
	defer e.activeTasks.Add(-1)
	start := time.Now()

	downstream, err := e.dispatch(runCtx, task)
	if err == nil {
		err = e.pushAll(runCtx, downstream)
	}
	e.processed.Add(1)

	if err == nil {
		span.SetAttributes(otelPkg.AttrOutcome.String("ok"))
		e.config.Metrics.RecordTask(runCtx, string(task.TargetAgent), "ok", time.Since(start))
		logger.Info("task done", "downstream", len(downstream), "elapsed", time.Since(start))
		return
	}

	class := fault.ClassOf(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(otelPkg.AttrOutcome.String("fault"), otelPkg.AttrFaultClass.String(string(class)))
	e.config.Metrics.RecordTask(runCtx, string(task.TargetAgent), string(class), time.Since(start))
	e.setLastError(err)

	switch class {
	case fault.ClassRetryable:
		e.retry(runCtx, logger, task, err)
	case fault.ClassTerminal:
		logger.Error("terminal fault; failing workflow", "error", err)
		e.fail(runCtx, logger, task, class, err.Error())
	default:
		var p *fault.Panic
		if errors.As(err, &p) {
			logger.Error("agent panicked; failing workflow", "error", err, "stack", string(p.Stack))
		} else {
			logger.Error("unexpected fault; failing workflow", "error", err)
		}
		e.fail(runCtx, logger, task, fault.ClassUnexpected, err.Error())
		e.pause(ctx, e.config.CrashPause)
	}
}

// dispatch runs the agent for task, turning a panic into a fault.Panic.
func (e *Engine) dispatch(ctx context.Context, task model.Task) (out []model.Task, err error) {
	agent, ok := e.agents[task.TargetAgent]
	if !ok {
		return nil, fault.Terminalf("no agent registered for type %q", task.TargetAgent)
	}
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = &fault.Panic{Value: r, Stack: debug.Stack()}
		}
	}()
	return agent.Process(ctx, task)
}

// pushAll enqueues downstream tasks. A failed push is retryable, and the
// agent re-runs in full, so tasks pushed before the failure are enqueued
// again. Workers write one result slot per tool and the Reviewer claims the
// join by CAS, so the duplicates do not change the outcome.
func (e *Engine) pushAll(ctx context.Context, tasks []model.Task) error {
	for _, next := range tasks {
		if err := e.queue.Push(ctx, next); err != nil {
			return fault.Retryable(fmt.Errorf("push %s task %s: %w", next.TargetAgent, next.TaskID, err))
		}
	}
	return nil
}

func (e *Engine) retry(ctx context.Context, logger *slog.Logger, task model.Task, cause error) {
	if task.RetryCount >= e.config.MaxRetries {
		logger.Error("max retries reached; failing workflow", "retry_count", task.RetryCount, "error", cause)
		e.fail(ctx, logger, task, fault.ClassRetryable, cause.Error())
		return
	}

	delay := e.config.Backoff.Delay(task.RetryCount)
	task.RetryCount++
	task.NextRetryTimestamp = e.config.Clock().Add(delay).UnixMilli()
	if err := e.queue.Push(ctx, task); err != nil {
		logger.Error("retry push failed; failing workflow", "error", err)
		e.fail(ctx, logger, task, fault.ClassRetryable, cause.Error())
		return
	}
	e.retried.Add(1)
	e.config.Metrics.RecordRetry(ctx, string(task.TargetAgent))
	logger.Warn("retryable fault; task requeued", "retry_count", task.RetryCount, "delay", delay, "error", cause)
	e.publishEvent(bus.TopicTaskRetrying, bus.TaskEvent{
		WorkflowID: task.WorkflowID,
		TaskID:     task.TaskID,
		Agent:      string(task.TargetAgent),
		RetryCount: task.RetryCount,
		Reason:     cause.Error(),
	})
}

// fail drops task and marks its workflow FAILED with reason.
func (e *Engine) fail(ctx context.Context, logger *slog.Logger, task model.Task, class fault.Class, reason string) {
	e.failed.Add(1)
	e.config.Metrics.RecordWorkflowFailure(ctx, string(class))
	if err := e.tracker.MarkFailed(context.WithoutCancel(ctx), task.WorkflowID, reason); err != nil {
		e.setLastError(fmt.Errorf("mark failed %s: %w", task.WorkflowID, err))
		logger.Error("could not mark workflow failed", "error", err)
	}
	e.publishEvent(bus.TopicTaskDropped, bus.TaskEvent{
		WorkflowID: task.WorkflowID,
		TaskID:     task.TaskID,
		Agent:      string(task.TargetAgent),
		RetryCount: task.RetryCount,
		Reason:     reason,
	})
	e.publishEvent(bus.TopicWorkflowFailed, bus.WorkflowFailedEvent{
		WorkflowID: task.WorkflowID,
		TaskID:     task.TaskID,
		Class:      string(class),
		Reason:     reason,
	})
}

// pause sleeps for d or until ctx ends.
func (e *Engine) pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (e *Engine) publishEvent(topic string, payload any) {
	e.config.Bus.Publish(topic, payload)
}

func (e *Engine) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	e.lastError.Store(&msg)
}

func (e *Engine) Status() Status {
	status := Status{
		WorkerCount: e.config.Workers,
		ActiveTasks: e.activeTasks.Load(),
		Processed:   e.processed.Load(),
		Retried:     e.retried.Load(),
		Failed:      e.failed.Load(),
	}
	if ptr := e.lastError.Load(); ptr != nil {
		status.LastError = *ptr
	}
	return status
}
