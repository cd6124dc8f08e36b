package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/go-triage/internal/fault"
	"github.com/basket/go-triage/internal/model"
	otelPkg "github.com/basket/go-triage/internal/otel"
	"github.com/basket/go-triage/internal/pool"
	"github.com/basket/go-triage/internal/shared"
	"github.com/basket/go-triage/internal/tools"
)

const workerSystemPrompt = "You are an intelligent Worker Agent. Analyze this specific data chunk."

// DefaultSeparator joins per-item insights.
const DefaultSeparator = "\n --------- \n"

// Worker runs one tool over every item of its task on a shared bounded pool
// and stores the combined insights.
type Worker struct {
	deps      Deps
	tools     *tools.Registry
	pool      *pool.Pool
	separator string
	metrics   *otelPkg.Metrics
}

type WorkerOptions struct {
	Separator string
	Metrics   *otelPkg.Metrics
}

func NewWorker(deps Deps, registry *tools.Registry, p *pool.Pool, opts WorkerOptions) *Worker {
	sep := opts.Separator
	if sep == "" {
		sep = DefaultSeparator
	}
	if p == nil {
		p = pool.New(pool.DefaultSize)
	}
	return &Worker{deps: deps, tools: registry, pool: p, separator: sep, metrics: opts.Metrics}
}

func (w *Worker) Type() model.AgentType { return model.AgentWorker }

func (w *Worker) Process(ctx context.Context, task model.Task) ([]model.Task, error) {
	logger := w.deps.taskLogger(ctx, model.AgentWorker, task)
	if !w.deps.Gates.Load().WorkersEnabled {
		logger.Warn("worker disabled by config; dropping task")
		return nil, nil
	}

	tool, ok := w.tools.Get(task.ToolName)
	if !ok {
		return nil, fault.Terminalf("Tool not found: %s", task.ToolName)
	}
	items := task.Arguments()
	keyword := Keyword(task.UserRequest)
	logger.Info("executing tool", "tool", tool.Name(), "items", len(items), "keyword", keyword)

	insights, err := pool.Map(ctx, w.pool, items, func(ctx context.Context, _ int, item string) (string, error) {
		return w.analyze(ctx, logger, tool, item, keyword, task.UserRequest), nil
	})
	if err != nil {
		return nil, fault.Retryable(fmt.Errorf("scatter %s: %w", tool.Name(), err))
	}
	// Partial aggregates are never stored.
	if err := ctx.Err(); err != nil {
		return nil, fault.Retryable(fmt.Errorf("scatter %s interrupted: %w", tool.Name(), err))
	}

	if err := w.deps.Tracker.SaveResult(ctx, task.WorkflowID, tool.Name(), strings.Join(insights, w.separator)); err != nil {
		return nil, fault.Retryable(err)
	}
	logger.Info("tool results stored", "tool", tool.Name())

	return []model.Task{{
		TaskID:      shared.NewTaskID(),
		WorkflowID:  task.WorkflowID,
		TargetAgent: model.AgentReviewer,
		UserRequest: task.UserRequest,
	}}, nil
}

// analyze never fails: an item error becomes an inline marker.
func (w *Worker) analyze(ctx context.Context, logger *slog.Logger, tool tools.Tool, item, keyword, incident string) string {
	start := time.Now()
	raw, err := tool.Execute(ctx, item+"|"+keyword)
	w.metrics.RecordTool(ctx, tool.Name(), time.Since(start), err)
	if err != nil {
		logger.Error("tool failed for item", "tool", tool.Name(), "item", item, "error", err)
		return "Error analyzing " + item
	}

	userPrompt := fmt.Sprintf("Context: %s\nData Source: %s: %s\nRaw Output: %s", incident, tool.Name(), item, raw)
	insight, err := w.deps.Reasoner.Generate(ctx, workerSystemPrompt, userPrompt)
	if err != nil {
		logger.Error("analysis failed for item", "tool", tool.Name(), "item", item, "error", err)
		return "Error analyzing " + item
	}
	return insight
}
