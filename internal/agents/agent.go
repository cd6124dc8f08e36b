// Package agents implements the Planner, Worker and Reviewer that the
// engine dispatches tasks to.
package agents

import (
	"context"
	"log/slog"
	"strings"

	"github.com/basket/go-triage/internal/config"
	"github.com/basket/go-triage/internal/llm"
	"github.com/basket/go-triage/internal/model"
	"github.com/basket/go-triage/internal/shared"
	"github.com/basket/go-triage/internal/workflow"
)

// Agent processes one task and returns the downstream tasks to enqueue.
// Failures are classified with the fault package.
type Agent interface {
	Type() model.AgentType
	Process(ctx context.Context, task model.Task) ([]model.Task, error)
}

// Deps are the collaborators every agent shares.
type Deps struct {
	Tracker  *workflow.Tracker
	Reasoner llm.Reasoner
	Gates    *config.Gates
	Logger   *slog.Logger
}

func (d Deps) taskLogger(ctx context.Context, agent model.AgentType, task model.Task) *slog.Logger {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(
		"agent", string(agent),
		"workflow_id", task.WorkflowID,
		"task_id", task.TaskID,
		"trace_id", shared.TraceID(ctx),
	)
}

// Keyword picks the log filter word for an incident.
func Keyword(incident string) string {
	lower := strings.ToLower(incident)
	switch {
	case strings.Contains(lower, "overheat"):
		return "overheat"
	case strings.Contains(lower, "vibration"):
		return "vibration"
	default:
		return "error"
	}
}
