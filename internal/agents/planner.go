package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/go-triage/internal/fault"
	"github.com/basket/go-triage/internal/llm"
	"github.com/basket/go-triage/internal/model"
	"github.com/basket/go-triage/internal/shared"
)

// Planner asks the reasoning collaborator for a plan and fans it out into
// one Worker task per step.
type Planner struct {
	deps      Deps
	parser    *PlanParser
	toolNames []string
}

// NewPlanner builds a Planner whose prompt advertises toolNames.
func NewPlanner(deps Deps, toolNames []string) (*Planner, error) {
	parser, err := NewPlanParser()
	if err != nil {
		return nil, err
	}
	return &Planner{deps: deps, parser: parser, toolNames: append([]string(nil), toolNames...)}, nil
}

func (p *Planner) Type() model.AgentType { return model.AgentPlanner }

// SystemPrompt is the fixed instruction sent with every incident.
func (p *Planner) SystemPrompt() string {
	return fmt.Sprintf("You are a Planner Agent in a smart factory. Output JSON only. Available tools: [%s].",
		strings.Join(p.toolNames, ", "))
}

func (p *Planner) Process(ctx context.Context, task model.Task) ([]model.Task, error) {
	logger := p.deps.taskLogger(ctx, model.AgentPlanner, task)
	gates := p.deps.Gates.Load()
	if !gates.PlannerEnabled {
		logger.Warn("planner disabled by config; dropping task")
		return nil, nil
	}

	if err := p.deps.Tracker.SetStatus(ctx, task.WorkflowID, model.StatusPlanning); err != nil {
		return nil, fault.Retryable(err)
	}

	logger.Info("prompting reasoner for incident", "incident", task.UserRequest)
	response, err := p.deps.Reasoner.Generate(ctx, p.SystemPrompt(), "Incident Report: "+task.UserRequest)
	if err != nil {
		return nil, fmt.Errorf("planner reasoning: %w", llm.AsFault(err))
	}
	logger.Info("planner reasoning received", "response", response)

	plan, err := p.parser.Parse(response)
	switch {
	case err != nil && gates.StrictPlan:
		return nil, fault.Terminalf("malformed plan: %w", err)
	case err != nil:
		logger.Error("failed to parse plan; continuing with empty manifest", "error", err)
		plan = Plan{}
	case len(plan.Steps) == 0 && gates.StrictPlan:
		return nil, fault.Terminalf("plan has no steps")
	}

	manifest := plan.Tools()
	if dup := firstDuplicate(manifest); dup != "" {
		logger.Warn("plan names a tool more than once; its result slot is shared", "tool", dup)
	}

	downstream := make([]model.Task, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		args := step.Inputs
		if len(args) == 0 {
			args = []string{model.DefaultToolArgument}
		}
		downstream = append(downstream, model.Task{
			TaskID:        shared.NewTaskID(),
			WorkflowID:    task.WorkflowID,
			TargetAgent:   model.AgentWorker,
			UserRequest:   task.UserRequest,
			ToolName:      step.Tool,
			ToolArguments: args,
		})
	}

	if err := p.deps.Tracker.SaveManifest(ctx, task.WorkflowID, manifest); err != nil {
		return nil, fault.Retryable(err)
	}
	if err := p.deps.Tracker.SetStatus(ctx, task.WorkflowID, model.StatusInProgress); err != nil {
		return nil, fault.Retryable(err)
	}
	logger.Info("plan accepted", "steps", len(downstream), "manifest", strings.Join(manifest, ","))
	return downstream, nil
}

func firstDuplicate(names []string) string {
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			return n
		}
		seen[n] = struct{}{}
	}
	return ""
}
