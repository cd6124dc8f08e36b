package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/go-triage/internal/fault"
	"github.com/basket/go-triage/internal/llm"
	"github.com/basket/go-triage/internal/model"
)

const reviewerSystemPrompt = "Reviewer Agent System Prompt"

// Reviewer is the join barrier: it does nothing until every tool in the
// manifest has a stored result, then produces the final decision once.
type Reviewer struct {
	deps Deps
}

func NewReviewer(deps Deps) *Reviewer {
	return &Reviewer{deps: deps}
}

func (r *Reviewer) Type() model.AgentType { return model.AgentReviewer }

func (r *Reviewer) Process(ctx context.Context, task model.Task) (_ []model.Task, err error) {
	logger := r.deps.taskLogger(ctx, model.AgentReviewer, task)
	wfID := task.WorkflowID
	tr := r.deps.Tracker

	// With the gate off the first trigger closes the workflow, whatever the
	// other tools or the current status are doing.
	if !r.deps.Gates.Load().ReviewerEnabled {
		logger.Info("reviewer disabled by config; skipping analysis")
		if err := tr.SetStatus(ctx, wfID, model.StatusCompletedNoReview); err != nil {
			return nil, fault.Retryable(err)
		}
		return nil, nil
	}

	observed, _, err := tr.Status(ctx, wfID)
	if err != nil {
		return nil, fault.Retryable(err)
	}
	switch observed {
	case model.StatusCompleted, model.StatusReviewing, model.StatusFailed, model.StatusCompletedNoReview:
		logger.Info("workflow already past review; ignoring trigger", "status", string(observed))
		return nil, nil
	}

	manifest, found, err := tr.Manifest(ctx, wfID)
	if err != nil {
		return nil, fault.Retryable(err)
	}
	if !found {
		logger.Warn("manifest missing; planner has not finished")
		return nil, nil
	}

	tools := uniqueInOrder(manifest)
	results := make(map[string]string, len(tools))
	for _, tool := range tools {
		res, ok, err := tr.Result(ctx, wfID, tool)
		if err != nil {
			return nil, fault.Retryable(err)
		}
		if !ok {
			logger.Info("waiting for tool", "tool", tool)
			return nil, nil
		}
		results[tool] = res
	}

	won, err := tr.CompareAndSetStatus(ctx, wfID, observed, model.StatusReviewing)
	if err != nil {
		return nil, fault.Retryable(err)
	}
	if !won {
		logger.Info("another reviewer claimed the workflow")
		return nil, nil
	}

	// Any failure past this point hands the claim back so a retry can
	// re-enter the join.
	defer func() {
		if err == nil {
			return
		}
		restore := observed
		if restore == model.StatusUnknown {
			restore = model.StatusInProgress
		}
		if _, rerr := tr.CompareAndSetStatus(context.WithoutCancel(ctx), wfID, model.StatusReviewing, restore); rerr != nil {
			logger.Error("failed to release review claim", "error", rerr)
		}
	}()
	logger.Info("all data gathered; executing final analysis")

	findings := make([]string, 0, len(tools))
	for _, tool := range tools {
		findings = append(findings, fmt.Sprintf(" FINDING (%s): %s", tool, results[tool]))
	}
	userPrompt := fmt.Sprintf("ORIGINAL INTENT: %s\n\n%s\n\nSynthesize these findings into a final recommendation.\n",
		task.UserRequest, strings.Join(findings, "\n"))

	decision, err := r.deps.Reasoner.Generate(ctx, reviewerSystemPrompt, userPrompt)
	if err != nil {
		return nil, fmt.Errorf("reviewer reasoning: %w", llm.AsFault(err))
	}

	if err := tr.SaveReview(ctx, wfID, decision); err != nil {
		return nil, fault.Retryable(err)
	}
	if err := tr.SetStatus(ctx, wfID, model.StatusCompleted); err != nil {
		return nil, fault.Retryable(err)
	}
	logger.Info("final decision", "decision", decision)
	return nil, nil
}

func uniqueInOrder(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
