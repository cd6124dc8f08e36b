package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/go-triage/internal/model"
	"github.com/basket/go-triage/internal/shared"
	"github.com/basket/go-triage/internal/taskqueue"
)

// PendingTTL bounds how long an untouched PENDING status is kept.
const PendingTTL = time.Hour

// AcceptedMessage accompanies every accepted submission.
const AcceptedMessage = "Incident Accepted for processing"

// ErrEmptyIncident is returned for blank submissions.
var ErrEmptyIncident = fmt.Errorf("incident text is empty")

// Submission is the immediate answer to an accepted incident.
type Submission struct {
	WorkflowID string `json:"workflowId"`
	Status     string `json:"status"`
	Message    string `json:"message"`
}

// View is the externally visible state of a workflow.
type View struct {
	WorkflowID    string `json:"workflowId"`
	Status        string `json:"status"`
	FinalDecision string `json:"finalDecision,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Service starts workflows and reports on them.
type Service struct {
	tracker *Tracker
	queue   taskqueue.Queue
	logger  *slog.Logger
}

func NewService(tracker *Tracker, queue taskqueue.Queue, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{tracker: tracker, queue: queue, logger: logger}
}

// Submit allocates a workflow, marks it PENDING and enqueues its Planner task.
// Completion is asynchronous.
func (s *Service) Submit(ctx context.Context, incident string) (Submission, error) {
	if strings.TrimSpace(incident) == "" {
		return Submission{}, ErrEmptyIncident
	}
	workflowID := shared.NewWorkflowID()
	if err := s.tracker.store.SaveTTL(ctx, StatusKey(workflowID), string(model.StatusPending), PendingTTL); err != nil {
		return Submission{}, fmt.Errorf("write pending status: %w", err)
	}
	s.tracker.publish(workflowID, model.StatusPending, "")

	task := model.Task{
		TaskID:      shared.NewTaskID(),
		WorkflowID:  workflowID,
		TargetAgent: model.AgentPlanner,
		UserRequest: incident,
	}
	if err := s.queue.Push(ctx, task); err != nil {
		return Submission{}, fmt.Errorf("enqueue planner task: %w", err)
	}
	s.logger.Info("incident accepted", "workflow_id", workflowID, "task_id", task.TaskID, "trace_id", shared.TraceID(ctx))
	return Submission{
		WorkflowID: workflowID,
		Status:     string(model.StatusPending),
		Message:    AcceptedMessage,
	}, nil
}

// Query returns the status, plus the final decision and failure reason when
// they exist. A workflow with no stored status is UNKNOWN.
func (s *Service) Query(ctx context.Context, workflowID string) (View, error) {
	status, _, err := s.tracker.Status(ctx, workflowID)
	if err != nil {
		return View{}, err
	}
	view := View{WorkflowID: workflowID, Status: string(status)}
	if review, found, err := s.tracker.Review(ctx, workflowID); err != nil {
		return View{}, err
	} else if found {
		view.FinalDecision = review
	}
	if status == model.StatusFailed {
		if reason, found, err := s.tracker.Error(ctx, workflowID); err != nil {
			return View{}, err
		} else if found {
			view.Error = reason
		}
	}
	return view, nil
}
