// Package model holds the values that travel through the queue and store.
package model

import (
	"fmt"
	"slices"
	"time"
)

// AgentType addresses a task to one of the three agents.
type AgentType string

const (
	AgentPlanner  AgentType = "PLANNER"
	AgentWorker   AgentType = "WORKER"
	AgentReviewer AgentType = "REVIEWER"
)

// DefaultToolArgument is the single item a Worker task carries when the plan
// step named no inputs.
const DefaultToolArgument = "DEFAULT_SCAN"

// Task is one unit of queued work. WorkflowID never changes once assigned;
// the engine is the only writer of RetryCount and NextRetryTimestamp.
type Task struct {
	TaskID             string    `json:"taskId"`
	WorkflowID         string    `json:"workflowId"`
	TargetAgent        AgentType `json:"targetAgent"`
	UserRequest        string    `json:"userRequest"`
	ToolName           string    `json:"toolName,omitempty"`
	ToolArguments      []string  `json:"toolArguments,omitempty"`
	RetryCount         int       `json:"retryCount"`
	NextRetryTimestamp int64     `json:"nextRetryTimestamp"`
}

// Arguments returns the items to scatter, defaulting to DefaultToolArgument.
func (t Task) Arguments() []string {
	if len(t.ToolArguments) == 0 {
		return []string{DefaultToolArgument}
	}
	return slices.Clone(t.ToolArguments)
}

// ReadyAt reports whether the task may be dispatched at now.
func (t Task) ReadyAt(now time.Time) bool {
	return t.NextRetryTimestamp <= 0 || now.UnixMilli() >= t.NextRetryTimestamp
}

// RetryAt is NextRetryTimestamp as a time. The zero time means ready now.
func (t Task) RetryAt() time.Time {
	if t.NextRetryTimestamp <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(t.NextRetryTimestamp)
}

func (t Task) String() string {
	return fmt.Sprintf("%s[%s wf=%s retry=%d]", t.TargetAgent, t.TaskID, t.WorkflowID, t.RetryCount)
}
