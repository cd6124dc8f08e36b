package bus

// Workflow lifecycle topics. Subscribers usually take the "workflow." or
// "task." prefix.
const (
	TopicWorkflowStatus = "workflow.status"
	TopicWorkflowFailed = "workflow.failed"

	TopicTaskRetrying = "task.retrying"
	TopicTaskDropped  = "task.dropped"
	TopicTaskRequeued = "task.requeued"
)

// WorkflowStatusEvent is published after a workflow status write lands.
type WorkflowStatusEvent struct {
	WorkflowID string `json:"workflowId"`
	Status     string `json:"status"`
	Previous   string `json:"previous,omitempty"`
}

// WorkflowFailedEvent is published when the engine marks a workflow FAILED.
type WorkflowFailedEvent struct {
	WorkflowID string `json:"workflowId"`
	TaskID     string `json:"taskId"`
	Class      string `json:"class"`
	Reason     string `json:"reason"`
}

// TaskEvent describes a task the engine requeued, retried or dropped.
type TaskEvent struct {
	WorkflowID string `json:"workflowId"`
	TaskID     string `json:"taskId"`
	Agent      string `json:"agent"`
	RetryCount int    `json:"retryCount"`
	Reason     string `json:"reason,omitempty"`
}
