package model

// WorkflowStatus is the single mutable state value kept per workflow.
type WorkflowStatus string

const (
	StatusPending           WorkflowStatus = "PENDING"
	StatusPlanning          WorkflowStatus = "PLANNING"
	StatusInProgress        WorkflowStatus = "IN_PROGRESS"
	StatusReviewing         WorkflowStatus = "REVIEWING"
	StatusCompleted         WorkflowStatus = "COMPLETED"
	StatusCompletedNoReview WorkflowStatus = "COMPLETED_NO_REVIEW"
	StatusFailed            WorkflowStatus = "FAILED"

	// StatusUnknown is reported for workflows with no stored status. It is
	// never persisted.
	StatusUnknown WorkflowStatus = "UNKNOWN"
)

// Terminal reports whether no further transitions are expected.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedNoReview, StatusFailed:
		return true
	}
	return false
}
