// Package workflow owns the per-workflow key layout in the shared store
// and the ingress operations that start and inspect workflows.
package workflow

const keyPrefix = "wf:"

func StatusKey(workflowID string) string   { return keyPrefix + workflowID + ":status" }
func ManifestKey(workflowID string) string { return keyPrefix + workflowID + ":manifest" }
func ReviewKey(workflowID string) string   { return keyPrefix + workflowID + ":review" }
func ErrorKey(workflowID string) string    { return keyPrefix + workflowID + ":error" }

// ResultKey holds the aggregated Worker output for one tool.
func ResultKey(workflowID, tool string) string {
	return keyPrefix + workflowID + ":res:" + tool
}
