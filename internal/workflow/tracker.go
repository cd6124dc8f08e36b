package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/go-triage/internal/bus"
	"github.com/basket/go-triage/internal/model"
	"github.com/basket/go-triage/internal/storage"
)

// Tracker reads and writes workflow state through a Store and announces
// status changes on the bus. Statuses are stored as plain strings.
type Tracker struct {
	store storage.Store
	bus   *bus.Bus
}

func NewTracker(store storage.Store, b *bus.Bus) *Tracker {
	return &Tracker{store: store, bus: b}
}

func (t *Tracker) Store() storage.Store { return t.store }

// Status returns the stored status, or StatusUnknown with found=false.
func (t *Tracker) Status(ctx context.Context, workflowID string) (model.WorkflowStatus, bool, error) {
	raw, found, err := storage.GetString(ctx, t.store, StatusKey(workflowID))
	if err != nil {
		return model.StatusUnknown, false, fmt.Errorf("read status %s: %w", workflowID, err)
	}
	if !found {
		return model.StatusUnknown, false, nil
	}
	return model.WorkflowStatus(raw), true, nil
}

// SetStatus overwrites the status unconditionally.
func (t *Tracker) SetStatus(ctx context.Context, workflowID string, status model.WorkflowStatus) error {
	if err := t.store.Save(ctx, StatusKey(workflowID), string(status)); err != nil {
		return fmt.Errorf("write status %s=%s: %w", workflowID, status, err)
	}
	t.publish(workflowID, status, "")
	return nil
}

// CompareAndSetStatus moves the status from prev to next only if it is
// still prev, and reports whether this caller made the change. A prev of
// StatusUnknown requires the status to be absent.
func (t *Tracker) CompareAndSetStatus(ctx context.Context, workflowID string, prev, next model.WorkflowStatus) (bool, error) {
	var expected any
	if prev != model.StatusUnknown {
		expected = string(prev)
	}
	swapped, err := t.store.CompareAndSwap(ctx, StatusKey(workflowID), expected, string(next))
	if err != nil {
		return false, fmt.Errorf("swap status %s %s->%s: %w", workflowID, prev, next, err)
	}
	if swapped {
		if prev == model.StatusUnknown {
			prev = ""
		}
		t.publish(workflowID, next, prev)
	}
	return swapped, nil
}

// MarkFailed records reason and sets FAILED.
func (t *Tracker) MarkFailed(ctx context.Context, workflowID, reason string) error {
	if err := t.store.Save(ctx, ErrorKey(workflowID), reason); err != nil {
		return fmt.Errorf("write error %s: %w", workflowID, err)
	}
	return t.SetStatus(ctx, workflowID, model.StatusFailed)
}

// SaveManifest stores the tool list the Reviewer waits for, comma-joined.
func (t *Tracker) SaveManifest(ctx context.Context, workflowID string, tools []string) error {
	if err := t.store.Save(ctx, ManifestKey(workflowID), strings.Join(tools, ",")); err != nil {
		return fmt.Errorf("write manifest %s: %w", workflowID, err)
	}
	return nil
}

// Manifest returns the expected tools. An empty stored manifest is found
// with no tools.
func (t *Tracker) Manifest(ctx context.Context, workflowID string) ([]string, bool, error) {
	raw, found, err := storage.GetString(ctx, t.store, ManifestKey(workflowID))
	if err != nil || !found {
		return nil, found, err
	}
	if raw == "" {
		return nil, true, nil
	}
	return strings.Split(raw, ","), true, nil
}

func (t *Tracker) SaveResult(ctx context.Context, workflowID, tool, result string) error {
	if err := t.store.Save(ctx, ResultKey(workflowID, tool), result); err != nil {
		return fmt.Errorf("write result %s/%s: %w", workflowID, tool, err)
	}
	return nil
}

func (t *Tracker) Result(ctx context.Context, workflowID, tool string) (string, bool, error) {
	return storage.GetString(ctx, t.store, ResultKey(workflowID, tool))
}

func (t *Tracker) SaveReview(ctx context.Context, workflowID, decision string) error {
	if err := t.store.Save(ctx, ReviewKey(workflowID), decision); err != nil {
		return fmt.Errorf("write review %s: %w", workflowID, err)
	}
	return nil
}

func (t *Tracker) Review(ctx context.Context, workflowID string) (string, bool, error) {
	return storage.GetString(ctx, t.store, ReviewKey(workflowID))
}

func (t *Tracker) Error(ctx context.Context, workflowID string) (string, bool, error) {
	return storage.GetString(ctx, t.store, ErrorKey(workflowID))
}

func (t *Tracker) publish(workflowID string, status, prev model.WorkflowStatus) {
	t.bus.Publish(bus.TopicWorkflowStatus, bus.WorkflowStatusEvent{
		WorkflowID: workflowID,
		Status:     string(status),
		Previous:   string(prev),
	})
}
