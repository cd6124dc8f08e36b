package audit_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-triage/internal/audit"
	"github.com/basket/go-triage/internal/bus"
	"github.com/basket/go-triage/internal/persistence"
)

func readLines(t *testing.T, home string) []map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", audit.FileName))
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if line == "" {
			continue
		}
		var e map[string]any
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("line is not valid JSON: %v", err)
		}
		out = append(out, e)
	}
	return out
}

func TestRecordWritesEntry(t *testing.T) {
	home := t.TempDir()
	j, err := audit.Open(home)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })

	j.Record(audit.Entry{WorkflowID: "wf-1", Event: audit.EventFailed, Status: "FAILED", Class: "terminal", Reason: "bad plan"})
	j.Record(audit.Entry{WorkflowID: "wf-2", Event: audit.EventFinished, Status: "COMPLETED"})

	lines := readLines(t, home)
	if len(lines) != 2 {
		t.Fatalf("expected two entries, got %d", len(lines))
	}
	if lines[0]["workflow_id"] != "wf-1" || lines[0]["class"] != "terminal" {
		t.Fatalf("first entry = %#v", lines[0])
	}
	if lines[0]["timestamp"] == "" {
		t.Fatal("expected timestamp")
	}
	if j.Failures() != 1 || j.Total() != 2 {
		t.Fatalf("failures=%d total=%d", j.Failures(), j.Total())
	}
}

func TestRecordAppendsAcrossReopen(t *testing.T) {
	home := t.TempDir()
	j, err := audit.Open(home)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	j.Record(audit.Entry{WorkflowID: "wf-1", Event: audit.EventFinished, Status: "COMPLETED"})
	_ = j.Close()

	j, err = audit.Open(home)
	if err != nil {
		t.Fatalf("reopen journal: %v", err)
	}
	defer j.Close()
	j.Record(audit.Entry{WorkflowID: "wf-2", Event: audit.EventFinished, Status: "COMPLETED_NO_REVIEW"})

	lines := readLines(t, home)
	if len(lines) != 2 || lines[1]["workflow_id"] != "wf-2" {
		t.Fatalf("lines = %#v", lines)
	}
}

func TestRecordRedactsReason(t *testing.T) {
	home := t.TempDir()
	j, err := audit.Open(home)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer j.Close()

	j.Record(audit.Entry{WorkflowID: "wf-1", Event: audit.EventFailed, Reason: "auth failed: Bearer abcdef0123456789abcdef"})

	lines := readLines(t, home)
	if strings.Contains(lines[0]["reason"].(string), "abcdef0123456789abcdef") {
		t.Fatalf("reason not redacted: %q", lines[0]["reason"])
	}
}

func TestRecordMirrorsToSQLite(t *testing.T) {
	home := t.TempDir()
	db, err := persistence.Open(filepath.Join(home, "triage.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	j, err := audit.Open(home)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer j.Close()
	if err := j.SetDB(context.Background(), db.DB()); err != nil {
		t.Fatalf("SetDB: %v", err)
	}

	j.Record(audit.Entry{WorkflowID: "wf-9", Event: audit.EventFailed, Class: "unexpected", Reason: "panic"})

	var event, class string
	if err := db.DB().QueryRow(`SELECT event, class FROM workflow_audit WHERE workflow_id = ?`, "wf-9").Scan(&event, &class); err != nil {
		t.Fatalf("query workflow_audit: %v", err)
	}
	if event != audit.EventFailed || class != "unexpected" {
		t.Fatalf("row = %s/%s", event, class)
	}
}

func TestFollowJournalsTerminalTransitionsOnce(t *testing.T) {
	home := t.TempDir()
	j, err := audit.Open(home)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer j.Close()

	b := bus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Follow(ctx, b)
		close(done)
	}()
	waitFor(t, func() bool { return b.SubscriberCount() == 1 })

	b.Publish(bus.TopicWorkflowStatus, bus.WorkflowStatusEvent{WorkflowID: "wf-1", Status: "IN_PROGRESS"})
	b.Publish(bus.TopicWorkflowStatus, bus.WorkflowStatusEvent{WorkflowID: "wf-1", Status: "COMPLETED"})
	b.Publish(bus.TopicWorkflowFailed, bus.WorkflowFailedEvent{WorkflowID: "wf-2", Class: "terminal", Reason: "unknown tool"})
	b.Publish(bus.TopicWorkflowStatus, bus.WorkflowStatusEvent{WorkflowID: "wf-2", Status: "FAILED"})
	b.Publish(bus.TopicTaskRetrying, bus.TaskEvent{WorkflowID: "wf-3"})

	waitFor(t, func() bool { return j.Total() == 2 })
	cancel()
	<-done

	lines := readLines(t, home)
	if len(lines) != 2 {
		t.Fatalf("expected 2 entries, got %#v", lines)
	}
	if lines[0]["status"] != "COMPLETED" || lines[1]["event"] != audit.EventFailed {
		t.Fatalf("lines = %#v", lines)
	}
	if b.SubscriberCount() != 0 {
		t.Fatal("Follow should unsubscribe on exit")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
