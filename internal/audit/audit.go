// Package audit keeps an append-only journal of workflow outcomes.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-triage/internal/bus"
	"github.com/basket/go-triage/internal/model"
	"github.com/basket/go-triage/internal/shared"
)

// Entry is one journal line.
type Entry struct {
	Timestamp  string `json:"timestamp"`
	WorkflowID string `json:"workflow_id"`
	Event      string `json:"event"`
	Status     string `json:"status,omitempty"`
	Class      string `json:"class,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Journal event kinds.
const (
	EventFinished = "finished"
	EventFailed   = "failed"
)

// FileName is the journal file under <home>/logs.
const FileName = "workflows.jsonl"

type Journal struct {
	mu       sync.Mutex
	file     *os.File
	db       *sql.DB
	failures atomic.Int64
	total    atomic.Int64
	now      func() time.Time
}

// Open creates or appends to <home>/logs/workflows.jsonl.
func Open(homeDir string) (*Journal, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, FileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Journal{file: f, now: time.Now}, nil
}

// SetDB mirrors entries into the workflow_audit table, creating it if needed.
func (j *Journal) SetDB(ctx context.Context, d *sql.DB) error {
	if _, err := d.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS workflow_audit (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			workflow_id TEXT NOT NULL,
			event TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT '',
			class TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create workflow_audit: %w", err)
	}
	j.mu.Lock()
	j.db = d
	j.mu.Unlock()
	return nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// Failures returns the number of failed workflows journaled since startup.
func (j *Journal) Failures() int64 { return j.failures.Load() }

// Total returns the number of entries journaled since startup.
func (j *Journal) Total() int64 { return j.total.Load() }

// Record appends one entry. Reasons are redacted before they reach disk.
func (j *Journal) Record(e Entry) {
	if e.Timestamp == "" {
		e.Timestamp = j.now().UTC().Format(time.RFC3339Nano)
	}
	e.Reason = shared.Redact(e.Reason)
	j.total.Add(1)
	if e.Event == EventFailed {
		j.failures.Add(1)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file != nil {
		if b, err := json.Marshal(e); err == nil {
			_, _ = j.file.Write(append(b, '\n'))
		}
	}
	if j.db != nil {
		_, _ = j.db.ExecContext(context.Background(), `
			INSERT INTO workflow_audit (workflow_id, event, status, class, reason)
			VALUES (?, ?, ?, ?, ?);
		`, e.WorkflowID, e.Event, e.Status, e.Class, e.Reason)
	}
}

// Follow journals terminal workflow transitions until ctx ends. Engine
// failures carry the fault class; the FAILED status write that follows is
// not journaled twice.
func (j *Journal) Follow(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe("workflow.")
	defer b.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			j.handle(ev)
		}
	}
}

func (j *Journal) handle(ev bus.Event) {
	switch p := ev.Payload.(type) {
	case bus.WorkflowFailedEvent:
		j.Record(Entry{
			WorkflowID: p.WorkflowID,
			Event:      EventFailed,
			Status:     string(model.StatusFailed),
			Class:      p.Class,
			Reason:     p.Reason,
		})
	case bus.WorkflowStatusEvent:
		status := model.WorkflowStatus(p.Status)
		if !status.Terminal() || status == model.StatusFailed {
			return
		}
		j.Record(Entry{WorkflowID: p.WorkflowID, Event: EventFinished, Status: p.Status})
	}
}
