package persistence_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-triage/internal/persistence"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "triage.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	var journal string
	if err := store.DB().QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}
	for _, table := range []string{"kv", "queue", "schema_migrations"} {
		var name string
		if err := store.DB().QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Fatalf("expected table %s: %v", table, err)
		}
	}
}

func TestStore_ReopenIsIdempotent(t *testing.T) {
	store, path := openTestStore(t)
	if err := store.KVSet(context.Background(), "k", `"v"`, time.Hour); err != nil {
		t.Fatalf("kv set: %v", err)
	}
	_ = store.Close()

	reopened, err := persistence.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	v, found, err := reopened.KVGet(context.Background(), "k")
	if err != nil || !found || v != `"v"` {
		t.Fatalf("expected value to survive reopen, got %q found=%v err=%v", v, found, err)
	}
}

func TestKV_ExpiryHidesAndPurges(t *testing.T) {
	store, _ := openTestStore(t)
	clock := &fakeClock{now: time.UnixMilli(1_000_000)}
	store.SetClock(clock.Now)
	ctx := context.Background()

	if err := store.KVSet(ctx, "short", `"a"`, time.Second); err != nil {
		t.Fatalf("kv set: %v", err)
	}
	if err := store.KVSet(ctx, "long", `"b"`, time.Hour); err != nil {
		t.Fatalf("kv set: %v", err)
	}
	clock.Advance(2 * time.Second)

	if _, found, _ := store.KVGet(ctx, "short"); found {
		t.Fatal("expired key must read as absent")
	}
	if _, found, _ := store.KVGet(ctx, "long"); !found {
		t.Fatal("live key must still be readable")
	}
	n, err := store.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged row, got %d", n)
	}
}

func TestKV_CompareAndSwap(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	ok, err := store.KVCompareAndSwap(ctx, "status", "", false, `"IN_PROGRESS"`, time.Hour)
	if err != nil || !ok {
		t.Fatalf("create-if-absent should succeed: ok=%v err=%v", ok, err)
	}
	ok, _ = store.KVCompareAndSwap(ctx, "status", "", false, `"PENDING"`, time.Hour)
	if ok {
		t.Fatal("create-if-absent must fail when key exists")
	}
	ok, _ = store.KVCompareAndSwap(ctx, "status", `"PLANNING"`, true, `"REVIEWING"`, time.Hour)
	if ok {
		t.Fatal("swap with stale previous value must fail")
	}
	ok, err = store.KVCompareAndSwap(ctx, "status", `"IN_PROGRESS"`, true, `"REVIEWING"`, time.Hour)
	if err != nil || !ok {
		t.Fatalf("swap with current value should succeed: ok=%v err=%v", ok, err)
	}
	v, _, _ := store.KVGet(ctx, "status")
	if v != `"REVIEWING"` {
		t.Fatalf("expected REVIEWING, got %s", v)
	}
}

func TestKV_CompareAndSwapSingleWinner(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	if err := store.KVSet(ctx, "status", `"IN_PROGRESS"`, time.Hour); err != nil {
		t.Fatalf("kv set: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.KVCompareAndSwap(ctx, "status", `"IN_PROGRESS"`, true, `"REVIEWING"`, time.Hour)
			if err != nil {
				t.Errorf("cas: %v", err)
				return
			}
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}

func TestQueue_ClaimOrderAndAvailability(t *testing.T) {
	store, _ := openTestStore(t)
	clock := &fakeClock{now: time.UnixMilli(5_000)}
	store.SetClock(clock.Now)
	ctx := context.Background()

	if err := store.Enqueue(ctx, "later", "wf", "{}", 6_000); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := store.Enqueue(ctx, "first", "wf", "{}", 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := store.Enqueue(ctx, "second", "wf", "{}", -5); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for _, want := range []string{"first", "second"} {
		row, err := store.ClaimNext(ctx)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if row.TaskID != want {
			t.Fatalf("claimed %s, want %s", row.TaskID, want)
		}
	}
	if _, err := store.ClaimNext(ctx); !errors.Is(err, persistence.ErrNoRows) {
		t.Fatalf("expected ErrNoRows before availability, got %v", err)
	}
	depth, _ := store.QueueDepth(ctx)
	if depth != 1 {
		t.Fatalf("expected depth 1, got %d", depth)
	}

	clock.Advance(time.Second)
	row, err := store.ClaimNext(ctx)
	if err != nil || row.TaskID != "later" {
		t.Fatalf("expected delayed task after clock advance, got %+v err=%v", row, err)
	}
}
