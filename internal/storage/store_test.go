package storage_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/basket/go-triage/internal/model"
	"github.com/basket/go-triage/internal/storage"
)

// runStoreContract exercises the behaviour every backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("SaveGetDelete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if err := s.Save(ctx, "wf:1:review", "SHUTDOWN"); err != nil {
			t.Fatalf("save: %v", err)
		}
		got, found, err := storage.GetString(ctx, s, "wf:1:review")
		if err != nil || !found || got != "SHUTDOWN" {
			t.Fatalf("get = %q found=%v err=%v", got, found, err)
		}
		if err := s.Delete(ctx, "wf:1:review"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, found, _ := storage.GetString(ctx, s, "wf:1:review"); found {
			t.Fatal("expected absent after delete")
		}
		if err := s.Delete(ctx, "never-written"); err != nil {
			t.Fatalf("delete of missing key: %v", err)
		}
	})

	t.Run("MissingKey", func(t *testing.T) {
		s := newStore(t)
		var v string
		found, err := s.Get(context.Background(), "wf:none:status", &v)
		if err != nil || found {
			t.Fatalf("expected clean miss, found=%v err=%v", found, err)
		}
	})

	t.Run("TypeMismatch", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if err := s.Save(ctx, "k", "text"); err != nil {
			t.Fatalf("save: %v", err)
		}
		_, found, err := storage.GetAs[int](ctx, s, "k")
		if !found {
			t.Fatal("mismatch must still report the key as present")
		}
		if !errors.Is(err, storage.ErrTypeMismatch) {
			t.Fatalf("expected ErrTypeMismatch, got %v", err)
		}
	})

	t.Run("InvalidTarget", func(t *testing.T) {
		s := newStore(t)
		var v string
		if _, err := s.Get(context.Background(), "k", v); !errors.Is(err, storage.ErrInvalidTarget) {
			t.Fatalf("expected ErrInvalidTarget, got %v", err)
		}
	})

	t.Run("NamedStringRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if err := s.Save(ctx, "wf:1:status", model.StatusInProgress); err != nil {
			t.Fatalf("save: %v", err)
		}
		status, found, err := storage.GetAs[model.WorkflowStatus](ctx, s, "wf:1:status")
		if err != nil || !found || status != model.StatusInProgress {
			t.Fatalf("status = %q found=%v err=%v", status, found, err)
		}
		raw, _, err := storage.GetString(ctx, s, "wf:1:status")
		if err != nil || raw != "IN_PROGRESS" {
			t.Fatalf("status as string = %q err=%v", raw, err)
		}
	})

	t.Run("CompareAndSwap", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		ok, err := s.CompareAndSwap(ctx, "wf:1:status", nil, model.StatusInProgress)
		if err != nil || !ok {
			t.Fatalf("create-if-absent: ok=%v err=%v", ok, err)
		}
		if ok, _ := s.CompareAndSwap(ctx, "wf:1:status", nil, model.StatusPending); ok {
			t.Fatal("create-if-absent must fail on existing key")
		}
		if ok, _ := s.CompareAndSwap(ctx, "wf:1:status", model.StatusPlanning, model.StatusReviewing); ok {
			t.Fatal("stale prev must not swap")
		}
		if ok, _ := s.CompareAndSwap(ctx, "wf:missing:status", model.StatusPlanning, model.StatusReviewing); ok {
			t.Fatal("swap on missing key must fail")
		}
		ok, err = s.CompareAndSwap(ctx, "wf:1:status", model.StatusInProgress, model.StatusReviewing)
		if err != nil || !ok {
			t.Fatalf("swap: ok=%v err=%v", ok, err)
		}
		status, _, _ := storage.GetAs[model.WorkflowStatus](ctx, s, "wf:1:status")
		if status != model.StatusReviewing {
			t.Fatalf("expected REVIEWING, got %q", status)
		}
	})

	t.Run("CompareAndSwapSingleWinner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if err := s.Save(ctx, "wf:race:status", model.StatusInProgress); err != nil {
			t.Fatalf("save: %v", err)
		}
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners int
		)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.CompareAndSwap(ctx, "wf:race:status", model.StatusInProgress, model.StatusReviewing)
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
			t.Fatalf("expected one winner, got %d", winners)
		}
	})

	t.Run("ConcurrentWriters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				for j := 0; j < 10; j++ {
					key := fmt.Sprintf("wf:%d:res:T%d", i, j)
					if err := s.Save(ctx, key, key); err != nil {
						t.Errorf("save: %v", err)
						return
					}
					if _, _, err := storage.GetString(ctx, s, key); err != nil {
						t.Errorf("get: %v", err)
						return
					}
				}
			}(i)
		}
		wg.Wait()
	})
}
