package storage_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-triage/internal/storage"
)

func TestLRU_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) storage.Store {
		return storage.NewLRU(1000)
	})
}

func TestLRU_EvictsLeastRecentlyWritten(t *testing.T) {
	ctx := context.Background()
	l := storage.NewLRU(3)
	for _, k := range []string{"a", "b", "c", "d"} {
		if err := l.Save(ctx, k, k); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	if _, found, _ := storage.GetString(ctx, l, "a"); found {
		t.Fatal("expected a to be evicted")
	}
	if l.Len() != 3 || l.Evictions() != 1 {
		t.Fatalf("len=%d evictions=%d", l.Len(), l.Evictions())
	}
}

func TestLRU_ReadCountsAsTouch(t *testing.T) {
	ctx := context.Background()
	l := storage.NewLRU(3)
	var evicted []string
	l.OnEvict(func(key string) { evicted = append(evicted, key) })

	for _, k := range []string{"a", "b", "c"} {
		_ = l.Save(ctx, k, k)
	}
	if _, found, _ := storage.GetString(ctx, l, "a"); !found {
		t.Fatal("a should be present")
	}
	_ = l.Save(ctx, "d", "d")

	if !slices.Equal(evicted, []string{"b"}) {
		t.Fatalf("expected b evicted after touching a, got %v", evicted)
	}
	if got := l.Keys(); !slices.Equal(got, []string{"d", "a", "c"}) {
		t.Fatalf("recency order = %v", got)
	}
}

func TestLRU_OverwriteTouchesWithoutGrowing(t *testing.T) {
	ctx := context.Background()
	l := storage.NewLRU(2)
	_ = l.Save(ctx, "a", "1")
	_ = l.Save(ctx, "b", "1")
	_ = l.Save(ctx, "a", "2")
	_ = l.Save(ctx, "c", "1")

	if _, found, _ := storage.GetString(ctx, l, "b"); found {
		t.Fatal("expected b evicted since a was rewritten")
	}
	v, _, _ := storage.GetString(ctx, l, "a")
	if v != "2" {
		t.Fatalf("expected overwritten value, got %q", v)
	}
}

func TestLRU_CapacityPlusOneAcrossSizes(t *testing.T) {
	ctx := context.Background()
	for _, capacity := range []int{1, 2, 7, 64} {
		l := storage.NewLRU(capacity)
		for i := 0; i <= capacity; i++ {
			_ = l.Save(ctx, fmt.Sprintf("k%d", i), i)
		}
		if _, found, _ := storage.GetAs[int](ctx, l, "k0"); found {
			t.Fatalf("capacity %d: first key should be evicted", capacity)
		}
		for i := 1; i <= capacity; i++ {
			if _, found, _ := storage.GetAs[int](ctx, l, fmt.Sprintf("k%d", i)); !found {
				t.Fatalf("capacity %d: k%d should survive", capacity, i)
			}
		}
	}
}

func TestLRU_DeleteFreesSlot(t *testing.T) {
	ctx := context.Background()
	l := storage.NewLRU(2)
	_ = l.Save(ctx, "a", 1)
	_ = l.Save(ctx, "b", 2)
	_ = l.Delete(ctx, "a")
	_ = l.Save(ctx, "c", 3)
	if l.Evictions() != 0 {
		t.Fatalf("delete should have freed a slot, evictions=%d", l.Evictions())
	}
	if got := l.Keys(); !slices.Equal(got, []string{"c", "b"}) {
		t.Fatalf("keys = %v", got)
	}
}

func TestLRU_TTLIgnored(t *testing.T) {
	ctx := context.Background()
	l := storage.NewLRU(10)
	if err := l.SaveTTL(ctx, "k", "v", time.Nanosecond); err != nil {
		t.Fatalf("save: %v", err)
	}
	time.Sleep(time.Millisecond)
	if _, found, _ := storage.GetString(ctx, l, "k"); !found {
		t.Fatal("volatile store must not expire by time")
	}
}

func TestLRU_StructValues(t *testing.T) {
	type finding struct{ Tool, Text string }
	ctx := context.Background()
	l := storage.NewLRU(10)
	_ = l.Save(ctx, "f", finding{"LOG_ANALYZER", "ok"})

	got, found, err := storage.GetAs[finding](ctx, l, "f")
	if err != nil || !found || got.Tool != "LOG_ANALYZER" {
		t.Fatalf("got %+v found=%v err=%v", got, found, err)
	}
	if _, _, err := storage.GetAs[string](ctx, l, "f"); !errors.Is(err, storage.ErrTypeMismatch) {
		t.Fatalf("expected mismatch reading struct as string, got %v", err)
	}
}

func TestLRU_ConcurrentAccessKeepsBound(t *testing.T) {
	ctx := context.Background()
	l := storage.NewLRU(50)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("g%d-%d", g, i%80)
				_ = l.Save(ctx, key, i)
				_, _, _ = storage.GetAs[int](ctx, l, key)
			}
		}(g)
	}
	wg.Wait()
	if l.Len() > 50 {
		t.Fatalf("len %d exceeds capacity", l.Len())
	}
	if len(l.Keys()) != l.Len() {
		t.Fatalf("list and index disagree: %d vs %d", len(l.Keys()), l.Len())
	}
}
