package pool_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/go-triage/internal/pool"
)

func TestMap_PreservesOrder(t *testing.T) {
	p := pool.New(3)
	items := []int{5, 1, 4, 2, 3}
	out, err := pool.Map(context.Background(), p, items, func(_ context.Context, _ int, n int) (int, error) {
		time.Sleep(time.Duration(n) * time.Millisecond)
		return n * 10, nil
	})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	for i, n := range items {
		if out[i] != n*10 {
			t.Fatalf("result %d = %d, want %d", i, out[i], n*10)
		}
	}
}

func TestMap_BoundIsSharedAcrossCallers(t *testing.T) {
	p := pool.New(2)
	var inFlight, peak atomic.Int32
	work := func(context.Context, int, int) (int, error) {
		n := inFlight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return 0, nil
	}

	var wg sync.WaitGroup
	for c := 0; c < 3; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = pool.Map(context.Background(), p, make([]int, 4), work)
		}()
	}
	wg.Wait()
	if got := peak.Load(); got > 2 {
		t.Fatalf("pool exceeded its bound: peak %d", got)
	}
}

func TestMap_FirstErrorWins(t *testing.T) {
	p := pool.New(4)
	boom := errors.New("boom")
	_, err := pool.Map(context.Background(), p, []int{0, 1, 2}, func(_ context.Context, i int, _ int) (int, error) {
		if i == 1 {
			return 0, boom
		}
		return i, nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestMap_CanceledContext(t *testing.T) {
	p := pool.New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := pool.Map(ctx, p, []int{1, 2}, func(context.Context, int, int) (int, error) { return 0, nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}

func TestNew_DefaultSize(t *testing.T) {
	if got := pool.New(0).Size(); got != pool.DefaultSize {
		t.Fatalf("expected default size, got %d", got)
	}
}
