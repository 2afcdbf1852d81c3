package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestReferenceGetOrCreateCoalescesConcurrentCallers(t *testing.T) {
	ref := NewReference[int](Options{})
	defer ref.Close()

	var calls atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]int, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			value, err := ref.GetOrCreate(context.Background(), "key", func(context.Context) (int, error) {
				calls.Add(1)
				<-release
				return 42, nil
			})
			if err != nil {
				t.Errorf("GetOrCreate() error = %v", err)
			}
			results[i] = value
		}(i)
	}

	// Give all callers time to pile onto the in-flight computation.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("expected exactly 1 computation, got %d", got)
	}
	for i, value := range results {
		if value != 42 {
			t.Fatalf("caller %d got %d", i, value)
		}
	}
}

func TestReferenceErrorsAreNotCached(t *testing.T) {
	ref := NewReference[int](Options{})
	defer ref.Close()

	calls := 0
	create := func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, context.DeadlineExceeded
		}
		return 7, nil
	}

	if _, err := ref.GetOrCreate(context.Background(), "k", create); err == nil {
		t.Fatalf("expected first call to fail")
	}
	value, err := ref.GetOrCreate(context.Background(), "k", create)
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if value != 7 {
		t.Fatalf("expected recomputed value 7, got %d", value)
	}
}

func TestReferenceIdleSweepEvicts(t *testing.T) {
	ref := NewReference[string](Options{
		IdleTimeout:   10 * time.Millisecond,
		SweepInterval: 5 * time.Millisecond,
	})
	defer ref.Close()

	ref.Put("stale", "v")
	deadline := time.Now().Add(time.Second)
	for ref.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("idle entry was not swept")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReferenceTTLSweepEvictsDespiteAccess(t *testing.T) {
	ref := NewReference[string](Options{
		TTL:           20 * time.Millisecond,
		SweepInterval: 5 * time.Millisecond,
	})
	defer ref.Close()

	ref.Put("k", "v")
	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := ref.Get("k"); !ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("entry outlived its TTL despite constant access")
		}
		time.Sleep(2 * time.Millisecond)
	}
}
