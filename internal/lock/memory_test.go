package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryStoreSingleWinner(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	const goroutines = 32

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)

	start := make(chan struct{})
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := store.Acquire(ctx, "bot:1:update:42", time.Minute)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Errorf("winners = %d, want exactly 1", got)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	ok, _ := store.Acquire(ctx, "k", 10*time.Millisecond)
	if !ok {
		t.Fatal("first acquire should succeed")
	}

	ok, _ = store.Acquire(ctx, "k", 10*time.Millisecond)
	if ok {
		t.Fatal("second acquire inside ttl should fail")
	}

	time.Sleep(20 * time.Millisecond)

	ok, _ = store.Acquire(ctx, "k", 10*time.Millisecond)
	if !ok {
		t.Error("acquire after expiry should succeed")
	}
}

func TestMemoryStoreIndependentKeys(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	for _, key := range []string{"bot:1:update:1", "bot:2:update:1", "bot:1:update:2"} {
		ok, _ := store.Acquire(ctx, key, time.Minute)
		if !ok {
			t.Errorf("acquire %s should succeed", key)
		}
	}
}
