package kinvey

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPromiseQueueSerializesPerKey(t *testing.T) {
	q := NewPromiseQueue()
	ctx := context.Background()

	var mu sync.Mutex
	var order []int

	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		_ = q.Enqueue(ctx, "k", func() error {
			<-release
			mu.Lock()
			order = append(order, 1)
			mu.Unlock()
			return nil
		})
	}()

	// Give the first task time to occupy the key.
	time.Sleep(20 * time.Millisecond)

	go func() {
		defer wg.Done()
		_ = q.Enqueue(ctx, "k", func() error {
			mu.Lock()
			order = append(order, 2)
			mu.Unlock()
			return nil
		})
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected FIFO order [1 2], got %v", order)
	}
}

func TestPromiseQueueIndependentKeysRunConcurrently(t *testing.T) {
	q := NewPromiseQueue()
	ctx := context.Background()

	blockA := make(chan struct{})
	done := make(chan struct{})

	go func() {
		_ = q.Enqueue(ctx, "a", func() error {
			<-blockA
			return nil
		})
	}()
	time.Sleep(10 * time.Millisecond)

	go func() {
		_ = q.Enqueue(ctx, "b", func() error {
			close(done)
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task for key b was blocked by key a")
	}
	close(blockA)
}

func TestPromiseQueueFailureDoesNotBlockKey(t *testing.T) {
	q := NewPromiseQueue()
	ctx := context.Background()

	boom := errors.New("boom")
	if err := q.Enqueue(ctx, "k", func() error { return boom }); err != boom {
		t.Fatalf("expected boom, got %v", err)
	}

	ran := false
	if err := q.Enqueue(ctx, "k", func() error { ran = true; return nil }); err != nil {
		t.Fatalf("enqueue after failure: %v", err)
	}
	if !ran {
		t.Fatal("task after a failed task did not run")
	}
}
