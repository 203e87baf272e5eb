package async

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSingleWorkerPreservesOrder(t *testing.T) {
	pool, err := NewPool(Options{Workers: 1, Queue: 64})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	var mu sync.Mutex
	var got []int
	for i := 0; i < 50; i++ {
		i := i
		if err := pool.Submit(context.Background(), func(context.Context) error {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			return nil
		}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("expected task %d at position %d, got %d", i, i, v)
		}
	}
	if len(got) != 50 {
		t.Fatalf("expected 50 tasks, ran %d", len(got))
	}
}

func TestSubmitAfterCloseFails(t *testing.T) {
	pool, err := NewPool(Options{Workers: 1, Queue: 1})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	pool.Close()
	if err := pool.Submit(context.Background(), func(context.Context) error { return nil }); err == nil {
		t.Fatalf("expected submit on closed pool to fail")
	}
}

func TestSubmitAtCapacityFails(t *testing.T) {
	pool, err := NewPool(Options{Workers: 1, Queue: 1})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Close()
	block := make(chan struct{})
	started := make(chan struct{})
	_ = pool.Submit(context.Background(), func(context.Context) error {
		close(started)
		<-block
		return nil
	})
	<-started
	if err := pool.Submit(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("queue slot should accept one task: %v", err)
	}
	if err := pool.Submit(context.Background(), func(context.Context) error { return nil }); err == nil {
		t.Fatalf("expected capacity error")
	}
	close(block)
}

func TestErrorsAndPanicsReported(t *testing.T) {
	reported := make(chan error, 2)
	pool, err := NewPool(Options{Workers: 1, Queue: 4, OnError: func(err error) { reported <- err }})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	boom := errors.New("boom")
	_ = pool.Submit(context.Background(), func(context.Context) error { return boom })
	_ = pool.Submit(context.Background(), func(context.Context) error { panic("kaput") })
	_ = pool.Shutdown(context.Background())

	first := <-reported
	if !errors.Is(first, boom) {
		t.Fatalf("expected boom, got %v", first)
	}
	if second := <-reported; second == nil {
		t.Fatalf("expected panic to be reported")
	}
}

func TestInvalidWorkers(t *testing.T) {
	if _, err := NewPool(Options{Workers: 0}); err == nil {
		t.Fatalf("expected error for zero workers")
	}
}
