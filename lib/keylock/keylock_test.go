package keylock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSameKeyIsExclusive(t *testing.T) {
	locks := New()
	var inside, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = locks.Do(context.Background(), "alpha/BTC", func() error {
				n := atomic.AddInt32(&inside, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
		}()
	}
	wg.Wait()
	if peak != 1 {
		t.Fatalf("expected at most one holder, saw %d", peak)
	}
	if locks.Len() != 0 {
		t.Fatalf("expected entries to be released, got %d", locks.Len())
	}
}

func TestDistinctKeysDoNotBlock(t *testing.T) {
	locks := New()
	unlock, err := locks.Lock(context.Background(), "a")
	if err != nil {
		t.Fatalf("lock a: %v", err)
	}
	defer unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	other, err := locks.Lock(ctx, "b")
	if err != nil {
		t.Fatalf("lock b should not wait on a: %v", err)
	}
	other()
}

func TestLockHonoursContext(t *testing.T) {
	locks := New()
	unlock, _ := locks.Lock(context.Background(), "a")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := locks.Lock(ctx, "a"); err == nil {
		t.Fatalf("expected timeout while key held")
	}
	unlock()
	unlock()
	if locks.Len() != 0 {
		t.Fatalf("expected map to drain, got %d", locks.Len())
	}
}
