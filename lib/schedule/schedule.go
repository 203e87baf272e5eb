// Package schedule owns the timers used by pipeline components so they can be cancelled together.
package schedule

import (
	"context"
	"sync"
	"time"
)

// Scheduler tracks one-shot and periodic callbacks. Close stops all of them.
type Scheduler struct {
	mu     sync.Mutex
	next   uint64
	timers map[uint64]*time.Timer
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Handle cancels a one-shot callback.
type Handle struct {
	s  *Scheduler
	id uint64
}

// New constructs a scheduler.
func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{timers: make(map[uint64]*time.Timer), ctx: ctx, cancel: cancel}
}

// After runs fn once after d unless cancelled first. A closed scheduler returns a no-op handle.
func (s *Scheduler) After(d time.Duration, fn func()) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Handle{}
	}
	s.next++
	id := s.next
	s.wg.Add(1)
	s.timers[id] = time.AfterFunc(d, func() {
		defer s.wg.Done()
		s.mu.Lock()
		_, live := s.timers[id]
		delete(s.timers, id)
		s.mu.Unlock()
		if live {
			fn()
		}
	})
	return Handle{s: s, id: id}
}

// Cancel stops the callback. It reports whether the callback was prevented from running.
func (h Handle) Cancel() bool {
	if h.s == nil {
		return false
	}
	h.s.mu.Lock()
	t, ok := h.s.timers[h.id]
	delete(h.s.timers, h.id)
	h.s.mu.Unlock()
	if !ok {
		return false
	}
	if t.Stop() {
		h.s.wg.Done()
	}
	return true
}

// Every runs fn on each interval tick until ctx is done or the scheduler closes.
func (s *Scheduler) Every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	s.mu.Lock()
	if s.closed || interval <= 0 {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

// Pending reports the number of one-shot callbacks not yet fired or cancelled.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Close cancels outstanding callbacks and waits for running ones to return.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id, t := range s.timers {
		if t.Stop() {
			s.wg.Done()
		}
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}
