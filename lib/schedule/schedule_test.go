package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestAfterFiresOnce(t *testing.T) {
	s := New()
	defer s.Close()
	fired := make(chan struct{}, 2)
	s.After(5*time.Millisecond, func() { fired <- struct{}{} })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatalf("callback did not fire")
	}
	select {
	case <-fired:
		t.Fatalf("callback fired twice")
	case <-time.After(20 * time.Millisecond):
	}
	if s.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", s.Pending())
	}
}

func TestCancelPreventsCallback(t *testing.T) {
	s := New()
	defer s.Close()
	var fired atomic.Bool
	h := s.After(20*time.Millisecond, func() { fired.Store(true) })
	if !h.Cancel() {
		t.Fatalf("expected cancel to succeed")
	}
	if h.Cancel() {
		t.Fatalf("second cancel must report false")
	}
	time.Sleep(40 * time.Millisecond)
	if fired.Load() {
		t.Fatalf("cancelled callback ran")
	}
}

func TestEveryStopsOnClose(t *testing.T) {
	s := New()
	var ticks atomic.Int32
	s.Every(context.Background(), 2*time.Millisecond, func(context.Context) { ticks.Add(1) })
	time.Sleep(20 * time.Millisecond)
	s.Close()
	seen := ticks.Load()
	if seen == 0 {
		t.Fatalf("expected periodic callback to run")
	}
	time.Sleep(10 * time.Millisecond)
	if ticks.Load() != seen {
		t.Fatalf("callback ran after close")
	}
}

func TestAfterOnClosedSchedulerIsNoop(t *testing.T) {
	s := New()
	s.Close()
	h := s.After(time.Millisecond, func() { t.Errorf("must not run") })
	if h.Cancel() {
		t.Fatalf("noop handle cannot cancel")
	}
	time.Sleep(5 * time.Millisecond)
}
