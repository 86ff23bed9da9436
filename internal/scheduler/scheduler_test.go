package scheduler

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestClampJitterRatio(t *testing.T) {
	if got := ClampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := ClampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
	if got := ClampJitterRatio(0.4); got != 0.4 {
		t.Fatalf("expected passthrough 0.4, got %f", got)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	if got := JitteredIntervalWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := JitteredIntervalWithSample(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected min jitter interval 8s, got %s", got)
	}
	if got := JitteredIntervalWithSample(base, 0.2, 0.5); got != 10*time.Second {
		t.Fatalf("expected midpoint jitter interval 10s, got %s", got)
	}
	if got := JitteredIntervalWithSample(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected max jitter interval 12s, got %s", got)
	}
}

func TestManualFiresInDueOrder(t *testing.T) {
	m := NewManual(time.Time{})
	var order []string
	m.After(3*time.Second, func() { order = append(order, "c") })
	m.After(1*time.Second, func() { order = append(order, "a") })
	m.After(2*time.Second, func() { order = append(order, "b") })

	m.Advance(2 * time.Second)
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("expected [a b] after 2s, got %v", order)
	}
	m.Advance(time.Second)
	if len(order) != 3 || order[2] != "c" {
		t.Fatalf("expected c after 3s, got %v", order)
	}
	if m.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", m.Pending())
	}
}

func TestManualEveryRepeatsUntilCancelled(t *testing.T) {
	m := NewManual(time.Time{})
	count := 0
	h := m.Every(time.Second, func() { count++ })
	m.Advance(3500 * time.Millisecond)
	if count != 3 {
		t.Fatalf("expected 3 ticks, got %d", count)
	}
	m.Cancel(h)
	m.Advance(5 * time.Second)
	if count != 3 {
		t.Fatalf("expected no ticks after cancel, got %d", count)
	}
}

func TestManualCallbackCanReschedule(t *testing.T) {
	m := NewManual(time.Time{})
	fired := 0
	var arm func()
	arm = func() {
		m.After(time.Second, func() {
			fired++
			if fired < 3 {
				arm()
			}
		})
	}
	arm()
	m.Advance(10 * time.Second)
	if fired != 3 {
		t.Fatalf("expected 3 chained firings, got %d", fired)
	}
}

func TestClockAfterAndCancel(t *testing.T) {
	c := NewClock()
	var fired int32
	done := make(chan struct{})
	c.After(5*time.Millisecond, func() {
		atomic.AddInt32(&fired, 1)
		close(done)
	})
	cancelled := c.After(5*time.Millisecond, func() { atomic.AddInt32(&fired, 10) })
	c.Cancel(cancelled)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for timer")
	}
	time.Sleep(20 * time.Millisecond)
	if got := atomic.LoadInt32(&fired); got != 1 {
		t.Fatalf("expected only the live timer to fire, got %d", got)
	}
}
