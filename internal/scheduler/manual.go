package scheduler

import (
	"sort"
	"sync"
	"time"
)

// Manual is a Scheduler driven by Advance. Callbacks fire synchronously on
// the goroutine calling Advance, which keeps timer-dependent tests
// deterministic.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	next    Handle
	entries map[Handle]*manualEntry
	delays  []time.Duration
}

type manualEntry struct {
	handle   Handle
	due      time.Time
	interval time.Duration
	fn       func()
}

func NewManual(start time.Time) *Manual {
	if start.IsZero() {
		start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return &Manual{now: start, entries: map[Handle]*manualEntry{}}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) After(delay time.Duration, fn func()) Handle {
	if delay < 0 {
		delay = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	m.entries[m.next] = &manualEntry{handle: m.next, due: m.now.Add(delay), fn: fn}
	m.delays = append(m.delays, delay)
	return m.next
}

func (m *Manual) Every(interval time.Duration, fn func()) Handle {
	if interval <= 0 {
		interval = time.Second
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	m.entries[m.next] = &manualEntry{handle: m.next, due: m.now.Add(interval), interval: interval, fn: fn}
	return m.next
}

func (m *Manual) Cancel(h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, h)
}

// Delays returns the delay of every After call so far, in call order.
func (m *Manual) Delays() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, len(m.delays))
	copy(out, m.delays)
	return out
}

// Pending reports how many callbacks are still scheduled.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Advance moves the clock forward by d, firing every callback that becomes
// due, earliest first.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()
	for {
		m.mu.Lock()
		entry := m.nextDueLocked(target)
		if entry == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		m.now = entry.due
		if entry.interval > 0 {
			entry.due = entry.due.Add(entry.interval)
		} else {
			delete(m.entries, entry.handle)
		}
		fn := entry.fn
		m.mu.Unlock()
		fn()
	}
}

func (m *Manual) nextDueLocked(target time.Time) *manualEntry {
	due := make([]*manualEntry, 0, len(m.entries))
	for _, entry := range m.entries {
		if !entry.due.After(target) {
			due = append(due, entry)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].due.Equal(due[j].due) {
			return due[i].handle < due[j].handle
		}
		return due[i].due.Before(due[j].due)
	})
	return due[0]
}
