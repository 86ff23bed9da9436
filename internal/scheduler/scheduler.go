package scheduler

import (
	"sync"
	"time"
)

// Handle identifies a scheduled callback. The zero Handle is never issued.
type Handle uint64

// Scheduler is the host timer facility. Callbacks run on their own
// goroutine and must do their own synchronisation.
type Scheduler interface {
	After(delay time.Duration, fn func()) Handle
	Every(interval time.Duration, fn func()) Handle
	Cancel(h Handle)
	Now() time.Time
}

type Clock struct {
	mu     sync.Mutex
	next   Handle
	timers map[Handle]func()
}

func NewClock() *Clock {
	return &Clock{timers: map[Handle]func(){}}
}

func (c *Clock) Now() time.Time {
	return time.Now().UTC()
}

func (c *Clock) After(delay time.Duration, fn func()) Handle {
	if delay < 0 {
		delay = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	h := c.next
	timer := time.AfterFunc(delay, func() {
		c.mu.Lock()
		_, live := c.timers[h]
		delete(c.timers, h)
		c.mu.Unlock()
		if live {
			fn()
		}
	})
	c.timers[h] = func() { timer.Stop() }
	return h
}

func (c *Clock) Every(interval time.Duration, fn func()) Handle {
	if interval <= 0 {
		interval = time.Second
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	h := c.next
	ticker := time.NewTicker(interval)
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
	var once sync.Once
	c.timers[h] = func() {
		once.Do(func() {
			ticker.Stop()
			close(stop)
		})
	}
	return h
}

func (c *Clock) Cancel(h Handle) {
	if h == 0 {
		return
	}
	c.mu.Lock()
	stop, ok := c.timers[h]
	delete(c.timers, h)
	c.mu.Unlock()
	if ok {
		stop()
	}
}

func ClampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// JitteredIntervalWithSample spreads base by +/- jitterRatio using a sample
// in [0,1].
func JitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = ClampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
