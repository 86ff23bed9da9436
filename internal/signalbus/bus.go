package signalbus

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Bus is an in-process publish/subscribe channel. Published values are
// delivered on a single dispatcher goroutine, in publish order, to every
// handler in registration order, so handlers never run concurrently with
// each other. Publishing from inside a handler is allowed and queues the
// value behind the one being delivered.
type Bus[T any] struct {
	logger *slog.Logger

	mu          sync.Mutex
	subscribers []subscriber[T]
	queue       []T
	dispatching bool
	closed      bool
	waiters     []chan struct{}
	wake        chan struct{}
	done        chan struct{}
}

type subscriber[T any] struct {
	id string
	fn func(T)
}

func New[T any](logger *slog.Logger) *Bus[T] {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	b := &Bus[T]{
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go b.run()
	return b
}

// Subscribe registers fn and returns a function that removes it again.
func (b *Bus[T]) Subscribe(fn func(T)) func() {
	if fn == nil {
		return func() {}
	}
	id := uuid.NewString()
	b.mu.Lock()
	b.subscribers = append(b.subscribers, subscriber[T]{id: id, fn: fn})
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.subscribers {
			if sub.id == id {
				b.subscribers = append(b.subscribers[:i:i], b.subscribers[i+1:]...)
				return
			}
		}
	}
}

// SubscribeChan delivers values into a buffered channel. Values are dropped
// when the consumer falls behind rather than stalling the dispatcher.
func (b *Bus[T]) SubscribeChan(buffer int) (<-chan T, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan T, buffer)
	var once sync.Once
	var closedMu sync.Mutex
	closed := false
	unsubscribe := b.Subscribe(func(v T) {
		closedMu.Lock()
		defer closedMu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- v:
		default:
			b.logger.Warn("signal subscriber is behind; dropping value")
		}
	})
	return ch, func() {
		once.Do(func() {
			unsubscribe()
			closedMu.Lock()
			closed = true
			close(ch)
			closedMu.Unlock()
		})
	}
}

// Publish queues v for delivery. It reports false once the bus is closed.
func (b *Bus[T]) Publish(v T) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.queue = append(b.queue, v)
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
	return true
}

// Flush blocks until every value published before the call has been
// delivered. It must not be called from inside a handler.
func (b *Bus[T]) Flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.queue) == 0 && !b.dispatching {
		b.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	b.waiters = append(b.waiters, ch)
	b.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting values, delivers what is already queued and stops
// the dispatcher.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
	<-b.done
}

func (b *Bus[T]) run() {
	defer close(b.done)
	for range b.wake {
		for {
			b.mu.Lock()
			if len(b.queue) == 0 {
				b.dispatching = false
				waiters := b.waiters
				b.waiters = nil
				closed := b.closed
				b.mu.Unlock()
				for _, w := range waiters {
					close(w)
				}
				if closed {
					return
				}
				break
			}
			v := b.queue[0]
			var zero T
			b.queue[0] = zero
			b.queue = b.queue[1:]
			b.dispatching = true
			subs := make([]subscriber[T], len(b.subscribers))
			copy(subs, b.subscribers)
			b.mu.Unlock()

			for _, sub := range subs {
				b.deliver(sub, v)
			}
		}
	}
}

func (b *Bus[T]) deliver(sub subscriber[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("signal handler panicked", "subscriber", sub.id, "panic", r)
		}
	}()
	sub.fn(v)
}
