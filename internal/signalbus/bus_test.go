package signalbus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func flush(t *testing.T, bus *Bus[int]) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := bus.Flush(ctx); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
}

func TestPublishDeliversInOrderToEverySubscriber(t *testing.T) {
	bus := New[int](nil)
	defer bus.Close()

	var mu sync.Mutex
	var first, second []int
	bus.Subscribe(func(v int) {
		mu.Lock()
		first = append(first, v)
		mu.Unlock()
	})
	bus.Subscribe(func(v int) {
		mu.Lock()
		second = append(second, v)
		mu.Unlock()
	})
	for i := 1; i <= 5; i++ {
		bus.Publish(i)
	}
	flush(t, bus)

	mu.Lock()
	defer mu.Unlock()
	for _, got := range [][]int{first, second} {
		if len(got) != 5 {
			t.Fatalf("expected 5 deliveries, got %v", got)
		}
		for i, v := range got {
			if v != i+1 {
				t.Fatalf("expected in-order delivery, got %v", got)
			}
		}
	}
}

func TestHandlersNeverRunConcurrently(t *testing.T) {
	bus := New[int](nil)
	defer bus.Close()

	var mu sync.Mutex
	active := 0
	overlap := false
	bus.Subscribe(func(int) {
		mu.Lock()
		active++
		if active > 1 {
			overlap = true
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			bus.Publish(v)
		}(i)
	}
	wg.Wait()
	flush(t, bus)
	if overlap {
		t.Fatalf("expected sequential handler execution")
	}
}

func TestPublishFromHandlerIsQueued(t *testing.T) {
	bus := New[int](nil)
	defer bus.Close()

	var got []int
	bus.Subscribe(func(v int) {
		got = append(got, v)
		if v == 1 {
			bus.Publish(2)
		}
	})
	bus.Publish(1)
	flush(t, bus)
	flush(t, bus)
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("expected [1 2], got %v", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New[int](nil)
	defer bus.Close()

	count := 0
	unsubscribe := bus.Subscribe(func(int) { count++ })
	bus.Publish(1)
	flush(t, bus)
	unsubscribe()
	bus.Publish(2)
	flush(t, bus)
	if count != 1 {
		t.Fatalf("expected one delivery before unsubscribe, got %d", count)
	}
}

func TestHandlerPanicDoesNotStopBus(t *testing.T) {
	bus := New[int](nil)
	defer bus.Close()

	delivered := 0
	bus.Subscribe(func(v int) {
		if v == 1 {
			panic("boom")
		}
	})
	bus.Subscribe(func(int) { delivered++ })
	bus.Publish(1)
	bus.Publish(2)
	flush(t, bus)
	if delivered != 2 {
		t.Fatalf("expected both values delivered past the panic, got %d", delivered)
	}
}

func TestSubscribeChanReceivesValues(t *testing.T) {
	bus := New[int](nil)
	defer bus.Close()

	ch, cancel := bus.SubscribeChan(4)
	bus.Publish(7)
	select {
	case v := <-ch:
		if v != 7 {
			t.Fatalf("expected 7, got %d", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for value")
	}
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("expected channel closed after cancel")
	}
}

func TestPublishAfterCloseIsRejected(t *testing.T) {
	bus := New[int](nil)
	bus.Close()
	if bus.Publish(1) {
		t.Fatalf("expected publish on closed bus to fail")
	}
}
