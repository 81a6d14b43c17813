package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPublishDeliversToSubscribers(t *testing.T) {
	b := NewWithConfig(2, 10)
	defer b.Close(context.Background())

	var wg sync.WaitGroup
	var got atomic.Int32
	wg.Add(2)
	handler := func(e Event) {
		if e.MAC() == "D073D5000001" {
			got.Add(1)
		}
		wg.Done()
	}
	b.Subscribe(EventTypeState, handler)
	b.Subscribe(EventTypeState, handler)
	b.Subscribe(EventTypeOnline, func(Event) { t.Error("online handler should not run") })

	b.Publish(Event{Type: EventTypeState, Data: map[string]interface{}{KeyMAC: "D073D5000001"}})
	wg.Wait()

	if got.Load() != 2 {
		t.Errorf("handlers ran %d times, want 2", got.Load())
	}
	if s := b.Stats(); s.Published != 1 || s.Dropped != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestPanickingHandlerDoesNotKillWorker(t *testing.T) {
	b := NewWithConfig(1, 10)
	defer b.Close(context.Background())

	done := make(chan struct{})
	b.Subscribe(EventTypeDiscovery, func(Event) { panic("boom") })
	b.Subscribe(EventTypeDeliveryFailed, func(Event) { close(done) })

	b.Publish(Event{Type: EventTypeDiscovery})
	b.Publish(Event{Type: EventTypeDeliveryFailed})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive handler panic")
	}
}

func TestPublishAfterCloseDrops(t *testing.T) {
	b := NewWithConfig(1, 1)
	b.Subscribe(EventTypeState, func(Event) {})
	b.Subscribe(EventTypeProperties, func(Event) {})
	b.Close(context.Background())
	b.Close(context.Background())

	b.Publish(Event{Type: EventTypeProperties})

	if s := b.Stats(); s.Dropped != 1 {
		t.Errorf("dropped = %d, want 1", s.Dropped)
	}
}

func TestEventsForOneLightStayOrdered(t *testing.T) {
	b := NewWithConfig(4, 1000)
	defer b.Close(context.Background())

	const n = 200
	var mu sync.Mutex
	got := map[string][]int{}
	var wg sync.WaitGroup
	wg.Add(2 * n)
	b.Subscribe(EventTypeState, func(e Event) {
		mu.Lock()
		got[e.MAC()] = append(got[e.MAC()], e.Data["i"].(int))
		mu.Unlock()
		wg.Done()
	})

	for i := 0; i < n; i++ {
		for _, mac := range []string{"D073D5000001", "D073D5000002"} {
			b.Publish(Event{Type: EventTypeState, Data: map[string]interface{}{KeyMAC: mac, "i": i}})
		}
	}
	wg.Wait()

	for mac, seq := range got {
		for i, v := range seq {
			if v != i {
				t.Fatalf("%s: event %d delivered at position %d", mac, v, i)
			}
		}
	}
}

func TestPublishWithoutSubscribersIsNotCounted(t *testing.T) {
	b := NewWithConfig(1, 1)
	defer b.Close(context.Background())

	b.Publish(Event{Type: EventTypeOnline})
	if s := b.Stats(); s != (Stats{}) {
		t.Errorf("stats = %+v, want zero", s)
	}
}
