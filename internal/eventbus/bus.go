// Package eventbus fans engine notifications out to the daemon's sinks.
//
// Events for one light are delivered to each handler in publish order: every
// light hashes to one worker, and a worker runs its queue sequentially. Events
// without a light go to the first worker.
package eventbus

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// EventType names a kind of notification.
type EventType string

const (
	EventTypeState          EventType = "state"
	EventTypeOnline         EventType = "online"
	EventTypeProperties     EventType = "properties"
	EventTypeDiscovery      EventType = "discovery"
	EventTypeDeliveryFailed EventType = "delivery_failed"
)

// Data keys
const (
	KeyMAC        = "mac"
	KeyEngine     = "engine"
	KeySnapshot   = "snapshot"   // lifx.Snapshot, observed state after the change
	KeyChange     = "change"     // lifx.Change
	KeyOnline     = "online"     // bool
	KeyProperties = "properties" // lifx.Properties
	KeyFailure    = "failure"    // lifx.Failure
	KeyResult     = "result"     // lifx.DiscoveryResult
)

const (
	DefaultWorkerCount = 4
	DefaultQueueSize   = 100
)

type Event struct {
	Type EventType
	Data map[string]interface{}
}

// MAC returns the light the event belongs to, or "".
func (e Event) MAC() string {
	mac, _ := e.Data[KeyMAC].(string)
	return mac
}

type Handler func(Event)

type work struct {
	event    Event
	handlers []Handler
}

// Bus routes events to handlers on a fixed set of ordered workers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler

	shards []chan work
	wg     sync.WaitGroup

	closing   chan struct{}
	closeOnce sync.Once

	published atomic.Uint64
	dropped   atomic.Uint64
}

// Stats counts delivered and dropped events.
type Stats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
}

func New() *Bus {
	return NewWithConfig(DefaultWorkerCount, DefaultQueueSize)
}

// NewWithConfig starts workerCount workers, each with its own queue of
// queueSize events.
func NewWithConfig(workerCount, queueSize int) *Bus {
	if workerCount < 1 {
		workerCount = 1
	}
	b := &Bus{
		handlers: make(map[EventType][]Handler),
		shards:   make([]chan work, workerCount),
		closing:  make(chan struct{}),
	}
	for i := range b.shards {
		b.shards[i] = make(chan work, queueSize)
		b.wg.Add(1)
		go b.worker(i, b.shards[i])
	}

	log.Debug().Int("workers", workerCount).Int("queue_size", queueSize).Msg("Event bus started")
	return b
}

func (b *Bus) worker(id int, queue <-chan work) {
	defer b.wg.Done()
	for w := range queue {
		for _, h := range w.handlers {
			b.call(id, h, w.event)
		}
	}
}

func (b *Bus) call(worker int, h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("event_type", string(e.Type)).
				Str("mac", e.MAC()).
				Int("worker", worker).
				Msg("Event handler panicked")
		}
	}()
	h(e)
}

// Subscribe registers handler for eventType. Handlers added later only see
// events published later.
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

func (b *Bus) shard(mac string) chan work {
	if mac == "" || len(b.shards) == 1 {
		return b.shards[0]
	}
	h := fnv.New32a()
	h.Write([]byte(mac))
	return b.shards[h.Sum32()%uint32(len(b.shards))]
}

// Publish queues the event for its light's worker without blocking. The event
// is dropped when that queue is full or the bus is closed.
func (b *Bus) Publish(event Event) {
	// held across the send so Close cannot close a queue mid-send
	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.closing:
		b.dropped.Add(1)
		log.Warn().Str("event_type", string(event.Type)).Msg("Event bus closed, dropping event")
		return
	default:
	}

	handlers := b.handlers[event.Type]
	if len(handlers) == 0 {
		return
	}
	select {
	case b.shard(event.MAC()) <- work{event: event, handlers: handlers}:
		b.published.Add(1)
	default:
		b.dropped.Add(1)
		log.Warn().
			Str("event_type", string(event.Type)).
			Str("mac", event.MAC()).
			Msg("Event bus queue full, dropping event")
	}
}

func (b *Bus) Stats() Stats {
	return Stats{Published: b.published.Load(), Dropped: b.dropped.Load()}
}

// Close stops accepting events and waits until the queued ones are handled
// or ctx ends.
func (b *Bus) Close(ctx context.Context) {
	b.closeOnce.Do(func() {
		close(b.closing)
		b.mu.Lock()
		for _, q := range b.shards {
			close(q)
		}
		b.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s := b.Stats()
		log.Debug().Uint64("published", s.Published).Uint64("dropped", s.Dropped).Msg("Event bus stopped")
	case <-ctx.Done():
		log.Warn().Msg("Event bus shutdown timed out, some events may be lost")
	}
}
