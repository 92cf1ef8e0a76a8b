package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/relayq/relayq/internal/job"
	"github.com/relayq/relayq/internal/metrics"
)

// Type names a lifecycle event
type Type string

const (
	JobAdded         Type = "jobAdded"
	JobStatusUpdated Type = "jobStatusUpdated"
	JobStarted       Type = "jobStarted"
	JobCompleted     Type = "jobCompleted"
	JobFailed        Type = "jobFailed"
	QueueCleared     Type = "queueCleared"
	Shutdown         Type = "shutdown"
	AlertRaised      Type = "alertRaised"
	AlertResolved    Type = "alertResolved"
	HealthChecked    Type = "healthChecked"
)

// Event is published on the bus. Job is a snapshot owned by the event.
type Event struct {
	Type      Type        `json:"type"`
	Queue     string      `json:"queue,omitempty"`
	JobID     string      `json:"jobId,omitempty"`
	Job       *job.Job    `json:"job,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Subscription receives events matching its type filter
type Subscription struct {
	id      uint64
	bus     *Bus
	ch      chan Event
	types   map[Type]bool
	dropped atomic.Uint64
	once    sync.Once
}

// C returns the delivery channel. It is closed by Close or Bus.Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Dropped returns how many events were skipped because the buffer was full
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes and closes the channel
func (s *Subscription) Close() {
	s.bus.remove(s)
}

func (s *Subscription) wants(t Type) bool {
	return len(s.types) == 0 || s.types[t]
}

// Bus is a topic-filtered pub/sub hub. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

// NewBus creates an event bus
func NewBus() *Bus {
	return &Bus{
		subs: make(map[uint64]*Subscription),
	}
}

// Subscribe registers a subscriber for the given types, or all types when
// none are given
func (b *Bus) Subscribe(buffer int, types ...Type) *Subscription {
	if buffer < 1 {
		buffer = 1
	}

	sub := &Subscription{
		bus:   b,
		ch:    make(chan Event, buffer),
		types: make(map[Type]bool, len(types)),
	}
	for _, t := range types {
		sub.types[t] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}

	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers ev to every matching subscriber
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs {
		if !sub.wants(ev.Type) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			metrics.EventsDroppedTotal.Inc()
		}
	}
}

// Close closes every subscription; later publishes are ignored
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for id, sub := range b.subs {
		sub.once.Do(func() { close(sub.ch) })
		delete(b.subs, id)
	}
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subs, sub.id)
	sub.once.Do(func() { close(sub.ch) })
}
