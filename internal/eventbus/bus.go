// Package eventbus is a small in-memory fanout used to observe the
// delivery pipeline without coupling it to its observers.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the pipeline.
const (
	TickCompleted    = "tick.completed"
	DeliveryFailed   = "delivery.failed"
	SubscriptionGone = "subscription.gone"
)

// Event carries a small, JSON-friendly Data value.
//
// Publish never blocks; a subscriber whose buffer is full misses events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// TickSummary is the Data of TickCompleted.
type TickSummary struct {
	Attempted   int           `json:"attempted"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	Deactivated int           `json:"deactivated"`
	Took        time.Duration `json:"took"`
}

// Delivery is the Data of DeliveryFailed and SubscriptionGone.
type Delivery struct {
	ScheduleID   string   `json:"scheduleId,omitempty"`
	Subscription string   `json:"subscription"`
	Kind         string   `json:"kind,omitempty"`
	Error        string   `json:"error,omitempty"`
	Disabled     []string `json:"disabled,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a bus with no background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop discards everything. Subscribers never receive.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}

func (nopBus) Subscribe(int) (<-chan Event, func()) {
	return make(chan Event), func() {}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		offer(ch, e)
	}
}

// offer recovers from a send on a channel closed by a concurrent unsubscribe.
func offer(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
