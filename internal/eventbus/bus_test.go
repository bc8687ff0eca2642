package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOutAndDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()

	a, unsubA := b.Subscribe(1)
	defer unsubA()
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: TickCompleted, Data: TickSummary{Attempted: 1}})
	b.Publish(Event{Type: DeliveryFailed})

	if got := len(a); got != 1 {
		t.Fatalf("full subscriber should drop, buffered=%d", got)
	}
	if got := len(c); got != 2 {
		t.Fatalf("buffered=%d, want 2", got)
	}
	e := <-c
	if e.Type != TickCompleted || e.Time.IsZero() {
		t.Fatalf("event = %+v", e)
	}
	if e.Data.(TickSummary).Attempted != 1 {
		t.Fatalf("data not carried: %+v", e.Data)
	}
}

func TestUnsubscribeClosesAndStopsDelivery(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(0)
	unsub()
	unsub()

	b.Publish(Event{Type: SubscriptionGone})
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("unsubscribed channel received an event")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed")
	}
}
