package events

import (
	"testing"
	"time"
)

func TestPublishDeliversToSubscribers(t *testing.T) {
	b := NewBus()
	s := b.Subscribe(4)
	defer b.Unsubscribe(s)

	b.Publish(Event{Type: EventPlanCreated, PlanID: "plan-1"})

	select {
	case ev := <-s.C:
		if ev.Type != EventPlanCreated || ev.PlanID != "plan-1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
		if ev.Timestamp.IsZero() {
			t.Fatal("timestamp not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	b := NewBus()
	s := b.Subscribe(1)
	defer b.Unsubscribe(s)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: EventPlanCompleted})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber buffer")
	}
}

func TestUnsubscribe(t *testing.T) {
	b := NewBus()
	s := b.Subscribe(1)
	if b.SubscriberCount() != 1 {
		t.Fatalf("got %d subscribers", b.SubscriberCount())
	}
	b.Unsubscribe(s)
	if b.SubscriberCount() != 0 {
		t.Fatalf("got %d subscribers after unsubscribe", b.SubscriberCount())
	}
}
