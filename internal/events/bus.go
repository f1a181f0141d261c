// Package events provides the in-memory pub/sub bus for control events.
// External subscribers (dashboards, audit log) consume but must not block:
// Publish never waits on a slow subscriber.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType identifies the kind of control event.
type EventType string

const (
	EventPlanCreated    EventType = "plan.created"
	EventPlanCompleted  EventType = "plan.completed"
	EventSchedulerMode  EventType = "scheduler.mode_changed"
	EventConfigUpdated  EventType = "config.updated"
	EventProviderHealth EventType = "provider.health_changed"
)

// Event is a single control event published on the bus.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Plan fields (populated for plan events).
	PlanID   string `json:"plan_id,omitempty"`
	PlanKind string `json:"plan_kind,omitempty"`
	Status   string `json:"status,omitempty"`

	// Provider fields (populated for provider.health_changed).
	ProviderID string `json:"provider_id,omitempty"`

	// Transition fields (health and scheduler mode changes).
	OldState string `json:"from,omitempty"`
	NewState string `json:"to,omitempty"`
	Reason   string `json:"reason,omitempty"`

	// Config fields (populated for config.updated).
	Domain string `json:"domain,omitempty"`
	Key    string `json:"key,omitempty"`
}

// JSON returns the event as a JSON byte slice.
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Subscriber receives events on a channel.
type Subscriber struct {
	C    chan Event
	done chan struct{}
}

// Bus is an in-memory pub/sub event bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// Subscribe creates a new subscriber with a buffered channel.
func (b *Bus) Subscribe(bufSize int) *Subscriber {
	if bufSize <= 0 {
		bufSize = 64
	}
	s := &Subscriber{
		C:    make(chan Event, bufSize),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, s)
	b.mu.Unlock()
	close(s.done)
}

// Publish sends an event to all subscribers (non-blocking).
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subscribers {
		select {
		case s.C <- e:
		default:
			// Drop event if subscriber is slow (back-pressure).
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
