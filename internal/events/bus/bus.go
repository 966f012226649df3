// Package bus defines the event bus used to fan orchestrator activity
// out to the streaming hub and any other listeners. Subjects follow the
// NATS convention of dot-separated tokens with "*" matching one token
// and ">" matching the rest.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is a single bus message. Data carries the payload as a loose
// map so subscribers can pick the keys they care about.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent stamps a fresh event with an ID and the current time.
func NewEvent(eventType, source string, data map[string]any) *Event {
	if data == nil {
		data = make(map[string]any)
	}
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler consumes a delivered event. A returned error is logged
// by the bus; it does not stop delivery to other subscribers.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a handle to an active subscription.
type Subscription interface {
	// Unsubscribe removes the subscription. Safe to call more than once.
	Unsubscribe() error
	// IsValid reports whether the subscription is still receiving events.
	IsValid() bool
}

// EventBus publishes and subscribes to subjects. Implementations are
// the in-process bus and the NATS-backed bus; which one runs is a
// deployment choice, callers see the same interface.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	// QueueSubscribe joins a queue group: each event on the subject is
	// delivered to exactly one member of the group.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)
	// Request publishes an event and waits for a single reply, which
	// responders send to the inbox subject found in Data["_reply"].
	Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error)
	Close() error
	IsConnected() bool
}
