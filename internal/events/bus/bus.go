// Package bus provides event bus abstractions for Chorus.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is a message on the bus. Data carries a flat JSON-compatible map
// so events survive the NATS round trip unchanged.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent builds an event with a fresh id and timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler processes a delivered event. Returning an error only logs
// it, delivery to other subscribers is unaffected.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a handle on an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is implemented by the in-memory bus and the NATS bus. Subjects
// are dot-separated, subscriptions may use NATS wildcards (* and >).
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)
	Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error)
	Close()
	IsConnected() bool
}
