// Package bus provides event bus abstractions for the orchestration core.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event represents a message on the event bus.
type Event struct {
	ID        string      `json:"id"`
	Topic     string      `json:"topic"`
	Source    string      `json:"source"` // component that produced the event
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(topic, source string, payload interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Topic:     topic,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations.
type EventBus interface {
	// Publish sends an event to a topic.
	Publish(ctx context.Context, topic string, event *Event) error

	// Subscribe creates a subscription to a topic.
	Subscribe(topic string, handler EventHandler) (Subscription, error)

	// Close closes the bus.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
