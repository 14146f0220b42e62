// Package bus provides the process-wide action bus for Mirage. Tool
// side-effects, feedback resolutions, and window bookkeeping all travel over
// it. The default backend is in-memory; a NATS backend can be selected for
// multi-process deployments.
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event represents a message on the bus.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"` // component that produced the event
	Reply     string          `json:"reply,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEvent creates a new event with a UUID and current timestamp. The payload
// is marshalled immediately; a marshal failure produces an event with nil Data.
func NewEvent(eventType, source string, payload any) *Event {
	var data json.RawMessage
	if payload != nil {
		data, _ = json.Marshal(payload)
	}
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Decode unmarshals the event payload into v.
func (e *Event) Decode(v any) error {
	if e.Data == nil {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the interface shared by the in-memory and NATS backends.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern. Patterns use
	// NATS wildcards: * matches one token, > matches the rest.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Request sends an event and waits for a single reply (with timeout).
	Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error)

	// Close closes the bus; all subscriptions become invalid.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
