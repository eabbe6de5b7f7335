// Package bus carries framework events and log entries between runtimes and
// the sessions attached to them.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event represents a message on the event bus
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"` // framework that produced the event
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Event types published by framework bridges.
const (
	TypeFrameworkEvent = "framework.event"
	TypeLogEntry       = "framework.log"
)

// Data keys of framework events and log entries.
const (
	KeyType     = "type"
	KeyModuleID = "moduleId"
	KeyMessage  = "message"
	KeyLevel    = "level"
	KeyError    = "error"
)

// FrameworkEventSubject is the subject framework lifecycle events for name are published on.
func FrameworkEventSubject(name string) string {
	return "framework." + name + ".events"
}

// FrameworkLogSubject is the subject log entries for name are published on.
func FrameworkLogSubject(name string) string {
	return "framework." + name + ".log"
}

// EventHandler is a function that handles an event
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations
type EventBus interface {
	// Publish sends an event to a subject
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the connection
	Close()

	// IsConnected returns connection status
	IsConnected() bool
}

// Int reads a numeric field from event data, accepting the float64 JSON decoding produces.
func (e *Event) Int(key string) int {
	switch v := e.Data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// String reads a string field from event data.
func (e *Event) String(key string) string {
	s, _ := e.Data[key].(string)
	return s
}
