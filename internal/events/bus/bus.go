// Package bus provides event bus abstractions for Gatehouse.
// State changes in the approval queue, terminal engine, and tool-call tracker
// are published here so UI surfaces can observe them without polling.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subjects published by the core subsystems.
const (
	// SubjectApprovalCurrent fires when a new request becomes the current
	// (visible) approval request.
	SubjectApprovalCurrent = "approval.current"

	// SubjectApprovalEmpty fires when the queue drains, so UI chrome can hide.
	SubjectApprovalEmpty = "approval.empty"

	// SubjectApprovalResolved fires when any request resolves, by any source.
	SubjectApprovalResolved = "approval.resolved"

	// SubjectTerminalCreated fires when an execution session is created.
	SubjectTerminalCreated = "terminal.session.created"

	// SubjectTerminalClosed fires when an execution session closes.
	SubjectTerminalClosed = "terminal.session.closed"

	// SubjectTerminalBackgroundDone fires when a background execution finalizes.
	SubjectTerminalBackgroundDone = "terminal.background.finished"

	// SubjectCallStarted fires when the tracker registers a tool call.
	SubjectCallStarted = "call.started"

	// SubjectCallCompleted fires when a tracked call resolves.
	SubjectCallCompleted = "call.completed"

	// SubjectCallHeartbeat fires on each keepalive tick of a long-running call.
	SubjectCallHeartbeat = "call.heartbeat"
)

// Event represents a message on the event bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"` // Subsystem that produced the event
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
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
	// Publish sends an event to a subject
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the connection
	Close()

	// IsConnected returns connection status
	IsConnected() bool
}
