package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event being published.
type EventType string

const (
	// EventOrderChanged fires whenever an order's status field changes.
	EventOrderChanged EventType = "order.changed"
	// EventDeploymentChanged is published by the deployments service after a
	// create, cancel or retry, and by the scheduler when a job leaves a
	// deployment running, failed or canceled. Leasing and lease renewal
	// publish nothing.
	EventDeploymentChanged EventType = "deployment.changed"
	// EventOrderEventAppended names an OrderEvent row being written. No
	// component publishes it; notify.RegisterHooks subscribes to it.
	EventOrderEventAppended EventType = "order.event_appended"
	// EventDeploymentEventAppended names a DeploymentEvent row being written.
	// No component publishes it; notify.RegisterHooks subscribes to it.
	EventDeploymentEventAppended EventType = "deployment.event_appended"
)

// Event represents a single event in the system.
type Event struct {
	// ID is a unique identifier for this event (for idempotency).
	ID string

	// Type is the event type.
	Type EventType

	// Timestamp is when the event occurred.
	Timestamp time.Time

	// TenantID is the owning tenant for deployment events; empty for order
	// events, which are not owner-scoped.
	TenantID string

	// Payload contains event-specific data.
	Payload map[string]interface{}
}

// NewEvent creates a new event with the given type and payload.
func NewEvent(eventType EventType, tenantID string, payload map[string]interface{}) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		TenantID:  tenantID,
		Payload:   payload,
	}
}
