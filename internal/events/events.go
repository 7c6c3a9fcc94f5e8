// Package events provides an in-process event bus for flow status updates
// and background task lifecycle events. The event-driven sync path publishes
// here instead of writing both records transactionally.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of event.
type Type string

const (
	// TypeFlowStatusChanged is emitted on any operational (non-critical)
	// status update to a flow.
	TypeFlowStatusChanged Type = "flow.status_changed"
	// TypeFlowSyncRequested asks the sync service to reconcile master/child
	// status for a flow asynchronously.
	TypeFlowSyncRequested Type = "flow.sync_requested"
	// TypeTaskStarted is emitted when a tracked background task begins.
	TypeTaskStarted Type = "task.started"
	// TypeTaskCompleted is emitted when a tracked task completes.
	TypeTaskCompleted Type = "task.completed"
	// TypeTaskFailed is emitted when a tracked task fails.
	TypeTaskFailed Type = "task.failed"
)

// Event is a single bus event.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	FlowID    string         `json:"flow_id,omitempty"`
	FlowType  string         `json:"flow_type,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent creates an event with a fresh ID and the current timestamp.
func NewEvent(t Type, flowID, flowType string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      t,
		FlowID:    flowID,
		FlowType:  flowType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}
