// Package agui implements the AG-UI event protocol: typed envelopes, the
// category filter, the multi-subscriber broadcaster, and the websocket
// surface the modeler connects to.
package agui

import (
	"encoding/json"
	"time"
)

// Event is a single AG-UI envelope. Data carries the type-specific payload
// fields and is flattened into the wire JSON alongside the fixed fields.
type Event struct {
	Type      string         `json:"type"`
	ElementID string         `json:"elementId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Lifecycle events.
const (
	EventWorkflowStarted   = "workflow.started"
	EventWorkflowCompleted = "workflow.completed"
	EventElementActivated  = "element.activated"
	EventElementCompleted  = "element.completed"
	EventTaskProgress      = "task.progress"
	EventTaskError         = "task.error"
	EventTaskCancelled     = "task.cancelled"
	EventTaskCancellable   = "task.cancellable"
	EventTaskCancelling    = "task.cancelling"
	EventBoundaryTriggered = "boundary.triggered"
	EventGatewayEvaluating = "gateway.evaluating"
	EventGatewayPathTaken  = "gateway.path_taken"
	EventGatewayForked     = "gateway.forked"
	EventGatewayDeadlock   = "gateway.deadlock"
	EventQueueOverflow     = "queue.overflow"
	EventStreamOverflow    = "stream.overflow"
)

// Messaging events.
const (
	EventTextMessageStart = "text.message.start"
	EventTextMessageChunk = "text.message.chunk"
	EventTextMessageEnd   = "text.message.end"
)

// Tool events.
const (
	EventTaskToolStart = "task.tool.start"
	EventTaskToolEnd   = "task.tool.end"
)

// State events.
const (
	EventMessagesSnapshot = "messages.snapshot"
	EventStateSnapshot    = "state.snapshot"
	EventStateDelta       = "state.delta"
)

// Special events.
const (
	EventTaskThinking    = "task.thinking"
	EventUserTaskCreated = "userTask.created"
	EventPing            = "ping"
	EventPong            = "pong"
	EventReplayRequest   = "replay.request"
	EventClearHistory    = "clear.history"
)

// Event categories used for per-task subscriber filtering.
const (
	CategoryMessaging = "messaging"
	CategoryTool      = "tool"
	CategoryState     = "state"
	CategoryLifecycle = "lifecycle"
	CategorySpecial   = "special"
)

var eventCategories = map[string]string{
	EventTextMessageStart: CategoryMessaging,
	EventTextMessageChunk: CategoryMessaging,
	EventTextMessageEnd:   CategoryMessaging,

	EventTaskToolStart: CategoryTool,
	EventTaskToolEnd:   CategoryTool,

	EventMessagesSnapshot: CategoryState,
	EventStateSnapshot:    CategoryState,
	EventStateDelta:       CategoryState,

	EventWorkflowStarted:   CategoryLifecycle,
	EventWorkflowCompleted: CategoryLifecycle,
	EventElementActivated:  CategoryLifecycle,
	EventElementCompleted:  CategoryLifecycle,
	EventTaskProgress:      CategoryLifecycle,
	EventTaskError:         CategoryLifecycle,
	EventTaskCancelled:     CategoryLifecycle,
	EventTaskCancellable:   CategoryLifecycle,
	EventTaskCancelling:    CategoryLifecycle,
	EventBoundaryTriggered: CategoryLifecycle,
	EventGatewayEvaluating: CategoryLifecycle,
	EventGatewayPathTaken:  CategoryLifecycle,
	EventGatewayForked:     CategoryLifecycle,
	EventGatewayDeadlock:   CategoryLifecycle,
	EventQueueOverflow:     CategoryLifecycle,
	EventStreamOverflow:    CategoryLifecycle,

	EventTaskThinking:    CategorySpecial,
	EventUserTaskCreated: CategorySpecial,
	EventPing:            CategorySpecial,
	EventPong:            CategorySpecial,
	EventReplayRequest:   CategorySpecial,
	EventClearHistory:    CategorySpecial,
}

// Category maps an event type to its filter category; unknown types map to
// the empty string and are always delivered.
func Category(eventType string) string {
	return eventCategories[eventType]
}

// NewEvent builds a stamped envelope.
func NewEvent(eventType, elementID string, data map[string]any) Event {
	return Event{Type: eventType, ElementID: elementID, Timestamp: time.Now().UTC(), Data: data}
}

// MarshalJSON flattens Data into the envelope so subscribers see a single
// level of payload fields, matching the modeler's wire format.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Data)+3)
	for k, v := range e.Data {
		out[k] = v
	}
	out["type"] = e.Type
	if e.ElementID != "" {
		out["elementId"] = e.ElementID
	}
	out["timestamp"] = e.Timestamp.Format(time.RFC3339Nano)
	return json.Marshal(out)
}
