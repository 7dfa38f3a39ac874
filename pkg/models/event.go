package models

import (
	"encoding/json"
	"time"
)

// EventKind identifies the type of an event-log record.
type EventKind string

const (
	// EventRunInput records the prompt that started a run.
	EventRunInput EventKind = "run.input"

	// EventRunStatus records a run state transition.
	EventRunStatus EventKind = "run.status"

	// EventToolCall records a tool invocation request.
	EventToolCall EventKind = "tool.call"

	// EventToolResult records the outcome of a tool invocation.
	EventToolResult EventKind = "tool.result"

	// EventToken records a streamed model output delta.
	EventToken EventKind = "token"

	// EventPermissionRequest records a pending permission request.
	EventPermissionRequest EventKind = "permission.request"

	// EventPermissionResponse records the decision for a permission request.
	EventPermissionResponse EventKind = "permission.response"

	// EventRunFinal records the terminal payload of a run. Exactly one per run.
	EventRunFinal EventKind = "run.final"

	// EventMemoryAdded records a newly stored memory item.
	EventMemoryAdded EventKind = "memory.added"

	// EventMemoryModified records a merge into an existing memory item.
	EventMemoryModified EventKind = "memory.modified"

	// EventMemoryRemoved records deletion of a memory item.
	EventMemoryRemoved EventKind = "memory.removed"
)

// KnownEventKinds lists every kind the log will accept, in a stable order.
func KnownEventKinds() []EventKind {
	return []EventKind{
		EventRunInput,
		EventRunStatus,
		EventToolCall,
		EventToolResult,
		EventToken,
		EventPermissionRequest,
		EventPermissionResponse,
		EventRunFinal,
		EventMemoryAdded,
		EventMemoryModified,
		EventMemoryRemoved,
	}
}

// Event is the append-only log envelope. Seq is assigned by the log and is
// strictly monotonic across rotations; Payload stays opaque to the log.
type Event struct {
	Seq       int64           `json:"seq"`
	TS        time.Time       `json:"ts"`
	Kind      EventKind       `json:"kind"`
	RunID     string          `json:"run_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// RunScoped reports whether this event kind belongs to a single run and
// should only fan out to the originating session.
func (k EventKind) RunScoped() bool {
	switch k {
	case EventRunInput, EventRunStatus, EventToolCall, EventToolResult,
		EventToken, EventPermissionRequest, EventPermissionResponse, EventRunFinal:
		return true
	default:
		return false
	}
}
