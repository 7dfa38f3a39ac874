package runtime

import (
	"encoding/json"

	"github.com/haasonsaas/agentblob/pkg/models"
)

// Event payload shapes written by the executor. Consumers (the gateway's
// fanout, channel adapters, the transcript builder) decode against these.

// RunInputPayload is the payload of run.input events.
type RunInputPayload struct {
	Prompt     string           `json:"prompt"`
	Origin     models.RunOrigin `json:"origin"`
	Depth      int              `json:"depth,omitempty"`
	ScheduleID string           `json:"schedule_id,omitempty"`
}

// RunStatusPayload is the payload of run.status events.
type RunStatusPayload struct {
	From models.RunStatus `json:"from"`
	To   models.RunStatus `json:"to"`
}

// TokenPayload is the payload of token events, one streamed text delta each.
type TokenPayload struct {
	Text string `json:"text"`
}

// ToolCallPayload is the payload of tool.call events. Emitted only when a
// call actually dispatches.
type ToolCallPayload struct {
	ToolCallID string          `json:"tool_call_id"`
	Name       string          `json:"name"`
	Input      json.RawMessage `json:"input,omitempty"`
	Capability string          `json:"capability"`
}

// ToolResultPayload is the payload of tool.result events. DurationMS is zero
// for calls rejected before dispatch.
type ToolResultPayload struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// PermissionResponsePayload is the payload of permission.response events.
// Expired requests emit no response event.
type PermissionResponsePayload struct {
	ID         string                 `json:"id"`
	Capability string                 `json:"capability"`
	State      models.PermissionState `json:"state"`
	DecidedBy  string                 `json:"decided_by,omitempty"`
}

// RunFinalPayload is the payload of run.final events. Exactly one per run.
type RunFinalPayload struct {
	Status    models.RunStatus `json:"status"`
	Summary   string           `json:"summary,omitempty"`
	Artifacts []string         `json:"artifacts,omitempty"`
	Errors    []string         `json:"errors,omitempty"`
	Error     string           `json:"error,omitempty"`
	Usage     Usage            `json:"usage"`
	Rounds    int              `json:"rounds"`
}
