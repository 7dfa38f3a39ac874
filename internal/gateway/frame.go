package gateway

import "encoding/json"

// wsFrame is the single wire envelope: requests carry method and params,
// responses carry ok and payload or error, events carry the event kind and
// the global log seq.
type wsFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload any             `json:"payload,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes returned in res frames.
const (
	codeInvalidFrame        = "invalid_frame"
	codeHandshakeRequired   = "handshake_required"
	codeUnsupportedProtocol = "unsupported_protocol"
	codeConnectFailed       = "connect_failed"
	codeUnknownMethod       = "unknown_method"
	codeInvalidParams       = "invalid_params"
	codeQueueFull           = "queue_full"
	codeNotFound            = "not_found"
	codeUnavailable         = "unavailable"
	codeRequestFailed       = "request_failed"
)

type wsConnectParams struct {
	Protocol int          `json:"protocol"`
	Client   wsClientInfo `json:"client"`
	Session  string       `json:"session,omitempty"`
	LastSeq  *int64       `json:"last_seq,omitempty"`
}

type wsClientInfo struct {
	ID       string `json:"id,omitempty"`
	Version  string `json:"version,omitempty"`
	Platform string `json:"platform,omitempty"`
}

type wsAgentParams struct {
	Prompt  string `json:"prompt"`
	Session string `json:"session,omitempty"`
}

type wsRunStopParams struct {
	RunID string `json:"run_id,omitempty"`
}

type wsPermissionRespondParams struct {
	ID      string `json:"id"`
	Approve bool   `json:"approve"`
}

type wsMemorySearchParams struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

type wsMemoryListParams struct {
	Type   string `json:"type,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

type wsMemoryDeleteParams struct {
	IDs []int64 `json:"ids"`
}

type wsMemoryPinParams struct {
	Text string `json:"text"`
}

// wsScheduleParams carries schedule fields on the wire. Durations are Go
// duration strings and times are RFC 3339 so clients never deal in
// nanosecond integers.
type wsScheduleParams struct {
	ID         string  `json:"id,omitempty"`
	Name       *string `json:"name,omitempty"`
	Kind       *string `json:"kind,omitempty"`
	At         *string `json:"at,omitempty"`
	Every      *string `json:"every,omitempty"`
	CronExpr   *string `json:"cron_expr,omitempty"`
	Timezone   *string `json:"timezone,omitempty"`
	Prompt     *string `json:"prompt,omitempty"`
	WorkerType *string `json:"worker_type,omitempty"`
	Enabled    *bool   `json:"enabled,omitempty"`
}

type wsScheduleDeleteParams struct {
	ID string `json:"id"`
}

// wsScheduleView is the wire rendering of a schedule.
type wsScheduleView struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	At         string `json:"at,omitempty"`
	Every      string `json:"every,omitempty"`
	CronExpr   string `json:"cron_expr,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
	Prompt     string `json:"prompt"`
	WorkerType string `json:"worker_type,omitempty"`
	Enabled    bool   `json:"enabled"`
	NextRunAt  string `json:"next_run_at,omitempty"`
	LastRunAt  string `json:"last_run_at,omitempty"`
	LastRunID  string `json:"last_run_id,omitempty"`
}
