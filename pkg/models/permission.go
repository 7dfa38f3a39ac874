package models

import (
	"encoding/json"
	"time"
)

// PermissionState is the lifecycle state of a permission request.
type PermissionState string

const (
	// PermissionPending means the request is waiting for a decision.
	PermissionPending PermissionState = "pending"

	// PermissionAllowed means the request was approved.
	PermissionAllowed PermissionState = "allowed"

	// PermissionDenied means the request was rejected.
	PermissionDenied PermissionState = "denied"

	// PermissionExpired means the request outlived its TTL undecided.
	PermissionExpired PermissionState = "expired"
)

// Decided reports whether the state is final.
func (s PermissionState) Decided() bool {
	return s != PermissionPending
}

// PermissionRequest is a pending or decided approval for one tool invocation.
// The ID is "perm_" plus twelve hex characters.
type PermissionRequest struct {
	ID         string          `json:"id"`
	RunID      string          `json:"run_id"`
	SessionID  string          `json:"session_id"`
	Tool       string          `json:"tool"`
	Capability string          `json:"capability"`
	Input      json.RawMessage `json:"input,omitempty"`
	Preview    string          `json:"preview,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
	State      PermissionState `json:"state"`
	DecidedBy  string          `json:"decided_by,omitempty"`
	DecidedAt  time.Time       `json:"decided_at,omitempty"`
}
