package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	// RunQueued means the run is waiting behind another run on its session.
	RunQueued RunStatus = "queued"

	// RunRunning means the executor is actively driving the run.
	RunRunning RunStatus = "running"

	// RunWaitingPermission means the run is blocked on a permission decision.
	RunWaitingPermission RunStatus = "waiting_permission"

	// RunStopping means cancellation was requested and the executor is
	// winding the run down. Transient; the only exits are terminal.
	RunStopping RunStatus = "stopping"

	// RunDone means the run completed and produced a final payload.
	RunDone RunStatus = "done"

	// RunFailed means a provider or internal error ended the run.
	RunFailed RunStatus = "failed"

	// RunStopped means the run was cancelled by request.
	RunStopped RunStatus = "stopped"
)

// Terminal reports whether the status is an end state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunDone, RunFailed, RunStopped:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is a legal lifecycle
// step. Terminal states accept no transitions. Queued runs stop without a
// stopping phase; stopping may still end done or failed when the loop
// finishes before it notices the cancellation.
func (s RunStatus) CanTransition(next RunStatus) bool {
	switch s {
	case RunQueued:
		return next == RunRunning || next == RunStopped
	case RunRunning:
		return next == RunWaitingPermission || next == RunStopping || next.Terminal()
	case RunWaitingPermission:
		return next == RunRunning || next == RunStopping || next.Terminal()
	case RunStopping:
		return next.Terminal()
	default:
		return false
	}
}

// RunOrigin identifies what started a run.
type RunOrigin string

const (
	OriginUser      RunOrigin = "user"
	OriginScheduler RunOrigin = "scheduler"
	OriginWorker    RunOrigin = "worker"
)

// Run is a single execution of the agent loop against one prompt.
type Run struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	Origin    RunOrigin  `json:"origin"`
	Prompt    string     `json:"prompt"`
	Status    RunStatus  `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt time.Time  `json:"started_at,omitempty"`
	EndedAt   time.Time  `json:"ended_at,omitempty"`
	Error     string     `json:"error,omitempty"`
	Result    *RunResult `json:"result,omitempty"`

	// Depth counts worker delegation hops; zero for top-level runs.
	Depth int `json:"depth,omitempty"`

	// ScheduleID links scheduler-origin runs back to their schedule.
	ScheduleID string `json:"schedule_id,omitempty"`
}

// RunResult is the envelope carried by the run.final event.
type RunResult struct {
	Summary   string   `json:"summary"`
	Artifacts []string `json:"artifacts,omitempty"`
	Errors    []string `json:"errors,omitempty"`
}

// NewRun creates a queued run with a fresh ID.
func NewRun(sessionID string, origin RunOrigin, prompt string) *Run {
	return &Run{
		ID:        "run_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		SessionID: sessionID,
		Origin:    origin,
		Prompt:    prompt,
		Status:    RunQueued,
		CreatedAt: time.Now(),
	}
}
