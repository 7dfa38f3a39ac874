package workers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/agentblob/internal/runtime"
	"github.com/haasonsaas/agentblob/internal/tools"
	"github.com/haasonsaas/agentblob/pkg/models"
)

// recentLimit bounds the in-memory history served by workers.list.
const recentLimit = 32

// RunStarter drives runs to completion. The runtime executor implements it.
type RunStarter interface {
	Start(ctx context.Context, run *models.Run) (<-chan struct{}, error)
	Get(runID string) (models.Run, bool)
}

// RunRecord summarizes one worker run for listing.
type RunRecord struct {
	RunID      string           `json:"run_id"`
	WorkerType string           `json:"worker_type"`
	ParentRun  string           `json:"parent_run,omitempty"`
	Status     models.RunStatus `json:"status"`
	StartedAt  time.Time        `json:"started_at"`
	EndedAt    time.Time        `json:"ended_at,omitempty"`
	Summary    string           `json:"summary,omitempty"`
}

// Manager spawns worker runs with the profile's persona, round cap, and tool
// allowlist applied. It satisfies tools.WorkerRunner.
type Manager struct {
	registry *Registry
	starter  RunStarter
	logger   *slog.Logger
	maxDepth int
	now      func() time.Time

	mu     sync.Mutex
	recent []RunRecord
}

// ManagerOption configures the manager.
type ManagerOption func(*Manager)

// WithManagerLogger configures the manager logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithManagerNow overrides the clock for tests.
func WithManagerNow(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a worker manager over the shared executor.
func NewManager(registry *Registry, starter RunStarter, maxDepth int, opts ...ManagerOption) *Manager {
	if maxDepth <= 0 {
		maxDepth = 2
	}
	m := &Manager{
		registry: registry,
		starter:  starter,
		logger:   slog.Default().With("component", "workers"),
		maxDepth: maxDepth,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Registry returns the manager's worker profiles.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Recent returns worker run records, newest first.
func (m *Manager) Recent() []RunRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RunRecord, len(m.recent))
	for i, rec := range m.recent {
		out[len(m.recent)-1-i] = rec
	}
	return out
}

// RunWorker executes a child run under the requested profile and blocks
// until it reaches a terminal state. The child inherits the caller's context
// so stopping the parent stops the worker. Worker runs live on their own
// session ("worker:<type>") so their event stream never interleaves with the
// parent's; the parent sees only the tool.result envelope.
func (m *Manager) RunWorker(ctx context.Context, req tools.WorkerRequest) (tools.WorkerEnvelope, error) {
	profile, ok := m.registry.Get(req.WorkerType)
	if !ok {
		return tools.WorkerEnvelope{}, fmt.Errorf("unknown worker type %q (available: %v)", req.WorkerType, m.registry.Types())
	}
	if req.Depth > m.maxDepth {
		return tools.WorkerEnvelope{}, fmt.Errorf("worker depth %d exceeds limit %d", req.Depth, m.maxDepth)
	}

	run := models.NewRun("worker:"+profile.Type, models.OriginWorker, req.Prompt)
	run.Depth = req.Depth

	rounds := req.MaxRounds
	if rounds <= 0 || rounds > profile.MaxRounds {
		rounds = profile.MaxRounds
	}

	runCtx := runtime.WithSystemPrompt(ctx, profile.SystemPrompt)
	runCtx = runtime.WithMaxRounds(runCtx, rounds)
	runCtx = runtime.WithToolFilter(runCtx, profile.Tools)

	done, err := m.starter.Start(runCtx, run)
	if err != nil {
		return tools.WorkerEnvelope{}, fmt.Errorf("start worker run: %w", err)
	}

	m.record(RunRecord{
		RunID:      run.ID,
		WorkerType: profile.Type,
		ParentRun:  req.ParentRunID,
		Status:     models.RunRunning,
		StartedAt:  m.now(),
	})
	m.logger.Info("worker run started",
		"run", run.ID,
		"worker_type", profile.Type,
		"parent_run", req.ParentRunID,
		"depth", req.Depth)

	select {
	case <-done:
	case <-ctx.Done():
		// The child shares this context, so it is winding down; wait for
		// the terminal event so the envelope reflects the final state.
		<-done
	}

	final, ok := m.starter.Get(run.ID)
	if !ok {
		return tools.WorkerEnvelope{}, fmt.Errorf("worker run %s not found after completion", run.ID)
	}

	envelope := tools.WorkerEnvelope{RunID: run.ID, Status: string(final.Status)}
	if final.Result != nil {
		envelope.Summary = final.Result.Summary
		envelope.Artifacts = final.Result.Artifacts
		envelope.Errors = final.Result.Errors
	}
	if final.Error != "" {
		envelope.Errors = append(envelope.Errors, final.Error)
	}

	m.update(run.ID, final.Status, envelope.Summary)
	m.logger.Info("worker run finished",
		"run", run.ID,
		"worker_type", profile.Type,
		"status", final.Status)
	return envelope, nil
}

func (m *Manager) record(rec RunRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recent = append(m.recent, rec)
	if len(m.recent) > recentLimit {
		m.recent = m.recent[len(m.recent)-recentLimit:]
	}
}

func (m *Manager) update(runID string, status models.RunStatus, summary string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.recent {
		if m.recent[i].RunID == runID {
			m.recent[i].Status = status
			m.recent[i].EndedAt = m.now()
			m.recent[i].Summary = summary
			return
		}
	}
}
