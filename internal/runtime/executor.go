package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/agentblob/internal/config"
	"github.com/haasonsaas/agentblob/internal/observability"
	"github.com/haasonsaas/agentblob/internal/policy"
	"github.com/haasonsaas/agentblob/internal/tools"
	"github.com/haasonsaas/agentblob/pkg/models"
)

// recentRunLimit bounds how many finished runs stay queryable in memory.
// The event log remains the durable record.
const recentRunLimit = 64

// EventLog is the slice of the event log the executor needs: appending its
// own events and tailing recent history for conversation context.
type EventLog interface {
	Append(ctx context.Context, kind models.EventKind, runID, sessionID string, payload any) (models.Event, error)
	Tail(ctx context.Context, n int) ([]models.Event, error)
}

// Memory is the slice of the memory service the executor needs: a rendered
// context block before the first turn and turn ingestion after the run.
type Memory interface {
	ContextBlock(ctx context.Context, query string) (string, error)
	IngestTurn(ctx context.Context, runID, sessionID, userText, assistantText string) (int, int, error)
}

// SkillSource supplies the rendered skill sections for the system prompt.
type SkillSource interface {
	PromptBlock() string
}

// ExecutorConfig carries the executor's collaborators.
type ExecutorConfig struct {
	Provider LLMProvider
	Registry *tools.Registry
	Broker   *policy.Broker
	Events   EventLog
	Memory   Memory                 // optional; nil disables memory context and ingestion
	Skills   SkillSource            // optional; nil disables skill injection
	Metrics  *observability.Metrics // optional
	Runtime  config.RuntimeConfig
	Logger   *slog.Logger
}

// Executor drives runs through the agent loop: stream a model turn, dispatch
// the requested tools through policy, feed results back, repeat until the
// model answers without tools or a limit ends the run. Every observable step
// lands in the event log; exactly one run.final event closes each run.
type Executor struct {
	provider LLMProvider
	registry *tools.Registry
	broker   *policy.Broker
	events   EventLog
	memory   Memory
	skills   SkillSource
	metrics  *observability.Metrics
	cfg      config.RuntimeConfig
	logger   *slog.Logger
	now      func() time.Time

	mu           sync.Mutex
	active       map[string]*runHandle
	recent       []*models.Run
	toolTimeouts map[string]time.Duration
}

// runHandle tracks one in-flight run. finalized is guarded by Executor.mu;
// it guarantees the single run.final event.
type runHandle struct {
	run       *models.Run
	cancel    context.CancelFunc
	done      chan struct{}
	stopOnce  sync.Once
	finalized bool
}

// NewExecutor validates the collaborators and applies runtime defaults.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.Provider == nil {
		return nil, ErrNoProvider
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if cfg.Broker == nil {
		return nil, fmt.Errorf("permission broker is required")
	}
	if cfg.Events == nil {
		return nil, fmt.Errorf("event log is required")
	}

	rc := cfg.Runtime
	if rc.MaxRounds <= 0 {
		rc.MaxRounds = 16
	}
	if rc.MaxTokens <= 0 {
		rc.MaxTokens = 4096
	}
	if rc.ToolTimeout <= 0 {
		rc.ToolTimeout = 60 * time.Second
	}
	if rc.TurnTimeout <= 0 {
		rc.TurnTimeout = 5 * time.Minute
	}
	if rc.ContextTurns < 0 {
		rc.ContextTurns = 0
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Executor{
		provider:     cfg.Provider,
		registry:     cfg.Registry,
		broker:       cfg.Broker,
		events:       cfg.Events,
		memory:       cfg.Memory,
		skills:       cfg.Skills,
		metrics:      cfg.Metrics,
		cfg:          rc,
		logger:       logger.With("component", "runtime"),
		now:          time.Now,
		active:       make(map[string]*runHandle),
		toolTimeouts: make(map[string]time.Duration),
	}, nil
}

// ConfigureToolTimeout overrides the execution deadline for one tool. Used to
// give slow tools such as worker delegation more room than the default.
func (e *Executor) ConfigureToolTimeout(name string, timeout time.Duration) {
	if name == "" || timeout <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.toolTimeouts[name] = timeout
}

// Start begins executing a queued run. The returned channel closes when the
// run reaches a terminal state. Overrides placed on ctx (system prompt, round
// limit, tool filter) apply to this run only; cancelling ctx stops the run.
func (e *Executor) Start(ctx context.Context, run *models.Run) (<-chan struct{}, error) {
	if run == nil || run.ID == "" {
		return nil, fmt.Errorf("run with ID is required")
	}
	if run.Status == "" {
		run.Status = models.RunQueued
	}
	if run.Status != models.RunQueued {
		return nil, fmt.Errorf("%w: run %s is %s", ErrStateConflict, run.ID, run.Status)
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &runHandle{
		run:    run,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	e.mu.Lock()
	if _, exists := e.active[run.ID]; exists {
		e.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%w: %s", ErrRunExists, run.ID)
	}
	e.active[run.ID] = h
	e.mu.Unlock()

	e.logger.Info("run started",
		"run_id", run.ID, "session_id", run.SessionID, "origin", run.Origin, "depth", run.Depth)
	go e.execute(runCtx, h)
	return h.done, nil
}

// Stop requests cancellation of an active run. The run is marked stopping
// before its context is cancelled so observers see the wind-down; the loop
// finalizes it stopped at the next boundary. Returns false when the run is
// unknown or already terminal. Safe to call repeatedly.
func (e *Executor) Stop(runID string) bool {
	e.mu.Lock()
	h, ok := e.active[runID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	h.stopOnce.Do(func() {
		// A run that finalizes in this window skips the event; cancel is
		// still safe on a closed run.
		if err := e.setStatus(context.Background(), h, models.RunStopping); err != nil {
			e.logger.Debug("stop raced finalize", "run_id", runID, "error", err)
		}
		h.cancel()
	})
	return true
}

// Get returns a snapshot of an active or recently finished run.
func (e *Executor) Get(runID string) (models.Run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h, ok := e.active[runID]; ok {
		return *h.run, true
	}
	for i := len(e.recent) - 1; i >= 0; i-- {
		if e.recent[i].ID == runID {
			return *e.recent[i], true
		}
	}
	return models.Run{}, false
}

// Active returns snapshots of all in-flight runs, oldest first.
func (e *Executor) Active() []models.Run {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Run, 0, len(e.active))
	for _, h := range e.active {
		out = append(out, *h.run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// setStatus applies a checked state transition and records it.
func (e *Executor) setStatus(ctx context.Context, h *runHandle, to models.RunStatus) error {
	e.mu.Lock()
	from := h.run.Status
	if !from.CanTransition(to) {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrStateConflict, from, to)
	}
	h.run.Status = to
	if to == models.RunRunning && h.run.StartedAt.IsZero() {
		h.run.StartedAt = e.now()
	}
	e.mu.Unlock()

	e.emit(ctx, models.EventRunStatus, h.run.ID, h.run.SessionID, RunStatusPayload{From: from, To: to})
	return nil
}

// finalize moves a run to its terminal state and emits the closing events.
// The finalized flag makes this idempotent so racing failure paths cannot
// produce a second run.final.
func (e *Executor) finalize(h *runHandle, status models.RunStatus, result *models.RunResult, errMsg string, usage Usage, rounds int) {
	e.mu.Lock()
	if h.finalized {
		e.mu.Unlock()
		return
	}
	h.finalized = true
	from := h.run.Status
	h.run.Status = status
	h.run.EndedAt = e.now()
	h.run.Result = result
	h.run.Error = errMsg
	delete(e.active, h.run.ID)
	e.recent = append(e.recent, h.run)
	if len(e.recent) > recentRunLimit {
		e.recent = e.recent[len(e.recent)-recentRunLimit:]
	}
	e.mu.Unlock()

	// The run context is often cancelled by the time we get here; the
	// closing events must still land in the log.
	fctx := context.Background()
	e.emit(fctx, models.EventRunStatus, h.run.ID, h.run.SessionID, RunStatusPayload{From: from, To: status})

	payload := RunFinalPayload{Status: status, Error: errMsg, Usage: usage, Rounds: rounds}
	if result != nil {
		payload.Summary = result.Summary
		payload.Artifacts = result.Artifacts
		payload.Errors = result.Errors
	}
	e.emit(fctx, models.EventRunFinal, h.run.ID, h.run.SessionID, payload)

	e.metrics.RunFinished(string(h.run.Origin), string(status))
	e.logger.Info("run finished",
		"run_id", h.run.ID, "status", status, "rounds", rounds,
		"input_tokens", usage.InputTokens, "output_tokens", usage.OutputTokens)

	close(h.done)

	if status == models.RunDone && result != nil && result.Summary != "" && h.run.Depth == 0 && e.memory != nil {
		go e.ingestTurn(h.run, result.Summary)
	}
}

// ingestTurn stores the finished exchange in memory. Runs detached from the
// run context because the run is already closed.
func (e *Executor) ingestTurn(run *models.Run, summary string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	added, merged, err := e.memory.IngestTurn(ctx, run.ID, run.SessionID, run.Prompt, summary)
	if err != nil {
		e.logger.Warn("memory ingestion failed", "run_id", run.ID, "error", err)
		return
	}
	if added+merged > 0 {
		e.logger.Debug("memory ingested", "run_id", run.ID, "added", added, "merged", merged)
	}
}

// emit appends one event, logging failures instead of failing the run.
// Append counting happens at the log sink, not here.
func (e *Executor) emit(ctx context.Context, kind models.EventKind, runID, sessionID string, payload any) {
	if _, err := e.events.Append(ctx, kind, runID, sessionID, payload); err != nil {
		e.logger.Warn("append event failed", "kind", kind, "run_id", runID, "error", err)
	}
}

func (e *Executor) toolTimeout(name string) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if d, ok := e.toolTimeouts[name]; ok {
		return d
	}
	return e.cfg.ToolTimeout
}
