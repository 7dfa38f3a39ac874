package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/agentblob/internal/observability"
	"github.com/haasonsaas/agentblob/internal/runtime"
	"github.com/haasonsaas/agentblob/pkg/models"
)

// ErrQueueFull is returned when a session's backlog is at the soft cap.
var ErrQueueFull = errors.New("session queue full")

// RunStarter is the slice of the executor the queue drives.
type RunStarter interface {
	Start(ctx context.Context, run *models.Run) (<-chan struct{}, error)
	Stop(runID string) bool
	Get(runID string) (models.Run, bool)
	Active() []models.Run
}

// queueEntry holds a waiting run together with the context its execution
// will inherit. The context outlives the submitting connection.
type queueEntry struct {
	ctx context.Context
	run *models.Run
}

// SessionQueue serializes runs per session: one run executes at a time, the
// rest wait in arrival order. The queue keeps draining when runs fail.
type SessionQueue struct {
	starter RunStarter
	bus     *Bus
	metrics *observability.Metrics
	logger  *slog.Logger
	softCap int

	mu      sync.Mutex
	active  map[string]string       // session -> running run id
	waiting map[string][]queueEntry // session -> FIFO backlog
	queued  map[string]string       // run id -> session
}

// NewSessionQueue creates a queue over the executor.
func NewSessionQueue(starter RunStarter, bus *Bus, metrics *observability.Metrics, softCap int, logger *slog.Logger) *SessionQueue {
	if softCap <= 0 {
		softCap = 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionQueue{
		starter: starter,
		bus:     bus,
		metrics: metrics,
		logger:  logger.With("component", "queue"),
		softCap: softCap,
		active:  make(map[string]string),
		waiting: make(map[string][]queueEntry),
		queued:  make(map[string]string),
	}
}

// Submit starts the run now when its session is idle, otherwise enqueues it.
// The returned position is 0 for an immediate start and 1-indexed within the
// session backlog otherwise. ctx governs the run's execution, not the call.
func (q *SessionQueue) Submit(ctx context.Context, run *models.Run) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	session := run.SessionID
	if _, busy := q.active[session]; !busy {
		if err := q.startLocked(ctx, run); err != nil {
			return 0, err
		}
		return 0, nil
	}

	backlog := q.waiting[session]
	if len(backlog) >= q.softCap {
		return 0, ErrQueueFull
	}
	// A waiting run must already be visible in the transcript; the executor
	// skips its own run.input for runs recorded here.
	q.emit(ctx, models.EventRunInput, run, runtime.RunInputPayload{
		Prompt:     run.Prompt,
		Origin:     run.Origin,
		Depth:      run.Depth,
		ScheduleID: run.ScheduleID,
	})
	q.emit(ctx, models.EventRunStatus, run, runtime.RunStatusPayload{To: models.RunQueued})
	q.waiting[session] = append(backlog, queueEntry{ctx: runtime.WithInputRecorded(ctx), run: run})
	q.queued[run.ID] = session
	q.metrics.SetQueueDepth(len(q.queued))
	q.logger.Debug("run queued", "run_id", run.ID, "session_id", session, "position", len(q.waiting[session]))
	return len(q.waiting[session]), nil
}

// emit appends one event for a run the executor does not own yet.
func (q *SessionQueue) emit(ctx context.Context, kind models.EventKind, run *models.Run, payload any) {
	if _, err := q.bus.Append(ctx, kind, run.ID, run.SessionID, payload); err != nil {
		q.logger.Warn("append event failed", "kind", kind, "run_id", run.ID, "error", err)
	}
}

// startLocked hands the run to the executor and watches for completion.
func (q *SessionQueue) startLocked(ctx context.Context, run *models.Run) error {
	done, err := q.starter.Start(ctx, run)
	if err != nil {
		return err
	}
	q.active[run.SessionID] = run.ID
	go q.watch(run.SessionID, run.ID, done)
	return nil
}

// watch waits for a run to finish, then starts the next waiting run on the
// session, skipping entries the executor refuses.
func (q *SessionQueue) watch(session, runID string, done <-chan struct{}) {
	<-done

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active[session] == runID {
		delete(q.active, session)
	}
	for len(q.waiting[session]) > 0 {
		entry := q.waiting[session][0]
		q.waiting[session] = q.waiting[session][1:]
		delete(q.queued, entry.run.ID)
		q.metrics.SetQueueDepth(len(q.queued))
		if err := q.startLocked(entry.ctx, entry.run); err != nil {
			q.logger.Error("queued run failed to start",
				"run_id", entry.run.ID, "session_id", session, "error", err)
			continue
		}
		break
	}
	if len(q.waiting[session]) == 0 {
		delete(q.waiting, session)
	}
}

// ActiveRun returns the id of the session's running run, if any.
func (q *SessionQueue) ActiveRun(session string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id, ok := q.active[session]
	return id, ok
}

// LatestQueued returns the most recently queued run id on the session.
func (q *SessionQueue) LatestQueued(session string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	backlog := q.waiting[session]
	if len(backlog) == 0 {
		return "", false
	}
	return backlog[len(backlog)-1].run.ID, true
}

// Depth returns the number of waiting runs across all sessions.
func (q *SessionQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queued)
}

// ActiveRuns returns the executor's non-terminal runs.
func (q *SessionQueue) ActiveRuns() []models.Run {
	return q.starter.Active()
}

// Run returns a run known to the executor.
func (q *SessionQueue) Run(runID string) (models.Run, bool) {
	return q.starter.Get(runID)
}

// RunActive reports whether the run is still queued or executing.
func (q *SessionQueue) RunActive(runID string) bool {
	q.mu.Lock()
	_, waiting := q.queued[runID]
	q.mu.Unlock()
	if waiting {
		return true
	}
	run, ok := q.starter.Get(runID)
	return ok && !run.Status.Terminal()
}

// Stop cancels a run wherever it is. Queued runs are removed and closed out
// directly since the executor never saw them; running runs are cancelled
// through the executor. Returns false when the run is unknown or already
// terminal.
func (q *SessionQueue) Stop(ctx context.Context, runID string) bool {
	if run, ok := q.removeQueued(runID); ok {
		q.finalizeRemoved(ctx, run)
		return true
	}
	return q.starter.Stop(runID)
}

// removeQueued takes a waiting run out of its session backlog.
func (q *SessionQueue) removeQueued(runID string) (*models.Run, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	session, ok := q.queued[runID]
	if !ok {
		return nil, false
	}
	delete(q.queued, runID)
	backlog := q.waiting[session]
	for i, entry := range backlog {
		if entry.run.ID == runID {
			q.waiting[session] = append(backlog[:i], backlog[i+1:]...)
			if len(q.waiting[session]) == 0 {
				delete(q.waiting, session)
			}
			q.metrics.SetQueueDepth(len(q.queued))
			return entry.run, true
		}
	}
	return nil, false
}

// finalizeRemoved closes the transcript of a run stopped before it ever
// started. Its run.input and queued status already landed at enqueue time, so
// only the terminal events are written; every run still ends with exactly one
// final.
func (q *SessionQueue) finalizeRemoved(ctx context.Context, run *models.Run) {
	run.Status = models.RunStopped
	run.EndedAt = time.Now()

	q.emit(ctx, models.EventRunStatus, run, runtime.RunStatusPayload{From: models.RunQueued, To: models.RunStopped})
	q.emit(ctx, models.EventRunFinal, run, runtime.RunFinalPayload{Status: models.RunStopped})

	q.metrics.RunFinished(string(run.Origin), string(models.RunStopped))
	q.logger.Info("queued run stopped", "run_id", run.ID, "session_id", run.SessionID)
}
