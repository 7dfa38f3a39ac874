// Package scheduler fires stored schedules as agent runs. Missed occurrences
// are skipped rather than replayed, and a schedule never overlaps itself.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/agentblob/internal/config"
	"github.com/haasonsaas/agentblob/internal/observability"
	"github.com/haasonsaas/agentblob/pkg/models"
)

// ErrNotFound is returned when a schedule id does not exist.
var ErrNotFound = errors.New("schedule not found")

// RunLauncher admits schedule-fired runs into the session queue and reports
// whether a prior run is still in flight. The gateway implements it.
type RunLauncher interface {
	Launch(ctx context.Context, run *models.Run) error
	RunActive(runID string) bool
}

// Scheduler ticks over the schedule store and launches due schedules.
type Scheduler struct {
	store    *Store
	launcher RunLauncher
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time
	tick     time.Duration
	maxRuns  int

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger configures the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics wires scheduler counters.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTickInterval overrides the scheduler tick interval.
func WithTickInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.tick = interval
		}
	}
}

// New creates a scheduler over an opened store.
func New(store *Store, launcher RunLauncher, cfg config.SchedulerConfig, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    store,
		launcher: launcher,
		logger:   slog.Default().With("component", "scheduler"),
		now:      time.Now,
		tick:     time.Second,
		maxRuns:  4,
	}
	if cfg.TickInterval > 0 {
		s.tick = cfg.TickInterval
	}
	if cfg.MaxConcurrentRuns > 0 {
		s.maxRuns = cfg.MaxConcurrentRuns
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the tick loop until the context is cancelled. Enabled
// schedules without a firing time are seeded first so a hand-edited store
// still ticks.
func (s *Scheduler) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.seedNextRuns()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runDue(ctx)
			}
		}
	}()
	return nil
}

// Stop waits for the tick loop to exit.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce executes one due pass immediately (primarily for tests). It returns
// the number of schedules fired.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	if s == nil {
		return 0
	}
	return s.runDue(ctx)
}

// Create registers a new enabled schedule and computes its first firing time.
func (s *Scheduler) Create(sched models.Schedule) (models.Schedule, error) {
	if err := Validate(&sched); err != nil {
		return models.Schedule{}, err
	}
	now := s.now()
	sched.ID = newScheduleID()
	sched.Enabled = true
	sched.CreatedAt = now
	sched.UpdatedAt = now
	sched.LastRunAt = time.Time{}
	sched.LastRunID = ""
	next, ok, err := Next(&sched, now)
	if err != nil {
		return models.Schedule{}, err
	}
	if !ok {
		return models.Schedule{}, errors.New("schedule would never fire")
	}
	sched.NextRunAt = next
	if err := s.store.Put(sched); err != nil {
		return models.Schedule{}, err
	}
	s.logger.Info("schedule created",
		"schedule", sched.ID,
		"name", sched.Name,
		"kind", sched.Kind,
		"next_run_at", sched.NextRunAt)
	return sched, nil
}

// Update applies mutate to the schedule, validates the result, and recomputes
// NextRunAt. Identity and bookkeeping fields survive the mutation.
func (s *Scheduler) Update(id string, mutate func(*models.Schedule)) (models.Schedule, error) {
	now := s.now()
	sched, found, err := s.store.Update(id, func(sc *models.Schedule) error {
		createdAt, lastRunAt, lastRunID := sc.CreatedAt, sc.LastRunAt, sc.LastRunID
		mutate(sc)
		sc.CreatedAt, sc.LastRunAt, sc.LastRunID = createdAt, lastRunAt, lastRunID
		if err := Validate(sc); err != nil {
			return err
		}
		sc.UpdatedAt = now
		if !sc.Enabled {
			sc.NextRunAt = time.Time{}
			return nil
		}
		next, ok, err := Next(sc, now)
		if err != nil {
			return err
		}
		if !ok {
			sc.Enabled = false
			sc.NextRunAt = time.Time{}
			return nil
		}
		sc.NextRunAt = next
		return nil
	})
	if err != nil {
		return models.Schedule{}, err
	}
	if !found {
		return models.Schedule{}, ErrNotFound
	}
	return sched, nil
}

// Delete removes a schedule.
func (s *Scheduler) Delete(id string) error {
	found, err := s.store.Delete(id)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	s.logger.Info("schedule deleted", "schedule", id)
	return nil
}

// Get returns the schedule with the given id.
func (s *Scheduler) Get(id string) (models.Schedule, bool) {
	return s.store.Get(id)
}

// List returns all schedules ordered by creation time.
func (s *Scheduler) List() []models.Schedule {
	return s.store.List()
}

// runDue fires every due schedule, skipping ones whose previous run has not
// finished and deferring the rest once the concurrency cap is reached.
func (s *Scheduler) runDue(ctx context.Context) int {
	now := s.now()
	fired := 0
	inFlight := s.activeCount()
	for _, sched := range s.store.List() {
		if !sched.Enabled || sched.NextRunAt.IsZero() || sched.NextRunAt.After(now) {
			continue
		}
		if sched.LastRunID != "" && s.launcher.RunActive(sched.LastRunID) {
			s.skipBusy(sched, now)
			continue
		}
		if inFlight >= s.maxRuns {
			// Deferred, not skipped: NextRunAt holds so the next tick retries.
			continue
		}
		if s.fire(ctx, sched.ID, now) {
			fired++
			inFlight++
		}
	}
	return fired
}

// skipBusy advances a locked schedule past the occurrence it cannot take.
func (s *Scheduler) skipBusy(sched models.Schedule, now time.Time) {
	updated, _, err := s.store.Update(sched.ID, func(sc *models.Schedule) error {
		advance(sc, now)
		sc.UpdatedAt = now
		return nil
	})
	if err != nil {
		s.logger.Error("schedule skip not persisted", "schedule", sched.ID, "error", err)
		return
	}
	s.metrics.ScheduleMissed()
	s.logger.Debug("schedule occurrence skipped, previous run still active",
		"schedule", sched.ID,
		"run", sched.LastRunID,
		"next_run_at", updated.NextRunAt)
}

// fire advances the schedule, persists it, then launches the run. Persisting
// first means a crash between the two loses the occurrence instead of
// replaying it.
func (s *Scheduler) fire(ctx context.Context, id string, now time.Time) bool {
	var run *models.Run
	sched, found, err := s.store.Update(id, func(sc *models.Schedule) error {
		run = models.NewRun(sc.SessionID(), models.OriginScheduler, sc.Prompt)
		run.ScheduleID = sc.ID
		sc.LastRunAt = now
		sc.LastRunID = run.ID
		sc.UpdatedAt = now
		advance(sc, now)
		return nil
	})
	if err != nil {
		s.logger.Error("schedule fire not persisted", "schedule", id, "error", err)
		return false
	}
	if !found {
		return false
	}
	if err := s.launcher.Launch(ctx, run); err != nil {
		s.logger.Error("schedule run rejected", "schedule", id, "run", run.ID, "error", err)
		return false
	}
	s.logger.Info("schedule fired",
		"schedule", id,
		"run", run.ID,
		"next_run_at", sched.NextRunAt)
	return true
}

// activeCount reports how many schedule-fired runs are still in flight.
func (s *Scheduler) activeCount() int {
	n := 0
	for _, sched := range s.store.List() {
		if sched.LastRunID != "" && s.launcher.RunActive(sched.LastRunID) {
			n++
		}
	}
	return n
}

// seedNextRuns computes a firing time for enabled schedules missing one.
func (s *Scheduler) seedNextRuns() {
	now := s.now()
	for _, sched := range s.store.List() {
		if !sched.Enabled || !sched.NextRunAt.IsZero() {
			continue
		}
		if _, _, err := s.store.Update(sched.ID, func(sc *models.Schedule) error {
			next, ok, err := Next(sc, now)
			if err != nil || !ok {
				sc.Enabled = false
				sc.NextRunAt = time.Time{}
				return nil
			}
			sc.NextRunAt = next
			return nil
		}); err != nil {
			s.logger.Error("schedule seed not persisted", "schedule", sched.ID, "error", err)
		}
	}
}

func newScheduleID() string {
	return "sched_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
