package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/agentblob/internal/config"
	"github.com/haasonsaas/agentblob/pkg/models"
)

type fakeLauncher struct {
	mu     sync.Mutex
	runs   []*models.Run
	active map[string]bool
	err    error
}

func (f *fakeLauncher) Launch(ctx context.Context, run *models.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.runs = append(f.runs, run)
	return nil
}

func (f *fakeLauncher) RunActive(runID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[runID]
}

func (f *fakeLauncher) launched() []*models.Run {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.Run(nil), f.runs...)
}

func newTestScheduler(t *testing.T, launcher *fakeLauncher, now time.Time) (*Scheduler, *Store) {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "schedules.json"))
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	s := New(store, launcher, config.SchedulerConfig{}, WithNow(func() time.Time { return now }))
	return s, store
}

func TestStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedules.json")
	store, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}

	created := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	sched := models.Schedule{
		ID:        "sched_abc123def456",
		Name:      "morning briefing",
		Kind:      models.ScheduleCron,
		CronExpr:  "0 7 * * *",
		Prompt:    "summarize overnight activity",
		Enabled:   true,
		NextRunAt: created.Add(time.Hour),
		CreatedAt: created,
		UpdatedAt: created,
	}
	if err := store.Put(sched); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	reopened, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore() reopen error = %v", err)
	}
	got, ok := reopened.Get(sched.ID)
	if !ok {
		t.Fatal("Get() after reopen = not found")
	}
	if got.Name != sched.Name || got.CronExpr != sched.CronExpr || !got.NextRunAt.Equal(sched.NextRunAt) {
		t.Errorf("reopened schedule = %+v, want %+v", got, sched)
	}

	found, err := reopened.Delete(sched.ID)
	if err != nil || !found {
		t.Fatalf("Delete() = %v, %v", found, err)
	}
	if reopened.Len() != 0 {
		t.Errorf("Len() after delete = %d, want 0", reopened.Len())
	}
}

func TestStore_UpdateRollsBackOnError(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "schedules.json"))
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	sched := models.Schedule{ID: "sched_1", Name: "keep", Kind: models.ScheduleEvery, Every: time.Minute, Prompt: "p", CreatedAt: time.Now()}
	if err := store.Put(sched); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	boom := errors.New("boom")
	_, found, err := store.Update("sched_1", func(sc *models.Schedule) error {
		sc.Name = "mutated"
		return boom
	})
	if !found || !errors.Is(err, boom) {
		t.Fatalf("Update() = found %v, err %v", found, err)
	}
	got, _ := store.Get("sched_1")
	if got.Name != "keep" {
		t.Errorf("schedule name after failed update = %q, want keep", got.Name)
	}
}

func TestValidate(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		sched   models.Schedule
		wantErr bool
	}{
		{"valid at", models.Schedule{Name: "n", Prompt: "p", Kind: models.ScheduleAt, At: at}, false},
		{"valid every", models.Schedule{Name: "n", Prompt: "p", Kind: models.ScheduleEvery, Every: time.Minute}, false},
		{"valid cron", models.Schedule{Name: "n", Prompt: "p", Kind: models.ScheduleCron, CronExpr: "*/5 * * * *"}, false},
		{"valid cron descriptor", models.Schedule{Name: "n", Prompt: "p", Kind: models.ScheduleCron, CronExpr: "@hourly"}, false},
		{"valid cron with seconds", models.Schedule{Name: "n", Prompt: "p", Kind: models.ScheduleCron, CronExpr: "30 */5 * * * *"}, false},
		{"missing name", models.Schedule{Prompt: "p", Kind: models.ScheduleEvery, Every: time.Minute}, true},
		{"missing prompt", models.Schedule{Name: "n", Kind: models.ScheduleEvery, Every: time.Minute}, true},
		{"zero at", models.Schedule{Name: "n", Prompt: "p", Kind: models.ScheduleAt}, true},
		{"sub-second every", models.Schedule{Name: "n", Prompt: "p", Kind: models.ScheduleEvery, Every: 50 * time.Millisecond}, true},
		{"bad cron", models.Schedule{Name: "n", Prompt: "p", Kind: models.ScheduleCron, CronExpr: "not a cron"}, true},
		{"bad timezone", models.Schedule{Name: "n", Prompt: "p", Kind: models.ScheduleCron, CronExpr: "0 7 * * *", Timezone: "Mars/Olympus"}, true},
		{"unknown kind", models.Schedule{Name: "n", Prompt: "p", Kind: "sometimes"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.sched)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNext(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)

	t.Run("at in future", func(t *testing.T) {
		sched := models.Schedule{Kind: models.ScheduleAt, At: now.Add(time.Hour)}
		next, ok, err := Next(&sched, now)
		if err != nil || !ok || !next.Equal(now.Add(time.Hour)) {
			t.Errorf("Next() = %v, %v, %v", next, ok, err)
		}
	})
	t.Run("at in past has no occurrence", func(t *testing.T) {
		sched := models.Schedule{Kind: models.ScheduleAt, At: now.Add(-time.Hour)}
		_, ok, err := Next(&sched, now)
		if err != nil || ok {
			t.Errorf("Next() ok = %v, err = %v, want no occurrence", ok, err)
		}
	})
	t.Run("every adds interval", func(t *testing.T) {
		sched := models.Schedule{Kind: models.ScheduleEvery, Every: 15 * time.Minute}
		next, ok, err := Next(&sched, now)
		if err != nil || !ok || !next.Equal(now.Add(15*time.Minute)) {
			t.Errorf("Next() = %v, %v, %v", next, ok, err)
		}
	})
	t.Run("cron next occurrence", func(t *testing.T) {
		sched := models.Schedule{Kind: models.ScheduleCron, CronExpr: "0 11 * * *"}
		next, ok, err := Next(&sched, now)
		if err != nil || !ok {
			t.Fatalf("Next() ok = %v, err = %v", ok, err)
		}
		want := time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)
		if !next.Equal(want) {
			t.Errorf("Next() = %v, want %v", next, want)
		}
	})
	t.Run("cron honors timezone", func(t *testing.T) {
		sched := models.Schedule{Kind: models.ScheduleCron, CronExpr: "0 7 * * *", Timezone: "America/New_York"}
		next, ok, err := Next(&sched, now)
		if err != nil || !ok {
			t.Fatalf("Next() ok = %v, err = %v", ok, err)
		}
		loc, _ := time.LoadLocation("America/New_York")
		want := time.Date(2026, 3, 3, 7, 0, 0, 0, loc)
		if !next.Equal(want) {
			t.Errorf("Next() = %v, want %v", next, want)
		}
	})
}

func TestAdvance_SkipsMissedOccurrences(t *testing.T) {
	anchor := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	now := anchor.Add(5*time.Hour + 10*time.Minute)
	sched := models.Schedule{
		Kind:      models.ScheduleEvery,
		Every:     time.Hour,
		Enabled:   true,
		NextRunAt: anchor,
	}
	advance(&sched, now)
	want := anchor.Add(6 * time.Hour)
	if !sched.NextRunAt.Equal(want) {
		t.Errorf("NextRunAt = %v, want %v (phase preserved)", sched.NextRunAt, want)
	}
	if !sched.Enabled {
		t.Error("every schedule disabled by advance")
	}
}

func TestAdvance_AtDisablesItself(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	sched := models.Schedule{Kind: models.ScheduleAt, At: now, Enabled: true, NextRunAt: now}
	advance(&sched, now)
	if sched.Enabled {
		t.Error("at schedule still enabled after advance")
	}
	if !sched.NextRunAt.IsZero() {
		t.Errorf("NextRunAt = %v, want zero", sched.NextRunAt)
	}
}

func TestScheduler_RunOnceFiresDueSchedule(t *testing.T) {
	now := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
	launcher := &fakeLauncher{active: map[string]bool{}}
	s, store := newTestScheduler(t, launcher, now)

	sched, err := s.Create(models.Schedule{
		Name:   "hourly check",
		Kind:   models.ScheduleEvery,
		Every:  time.Hour,
		Prompt: "check the dashboards",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if !strings.HasPrefix(sched.ID, "sched_") {
		t.Errorf("schedule ID = %q, want sched_ prefix", sched.ID)
	}
	if !sched.NextRunAt.Equal(now.Add(time.Hour)) {
		t.Errorf("NextRunAt = %v, want %v", sched.NextRunAt, now.Add(time.Hour))
	}

	// Not due yet.
	if fired := s.RunOnce(context.Background()); fired != 0 {
		t.Fatalf("RunOnce() before due = %d, want 0", fired)
	}

	// Make it due and fire.
	if _, _, err := store.Update(sched.ID, func(sc *models.Schedule) error {
		sc.NextRunAt = now.Add(-time.Minute)
		return nil
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if fired := s.RunOnce(context.Background()); fired != 1 {
		t.Fatalf("RunOnce() = %d, want 1", fired)
	}

	runs := launcher.launched()
	if len(runs) != 1 {
		t.Fatalf("launched runs = %d, want 1", len(runs))
	}
	run := runs[0]
	if run.Origin != models.OriginScheduler {
		t.Errorf("run origin = %v, want scheduler", run.Origin)
	}
	if run.SessionID != "sched:"+sched.ID {
		t.Errorf("run session = %q, want %q", run.SessionID, "sched:"+sched.ID)
	}
	if run.ScheduleID != sched.ID {
		t.Errorf("run schedule id = %q, want %q", run.ScheduleID, sched.ID)
	}

	got, _ := s.Get(sched.ID)
	if got.LastRunID != run.ID {
		t.Errorf("LastRunID = %q, want %q", got.LastRunID, run.ID)
	}
	if !got.NextRunAt.After(now) {
		t.Errorf("NextRunAt = %v, want after %v", got.NextRunAt, now)
	}

	// Same tick again: nothing due.
	if fired := s.RunOnce(context.Background()); fired != 0 {
		t.Errorf("RunOnce() repeat = %d, want 0", fired)
	}
}

func TestScheduler_AtFiresOnceAndDisables(t *testing.T) {
	now := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
	launcher := &fakeLauncher{active: map[string]bool{}}
	s, store := newTestScheduler(t, launcher, now)

	sched, err := s.Create(models.Schedule{
		Name:   "one shot",
		Kind:   models.ScheduleAt,
		At:     now.Add(time.Minute),
		Prompt: "send the report",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, _, err := store.Update(sched.ID, func(sc *models.Schedule) error {
		sc.NextRunAt = now.Add(-time.Second)
		return nil
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if fired := s.RunOnce(context.Background()); fired != 1 {
		t.Fatalf("RunOnce() = %d, want 1", fired)
	}
	got, _ := s.Get(sched.ID)
	if got.Enabled {
		t.Error("at schedule still enabled after firing")
	}
	if fired := s.RunOnce(context.Background()); fired != 0 {
		t.Errorf("RunOnce() after disable = %d, want 0", fired)
	}
}

func TestScheduler_SkipsWhilePreviousRunActive(t *testing.T) {
	now := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
	launcher := &fakeLauncher{active: map[string]bool{}}
	s, store := newTestScheduler(t, launcher, now)

	sched, err := s.Create(models.Schedule{
		Name:   "busy",
		Kind:   models.ScheduleEvery,
		Every:  time.Minute,
		Prompt: "poll",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, _, err := store.Update(sched.ID, func(sc *models.Schedule) error {
		sc.NextRunAt = now.Add(-time.Second)
		sc.LastRunID = "run_previous0001"
		return nil
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	launcher.active["run_previous0001"] = true

	if fired := s.RunOnce(context.Background()); fired != 0 {
		t.Fatalf("RunOnce() = %d, want 0 while previous run active", fired)
	}
	if len(launcher.launched()) != 0 {
		t.Error("schedule launched despite active previous run")
	}
	got, _ := s.Get(sched.ID)
	if !got.NextRunAt.After(now) {
		t.Errorf("NextRunAt = %v, want advanced past %v", got.NextRunAt, now)
	}

	// Once the run finishes, the next occurrence fires.
	launcher.mu.Lock()
	launcher.active["run_previous0001"] = false
	launcher.mu.Unlock()
	if _, _, err := store.Update(sched.ID, func(sc *models.Schedule) error {
		sc.NextRunAt = now.Add(-time.Second)
		return nil
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if fired := s.RunOnce(context.Background()); fired != 1 {
		t.Errorf("RunOnce() after run finished = %d, want 1", fired)
	}
}

func TestScheduler_ConcurrencyCapDefers(t *testing.T) {
	now := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
	launcher := &fakeLauncher{active: map[string]bool{}}
	store, err := OpenStore(filepath.Join(t.TempDir(), "schedules.json"))
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	s := New(store, launcher, config.SchedulerConfig{MaxConcurrentRuns: 1},
		WithNow(func() time.Time { return now }))

	for _, name := range []string{"first", "second"} {
		sched, err := s.Create(models.Schedule{Name: name, Kind: models.ScheduleEvery, Every: time.Hour, Prompt: "p"})
		if err != nil {
			t.Fatalf("Create(%s) error = %v", name, err)
		}
		if _, _, err := store.Update(sched.ID, func(sc *models.Schedule) error {
			sc.NextRunAt = now.Add(-time.Second)
			return nil
		}); err != nil {
			t.Fatalf("Update() error = %v", err)
		}
	}

	// First launch stays active, so the cap of one defers the second.
	launcher.mu.Lock()
	launcher.err = nil
	launcher.mu.Unlock()
	fired := s.RunOnce(context.Background())
	if fired != 1 {
		t.Fatalf("RunOnce() = %d, want 1 under cap", fired)
	}
	first := launcher.launched()[0]
	launcher.mu.Lock()
	launcher.active[first.ID] = true
	launcher.mu.Unlock()

	if fired := s.RunOnce(context.Background()); fired != 0 {
		t.Errorf("RunOnce() at cap = %d, want 0", fired)
	}

	// Deferred schedule still has its firing time, so it goes when capacity frees.
	launcher.mu.Lock()
	launcher.active[first.ID] = false
	launcher.mu.Unlock()
	if fired := s.RunOnce(context.Background()); fired != 1 {
		t.Errorf("RunOnce() after capacity freed = %d, want 1", fired)
	}
}

func TestScheduler_CreateRejectsInvalidCron(t *testing.T) {
	launcher := &fakeLauncher{active: map[string]bool{}}
	s, _ := newTestScheduler(t, launcher, time.Now())

	_, err := s.Create(models.Schedule{Name: "bad", Kind: models.ScheduleCron, CronExpr: "61 * * * *", Prompt: "p"})
	if err == nil {
		t.Fatal("Create() with invalid cron succeeded")
	}
}

func TestScheduler_UpdateRecomputesNextRun(t *testing.T) {
	now := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
	launcher := &fakeLauncher{active: map[string]bool{}}
	s, _ := newTestScheduler(t, launcher, now)

	sched, err := s.Create(models.Schedule{Name: "n", Kind: models.ScheduleEvery, Every: time.Hour, Prompt: "p"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	updated, err := s.Update(sched.ID, func(sc *models.Schedule) {
		sc.Every = 10 * time.Minute
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if !updated.NextRunAt.Equal(now.Add(10 * time.Minute)) {
		t.Errorf("NextRunAt = %v, want %v", updated.NextRunAt, now.Add(10*time.Minute))
	}

	disabled, err := s.Update(sched.ID, func(sc *models.Schedule) {
		sc.Enabled = false
	})
	if err != nil {
		t.Fatalf("Update() disable error = %v", err)
	}
	if !disabled.NextRunAt.IsZero() {
		t.Errorf("disabled NextRunAt = %v, want zero", disabled.NextRunAt)
	}

	if _, err := s.Update("sched_missing00000", func(sc *models.Schedule) {}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update(missing) error = %v, want ErrNotFound", err)
	}

	if _, err := s.Update(sched.ID, func(sc *models.Schedule) { sc.CronExpr = "bad"; sc.Kind = models.ScheduleCron }); err == nil {
		t.Error("Update() with invalid cron succeeded")
	}
}

func TestScheduler_DeleteMissing(t *testing.T) {
	launcher := &fakeLauncher{active: map[string]bool{}}
	s, _ := newTestScheduler(t, launcher, time.Now())
	if err := s.Delete("sched_nothere00000"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete(missing) error = %v, want ErrNotFound", err)
	}
}

func TestScheduler_StartStop(t *testing.T) {
	launcher := &fakeLauncher{active: map[string]bool{}}
	store, err := OpenStore(filepath.Join(t.TempDir(), "schedules.json"))
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	s := New(store, launcher, config.SchedulerConfig{TickInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() twice error = %v", err)
	}
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}
