package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/agentblob/pkg/models"
)

// fakeStarter stands in for the executor: runs stay active until finish is
// called.
type fakeStarter struct {
	mu      sync.Mutex
	dones   map[string]chan struct{}
	runs    map[string]models.Run
	started []string
	stopped []string
	failIDs map[string]bool
}

func newFakeStarter() *fakeStarter {
	return &fakeStarter{
		dones:   make(map[string]chan struct{}),
		runs:    make(map[string]models.Run),
		failIDs: make(map[string]bool),
	}
}

func (f *fakeStarter) Start(_ context.Context, run *models.Run) (<-chan struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIDs[run.ID] {
		return nil, errors.New("refused")
	}
	done := make(chan struct{})
	run.Status = models.RunRunning
	f.dones[run.ID] = done
	f.runs[run.ID] = *run
	f.started = append(f.started, run.ID)
	return done, nil
}

func (f *fakeStarter) Stop(runID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok || run.Status.Terminal() {
		return false
	}
	run.Status = models.RunStopped
	f.runs[runID] = run
	f.stopped = append(f.stopped, runID)
	close(f.dones[runID])
	return true
}

func (f *fakeStarter) Get(runID string) (models.Run, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	return run, ok
}

func (f *fakeStarter) Active() []models.Run {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Run
	for _, run := range f.runs {
		if !run.Status.Terminal() {
			out = append(out, run)
		}
	}
	return out
}

func (f *fakeStarter) finish(runID string, status models.RunStatus) {
	f.mu.Lock()
	run := f.runs[runID]
	run.Status = status
	f.runs[runID] = run
	done := f.dones[runID]
	f.mu.Unlock()
	close(done)
}

func (f *fakeStarter) startedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.started...)
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newTestQueue(t *testing.T, softCap int) (*SessionQueue, *fakeStarter, *Bus) {
	t.Helper()
	starter := newFakeStarter()
	bus := newTestBus(t)
	return NewSessionQueue(starter, bus, nil, softCap, nil), starter, bus
}

func TestSessionQueue_IdleSessionStartsImmediately(t *testing.T) {
	q, starter, _ := newTestQueue(t, 4)
	run := models.NewRun("main", models.OriginUser, "hello")

	position, err := q.Submit(context.Background(), run)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if position != 0 {
		t.Errorf("Submit() position = %d, want 0", position)
	}
	if got := starter.startedIDs(); len(got) != 1 || got[0] != run.ID {
		t.Errorf("started = %v, want [%s]", got, run.ID)
	}
	if id, ok := q.ActiveRun("main"); !ok || id != run.ID {
		t.Errorf("ActiveRun() = %q, %v, want %q, true", id, ok, run.ID)
	}
}

func TestSessionQueue_BusySessionQueuesInOrder(t *testing.T) {
	q, starter, _ := newTestQueue(t, 4)
	ctx := context.Background()

	first := models.NewRun("main", models.OriginUser, "one")
	second := models.NewRun("main", models.OriginUser, "two")
	third := models.NewRun("main", models.OriginUser, "three")

	if _, err := q.Submit(ctx, first); err != nil {
		t.Fatalf("Submit(first) error = %v", err)
	}
	position, err := q.Submit(ctx, second)
	if err != nil {
		t.Fatalf("Submit(second) error = %v", err)
	}
	if position != 1 {
		t.Errorf("Submit(second) position = %d, want 1", position)
	}
	position, err = q.Submit(ctx, third)
	if err != nil {
		t.Fatalf("Submit(third) error = %v", err)
	}
	if position != 2 {
		t.Errorf("Submit(third) position = %d, want 2", position)
	}
	if q.Depth() != 2 {
		t.Errorf("Depth() = %d, want 2", q.Depth())
	}

	starter.finish(first.ID, models.RunDone)
	eventually(t, func() bool {
		id, ok := q.ActiveRun("main")
		return ok && id == second.ID
	}, "second run never became active")

	starter.finish(second.ID, models.RunFailed)
	eventually(t, func() bool {
		id, ok := q.ActiveRun("main")
		return ok && id == third.ID
	}, "queue did not drain past a failed run")
}

func TestSessionQueue_SoftCapRejects(t *testing.T) {
	q, _, _ := newTestQueue(t, 2)
	ctx := context.Background()

	if _, err := q.Submit(ctx, models.NewRun("main", models.OriginUser, "active")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := q.Submit(ctx, models.NewRun("main", models.OriginUser, "queued")); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}

	_, err := q.Submit(ctx, models.NewRun("main", models.OriginUser, "overflow"))
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("Submit() error = %v, want ErrQueueFull", err)
	}
}

func TestSessionQueue_SessionsDoNotBlockEachOther(t *testing.T) {
	q, starter, _ := newTestQueue(t, 4)
	ctx := context.Background()

	first := models.NewRun("main", models.OriginUser, "one")
	other := models.NewRun("tg:42", models.OriginUser, "two")
	if _, err := q.Submit(ctx, first); err != nil {
		t.Fatalf("Submit(first) error = %v", err)
	}
	position, err := q.Submit(ctx, other)
	if err != nil {
		t.Fatalf("Submit(other) error = %v", err)
	}
	if position != 0 {
		t.Errorf("Submit(other) position = %d, want 0", position)
	}
	if got := starter.startedIDs(); len(got) != 2 {
		t.Errorf("started %d runs, want 2", len(got))
	}
}

func TestSessionQueue_StopRunningDelegatesToExecutor(t *testing.T) {
	q, starter, _ := newTestQueue(t, 4)
	run := models.NewRun("main", models.OriginUser, "hello")
	if _, err := q.Submit(context.Background(), run); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if !q.Stop(context.Background(), run.ID) {
		t.Fatal("Stop() = false, want true")
	}
	starter.mu.Lock()
	stopped := append([]string{}, starter.stopped...)
	starter.mu.Unlock()
	if len(stopped) != 1 || stopped[0] != run.ID {
		t.Errorf("executor stopped = %v, want [%s]", stopped, run.ID)
	}
}

func TestSessionQueue_EnqueueRecordsInput(t *testing.T) {
	q, _, bus := newTestQueue(t, 4)
	ctx := context.Background()

	first := models.NewRun("main", models.OriginUser, "one")
	queued := models.NewRun("main", models.OriginUser, "two")
	if _, err := q.Submit(ctx, first); err != nil {
		t.Fatalf("Submit(first) error = %v", err)
	}
	if _, err := q.Submit(ctx, queued); err != nil {
		t.Fatalf("Submit(queued) error = %v", err)
	}

	events, err := bus.Replay(ctx, 1, 0)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	var kinds []models.EventKind
	for _, ev := range events {
		if ev.RunID != queued.ID {
			continue
		}
		kinds = append(kinds, ev.Kind)
		if ev.SessionID != "main" {
			t.Errorf("event session = %q, want main", ev.SessionID)
		}
	}
	want := []models.EventKind{models.EventRunInput, models.EventRunStatus}
	if len(kinds) != len(want) || kinds[0] != want[0] || kinds[1] != want[1] {
		t.Fatalf("enqueue events = %v, want %v", kinds, want)
	}

	// Immediate starts stay the executor's to record.
	for _, ev := range events {
		if ev.RunID == first.ID {
			t.Errorf("queue recorded %s for an immediately started run", ev.Kind)
		}
	}
}

func TestSessionQueue_StopQueuedClosesTranscript(t *testing.T) {
	q, starter, bus := newTestQueue(t, 4)
	ctx := context.Background()

	first := models.NewRun("main", models.OriginUser, "one")
	queued := models.NewRun("main", models.OriginUser, "two")
	if _, err := q.Submit(ctx, first); err != nil {
		t.Fatalf("Submit(first) error = %v", err)
	}
	if _, err := q.Submit(ctx, queued); err != nil {
		t.Fatalf("Submit(queued) error = %v", err)
	}

	if !q.Stop(ctx, queued.ID) {
		t.Fatal("Stop() = false, want true")
	}
	if q.Depth() != 0 {
		t.Errorf("Depth() = %d, want 0", q.Depth())
	}

	events, err := bus.Replay(ctx, 1, 0)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	var kinds []models.EventKind
	for _, ev := range events {
		if ev.RunID == queued.ID {
			kinds = append(kinds, ev.Kind)
		}
	}
	want := []models.EventKind{models.EventRunInput, models.EventRunStatus, models.EventRunStatus, models.EventRunFinal}
	if len(kinds) != len(want) {
		t.Fatalf("transcript = %v, want %v", kinds, want)
	}
	for i, kind := range want {
		if kinds[i] != kind {
			t.Errorf("event[%d] = %s, want %s", i, kinds[i], kind)
		}
	}

	// The stopped run must never start once the active run finishes.
	starter.finish(first.ID, models.RunDone)
	time.Sleep(50 * time.Millisecond)
	for _, id := range starter.startedIDs() {
		if id == queued.ID {
			t.Error("stopped queued run was started anyway")
		}
	}
}

func TestSessionQueue_StopUnknownRun(t *testing.T) {
	q, _, _ := newTestQueue(t, 4)
	if q.Stop(context.Background(), "run_missing") {
		t.Error("Stop() = true for unknown run, want false")
	}
}

func TestSessionQueue_SkipsEntriesExecutorRefuses(t *testing.T) {
	q, starter, _ := newTestQueue(t, 4)
	ctx := context.Background()

	first := models.NewRun("main", models.OriginUser, "one")
	rejected := models.NewRun("main", models.OriginUser, "two")
	third := models.NewRun("main", models.OriginUser, "three")

	if _, err := q.Submit(ctx, first); err != nil {
		t.Fatalf("Submit(first) error = %v", err)
	}
	starter.mu.Lock()
	starter.failIDs[rejected.ID] = true
	starter.mu.Unlock()
	if _, err := q.Submit(ctx, rejected); err != nil {
		t.Fatalf("Submit(rejected) error = %v", err)
	}
	if _, err := q.Submit(ctx, third); err != nil {
		t.Fatalf("Submit(third) error = %v", err)
	}

	starter.finish(first.ID, models.RunDone)
	eventually(t, func() bool {
		id, ok := q.ActiveRun("main")
		return ok && id == third.ID
	}, "queue did not skip a refused entry")
}

func TestSessionQueue_RunActive(t *testing.T) {
	q, starter, _ := newTestQueue(t, 4)
	ctx := context.Background()

	active := models.NewRun("main", models.OriginUser, "one")
	queued := models.NewRun("main", models.OriginUser, "two")
	if _, err := q.Submit(ctx, active); err != nil {
		t.Fatalf("Submit(active) error = %v", err)
	}
	if _, err := q.Submit(ctx, queued); err != nil {
		t.Fatalf("Submit(queued) error = %v", err)
	}

	if !q.RunActive(active.ID) {
		t.Error("RunActive(running) = false, want true")
	}
	if !q.RunActive(queued.ID) {
		t.Error("RunActive(queued) = false, want true")
	}
	if q.RunActive("run_missing") {
		t.Error("RunActive(unknown) = true, want false")
	}

	starter.finish(active.ID, models.RunDone)
	eventually(t, func() bool { return !q.RunActive(active.ID) },
		"finished run still reported active")
}
