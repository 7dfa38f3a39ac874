package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/agentblob/internal/config"
	"github.com/haasonsaas/agentblob/internal/policy"
	"github.com/haasonsaas/agentblob/internal/tools"
	"github.com/haasonsaas/agentblob/pkg/models"
)

// testProvider allows control over LLM responses for executor testing.
type testProvider struct {
	mu           sync.Mutex
	responses    [][]CompletionChunk
	requests     []*CompletionRequest
	calls        int32
	completeFunc func(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)
}

func (p *testProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	if p.completeFunc != nil {
		return p.completeFunc(ctx, req)
	}

	call := int(atomic.AddInt32(&p.calls, 1)) - 1
	ch := make(chan *CompletionChunk, 16)

	go func() {
		defer close(ch)
		if call >= len(p.responses) {
			ch <- &CompletionChunk{Done: true}
			return
		}
		for _, chunk := range p.responses[call] {
			select {
			case ch <- &chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

func (p *testProvider) Name() string        { return "test" }
func (p *testProvider) Models() []Model     { return nil }
func (p *testProvider) SupportsTools() bool { return true }

func (p *testProvider) request(t *testing.T, i int) *CompletionRequest {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.requests) {
		t.Fatalf("provider saw %d requests, want at least %d", len(p.requests), i+1)
	}
	return p.requests[i]
}

// memLog is an in-memory EventLog capturing everything the executor emits.
type memLog struct {
	mu     sync.Mutex
	events []models.Event
	seq    int64
}

func (l *memLog) Append(ctx context.Context, kind models.EventKind, runID, sessionID string, payload any) (models.Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return models.Event{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	ev := models.Event{Seq: l.seq, TS: time.Now().UTC(), Kind: kind, RunID: runID, SessionID: sessionID, Payload: raw}
	l.events = append(l.events, ev)
	return ev, nil
}

func (l *memLog) Tail(ctx context.Context, n int) ([]models.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 {
		return nil, nil
	}
	if n > len(l.events) {
		n = len(l.events)
	}
	out := make([]models.Event, n)
	copy(out, l.events[len(l.events)-n:])
	return out, nil
}

func (l *memLog) all() []models.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.Event, len(l.events))
	copy(out, l.events)
	return out
}

func (l *memLog) byKind(kind models.EventKind) []models.Event {
	var out []models.Event
	for _, ev := range l.all() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// execTool is a scriptable tool for executor tests.
type execTool struct {
	name       string
	capability string
	execFunc   func(ctx context.Context, input json.RawMessage) (*models.ToolResult, error)
	calls      int32
}

func (t *execTool) Name() string            { return t.name }
func (t *execTool) Description() string     { return "test tool " + t.name }
func (t *execTool) Schema() json.RawMessage { return nil }
func (t *execTool) Capability() string      { return t.capability }

func (t *execTool) Execute(ctx context.Context, input json.RawMessage) (*models.ToolResult, error) {
	atomic.AddInt32(&t.calls, 1)
	if t.execFunc != nil {
		return t.execFunc(ctx, input)
	}
	return &models.ToolResult{Content: "ok"}, nil
}

type fakeMemory struct {
	block           string
	blockErr        error
	ingested        chan string
	ingestedSession string
}

func (m *fakeMemory) ContextBlock(ctx context.Context, query string) (string, error) {
	return m.block, m.blockErr
}

func (m *fakeMemory) IngestTurn(ctx context.Context, runID, sessionID, userText, assistantText string) (int, int, error) {
	m.ingestedSession = sessionID
	if m.ingested != nil {
		m.ingested <- assistantText
	}
	return 1, 0, nil
}

type fixture struct {
	provider *testProvider
	registry *tools.Registry
	broker   *policy.Broker
	log      *memLog
	exec     *Executor
}

func newFixture(t *testing.T, provider *testProvider, rules policy.Rules, mutate ...func(*ExecutorConfig)) *fixture {
	t.Helper()
	if rules.Default == "" {
		rules.Default = policy.DecisionAsk
	}
	engine, err := policy.NewEngine(rules, "")
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	broker := policy.NewBroker(engine, policy.WithRequestTTL(time.Minute))
	log := &memLog{}
	registry := tools.NewRegistry()

	cfg := ExecutorConfig{
		Provider: provider,
		Registry: registry,
		Broker:   broker,
		Events:   log,
		Runtime: config.RuntimeConfig{
			MaxRounds:    8,
			MaxTokens:    512,
			ToolTimeout:  5 * time.Second,
			TurnTimeout:  5 * time.Second,
			ContextTurns: 4,
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, m := range mutate {
		m(&cfg)
	}

	exec, err := NewExecutor(cfg)
	if err != nil {
		t.Fatalf("NewExecutor() error = %v", err)
	}
	return &fixture{provider: provider, registry: registry, broker: cfg.Broker, log: log, exec: exec}
}

func waitRun(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish in time")
	}
}

func awaitPendingRequest(t *testing.T, broker *policy.Broker) models.PermissionRequest {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if reqs := broker.Pending(""); len(reqs) > 0 {
			return reqs[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no permission request appeared")
	return models.PermissionRequest{}
}

func finalOf(t *testing.T, log *memLog) RunFinalPayload {
	t.Helper()
	finals := log.byKind(models.EventRunFinal)
	if len(finals) != 1 {
		t.Fatalf("got %d run.final events, want exactly 1", len(finals))
	}
	var payload RunFinalPayload
	if err := json.Unmarshal(finals[0].Payload, &payload); err != nil {
		t.Fatalf("decode run.final: %v", err)
	}
	return payload
}

func statusTransitions(t *testing.T, log *memLog) [][2]models.RunStatus {
	t.Helper()
	var out [][2]models.RunStatus
	for _, ev := range log.byKind(models.EventRunStatus) {
		var p RunStatusPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			t.Fatalf("decode run.status: %v", err)
		}
		out = append(out, [2]models.RunStatus{p.From, p.To})
	}
	return out
}

func TestExecutorCompletesWithoutTools(t *testing.T) {
	provider := &testProvider{
		responses: [][]CompletionChunk{
			{{Text: "hel"}, {Text: "lo"}, {Done: true, InputTokens: 10, OutputTokens: 4}},
		},
	}
	f := newFixture(t, provider, policy.Rules{})

	run := models.NewRun("sess-1", models.OriginUser, "say hello")
	done, err := f.exec.Start(context.Background(), run)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitRun(t, done)

	var kinds []models.EventKind
	for _, ev := range f.log.all() {
		kinds = append(kinds, ev.Kind)
	}
	want := []models.EventKind{
		models.EventRunInput,
		models.EventRunStatus,
		models.EventToken,
		models.EventToken,
		models.EventRunStatus,
		models.EventRunFinal,
	}
	if len(kinds) != len(want) {
		t.Fatalf("event kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s", i, kinds[i], want[i])
		}
	}

	final := finalOf(t, f.log)
	if final.Status != models.RunDone {
		t.Errorf("final status = %s, want done", final.Status)
	}
	if final.Summary != "hello" {
		t.Errorf("final summary = %q, want %q", final.Summary, "hello")
	}
	if final.Usage.InputTokens != 10 || final.Usage.OutputTokens != 4 {
		t.Errorf("final usage = %+v, want 10/4", final.Usage)
	}
	if final.Rounds != 1 {
		t.Errorf("final rounds = %d, want 1", final.Rounds)
	}

	got, ok := f.exec.Get(run.ID)
	if !ok {
		t.Fatal("finished run not queryable")
	}
	if got.Status != models.RunDone || got.Result == nil || got.Result.Summary != "hello" {
		t.Errorf("run snapshot = %+v", got)
	}
	if len(f.exec.Active()) != 0 {
		t.Errorf("Active() = %d runs, want 0", len(f.exec.Active()))
	}
}

func TestExecutorSkipsPreRecordedInput(t *testing.T) {
	provider := &testProvider{
		responses: [][]CompletionChunk{
			{{Text: "ok"}, {Done: true}},
		},
	}
	f := newFixture(t, provider, policy.Rules{})

	run := models.NewRun("sess-1", models.OriginUser, "already logged")
	done, err := f.exec.Start(WithInputRecorded(context.Background()), run)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitRun(t, done)

	if inputs := f.log.byKind(models.EventRunInput); len(inputs) != 0 {
		t.Errorf("got %d run.input events, want 0 when the queue already recorded it", len(inputs))
	}
	transitions := statusTransitions(t, f.log)
	if len(transitions) == 0 || transitions[0] != [2]models.RunStatus{models.RunQueued, models.RunRunning} {
		t.Errorf("status transitions = %v, want queued->running first", transitions)
	}
}

func TestExecutorToolRoundTrip(t *testing.T) {
	provider := &testProvider{
		responses: [][]CompletionChunk{
			{
				{ToolCall: &models.ToolCall{ID: "call-1", Name: "echo", Input: json.RawMessage(`{"text":"test"}`)}},
				{Done: true},
			},
			{{Text: "echoed"}, {Done: true}},
		},
	}
	f := newFixture(t, provider, policy.Rules{Allow: []string{"echo.run"}})

	echo := &execTool{name: "echo", capability: "echo.run", execFunc: func(ctx context.Context, input json.RawMessage) (*models.ToolResult, error) {
		info, ok := tools.RunInfoFromContext(ctx)
		if !ok || info.RunID == "" {
			t.Error("tool context missing run info")
		}
		return &models.ToolResult{Content: "test back"}, nil
	}}
	f.registry.Register(echo)

	run := models.NewRun("sess-1", models.OriginUser, "echo something")
	done, err := f.exec.Start(context.Background(), run)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitRun(t, done)

	if got := atomic.LoadInt32(&echo.calls); got != 1 {
		t.Errorf("tool called %d times, want 1", got)
	}

	callEvents := f.log.byKind(models.EventToolCall)
	if len(callEvents) != 1 {
		t.Fatalf("got %d tool.call events, want 1", len(callEvents))
	}
	var callPayload ToolCallPayload
	if err := json.Unmarshal(callEvents[0].Payload, &callPayload); err != nil {
		t.Fatalf("decode tool.call: %v", err)
	}
	if callPayload.Name != "echo" || callPayload.Capability != "echo.run" || callPayload.ToolCallID != "call-1" {
		t.Errorf("tool.call payload = %+v", callPayload)
	}

	resultEvents := f.log.byKind(models.EventToolResult)
	if len(resultEvents) != 1 {
		t.Fatalf("got %d tool.result events, want 1", len(resultEvents))
	}
	var resultPayload ToolResultPayload
	if err := json.Unmarshal(resultEvents[0].Payload, &resultPayload); err != nil {
		t.Fatalf("decode tool.result: %v", err)
	}
	if resultPayload.Content != "test back" || resultPayload.IsError {
		t.Errorf("tool.result payload = %+v", resultPayload)
	}

	// the second request must carry the assistant tool call and its result
	second := provider.request(t, 1)
	if len(second.Messages) < 3 {
		t.Fatalf("second request has %d messages, want at least 3", len(second.Messages))
	}
	assistant := second.Messages[len(second.Messages)-2]
	if assistant.Role != "assistant" || len(assistant.ToolCalls) != 1 {
		t.Errorf("assistant message = %+v", assistant)
	}
	toolMsg := second.Messages[len(second.Messages)-1]
	if toolMsg.Role != "tool" || len(toolMsg.ToolResults) != 1 || toolMsg.ToolResults[0].Content != "test back" {
		t.Errorf("tool message = %+v", toolMsg)
	}

	if final := finalOf(t, f.log); final.Summary != "echoed" {
		t.Errorf("final summary = %q, want %q", final.Summary, "echoed")
	}
}

func TestExecutorUnknownTool(t *testing.T) {
	provider := &testProvider{
		responses: [][]CompletionChunk{
			{
				{ToolCall: &models.ToolCall{ID: "call-1", Name: "nope", Input: json.RawMessage(`{}`)}},
				{Done: true},
			},
			{{Text: "recovered"}, {Done: true}},
		},
	}
	f := newFixture(t, provider, policy.Rules{})

	run := models.NewRun("sess-1", models.OriginUser, "use a missing tool")
	done, err := f.exec.Start(context.Background(), run)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitRun(t, done)

	if calls := f.log.byKind(models.EventToolCall); len(calls) != 0 {
		t.Errorf("got %d tool.call events for a rejected call, want 0", len(calls))
	}
	results := f.log.byKind(models.EventToolResult)
	if len(results) != 1 {
		t.Fatalf("got %d tool.result events, want 1", len(results))
	}
	var payload ToolResultPayload
	if err := json.Unmarshal(results[0].Payload, &payload); err != nil {
		t.Fatalf("decode tool.result: %v", err)
	}
	if !payload.IsError || !strings.Contains(payload.Content, "tool not found") {
		t.Errorf("tool.result payload = %+v", payload)
	}
	if final := finalOf(t, f.log); final.Status != models.RunDone || final.Summary != "recovered" {
		t.Errorf("final = %+v", final)
	}
}

func TestExecutorPolicyDeny(t *testing.T) {
	provider := &testProvider{
		responses: [][]CompletionChunk{
			{
				{ToolCall: &models.ToolCall{ID: "call-1", Name: "danger", Input: json.RawMessage(`{}`)}},
				{Done: true},
			},
			{{Text: "understood"}, {Done: true}},
		},
	}
	f := newFixture(t, provider, policy.Rules{Deny: []string{"danger.*"}})

	tool := &execTool{name: "danger", capability: "danger.zone"}
	f.registry.Register(tool)

	run := models.NewRun("sess-1", models.OriginUser, "try something forbidden")
	done, err := f.exec.Start(context.Background(), run)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitRun(t, done)

	if got := atomic.LoadInt32(&tool.calls); got != 0 {
		t.Errorf("denied tool executed %d times", got)
	}
	if reqs := f.log.byKind(models.EventPermissionRequest); len(reqs) != 0 {
		t.Errorf("rule deny raised %d permission requests, want 0", len(reqs))
	}
	results := f.log.byKind(models.EventToolResult)
	if len(results) != 1 {
		t.Fatalf("got %d tool.result events, want 1", len(results))
	}
	var payload ToolResultPayload
	if err := json.Unmarshal(results[0].Payload, &payload); err != nil {
		t.Fatalf("decode tool.result: %v", err)
	}
	if !payload.IsError || !strings.Contains(payload.Content, "permission denied for danger.zone") {
		t.Errorf("tool.result payload = %+v", payload)
	}
}

func TestExecutorPermissionAllow(t *testing.T) {
	provider := &testProvider{
		responses: [][]CompletionChunk{
			{
				{ToolCall: &models.ToolCall{ID: "call-1", Name: "shellish", Input: json.RawMessage(`{"command":"make deploy"}`)}},
				{Done: true},
			},
			{{Text: "deployed"}, {Done: true}},
		},
	}
	f := newFixture(t, provider, policy.Rules{Ask: []string{"shellish.run"}})

	tool := &execTool{name: "shellish", capability: "shellish.run"}
	f.registry.Register(tool)

	run := models.NewRun("sess-1", models.OriginUser, "deploy it")
	done, err := f.exec.Start(context.Background(), run)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	req := awaitPendingRequest(t, f.broker)
	if req.Preview != "make deploy" {
		t.Errorf("request preview = %q, want command text", req.Preview)
	}
	if req.RunID != run.ID || req.Capability != "shellish.run" {
		t.Errorf("request = %+v", req)
	}
	if got, _ := f.exec.Get(run.ID); got.Status != models.RunWaitingPermission {
		t.Errorf("run status while waiting = %s", got.Status)
	}

	if _, decided, err := f.broker.Respond(req.ID, true, "admin"); err != nil || !decided {
		t.Fatalf("Respond() = %v, %v", decided, err)
	}
	waitRun(t, done)

	if got := atomic.LoadInt32(&tool.calls); got != 1 {
		t.Errorf("approved tool executed %d times, want 1", got)
	}

	responses := f.log.byKind(models.EventPermissionResponse)
	if len(responses) != 1 {
		t.Fatalf("got %d permission.response events, want 1", len(responses))
	}
	var resp PermissionResponsePayload
	if err := json.Unmarshal(responses[0].Payload, &resp); err != nil {
		t.Fatalf("decode permission.response: %v", err)
	}
	if resp.State != models.PermissionAllowed || resp.DecidedBy != "admin" || resp.ID != req.ID {
		t.Errorf("permission.response = %+v", resp)
	}

	// tool.call dispatches only after the response lands
	calls := f.log.byKind(models.EventToolCall)
	if len(calls) != 1 {
		t.Fatalf("got %d tool.call events, want 1", len(calls))
	}
	if calls[0].Seq < responses[0].Seq {
		t.Errorf("tool.call seq %d precedes permission.response seq %d", calls[0].Seq, responses[0].Seq)
	}

	transitions := statusTransitions(t, f.log)
	want := [][2]models.RunStatus{
		{models.RunQueued, models.RunRunning},
		{models.RunRunning, models.RunWaitingPermission},
		{models.RunWaitingPermission, models.RunRunning},
		{models.RunRunning, models.RunDone},
	}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition[%d] = %v, want %v", i, transitions[i], want[i])
		}
	}
}

func TestExecutorPermissionDenied(t *testing.T) {
	provider := &testProvider{
		responses: [][]CompletionChunk{
			{
				{ToolCall: &models.ToolCall{ID: "call-1", Name: "shellish", Input: json.RawMessage(`{"command":"rm -rf /"}`)}},
				{Done: true},
			},
			{{Text: "fine"}, {Done: true}},
		},
	}
	f := newFixture(t, provider, policy.Rules{Ask: []string{"shellish.run"}})

	tool := &execTool{name: "shellish", capability: "shellish.run"}
	f.registry.Register(tool)

	run := models.NewRun("sess-1", models.OriginUser, "wipe the disk")
	done, err := f.exec.Start(context.Background(), run)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	req := awaitPendingRequest(t, f.broker)
	if _, decided, err := f.broker.Respond(req.ID, false, "admin"); err != nil || !decided {
		t.Fatalf("Respond() = %v, %v", decided, err)
	}
	waitRun(t, done)

	if got := atomic.LoadInt32(&tool.calls); got != 0 {
		t.Errorf("denied tool executed %d times", got)
	}
	results := f.log.byKind(models.EventToolResult)
	if len(results) != 1 {
		t.Fatalf("got %d tool.result events, want 1", len(results))
	}
	var payload ToolResultPayload
	if err := json.Unmarshal(results[0].Payload, &payload); err != nil {
		t.Fatalf("decode tool.result: %v", err)
	}
	if !payload.IsError || !strings.Contains(payload.Content, "permission denied for shellish.run") {
		t.Errorf("tool.result payload = %+v", payload)
	}
	if final := finalOf(t, f.log); final.Status != models.RunDone {
		t.Errorf("final status = %s, want done", final.Status)
	}
}

func TestExecutorPermissionExpired(t *testing.T) {
	provider := &testProvider{
		responses: [][]CompletionChunk{
			{
				{ToolCall: &models.ToolCall{ID: "call-1", Name: "shellish", Input: json.RawMessage(`{}`)}},
				{Done: true},
			},
			{{Text: "moved on"}, {Done: true}},
		},
	}
	f := newFixture(t, provider, policy.Rules{Ask: []string{"shellish.run"}}, func(cfg *ExecutorConfig) {
		engine, err := policy.NewEngine(policy.Rules{Ask: []string{"shellish.run"}, Default: policy.DecisionAsk}, "")
		if err != nil {
			t.Fatalf("NewEngine() error = %v", err)
		}
		cfg.Broker = policy.NewBroker(engine, policy.WithRequestTTL(40*time.Millisecond))
	})

	tool := &execTool{name: "shellish", capability: "shellish.run"}
	f.registry.Register(tool)

	run := models.NewRun("sess-1", models.OriginUser, "ask and wait")
	done, err := f.exec.Start(context.Background(), run)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitRun(t, done)

	if got := atomic.LoadInt32(&tool.calls); got != 0 {
		t.Errorf("expired tool executed %d times", got)
	}
	if responses := f.log.byKind(models.EventPermissionResponse); len(responses) != 0 {
		t.Errorf("expiry emitted %d permission.response events, want 0", len(responses))
	}
	results := f.log.byKind(models.EventToolResult)
	if len(results) != 1 {
		t.Fatalf("got %d tool.result events, want 1", len(results))
	}
	var payload ToolResultPayload
	if err := json.Unmarshal(results[0].Payload, &payload); err != nil {
		t.Fatalf("decode tool.result: %v", err)
	}
	if !payload.IsError || !strings.Contains(payload.Content, "expired") {
		t.Errorf("tool.result payload = %+v", payload)
	}
	if final := finalOf(t, f.log); final.Status != models.RunDone {
		t.Errorf("final status = %s, want done", final.Status)
	}
}

func TestExecutorStopWhileWaitingPermission(t *testing.T) {
	provider := &testProvider{
		responses: [][]CompletionChunk{
			{
				{ToolCall: &models.ToolCall{ID: "call-1", Name: "shellish", Input: json.RawMessage(`{}`)}},
				{Done: true},
			},
		},
	}
	f := newFixture(t, provider, policy.Rules{Ask: []string{"shellish.run"}})

	tool := &execTool{name: "shellish", capability: "shellish.run"}
	f.registry.Register(tool)

	run := models.NewRun("sess-1", models.OriginUser, "ask then stop")
	done, err := f.exec.Start(context.Background(), run)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	req := awaitPendingRequest(t, f.broker)
	if !f.exec.Stop(run.ID) {
		t.Fatal("Stop() = false for active run")
	}
	waitRun(t, done)

	if final := finalOf(t, f.log); final.Status != models.RunStopped {
		t.Errorf("final status = %s, want stopped", final.Status)
	}

	responses := f.log.byKind(models.EventPermissionResponse)
	if len(responses) != 1 {
		t.Fatalf("got %d permission.response events, want 1", len(responses))
	}
	var resp PermissionResponsePayload
	if err := json.Unmarshal(responses[0].Payload, &resp); err != nil {
		t.Fatalf("decode permission.response: %v", err)
	}
	if resp.State != models.PermissionDenied || resp.DecidedBy != "stop" {
		t.Errorf("permission.response = %+v", resp)
	}

	stored, ok := f.broker.Get(req.ID)
	if !ok || stored.State != models.PermissionDenied {
		t.Errorf("broker request state = %+v", stored)
	}
	if got := atomic.LoadInt32(&tool.calls); got != 0 {
		t.Errorf("tool executed %d times after stop", got)
	}
}

func TestExecutorStop(t *testing.T) {
	provider := &testProvider{}
	provider.completeFunc = func(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
		// a stream that never produces anything; only cancellation ends it
		return make(chan *CompletionChunk), nil
	}
	f := newFixture(t, provider, policy.Rules{})

	run := models.NewRun("sess-1", models.OriginUser, "never finishes")
	done, err := f.exec.Start(context.Background(), run)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	dup := &models.Run{ID: run.ID, SessionID: "sess-1", Status: models.RunQueued}
	if _, err := f.exec.Start(context.Background(), dup); !errors.Is(err, ErrRunExists) {
		t.Errorf("duplicate Start() error = %v, want ErrRunExists", err)
	}

	if !f.exec.Stop(run.ID) {
		t.Fatal("Stop() = false for active run")
	}
	waitRun(t, done)

	if f.exec.Stop(run.ID) {
		t.Error("Stop() = true for finished run")
	}
	if f.exec.Stop("run_missing") {
		t.Error("Stop() = true for unknown run")
	}

	if final := finalOf(t, f.log); final.Status != models.RunStopped {
		t.Errorf("final status = %s, want stopped", final.Status)
	}
	got, _ := f.exec.Get(run.ID)
	if got.Status != models.RunStopped {
		t.Errorf("run status = %s, want stopped", got.Status)
	}

	// Stop records the wind-down: running -> stopping -> stopped.
	var seq []models.RunStatus
	for _, ev := range f.log.byKind(models.EventRunStatus) {
		var p RunStatusPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			t.Fatalf("decode run.status: %v", err)
		}
		seq = append(seq, p.To)
	}
	want := []models.RunStatus{models.RunRunning, models.RunStopping, models.RunStopped}
	if len(seq) != len(want) {
		t.Fatalf("run.status chain = %v, want %v", seq, want)
	}
	for i := range want {
		if seq[i] != want[i] {
			t.Errorf("run.status[%d] = %s, want %s", i, seq[i], want[i])
		}
	}
}

func TestExecutorRoundLimit(t *testing.T) {
	provider := &testProvider{}
	provider.completeFunc = func(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
		atomic.AddInt32(&provider.calls, 1)
		ch := make(chan *CompletionChunk, 2)
		ch <- &CompletionChunk{ToolCall: &models.ToolCall{ID: "c", Name: "echo", Input: json.RawMessage(`{}`)}}
		ch <- &CompletionChunk{Done: true}
		close(ch)
		return ch, nil
	}
	f := newFixture(t, provider, policy.Rules{Allow: []string{"echo.run"}}, func(cfg *ExecutorConfig) {
		cfg.Runtime.MaxRounds = 2
	})
	f.registry.Register(&execTool{name: "echo", capability: "echo.run"})

	run := models.NewRun("sess-1", models.OriginUser, "loop forever")
	done, err := f.exec.Start(context.Background(), run)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitRun(t, done)

	if got := atomic.LoadInt32(&provider.calls); got != 2 {
		t.Errorf("provider called %d times, want 2", got)
	}
	final := finalOf(t, f.log)
	if final.Status != models.RunDone {
		t.Errorf("final status = %s, want done", final.Status)
	}
	if final.Rounds != 2 {
		t.Errorf("final rounds = %d, want 2", final.Rounds)
	}
	if !strings.Contains(final.Summary, "2 rounds") {
		t.Errorf("final summary = %q, want round-limit note", final.Summary)
	}
}

func TestExecutorMaxRoundsOverride(t *testing.T) {
	provider := &testProvider{}
	provider.completeFunc = func(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
		atomic.AddInt32(&provider.calls, 1)
		ch := make(chan *CompletionChunk, 2)
		ch <- &CompletionChunk{ToolCall: &models.ToolCall{ID: "c", Name: "echo", Input: json.RawMessage(`{}`)}}
		ch <- &CompletionChunk{Done: true}
		close(ch)
		return ch, nil
	}
	f := newFixture(t, provider, policy.Rules{Allow: []string{"echo.run"}})
	f.registry.Register(&execTool{name: "echo", capability: "echo.run"})

	run := models.NewRun("sess-1", models.OriginWorker, "child task")
	run.Depth = 1
	ctx := WithMaxRounds(context.Background(), 1)
	done, err := f.exec.Start(ctx, run)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitRun(t, done)

	if got := atomic.LoadInt32(&provider.calls); got != 1 {
		t.Errorf("provider called %d times, want 1", got)
	}
}

func TestExecutorProviderError(t *testing.T) {
	t.Run("complete fails", func(t *testing.T) {
		provider := &testProvider{}
		provider.completeFunc = func(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
			return nil, errors.New("api unreachable")
		}
		f := newFixture(t, provider, policy.Rules{})

		run := models.NewRun("sess-1", models.OriginUser, "hello")
		done, err := f.exec.Start(context.Background(), run)
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		waitRun(t, done)

		final := finalOf(t, f.log)
		if final.Status != models.RunFailed || !strings.Contains(final.Error, "api unreachable") {
			t.Errorf("final = %+v", final)
		}
		got, _ := f.exec.Get(run.ID)
		if got.Error == "" {
			t.Error("run error not recorded")
		}
	})

	t.Run("stream error chunk", func(t *testing.T) {
		provider := &testProvider{
			responses: [][]CompletionChunk{
				{{Text: "partial"}, {Error: errors.New("stream reset")}},
			},
		}
		f := newFixture(t, provider, policy.Rules{})

		run := models.NewRun("sess-1", models.OriginUser, "hello")
		done, err := f.exec.Start(context.Background(), run)
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		waitRun(t, done)

		final := finalOf(t, f.log)
		if final.Status != models.RunFailed || !strings.Contains(final.Error, "stream reset") {
			t.Errorf("final = %+v", final)
		}
	})
}

func TestExecutorToolTimeout(t *testing.T) {
	provider := &testProvider{
		responses: [][]CompletionChunk{
			{
				{ToolCall: &models.ToolCall{ID: "call-1", Name: "slow", Input: json.RawMessage(`{}`)}},
				{Done: true},
			},
			{{Text: "gave up"}, {Done: true}},
		},
	}
	f := newFixture(t, provider, policy.Rules{Allow: []string{"slow.run"}})

	f.registry.Register(&execTool{name: "slow", capability: "slow.run", execFunc: func(ctx context.Context, input json.RawMessage) (*models.ToolResult, error) {
		time.Sleep(time.Second)
		return &models.ToolResult{Content: "late"}, nil
	}})
	f.exec.ConfigureToolTimeout("slow", 50*time.Millisecond)

	run := models.NewRun("sess-1", models.OriginUser, "run the slow one")
	done, err := f.exec.Start(context.Background(), run)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	start := time.Now()
	waitRun(t, done)
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("run took %s, timeout did not apply", elapsed)
	}

	results := f.log.byKind(models.EventToolResult)
	if len(results) != 1 {
		t.Fatalf("got %d tool.result events, want 1", len(results))
	}
	var payload ToolResultPayload
	if err := json.Unmarshal(results[0].Payload, &payload); err != nil {
		t.Fatalf("decode tool.result: %v", err)
	}
	if !payload.IsError || !strings.Contains(payload.Content, "timed out after") {
		t.Errorf("tool.result payload = %+v", payload)
	}
	if final := finalOf(t, f.log); final.Status != models.RunDone || final.Summary != "gave up" {
		t.Errorf("final = %+v", final)
	}
}

func TestExecutorMemory(t *testing.T) {
	t.Run("context block and ingestion", func(t *testing.T) {
		provider := &testProvider{
			responses: [][]CompletionChunk{
				{{Text: "All done"}, {Done: true}},
			},
		}
		mem := &fakeMemory{
			block:    "Relevant memories:\n- [fact] User prefers tea",
			ingested: make(chan string, 1),
		}
		f := newFixture(t, provider, policy.Rules{}, func(cfg *ExecutorConfig) {
			cfg.Memory = mem
		})

		run := models.NewRun("sess-1", models.OriginUser, "what do I drink?")
		done, err := f.exec.Start(context.Background(), run)
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		waitRun(t, done)

		req := provider.request(t, 0)
		if !strings.Contains(req.System, "User prefers tea") {
			t.Errorf("system prompt missing memory block: %q", req.System)
		}

		select {
		case summary := <-mem.ingested:
			if summary != "All done" {
				t.Errorf("ingested summary = %q", summary)
			}
			if mem.ingestedSession != "sess-1" {
				t.Errorf("ingestion session = %q, want sess-1", mem.ingestedSession)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("turn was not ingested")
		}
	})

	t.Run("memory failure degrades", func(t *testing.T) {
		provider := &testProvider{
			responses: [][]CompletionChunk{
				{{Text: "still fine"}, {Done: true}},
			},
		}
		mem := &fakeMemory{blockErr: errors.New("db locked")}
		f := newFixture(t, provider, policy.Rules{}, func(cfg *ExecutorConfig) {
			cfg.Memory = mem
		})

		run := models.NewRun("sess-1", models.OriginUser, "hello")
		done, err := f.exec.Start(context.Background(), run)
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		waitRun(t, done)

		if final := finalOf(t, f.log); final.Status != models.RunDone || final.Summary != "still fine" {
			t.Errorf("final = %+v", final)
		}
	})

	t.Run("empty summary skips ingestion", func(t *testing.T) {
		provider := &testProvider{
			responses: [][]CompletionChunk{
				{{Done: true}},
			},
		}
		mem := &fakeMemory{ingested: make(chan string, 1)}
		f := newFixture(t, provider, policy.Rules{}, func(cfg *ExecutorConfig) {
			cfg.Memory = mem
		})

		run := models.NewRun("sess-1", models.OriginUser, "say nothing")
		done, err := f.exec.Start(context.Background(), run)
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		waitRun(t, done)

		select {
		case <-mem.ingested:
			t.Error("empty summary was ingested")
		case <-time.After(100 * time.Millisecond):
		}
	})
}

func TestExecutorTranscript(t *testing.T) {
	provider := &testProvider{
		responses: [][]CompletionChunk{
			{{Text: "with context"}, {Done: true}},
		},
	}
	f := newFixture(t, provider, policy.Rules{})

	ctx := context.Background()
	seed := func(runID, sessionID string, origin models.RunOrigin, prompt, summary string) {
		f.log.Append(ctx, models.EventRunInput, runID, sessionID, RunInputPayload{Prompt: prompt, Origin: origin})
		f.log.Append(ctx, models.EventRunFinal, runID, sessionID, RunFinalPayload{Status: models.RunDone, Summary: summary})
	}
	seed("run_prev1", "sess-1", models.OriginUser, "first question", "first answer")
	seed("run_other", "sess-2", models.OriginUser, "other session", "other answer")
	seed("run_child", "sess-1", models.OriginWorker, "worker task", "worker output")
	f.log.Append(ctx, models.EventRunInput, "run_failed", "sess-1", RunInputPayload{Prompt: "broken", Origin: models.OriginUser})
	f.log.Append(ctx, models.EventRunFinal, "run_failed", "sess-1", RunFinalPayload{Status: models.RunFailed, Error: "boom"})

	run := models.NewRun("sess-1", models.OriginUser, "follow up")
	done, err := f.exec.Start(ctx, run)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitRun(t, done)

	req := provider.request(t, 0)
	want := []CompletionMessage{
		{Role: "user", Content: "first question"},
		{Role: "assistant", Content: "first answer"},
		{Role: "user", Content: "follow up"},
	}
	if len(req.Messages) != len(want) {
		t.Fatalf("messages = %+v, want %+v", req.Messages, want)
	}
	for i := range want {
		if req.Messages[i].Role != want[i].Role || req.Messages[i].Content != want[i].Content {
			t.Errorf("message[%d] = %+v, want %+v", i, req.Messages[i], want[i])
		}
	}
}

func TestExecutorToolFilter(t *testing.T) {
	provider := &testProvider{
		responses: [][]CompletionChunk{
			{
				{ToolCall: &models.ToolCall{ID: "call-1", Name: "hidden", Input: json.RawMessage(`{}`)}},
				{Done: true},
			},
			{{Text: "filtered"}, {Done: true}},
		},
	}
	f := newFixture(t, provider, policy.Rules{Allow: []string{"*"}})

	hidden := &execTool{name: "hidden", capability: "hidden.run"}
	f.registry.Register(&execTool{name: "echo", capability: "echo.run"})
	f.registry.Register(hidden)

	run := models.NewRun("sess-1", models.OriginWorker, "restricted child")
	run.Depth = 1
	ctx := WithToolFilter(context.Background(), []string{"echo"})
	done, err := f.exec.Start(ctx, run)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitRun(t, done)

	req := provider.request(t, 0)
	if len(req.Tools) != 1 || req.Tools[0].Name != "echo" {
		t.Errorf("offered tools = %+v, want only echo", req.Tools)
	}
	if got := atomic.LoadInt32(&hidden.calls); got != 0 {
		t.Errorf("filtered tool executed %d times", got)
	}

	results := f.log.byKind(models.EventToolResult)
	if len(results) != 1 {
		t.Fatalf("got %d tool.result events, want 1", len(results))
	}
	var payload ToolResultPayload
	if err := json.Unmarshal(results[0].Payload, &payload); err != nil {
		t.Fatalf("decode tool.result: %v", err)
	}
	if !payload.IsError || !strings.Contains(payload.Content, "tool not available") {
		t.Errorf("tool.result payload = %+v", payload)
	}
}

func TestExecutorSystemPromptOverride(t *testing.T) {
	provider := &testProvider{
		responses: [][]CompletionChunk{
			{{Text: "ok"}, {Done: true}},
		},
	}
	f := newFixture(t, provider, policy.Rules{})

	run := models.NewRun("sess-1", models.OriginWorker, "child task")
	ctx := WithSystemPrompt(context.Background(), "You compile morning briefings.")
	done, err := f.exec.Start(ctx, run)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitRun(t, done)

	req := provider.request(t, 0)
	if !strings.HasPrefix(req.System, "You compile morning briefings.") {
		t.Errorf("system prompt = %q, want override", req.System)
	}
	if strings.Contains(req.System, "Agent Blob") {
		t.Errorf("override should replace the default prompt, got %q", req.System)
	}
}

type fakeSkills struct{ block string }

func (s fakeSkills) PromptBlock() string { return s.block }

func TestExecutorInjectsSkills(t *testing.T) {
	provider := &testProvider{
		responses: [][]CompletionChunk{
			{{Text: "ok"}, {Done: true}},
		},
	}
	f := newFixture(t, provider, policy.Rules{}, func(cfg *ExecutorConfig) {
		cfg.Skills = fakeSkills{block: "# Skill: general\n\nBe terse."}
	})

	run := models.NewRun("sess-1", models.OriginUser, "hello")
	done, err := f.exec.Start(context.Background(), run)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitRun(t, done)

	req := provider.request(t, 0)
	if !strings.Contains(req.System, "# Skill: general") || !strings.Contains(req.System, "Be terse.") {
		t.Errorf("system prompt missing skill block: %q", req.System)
	}
}

func TestExecutorRecordsArtifacts(t *testing.T) {
	provider := &testProvider{
		responses: [][]CompletionChunk{
			{
				{ToolCall: &models.ToolCall{ID: "call-1", Name: "fs_write", Input: json.RawMessage(`{"path":"notes/report.md","content":"x"}`)}},
				{Done: true},
			},
			{{Text: "written"}, {Done: true}},
		},
	}
	f := newFixture(t, provider, policy.Rules{Allow: []string{"fs.write"}})

	f.registry.Register(&execTool{name: "fs_write", capability: "fs.write", execFunc: func(ctx context.Context, input json.RawMessage) (*models.ToolResult, error) {
		return &models.ToolResult{Content: `{"path":"/ws/notes/report.md","bytes_written":1,"append":false}`}, nil
	}})

	run := models.NewRun("sess-1", models.OriginUser, "write the report")
	done, err := f.exec.Start(context.Background(), run)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitRun(t, done)

	final := finalOf(t, f.log)
	if len(final.Artifacts) != 1 || final.Artifacts[0] != "/ws/notes/report.md" {
		t.Errorf("final artifacts = %v", final.Artifacts)
	}
}

func TestBuildPreview(t *testing.T) {
	tests := []struct {
		name string
		call models.ToolCall
		want string
	}{
		{
			name: "command input",
			call: models.ToolCall{Name: "shell", Input: json.RawMessage(`{"command":"ls -la","cwd":"."}`)},
			want: "ls -la",
		},
		{
			name: "path input",
			call: models.ToolCall{Name: "fs_read", Input: json.RawMessage(`{"path":"notes.md"}`)},
			want: "fs_read notes.md",
		},
		{
			name: "generic input",
			call: models.ToolCall{Name: "memory_search", Input: json.RawMessage(`{"query":"tea"}`)},
			want: `memory_search {"query":"tea"}`,
		},
		{
			name: "no input",
			call: models.ToolCall{Name: "status"},
			want: "status",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := buildPreview(tt.call); got != tt.want {
				t.Errorf("buildPreview() = %q, want %q", got, tt.want)
			}
		})
	}

	t.Run("long command truncated", func(t *testing.T) {
		long := strings.Repeat("a", 500)
		call := models.ToolCall{Name: "shell", Input: json.RawMessage(`{"command":"` + long + `"}`)}
		got := buildPreview(call)
		if len([]rune(got)) > maxPreviewLength+3 {
			t.Errorf("preview length = %d", len(got))
		}
		if !strings.HasSuffix(got, "...") {
			t.Errorf("preview %q not truncated", got)
		}
	})
}
