package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

type fakeRunner struct {
	lastReq  WorkerRequest
	envelope WorkerEnvelope
	err      error
	calls    int
}

func (f *fakeRunner) RunWorker(ctx context.Context, req WorkerRequest) (WorkerEnvelope, error) {
	f.calls++
	f.lastReq = req
	return f.envelope, f.err
}

func TestWorkerRunToolSpawnsChild(t *testing.T) {
	runner := &fakeRunner{envelope: WorkerEnvelope{
		RunID:   "run_child",
		Status:  "done",
		Summary: "briefing ready",
	}}
	tool := NewWorkerRunTool(runner, []string{"briefing", "quant", "dev"}, 2)

	ctx := WithRunInfo(context.Background(), RunInfo{RunID: "run_parent", SessionID: "sess-1", Depth: 0})
	params, _ := json.Marshal(map[string]interface{}{
		"worker_type": "briefing",
		"prompt":      "summarize overnight events",
	})
	result, err := tool.Execute(ctx, params)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected success: %s", result.Content)
	}
	if !strings.Contains(result.Content, "briefing ready") {
		t.Fatalf("expected summary in result: %s", result.Content)
	}

	if runner.lastReq.ParentRunID != "run_parent" {
		t.Fatalf("expected parent run id, got %q", runner.lastReq.ParentRunID)
	}
	if runner.lastReq.Depth != 1 {
		t.Fatalf("expected child depth 1, got %d", runner.lastReq.Depth)
	}
}

func TestWorkerRunToolDepthCap(t *testing.T) {
	runner := &fakeRunner{}
	tool := NewWorkerRunTool(runner, []string{"dev"}, 2)

	ctx := WithRunInfo(context.Background(), RunInfo{RunID: "run_deep", Depth: 2})
	params, _ := json.Marshal(map[string]interface{}{
		"worker_type": "dev",
		"prompt":      "go deeper",
	})
	result, err := tool.Execute(ctx, params)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.IsError {
		t.Fatalf("expected depth error")
	}
	if !strings.Contains(result.Content, "depth limit") {
		t.Fatalf("expected depth message: %s", result.Content)
	}
	if runner.calls != 0 {
		t.Fatalf("runner should not be called, got %d calls", runner.calls)
	}
}

func TestWorkerRunToolFailureEnvelope(t *testing.T) {
	runner := &fakeRunner{envelope: WorkerEnvelope{
		RunID:  "run_child",
		Status: "failed",
		Errors: []string{"provider unavailable"},
	}}
	tool := NewWorkerRunTool(runner, []string{"quant"}, 2)

	params, _ := json.Marshal(map[string]interface{}{
		"worker_type": "quant",
		"prompt":      "compute drawdown",
	})
	result, err := tool.Execute(context.Background(), params)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.IsError {
		t.Fatalf("expected error result for failed worker")
	}
	if !strings.Contains(result.Content, "provider unavailable") {
		t.Fatalf("expected error detail: %s", result.Content)
	}
}

func TestWorkerRunToolRequiresFields(t *testing.T) {
	tool := NewWorkerRunTool(&fakeRunner{}, []string{"dev"}, 2)
	for _, params := range []string{
		`{"prompt":"no type"}`,
		`{"worker_type":"dev"}`,
	} {
		result, err := tool.Execute(context.Background(), json.RawMessage(params))
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
		if !result.IsError {
			t.Fatalf("expected error for params %s", params)
		}
	}
}
