package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/agentblob/pkg/models"
)

// WorkerRequest describes a child run to spawn on behalf of a parent run.
// The runner assigns the child its own worker session.
type WorkerRequest struct {
	ParentRunID string
	Depth       int
	WorkerType  string
	Prompt      string
	MaxRounds   int
}

// WorkerEnvelope is the result a worker run returns to its parent.
type WorkerEnvelope struct {
	RunID     string   `json:"run_id"`
	Status    string   `json:"status"`
	Summary   string   `json:"summary"`
	Artifacts []string `json:"artifacts,omitempty"`
	Errors    []string `json:"errors,omitempty"`
}

// WorkerRunner spawns a worker run and blocks until it finishes.
type WorkerRunner interface {
	RunWorker(ctx context.Context, req WorkerRequest) (WorkerEnvelope, error)
}

// WorkerRunTool delegates a task to a typed background worker. Depth is
// capped so workers cannot recurse unboundedly.
type WorkerRunTool struct {
	runner   WorkerRunner
	types    []string
	maxDepth int
}

// NewWorkerRunTool creates a worker_run tool.
func NewWorkerRunTool(runner WorkerRunner, types []string, maxDepth int) *WorkerRunTool {
	if maxDepth <= 0 {
		maxDepth = 2
	}
	return &WorkerRunTool{runner: runner, types: types, maxDepth: maxDepth}
}

func (t *WorkerRunTool) Name() string { return "worker_run" }

func (t *WorkerRunTool) Description() string {
	return fmt.Sprintf("Delegate a task to a background worker (%s) and wait for its result.", strings.Join(t.types, ", "))
}

func (t *WorkerRunTool) Capability() string { return "workers.run" }

func (t *WorkerRunTool) Schema() json.RawMessage {
	return marshalSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"worker_type": map[string]interface{}{
				"type":        "string",
				"description": "Worker type: " + strings.Join(t.types, ", ") + ".",
			},
			"prompt": map[string]interface{}{
				"type":        "string",
				"description": "Task for the worker to complete.",
			},
			"max_rounds": map[string]interface{}{
				"type":        "integer",
				"description": "Round cap for the worker run (default: worker limit).",
				"minimum":     1,
			},
		},
		"required": []string{"worker_type", "prompt"},
	})
}

func (t *WorkerRunTool) Execute(ctx context.Context, params json.RawMessage) (*models.ToolResult, error) {
	if t.runner == nil {
		return toolError("worker runner unavailable"), nil
	}
	var input struct {
		WorkerType string `json:"worker_type"`
		Prompt     string `json:"prompt"`
		MaxRounds  int    `json:"max_rounds"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.WorkerType) == "" {
		return toolError("worker_type is required"), nil
	}
	if strings.TrimSpace(input.Prompt) == "" {
		return toolError("prompt is required"), nil
	}

	info, _ := RunInfoFromContext(ctx)
	if info.Depth+1 > t.maxDepth {
		return toolError(fmt.Sprintf("worker depth limit reached (max %d)", t.maxDepth)), nil
	}

	envelope, err := t.runner.RunWorker(ctx, WorkerRequest{
		ParentRunID: info.RunID,
		Depth:       info.Depth + 1,
		WorkerType:  strings.TrimSpace(input.WorkerType),
		Prompt:      input.Prompt,
		MaxRounds:   input.MaxRounds,
	})
	if err != nil {
		return toolError(fmt.Sprintf("run worker: %v", err)), nil
	}

	payload, merr := json.MarshalIndent(envelope, "", "  ")
	if merr != nil {
		return toolError(fmt.Sprintf("encode result: %v", merr)), nil
	}
	return &models.ToolResult{Content: string(payload), IsError: len(envelope.Errors) > 0}, nil
}
