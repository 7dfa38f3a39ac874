package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/agentblob/internal/policy"
	"github.com/haasonsaas/agentblob/pkg/models"
)

// ShellTool runs shell commands in the workspace. The broker reclassifies its
// capability to shell.write when the command contains write primitives.
type ShellTool struct {
	resolver  Resolver
	timeout   time.Duration
	maxOutput int
}

// ShellConfig controls shell tool defaults.
type ShellConfig struct {
	Workspace      string
	DefaultTimeout time.Duration
	MaxOutputBytes int
}

// NewShellTool creates a shell tool scoped to the workspace.
func NewShellTool(cfg ShellConfig) *ShellTool {
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	maxOutput := cfg.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = 64000
	}
	return &ShellTool{
		resolver:  Resolver{Root: cfg.Workspace},
		timeout:   timeout,
		maxOutput: maxOutput,
	}
}

func (t *ShellTool) Name() string { return "shell" }

func (t *ShellTool) Description() string {
	return "Run a shell command in the workspace and return stdout, stderr, and the exit code."
}

func (t *ShellTool) Capability() string { return policy.CapabilityShellExec }

func (t *ShellTool) Schema() json.RawMessage {
	return marshalSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "Shell command to execute.",
			},
			"cwd": map[string]interface{}{
				"type":        "string",
				"description": "Working directory (relative to workspace).",
			},
			"env": map[string]interface{}{
				"type":        "object",
				"description": "Environment overrides (string values).",
			},
			"timeout_seconds": map[string]interface{}{
				"type":        "integer",
				"description": "Timeout in seconds (default: tool limit).",
				"minimum":     0,
			},
		},
		"required": []string{"command"},
	})
}

// shellResult is the JSON payload returned to the model.
type shellResult struct {
	Command    string `json:"command"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
	Truncated  bool   `json:"truncated,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (t *ShellTool) Execute(ctx context.Context, params json.RawMessage) (*models.ToolResult, error) {
	var input struct {
		Command        string            `json:"command"`
		Cwd            string            `json:"cwd"`
		Env            map[string]string `json:"env"`
		TimeoutSeconds int               `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	command := strings.TrimSpace(input.Command)
	if command == "" {
		return toolError("command is required"), nil
	}

	timeout := t.timeout
	if input.TimeoutSeconds > 0 {
		timeout = time.Duration(input.TimeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dir := ""
	if input.Cwd != "" {
		resolved, err := t.resolver.Resolve(input.Cwd)
		if err != nil {
			return toolError(err.Error()), nil
		}
		dir = resolved
	} else if resolved, err := t.resolver.Resolve("."); err == nil {
		dir = resolved
	}

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	if dir != "" {
		cmd.Dir = dir
	}
	if len(input.Env) > 0 {
		base := os.Environ()
		for k, v := range input.Env {
			base = append(base, k+"="+v)
		}
		cmd.Env = base
	}

	stdout := newLimitedBuffer(t.maxOutput)
	stderr := newLimitedBuffer(t.maxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()

	result := shellResult{
		Command:    command,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		ExitCode:   exitCode(runErr),
		DurationMS: time.Since(start).Milliseconds(),
		Truncated:  stdout.Truncated() || stderr.Truncated(),
	}
	if runErr != nil {
		result.Error = runErr.Error()
		if runCtx.Err() == context.DeadlineExceeded {
			result.Error = fmt.Sprintf("command timed out after %s", timeout)
		}
	}

	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return &models.ToolResult{Content: string(payload), IsError: runErr != nil}, nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

// limitedBuffer caps captured output so a chatty command cannot balloon the
// tool result.
type limitedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf) >= b.max {
		b.truncated = true
		return len(p), nil
	}
	remaining := b.max - len(b.buf)
	if len(p) > remaining {
		b.buf = append(b.buf, p[:remaining]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func (b *limitedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

func toolError(message string) *models.ToolResult {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return &models.ToolResult{Content: message, IsError: true}
	}
	return &models.ToolResult{Content: string(payload), IsError: true}
}

func marshalSchema(schema map[string]interface{}) json.RawMessage {
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}
