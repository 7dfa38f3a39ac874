// Package tools defines the agent's executable tools and their registry.
// Every tool declares a capability name that the policy broker evaluates
// before the executor dispatches the call.
package tools

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/agentblob/pkg/models"
)

// Tool is a single executable capability exposed to the model.
type Tool interface {
	// Name returns the tool name for LLM function calling.
	Name() string

	// Description tells the model what the tool does.
	Description() string

	// Schema returns the JSON Schema for the tool's input.
	Schema() json.RawMessage

	// Capability returns the policy capability this tool exercises,
	// e.g. "shell.exec" or "fs.read".
	Capability() string

	// Execute runs the tool. Input has already been validated against
	// Schema. Tool-level failures are reported via IsError results, not
	// errors; an error return means the tool could not run at all.
	Execute(ctx context.Context, input json.RawMessage) (*models.ToolResult, error)
}
