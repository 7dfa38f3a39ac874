package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/agentblob/pkg/models"
)

// Input limits guard against resource exhaustion from a misbehaving model.
const (
	maxToolNameLength = 256
	maxToolInputBytes = 1 << 20
)

// Registry holds the available tools with thread-safe registration and
// lookup. Execution validates input against the tool's schema first.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any existing tool with the same name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Execute validates the input and runs the named tool. Unknown tools and
// invalid input come back as IsError results so the model can recover.
func (r *Registry) Execute(ctx context.Context, name string, input json.RawMessage) (*models.ToolResult, error) {
	if len(name) > maxToolNameLength {
		return toolError(fmt.Sprintf("tool name exceeds %d characters", maxToolNameLength)), nil
	}
	if len(input) > maxToolInputBytes {
		return toolError(fmt.Sprintf("tool input exceeds %d bytes", maxToolInputBytes)), nil
	}

	tool, ok := r.Get(name)
	if !ok {
		return toolError("tool not found: " + name), nil
	}

	if err := validateInput(tool, input); err != nil {
		return toolError("invalid input for " + name + ": " + err.Error()), nil
	}

	return tool.Execute(ctx, input)
}

var schemaCache sync.Map

// validateInput checks input against the tool's JSON schema. A tool with no
// schema accepts anything.
func validateInput(tool Tool, input json.RawMessage) error {
	schema := tool.Schema()
	if len(schema) == 0 {
		return nil
	}

	compiled, err := compileSchema(schema)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(input, &decoded); err != nil {
		return fmt.Errorf("decode input: %w", err)
	}
	return compiled.Validate(decoded)
}

func compileSchema(schema json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}
