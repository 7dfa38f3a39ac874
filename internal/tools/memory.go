package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/agentblob/pkg/models"
)

// MemoryService is the slice of the memory service the memory tools need.
type MemoryService interface {
	Search(ctx context.Context, query string, limit int) ([]models.MemoryHit, error)
	Save(ctx context.Context, runID, sessionID string, item models.MemoryItem) (models.MemoryItem, bool, error)
	Delete(ctx context.Context, ids []int64) (int64, error)
}

// MemorySearchTool searches long-term memory with hybrid retrieval.
type MemorySearchTool struct {
	service MemoryService
}

// NewMemorySearchTool creates a memory search tool.
func NewMemorySearchTool(service MemoryService) *MemorySearchTool {
	return &MemorySearchTool{service: service}
}

func (t *MemorySearchTool) Name() string { return "memory_search" }

func (t *MemorySearchTool) Description() string {
	return "Search long-term memory for facts, preferences, decisions, and routines."
}

func (t *MemorySearchTool) Capability() string { return "memory.read" }

func (t *MemorySearchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "query": {"type": "string", "description": "Search query"},
    "max_results": {"type": "integer", "description": "Max results to return", "minimum": 1}
  },
  "required": ["query"]
}`)
}

func (t *MemorySearchTool) Execute(ctx context.Context, params json.RawMessage) (*models.ToolResult, error) {
	var input struct {
		Query      string `json:"query"`
		MaxResults int    `json:"max_results"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	query := strings.TrimSpace(input.Query)
	if query == "" {
		return toolError("query is required"), nil
	}

	hits, err := t.service.Search(ctx, query, input.MaxResults)
	if err != nil {
		return toolError(fmt.Sprintf("search memory: %v", err)), nil
	}

	type resultItem struct {
		ID         int64             `json:"id"`
		Type       models.MemoryType `json:"type"`
		Content    string            `json:"content"`
		Importance int               `json:"importance"`
		Tags       []string          `json:"tags,omitempty"`
		Score      float64           `json:"score"`
	}
	results := make([]resultItem, 0, len(hits))
	for _, hit := range hits {
		results = append(results, resultItem{
			ID:         hit.Item.ID,
			Type:       hit.Item.Type,
			Content:    hit.Item.Content,
			Importance: hit.Item.Importance,
			Tags:       hit.Item.Tags,
			Score:      hit.Score,
		})
	}

	payload, err := json.MarshalIndent(map[string]interface{}{
		"query":   query,
		"results": results,
	}, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode results: %v", err)), nil
	}
	return &models.ToolResult{Content: string(payload)}, nil
}

// MemorySaveTool stores a memory directly, without waiting for turn-end
// extraction.
type MemorySaveTool struct {
	service MemoryService
}

// NewMemorySaveTool creates a memory save tool.
func NewMemorySaveTool(service MemoryService) *MemorySaveTool {
	return &MemorySaveTool{service: service}
}

func (t *MemorySaveTool) Name() string { return "memory_save" }

func (t *MemorySaveTool) Description() string {
	return "Save a durable fact, preference, decision, or routine to long-term memory."
}

func (t *MemorySaveTool) Capability() string { return "memory.write" }

func (t *MemorySaveTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "content": {"type": "string", "description": "The memory text, one self-contained statement"},
    "type": {"type": "string", "description": "fact, preference, decision, project, routine, or constraint"},
    "importance": {"type": "integer", "description": "1-10, how durable this is", "minimum": 1, "maximum": 10},
    "tags": {"type": "array", "items": {"type": "string"}, "description": "Short lowercase tags"}
  },
  "required": ["content"]
}`)
}

func (t *MemorySaveTool) Execute(ctx context.Context, params json.RawMessage) (*models.ToolResult, error) {
	var input struct {
		Content    string   `json:"content"`
		Type       string   `json:"type"`
		Importance int      `json:"importance"`
		Tags       []string `json:"tags"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.Content) == "" {
		return toolError("content is required"), nil
	}

	runID, sessionID := "", ""
	if info, ok := RunInfoFromContext(ctx); ok {
		runID = info.RunID
		sessionID = info.SessionID
	}

	item, merged, err := t.service.Save(ctx, runID, sessionID, models.MemoryItem{
		Type:       models.MemoryType(strings.ToLower(strings.TrimSpace(input.Type))),
		Content:    input.Content,
		Importance: input.Importance,
		Tags:       input.Tags,
	})
	if err != nil {
		return toolError(fmt.Sprintf("save memory: %v", err)), nil
	}

	status := "added"
	if merged {
		status = "merged"
	}
	payload, err := json.MarshalIndent(map[string]interface{}{
		"status":  status,
		"id":      item.ID,
		"type":    item.Type,
		"content": item.Content,
	}, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return &models.ToolResult{Content: string(payload)}, nil
}

// MemoryDeleteTool removes memories by ID. Its capability has no default
// policy rule, so invocations fall through to ask and require explicit
// approval.
type MemoryDeleteTool struct {
	service MemoryService
}

// NewMemoryDeleteTool creates a memory delete tool.
func NewMemoryDeleteTool(service MemoryService) *MemoryDeleteTool {
	return &MemoryDeleteTool{service: service}
}

func (t *MemoryDeleteTool) Name() string { return "memory_delete" }

func (t *MemoryDeleteTool) Description() string {
	return "Delete memories by ID. Only use when the user explicitly asks to forget something."
}

func (t *MemoryDeleteTool) Capability() string { return "memory.delete" }

func (t *MemoryDeleteTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "ids": {"type": "array", "items": {"type": "integer"}, "description": "Memory IDs to delete", "minItems": 1}
  },
  "required": ["ids"]
}`)
}

func (t *MemoryDeleteTool) Execute(ctx context.Context, params json.RawMessage) (*models.ToolResult, error) {
	var input struct {
		IDs []int64 `json:"ids"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if len(input.IDs) == 0 {
		return toolError("ids is required"), nil
	}

	removed, err := t.service.Delete(ctx, input.IDs)
	if err != nil {
		return toolError(fmt.Sprintf("delete memories: %v", err)), nil
	}

	payload, err := json.MarshalIndent(map[string]interface{}{
		"removed": removed,
	}, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return &models.ToolResult{Content: string(payload)}, nil
}
