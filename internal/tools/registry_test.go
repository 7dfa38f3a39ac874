package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/haasonsaas/agentblob/pkg/models"
)

type stubTool struct {
	name    string
	schema  string
	execute func(ctx context.Context, input json.RawMessage) (*models.ToolResult, error)
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return "stub" }
func (s *stubTool) Capability() string  { return "stub.run" }

func (s *stubTool) Schema() json.RawMessage {
	if s.schema == "" {
		return nil
	}
	return json.RawMessage(s.schema)
}

func (s *stubTool) Execute(ctx context.Context, input json.RawMessage) (*models.ToolResult, error) {
	if s.execute != nil {
		return s.execute(ctx, input)
	}
	return &models.ToolResult{Content: "ok"}, nil
}

func TestRegistryExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	result, err := r.Execute(context.Background(), "missing", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.IsError {
		t.Fatalf("expected error result for unknown tool")
	}
	if !strings.Contains(result.Content, "tool not found") {
		t.Fatalf("unexpected content: %s", result.Content)
	}
}

func TestRegistryValidatesSchema(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{
		name: "typed",
		schema: `{
  "type": "object",
  "properties": {"count": {"type": "integer"}},
  "required": ["count"]
}`,
	})

	result, err := r.Execute(context.Background(), "typed", json.RawMessage(`{"count":"three"}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.IsError {
		t.Fatalf("expected validation failure")
	}
	if !strings.Contains(result.Content, "invalid input") {
		t.Fatalf("unexpected content: %s", result.Content)
	}

	result, err = r.Execute(context.Background(), "typed", json.RawMessage(`{"count":3}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected success: %s", result.Content)
	}
}

func TestRegistryNoSchemaAcceptsAnything(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{name: "loose"})

	result, err := r.Execute(context.Background(), "loose", json.RawMessage(`{"whatever":true}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected success: %s", result.Content)
	}
}

func TestRegistryRejectsOversizedInput(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{name: "big"})

	huge := json.RawMessage(`{"data":"` + strings.Repeat("x", maxToolInputBytes) + `"}`)
	result, err := r.Execute(context.Background(), "big", huge)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.IsError {
		t.Fatalf("expected error for oversized input")
	}
}

func TestRegistryListSorted(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{name: "zeta"})
	r.Register(&stubTool{name: "alpha"})
	r.Register(&stubTool{name: "mid"})

	list := r.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 tools, got %d", len(list))
	}
	for i, want := range []string{"alpha", "mid", "zeta"} {
		if list[i].Name() != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, list[i].Name())
		}
	}
}
