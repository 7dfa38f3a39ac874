package providers

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/haasonsaas/agentblob/internal/runtime"
	"github.com/haasonsaas/agentblob/pkg/models"
)

func TestNewAnthropicProvider(t *testing.T) {
	if _, err := NewAnthropicProvider(AnthropicConfig{}); err == nil {
		t.Fatal("expected error for missing API key")
	}

	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "sk-ant-test"})
	if err != nil {
		t.Fatalf("NewAnthropicProvider() error = %v", err)
	}
	if p.maxRetries != 3 {
		t.Errorf("maxRetries = %d, want 3", p.maxRetries)
	}
	if p.retryDelay != time.Second {
		t.Errorf("retryDelay = %v, want 1s", p.retryDelay)
	}
	if p.model("") == "" {
		t.Error("expected a default model")
	}
	if p.model("claude-3-5-haiku-20241022") != "claude-3-5-haiku-20241022" {
		t.Error("model() should pass explicit names through")
	}
}

func TestAnthropicProviderIdentity(t *testing.T) {
	p := &AnthropicProvider{}
	if got := p.Name(); got != "anthropic" {
		t.Errorf("Name() = %q, want anthropic", got)
	}
	if !p.SupportsTools() {
		t.Error("SupportsTools() = false, want true")
	}
	if len(p.Models()) == 0 {
		t.Error("Models() returned empty list")
	}
}

func TestConvertMessages(t *testing.T) {
	messages := []runtime.CompletionMessage{
		{Role: "system", Content: "carried via params, not messages"},
		{Role: "user", Content: "hello"},
		{
			Role:    "assistant",
			Content: "checking",
			ToolCalls: []models.ToolCall{
				{ID: "t1", Name: "shell.run", Input: json.RawMessage(`{"cmd":"ls"}`)},
			},
		},
		{
			Role:        "tool",
			ToolResults: []models.ToolResult{{ToolCallID: "t1", Content: "ok"}},
		},
	}

	got, err := convertMessages(messages)
	if err != nil {
		t.Fatalf("convertMessages() error = %v", err)
	}

	// The system message is dropped here; tool results ride a user message.
	if len(got) != 3 {
		t.Fatalf("convertMessages() returned %d messages, want 3", len(got))
	}
	wantRoles := []anthropic.MessageParamRole{
		anthropic.MessageParamRoleUser,
		anthropic.MessageParamRoleAssistant,
		anthropic.MessageParamRoleUser,
	}
	for i, want := range wantRoles {
		if got[i].Role != want {
			t.Errorf("message %d role = %q, want %q", i, got[i].Role, want)
		}
	}
	if len(got[1].Content) != 2 {
		t.Errorf("assistant message should carry text + tool_use blocks, got %d", len(got[1].Content))
	}
}

func TestConvertMessages_SkipsEmpty(t *testing.T) {
	got, err := convertMessages([]runtime.CompletionMessage{
		{Role: "user", Content: ""},
		{Role: "user", Content: "real"},
	})
	if err != nil {
		t.Fatalf("convertMessages() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("contentless messages should be dropped, got %d", len(got))
	}
}

func TestConvertMessages_InvalidToolInput(t *testing.T) {
	_, err := convertMessages([]runtime.CompletionMessage{{
		Role:      "assistant",
		ToolCalls: []models.ToolCall{{ID: "t1", Name: "x", Input: json.RawMessage(`{`)}},
	}})
	if err == nil {
		t.Fatal("expected error for invalid tool call input")
	}
}

func TestConvertTools(t *testing.T) {
	specs := []runtime.ToolSpec{{
		Name:        "memory.search",
		Description: "Search stored memories",
		Schema:      json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}}}`),
	}}

	got, err := convertTools(specs)
	if err != nil {
		t.Fatalf("convertTools() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(got))
	}
	if got[0].OfTool == nil {
		t.Fatal("expected a tool param")
	}
	if got[0].OfTool.Name != "memory.search" {
		t.Errorf("tool name = %q, want memory.search", got[0].OfTool.Name)
	}
}

func TestConvertTools_InvalidSchema(t *testing.T) {
	_, err := convertTools([]runtime.ToolSpec{{Name: "bad", Schema: json.RawMessage(`nope`)}})
	if err == nil {
		t.Fatal("expected error for invalid schema")
	}
}
