package providers

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/agentblob/internal/runtime"
	"github.com/haasonsaas/agentblob/pkg/models"
)

func TestNewOpenAIProvider(t *testing.T) {
	if _, err := NewOpenAIProvider(OpenAIConfig{}); err == nil {
		t.Fatal("expected error for missing API key")
	}

	p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("NewOpenAIProvider() error = %v", err)
	}
	if p.maxRetries != 3 {
		t.Errorf("maxRetries = %d, want 3", p.maxRetries)
	}
	if p.retryDelay != time.Second {
		t.Errorf("retryDelay = %v, want 1s", p.retryDelay)
	}
	if p.defaultModel != "gpt-4o" {
		t.Errorf("defaultModel = %q, want gpt-4o", p.defaultModel)
	}

	p, err = NewOpenAIProvider(OpenAIConfig{
		APIKey:       "sk-test",
		BaseURL:      "https://proxy.example.com/v1",
		MaxRetries:   5,
		RetryDelay:   2 * time.Second,
		DefaultModel: "gpt-4o-mini",
	})
	if err != nil {
		t.Fatalf("NewOpenAIProvider() error = %v", err)
	}
	if p.maxRetries != 5 || p.retryDelay != 2*time.Second {
		t.Errorf("overrides not applied: retries=%d delay=%v", p.maxRetries, p.retryDelay)
	}
	if p.model("") != "gpt-4o-mini" {
		t.Errorf("model(\"\") = %q, want default", p.model(""))
	}
	if p.model("gpt-4-turbo") != "gpt-4-turbo" {
		t.Errorf("model() should pass explicit names through")
	}
}

func TestOpenAIProviderIdentity(t *testing.T) {
	p := &OpenAIProvider{}
	if got := p.Name(); got != "openai" {
		t.Errorf("Name() = %q, want openai", got)
	}
	if !p.SupportsTools() {
		t.Error("SupportsTools() = false, want true")
	}

	ids := make(map[string]bool)
	for _, m := range p.Models() {
		ids[m.ID] = true
		if m.ContextSize <= 0 {
			t.Errorf("model %s has invalid context size %d", m.ID, m.ContextSize)
		}
	}
	if !ids["gpt-4o"] {
		t.Error("Models() missing gpt-4o")
	}
}

func TestConvertChatMessages(t *testing.T) {
	messages := []runtime.CompletionMessage{
		{Role: "user", Content: "Summarize today's commits"},
		{
			Role: "assistant",
			ToolCalls: []models.ToolCall{
				{ID: "call_1", Name: "repo.log", Input: json.RawMessage(`{"limit":10}`)},
			},
		},
		{
			Role: "tool",
			ToolResults: []models.ToolResult{
				{ToolCallID: "call_1", Content: "3 commits"},
				{ToolCallID: "call_2", Content: "lint clean"},
			},
		},
	}

	got := convertChatMessages(messages, "You are a terse assistant.")

	// system + user + assistant + one message per tool result
	if len(got) != 5 {
		t.Fatalf("convertChatMessages() returned %d messages, want 5", len(got))
	}
	if got[0].Role != openai.ChatMessageRoleSystem || got[0].Content != "You are a terse assistant." {
		t.Errorf("first message should carry the system prompt, got %+v", got[0])
	}
	if got[1].Role != openai.ChatMessageRoleUser {
		t.Errorf("got[1].Role = %q, want user", got[1].Role)
	}
	if len(got[2].ToolCalls) != 1 {
		t.Fatalf("assistant message should carry 1 tool call, got %d", len(got[2].ToolCalls))
	}
	if got[2].ToolCalls[0].Function.Arguments != `{"limit":10}` {
		t.Errorf("tool call arguments = %q", got[2].ToolCalls[0].Function.Arguments)
	}
	for i, want := range []string{"call_1", "call_2"} {
		msg := got[3+i]
		if msg.Role != openai.ChatMessageRoleTool || msg.ToolCallID != want {
			t.Errorf("tool result %d = role %q id %q, want tool/%s", i, msg.Role, msg.ToolCallID, want)
		}
	}
}

func TestConvertChatMessages_NoSystem(t *testing.T) {
	got := convertChatMessages([]runtime.CompletionMessage{{Role: "user", Content: "hi"}}, "")
	if len(got) != 1 {
		t.Fatalf("expected 1 message without system prompt, got %d", len(got))
	}
	if got[0].Role != openai.ChatMessageRoleUser {
		t.Errorf("got[0].Role = %q, want user", got[0].Role)
	}
}

func TestConvertChatTools(t *testing.T) {
	specs := []runtime.ToolSpec{{
		Name:        "memory.search",
		Description: "Search stored memories",
		Schema:      json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}}}`),
	}}

	tools, err := convertChatTools(specs)
	if err != nil {
		t.Fatalf("convertChatTools() error = %v", err)
	}
	if len(tools) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(tools))
	}
	if tools[0].Type != openai.ToolTypeFunction {
		t.Errorf("tool type = %q, want function", tools[0].Type)
	}
	if tools[0].Function == nil || tools[0].Function.Name != "memory.search" {
		t.Errorf("function definition = %+v", tools[0].Function)
	}
}

func TestConvertChatTools_InvalidSchema(t *testing.T) {
	_, err := convertChatTools([]runtime.ToolSpec{{
		Name:   "bad_tool",
		Schema: json.RawMessage(`not valid json`),
	}})
	if err == nil {
		t.Fatal("expected error for invalid schema")
	}
}

func TestEmitToolCalls(t *testing.T) {
	pending := map[int]*pendingCall{
		1: {id: "call_b", name: "web.fetch"},
		0: {id: "call_a", name: "shell.run"},
	}
	pending[0].args.WriteString(`{"cmd":`)
	pending[0].args.WriteString(`"ls"}`)

	chunks := make(chan *runtime.CompletionChunk, 4)
	emitToolCalls(pending, chunks)
	close(chunks)

	var calls []*models.ToolCall
	for chunk := range chunks {
		calls = append(calls, chunk.ToolCall)
	}

	if len(calls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(calls))
	}
	if calls[0].ID != "call_a" || calls[1].ID != "call_b" {
		t.Errorf("calls not in index order: %s, %s", calls[0].ID, calls[1].ID)
	}
	if string(calls[0].Input) != `{"cmd":"ls"}` {
		t.Errorf("arguments not reassembled: %s", calls[0].Input)
	}
	if string(calls[1].Input) != "{}" {
		t.Errorf("missing arguments should become an empty object, got %s", calls[1].Input)
	}
	if len(pending) != 0 {
		t.Errorf("pending map should be cleared, has %d entries", len(pending))
	}
}

func TestEmitToolCalls_DropsIncompleteFragments(t *testing.T) {
	pending := map[int]*pendingCall{
		0: {id: "call_a"},      // name never arrived
		1: {name: "shell.run"}, // id never arrived
	}

	chunks := make(chan *runtime.CompletionChunk, 2)
	emitToolCalls(pending, chunks)

	if len(chunks) != 0 {
		t.Errorf("incomplete fragments should not be emitted, got %d chunks", len(chunks))
	}
	if len(pending) != 0 {
		t.Errorf("pending map should be cleared, has %d entries", len(pending))
	}
}

func TestOpenAIWrapError(t *testing.T) {
	p := &OpenAIProvider{}

	apiErr := &openai.APIError{
		HTTPStatusCode: 429,
		Message:        "rate limit exceeded",
		Code:           "rate_limit_error",
	}
	providerErr, ok := GetProviderError(p.wrapError(apiErr, "gpt-4o"))
	if !ok {
		t.Fatal("expected ProviderError for APIError")
	}
	if providerErr.Status != 429 {
		t.Errorf("Status = %d, want 429", providerErr.Status)
	}
	if providerErr.Reason != FailRateLimit {
		t.Errorf("Reason = %v, want %v", providerErr.Reason, FailRateLimit)
	}
	if providerErr.Code != "rate_limit_error" {
		t.Errorf("Code = %q, want rate_limit_error", providerErr.Code)
	}
	if providerErr.Message != "rate limit exceeded" {
		t.Errorf("Message = %q", providerErr.Message)
	}

	reqErr := &openai.RequestError{HTTPStatusCode: 503, Err: errors.New("upstream unavailable")}
	providerErr, ok = GetProviderError(p.wrapError(reqErr, "gpt-4o"))
	if !ok {
		t.Fatal("expected ProviderError for RequestError")
	}
	if providerErr.Status != 503 {
		t.Errorf("Status = %d, want 503", providerErr.Status)
	}
	if providerErr.Reason != FailServerError {
		t.Errorf("Reason = %v, want %v", providerErr.Reason, FailServerError)
	}
}

func TestOpenAIWrapError_NestedAPIError(t *testing.T) {
	p := &OpenAIProvider{}

	reqErr := &openai.RequestError{
		HTTPStatusCode: 400,
		Err: &openai.APIError{
			HTTPStatusCode: 400,
			Message:        "invalid model",
			Code:           "invalid_model",
		},
	}

	providerErr, ok := GetProviderError(p.wrapError(reqErr, "gpt-x"))
	if !ok {
		t.Fatal("expected ProviderError")
	}
	if providerErr.Message != "invalid model" {
		t.Errorf("Message = %q, want the nested API error message", providerErr.Message)
	}
	if providerErr.Code != "invalid_model" {
		t.Errorf("Code = %q, want invalid_model", providerErr.Code)
	}
	if providerErr.Reason != FailInvalidRequest {
		t.Errorf("Reason = %v, want %v", providerErr.Reason, FailInvalidRequest)
	}
}

func TestOpenAIWrapError_PassThrough(t *testing.T) {
	p := &OpenAIProvider{}

	if got := p.wrapError(nil, "gpt-4o"); got != nil {
		t.Errorf("wrapError(nil) = %v, want nil", got)
	}

	original := NewProviderError("openai", "gpt-4o", errors.New("boom")).WithStatus(429)
	if got := p.wrapError(original, "other-model"); got != original {
		t.Error("already-wrapped errors should be returned as-is")
	}
}
