package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/agentblob/internal/runtime"
	"github.com/haasonsaas/agentblob/pkg/models"
)

// OpenAIProvider implements runtime.LLMProvider for the Chat Completions
// API. Unlike the Anthropic stream, tool calls arrive as fragments spread
// across deltas and must be reassembled by index before they can be emitted.
// Safe for concurrent use; each Complete call owns an independent stream
// and goroutine.
type OpenAIProvider struct {
	client       *openai.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

var _ runtime.LLMProvider = (*OpenAIProvider)(nil)

// OpenAIConfig configures an OpenAIProvider. Only APIKey is required.
type OpenAIConfig struct {
	// APIKey is the OpenAI API authentication key (required).
	APIKey string

	// BaseURL overrides the default API base URL. Useful for proxies and
	// OpenAI-compatible endpoints.
	BaseURL string

	// MaxRetries caps retry attempts for transient failures. Default 3.
	MaxRetries int

	// RetryDelay is the base delay between attempts; the actual delay is
	// RetryDelay * 2^attempt. Default 1s.
	RetryDelay time.Duration

	// DefaultModel is used when a request doesn't name a model.
	DefaultModel string
}

// NewOpenAIProvider validates the configuration and builds the client.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientCfg),
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		defaultModel: cfg.DefaultModel,
	}, nil
}

// Name returns "openai".
func (p *OpenAIProvider) Name() string { return "openai" }

// Models lists the GPT models this provider accepts.
func (p *OpenAIProvider) Models() []runtime.Model {
	return []runtime.Model{
		{ID: "gpt-4o", Name: "GPT-4o", ContextSize: 128000},
		{ID: "gpt-4o-mini", Name: "GPT-4o mini", ContextSize: 128000},
		{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", ContextSize: 128000},
		{ID: "gpt-3.5-turbo", Name: "GPT-3.5 Turbo", ContextSize: 16385},
	}
}

// SupportsTools reports tool-use support. Always true for GPT models.
func (p *OpenAIProvider) SupportsTools() bool { return true }

// Complete opens a streaming completion and returns the chunk channel. The
// channel closes when the stream ends; stream-time failures arrive as a
// chunk with Error set. Stream creation is retried with exponential backoff
// for retryable errors.
func (p *OpenAIProvider) Complete(ctx context.Context, req *runtime.CompletionRequest) (<-chan *runtime.CompletionChunk, error) {
	chunks := make(chan *runtime.CompletionChunk)

	go func() {
		defer close(chunks)

		model := p.model(req.Model)

		var stream *openai.ChatCompletionStream
		var err error
		for attempt := 0; attempt <= p.maxRetries; attempt++ {
			stream, err = p.createChatStream(ctx, req, model)
			if err == nil {
				break
			}

			wrapped := p.wrapError(err, model)
			if !IsRetryable(wrapped) {
				chunks <- &runtime.CompletionChunk{Error: wrapped}
				return
			}
			if attempt < p.maxRetries {
				backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
				select {
				case <-ctx.Done():
					chunks <- &runtime.CompletionChunk{Error: ctx.Err()}
					return
				case <-time.After(backoff):
				}
			}
		}
		if err != nil {
			chunks <- &runtime.CompletionChunk{
				Error: fmt.Errorf("openai: max retries exceeded: %w", p.wrapError(err, model)),
			}
			return
		}

		p.processStream(stream, chunks, model)
	}()

	return chunks, nil
}

// createChatStream converts the request into Chat Completions params and
// starts the stream. Usage reporting is requested so the final chunk can
// carry token counts.
func (p *OpenAIProvider) createChatStream(ctx context.Context, req *runtime.CompletionRequest, model string) (*openai.ChatCompletionStream, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      convertChatMessages(req.Messages, req.System),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}

	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}

	if len(req.Tools) > 0 {
		tools, err := convertChatTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("openai: failed to convert tools: %w", err)
		}
		chatReq.Tools = tools
	}

	return p.client.CreateChatCompletionStream(ctx, chatReq)
}

// pendingCall accumulates one tool call while its fragments stream in. The
// ID and name arrive on the first delta for an index; argument JSON arrives
// piecewise after that.
type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

// processStream drains stream deltas into runtime chunks. Text deltas
// stream out immediately; tool calls are reassembled by index and emitted
// when the choice finishes with tool_calls or the stream ends.
func (p *OpenAIProvider) processStream(stream *openai.ChatCompletionStream, chunks chan<- *runtime.CompletionChunk, model string) {
	defer stream.Close()

	pending := make(map[int]*pendingCall)
	emptyEventCount := 0

	var inputTokens, outputTokens int

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			emitToolCalls(pending, chunks)
			chunks <- &runtime.CompletionChunk{
				Done:         true,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
			}
			return
		}
		if err != nil {
			chunks <- &runtime.CompletionChunk{Error: p.wrapError(err, model)}
			return
		}

		eventProcessed := false

		// With IncludeUsage set, the last data chunk carries usage and an
		// empty choices array.
		if response.Usage != nil {
			inputTokens = response.Usage.PromptTokens
			outputTokens = response.Usage.CompletionTokens
			eventProcessed = true
		}

		if len(response.Choices) > 0 {
			choice := response.Choices[0]

			if choice.Delta.Content != "" {
				chunks <- &runtime.CompletionChunk{Text: choice.Delta.Content}
				eventProcessed = true
			}

			for _, tc := range choice.Delta.ToolCalls {
				index := 0
				if tc.Index != nil {
					index = *tc.Index
				}
				call := pending[index]
				if call == nil {
					call = &pendingCall{}
					pending[index] = call
				}
				if tc.ID != "" {
					call.id = tc.ID
				}
				if tc.Function.Name != "" {
					call.name = tc.Function.Name
				}
				if tc.Function.Arguments != "" {
					call.args.WriteString(tc.Function.Arguments)
				}
				eventProcessed = true
			}

			if choice.FinishReason == openai.FinishReasonToolCalls {
				emitToolCalls(pending, chunks)
				eventProcessed = true
			}
		}

		if eventProcessed {
			emptyEventCount = 0
		} else {
			emptyEventCount++
			if emptyEventCount >= maxEmptyStreamEvents {
				chunks <- &runtime.CompletionChunk{
					Error: p.wrapError(
						fmt.Errorf("stream appears malformed: %d consecutive empty events", emptyEventCount),
						model,
					),
				}
				return
			}
		}
	}
}

// emitToolCalls flushes complete accumulated calls in index order and
// clears the map. Fragments that never received an ID or name are dropped.
func emitToolCalls(pending map[int]*pendingCall, chunks chan<- *runtime.CompletionChunk) {
	indices := make([]int, 0, len(pending))
	for index := range pending {
		indices = append(indices, index)
	}
	sort.Ints(indices)

	for _, index := range indices {
		call := pending[index]
		if call.id == "" || call.name == "" {
			continue
		}
		input := call.args.String()
		if input == "" {
			input = "{}"
		}
		chunks <- &runtime.CompletionChunk{ToolCall: &models.ToolCall{
			ID:    call.id,
			Name:  call.name,
			Input: json.RawMessage(input),
		}}
	}

	clear(pending)
}

// convertChatMessages maps runtime messages onto the Chat Completions
// format. The system prompt leads the array, assistant tool calls ride on
// the assistant message, and each tool result becomes its own tool-role
// message keyed by tool call ID.
func convertChatMessages(messages []runtime.CompletionMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case "assistant":
			converted := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, call := range msg.ToolCalls {
				converted.ToolCalls = append(converted.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: string(call.Input),
					},
				})
			}
			result = append(result, converted)

		case "tool":
			for _, toolResult := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    toolResult.Content,
					ToolCallID: toolResult.ToolCallID,
				})
			}

		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    msg.Role,
				Content: msg.Content,
			})
		}
	}

	return result
}

// convertChatTools maps tool specs onto Chat Completions function
// definitions.
func convertChatTools(specs []runtime.ToolSpec) ([]openai.Tool, error) {
	result := make([]openai.Tool, 0, len(specs))

	for _, spec := range specs {
		var schema map[string]any
		if err := json.Unmarshal(spec.Schema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", spec.Name, err)
		}

		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  schema,
			},
		})
	}

	return result, nil
}

func (p *OpenAIProvider) model(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

// wrapError converts SDK errors into ProviderError, pulling status, code,
// and message out of the API error when present. RequestError unwraps to
// the API error it carries, so that branch is checked first.
func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		providerErr := NewProviderError("openai", model, err)
		if apiErr.HTTPStatusCode != 0 {
			providerErr = providerErr.WithStatus(apiErr.HTTPStatusCode)
		}
		if apiErr.Message != "" {
			providerErr = providerErr.WithMessage(apiErr.Message)
		} else if providerErr.Message == "" {
			providerErr.Message = "openai request failed"
		}
		if code, ok := apiErr.Code.(string); ok && code != "" {
			providerErr = providerErr.WithCode(code)
		} else if apiErr.Type != "" {
			providerErr = providerErr.WithCode(apiErr.Type)
		}
		return providerErr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return NewProviderError("openai", model, err).WithStatus(reqErr.HTTPStatusCode)
	}

	return NewProviderError("openai", model, err)
}
