package runtime

import (
	"context"
	"strings"
)

type systemPromptKey struct{}
type maxRoundsKey struct{}
type toolFilterKey struct{}
type inputRecordedKey struct{}

// MaxResponseTextSize is the maximum size of accumulated response text (1MB).
// This prevents memory exhaustion from malicious or buggy model responses.
const MaxResponseTextSize = 1 << 20 // 1MB

// MaxToolCallsPerRound is the maximum number of tool calls allowed in a single
// round. This prevents runaway loops where the model returns excessive calls.
const MaxToolCallsPerRound = 100

// WithSystemPrompt stores a run-scoped system prompt override in the context.
// Workers use this to replace the default persona for the child run.
func WithSystemPrompt(ctx context.Context, prompt string) context.Context {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return ctx
	}
	return context.WithValue(ctx, systemPromptKey{}, prompt)
}

func systemPromptFromContext(ctx context.Context) (string, bool) {
	value, ok := ctx.Value(systemPromptKey{}).(string)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	return value, true
}

// WithMaxRounds stores a run-scoped round limit override in the context.
func WithMaxRounds(ctx context.Context, rounds int) context.Context {
	if rounds <= 0 {
		return ctx
	}
	return context.WithValue(ctx, maxRoundsKey{}, rounds)
}

func maxRoundsFromContext(ctx context.Context) (int, bool) {
	value, ok := ctx.Value(maxRoundsKey{}).(int)
	if !ok || value <= 0 {
		return 0, false
	}
	return value, true
}

// WithToolFilter stores a run-scoped tool allowlist in the context. Tools
// outside the list are hidden from the model and rejected if called anyway.
func WithToolFilter(ctx context.Context, names []string) context.Context {
	if len(names) == 0 {
		return ctx
	}
	allowed := make(map[string]bool, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name != "" {
			allowed[name] = true
		}
	}
	if len(allowed) == 0 {
		return ctx
	}
	return context.WithValue(ctx, toolFilterKey{}, allowed)
}

func toolFilterFromContext(ctx context.Context) (map[string]bool, bool) {
	allowed, ok := ctx.Value(toolFilterKey{}).(map[string]bool)
	if !ok || len(allowed) == 0 {
		return nil, false
	}
	return allowed, true
}

// WithInputRecorded marks that run.input is already in the event log. The
// session queue records it at enqueue time so waiting runs are visible; the
// executor then skips its own copy when the run eventually starts.
func WithInputRecorded(ctx context.Context) context.Context {
	return context.WithValue(ctx, inputRecordedKey{}, true)
}

func inputRecordedFromContext(ctx context.Context) bool {
	recorded, ok := ctx.Value(inputRecordedKey{}).(bool)
	return ok && recorded
}
