package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/haasonsaas/agentblob/pkg/models"
)

// transcriptScanLimit bounds how far back Tail reads when rebuilding
// conversation context from the event log.
const transcriptScanLimit = 400

// defaultSystemPrompt is used when neither config nor a run override set one.
const defaultSystemPrompt = "You are Agent Blob, a persistent personal agent. " +
	"Be concise and direct. Use the available tools when a task needs them, " +
	"and say plainly when something failed or was not permitted."

// execute drives one run from queued to a terminal state.
func (e *Executor) execute(ctx context.Context, h *runHandle) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("run panicked",
				"run_id", h.run.ID, "panic", r, "stack", string(debug.Stack()))
			e.finalize(h, models.RunFailed, nil, fmt.Sprintf("internal error: %v", r), Usage{}, 0)
		}
	}()

	if !inputRecordedFromContext(ctx) {
		e.emit(ctx, models.EventRunInput, h.run.ID, h.run.SessionID, RunInputPayload{
			Prompt:     h.run.Prompt,
			Origin:     h.run.Origin,
			Depth:      h.run.Depth,
			ScheduleID: h.run.ScheduleID,
		})
	}

	if ctx.Err() != nil {
		e.finalize(h, models.RunStopped, nil, "", Usage{}, 0)
		return
	}
	if err := e.setStatus(ctx, h, models.RunRunning); err != nil {
		// A stop landing between the check above and here makes the
		// transition illegal; that is a stop, not a failure.
		e.mu.Lock()
		stopping := h.run.Status == models.RunStopping
		e.mu.Unlock()
		if stopping || ctx.Err() != nil {
			e.finalize(h, models.RunStopped, nil, "", Usage{}, 0)
			return
		}
		e.finalize(h, models.RunFailed, nil, err.Error(), Usage{}, 0)
		return
	}

	system := e.systemPrompt(ctx)
	if e.skills != nil {
		if block := e.skills.PromptBlock(); block != "" {
			system += "\n\n" + block
		}
	}
	if e.memory != nil {
		block, err := e.memory.ContextBlock(ctx, h.run.Prompt)
		switch {
		case err != nil:
			e.logger.Warn("memory context unavailable", "run_id", h.run.ID, "error", err)
		case block != "":
			system += "\n\n" + block
		}
	}

	messages := e.recentTranscript(ctx, h)
	messages = append(messages, CompletionMessage{Role: "user", Content: h.run.Prompt})
	specs := e.toolSpecs(ctx)

	maxRounds := e.cfg.MaxRounds
	if v, ok := maxRoundsFromContext(ctx); ok {
		maxRounds = v
	}

	var usage Usage
	var artifacts []string

	for round := 1; round <= maxRounds; round++ {
		req := &CompletionRequest{
			System:    system,
			Messages:  messages,
			Tools:     specs,
			MaxTokens: e.cfg.MaxTokens,
		}

		text, calls, turnUsage, err := e.streamTurn(ctx, h, req)
		usage.Add(turnUsage.InputTokens, turnUsage.OutputTokens)
		if err != nil {
			if ctx.Err() != nil {
				e.finalize(h, models.RunStopped, nil, "", usage, round)
				return
			}
			e.finalize(h, models.RunFailed, nil, err.Error(), usage, round)
			return
		}

		if len(calls) == 0 {
			e.finalize(h, models.RunDone, &models.RunResult{Summary: text, Artifacts: artifacts}, "", usage, round)
			return
		}

		messages = append(messages, CompletionMessage{Role: "assistant", Content: text, ToolCalls: calls})

		results := make([]models.ToolResult, 0, len(calls))
		for _, call := range calls {
			result, err := e.runToolCall(ctx, h, call)
			if err != nil {
				e.finalize(h, models.RunStopped, nil, "", usage, round)
				return
			}
			artifacts = appendArtifacts(artifacts, call, result)
			results = append(results, *result)
		}
		messages = append(messages, CompletionMessage{Role: "tool", ToolResults: results})
	}

	// Round budget exhausted with tools still pending. The run closes as
	// done with an explanatory summary; the event log holds the details.
	summary := fmt.Sprintf("Stopped after %d rounds without a final answer. "+
		"The run's tool activity is recorded in its events.", maxRounds)
	e.finalize(h, models.RunDone, &models.RunResult{Summary: summary, Artifacts: artifacts}, "", usage, maxRounds)
}

// streamTurn runs one provider completion under the turn deadline, emitting a
// token event per text chunk and collecting any tool calls.
func (e *Executor) streamTurn(ctx context.Context, h *runHandle, req *CompletionRequest) (string, []models.ToolCall, Usage, error) {
	var usage Usage

	tctx, cancel := context.WithTimeout(ctx, e.cfg.TurnTimeout)
	defer cancel()

	start := e.now()
	chunks, err := e.provider.Complete(tctx, req)
	if err != nil {
		e.metrics.RecordLLMRequest(e.provider.Name(), req.Model, "error", e.now().Sub(start).Seconds(), 0, 0)
		return "", nil, usage, fmt.Errorf("provider %s: %w", e.provider.Name(), err)
	}

	var text strings.Builder
	var calls []models.ToolCall

	record := func(status string) {
		e.metrics.RecordLLMRequest(e.provider.Name(), req.Model, status,
			e.now().Sub(start).Seconds(), usage.InputTokens, usage.OutputTokens)
	}

	for {
		select {
		case <-tctx.Done():
			if ctx.Err() != nil {
				return text.String(), calls, usage, ctx.Err()
			}
			record("error")
			return text.String(), calls, usage, fmt.Errorf("%w after %s", ErrTurnTimeout, e.cfg.TurnTimeout)

		case chunk, ok := <-chunks:
			if !ok {
				record("success")
				return text.String(), calls, usage, nil
			}
			if chunk.Error != nil {
				record("error")
				return text.String(), calls, usage, fmt.Errorf("provider %s: %w", e.provider.Name(), chunk.Error)
			}
			if chunk.Text != "" {
				if text.Len()+len(chunk.Text) > MaxResponseTextSize {
					record("error")
					return text.String(), calls, usage, fmt.Errorf("response text exceeded %d bytes", MaxResponseTextSize)
				}
				text.WriteString(chunk.Text)
				e.emit(ctx, models.EventToken, h.run.ID, h.run.SessionID, TokenPayload{Text: chunk.Text})
			}
			if chunk.ToolCall != nil {
				if len(calls) >= MaxToolCallsPerRound {
					record("error")
					return text.String(), calls, usage, fmt.Errorf("tool calls exceeded %d per round", MaxToolCallsPerRound)
				}
				calls = append(calls, *chunk.ToolCall)
			}
			if chunk.Done {
				usage.Add(chunk.InputTokens, chunk.OutputTokens)
			}
		}
	}
}

// systemPrompt resolves the effective system prompt for this run.
func (e *Executor) systemPrompt(ctx context.Context) string {
	if override, ok := systemPromptFromContext(ctx); ok {
		return override
	}
	if e.cfg.SystemPrompt != "" {
		return e.cfg.SystemPrompt
	}
	return defaultSystemPrompt
}

// toolSpecs lists the tools offered to the model, honoring the run's filter.
func (e *Executor) toolSpecs(ctx context.Context) []ToolSpec {
	if !e.provider.SupportsTools() {
		return nil
	}
	allowed, filtered := toolFilterFromContext(ctx)
	var specs []ToolSpec
	for _, tool := range e.registry.List() {
		if filtered && !allowed[tool.Name()] {
			continue
		}
		specs = append(specs, ToolSpec{
			Name:        tool.Name(),
			Description: tool.Description(),
			Schema:      tool.Schema(),
		})
	}
	return specs
}

// recentTranscript rebuilds the session's prior turns from the event log:
// each done run contributes its prompt and final summary as one user and
// assistant pair. Worker runs are excluded. Best effort; failures degrade to
// an empty history.
func (e *Executor) recentTranscript(ctx context.Context, h *runHandle) []CompletionMessage {
	turns := e.cfg.ContextTurns
	if turns <= 0 {
		return nil
	}
	events, err := e.events.Tail(ctx, transcriptScanLimit)
	if err != nil {
		e.logger.Warn("read transcript failed", "session_id", h.run.SessionID, "error", err)
		return nil
	}

	type turn struct {
		user      string
		assistant string
	}
	prompts := make(map[string]string)
	var history []turn
	for _, ev := range events {
		if ev.SessionID != h.run.SessionID || ev.RunID == h.run.ID {
			continue
		}
		switch ev.Kind {
		case models.EventRunInput:
			var p RunInputPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil || p.Origin == models.OriginWorker {
				continue
			}
			prompts[ev.RunID] = p.Prompt
		case models.EventRunFinal:
			var p RunFinalPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				continue
			}
			if p.Status != models.RunDone || p.Summary == "" {
				continue
			}
			prompt, ok := prompts[ev.RunID]
			if !ok || prompt == "" {
				continue
			}
			history = append(history, turn{user: prompt, assistant: p.Summary})
		}
	}

	if len(history) > turns {
		history = history[len(history)-turns:]
	}
	var messages []CompletionMessage
	for _, t := range history {
		messages = append(messages,
			CompletionMessage{Role: "user", Content: t.user},
			CompletionMessage{Role: "assistant", Content: t.assistant},
		)
	}
	return messages
}

// appendArtifacts records workspace paths produced by successful write tools
// so the run.final event can list them.
func appendArtifacts(artifacts []string, call models.ToolCall, result *models.ToolResult) []string {
	if result == nil || result.IsError || call.Name != "fs_write" {
		return artifacts
	}
	var payload struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal([]byte(result.Content), &payload); err != nil || payload.Path == "" {
		return artifacts
	}
	for _, existing := range artifacts {
		if existing == payload.Path {
			return artifacts
		}
	}
	return append(artifacts, payload.Path)
}
