package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/haasonsaas/agentblob/internal/policy"
	"github.com/haasonsaas/agentblob/internal/tools"
	"github.com/haasonsaas/agentblob/pkg/models"
)

// maxPreviewLength bounds the human-facing preview on permission requests.
const maxPreviewLength = 160

// runToolCall takes one model-requested call through lookup, policy, and
// execution. Rejections come back as IsError results so the model can react;
// a non-nil error means the run was cancelled while the call was in flight.
func (e *Executor) runToolCall(ctx context.Context, h *runHandle, call models.ToolCall) (*models.ToolResult, error) {
	tool, ok := e.registry.Get(call.Name)
	if !ok {
		return e.rejectCall(ctx, h, call, "tool not found: "+call.Name), nil
	}
	if allowed, filtered := toolFilterFromContext(ctx); filtered && !allowed[call.Name] {
		return e.rejectCall(ctx, h, call, "tool not available: "+call.Name), nil
	}

	decision, capability, reason := e.broker.Check(tool.Capability(), call.Input)
	switch decision {
	case policy.DecisionDeny:
		return e.rejectCall(ctx, h, call, fmt.Sprintf("permission denied for %s: %s", capability, reason)), nil
	case policy.DecisionAsk:
		rejection, err := e.awaitPermission(ctx, h, call, capability, reason)
		if err != nil {
			return nil, err
		}
		if rejection != "" {
			return e.rejectCall(ctx, h, call, rejection), nil
		}
	}

	return e.dispatch(ctx, h, call, capability)
}

// rejectCall records a call that never dispatched. Only a tool.result event
// is emitted; tool.call marks actual execution.
func (e *Executor) rejectCall(ctx context.Context, h *runHandle, call models.ToolCall, msg string) *models.ToolResult {
	e.logger.Info("tool call rejected", "run_id", h.run.ID, "tool", call.Name, "reason", msg)
	e.emit(ctx, models.EventToolResult, h.run.ID, h.run.SessionID, ToolResultPayload{
		ToolCallID: call.ID,
		Name:       call.Name,
		Content:    msg,
		IsError:    true,
	})
	return &models.ToolResult{ToolCallID: call.ID, Content: msg, IsError: true}
}

// awaitPermission suspends the run on a pending permission request until a
// decision, expiry, or cancellation. Returns an empty string when the call
// may proceed, or the rejection text for the model. Expired requests emit no
// permission.response event; only decisions do.
func (e *Executor) awaitPermission(ctx context.Context, h *runHandle, call models.ToolCall, capability, reason string) (string, error) {
	req, decisionCh := e.broker.Request(models.PermissionRequest{
		RunID:      h.run.ID,
		SessionID:  h.run.SessionID,
		Tool:       call.Name,
		Capability: capability,
		Input:      call.Input,
		Preview:    buildPreview(call),
		Reason:     reason,
	})

	if err := e.setStatus(ctx, h, models.RunWaitingPermission); err != nil {
		e.broker.Respond(req.ID, false, "system")
		return "", err
	}
	e.emit(ctx, models.EventPermissionRequest, h.run.ID, h.run.SessionID, req)

	// Self-arm expiry so a run never hangs on a forgotten request, even
	// without the supervisor sweeping the broker. The grace lets a
	// last-moment response win over the local timer.
	timer := time.NewTimer(time.Until(req.ExpiresAt) + 50*time.Millisecond)
	defer timer.Stop()

	var state models.PermissionState
	select {
	case state = <-decisionCh:

	case <-ctx.Done():
		if decided, ok, err := e.broker.Respond(req.ID, false, "stop"); err == nil && ok {
			e.emit(context.Background(), models.EventPermissionResponse, h.run.ID, h.run.SessionID, PermissionResponsePayload{
				ID:         decided.ID,
				Capability: decided.Capability,
				State:      decided.State,
				DecidedBy:  decided.DecidedBy,
			})
			e.metrics.PermissionResolved(decided.Capability, string(decided.State))
		}
		return "", ctx.Err()

	case <-timer.C:
		e.broker.ExpireOverdue()
		select {
		case state = <-decisionCh:
		default:
			state = models.PermissionExpired
		}
	}

	if state.Decided() && state != models.PermissionExpired {
		decided, _ := e.broker.Get(req.ID)
		e.emit(ctx, models.EventPermissionResponse, h.run.ID, h.run.SessionID, PermissionResponsePayload{
			ID:         req.ID,
			Capability: capability,
			State:      state,
			DecidedBy:  decided.DecidedBy,
		})
	}
	e.metrics.PermissionResolved(capability, string(state))

	if err := e.setStatus(ctx, h, models.RunRunning); err != nil {
		return "", err
	}

	switch state {
	case models.PermissionAllowed:
		return "", nil
	case models.PermissionDenied:
		return fmt.Sprintf("permission denied for %s", capability), nil
	default:
		return fmt.Sprintf("permission request expired for %s", capability), nil
	}
}

// dispatch executes an approved call and records both sides of it.
func (e *Executor) dispatch(ctx context.Context, h *runHandle, call models.ToolCall, capability string) (*models.ToolResult, error) {
	e.emit(ctx, models.EventToolCall, h.run.ID, h.run.SessionID, ToolCallPayload{
		ToolCallID: call.ID,
		Name:       call.Name,
		Input:      call.Input,
		Capability: capability,
	})

	start := e.now()
	result, err := e.invokeTool(ctx, h, call)
	if err != nil {
		return nil, err
	}
	elapsed := e.now().Sub(start)

	if hits := detectSecrets(result.Content); len(hits) > 0 {
		e.logger.Warn("redacted secrets in tool result",
			"run_id", h.run.ID, "tool", call.Name, "patterns", hits)
	}
	result.Content = sanitizeToolResult(result.Content)

	status := "success"
	if result.IsError {
		status = "error"
	}
	e.metrics.RecordToolExecution(call.Name, status, elapsed.Seconds())
	e.emit(ctx, models.EventToolResult, h.run.ID, h.run.SessionID, ToolResultPayload{
		ToolCallID: call.ID,
		Name:       call.Name,
		Content:    result.Content,
		IsError:    result.IsError,
		DurationMS: elapsed.Milliseconds(),
	})
	return result, nil
}

// invokeTool runs one tool under its deadline with panic isolation. Timeouts
// and panics surface as IsError results; only parent cancellation returns an
// error.
func (e *Executor) invokeTool(ctx context.Context, h *runHandle, call models.ToolCall) (*models.ToolResult, error) {
	timeout := e.toolTimeout(call.Name)
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	tctx = tools.WithRunInfo(tctx, tools.RunInfo{
		RunID:     h.run.ID,
		SessionID: h.run.SessionID,
		Depth:     h.run.Depth,
	})

	type outcome struct {
		result *models.ToolResult
		err    error
	}
	resultCh := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("tool panicked",
					"tool", call.Name, "panic", r, "stack", string(debug.Stack()))
				panicErr := NewToolError(call.Name, fmt.Errorf("%w: %v", ErrToolPanic, r)).WithToolCallID(call.ID)
				resultCh <- outcome{err: panicErr}
			}
		}()
		result, err := e.registry.Execute(tctx, call.Name, call.Input)
		resultCh <- outcome{result: result, err: err}
	}()

	select {
	case out := <-resultCh:
		if out.err != nil {
			// Tool failures go back to the model, not up the loop.
			return &models.ToolResult{ToolCallID: call.ID, Content: "Error: " + out.err.Error(), IsError: true}, nil
		}
		result := out.result
		if result == nil {
			result = &models.ToolResult{}
		}
		result.ToolCallID = call.ID
		return result, nil

	case <-tctx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		toolErr := NewToolError(call.Name, ErrToolTimeout).
			WithToolCallID(call.ID).
			WithMessage(fmt.Sprintf("execution timed out after %s", timeout))
		e.logger.Warn("tool timed out", "tool", call.Name, "timeout", timeout, "error", toolErr)
		return &models.ToolResult{ToolCallID: call.ID, Content: "Error: " + toolErr.Message, IsError: true}, nil
	}
}

// buildPreview renders a short human-facing description of a tool call for
// the permission prompt.
func buildPreview(call models.ToolCall) string {
	var params struct {
		Command string `json:"command"`
		Path    string `json:"path"`
	}
	if err := json.Unmarshal(call.Input, &params); err == nil {
		if params.Command != "" {
			return truncatePreview(params.Command)
		}
		if params.Path != "" {
			return truncatePreview(call.Name + " " + params.Path)
		}
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, call.Input); err == nil && compact.Len() > 2 {
		return truncatePreview(call.Name + " " + compact.String())
	}
	return call.Name
}

func truncatePreview(s string) string {
	runes := []rune(s)
	if len(runes) <= maxPreviewLength {
		return s
	}
	return string(runes[:maxPreviewLength]) + "..."
}
