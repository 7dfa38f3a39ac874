package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/agentblob/internal/scheduler"
	"github.com/haasonsaas/agentblob/pkg/models"
)

// dispatch routes one request frame to its handler and writes the response.
// Params are schema-checked first so handlers only reject semantics.
func (srv *Server) dispatch(s *wsSession, frame *wsFrame) {
	handler, ok := srv.methods[frame.Method]
	if !ok {
		s.sendError(frame.ID, codeUnknownMethod, fmt.Sprintf("unknown method %q", frame.Method))
		return
	}
	if err := validateMethodParams(frame.Method, frame.Params); err != nil {
		s.sendError(frame.ID, codeInvalidParams, err.Error())
		return
	}
	payload, wsErr := handler(s, frame.Params)
	if wsErr != nil {
		s.sendError(frame.ID, wsErr.Code, wsErr.Message)
		return
	}
	_ = s.sendResponse(frame.ID, true, payload, nil)
}

type methodHandler func(s *wsSession, params json.RawMessage) (any, *wsError)

func (srv *Server) registerMethods() {
	srv.methods = map[string]methodHandler{
		"ping":               srv.handlePing,
		"status":             srv.handleStatus,
		"agent":              srv.handleAgent,
		"run.stop":           srv.handleRunStop,
		"permission.respond": srv.handlePermissionRespond,
		"memory.search":      srv.handleMemorySearch,
		"memory.list":        srv.handleMemoryList,
		"memory.delete":      srv.handleMemoryDelete,
		"memory.pin":         srv.handleMemoryPin,
		"memory.unpin":       srv.handleMemoryUnpin,
		"schedules.list":     srv.handleSchedulesList,
		"schedules.create":   srv.handleSchedulesCreate,
		"schedules.update":   srv.handleSchedulesUpdate,
		"schedules.delete":   srv.handleSchedulesDelete,
		"workers.list":       srv.handleWorkersList,
	}
}

func decodeParams[T any](raw json.RawMessage) (T, *wsError) {
	var params T
	if len(raw) == 0 {
		return params, nil
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return params, &wsError{Code: codeInvalidParams, Message: err.Error()}
	}
	return params, nil
}

func (srv *Server) handlePing(s *wsSession, _ json.RawMessage) (any, *wsError) {
	return map[string]any{"pong": true, "timestamp": time.Now().UnixMilli()}, nil
}

func (srv *Server) handleStatus(s *wsSession, _ json.RawMessage) (any, *wsError) {
	return srv.statusPayload(), nil
}

// handleAgent submits a prompt as a run on the session. Slash commands are
// intercepted before the executor sees them.
func (srv *Server) handleAgent(s *wsSession, raw json.RawMessage) (any, *wsError) {
	params, wsErr := decodeParams[wsAgentParams](raw)
	if wsErr != nil {
		return nil, wsErr
	}
	prompt := strings.TrimSpace(params.Prompt)
	if prompt == "" {
		return nil, &wsError{Code: codeInvalidParams, Message: "prompt is required"}
	}

	session := strings.TrimSpace(params.Session)
	if session != "" {
		s.attach(session)
	}
	session = s.attachedSession()
	if session == "" {
		session = defaultSession
		s.attach(session)
	}

	if strings.HasPrefix(prompt, "/") {
		return srv.runCommand(session, prompt)
	}

	run, position, err := srv.SubmitPrompt(session, prompt)
	if err != nil {
		if errors.Is(err, ErrQueueFull) {
			return nil, &wsError{Code: codeQueueFull, Message: "session queue is full"}
		}
		return nil, &wsError{Code: codeRequestFailed, Message: err.Error()}
	}
	if position > 0 {
		return map[string]any{
			"run_id":   run.ID,
			"status":   "queued",
			"queued":   true,
			"position": position,
		}, nil
	}
	return map[string]any{"run_id": run.ID, "status": "accepted"}, nil
}

func (srv *Server) handleRunStop(s *wsSession, raw json.RawMessage) (any, *wsError) {
	params, wsErr := decodeParams[wsRunStopParams](raw)
	if wsErr != nil {
		return nil, wsErr
	}
	runID := strings.TrimSpace(params.RunID)
	if runID == "" {
		runID = srv.resolveStopTarget(s.attachedSession())
	}
	if runID == "" {
		return nil, &wsError{Code: codeNotFound, Message: "no active run on this session"}
	}
	stopped := srv.queue.Stop(srv.baseCtx, runID)
	return map[string]any{"run_id": runID, "stopped": stopped}, nil
}

// resolveStopTarget picks the session's active run, falling back to the most
// recently queued one.
func (srv *Server) resolveStopTarget(session string) string {
	if session == "" {
		session = defaultSession
	}
	if runID, ok := srv.queue.ActiveRun(session); ok {
		return runID
	}
	if runID, ok := srv.queue.LatestQueued(session); ok {
		return runID
	}
	return ""
}

func (srv *Server) handlePermissionRespond(s *wsSession, raw json.RawMessage) (any, *wsError) {
	params, wsErr := decodeParams[wsPermissionRespondParams](raw)
	if wsErr != nil {
		return nil, wsErr
	}
	if params.ID == "" {
		return nil, &wsError{Code: codeInvalidParams, Message: "id is required"}
	}
	req, ok, err := srv.broker.Respond(params.ID, params.Approve, "gateway")
	if err != nil {
		return nil, &wsError{Code: codeNotFound, Message: err.Error()}
	}
	return map[string]any{
		"id":      req.ID,
		"state":   string(req.State),
		"applied": ok,
	}, nil
}

func (srv *Server) handleMemorySearch(s *wsSession, raw json.RawMessage) (any, *wsError) {
	if srv.memory == nil {
		return nil, &wsError{Code: codeUnavailable, Message: "memory is disabled"}
	}
	params, wsErr := decodeParams[wsMemorySearchParams](raw)
	if wsErr != nil {
		return nil, wsErr
	}
	if strings.TrimSpace(params.Query) == "" {
		return nil, &wsError{Code: codeInvalidParams, Message: "query is required"}
	}
	hits, err := srv.memory.Search(srv.baseCtx, params.Query, params.Limit)
	if err != nil {
		return nil, &wsError{Code: codeRequestFailed, Message: err.Error()}
	}
	return map[string]any{"hits": hits, "count": len(hits)}, nil
}

func (srv *Server) handleMemoryList(s *wsSession, raw json.RawMessage) (any, *wsError) {
	if srv.memory == nil {
		return nil, &wsError{Code: codeUnavailable, Message: "memory is disabled"}
	}
	params, wsErr := decodeParams[wsMemoryListParams](raw)
	if wsErr != nil {
		return nil, wsErr
	}
	typeFilter := models.MemoryType(strings.TrimSpace(params.Type))
	if typeFilter != "" && !models.ValidMemoryType(typeFilter) {
		return nil, &wsError{Code: codeInvalidParams, Message: fmt.Sprintf("unknown memory type %q", params.Type)}
	}
	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}
	items, err := srv.memory.List(srv.baseCtx, typeFilter, limit, params.Offset)
	if err != nil {
		return nil, &wsError{Code: codeRequestFailed, Message: err.Error()}
	}
	total, err := srv.memory.Count(srv.baseCtx)
	if err != nil {
		return nil, &wsError{Code: codeRequestFailed, Message: err.Error()}
	}
	return map[string]any{"items": items, "total": total, "pinned": srv.memory.Pinned()}, nil
}

func (srv *Server) handleMemoryDelete(s *wsSession, raw json.RawMessage) (any, *wsError) {
	if srv.memory == nil {
		return nil, &wsError{Code: codeUnavailable, Message: "memory is disabled"}
	}
	params, wsErr := decodeParams[wsMemoryDeleteParams](raw)
	if wsErr != nil {
		return nil, wsErr
	}
	if len(params.IDs) == 0 {
		return nil, &wsError{Code: codeInvalidParams, Message: "ids is required"}
	}
	deleted, err := srv.memory.Delete(srv.baseCtx, params.IDs)
	if err != nil {
		return nil, &wsError{Code: codeRequestFailed, Message: err.Error()}
	}
	return map[string]any{"deleted": deleted}, nil
}

func (srv *Server) handleMemoryPin(s *wsSession, raw json.RawMessage) (any, *wsError) {
	if srv.memory == nil {
		return nil, &wsError{Code: codeUnavailable, Message: "memory is disabled"}
	}
	params, wsErr := decodeParams[wsMemoryPinParams](raw)
	if wsErr != nil {
		return nil, wsErr
	}
	if strings.TrimSpace(params.Text) == "" {
		return nil, &wsError{Code: codeInvalidParams, Message: "text is required"}
	}
	added, err := srv.memory.Pin(params.Text)
	if err != nil {
		return nil, &wsError{Code: codeRequestFailed, Message: err.Error()}
	}
	return map[string]any{"added": added, "pinned": srv.memory.Pinned()}, nil
}

func (srv *Server) handleMemoryUnpin(s *wsSession, raw json.RawMessage) (any, *wsError) {
	if srv.memory == nil {
		return nil, &wsError{Code: codeUnavailable, Message: "memory is disabled"}
	}
	params, wsErr := decodeParams[wsMemoryPinParams](raw)
	if wsErr != nil {
		return nil, wsErr
	}
	if strings.TrimSpace(params.Text) == "" {
		return nil, &wsError{Code: codeInvalidParams, Message: "text is required"}
	}
	removed, err := srv.memory.Unpin(params.Text)
	if err != nil {
		return nil, &wsError{Code: codeRequestFailed, Message: err.Error()}
	}
	return map[string]any{"removed": removed, "pinned": srv.memory.Pinned()}, nil
}

func (srv *Server) handleSchedulesList(s *wsSession, _ json.RawMessage) (any, *wsError) {
	if srv.scheduler == nil {
		return nil, &wsError{Code: codeUnavailable, Message: "scheduler is disabled"}
	}
	schedules := srv.scheduler.List()
	views := make([]wsScheduleView, 0, len(schedules))
	for _, sched := range schedules {
		views = append(views, scheduleView(sched))
	}
	return map[string]any{"schedules": views}, nil
}

func (srv *Server) handleSchedulesCreate(s *wsSession, raw json.RawMessage) (any, *wsError) {
	if srv.scheduler == nil {
		return nil, &wsError{Code: codeUnavailable, Message: "scheduler is disabled"}
	}
	params, wsErr := decodeParams[wsScheduleParams](raw)
	if wsErr != nil {
		return nil, wsErr
	}
	var sched models.Schedule
	if err := applyScheduleParams(&sched, params); err != nil {
		return nil, &wsError{Code: codeInvalidParams, Message: err.Error()}
	}
	created, err := srv.scheduler.Create(sched)
	if err != nil {
		return nil, &wsError{Code: codeInvalidParams, Message: err.Error()}
	}
	return map[string]any{"schedule": scheduleView(created)}, nil
}

func (srv *Server) handleSchedulesUpdate(s *wsSession, raw json.RawMessage) (any, *wsError) {
	if srv.scheduler == nil {
		return nil, &wsError{Code: codeUnavailable, Message: "scheduler is disabled"}
	}
	params, wsErr := decodeParams[wsScheduleParams](raw)
	if wsErr != nil {
		return nil, wsErr
	}
	if params.ID == "" {
		return nil, &wsError{Code: codeInvalidParams, Message: "id is required"}
	}
	var applyErr error
	updated, err := srv.scheduler.Update(params.ID, func(sc *models.Schedule) {
		applyErr = applyScheduleParams(sc, params)
	})
	if applyErr != nil {
		return nil, &wsError{Code: codeInvalidParams, Message: applyErr.Error()}
	}
	if err != nil {
		if errors.Is(err, scheduler.ErrNotFound) {
			return nil, &wsError{Code: codeNotFound, Message: err.Error()}
		}
		return nil, &wsError{Code: codeInvalidParams, Message: err.Error()}
	}
	return map[string]any{"schedule": scheduleView(updated)}, nil
}

func (srv *Server) handleSchedulesDelete(s *wsSession, raw json.RawMessage) (any, *wsError) {
	if srv.scheduler == nil {
		return nil, &wsError{Code: codeUnavailable, Message: "scheduler is disabled"}
	}
	params, wsErr := decodeParams[wsScheduleDeleteParams](raw)
	if wsErr != nil {
		return nil, wsErr
	}
	if params.ID == "" {
		return nil, &wsError{Code: codeInvalidParams, Message: "id is required"}
	}
	if err := srv.scheduler.Delete(params.ID); err != nil {
		if errors.Is(err, scheduler.ErrNotFound) {
			return nil, &wsError{Code: codeNotFound, Message: err.Error()}
		}
		return nil, &wsError{Code: codeRequestFailed, Message: err.Error()}
	}
	return map[string]any{"deleted": true, "id": params.ID}, nil
}

func (srv *Server) handleWorkersList(s *wsSession, _ json.RawMessage) (any, *wsError) {
	if srv.workers == nil {
		return nil, &wsError{Code: codeUnavailable, Message: "workers are disabled"}
	}
	return map[string]any{
		"types":  srv.workers.Registry().List(),
		"recent": srv.workers.Recent(),
	}, nil
}

// applyScheduleParams copies set wire fields onto a schedule, parsing times
// and durations.
func applyScheduleParams(sched *models.Schedule, params wsScheduleParams) error {
	if params.Name != nil {
		sched.Name = *params.Name
	}
	if params.Kind != nil {
		sched.Kind = models.ScheduleKind(*params.Kind)
	}
	if params.At != nil {
		at, err := time.Parse(time.RFC3339, *params.At)
		if err != nil {
			return fmt.Errorf("invalid at time: %w", err)
		}
		sched.At = at
	}
	if params.Every != nil {
		every, err := time.ParseDuration(*params.Every)
		if err != nil {
			return fmt.Errorf("invalid every duration: %w", err)
		}
		sched.Every = every
	}
	if params.CronExpr != nil {
		sched.CronExpr = *params.CronExpr
	}
	if params.Timezone != nil {
		sched.Timezone = *params.Timezone
	}
	if params.Prompt != nil {
		sched.Prompt = *params.Prompt
	}
	if params.WorkerType != nil {
		sched.WorkerType = *params.WorkerType
	}
	if params.Enabled != nil {
		sched.Enabled = *params.Enabled
	}
	return nil
}

func scheduleView(sched models.Schedule) wsScheduleView {
	view := wsScheduleView{
		ID:         sched.ID,
		Name:       sched.Name,
		Kind:       string(sched.Kind),
		CronExpr:   sched.CronExpr,
		Timezone:   sched.Timezone,
		Prompt:     sched.Prompt,
		WorkerType: sched.WorkerType,
		Enabled:    sched.Enabled,
		LastRunID:  sched.LastRunID,
	}
	if !sched.At.IsZero() {
		view.At = sched.At.Format(time.RFC3339)
	}
	if sched.Every > 0 {
		view.Every = sched.Every.String()
	}
	if !sched.NextRunAt.IsZero() {
		view.NextRunAt = sched.NextRunAt.Format(time.RFC3339)
	}
	if !sched.LastRunAt.IsZero() {
		view.LastRunAt = sched.LastRunAt.Format(time.RFC3339)
	}
	return view
}

// ChatCommand runs a slash command on behalf of a channel adapter and
// returns the rendered text. handled is false when the prompt is not a
// command at all.
func (srv *Server) ChatCommand(session, prompt string) (text string, handled bool, err error) {
	prompt = strings.TrimSpace(prompt)
	if !strings.HasPrefix(prompt, "/") {
		return "", false, nil
	}
	payload, wsErr := srv.runCommand(session, prompt)
	if wsErr != nil {
		return "", true, errors.New(wsErr.Message)
	}
	if m, ok := payload.(map[string]any); ok {
		if s, ok := m["text"].(string); ok {
			return s, true, nil
		}
	}
	return "", true, nil
}

// runCommand handles slash commands typed into the agent prompt. Each maps
// onto the corresponding method and returns a human-readable text payload.
func (srv *Server) runCommand(session, prompt string) (any, *wsError) {
	fields := strings.Fields(prompt)
	command := strings.ToLower(fields[0])
	rest := strings.TrimSpace(strings.TrimPrefix(prompt, fields[0]))

	switch command {
	case "/help":
		return commandText(helpText()), nil

	case "/status":
		status := srv.statusPayload()
		data, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return nil, &wsError{Code: codeRequestFailed, Message: err.Error()}
		}
		return commandText(string(data)), nil

	case "/stop":
		runID := strings.TrimSpace(rest)
		if runID == "" {
			runID = srv.resolveStopTarget(session)
		}
		if runID == "" {
			return commandText("no active run to stop"), nil
		}
		if srv.queue.Stop(srv.baseCtx, runID) {
			return commandText("stopped " + runID), nil
		}
		return commandText("run " + runID + " is not active"), nil

	case "/memory":
		if srv.memory == nil {
			return nil, &wsError{Code: codeUnavailable, Message: "memory is disabled"}
		}
		if rest == "" {
			return nil, &wsError{Code: codeInvalidParams, Message: "usage: /memory <query>"}
		}
		hits, err := srv.memory.Search(srv.baseCtx, rest, 0)
		if err != nil {
			return nil, &wsError{Code: codeRequestFailed, Message: err.Error()}
		}
		if len(hits) == 0 {
			return commandText("no memories matched"), nil
		}
		var b strings.Builder
		for _, hit := range hits {
			fmt.Fprintf(&b, "[%d] (%s, score %.2f) %s\n", hit.Item.ID, hit.Item.Type, hit.Score, hit.Item.Content)
		}
		return commandText(strings.TrimRight(b.String(), "\n")), nil

	case "/schedules":
		if srv.scheduler == nil {
			return nil, &wsError{Code: codeUnavailable, Message: "scheduler is disabled"}
		}
		schedules := srv.scheduler.List()
		if len(schedules) == 0 {
			return commandText("no schedules"), nil
		}
		var b strings.Builder
		for _, sched := range schedules {
			state := "enabled"
			if !sched.Enabled {
				state = "disabled"
			}
			next := "-"
			if !sched.NextRunAt.IsZero() {
				next = sched.NextRunAt.Format(time.RFC3339)
			}
			fmt.Fprintf(&b, "%s  %-20s %-5s %s  next %s\n", sched.ID, sched.Name, sched.Kind, state, next)
		}
		return commandText(strings.TrimRight(b.String(), "\n")), nil

	default:
		return nil, &wsError{Code: codeInvalidParams, Message: fmt.Sprintf("unknown command %q, try /help", command)}
	}
}

func commandText(text string) map[string]any {
	return map[string]any{"command": true, "text": text}
}

func helpText() string {
	lines := []string{
		"/status            server status snapshot",
		"/stop [run_id]     stop the active or named run",
		"/memory <query>    search long-term memory",
		"/schedules         list schedules",
		"/help              this text",
	}
	return strings.Join(lines, "\n")
}
