// Package gateway is the WS control plane: one durable event bus, a
// per-session run queue, and the method surface clients drive the agent
// through.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/agentblob/internal/config"
	"github.com/haasonsaas/agentblob/internal/memory"
	"github.com/haasonsaas/agentblob/internal/observability"
	"github.com/haasonsaas/agentblob/internal/policy"
	"github.com/haasonsaas/agentblob/internal/runtime"
	"github.com/haasonsaas/agentblob/internal/scheduler"
	"github.com/haasonsaas/agentblob/internal/workers"
	"github.com/haasonsaas/agentblob/pkg/models"
)

// defaultSession is the session runs attach to when a client never names one.
const defaultSession = "main"

// Deps carries everything the server composes. Memory and Scheduler may be
// nil when disabled in config; their methods answer unavailable.
type Deps struct {
	Config    *config.Config
	Bus       *Bus
	Queue     *SessionQueue
	Broker    *policy.Broker
	Memory    *memory.Service
	Scheduler *scheduler.Scheduler
	Workers   *workers.Manager
	Metrics   *observability.Metrics
	Logger    *slog.Logger
	Version   string
}

// Server is the gateway: it owns the WS endpoint, the metrics endpoint, and
// the background maintenance loop, and it launches scheduler runs into the
// session queue.
type Server struct {
	cfg       *config.Config
	bus       *Bus
	queue     *SessionQueue
	broker    *policy.Broker
	memory    *memory.Service
	scheduler *scheduler.Scheduler
	workers   *workers.Manager
	metrics   *observability.Metrics
	logger    *slog.Logger
	version   string

	methods  map[string]methodHandler
	upgrader websocket.Upgrader

	// baseCtx governs run execution so runs survive the connections that
	// submitted them. It is cancelled only at shutdown.
	baseCtx  context.Context
	baseStop context.CancelFunc

	httpServer    *http.Server
	metricsServer *http.Server
	startTime     time.Time

	mu    sync.Mutex
	conns map[string]*wsSession
	wg    sync.WaitGroup
}

// NewServer wires the gateway from its dependencies.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseCtx, baseStop := context.WithCancel(context.Background())
	srv := &Server{
		cfg:       deps.Config,
		bus:       deps.Bus,
		queue:     deps.Queue,
		broker:    deps.Broker,
		memory:    deps.Memory,
		scheduler: deps.Scheduler,
		workers:   deps.Workers,
		metrics:   deps.Metrics,
		logger:    logger.With("component", "gateway"),
		version:   deps.Version,
		baseCtx:   baseCtx,
		baseStop:  baseStop,
		startTime: time.Now(),
		conns:     make(map[string]*wsSession),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
	srv.registerMethods()
	return srv
}

// AttachScheduler wires the scheduler after construction; the scheduler
// needs the server as its launcher, so it cannot exist first. Must be called
// before Start.
func (srv *Server) AttachScheduler(s *scheduler.Scheduler) {
	srv.scheduler = s
}

// Start brings up the WS endpoint, the metrics endpoint, and the maintenance
// loop. It returns once both listeners are bound; serving continues until
// Shutdown.
func (srv *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", srv.cfg.Server.Host, srv.cfg.Server.Port)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.handleWS)
	mux.HandleFunc("/healthz", srv.handleHealthz)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	srv.httpServer = server
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.logger.Error("gateway server error", "error", err)
		}
	}()
	srv.logger.Info("gateway listening", "addr", addr)

	if srv.cfg.Server.MetricsPort > 0 {
		if err := srv.startMetricsServer(); err != nil {
			return err
		}
	}

	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()
		srv.maintenanceLoop(ctx)
	}()
	return nil
}

func (srv *Server) startMetricsServer() error {
	addr := fmt.Sprintf("%s:%d", srv.cfg.Server.Host, srv.cfg.Server.MetricsPort)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}
	srv.metricsServer = server
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.logger.Error("metrics server error", "error", err)
		}
	}()
	srv.logger.Info("metrics listening", "addr", addr)
	return nil
}

// Shutdown closes the listeners, disconnects clients, and cancels every
// in-flight run.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.logger.Info("gateway shutting down")
	if srv.httpServer != nil {
		if err := srv.httpServer.Shutdown(ctx); err != nil {
			srv.logger.Warn("gateway server shutdown error", "error", err)
		}
	}
	if srv.metricsServer != nil {
		if err := srv.metricsServer.Shutdown(ctx); err != nil {
			srv.logger.Warn("metrics server shutdown error", "error", err)
		}
	}

	srv.mu.Lock()
	sessions := make([]*wsSession, 0, len(srv.conns))
	for _, s := range srv.conns {
		sessions = append(sessions, s)
	}
	srv.mu.Unlock()
	for _, s := range sessions {
		s.cancel()
		_ = s.conn.Close()
	}

	srv.baseStop()

	done := make(chan struct{})
	go func() {
		srv.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (srv *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	s := newWSSession(srv, conn)
	srv.mu.Lock()
	srv.conns[s.id] = s
	srv.mu.Unlock()
	go s.run()
}

func (srv *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (srv *Server) dropConn(s *wsSession) {
	srv.mu.Lock()
	delete(srv.conns, s.id)
	srv.mu.Unlock()
}

func (srv *Server) connCount() int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return len(srv.conns)
}

// pendingPermissions returns open requests scoped to the session, or all
// open requests for an unattached connection.
func (srv *Server) pendingPermissions(session string) []models.PermissionRequest {
	return srv.broker.Pending(session)
}

// SubmitPrompt creates a user-origin run on the session and hands it to the
// queue. Execution binds to the server's base context, so the run outlives
// whatever surface submitted it.
func (srv *Server) SubmitPrompt(session, prompt string) (*models.Run, int, error) {
	run := models.NewRun(session, models.OriginUser, prompt)
	position, err := srv.queue.Submit(srv.baseCtx, run)
	if err != nil {
		return nil, 0, err
	}
	return run, position, nil
}

// Launch admits a scheduler-fired run into the session queue. Runs whose
// schedule names a worker type execute under that profile's persona, round
// cap, and tool allowlist.
func (srv *Server) Launch(_ context.Context, run *models.Run) error {
	runCtx := srv.baseCtx
	if run.ScheduleID != "" && srv.scheduler != nil && srv.workers != nil {
		if sched, ok := srv.scheduler.Get(run.ScheduleID); ok && sched.WorkerType != "" {
			profile, found := srv.workers.Registry().Get(sched.WorkerType)
			if !found {
				return fmt.Errorf("schedule %s names unknown worker type %q", sched.ID, sched.WorkerType)
			}
			runCtx = runtime.WithSystemPrompt(runCtx, profile.SystemPrompt)
			runCtx = runtime.WithMaxRounds(runCtx, profile.MaxRounds)
			runCtx = runtime.WithToolFilter(runCtx, profile.Tools)
		}
	}
	_, err := srv.queue.Submit(runCtx, run)
	return err
}

// RunActive reports whether a run is still queued or executing.
func (srv *Server) RunActive(runID string) bool {
	return srv.queue.RunActive(runID)
}

// maintenanceLoop runs periodic upkeep: embedding backfill, log pruning,
// permission expiry, and audit rotation.
func (srv *Server) maintenanceLoop(ctx context.Context) {
	interval := srv.cfg.Supervisor.MaintenanceInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			srv.maintain(ctx)
		}
	}
}

func (srv *Server) maintain(ctx context.Context) {
	if expired := srv.broker.ExpireOverdue(); len(expired) > 0 {
		srv.logger.Info("permission requests expired", "count", len(expired))
	}
	if pruned, err := srv.bus.Prune(ctx); err != nil {
		srv.logger.Warn("event log prune failed", "error", err)
	} else if pruned > 0 {
		srv.logger.Info("event log archives pruned", "count", pruned)
	}
	if srv.memory != nil {
		if n, err := srv.memory.EmbedPending(ctx); err != nil {
			srv.logger.Warn("embedding backfill failed", "error", err)
		} else if n > 0 {
			srv.logger.Debug("embeddings backfilled", "count", n)
		}
		if err := srv.memory.RotateAudit(); err != nil {
			srv.logger.Warn("memory audit rotation failed", "error", err)
		}
	}
}

// helloPayload is the connect response: protocol, identity, capabilities,
// connection policy, and a status snapshot.
func (srv *Server) helloPayload(s *wsSession) map[string]any {
	methods := make([]string, 0, len(srv.methods)+1)
	methods = append(methods, "connect")
	for name := range srv.methods {
		methods = append(methods, name)
	}
	sort.Strings(methods)

	return map[string]any{
		"protocol": wsProtocolVersion,
		"server": map[string]any{
			"id":      "agentblob",
			"version": srv.version,
		},
		"features": map[string]any{
			"methods": methods,
			"events":  eventKinds(),
		},
		"policy": map[string]any{
			"max_payload_bytes": srv.cfg.Gateway.MaxPayloadBytes,
			"queue_soft_cap":    srv.cfg.Gateway.QueueSoftCap,
			"tick_interval_ms":  srv.cfg.Gateway.TickInterval.Milliseconds(),
			"pong_wait_ms":      srv.cfg.Gateway.PongWait.Milliseconds(),
		},
		"snapshot": srv.statusPayload(),
	}
}

func (srv *Server) statusPayload() map[string]any {
	active := srv.queue.ActiveRuns()
	runViews := make([]map[string]any, 0, len(active))
	for _, run := range active {
		runViews = append(runViews, map[string]any{
			"run_id":     run.ID,
			"session_id": run.SessionID,
			"origin":     string(run.Origin),
			"status":     string(run.Status),
		})
	}

	status := map[string]any{
		"version":             srv.version,
		"uptime_ms":           time.Since(srv.startTime).Milliseconds(),
		"last_seq":            srv.bus.LastSeq(),
		"connections":         srv.connCount(),
		"active_runs":         runViews,
		"queue_depth":         srv.queue.Depth(),
		"pending_permissions": len(srv.broker.Pending("")),
	}
	if srv.scheduler != nil {
		status["schedules"] = len(srv.scheduler.List())
	}
	if srv.memory != nil {
		if count, err := srv.memory.Count(srv.baseCtx); err == nil {
			status["memory_items"] = count
		}
	}
	return status
}

func eventKinds() []string {
	kinds := []models.EventKind{
		models.EventRunInput,
		models.EventRunStatus,
		models.EventToolCall,
		models.EventToolResult,
		models.EventToken,
		models.EventPermissionRequest,
		models.EventPermissionResponse,
		models.EventRunFinal,
		models.EventMemoryAdded,
		models.EventMemoryModified,
		models.EventMemoryRemoved,
	}
	out := make([]string, len(kinds))
	for i, kind := range kinds {
		out[i] = string(kind)
	}
	return out
}
