package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/agentblob/pkg/models"
)

const (
	wsProtocolVersion = 2

	// replayBufferMax bounds events held while a connection catches up on
	// replay. A client that cannot drain this much is disconnected and can
	// reconnect with a fresher last_seq.
	replayBufferMax = 4096
)

// wsSession is one websocket connection. Until the connect handshake
// completes it accepts nothing else; afterwards it serves requests and
// receives the event fanout for its attached session.
type wsSession struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	id        string
	connected atomic.Bool
	subID     int

	mu        sync.Mutex
	attached  string
	buffering bool
	replayBuf []models.Event
}

func newWSSession(server *Server, conn *websocket.Conn) *wsSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsSession{
		server: server,
		conn:   conn,
		send:   make(chan []byte, 64),
		ctx:    ctx,
		cancel: cancel,
		id:     uuid.NewString(),
		subID:  -1,
	}
}

func (s *wsSession) run() {
	defer s.close()
	// Cancellation must unblock the blocking read.
	go func() {
		<-s.ctx.Done()
		_ = s.conn.Close()
	}()
	go s.writeLoop()
	s.readLoop()
}

// close tears the connection down. The send channel is never closed: the
// write loop exits on context cancellation, and late enqueues drop silently.
func (s *wsSession) close() {
	s.cancel()
	if s.subID >= 0 {
		s.server.bus.Unsubscribe(s.subID)
	}
	if s.connected.Load() {
		s.server.metrics.SessionDisconnected()
	}
	s.server.dropConn(s)
	_ = s.conn.Close()
}

func (s *wsSession) readLoop() {
	cfg := s.server.cfg.Gateway
	s.conn.SetReadLimit(cfg.MaxPayloadBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		frame, err := s.decodeFrame(data)
		if err != nil {
			s.sendError("", codeInvalidFrame, err.Error())
			continue
		}

		if !s.connected.Load() {
			if frame.Method != "connect" {
				s.sendError(frame.ID, codeHandshakeRequired, "first request must be connect")
				return
			}
			if err := validateMethodParams("connect", frame.Params); err != nil {
				s.sendError(frame.ID, codeInvalidParams, err.Error())
				return
			}
			if err := s.handleConnect(frame); err != nil {
				code := codeConnectFailed
				if err == errUnsupportedProtocol {
					code = codeUnsupportedProtocol
				}
				s.sendError(frame.ID, code, err.Error())
				return
			}
			continue
		}

		s.server.dispatch(s, frame)
	}
}

// writeLoop owns the socket's write side. It also pings on a schedule the
// read deadline depends on: the client's pong is what extends PongWait.
func (s *wsSession) writeLoop() {
	pingPeriod := s.server.cfg.Gateway.PongWait * 9 / 10
	if pingPeriod <= 0 {
		pingPeriod = 40 * time.Second
	}
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.server.cfg.Gateway.WriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.cancel()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.server.cfg.Gateway.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.cancel()
				return
			}
		}
	}
}

func (s *wsSession) decodeFrame(raw []byte) (*wsFrame, error) {
	var frame wsFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}
	if frame.Type == "" {
		frame.Type = "req"
	}
	if frame.Type != "req" {
		return nil, fmt.Errorf("unsupported frame type %q", frame.Type)
	}
	if frame.ID == "" {
		return nil, fmt.Errorf("id is required")
	}
	if frame.Method == "" {
		return nil, fmt.Errorf("method is required")
	}
	return &frame, nil
}

var errUnsupportedProtocol = fmt.Errorf("unsupported protocol version")

// handleConnect negotiates the handshake: hello response, gap-free replay
// when the client supplies last_seq, pending permission re-delivery, then
// live fanout.
func (s *wsSession) handleConnect(frame *wsFrame) error {
	var params wsConnectParams
	if len(frame.Params) > 0 {
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			return err
		}
	}
	if params.Protocol == 0 {
		params.Protocol = wsProtocolVersion
	}
	if params.Protocol != wsProtocolVersion {
		return errUnsupportedProtocol
	}
	if session := strings.TrimSpace(params.Session); session != "" {
		s.attach(session)
	}

	// Subscribe before acknowledging: once the client reads the hello,
	// every later append is guaranteed to reach it. Live events buffer
	// until the replay is flushed, so delivery stays in log order with no
	// gap and no overlap.
	s.mu.Lock()
	s.buffering = true
	s.mu.Unlock()
	subID, upTo := s.server.bus.Subscribe(s.sink)
	s.subID = subID

	if err := s.sendResponse(frame.ID, true, s.server.helloPayload(s), nil); err != nil {
		return err
	}
	s.connected.Store(true)
	s.server.metrics.SessionConnected()

	if params.LastSeq != nil {
		if err := s.replay(*params.LastSeq+1, upTo); err != nil {
			return err
		}
	}
	if err := s.flushBuffered(); err != nil {
		return err
	}

	// Re-deliver pending permissions in the same envelope shape as live
	// fanout. Seq stays zero: re-delivery is not a log record.
	for _, req := range s.server.pendingPermissions(s.attachedSession()) {
		payload, err := json.Marshal(req)
		if err != nil {
			continue
		}
		frame, err := eventFrame(models.Event{
			TS:        req.CreatedAt,
			Kind:      models.EventPermissionRequest,
			RunID:     req.RunID,
			SessionID: req.SessionID,
			Payload:   payload,
		})
		if err != nil {
			continue
		}
		if err := s.enqueueBlocking(frame); err != nil {
			return err
		}
	}

	go s.startTicking()
	s.server.logger.Info("client connected",
		"conn_id", s.id,
		"client", params.Client.ID,
		"session", s.attachedSession())
	return nil
}

// sink receives every appended event; it runs under the bus lock and never
// blocks. Events outside the connection's scope are dropped here.
func (s *wsSession) sink(ev models.Event) {
	if !s.wants(ev) {
		return
	}
	s.mu.Lock()
	if s.buffering {
		if len(s.replayBuf) >= replayBufferMax {
			s.mu.Unlock()
			s.cancel()
			return
		}
		s.replayBuf = append(s.replayBuf, ev)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	if err := s.enqueueEvent(ev); err != nil {
		// A client too slow for live fanout reconnects and replays.
		s.server.logger.Warn("client cannot keep up, closing",
			"conn_id", s.id, "seq", ev.Seq, "error", err)
		s.cancel()
	}
}

// wants applies origin-channel routing: any event attributed to a session
// goes only to connections attached to that session. Run-scoped kinds are
// dropped when unattributed; anything else without a session (maintenance
// memory events, schedule-fired status) goes to every connection.
func (s *wsSession) wants(ev models.Event) bool {
	if ev.SessionID != "" {
		return ev.SessionID == s.attachedSession()
	}
	return !ev.Kind.RunScoped()
}

// replay streams stored events in [fromSeq, upTo] to the client, blocking on
// the socket buffer as needed.
func (s *wsSession) replay(fromSeq, upTo int64) error {
	if fromSeq < 1 {
		fromSeq = 1
	}
	for fromSeq <= upTo {
		events, err := s.server.bus.Replay(s.ctx, fromSeq, 256)
		if err != nil {
			return fmt.Errorf("replay events: %w", err)
		}
		if len(events) == 0 {
			return nil
		}
		for _, ev := range events {
			if ev.Seq > upTo {
				return nil
			}
			if !s.wants(ev) {
				continue
			}
			frame, err := eventFrame(ev)
			if err != nil {
				continue
			}
			if err := s.enqueueBlocking(frame); err != nil {
				return err
			}
		}
		fromSeq = events[len(events)-1].Seq + 1
	}
	return nil
}

// flushBuffered drains events that arrived during replay, then switches the
// sink to live delivery. The lock is dropped while writing so fanout never
// stalls behind this connection's socket.
func (s *wsSession) flushBuffered() error {
	for {
		s.mu.Lock()
		if len(s.replayBuf) == 0 {
			s.buffering = false
			s.mu.Unlock()
			return nil
		}
		batch := s.replayBuf
		s.replayBuf = nil
		s.mu.Unlock()

		for _, ev := range batch {
			frame, err := eventFrame(ev)
			if err != nil {
				continue
			}
			if err := s.enqueueBlocking(frame); err != nil {
				return err
			}
		}
	}
}

func (s *wsSession) attach(session string) {
	s.mu.Lock()
	s.attached = session
	s.mu.Unlock()
}

func (s *wsSession) attachedSession() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

func (s *wsSession) sendResponse(id string, ok bool, payload any, wsErr *wsError) error {
	return s.enqueue(wsFrame{
		Type:    "res",
		ID:      id,
		OK:      &ok,
		Payload: payload,
		Error:   wsErr,
	})
}

func (s *wsSession) sendError(id, code, message string) {
	_ = s.sendResponse(id, false, nil, &wsError{Code: code, Message: message})
}

func (s *wsSession) enqueueEvent(ev models.Event) error {
	frame, err := eventFrame(ev)
	if err != nil {
		return err
	}
	return s.enqueue(frame)
}

// eventFrame wraps a log event for the wire. The frame seq mirrors the
// event's global log seq.
func eventFrame(ev models.Event) (wsFrame, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return wsFrame{}, err
	}
	seq := ev.Seq
	return wsFrame{
		Type:    "event",
		Event:   string(ev.Kind),
		Payload: json.RawMessage(payload),
		Seq:     &seq,
	}, nil
}

func (s *wsSession) enqueue(frame wsFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if int64(len(data)) > s.server.cfg.Gateway.MaxPayloadBytes {
		return fmt.Errorf("payload too large")
	}
	select {
	case s.send <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full")
	}
}

// enqueueBlocking waits for buffer room instead of failing; used for replay
// bursts where dropping would break seq continuity.
func (s *wsSession) enqueueBlocking(frame wsFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if int64(len(data)) > s.server.cfg.Gateway.MaxPayloadBytes {
		return fmt.Errorf("payload too large")
	}
	select {
	case s.send <- data:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s *wsSession) startTicking() {
	interval := s.server.cfg.Gateway.TickInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			_ = s.enqueue(wsFrame{
				Type:    "event",
				Event:   "tick",
				Payload: map[string]any{"timestamp": time.Now().UnixMilli()},
			})
		}
	}
}
