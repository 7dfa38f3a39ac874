package main

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// clientFrame mirrors the gateway wire envelope. The CLI speaks the protocol
// rather than importing server internals.
type clientFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *clientError    `json:"error,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
}

type clientError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *clientError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// gatewayClient is a websocket control-plane client. It performs the connect
// handshake on dial and then issues request frames, skipping interleaved
// event frames unless the caller reads them explicitly.
type gatewayClient struct {
	conn   *websocket.Conn
	nextID int
}

const clientReadTimeout = 30 * time.Second

// dialGateway connects and completes the handshake. session is optional; it
// attaches the connection for run-scoped event fanout.
func dialGateway(ctx context.Context, addr, session string) (*gatewayClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c := &gatewayClient{conn: conn}

	params := map[string]any{
		"protocol": 2,
		"client": map[string]any{
			"id":       "agentblob-cli",
			"version":  version,
			"platform": runtime.GOOS,
		},
	}
	if session != "" {
		params["session"] = session
	}
	if _, err := c.call(ctx, "connect", params, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	return c, nil
}

func (c *gatewayClient) close() {
	_ = c.conn.Close()
}

// request sends a request frame without waiting for its response. Callers
// that read the socket themselves match the returned id against res frames.
func (c *gatewayClient) request(method string, params any) (string, error) {
	c.nextID++
	id := strconv.Itoa(c.nextID)
	err := c.send(clientFrame{Type: "req", ID: id, Method: method, Params: params})
	return id, err
}

// call sends one request and waits for its response, decoding the payload
// into out when given. Event frames arriving in between are discarded.
func (c *gatewayClient) call(ctx context.Context, method string, params any, out any) (json.RawMessage, error) {
	id, err := c.request(method, params)
	if err != nil {
		return nil, err
	}
	for {
		frame, err := c.read(ctx)
		if err != nil {
			return nil, err
		}
		if frame.Type != "res" || frame.ID != id {
			continue
		}
		if frame.OK == nil || !*frame.OK {
			if frame.Error != nil {
				return nil, frame.Error
			}
			return nil, fmt.Errorf("%s failed", method)
		}
		if out != nil && len(frame.Payload) > 0 {
			if err := json.Unmarshal(frame.Payload, out); err != nil {
				return nil, fmt.Errorf("decode %s payload: %w", method, err)
			}
		}
		return frame.Payload, nil
	}
}

func (c *gatewayClient) send(frame clientFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// read returns the next frame, honoring ctx through the read deadline.
func (c *gatewayClient) read(ctx context.Context) (*clientFrame, error) {
	deadline := time.Now().Add(clientReadTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetReadDeadline(deadline)
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &frame, nil
}

// resolveWSURL turns --server or the configured host:port into the websocket
// endpoint URL.
func resolveWSURL(configPath, serverAddr string) (string, error) {
	addr := strings.TrimSpace(serverAddr)
	if addr == "" {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return "", fmt.Errorf("load config: %w", err)
		}
		host := cfg.Server.Host
		if strings.TrimSpace(host) == "" {
			host = "127.0.0.1"
		}
		addr = fmt.Sprintf("%s:%d", host, cfg.Server.Port)
	}
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return strings.TrimRight(addr, "/") + "/ws", nil
	}
	return "ws://" + strings.TrimRight(addr, "/") + "/ws", nil
}
