package policy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/agentblob/pkg/models"
)

// decidedRetention is how long resolved requests stay queryable so late
// duplicate responses can be dropped silently.
const decidedRetention = time.Hour

// ErrUnknownRequest is returned by Respond for an ID the broker never issued.
var ErrUnknownRequest = fmt.Errorf("unknown permission request")

// Broker tracks permission requests between the executor that raises them
// and the channel that answers them. The executor blocks on the decision
// channel a Request returns; Respond and expiry resolve it.
type Broker struct {
	mu      sync.Mutex
	engine  *Engine
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger
	pending map[string]*pendingRequest
}

type pendingRequest struct {
	req      models.PermissionRequest
	decision chan models.PermissionState
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithRequestTTL sets how long a request may stay pending.
func WithRequestTTL(ttl time.Duration) BrokerOption {
	return func(b *Broker) {
		if ttl > 0 {
			b.ttl = ttl
		}
	}
}

// WithBrokerLogger sets the logger.
func WithBrokerLogger(logger *slog.Logger) BrokerOption {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithBrokerNow sets the clock, used by tests.
func WithBrokerNow(now func() time.Time) BrokerOption {
	return func(b *Broker) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBroker creates a broker evaluating against engine.
func NewBroker(engine *Engine, opts ...BrokerOption) *Broker {
	b := &Broker{
		engine:  engine,
		ttl:     5 * time.Minute,
		now:     time.Now,
		logger:  slog.Default(),
		pending: make(map[string]*pendingRequest),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "policy")
	return b
}

// Check evaluates a tool invocation. Shell commands are reclassified to
// shell.write before matching when they contain write primitives. Returns
// the decision, the effective capability, and the matching reason.
func (b *Broker) Check(capability string, input json.RawMessage) (Decision, string, string) {
	effective := ReclassifyShell(capability, input)
	decision, reason := b.engine.Evaluate(effective)
	return decision, effective, reason
}

// Engine exposes the underlying rule engine for persisted decisions.
func (b *Broker) Engine() *Engine { return b.engine }

// Request registers a pending permission request and returns it alongside
// the channel that will carry the decision. The channel receives exactly one
// state: allowed, denied, or expired.
func (b *Broker) Request(req models.PermissionRequest) (models.PermissionRequest, <-chan models.PermissionState) {
	now := b.now().UTC()
	req.ID = newPermID()
	req.CreatedAt = now
	req.ExpiresAt = now.Add(b.ttl)
	req.State = models.PermissionPending

	p := &pendingRequest{
		req:      req,
		decision: make(chan models.PermissionState, 1),
	}

	b.mu.Lock()
	b.pending[req.ID] = p
	b.mu.Unlock()

	b.logger.Info("permission requested",
		"perm_id", req.ID, "run_id", req.RunID, "capability", req.Capability, "tool", req.Tool)
	return req, p.decision
}

// Respond resolves a pending request. The returned bool is true when this
// call decided the request; a repeat response for an already-decided ID is
// dropped silently and returns false.
func (b *Broker) Respond(id string, approve bool, decidedBy string) (models.PermissionRequest, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pending[id]
	if !ok {
		return models.PermissionRequest{}, false, ErrUnknownRequest
	}
	if p.req.State.Decided() {
		return p.req, false, nil
	}

	now := b.now().UTC()
	if now.After(p.req.ExpiresAt) {
		b.expireLocked(p, now)
		return p.req, false, nil
	}

	state := models.PermissionDenied
	if approve {
		state = models.PermissionAllowed
	}
	p.req.State = state
	p.req.DecidedBy = decidedBy
	p.req.DecidedAt = now
	p.decision <- state

	b.logger.Info("permission decided", "perm_id", id, "state", state, "decided_by", decidedBy)
	return p.req, true, nil
}

// Get returns a request by ID.
func (b *Broker) Get(id string) (models.PermissionRequest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[id]
	if !ok {
		return models.PermissionRequest{}, false
	}
	return p.req, true
}

// Pending returns still-open requests for a session, oldest first. An empty
// sessionID returns all pending requests. Used to re-emit requests when a
// channel reconnects.
func (b *Broker) Pending(sessionID string) []models.PermissionRequest {
	return b.pendingWhere(func(req models.PermissionRequest) bool {
		return sessionID == "" || req.SessionID == sessionID
	})
}

// PendingForRun returns still-open requests raised by a run, oldest first.
func (b *Broker) PendingForRun(runID string) []models.PermissionRequest {
	return b.pendingWhere(func(req models.PermissionRequest) bool {
		return req.RunID == runID
	})
}

func (b *Broker) pendingWhere(match func(models.PermissionRequest) bool) []models.PermissionRequest {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now().UTC()
	var out []models.PermissionRequest
	for _, p := range b.pending {
		if p.req.State != models.PermissionPending || now.After(p.req.ExpiresAt) {
			continue
		}
		if match(p.req) {
			out = append(out, p.req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ExpireOverdue resolves pending requests past their TTL as expired and
// returns them. Decided requests past the retention window are dropped.
func (b *Broker) ExpireOverdue() []models.PermissionRequest {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now().UTC()
	var expired []models.PermissionRequest
	for id, p := range b.pending {
		if p.req.State == models.PermissionPending && now.After(p.req.ExpiresAt) {
			b.expireLocked(p, now)
			expired = append(expired, p.req)
			continue
		}
		if p.req.State.Decided() && !p.req.DecidedAt.IsZero() && now.Sub(p.req.DecidedAt) > decidedRetention {
			delete(b.pending, id)
		}
	}
	return expired
}

// expireLocked marks a request expired and wakes its waiter. Callers must
// hold b.mu.
func (b *Broker) expireLocked(p *pendingRequest, now time.Time) {
	p.req.State = models.PermissionExpired
	p.req.DecidedAt = now
	p.decision <- models.PermissionExpired
	b.logger.Info("permission expired", "perm_id", p.req.ID, "run_id", p.req.RunID)
}

func newPermID() string {
	return "perm_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
