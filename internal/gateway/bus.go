package gateway

import (
	"context"
	"sync"

	"github.com/haasonsaas/agentblob/internal/eventlog"
	"github.com/haasonsaas/agentblob/internal/observability"
	"github.com/haasonsaas/agentblob/pkg/models"
)

// EventSink receives appended events. Sinks must not block: they run under
// the bus lock so fanout order always matches log order.
type EventSink func(models.Event)

// Bus tees every append through the durable event log and out to
// subscribers. Append and fanout happen under one lock, which is the ordering
// guarantee connected clients rely on.
type Bus struct {
	log     *eventlog.Log
	metrics *observability.Metrics

	mu     sync.Mutex
	subs   map[int]EventSink
	nextID int
}

// NewBus wraps an event log for fanout.
func NewBus(log *eventlog.Log, metrics *observability.Metrics) *Bus {
	return &Bus{
		log:     log,
		metrics: metrics,
		subs:    make(map[int]EventSink),
	}
}

// Append writes the event to the log and delivers it to every subscriber
// before returning.
func (b *Bus) Append(ctx context.Context, kind models.EventKind, runID, sessionID string, payload any) (models.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev, err := b.log.Append(ctx, kind, runID, sessionID, payload)
	if err != nil {
		return ev, err
	}
	b.metrics.EventAppended(string(kind))
	for _, sink := range b.subs {
		sink(ev)
	}
	return ev, nil
}

// Tail returns the most recent n events in order.
func (b *Bus) Tail(ctx context.Context, n int) ([]models.Event, error) {
	return b.log.Tail(ctx, n)
}

// Replay returns up to limit events with Seq >= fromSeq in order.
func (b *Bus) Replay(ctx context.Context, fromSeq int64, limit int) ([]models.Event, error) {
	return b.log.Replay(ctx, fromSeq, limit)
}

// LastSeq returns the newest assigned sequence number.
func (b *Bus) LastSeq() int64 {
	return b.log.LastSeq()
}

// Prune applies the log's archive retention policy.
func (b *Bus) Prune(ctx context.Context) (int, error) {
	return b.log.Prune(ctx)
}

// Subscribe registers a sink and returns its id plus the log seq at the
// moment of registration. Every event the sink sees afterwards has a greater
// seq, so callers can replay up to the returned seq without gaps or overlap.
func (b *Bus) Subscribe(sink EventSink) (int, int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sink
	return id, b.log.LastSeq()
}

// Unsubscribe removes a sink.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}
