package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/agentblob/internal/config"
	"github.com/haasonsaas/agentblob/pkg/models"
)

// EventSink receives memory mutation events for the event log and fanout.
type EventSink interface {
	Append(ctx context.Context, kind models.EventKind, runID, sessionID string, payload any) (models.Event, error)
}

// embedBackoffBase and embedBackoffMax bound the retry delay after embedding
// failures. Retrieval is never blocked; unembedded items just stay lexical.
const (
	embedBackoffBase = 30 * time.Second
	embedBackoffMax  = 30 * time.Minute
)

// Service ties the item store, extractor, embedder, and pinned set together
// behind the operations the rest of the system uses.
type Service struct {
	store     *Store
	pinned    *PinnedSet
	embedder  Embedder
	extractor *Extractor
	events    EventSink
	audit     *auditWriter
	cfg       config.MemoryConfig
	logger    *slog.Logger

	mu                sync.Mutex
	embedFailures     int
	embedBackoffUntil time.Time
	now               func() time.Time
}

// ServiceConfig wires a Service. Embedder, Extractor, and Events are
// optional; the service degrades to lexical-only retrieval and no extraction
// when they are absent.
type ServiceConfig struct {
	Store     *Store
	Pinned    *PinnedSet
	Embedder  Embedder
	Extractor *Extractor
	Events    EventSink
	AuditPath string
	Config    config.MemoryConfig
	Logger    *slog.Logger
	Now       func() time.Time
}

// NewService creates the memory service.
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:     cfg.Store,
		pinned:    cfg.Pinned,
		embedder:  cfg.Embedder,
		extractor: cfg.Extractor,
		events:    cfg.Events,
		audit:     newAuditWriter(cfg.AuditPath),
		cfg:       cfg.Config,
		logger:    logger.With("component", "memory"),
		now:       now,
	}
}

// Search runs hybrid retrieval: BM25 and vector candidates are unioned and
// scored with alpha*lexical + (1-alpha)*cosine + beta*recency. The vector leg
// is skipped when no embedder is configured or the query embedding fails.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]models.MemoryHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = s.cfg.Retrieval.Limit
	}
	candidateLimit := s.cfg.Embeddings.TopK
	if candidateLimit <= 0 {
		candidateLimit = 50
	}

	lexical, err := s.store.SearchBM25(ctx, query, candidateLimit)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	lexByID := make(map[int64]float64, len(lexical))
	for _, h := range lexical {
		lexByID[h.ID] = h.Raw
	}

	vecByID := make(map[int64]float64)
	if queryVec := s.embedQuery(ctx, query); queryVec != nil {
		vector, err := s.store.VectorCandidates(ctx, queryVec, s.cfg.Embeddings.ScanLimit, candidateLimit)
		if err != nil {
			return nil, fmt.Errorf("vector search: %w", err)
		}
		for _, h := range vector {
			vecByID[h.ID] = h.Cosine
		}
	}

	ids := make([]int64, 0, len(lexByID)+len(vecByID))
	for id := range lexByID {
		ids = append(ids, id)
	}
	for id := range vecByID {
		if _, dup := lexByID[id]; !dup {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	items, err := s.store.GetMany(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load candidates: %w", err)
	}

	now := s.now().UTC()
	hits := make([]models.MemoryHit, 0, len(items))
	for id, item := range items {
		lex := 0.0
		if raw, ok := lexByID[id]; ok {
			lex = bm25Norm(raw)
		}
		cos := vecByID[id]
		rec := s.recency(now, item.LastSeen)
		hits = append(hits, models.MemoryHit{
			Item:    item,
			Lexical: lex,
			Vector:  cos,
			Recency: rec,
			Score:   s.cfg.Retrieval.Alpha*lex + (1-s.cfg.Retrieval.Alpha)*cos + s.cfg.Retrieval.BetaRecency*rec,
		})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].Recency != hits[j].Recency {
			return hits[i].Recency > hits[j].Recency
		}
		return hits[i].Item.ID < hits[j].Item.ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// IngestTurn extracts durable memories from a completed exchange and
// consolidates them into the store. Extraction problems are logged and
// swallowed; only store failures surface as errors.
func (s *Service) IngestTurn(ctx context.Context, runID, sessionID, userText, assistantText string) (added, merged int, err error) {
	if s.extractor == nil {
		return 0, 0, nil
	}

	candidates, err := s.extractor.Extract(ctx, userText, assistantText)
	if err != nil {
		s.logger.Warn("memory extraction failed", "run_id", runID, "error", err)
		return 0, 0, nil
	}
	if len(candidates) == 0 {
		return 0, 0, nil
	}

	candidates = s.attachEmbeddings(ctx, candidates)

	threshold := s.cfg.Retrieval.SimilarityThreshold
	toUpsert := make([]models.MemoryItem, 0, len(candidates))
	for _, cand := range candidates {
		if len(cand.Embedding) == 0 || threshold <= 0 {
			toUpsert = append(toUpsert, cand)
			continue
		}
		nearest, err := s.store.VectorCandidates(ctx, cand.Embedding, s.cfg.Embeddings.ScanLimit, 1)
		if err != nil {
			return added, merged, fmt.Errorf("near-duplicate scan: %w", err)
		}
		fp := Fingerprint(cand.Type, CollapseContent(cand.Content))
		if len(nearest) > 0 && nearest[0].Cosine >= threshold {
			existing, err := s.store.Get(ctx, nearest[0].ID)
			if err == nil && existing.Fingerprint != fp {
				cand.LastRunID = runID
				item, err := s.store.MergeInto(ctx, existing.ID, cand, runID)
				if err != nil {
					return added, merged, fmt.Errorf("near-duplicate merge: %w", err)
				}
				merged++
				s.emit(ctx, models.EventMemoryModified, runID, sessionID, item)
				s.auditItem("merged", item, runID)
				continue
			}
		}
		toUpsert = append(toUpsert, cand)
	}

	results, err := s.store.UpsertMany(ctx, toUpsert, runID)
	if err != nil {
		return added, merged, fmt.Errorf("upsert memories: %w", err)
	}
	for _, r := range results {
		if r.Merged {
			merged++
			s.emit(ctx, models.EventMemoryModified, runID, sessionID, r.Item)
			s.auditItem("merged", r.Item, runID)
			continue
		}
		added++
		s.emit(ctx, models.EventMemoryAdded, runID, sessionID, r.Item)
		s.auditItem("added", r.Item, runID)
	}

	if added > 0 || merged > 0 {
		s.logger.Info("memory ingested", "run_id", runID, "added", added, "merged", merged)
	}
	return added, merged, nil
}

// Save stores one memory directly, bypassing extraction. Items whose
// fingerprint already exists are merged by the store. Used by the memory_save
// tool and the gateway. Events carry the originating run and session so
// fanout can scope them.
func (s *Service) Save(ctx context.Context, runID, sessionID string, item models.MemoryItem) (models.MemoryItem, bool, error) {
	item.Content = strings.TrimSpace(item.Content)
	if item.Content == "" {
		return models.MemoryItem{}, false, fmt.Errorf("memory content is required")
	}
	if !models.ValidMemoryType(item.Type) {
		item.Type = models.MemoryFact
	}
	if item.Importance <= 0 {
		item.Importance = s.cfg.ImportanceMin
	}
	if item.Importance > 10 {
		item.Importance = 10
	}

	items := s.attachEmbeddings(ctx, []models.MemoryItem{item})
	results, err := s.store.UpsertMany(ctx, items, runID)
	if err != nil {
		return models.MemoryItem{}, false, fmt.Errorf("save memory: %w", err)
	}
	if len(results) == 0 {
		return models.MemoryItem{}, false, fmt.Errorf("memory content is required")
	}

	r := results[0]
	if r.Merged {
		s.emit(ctx, models.EventMemoryModified, runID, sessionID, r.Item)
		s.auditItem("merged", r.Item, runID)
	} else {
		s.emit(ctx, models.EventMemoryAdded, runID, sessionID, r.Item)
		s.auditItem("added", r.Item, runID)
	}
	return r.Item, r.Merged, nil
}

// EmbedPending embeds one batch of missing or dirty items. Failures back off
// exponentially so a broken embedding endpoint cannot hot-loop the
// maintenance ticker.
func (s *Service) EmbedPending(ctx context.Context) (int, error) {
	if s.embedder == nil || !s.cfg.Embeddings.Enabled {
		return 0, nil
	}

	s.mu.Lock()
	if s.now().Before(s.embedBackoffUntil) {
		s.mu.Unlock()
		return 0, nil
	}
	s.mu.Unlock()

	items, err := s.store.PendingEmbeddings(ctx, s.cfg.Embeddings.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("pending embeddings: %w", err)
	}
	if len(items) == 0 {
		return 0, nil
	}

	texts := make([]string, len(items))
	ids := make([]int64, len(items))
	for i, item := range items {
		texts[i] = item.Content
		ids[i] = item.ID
	}

	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		s.noteEmbedFailure(err)
		return 0, nil
	}
	if err := s.store.WriteEmbeddings(ctx, s.embedder.Model(), ids, vectors); err != nil {
		return 0, fmt.Errorf("write embeddings: %w", err)
	}

	s.mu.Lock()
	s.embedFailures = 0
	s.embedBackoffUntil = time.Time{}
	s.mu.Unlock()

	s.logger.Debug("embedded pending memories", "count", len(items))
	return len(items), nil
}

// Delete removes items and emits memory.removed for each.
func (s *Service) Delete(ctx context.Context, ids []int64) (int64, error) {
	var removed int64
	for _, id := range ids {
		item, err := s.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return removed, err
		}
		n, err := s.store.Delete(ctx, []int64{id})
		if err != nil {
			return removed, err
		}
		if n == 0 {
			continue
		}
		removed += n
		s.emit(ctx, models.EventMemoryRemoved, "", "", map[string]any{"item_id": id})
		s.auditItem("removed", item, "")
	}
	return removed, nil
}

// Get returns one item by ID.
func (s *Service) Get(ctx context.Context, id int64) (models.MemoryItem, error) {
	return s.store.Get(ctx, id)
}

// List returns recent items, optionally filtered by type.
func (s *Service) List(ctx context.Context, typeFilter models.MemoryType, limit, offset int) ([]models.MemoryItem, error) {
	return s.store.List(ctx, typeFilter, limit, offset)
}

// Count returns the number of stored items.
func (s *Service) Count(ctx context.Context) (int64, error) {
	return s.store.Count(ctx)
}

// Pin adds a pinned note.
func (s *Service) Pin(text string) (bool, error) {
	if s.pinned == nil {
		return false, fmt.Errorf("pinned set not configured")
	}
	return s.pinned.Pin(text)
}

// Unpin removes a pinned note by text or 1-based index.
func (s *Service) Unpin(text string) (bool, error) {
	if s.pinned == nil {
		return false, fmt.Errorf("pinned set not configured")
	}
	return s.pinned.Unpin(text)
}

// Pinned lists the pinned notes.
func (s *Service) Pinned() []string {
	if s.pinned == nil {
		return nil
	}
	return s.pinned.Items()
}

// RotateAudit rolls the audit file when oversized. Called by maintenance.
func (s *Service) RotateAudit() error {
	return s.audit.rotate()
}

// Packet is the memory context assembled for a run's prompt.
type Packet struct {
	Pinned []string
	Hits   []models.MemoryHit
}

// BuildPacket gathers pinned notes plus top retrieval hits for query.
func (s *Service) BuildPacket(ctx context.Context, query string) (Packet, error) {
	p := Packet{Pinned: s.Pinned()}
	hits, err := s.Search(ctx, query, s.cfg.Retrieval.Limit)
	if err != nil {
		return p, err
	}
	p.Hits = hits
	return p, nil
}

// ContextBlock builds and renders the memory packet for query in one step.
func (s *Service) ContextBlock(ctx context.Context, query string) (string, error) {
	p, err := s.BuildPacket(ctx, query)
	if err != nil {
		return "", err
	}
	return p.PromptBlock(), nil
}

// PromptBlock renders the packet as a system-prompt section. Empty packets
// render as an empty string.
func (p Packet) PromptBlock() string {
	if len(p.Pinned) == 0 && len(p.Hits) == 0 {
		return ""
	}
	var b strings.Builder
	if len(p.Pinned) > 0 {
		b.WriteString("Pinned notes:\n")
		for _, item := range p.Pinned {
			b.WriteString("- ")
			b.WriteString(item)
			b.WriteString("\n")
		}
	}
	if len(p.Hits) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Relevant memories:\n")
		for _, h := range p.Hits {
			b.WriteString(fmt.Sprintf("- [%s] %s\n", h.Item.Type, h.Item.Content))
		}
	}
	return b.String()
}

// attachEmbeddings computes vectors for candidates in one batch so near-dup
// checks can run and inserts land already fresh. Failure degrades silently.
func (s *Service) attachEmbeddings(ctx context.Context, candidates []models.MemoryItem) []models.MemoryItem {
	if s.embedder == nil || !s.cfg.Embeddings.Enabled {
		return candidates
	}
	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.Content
	}
	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		s.noteEmbedFailure(err)
		return candidates
	}
	for i := range candidates {
		if i < len(vectors) {
			candidates[i].Embedding = vectors[i]
			candidates[i].EmbeddingModel = s.embedder.Model()
		}
	}
	return candidates
}

func (s *Service) embedQuery(ctx context.Context, query string) []float32 {
	if s.embedder == nil || !s.cfg.Embeddings.Enabled {
		return nil
	}
	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil || len(vectors) == 0 {
		s.logger.Warn("query embedding failed, lexical only", "error", err)
		return nil
	}
	return vectors[0]
}

func (s *Service) noteEmbedFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.embedFailures++
	delay := embedBackoffBase << (s.embedFailures - 1)
	if delay > embedBackoffMax || delay <= 0 {
		delay = embedBackoffMax
	}
	s.embedBackoffUntil = s.now().Add(delay)
	s.logger.Warn("embedding batch failed",
		"failures", s.embedFailures, "retry_in", delay, "error", err)
}

func (s *Service) emit(ctx context.Context, kind models.EventKind, runID, sessionID string, payload any) {
	if s.events == nil {
		return
	}
	if _, err := s.events.Append(ctx, kind, runID, sessionID, payload); err != nil {
		s.logger.Warn("memory event append failed", "kind", kind, "error", err)
	}
}

func (s *Service) auditItem(action string, item models.MemoryItem, runID string) {
	if err := s.audit.record(auditRecord{
		Action:      action,
		ItemID:      item.ID,
		Fingerprint: item.Fingerprint,
		RunID:       runID,
		Content:     item.Content,
	}); err != nil {
		s.logger.Warn("memory audit write failed", "error", err)
	}
}

// recency maps age to (0,1] with an exponential half-life curve.
func (s *Service) recency(now time.Time, lastSeen time.Time) float64 {
	if lastSeen.IsZero() {
		return 0
	}
	age := now.Sub(lastSeen)
	if age <= 0 {
		return 1
	}
	halfLife := s.cfg.Retrieval.HalfLife
	if halfLife <= 0 {
		halfLife = 168 * time.Hour
	}
	return math.Exp(-age.Hours() / halfLife.Hours())
}

// bm25Norm maps SQLite's negated BM25 score into [0,1), larger = better.
func bm25Norm(raw float64) float64 {
	s := -raw
	if s < 0 {
		s = 0
	}
	return s / (1 + s)
}
