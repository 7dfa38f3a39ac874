// Package memory implements the long-term memory service: a SQLite-backed
// item store with full-text and vector retrieval, LLM-based fact extraction,
// lazy embedding maintenance, and a small always-loaded pinned set.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/haasonsaas/agentblob/pkg/models"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// ErrNotFound is returned when an item ID does not exist.
var ErrNotFound = errors.New("memory item not found")

// Store persists memory items in SQLite. Full-text search uses an FTS5
// shadow table kept in sync by triggers; when FTS5 is unavailable the store
// degrades to LIKE scans.
type Store struct {
	db     *sql.DB
	fts    bool
	logger *slog.Logger
}

// OpenStore opens or creates the memory database at path.
func OpenStore(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	// SQLite allows a single writer; serialize access through one connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger.With("component", "memory")}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS memory_items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			fingerprint TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			context TEXT NOT NULL DEFAULT '',
			importance INTEGER NOT NULL DEFAULT 5,
			tags TEXT NOT NULL DEFAULT '[]',
			first_seen DATETIME NOT NULL,
			last_seen DATETIME NOT NULL,
			count INTEGER NOT NULL DEFAULT 1,
			last_run_id TEXT NOT NULL DEFAULT '',
			embedding BLOB,
			embedding_model TEXT NOT NULL DEFAULT '',
			embedding_status TEXT NOT NULL DEFAULT 'missing'
		)
	`)
	if err != nil {
		return fmt.Errorf("create memory_items table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_memory_items_last_seen ON memory_items(last_seen)",
		"CREATE INDEX IF NOT EXISTS idx_memory_items_type ON memory_items(type)",
		"CREATE INDEX IF NOT EXISTS idx_memory_items_embedding_status ON memory_items(embedding_status)",
	}
	for _, idx := range indexes {
		if _, err := s.db.Exec(idx); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	if err := s.initFTS(); err != nil {
		s.logger.Warn("fts5 unavailable, falling back to LIKE search", "error", err)
		s.fts = false
		return nil
	}
	s.fts = true
	return nil
}

func (s *Store) initFTS() error {
	_, err := s.db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts USING fts5(
			content, context, tags,
			content='memory_items', content_rowid='id'
		)
	`)
	if err != nil {
		return err
	}

	triggers := []string{
		`CREATE TRIGGER IF NOT EXISTS memory_items_ai AFTER INSERT ON memory_items BEGIN
			INSERT INTO memory_fts(rowid, content, context, tags)
			VALUES (new.id, new.content, new.context, new.tags);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memory_items_ad AFTER DELETE ON memory_items BEGIN
			INSERT INTO memory_fts(memory_fts, rowid, content, context, tags)
			VALUES ('delete', old.id, old.content, old.context, old.tags);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memory_items_au AFTER UPDATE ON memory_items BEGIN
			INSERT INTO memory_fts(memory_fts, rowid, content, context, tags)
			VALUES ('delete', old.id, old.content, old.context, old.tags);
			INSERT INTO memory_fts(rowid, content, context, tags)
			VALUES (new.id, new.content, new.context, new.tags);
		END`,
	}
	for _, trg := range triggers {
		if _, err := s.db.Exec(trg); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upserted reports the outcome of one UpsertMany input.
type Upserted struct {
	Item   models.MemoryItem
	Merged bool
}

// UpsertMany inserts items, merging any whose fingerprint already exists.
// Merging takes the max importance, unions tags, keeps the existing context
// when the new one is empty, and bumps count and last_seen.
func (s *Store) UpsertMany(ctx context.Context, items []models.MemoryItem, runID string) ([]Upserted, error) {
	if len(items) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin upsert: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	now := time.Now().UTC()
	results := make([]Upserted, 0, len(items))
	for _, item := range items {
		item.Content = CollapseContent(item.Content)
		if item.Content == "" {
			continue
		}
		item.Fingerprint = Fingerprint(item.Type, item.Content)
		item.LastRunID = runID

		existing, err := getByFingerprint(ctx, tx, item.Fingerprint)
		switch {
		case err == nil:
			merged := mergeItems(existing, item, now)
			if err := updateItem(ctx, tx, merged); err != nil {
				return nil, err
			}
			results = append(results, Upserted{Item: merged, Merged: true})
		case errors.Is(err, sql.ErrNoRows):
			item.FirstSeen = now
			item.LastSeen = now
			item.Count = 1
			item.EmbeddingStatus = models.EmbeddingMissing
			if len(item.Embedding) > 0 {
				item.EmbeddingStatus = models.EmbeddingFresh
			}
			inserted, err := insertItem(ctx, tx, item)
			if err != nil {
				return nil, err
			}
			results = append(results, Upserted{Item: inserted})
		default:
			return nil, fmt.Errorf("lookup fingerprint: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit upsert: %w", err)
	}
	return results, nil
}

// MergeInto folds a near-duplicate candidate into an existing item: the
// longer content wins, importance is the max, tags are unioned.
func (s *Store) MergeInto(ctx context.Context, id int64, candidate models.MemoryItem, runID string) (models.MemoryItem, error) {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return models.MemoryItem{}, err
	}

	now := time.Now().UTC()
	candidate.Content = CollapseContent(candidate.Content)
	merged := mergeItems(existing, candidate, now)
	merged.LastRunID = runID
	if len(candidate.Content) > len(existing.Content) {
		merged.Content = candidate.Content
		merged.Fingerprint = Fingerprint(merged.Type, merged.Content)
		merged.EmbeddingStatus = models.EmbeddingDirty
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.MemoryItem{}, fmt.Errorf("begin merge: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()
	if err := updateItem(ctx, tx, merged); err != nil {
		return models.MemoryItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.MemoryItem{}, fmt.Errorf("commit merge: %w", err)
	}
	return merged, nil
}

// LexicalHit is one BM25 candidate. Raw is SQLite's negated BM25 score
// (more negative = better); the LIKE fallback reports -1.
type LexicalHit struct {
	ID  int64
	Raw float64
}

// SearchBM25 returns full-text candidates for query. FTS5 syntax errors from
// operator-laden user text fall back to a LIKE scan.
func (s *Store) SearchBM25(ctx context.Context, query string, limit int) ([]LexicalHit, error) {
	if limit <= 0 {
		limit = 50
	}
	if query == "" {
		return nil, nil
	}

	if s.fts {
		rows, err := s.db.QueryContext(ctx, `
			SELECT rowid, bm25(memory_fts) AS score
			FROM memory_fts
			WHERE memory_fts MATCH ?
			ORDER BY score
			LIMIT ?
		`, query, limit)
		if err == nil {
			defer rows.Close()
			var hits []LexicalHit
			for rows.Next() {
				var h LexicalHit
				if err := rows.Scan(&h.ID, &h.Raw); err != nil {
					return nil, fmt.Errorf("scan bm25 hit: %w", err)
				}
				hits = append(hits, h)
			}
			return hits, rows.Err()
		}
		s.logger.Debug("fts query failed, using LIKE fallback", "error", err)
	}
	return s.searchLike(ctx, query, limit)
}

func (s *Store) searchLike(ctx context.Context, query string, limit int) ([]LexicalHit, error) {
	pattern := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM memory_items
		WHERE content LIKE ? OR context LIKE ?
		ORDER BY last_seen DESC
		LIMIT ?
	`, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("like search: %w", err)
	}
	defer rows.Close()

	var hits []LexicalHit
	for rows.Next() {
		var h LexicalHit
		if err := rows.Scan(&h.ID); err != nil {
			return nil, fmt.Errorf("scan like hit: %w", err)
		}
		h.Raw = -1
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// VectorHit is one cosine candidate.
type VectorHit struct {
	ID     int64
	Cosine float64
}

// VectorCandidates scans the most recently seen embedded rows and returns
// the topK by cosine similarity to queryEmbedding. The scan is bounded by
// scanLimit so recall cost stays independent of store size.
func (s *Store) VectorCandidates(ctx context.Context, queryEmbedding []float32, scanLimit, topK int) ([]VectorHit, error) {
	if len(queryEmbedding) == 0 || topK <= 0 {
		return nil, nil
	}
	if scanLimit <= 0 {
		scanLimit = 2000
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, embedding FROM memory_items
		WHERE embedding_status = ? AND embedding IS NOT NULL
		ORDER BY last_seen DESC
		LIMIT ?
	`, models.EmbeddingFresh, scanLimit)
	if err != nil {
		return nil, fmt.Errorf("vector scan: %w", err)
	}
	defer rows.Close()

	var hits []VectorHit
	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		sim := cosineSimilarity(queryEmbedding, decodeEmbedding(blob))
		if sim <= 0 {
			continue
		}
		hits = append(hits, VectorHit{ID: id, Cosine: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Cosine > hits[j].Cosine })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// PendingEmbeddings returns up to batchSize items whose embeddings are
// missing or stale, most recently seen first.
func (s *Store) PendingEmbeddings(ctx context.Context, batchSize int) ([]models.MemoryItem, error) {
	if batchSize <= 0 {
		batchSize = 16
	}
	rows, err := s.db.QueryContext(ctx, itemColumns+`
		FROM memory_items
		WHERE embedding_status IN (?, ?)
		ORDER BY last_seen DESC
		LIMIT ?
	`, models.EmbeddingMissing, models.EmbeddingDirty, batchSize)
	if err != nil {
		return nil, fmt.Errorf("pending embeddings: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// WriteEmbeddings stores vectors for the given item IDs and marks them fresh.
func (s *Store) WriteEmbeddings(ctx context.Context, model string, ids []int64, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids/vectors length mismatch: %d != %d", len(ids), len(vectors))
	}
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin embedding write: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE memory_items
		SET embedding = ?, embedding_model = ?, embedding_status = ?
		WHERE id = ?
	`)
	if err != nil {
		return fmt.Errorf("prepare embedding write: %w", err)
	}
	defer stmt.Close()

	for i, id := range ids {
		if _, err := stmt.ExecContext(ctx, encodeEmbedding(vectors[i]), model, models.EmbeddingFresh, id); err != nil {
			return fmt.Errorf("write embedding %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// Get returns one item by ID.
func (s *Store) Get(ctx context.Context, id int64) (models.MemoryItem, error) {
	row := s.db.QueryRowContext(ctx, itemColumns+" FROM memory_items WHERE id = ?", id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.MemoryItem{}, ErrNotFound
	}
	return item, err
}

// GetMany returns the items for a set of IDs, keyed by ID. Missing IDs are
// simply absent from the result.
func (s *Store) GetMany(ctx context.Context, ids []int64) (map[int64]models.MemoryItem, error) {
	out := make(map[int64]models.MemoryItem, len(ids))
	for _, id := range ids {
		item, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = item
	}
	return out, nil
}

// List returns items most recently seen first, optionally filtered by type.
func (s *Store) List(ctx context.Context, typeFilter models.MemoryType, limit, offset int) ([]models.MemoryItem, error) {
	if limit <= 0 {
		limit = 50
	}

	query := itemColumns + " FROM memory_items"
	args := []any{}
	if typeFilter != "" {
		query += " WHERE type = ?"
		args = append(args, typeFilter)
	}
	query += " ORDER BY last_seen DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// Delete removes items by ID and returns how many rows were deleted.
func (s *Store) Delete(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin delete: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	var total int64
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, "DELETE FROM memory_items WHERE id = ?", id)
		if err != nil {
			return total, fmt.Errorf("delete item %d: %w", id, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, tx.Commit()
}

// Count returns the total number of stored items.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memory_items").Scan(&n)
	return n, err
}

const itemColumns = `SELECT id, fingerprint, type, content, context, importance, tags,
	first_seen, last_seen, count, last_run_id, embedding, embedding_model, embedding_status`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (models.MemoryItem, error) {
	var item models.MemoryItem
	var tagsJSON string
	var blob []byte
	err := row.Scan(
		&item.ID,
		&item.Fingerprint,
		&item.Type,
		&item.Content,
		&item.Context,
		&item.Importance,
		&tagsJSON,
		&item.FirstSeen,
		&item.LastSeen,
		&item.Count,
		&item.LastRunID,
		&blob,
		&item.EmbeddingModel,
		&item.EmbeddingStatus,
	)
	if err != nil {
		return models.MemoryItem{}, err
	}
	if tagsJSON != "" {
		if err := json.Unmarshal([]byte(tagsJSON), &item.Tags); err != nil {
			return models.MemoryItem{}, fmt.Errorf("decode tags: %w", err)
		}
	}
	item.Embedding = decodeEmbedding(blob)
	return item, nil
}

func scanItems(rows *sql.Rows) ([]models.MemoryItem, error) {
	var items []models.MemoryItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func getByFingerprint(ctx context.Context, tx *sql.Tx, fingerprint string) (models.MemoryItem, error) {
	row := tx.QueryRowContext(ctx, itemColumns+" FROM memory_items WHERE fingerprint = ?", fingerprint)
	return scanItem(row)
}

func insertItem(ctx context.Context, tx *sql.Tx, item models.MemoryItem) (models.MemoryItem, error) {
	tags, err := json.Marshal(tagsOrEmpty(item.Tags))
	if err != nil {
		return models.MemoryItem{}, fmt.Errorf("encode tags: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO memory_items (
			fingerprint, type, content, context, importance, tags,
			first_seen, last_seen, count, last_run_id,
			embedding, embedding_model, embedding_status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		item.Fingerprint, item.Type, item.Content, item.Context, item.Importance, string(tags),
		item.FirstSeen, item.LastSeen, item.Count, item.LastRunID,
		encodeEmbedding(item.Embedding), item.EmbeddingModel, item.EmbeddingStatus,
	)
	if err != nil {
		return models.MemoryItem{}, fmt.Errorf("insert item: %w", err)
	}
	item.ID, err = res.LastInsertId()
	if err != nil {
		return models.MemoryItem{}, fmt.Errorf("insert item id: %w", err)
	}
	return item, nil
}

func updateItem(ctx context.Context, tx *sql.Tx, item models.MemoryItem) error {
	tags, err := json.Marshal(tagsOrEmpty(item.Tags))
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE memory_items SET
			fingerprint = ?, type = ?, content = ?, context = ?, importance = ?, tags = ?,
			last_seen = ?, count = ?, last_run_id = ?, embedding_status = ?
		WHERE id = ?
	`,
		item.Fingerprint, item.Type, item.Content, item.Context, item.Importance, string(tags),
		item.LastSeen, item.Count, item.LastRunID, item.EmbeddingStatus,
		item.ID,
	)
	if err != nil {
		return fmt.Errorf("update item %d: %w", item.ID, err)
	}
	return nil
}

// mergeItems folds candidate into existing for a fingerprint or near-dup hit.
func mergeItems(existing, candidate models.MemoryItem, now time.Time) models.MemoryItem {
	merged := existing
	if candidate.Importance > merged.Importance {
		merged.Importance = candidate.Importance
	}
	if merged.Context == "" && candidate.Context != "" {
		merged.Context = candidate.Context
	}
	merged.Tags = unionTags(existing.Tags, candidate.Tags)
	merged.Count++
	merged.LastSeen = now
	if candidate.LastRunID != "" {
		merged.LastRunID = candidate.LastRunID
	}
	return merged
}

func unionTags(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, t := range append(append([]string{}, a...), b...) {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func tagsOrEmpty(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
