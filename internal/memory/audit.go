package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// auditRotateBytes is the size at which the audit file is rolled to .1.
const auditRotateBytes = 4 << 20

// auditWriter appends one JSON line per memory mutation so the store's
// history survives event-log pruning. A single previous generation is kept.
type auditWriter struct {
	mu   sync.Mutex
	path string
}

type auditRecord struct {
	TS          time.Time `json:"ts"`
	Action      string    `json:"action"`
	ItemID      int64     `json:"item_id,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	RunID       string    `json:"run_id,omitempty"`
	Content     string    `json:"content,omitempty"`
}

func newAuditWriter(path string) *auditWriter {
	return &auditWriter{path: path}
}

func (w *auditWriter) record(rec auditRecord) error {
	if w == nil || w.path == "" {
		return nil
	}
	rec.TS = time.Now().UTC()

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

// rotate rolls the audit file to a .1 sibling once it outgrows the limit.
func (w *auditWriter) rotate() error {
	if w == nil || w.path == "" {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	info, err := os.Stat(w.path)
	if err != nil || info.Size() < auditRotateBytes {
		return nil
	}
	return os.Rename(w.path, w.path+".1")
}
