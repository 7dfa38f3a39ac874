package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/agentblob/pkg/models"
)

const indexFileName = "index.json"

// archiveRecord describes one rotated file in the archive index.
type archiveRecord struct {
	File      string    `json:"file"`
	FirstSeq  int64     `json:"first_seq"`
	LastSeq   int64     `json:"last_seq"`
	RotatedAt time.Time `json:"rotated_at"`
	SizeBytes int64     `json:"size_bytes"`
}

// rotateLocked moves the active file into archives/ and starts a fresh one.
// Callers must hold l.mu.
func (l *Log) rotateLocked() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close active log: %w", err)
	}

	ts := l.now().UTC()
	name := fmt.Sprintf("events_%s.jsonl", ts.Format("20060102T150405.000"))
	dst := filepath.Join(l.archiveDir(), name)
	if err := os.Rename(l.activePath(), dst); err != nil {
		return fmt.Errorf("rotate event log: %w", err)
	}

	rec := archiveRecord{File: name, RotatedAt: ts, SizeBytes: l.size}
	rec.FirstSeq, rec.LastSeq = seqRange(dst)
	if err := l.appendIndex(rec); err != nil {
		l.logger.Warn("event log index update failed", "error", err)
	}

	file, err := os.OpenFile(l.activePath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open fresh event log: %w", err)
	}
	l.file = file
	l.size = 0

	l.logger.Info("event log rotated", "archive", name, "first_seq", rec.FirstSeq, "last_seq", rec.LastSeq)
	return nil
}

// Prune removes archives older than the retention window and, after that,
// the oldest archives beyond the file-count limit. The active file is never
// touched. Returns the number of files removed.
func (l *Log) Prune(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	records, err := l.loadIndex()
	if err != nil {
		return 0, err
	}

	cutoff := l.now().UTC().AddDate(0, 0, -l.keepDays)
	var keep []archiveRecord
	var removed int
	for _, rec := range records {
		if rec.RotatedAt.Before(cutoff) {
			if err := os.Remove(filepath.Join(l.archiveDir(), rec.File)); err != nil && !os.IsNotExist(err) {
				return removed, fmt.Errorf("prune archive %s: %w", rec.File, err)
			}
			removed++
			continue
		}
		keep = append(keep, rec)
	}

	for len(keep) > l.keepMaxFiles {
		rec := keep[0]
		keep = keep[1:]
		if err := os.Remove(filepath.Join(l.archiveDir(), rec.File)); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("prune archive %s: %w", rec.File, err)
		}
		removed++
	}

	if removed > 0 {
		if err := l.writeIndex(keep); err != nil {
			return removed, err
		}
		l.logger.Info("event log pruned", "removed", removed, "kept", len(keep))
	}
	return removed, nil
}

// appendIndex adds a record to index.json, rebuilding the file atomically.
func (l *Log) appendIndex(rec archiveRecord) error {
	records, err := l.loadIndex()
	if err != nil {
		return err
	}
	records = append(records, rec)
	return l.writeIndex(records)
}

// loadIndex reads index.json, rebuilding it from the archive directory when
// the file is missing or damaged.
func (l *Log) loadIndex() ([]archiveRecord, error) {
	data, err := os.ReadFile(filepath.Join(l.archiveDir(), indexFileName))
	if err == nil {
		var records []archiveRecord
		if jsonErr := json.Unmarshal(data, &records); jsonErr == nil {
			sort.Slice(records, func(i, j int) bool { return records[i].File < records[j].File })
			return records, nil
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read event log index: %w", err)
	}
	return l.rebuildIndex()
}

// rebuildIndex scans archives on disk to reconstruct the index after loss.
func (l *Log) rebuildIndex() ([]archiveRecord, error) {
	paths, err := l.archivePaths()
	if err != nil {
		return nil, err
	}
	records := make([]archiveRecord, 0, len(paths))
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		rec := archiveRecord{
			File:      filepath.Base(path),
			RotatedAt: info.ModTime().UTC(),
			SizeBytes: info.Size(),
		}
		rec.FirstSeq, rec.LastSeq = seqRange(path)
		records = append(records, rec)
	}
	return records, nil
}

func (l *Log) writeIndex(records []archiveRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode event log index: %w", err)
	}
	path := filepath.Join(l.archiveDir(), indexFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write event log index: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace event log index: %w", err)
	}
	return nil
}

// archivePaths lists archive files sorted by name; names embed the rotation
// timestamp, so lexical order is chronological order.
func (l *Log) archivePaths() ([]string, error) {
	entries, err := os.ReadDir(l.archiveDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list archives: %w", err)
	}
	var paths []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "events_") || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		paths = append(paths, filepath.Join(l.archiveDir(), name))
	}
	sort.Strings(paths)
	return paths, nil
}

func seqRange(path string) (first, last int64) {
	scanFile(path, func(ev models.Event) bool {
		if first == 0 {
			first = ev.Seq
		}
		last = ev.Seq
		return true
	})
	return first, last
}
