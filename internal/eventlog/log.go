// Package eventlog implements the append-only event log backing Agent Blob.
//
// Events are stored one JSON object per line in an active file. When the
// active file reaches its size limit it is rotated into an archives
// directory; sequence numbers keep counting across rotations, so replay is
// seamless over file boundaries.
package eventlog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/haasonsaas/agentblob/pkg/models"
)

const (
	activeFileName = "events.jsonl"
	archiveDirName = "archives"

	// maxLineBytes bounds a single event line during scans.
	maxLineBytes = 4 << 20
)

// Log is the append-only event store. All methods are safe for concurrent use.
type Log struct {
	mu   sync.Mutex
	dir  string
	file *os.File
	size int64
	seq  int64

	maxBytes     int64
	keepDays     int
	keepMaxFiles int

	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithMaxBytes sets the active-file size that triggers rotation.
func WithMaxBytes(n int64) Option {
	return func(l *Log) {
		if n > 0 {
			l.maxBytes = n
		}
	}
}

// WithRetention sets how many days and how many archive files to keep.
func WithRetention(days, maxFiles int) Option {
	return func(l *Log) {
		if days > 0 {
			l.keepDays = days
		}
		if maxFiles > 0 {
			l.keepMaxFiles = maxFiles
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithNow sets the clock, used by tests.
func WithNow(now func() time.Time) Option {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

// Open creates or resumes the log in dir. The last sequence number is
// recovered by scanning the active file (falling back to the newest archive);
// a torn trailing line from a crash is tolerated and skipped.
func Open(dir string, opts ...Option) (*Log, error) {
	l := &Log{
		dir:          dir,
		maxBytes:     8 << 20,
		keepDays:     30,
		keepMaxFiles: 20,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	if err := os.MkdirAll(filepath.Join(dir, archiveDirName), 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}

	seq, err := l.recoverSeq()
	if err != nil {
		return nil, err
	}
	l.seq = seq

	file, err := os.OpenFile(l.activePath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat event log: %w", err)
	}
	l.file = file
	l.size = info.Size()

	l.logger = l.logger.With("component", "eventlog")
	return l, nil
}

// Close releases the active file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Append stamps the next sequence number on an event, persists it, and
// returns the stored event for fanout. Rotation happens before the write
// when the active file has reached its size limit.
func (l *Log) Append(ctx context.Context, kind models.EventKind, runID, sessionID string, payload any) (models.Event, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return models.Event{}, fmt.Errorf("encode event payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return models.Event{}, fmt.Errorf("event log is closed")
	}
	if err := ctx.Err(); err != nil {
		return models.Event{}, err
	}

	if l.size >= l.maxBytes {
		if err := l.rotateLocked(); err != nil {
			return models.Event{}, err
		}
	}

	ev := models.Event{
		Seq:       l.seq + 1,
		TS:        l.now().UTC(),
		Kind:      kind,
		RunID:     runID,
		SessionID: sessionID,
		Payload:   raw,
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return models.Event{}, fmt.Errorf("encode event: %w", err)
	}
	line = append(line, '\n')

	n, err := l.file.Write(line)
	if err != nil {
		return models.Event{}, fmt.Errorf("append event: %w", err)
	}

	l.seq = ev.Seq
	l.size += int64(n)
	return ev, nil
}

// LastSeq returns the sequence number of the most recent event, 0 when empty.
func (l *Log) LastSeq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Replay returns up to limit events with Seq >= fromSeq in order, reading
// archives and the active file as needed. limit <= 0 means no limit.
func (l *Log) Replay(ctx context.Context, fromSeq int64, limit int) ([]models.Event, error) {
	paths, err := l.readablePaths()
	if err != nil {
		return nil, err
	}

	var out []models.Event
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		done, err := scanFile(path, func(ev models.Event) bool {
			if ev.Seq < fromSeq {
				return true
			}
			out = append(out, ev)
			return limit <= 0 || len(out) < limit
		})
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
	}
	return out, nil
}

// Tail returns the most recent n events in order.
func (l *Log) Tail(ctx context.Context, n int) ([]models.Event, error) {
	if n <= 0 {
		return nil, nil
	}
	last := l.LastSeq()
	from := last - int64(n) + 1
	if from < 1 {
		from = 1
	}
	return l.Replay(ctx, from, n)
}

func (l *Log) activePath() string {
	return filepath.Join(l.dir, activeFileName)
}

func (l *Log) archiveDir() string {
	return filepath.Join(l.dir, archiveDirName)
}

// readablePaths returns archives oldest-first, then the active file.
func (l *Log) readablePaths() ([]string, error) {
	archives, err := l.archivePaths()
	if err != nil {
		return nil, err
	}
	return append(archives, l.activePath()), nil
}

// recoverSeq finds the last good sequence number across the active file and,
// when the active file holds no events, the archives newest-first.
func (l *Log) recoverSeq() (int64, error) {
	if seq, ok, err := lastSeqInFile(l.activePath()); err != nil {
		return 0, err
	} else if ok {
		return seq, nil
	}

	archives, err := l.archivePaths()
	if err != nil {
		return 0, err
	}
	for i := len(archives) - 1; i >= 0; i-- {
		if seq, ok, err := lastSeqInFile(archives[i]); err != nil {
			return 0, err
		} else if ok {
			return seq, nil
		}
	}
	return 0, nil
}

// scanFile walks a JSONL file in order, invoking fn per decoded event.
// Undecodable lines (torn writes) are skipped. Returns true when fn asked
// to stop, meaning the caller is finished.
func scanFile(path string, fn func(models.Event) bool) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64<<10), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev models.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		if !fn(ev) {
			return true, nil
		}
	}
	return false, scanner.Err()
}

func lastSeqInFile(path string) (int64, bool, error) {
	var seq int64
	var found bool
	_, err := scanFile(path, func(ev models.Event) bool {
		seq = ev.Seq
		found = true
		return true
	})
	if err != nil {
		return 0, false, err
	}
	return seq, found, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		return json.Marshal(v)
	}
}
