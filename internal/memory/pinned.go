package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// PinnedEntry is one user-pinned note. LastSeen advances when the same text
// is pinned again, keeping the recency signal honest for sorting and review.
type PinnedEntry struct {
	Text     string    `json:"text"`
	PinnedAt time.Time `json:"pinned_at"`
	LastSeen time.Time `json:"last_seen_at"`
}

// PinnedSet is the small always-loaded list of user-pinned notes. Pins are
// injected into every prompt and never touched by consolidation or pruning.
type PinnedSet struct {
	mu    sync.Mutex
	path  string
	items []PinnedEntry
	now   func() time.Time
}

// LoadPinned reads the pinned list from path, starting empty when the file
// does not exist yet. Files written before entries carried timestamps decode
// as a plain string list.
func LoadPinned(path string) (*PinnedSet, error) {
	p := &PinnedSet{path: path, now: time.Now}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pinned file: %w", err)
	}
	if err := json.Unmarshal(data, &p.items); err != nil {
		var legacy []string
		if lerr := json.Unmarshal(data, &legacy); lerr != nil {
			return nil, fmt.Errorf("decode pinned file: %w", err)
		}
		loaded := p.now().UTC()
		for _, text := range legacy {
			p.items = append(p.items, PinnedEntry{Text: text, PinnedAt: loaded, LastSeen: loaded})
		}
	}
	return p, nil
}

// Pin appends text to the set. Pinning text that is already present bumps the
// existing entry's last-seen time instead of duplicating it and returns false.
func (p *PinnedSet) Pin(text string) (bool, error) {
	text = CollapseContent(text)
	if text == "" {
		return false, fmt.Errorf("cannot pin empty text")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for i, item := range p.items {
		if strings.EqualFold(item.Text, text) {
			p.items[i].LastSeen = p.now().UTC()
			return false, p.saveLocked()
		}
	}
	ts := p.now().UTC()
	p.items = append(p.items, PinnedEntry{Text: text, PinnedAt: ts, LastSeen: ts})
	return true, p.saveLocked()
}

// Unpin removes the entry matching text (case-insensitive) or, when text
// parses as a 1-based index, the entry at that position.
func (p *PinnedSet) Unpin(text string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := -1
	if n, ok := parseIndex(text); ok && n >= 1 && n <= len(p.items) {
		idx = n - 1
	} else {
		needle := CollapseContent(text)
		for i, item := range p.items {
			if strings.EqualFold(item.Text, needle) {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		return false, nil
	}
	p.items = append(p.items[:idx], p.items[idx+1:]...)
	return true, p.saveLocked()
}

// Items returns the pinned texts in pin order.
func (p *PinnedSet) Items() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.items))
	for i, item := range p.items {
		out[i] = item.Text
	}
	return out
}

// Entries returns a copy of the pinned entries in pin order.
func (p *PinnedSet) Entries() []PinnedEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PinnedEntry(nil), p.items...)
}

func (p *PinnedSet) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("create pinned dir: %w", err)
	}
	data, err := json.MarshalIndent(p.items, "", "  ")
	if err != nil {
		return fmt.Errorf("encode pinned file: %w", err)
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write pinned file: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("replace pinned file: %w", err)
	}
	return nil
}

func parseIndex(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}
