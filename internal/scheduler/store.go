package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/haasonsaas/agentblob/pkg/models"
)

// Store persists schedules as one JSON document. Every change rewrites the
// file through a temp file and rename so a crash never leaves a torn store.
type Store struct {
	mu        sync.Mutex
	path      string
	schedules map[string]*models.Schedule
}

// OpenStore loads the schedule file at path. A missing file yields an empty
// store; it is created on first write.
func OpenStore(path string) (*Store, error) {
	s := &Store{path: path, schedules: make(map[string]*models.Schedule)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read schedule store: %w", err)
	}
	var list []*models.Schedule
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse schedule store: %w", err)
	}
	for _, sched := range list {
		if sched == nil || sched.ID == "" {
			continue
		}
		s.schedules[sched.ID] = sched
	}
	return s, nil
}

// List returns copies of all schedules ordered by creation time.
func (s *Store) List() []models.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Schedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		out = append(out, *sched)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Get returns a copy of the schedule with the given id.
func (s *Store) Get(id string) (models.Schedule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[id]
	if !ok {
		return models.Schedule{}, false
	}
	return *sched, true
}

// Put inserts or replaces a schedule and rewrites the file.
func (s *Store) Put(sched models.Schedule) error {
	if sched.ID == "" {
		return fmt.Errorf("schedule id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.schedules[sched.ID]
	s.schedules[sched.ID] = &sched
	if err := s.persistLocked(); err != nil {
		if existed {
			s.schedules[sched.ID] = prev
		} else {
			delete(s.schedules, sched.ID)
		}
		return err
	}
	return nil
}

// Update applies fn to a copy of the stored schedule and commits it. When fn
// returns an error the stored schedule is left untouched. The second return
// reports whether the id was found.
func (s *Store) Update(id string, fn func(*models.Schedule) error) (models.Schedule, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.schedules[id]
	if !ok {
		return models.Schedule{}, false, nil
	}
	next := *cur
	if err := fn(&next); err != nil {
		return models.Schedule{}, true, err
	}
	next.ID = id
	s.schedules[id] = &next
	if err := s.persistLocked(); err != nil {
		s.schedules[id] = cur
		return models.Schedule{}, true, err
	}
	return next, true, nil
}

// Delete removes a schedule and rewrites the file. It reports whether the id
// was found.
func (s *Store) Delete(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.schedules[id]
	if !ok {
		return false, nil
	}
	delete(s.schedules, id)
	if err := s.persistLocked(); err != nil {
		s.schedules[id] = prev
		return true, err
	}
	return true, nil
}

// Len returns the number of stored schedules.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.schedules)
}

func (s *Store) persistLocked() error {
	list := make([]*models.Schedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		list = append(list, sched)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("encode schedule store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create schedule dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write schedule store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace schedule store: %w", err)
	}
	return nil
}
