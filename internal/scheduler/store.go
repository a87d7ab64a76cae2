package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bytedance/sonic"
)

// Store provides thread-safe JSON-snapshot persistence of the task list
// (spec §3 "Scheduled tasks are owned by the scheduler and persisted
// through a JSON snapshot file"). Grounded on internal/cronjob/store.go.
type Store struct {
	mu    sync.RWMutex
	path  string
	tasks map[string]Task // keyed by Task.ID
}

func NewStore(path string) *Store {
	return &Store{path: path, tasks: make(map[string]Task)}
}

// Load reads the snapshot; a missing file yields an empty list (spec §4.7
// "empty list if the file does not exist").
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read task file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var tasks []Task
	if err := sonic.Unmarshal(data, &tasks); err != nil {
		return fmt.Errorf("unmarshal task file: %w", err)
	}

	s.tasks = make(map[string]Task, len(tasks))
	for _, t := range tasks {
		s.tasks[t.ID] = t
	}
	return nil
}

// Save writes every task to disk atomically (tmp + rename).
func (s *Store) Save() error {
	s.mu.RLock()
	tasks := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.RUnlock()

	data, err := sonic.Config{SortMapKeys: true}.Froze().MarshalIndent(tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task file: %w", err)
	}

	dir := filepath.Dir(s.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create task dir: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write tmp task file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename task file: %w", err)
	}
	return nil
}

func (s *Store) Add(t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("task already exists: %s", t.ID)
	}
	s.tasks[t.ID] = t
	return nil
}

func (s *Store) Update(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
}

func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
}

func (s *Store) Get(id string) (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	return t, ok
}

func (s *Store) List() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out
}

// DueTasks returns enabled tasks whose time_hm equals nowHM and whose
// last_run_date is not today (spec §4.7 gating).
func (s *Store) DueTasks(nowHM, today string) []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []Task
	for _, t := range s.tasks {
		if !t.Enabled || t.TimeHM != nowHM {
			continue
		}
		if t.LastRunDate == today {
			continue
		}
		due = append(due, t)
	}
	return due
}
