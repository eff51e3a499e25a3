package core

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"
)

// Persister abstracts the snapshot backend used by the task store.
type Persister interface {
	// LoadTasks returns every task that could be decoded. Backends skip and
	// log individual malformed entries rather than failing the whole load.
	LoadTasks(ctx context.Context) ([]*Task, error)
	// SaveTasks replaces the stored snapshot with tasks.
	SaveTasks(ctx context.Context, tasks []*Task) error
}

// MemoryPersister keeps snapshots in memory. It is used when no backend is
// configured and in tests.
type MemoryPersister struct {
	mu    sync.Mutex
	tasks []*Task
	saves int
}

func (m *MemoryPersister) LoadTasks(ctx context.Context) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.Clone())
	}
	return out, nil
}

func (m *MemoryPersister) SaveTasks(ctx context.Context, tasks []*Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = make([]*Task, 0, len(tasks))
	for _, t := range tasks {
		m.tasks = append(m.tasks, t.Clone())
	}
	m.saves++
	return nil
}

// SaveCount returns how many snapshots were written.
func (m *MemoryPersister) SaveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// TaskStore owns the scheduled task records.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task

	saveMu    sync.Mutex
	persister Persister
	logger    zerolog.Logger
}

// NewTaskStore creates a store backed by persister.
func NewTaskStore(persister Persister, logger zerolog.Logger) *TaskStore {
	if persister == nil {
		persister = &MemoryPersister{}
	}
	return &TaskStore{
		tasks:     make(map[string]*Task),
		persister: persister,
		logger:    logger,
	}
}

// Load replaces the in-memory tasks with the persisted snapshot.
func (s *TaskStore) Load(ctx context.Context) error {
	tasks, err := s.persister.LoadTasks(ctx)
	if err != nil {
		return fmt.Errorf("%w: load tasks: %w", ErrPersistence, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		if t == nil || t.ID == "" {
			continue
		}
		s.tasks[t.ID] = t
	}
	s.logger.Info().Int("count", len(s.tasks)).Msg("tasks loaded")
	return nil
}

// Save writes a snapshot of every task. Saves are serialized so concurrent
// completions never interleave writes.
func (s *TaskStore) Save(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if err := s.persister.SaveTasks(ctx, s.List()); err != nil {
		return fmt.Errorf("%w: save tasks: %w", ErrPersistence, err)
	}
	return nil
}

// Put inserts or replaces a task. The store keeps its own copy.
func (s *TaskStore) Put(task *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task.Clone()
}

// Delete removes a task and reports whether it existed.
func (s *TaskStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return false
	}
	delete(s.tasks, id)
	return true
}

// Get returns a copy of the task.
func (s *TaskStore) Get(id string) (*Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Update applies fn to the stored task under the write lock and returns the
// updated copy.
func (s *TaskStore) Update(id string, fn func(t *Task)) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	fn(t)
	return t.Clone(), true
}

// List returns copies of every task ordered by creation time, then id.
func (s *TaskStore) List() []*Task {
	s.mu.RLock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Task) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}
