package store

import (
	"context"
	"sync"

	"github.com/conductorlabs/conductor/internal/models"
)

// MemoryStore is a map-backed Store for tests and embedded use.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*models.Task
	order []string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*models.Task)}
}

func (s *MemoryStore) SaveTask(_ context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; !exists {
		s.order = append(s.order, task.ID)
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *MemoryStore) LoadTask(_ context.Context, id string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, models.ErrTaskNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryStore) ListTasks(_ context.Context, filter ListFilter) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Task
	for _, id := range s.order {
		t := s.tasks[id]
		if filter.State != "" && t.State != filter.State {
			continue
		}
		if filter.BackendClass != "" && t.BackendClass != filter.BackendClass {
			continue
		}
		if filter.WorkflowID != "" && t.WorkflowID != filter.WorkflowID {
			continue
		}
		out = append(out, t.Clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}
