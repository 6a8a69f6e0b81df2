package taskmanager

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore хранит задачи в памяти процесса. Используется в тестах
// и при TASK_STORE_DRIVER=memory.
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]Task
}

var _ TaskStore = (*MemoryStore)(nil)

// NewMemoryStore создает пустое хранилище.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]Task)}
}

func (s *MemoryStore) Save(_ context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task.clone()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, taskID)
	return nil
}

func (s *MemoryStore) LoadAll(_ context.Context) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		c := t.clone()
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Get возвращает сохраненную копию задачи.
func (s *MemoryStore) Get(taskID string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return t.clone(), true
}

// Len возвращает количество сохраненных задач.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}
