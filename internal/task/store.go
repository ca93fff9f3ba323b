package task

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	fileutil "sdhost/internal/file"
)

// TaskStore abstracts persistence of task history.
type TaskStore interface {
	SaveTask(ctx context.Context, t *Task) error
	LoadTasks(ctx context.Context) ([]*Task, error)
	Close() error
}

// OpenStore returns the history store named by backend ("file", "sqlite" or "memory").
func OpenStore(backend, dataDir string) (TaskStore, error) { //nolint:ireturn
	switch backend {
	case "", "file":
		return NewFileStore(dataDir), nil
	case "sqlite":
		return NewSQLiteStore(filepath.Join(dataDir, "tasks.db"))
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownStore, backend)
	}
}

// fileStore implements TaskStore using the local filesystem under dataDir.
type fileStore struct {
	dataDir string
}

func NewFileStore(dataDir string) TaskStore { //nolint:ireturn
	if dataDir == "" {
		dataDir = "data"
	}
	return &fileStore{dataDir: dataDir}
}

func (s *fileStore) taskDir(taskID string) string {
	return filepath.Join(s.dataDir, "tasks", taskID)
}

func (s *fileStore) statusPath(taskID string) string {
	return filepath.Join(s.taskDir(taskID), "status.json")
}

func (s *fileStore) SaveTask(ctx context.Context, t *Task) error { //nolint:revive // context reserved for future use
	if err := fileutil.EnsureDir(s.taskDir(t.ID)); err != nil {
		return fmt.Errorf("ensure task dir: %w", err)
	}
	return fileutil.WriteJSONAtomic(s.statusPath(t.ID), t) //nolint:wrapcheck
}

func (s *fileStore) LoadTasks(ctx context.Context) ([]*Task, error) { //nolint:revive // context reserved for future use
	root := filepath.Join(s.dataDir, "tasks")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir: %w", err)
	}
	tasks := make([]*Task, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		b, err := os.ReadFile(s.statusPath(e.Name())) //nolint:gosec // path is controlled by application
		if err != nil {
			continue
		}
		var t Task
		if err := json.Unmarshal(b, &t); err != nil {
			continue
		}
		tasks = append(tasks, &t)
	}
	return tasks, nil
}

func (s *fileStore) Close() error { return nil }

// memoryStore keeps task history for the life of the process only.
type memoryStore struct {
	mu    sync.Mutex
	tasks map[string]Task
	order []string
}

// NewMemoryStore returns a TaskStore that never touches the filesystem.
func NewMemoryStore() TaskStore { //nolint:ireturn
	return &memoryStore{tasks: make(map[string]Task)}
}

func (s *memoryStore) SaveTask(_ context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		s.order = append(s.order, t.ID)
	}
	s.tasks[t.ID] = *t
	return nil
}

func (s *memoryStore) LoadTasks(context.Context) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, 0, len(s.order))
	for _, id := range s.order {
		t := s.tasks[id]
		out = append(out, &t)
	}
	return out, nil
}

func (s *memoryStore) Close() error { return nil }
