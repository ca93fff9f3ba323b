package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Manager owns the single slot of every task kind and the history of all tasks.
type Manager struct {
	mu        sync.RWMutex
	tasks     map[string]*Task
	slots     map[Kind]*Lease
	workersWG sync.WaitGroup
	baseCtx   context.Context //nolint:containedctx // process-wide base context
	store     TaskStore
}

// NewManager creates a manager persisting under ./data.
func NewManager() *Manager {
	return NewManagerWithOptions(Options{DataDir: "data"})
}

// NewManagerWithOptions creates a manager with provided configuration
func NewManagerWithOptions(opts Options) *Manager {
	store := opts.Store
	if store == nil {
		store = NewFileStore(opts.DataDir)
	}
	return &Manager{
		tasks:   make(map[string]*Task),
		slots:   make(map[Kind]*Lease),
		baseCtx: context.Background(),
		store:   store,
	}
}

// IsBusy reports whether a task of kind currently holds its slot.
func (m *Manager) IsBusy(kind Kind) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.slots[kind] != nil
}

// Acquire claims the slot of kind for a new task. cancel is invoked when a
// caller asks to cancel the slot's occupant. It fails with ErrSlotBusy when
// the slot is taken.
func (m *Manager) Acquire(kind Kind, cancel func()) (*Lease, error) {
	m.mu.Lock()
	if occupant := m.slots[kind]; occupant != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s held by %s", ErrSlotBusy, kind, occupant.task.ID)
	}
	lease := m.installLocked(kind, cancel)
	m.mu.Unlock()

	m.persist(lease.task)
	return lease, nil
}

// Takeover claims the slot of kind, cancelling and awaiting any current
// occupant first. ctx bounds the wait.
func (m *Manager) Takeover(ctx context.Context, kind Kind, cancel func()) (*Lease, error) {
	for {
		m.mu.Lock()
		occupant := m.slots[kind]
		if occupant == nil {
			lease := m.installLocked(kind, cancel)
			m.mu.Unlock()
			m.persist(lease.task)
			return lease, nil
		}
		m.mu.Unlock()

		log.Info().Str("kind", string(kind)).Str("task_id", occupant.task.ID).Msg("superseding active task")
		occupant.requestCancel()
		select {
		case <-occupant.done:
		case <-ctx.Done():
			return nil, fmt.Errorf("await %s slot: %w", kind, ctx.Err())
		}
	}
}

func (m *Manager) installLocked(kind Kind, cancel func()) *Lease {
	t := &Task{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    StatusStarting,
		CreatedAt: time.Now(),
	}
	lease := &Lease{m: m, task: t, cancel: cancel, done: make(chan struct{})}
	m.tasks[t.ID] = t
	m.slots[kind] = lease
	m.workersWG.Add(1)
	return lease
}

// Cancel asks the occupant of kind to stop. It reports false when the slot is empty.
func (m *Manager) Cancel(kind Kind) bool {
	m.mu.RLock()
	occupant := m.slots[kind]
	m.mu.RUnlock()
	if occupant == nil {
		return false
	}
	return occupant.requestCancel()
}

// Current returns a snapshot of the task holding the slot of kind.
func (m *Manager) Current(kind Kind) (Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	occupant := m.slots[kind]
	if occupant == nil {
		return Task{}, false
	}
	return *occupant.task, true
}

// GetTask returns a snapshot of the task with taskID.
func (m *Manager) GetTask(taskID string) (Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// List returns snapshots of all known tasks, newest first.
func (m *Manager) List() []Task {
	m.mu.RLock()
	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, *t)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// SetBaseContext sets the base context used to control long-running operations.
// Intended to be set at process startup and cancelled during shutdown.
func (m *Manager) SetBaseContext(ctx context.Context) {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()
}

// BaseContext returns the context tasks derive their cancellation from.
func (m *Manager) BaseContext() context.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.baseCtx
}

// WaitAll blocks until every acquired slot was released or the context is done.
// Returns true if all tasks finished, false if timed out.
func (m *Manager) WaitAll(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		m.workersWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close releases the history store.
func (m *Manager) Close() error {
	if m.store == nil {
		return nil
	}
	return m.store.Close() //nolint:wrapcheck
}

func (m *Manager) persist(t *Task) {
	if m.store == nil {
		return
	}
	m.mu.RLock()
	snapshot := *t
	m.mu.RUnlock()
	if err := m.store.SaveTask(context.Background(), &snapshot); err != nil { // best-effort
		log.Warn().Str("task_id", snapshot.ID).Err(err).Msg("persist task failed")
	}
}
