package task

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Lease is a task's hold on its kind's slot. It is released exactly once,
// from the task's terminal path.
type Lease struct {
	m      *Manager
	task   *Task
	cancel func()
	done   chan struct{}
	once   sync.Once
}

// ID returns the id of the task holding the lease.
func (l *Lease) ID() string { return l.task.ID }

// Task returns a snapshot of the leased task.
func (l *Lease) Task() Task {
	l.m.mu.RLock()
	defer l.m.mu.RUnlock()
	return *l.task
}

// Done is closed once the lease is released.
func (l *Lease) Done() <-chan struct{} { return l.done }

// SetStatus records a non-terminal transition. Terminal statuses go through Release.
func (l *Lease) SetStatus(status Status) {
	if status.Terminal() {
		return
	}
	l.m.mu.Lock()
	if l.task.Status.Terminal() {
		l.m.mu.Unlock()
		return
	}
	l.task.Status = status
	if status == StatusRunning && l.task.StartedAt == nil {
		now := time.Now()
		l.task.StartedAt = &now
	}
	l.m.mu.Unlock()
	l.m.persist(l.task)
}

// Release records the final status, frees the slot and persists the record.
// Only the first call has any effect; it reports whether this call released.
func (l *Lease) Release(status Status, message, artifactPath string) bool {
	released := false
	l.once.Do(func() {
		released = true
		now := time.Now()

		l.m.mu.Lock()
		l.task.Status = status
		l.task.Message = message
		l.task.ArtifactPath = artifactPath
		l.task.FinishedAt = &now
		l.task.DurationMs = now.Sub(l.task.CreatedAt).Milliseconds()
		if l.m.slots[l.task.Kind] == l {
			delete(l.m.slots, l.task.Kind)
		}
		l.m.mu.Unlock()

		l.m.persist(l.task)
		close(l.done)
		l.m.workersWG.Done()
		log.Info().Str("task_id", l.task.ID).Str("kind", string(l.task.Kind)).Str("status", string(status)).Msg("task finished")
	})
	return released
}

// requestCancel forwards a cancel request to the task unless it already finished.
func (l *Lease) requestCancel() bool {
	select {
	case <-l.done:
		return false
	default:
	}
	if l.cancel != nil {
		l.cancel()
	}
	return true
}
