package task

import (
	"context"
	"fmt"
	"time"
)

const interruptedMessage = "interrupted by restart"

// LoadFromDisk loads task history into memory. Tasks that were still active
// when the previous process exited are marked as failed.
func (m *Manager) LoadFromDisk() error {
	if m.store == nil {
		return nil
	}
	loadedTasks, err := m.store.LoadTasks(context.Background())
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	for _, taskEntity := range loadedTasks {
		if !taskEntity.Status.Terminal() {
			now := time.Now()
			taskEntity.Status = StatusFailed
			taskEntity.Message = interruptedMessage
			taskEntity.FinishedAt = &now
			m.persist(taskEntity)
		}
		m.mu.Lock()
		m.tasks[taskEntity.ID] = taskEntity
		m.mu.Unlock()
	}
	return nil
}
