package guard

import (
	"sync"
)

// Guard is a one-way validity token shared by everything that acts on behalf
// of a single task. Once invalidated, results and side effects routed through
// it are dropped.
type Guard struct {
	mu    sync.RWMutex
	valid bool
}

// New returns a valid guard.
func New() *Guard {
	return &Guard{valid: true}
}

// Check reports whether the guard is still valid.
func (g *Guard) Check() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.valid
}

// Invalidate marks the guard invalid. It waits for side effects currently
// running under Do, so no guarded side effect happens after it returns.
func (g *Guard) Invalidate() {
	g.mu.Lock()
	g.valid = false
	g.mu.Unlock()
}

// Reset makes the guard valid again. Only meant for long-lived owners that
// reuse a guard between operations, never for task-scoped guards.
func (g *Guard) Reset() {
	g.mu.Lock()
	g.valid = true
	g.mu.Unlock()
}

// Do runs fn while holding the guard valid. It reports whether fn ran.
// fn must not call Invalidate.
func (g *Guard) Do(fn func()) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.valid {
		return false
	}
	fn()
	return true
}

// Run executes fn and returns its result only if the guard stayed valid for
// the whole call. ok is false when the result was discarded. An error raised
// after invalidation is swallowed.
func Run[T any](g *Guard, fn func() (T, error)) (result T, ok bool, err error) {
	var zero T
	if !g.Check() {
		return zero, false, nil
	}
	value, fnErr := fn()
	if !g.Check() {
		return zero, false, nil
	}
	if fnErr != nil {
		return zero, false, fnErr
	}
	return value, true, nil
}
