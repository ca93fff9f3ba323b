package resource

import (
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
)

// Handle identifies one registered cleanup.
type Handle string

type entry struct {
	handle  Handle
	tag     string
	cleanup func()
}

// Registry holds cleanup callbacks for everything a task owns: watchers,
// timers, temp files. Cleanups run at most once.
type Registry struct {
	mu      sync.Mutex
	seq     uint64
	entries []entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a cleanup under tag and returns its handle.
func (r *Registry) Register(cleanup func(), tag string) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	h := Handle(fmt.Sprintf("resource_%d_%s", r.seq, tag))
	r.entries = append(r.entries, entry{handle: h, tag: tag, cleanup: cleanup})
	return h
}

// RegisterCloser registers c.Close, logging its error.
func (r *Registry) RegisterCloser(c io.Closer, tag string) Handle {
	return r.Register(func() {
		if err := c.Close(); err != nil {
			log.Warn().Str("tag", tag).Err(err).Msg("resource close failed")
		}
	}, tag)
}

// Unregister runs and removes the cleanup for h. Unknown handles are ignored.
func (r *Registry) Unregister(h Handle) bool {
	r.mu.Lock()
	var found *entry
	for i := range r.entries {
		if r.entries[i].handle == h {
			e := r.entries[i]
			found = &e
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	if found == nil {
		return false
	}
	invoke(*found)
	return true
}

// CleanupAll runs every registered cleanup in registration order.
func (r *Registry) CleanupAll() {
	r.mu.Lock()
	pending := r.entries
	r.entries = nil
	r.mu.Unlock()
	for _, e := range pending {
		invoke(e)
	}
}

// CleanupByTag runs and removes the cleanups registered under tag.
func (r *Registry) CleanupByTag(tag string) {
	r.mu.Lock()
	var pending, kept []entry
	for _, e := range r.entries {
		if e.tag == tag {
			pending = append(pending, e)
		} else {
			kept = append(kept, e)
		}
	}
	r.entries = kept
	r.mu.Unlock()
	for _, e := range pending {
		invoke(e)
	}
}

// Len returns the number of pending cleanups.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func invoke(e entry) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Warn().Str("resource", string(e.handle)).Interface("panic", rec).Msg("cleanup panicked")
		}
	}()
	e.cleanup()
}
