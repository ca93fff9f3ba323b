package preview

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"sync"
	"time"

	"sdhost/internal/guard"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const (
	DefaultSettle     = time.Second
	DefaultInterval   = 200 * time.Millisecond
	DefaultMinSpacing = 200 * time.Millisecond

	dataURLPrefix = "data:image/png;base64,"
)

// Options configures a Watcher. Zero durations take the defaults.
type Options struct {
	Path       string
	Guard      *guard.Guard
	Settle     time.Duration
	Interval   time.Duration
	MinSpacing time.Duration
}

// Watcher polls a preview image written by the engine and publishes every
// new version as a data URL on Updates.
type Watcher struct {
	path       string
	guard      *guard.Guard
	settle     time.Duration
	interval   time.Duration
	minSpacing time.Duration
	now        func() time.Time

	updates chan string
	cancel  context.CancelFunc
	stopped chan struct{}
	once    sync.Once

	lastMod  time.Time
	lastSize int64
	lastEmit time.Time
}

// New creates a stopped watcher.
func New(opts Options) *Watcher {
	w := &Watcher{
		path:       filepath.Clean(opts.Path),
		guard:      opts.Guard,
		settle:     opts.Settle,
		interval:   opts.Interval,
		minSpacing: opts.MinSpacing,
		now:        time.Now,
		updates:    make(chan string),
		stopped:    make(chan struct{}),
		lastSize:   -1,
	}
	if w.guard == nil {
		w.guard = guard.New()
	}
	if w.settle <= 0 {
		w.settle = DefaultSettle
	}
	if w.interval <= 0 {
		w.interval = DefaultInterval
	}
	if w.minSpacing <= 0 {
		w.minSpacing = DefaultMinSpacing
	}
	return w
}

// Updates delivers preview data URLs. It is never closed; select on it
// together with the owner's own termination signal.
func (w *Watcher) Updates() <-chan string { return w.updates }

// Start begins polling in the background.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	go w.loop(ctx)
}

// Stop halts polling and waits for the poller to exit. It is safe to call
// more than once.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		if w.cancel == nil {
			close(w.stopped)
			return
		}
		w.cancel()
		<-w.stopped
	})
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.stopped)

	settle := time.NewTimer(w.settle)
	defer settle.Stop()
	select {
	case <-ctx.Done():
		return
	case <-settle.C:
	}

	var (
		fsEvents <-chan fsnotify.Event
		fsErrors <-chan error
	)
	if fw, err := fsnotify.NewWatcher(); err != nil {
		log.Debug().Err(err).Msg("preview fsnotify unavailable, polling only")
	} else {
		defer fw.Close()
		if err := fw.Add(filepath.Dir(w.path)); err != nil {
			log.Debug().Str("path", w.path).Err(err).Msg("preview fsnotify watch failed")
		} else {
			fsEvents, fsErrors = fw.Events, fw.Errors
		}
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if filepath.Clean(ev.Name) != w.path || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
			} else {
				log.Debug().Err(err).Msg("preview fsnotify error")
			}
			continue
		}
		w.check(ctx)
	}
}

// check publishes the preview file when it changed since the last emission.
func (w *Watcher) check(ctx context.Context) {
	info, err := os.Stat(w.path)
	if err != nil || info.IsDir() {
		return
	}
	if info.ModTime().Equal(w.lastMod) && info.Size() == w.lastSize {
		return
	}
	now := w.now()
	if !w.lastEmit.IsZero() && now.Sub(w.lastEmit) < w.minSpacing {
		return
	}

	data, ok, err := guard.Run(w.guard, func() ([]byte, error) {
		return os.ReadFile(w.path)
	})
	if err != nil {
		log.Debug().Str("path", w.path).Err(err).Msg("read preview failed")
		return
	}
	if !ok || len(data) == 0 {
		return
	}

	w.lastMod, w.lastSize, w.lastEmit = info.ModTime(), info.Size(), now
	select {
	case w.updates <- DataURL(data):
	case <-ctx.Done():
	}
}

// DataURL encodes a PNG image as a data URL.
func DataURL(png []byte) string {
	return dataURLPrefix + base64.StdEncoding.EncodeToString(png)
}
