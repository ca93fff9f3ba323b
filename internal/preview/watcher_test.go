package preview

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sdhost/internal/guard"
)

func fastOptions(path string, g *guard.Guard) Options {
	return Options{
		Path:       path,
		Guard:      g,
		Settle:     10 * time.Millisecond,
		Interval:   10 * time.Millisecond,
		MinSpacing: 10 * time.Millisecond,
	}
}

func waitUpdate(t *testing.T, w *Watcher, timeout time.Duration) (string, bool) {
	t.Helper()
	select {
	case u := <-w.Updates():
		return u, true
	case <-time.After(timeout):
		return "", false
	}
}

func TestWatcherEmitsChangedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "preview.png")
	w := New(fastOptions(path, guard.New()))
	w.Start(context.Background())
	defer w.Stop()

	if err := os.WriteFile(path, []byte("first"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	u, ok := waitUpdate(t, w, 2*time.Second)
	if !ok {
		t.Fatalf("expected a preview update")
	}
	if !strings.HasPrefix(u, dataURLPrefix) {
		t.Fatalf("unexpected data url %q", u)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(u, dataURLPrefix))
	if err != nil || string(raw) != "first" {
		t.Fatalf("unexpected payload %q err=%v", raw, err)
	}

	if _, ok := waitUpdate(t, w, 100*time.Millisecond); ok {
		t.Fatalf("unchanged file must not be emitted again")
	}

	if err := os.WriteFile(path, []byte("second version"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	u, ok = waitUpdate(t, w, 2*time.Second)
	if !ok {
		t.Fatalf("expected an update after change")
	}
	raw, _ = base64.StdEncoding.DecodeString(strings.TrimPrefix(u, dataURLPrefix))
	if string(raw) != "second version" {
		t.Fatalf("unexpected payload %q", raw)
	}
}

func TestWatcherSilentAfterInvalidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "preview.png")
	if err := os.WriteFile(path, []byte("img"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	g := guard.New()
	g.Invalidate()

	w := New(fastOptions(path, g))
	w.Start(context.Background())
	defer w.Stop()

	if _, ok := waitUpdate(t, w, 150*time.Millisecond); ok {
		t.Fatalf("invalidated guard must suppress updates")
	}
}

func TestWatcherWaitsForSettle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "preview.png")
	if err := os.WriteFile(path, []byte("img"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	opts := fastOptions(path, nil)
	opts.Settle = 300 * time.Millisecond
	w := New(opts)
	w.Start(context.Background())
	defer w.Stop()

	if _, ok := waitUpdate(t, w, 100*time.Millisecond); ok {
		t.Fatalf("no update expected before the settle delay")
	}
	if _, ok := waitUpdate(t, w, 2*time.Second); !ok {
		t.Fatalf("expected an update after the settle delay")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	w := New(fastOptions(filepath.Join(t.TempDir(), "p.png"), nil))
	w.Stop()
	w.Stop()

	started := New(fastOptions(filepath.Join(t.TempDir(), "p.png"), nil))
	started.Start(context.Background())
	started.Stop()
	started.Stop()
}

func TestMinSpacingDefersEmission(t *testing.T) {
	path := filepath.Join(t.TempDir(), "preview.png")
	if err := os.WriteFile(path, []byte("a"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	clock := time.Unix(100, 0)
	w := New(Options{Path: path, MinSpacing: time.Second})
	w.now = func() time.Time { return clock }

	ctx := context.Background()
	go w.check(ctx)
	if _, ok := waitUpdate(t, w, time.Second); !ok {
		t.Fatalf("expected first emission")
	}

	if err := os.WriteFile(path, []byte("bb"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	clock = clock.Add(500 * time.Millisecond)
	w.check(ctx)
	if w.lastSize != 1 {
		t.Fatalf("emission inside the spacing window must be deferred")
	}

	clock = clock.Add(time.Second)
	go w.check(ctx)
	u, ok := waitUpdate(t, w, time.Second)
	if !ok || u != DataURL([]byte("bb")) {
		t.Fatalf("expected deferred emission, got %q", u)
	}
}
