package task

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManagerWithOptions(Options{DataDir: t.TempDir()})
}

func TestAcquireRejectsSecondOccupant(t *testing.T) {
	m := newTestManager(t)
	first, err := m.Acquire(KindGenerate, nil)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !m.IsBusy(KindGenerate) {
		t.Fatalf("expected busy slot")
	}
	if _, err := m.Acquire(KindGenerate, nil); !errors.Is(err, ErrSlotBusy) {
		t.Fatalf("expected ErrSlotBusy, got %v", err)
	}
	if _, err := m.Acquire(KindDownloadWeights, nil); err != nil {
		t.Fatalf("other kinds must not be blocked: %v", err)
	}

	if !first.Release(StatusCompleted, "", "/out/a.png") {
		t.Fatalf("expected first release to succeed")
	}
	if first.Release(StatusFailed, "late", "") {
		t.Fatalf("expected second release to be ignored")
	}
	got, ok := m.GetTask(first.ID())
	if !ok || got.Status != StatusCompleted || got.ArtifactPath != "/out/a.png" || got.FinishedAt == nil {
		t.Fatalf("unexpected record %+v", got)
	}
	if _, err := m.Acquire(KindGenerate, nil); err != nil {
		t.Fatalf("expected free slot after release: %v", err)
	}
}

func TestCancelAfterReleaseIsNoop(t *testing.T) {
	m := newTestManager(t)
	var calls atomic.Int32
	lease, err := m.Acquire(KindGenerate, func() { calls.Add(1) })
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !m.Cancel(KindGenerate) {
		t.Fatalf("expected cancel to reach occupant")
	}
	lease.Release(StatusCancelled, "", "")
	if m.Cancel(KindGenerate) {
		t.Fatalf("expected cancel on empty slot to report false")
	}
	if lease.requestCancel() {
		t.Fatalf("expected cancel after release to be a no-op")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one cancel call, got %d", calls.Load())
	}
}

func TestTakeoverCancelsStaleOccupant(t *testing.T) {
	m := newTestManager(t)
	var old *Lease
	old, err := m.Acquire(KindDownloadEngine, func() {
		go old.Release(StatusCancelled, "superseded", "")
	})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	next, err := m.Takeover(ctx, KindDownloadEngine, nil)
	if err != nil {
		t.Fatalf("takeover: %v", err)
	}
	prev, _ := m.GetTask(old.ID())
	if prev.Status != StatusCancelled {
		t.Fatalf("expected superseded task cancelled, got %s", prev.Status)
	}
	cur, ok := m.Current(KindDownloadEngine)
	if !ok || cur.ID != next.ID() {
		t.Fatalf("expected new occupant, got %+v", cur)
	}
}

func TestTakeoverHonoursContext(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Acquire(KindDownloadWeights, func() {}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.Takeover(ctx, KindDownloadWeights, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestSetStatusIgnoresTerminal(t *testing.T) {
	m := newTestManager(t)
	lease, _ := m.Acquire(KindGenerate, nil)
	lease.SetStatus(StatusRunning)
	if lease.Task().Status != StatusRunning {
		t.Fatalf("expected running")
	}
	started := lease.Task().StartedAt
	if started == nil {
		t.Fatalf("expected started_at on first running transition")
	}
	lease.SetStatus(StatusCancelling)
	lease.SetStatus(StatusRunning)
	if !lease.Task().StartedAt.Equal(*started) {
		t.Fatalf("started_at must not move")
	}
	lease.SetStatus(StatusCompleted)
	if lease.Task().Status != StatusRunning {
		t.Fatalf("terminal status must go through Release")
	}
	lease.Release(StatusFailed, "boom", "")
	lease.SetStatus(StatusCancelling)
	if lease.Task().Status != StatusFailed {
		t.Fatalf("status changed after release")
	}
}

func TestWaitAll(t *testing.T) {
	m := newTestManager(t)
	lease, _ := m.Acquire(KindGenerate, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if m.WaitAll(ctx) {
		t.Fatalf("expected timeout while a lease is held")
	}

	lease.Release(StatusCompleted, "", "")
	if !m.WaitAll(context.Background()) {
		t.Fatalf("expected all tasks finished")
	}
}

func TestLoadFromDiskMarksInterrupted(t *testing.T) {
	for _, backend := range []string{"file", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			dir := t.TempDir()
			store, err := OpenStore(backend, dir)
			if err != nil {
				t.Fatalf("open store: %v", err)
			}
			m := NewManagerWithOptions(Options{DataDir: dir, Store: store})
			running, _ := m.Acquire(KindGenerate, nil)
			running.SetStatus(StatusRunning)
			done, _ := m.Acquire(KindDownloadWeights, nil)
			done.Release(StatusCompleted, "", filepath.Join(dir, "w.gguf"))
			if err := m.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}

			store, err = OpenStore(backend, dir)
			if err != nil {
				t.Fatalf("reopen store: %v", err)
			}
			reloaded := NewManagerWithOptions(Options{DataDir: dir, Store: store})
			defer func() { _ = reloaded.Close() }()
			if err := reloaded.LoadFromDisk(); err != nil {
				t.Fatalf("load: %v", err)
			}
			got, ok := reloaded.GetTask(running.ID())
			if !ok || got.Status != StatusFailed || got.Message != interruptedMessage {
				t.Fatalf("expected interrupted task failed, got %+v", got)
			}
			if got.StartedAt == nil {
				t.Fatalf("expected started_at to survive reload")
			}
			got, ok = reloaded.GetTask(done.ID())
			if !ok || got.Status != StatusCompleted {
				t.Fatalf("expected completed task kept, got %+v", got)
			}
			if len(reloaded.List()) != 2 {
				t.Fatalf("expected 2 tasks, got %d", len(reloaded.List()))
			}
		})
	}
}

func TestOpenStoreUnknownBackend(t *testing.T) {
	if _, err := OpenStore("postgres", t.TempDir()); !errors.Is(err, ErrUnknownStore) {
		t.Fatalf("expected ErrUnknownStore, got %v", err)
	}
}

func TestMemoryStoreKeepsHistoryWithoutFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore("memory", dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	m := NewManagerWithOptions(Options{DataDir: dir, Store: store})
	lease, _ := m.Acquire(KindGenerate, nil)
	lease.SetStatus(StatusRunning)
	lease.Release(StatusCompleted, "", "out.png")

	loaded, err := store.LoadTasks(context.Background())
	if err != nil || len(loaded) != 1 || loaded[0].Status != StatusCompleted {
		t.Fatalf("unexpected stored history %v err=%v", loaded, err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("memory store must not write files, found %d entries", len(entries))
	}
}
