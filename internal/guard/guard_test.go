package guard

import (
	"errors"
	"sync"
	"testing"
)

func TestRunReturnsResultWhileValid(t *testing.T) {
	g := New()
	got, ok, err := Run(g, func() (int, error) { return 42, nil })
	if err != nil || !ok || got != 42 {
		t.Fatalf("Run()=%d,%v,%v want 42,true,nil", got, ok, err)
	}
}

func TestRunSkipsWhenInvalid(t *testing.T) {
	g := New()
	g.Invalidate()
	called := false
	_, ok, err := Run(g, func() (int, error) {
		called = true
		return 1, nil
	})
	if ok || err != nil || called {
		t.Fatalf("expected skipped call, got ok=%v err=%v called=%v", ok, err, called)
	}
}

func TestRunDiscardsResultInvalidatedMidway(t *testing.T) {
	g := New()
	_, ok, err := Run(g, func() (string, error) {
		g.Invalidate()
		return "stale", nil
	})
	if ok || err != nil {
		t.Fatalf("expected discarded result, got ok=%v err=%v", ok, err)
	}
}

func TestRunErrorHandling(t *testing.T) {
	boom := errors.New("boom")

	g := New()
	if _, _, err := Run(g, func() (int, error) { return 0, boom }); !errors.Is(err, boom) {
		t.Fatalf("expected error to propagate, got %v", err)
	}

	g = New()
	_, ok, err := Run(g, func() (int, error) {
		g.Invalidate()
		return 0, boom
	})
	if ok || err != nil {
		t.Fatalf("expected swallowed error after invalidation, got ok=%v err=%v", ok, err)
	}
}

func TestInvalidateIsIdempotentAndResettable(t *testing.T) {
	g := New()
	g.Invalidate()
	g.Invalidate()
	if g.Check() {
		t.Fatalf("expected invalid guard")
	}
	g.Reset()
	if !g.Check() {
		t.Fatalf("expected valid guard after reset")
	}
}

func TestDoStopsAfterInvalidate(t *testing.T) {
	g := New()
	var (
		mu      sync.Mutex
		emitted int
		wg      sync.WaitGroup
		stop    = make(chan struct{})
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			g.Do(func() {
				mu.Lock()
				emitted++
				mu.Unlock()
			})
		}
	}()

	g.Invalidate()
	mu.Lock()
	seen := emitted
	mu.Unlock()

	for i := 0; i < 100; i++ {
		if g.Do(func() {}) {
			t.Fatalf("Do ran after invalidation")
		}
	}
	close(stop)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if emitted != seen {
		t.Fatalf("side effects after invalidate: before=%d after=%d", seen, emitted)
	}
}
