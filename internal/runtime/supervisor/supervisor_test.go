package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRecoversPanic(t *testing.T) {
	s := New(context.Background())
	s.Go("boom", func(ctx context.Context) error {
		panic("kaboom")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Stop(ctx)
	if err == nil {
		t.Fatal("expected first error from panicking goroutine")
	}

	snap := s.Snapshot()
	if len(snap.Goroutines) != 1 || snap.Goroutines[0].Panics != 1 {
		t.Fatalf("snapshot = %+v, want one goroutine with one panic", snap.Goroutines)
	}
}

func TestGoRestartRetriesUntilSuccess(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32
	done := make(chan struct{})
	s.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("restart loop did not reach a successful run")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
}

func TestGoRestartGivesUp(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("hopeless", func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("nope")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	// The loop exits on its own after exhausting restarts.
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
}

func TestHealthyAndCancelOnError(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	if !s.Healthy() {
		t.Fatal("fresh supervisor not healthy")
	}
	s.Go("fatal", func(ctx context.Context) error { return errors.New("hub config broken") })

	select {
	case <-s.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not canceled on error")
	}
	if s.Healthy() {
		t.Fatal("healthy after a fatal error")
	}
	if err := s.Err(); err == nil || err.Error() != "fatal: hub config broken" {
		t.Fatalf("Err = %v", err)
	}
}

func TestBackoffGrowsAndResets(t *testing.T) {
	t.Parallel()
	b := Backoff{Min: 100 * time.Millisecond, Max: 400 * time.Millisecond}
	within := func(got, base time.Duration) bool { return got >= base && got <= base+base/5 }

	for i, base := range []time.Duration{100, 200, 400, 400} {
		base *= time.Millisecond
		if got := b.Next(); !within(got, base) {
			t.Fatalf("step %d = %v, want %v plus at most 20%%", i, got, base)
		}
	}
	b.Reset()
	if got := b.Next(); !within(got, 100*time.Millisecond) {
		t.Fatalf("after Reset = %v", got)
	}
}

func TestSleepHonorsContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if Sleep(ctx, time.Hour) {
		t.Fatal("Sleep returned true on a canceled context")
	}
	if !Sleep(context.Background(), time.Millisecond) {
		t.Fatal("Sleep returned false without cancellation")
	}
}
