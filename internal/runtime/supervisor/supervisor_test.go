package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("boom", func(ctx context.Context) error { panic("kaboom") })
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Stop(ctx)
	if err == nil {
		t.Fatalf("expected panic to surface as error")
	}
	snap := s.Snapshot()
	if len(snap.Goroutines) != 1 || snap.Goroutines[0].Panics != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestGoRestartRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if runs.Load() != 3 {
		t.Fatalf("runs = %d, want 3", runs.Load())
	}
}

func TestGoCancelableStopsOnlyItsGoroutine(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	defer s.Cancel()
	cancelA, doneA := s.GoCancelable("worker.a", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	_, doneB := s.GoCancelable("worker.b", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	cancelA()
	select {
	case <-doneA:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker.a did not stop")
	}
	select {
	case <-doneB:
		t.Fatalf("worker.b stopped with a")
	case <-time.After(20 * time.Millisecond):
	}
	if s.Err() != nil {
		t.Fatalf("cancellation must not be an error: %v", s.Err())
	}
}
