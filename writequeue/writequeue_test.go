package writequeue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestTryScheduleRunsWork(t *testing.T) {
	q := New(4, nil)
	q.Start()
	defer q.Shutdown(time.Second)

	var ran atomic.Bool
	done := make(chan struct{})
	ok := q.TrySchedule(func(ctx context.Context) error {
		ran.Store(true)
		close(done)
		return nil
	})
	if !ok {
		t.Fatalf("expected TrySchedule to succeed")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for work to run")
	}
	if !ran.Load() {
		t.Fatalf("expected work to have run")
	}
}

func TestZeroCapacityForcesSynchronous(t *testing.T) {
	q := New(0, nil)
	q.Start()
	defer q.Shutdown(time.Second)

	// Zero capacity must force synchronous writes unconditionally (spec
	// §8: "AsyncWriteQueueCapacity=0 forces synchronous writes"), not just
	// most of the time — an unbuffered channel send can otherwise
	// rendezvous directly with run()'s parked receive and falsely report
	// success, so every one of these must fail regardless of timing.
	for i := 0; i < 50; i++ {
		if q.TrySchedule(func(ctx context.Context) error { return nil }) {
			t.Fatalf("expected TrySchedule to always report full at zero capacity, succeeded on attempt %d", i)
		}
	}
	if _, ok := q.ScheduleAwaitable(func(ctx context.Context) error { return nil }); ok {
		t.Fatalf("expected ScheduleAwaitable to always report full at zero capacity")
	}
}

func TestScheduleAwaitableSurfacesError(t *testing.T) {
	q := New(4, nil)
	q.Start()
	defer q.Shutdown(time.Second)

	wantErr := errors.New("boom")
	done, ok := q.ScheduleAwaitable(func(ctx context.Context) error { return wantErr })
	if !ok {
		t.Fatalf("expected schedule to succeed")
	}

	select {
	case err := <-done:
		if !errors.Is(err, wantErr) {
			t.Fatalf("expected wrapped wantErr, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion signal")
	}
}

func TestShutdownDrainsBufferedWork(t *testing.T) {
	q := New(8, nil)
	q.Start()

	var count atomic.Int32
	for i := 0; i < 5; i++ {
		q.TrySchedule(func(ctx context.Context) error {
			count.Add(1)
			return nil
		})
	}
	q.Shutdown(2 * time.Second)

	if count.Load() != 5 {
		t.Fatalf("expected all 5 buffered items drained, got %d", count.Load())
	}
}
