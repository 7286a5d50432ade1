// Package writequeue implements the bounded, single-consumer Async Write
// Queue that offloads slow lower-tier writes off the caller's path
// (spec.md §4.7), grounded on the teacher's warming/worker_pool.go single
// consumer-loop shape, narrowed to exactly one worker per spec's "single
// consumer task (at most one at a time per instance)".
package writequeue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Work is a single deferred write. ctx carries its own cancellation,
// separate from whatever caller originally enqueued it, so a cancelled
// caller never loses a queued write (spec §5).
type Work func(ctx context.Context) error

type workItem struct {
	fn   Work
	done chan error // non-nil only for ScheduleAwaitable
}

// Queue is a bounded FIFO of Work items drained by a single consumer
// goroutine.
type Queue struct {
	log *zap.Logger

	// capacity == 0 means every schedule attempt must report the queue
	// full, even though an unbuffered channel send can otherwise
	// rendezvous directly with a parked receiver (spec §8:
	// "AsyncWriteQueueCapacity=0 forces synchronous writes" is
	// unconditional, not best-effort).
	capacity int
	items    chan workItem

	// fullLogLimiter paces the "queue full" debug log so a sustained
	// burst of TrySchedule failures doesn't flood logging output; it has
	// no effect on scheduling behavior itself.
	fullLogLimiter *rate.Limiter

	startOnce sync.Once
	runDone   chan struct{}

	closeOnce sync.Once
	stopCh    chan struct{}
}

// New creates a write queue with the given bounded capacity. A capacity of
// 0 means every TrySchedule call reports the queue full, forcing callers
// onto the synchronous path (spec §8, "AsyncWriteQueueCapacity=0 forces
// synchronous writes").
func New(capacity int, log *zap.Logger) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	q := &Queue{
		log:            log,
		capacity:       capacity,
		items:          make(chan workItem, capacity),
		fullLogLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
		runDone:        make(chan struct{}),
		stopCh:         make(chan struct{}),
	}
	return q
}

// Start launches the single consumer goroutine. Calling Start more than
// once is a no-op.
func (q *Queue) Start() {
	q.startOnce.Do(func() {
		go q.run()
	})
}

func (q *Queue) run() {
	defer close(q.runDone)
	for {
		select {
		case <-q.stopCh:
			q.drainBestEffort()
			return
		case it := <-q.items:
			q.execute(it)
		}
	}
}

func (q *Queue) execute(it workItem) {
	// Each item gets its own cancellation token, separate from the
	// worker's own lifetime, per spec §5.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err := it.fn(ctx)
	cancel()
	if err != nil {
		q.log.Warn("async write failed", zap.Error(err))
	}
	if it.done != nil {
		it.done <- err
		close(it.done)
	}
}

// drainBestEffort runs whatever remains buffered in the channel once
// shutdown begins, without blocking indefinitely.
func (q *Queue) drainBestEffort() {
	for {
		select {
		case it := <-q.items:
			q.execute(it)
		default:
			return
		}
	}
}

// TrySchedule enqueues work without blocking. It reports false if the
// queue is full, in which case the caller must perform the write
// synchronously (spec §4.7: "logged at debug level" by the caller).
func (q *Queue) TrySchedule(work Work) bool {
	if q.capacity == 0 {
		q.logFull()
		return false
	}
	select {
	case q.items <- workItem{fn: work}:
		return true
	default:
		q.logFull()
		return false
	}
}

func (q *Queue) logFull() {
	if q.fullLogLimiter.Allow() {
		q.log.Debug("async write queue full, caller must write synchronously")
	}
}

// ScheduleAwaitable enqueues work and returns a channel the caller may
// receive from to observe completion (and any error), or nil if the queue
// was full (mirroring TrySchedule's failure mode).
func (q *Queue) ScheduleAwaitable(work Work) (<-chan error, bool) {
	if q.capacity == 0 {
		q.logFull()
		return nil, false
	}
	done := make(chan error, 1)
	select {
	case q.items <- workItem{fn: work, done: done}:
		return done, true
	default:
		q.logFull()
		return nil, false
	}
}

// Len reports the number of items currently buffered, mainly for tests
// and telemetry.
func (q *Queue) Len() int { return len(q.items) }

// Shutdown signals the consumer to stop, best-effort drains whatever is
// already buffered, and waits up to timeout for it to finish.
func (q *Queue) Shutdown(timeout time.Duration) {
	q.closeOnce.Do(func() { close(q.stopCh) })
	select {
	case <-q.runDone:
	case <-time.After(timeout):
		q.log.Warn("write queue shutdown timed out waiting for consumer")
	}
}
