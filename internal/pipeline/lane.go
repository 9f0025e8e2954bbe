package pipeline

import (
	"context"
	"errors"
	"sync"

	"snapcal/internal/model"
)

// ErrLaneClosed is returned by tasks submitted after Close.
var ErrLaneClosed = errors.New("pipeline: lane closed")

// Lane runs submitted work on a fixed set of worker goroutines, away from
// the caller. Runs on the same lane are not mutually exclusive.
type Lane struct {
	jobs chan func()
	wg   sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewLane starts workers goroutines reading from a queue of size queue.
func NewLane(workers, queue int) *Lane {
	if workers <= 0 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	l := &Lane{jobs: make(chan func(), queue)}
	for i := 0; i < workers; i++ {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			for job := range l.jobs {
				job()
			}
		}()
	}
	return l
}

// Close stops accepting work and waits for queued jobs to drain.
func (l *Lane) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.jobs)
	l.mu.Unlock()
	l.wg.Wait()
}

// Task is the future for one submitted job.
type Task[T any] struct {
	done   chan struct{}
	cancel context.CancelFunc

	val T
	err error
}

// Submit queues fn on l. The context passed to fn is derived from ctx and
// is cancelled by Task.Cancel. Submit blocks while the queue is full unless
// ctx ends first.
func Submit[T any](ctx context.Context, l *Lane, fn func(context.Context) (T, error)) *Task[T] {
	tctx, cancel := context.WithCancel(ctx)
	t := &Task[T]{done: make(chan struct{}), cancel: cancel}

	job := func() {
		defer close(t.done)
		defer cancel()
		if err := tctx.Err(); err != nil {
			t.err = err
			return
		}
		t.val, t.err = fn(tctx)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		t.finish(ErrLaneClosed)
		return t
	}
	select {
	case l.jobs <- job:
	case <-tctx.Done():
		t.finish(tctx.Err())
	}
	return t
}

func (t *Task[T]) finish(err error) {
	t.err = err
	t.cancel()
	close(t.done)
}

// Done is closed once the task has finished.
func (t *Task[T]) Done() <-chan struct{} { return t.done }

// Cancel asks the running job to stop. In-flight HTTP calls observe it
// through their request context.
func (t *Task[T]) Cancel() { t.cancel() }

// Wait blocks until the task finishes or ctx ends. A ctx expiry does not
// cancel the task.
func (t *Task[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		return t.val, t.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// RunAsync submits a full run to l.
func (o *Orchestrator) RunAsync(ctx context.Context, l *Lane, in Input, cfg model.ProviderConfig) *Task[Result] {
	return Submit(ctx, l, func(ctx context.Context) (Result, error) {
		return o.Run(ctx, in, cfg)
	})
}
