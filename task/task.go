// Package task implements the single-assignment future every pipeline reports through.
//
// A Task settles exactly once, either resolved with a value or rejected with an error.
// Until then it can emit any number of progress events to at most one subscriber.
// Tasks have no cancellation of their own: the pipeline that owns a task aborts the
// underlying work and decides whether to reject the task or to leave it unsettled.
package task

import (
	"context"
	"sync"

	"github.com/bitrise-io/go-chunkupload/blob"
)

// ProgressFunc receives the number of bytes processed so far.
type ProgressFunc func(done int64)

// Task is a future of T with a progress stream.
type Task[T any] struct {
	source blob.Blob
	id     string

	mu       sync.Mutex
	progress ProgressFunc

	// emitMu serializes progress delivery against settlement.
	emitMu  sync.Mutex
	settled bool
	done    chan struct{}
	value   T
	err     error
}

// New creates an unsettled task for the given source.
func New[T any](source blob.Blob, id string) *Task[T] {
	return &Task[T]{
		source: source,
		id:     id,
		done:   make(chan struct{}),
	}
}

// ID returns the identifier the owning pipeline gave the task.
func (t *Task[T]) ID() string { return t.id }

// Source returns the blob the task works on.
func (t *Task[T]) Source() blob.Blob { return t.source }

// Tap subscribes fn to progress events, replacing any previous subscriber.
func (t *Task[T]) Tap(fn ProgressFunc) *Task[T] {
	t.mu.Lock()
	t.progress = fn
	t.mu.Unlock()
	return t
}

// Progress emits a progress event. It is dropped once the task has settled.
// The subscriber must not call back into the same task.
func (t *Task[T]) Progress(done int64) {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()
	if t.settled {
		return
	}

	t.mu.Lock()
	fn := t.progress
	t.mu.Unlock()
	if fn != nil {
		fn(done)
	}
}

// Resolve settles the task with v. It reports false if the task had already settled.
func (t *Task[T]) Resolve(v T) bool {
	return t.settle(v, nil)
}

// Reject settles the task with err. It reports false if the task had already settled.
func (t *Task[T]) Reject(err error) bool {
	var zero T
	return t.settle(zero, err)
}

func (t *Task[T]) settle(v T, err error) bool {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()
	if t.settled {
		return false
	}
	t.settled = true
	t.value = v
	t.err = err
	close(t.done)
	return true
}

// Settled reports whether Resolve or Reject has taken effect.
func (t *Task[T]) Settled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done is closed when the task settles.
func (t *Task[T]) Done() <-chan struct{} { return t.done }

// Result returns the outcome. It must only be called after Done is closed.
func (t *Task[T]) Result() (T, error) {
	<-t.done
	return t.value, t.err
}

// Wait blocks until the task settles or ctx is done.
func (t *Task[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		return t.value, t.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
