package hasher

import (
	"context"

	"github.com/bitrise-io/go-chunkupload/blob"
	"github.com/opencontainers/go-digest"
)

type job struct {
	id   uint64
	blob blob.Blob
}

type eventKind int

const (
	progressEvent eventKind = iota
	hashEvent
	errorEvent
	faultEvent
)

// event is a message from a worker about one job. Exactly one terminal event
// (hash, error or fault) follows any number of progress events.
type event struct {
	generation uint64
	id         uint64
	kind       eventKind

	progress int64
	hash     digest.Digest
	err      error
	fault    interface{}
}

// worker runs one job at a time. Tearing it down is the only way to stop a job.
type worker struct {
	generation uint64
	jobs       chan job
	cancel     context.CancelFunc
}

func startWorker(generation uint64, fn DigestFunc, events chan<- event) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{
		generation: generation,
		jobs:       make(chan job, 1),
		cancel:     cancel,
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case j := <-w.jobs:
				if !w.run(ctx, j, fn, events) {
					return
				}
			}
		}
	}()

	return w
}

func (w *worker) stop() {
	w.cancel()
}

// run reports false when the worker faulted and must not take further jobs.
func (w *worker) run(ctx context.Context, j job, fn DigestFunc, events chan<- event) (ok bool) {
	send := func(e event) {
		e.generation = w.generation
		e.id = j.id
		select {
		case events <- e:
		case <-ctx.Done():
		}
	}

	defer func() {
		if r := recover(); r != nil {
			send(event{kind: faultEvent, fault: r})
			ok = false
		}
	}()

	hash, err := fn(ctx, j.blob, func(done int64) {
		send(event{kind: progressEvent, progress: done})
	})
	if err != nil {
		send(event{kind: errorEvent, err: err})
		return true
	}

	send(event{kind: hashEvent, hash: hash})
	return true
}
