// Package hasher computes content digests of blobs one at a time, in submission order.
//
// Digests run on a dedicated worker goroutine. A job cannot be interrupted gracefully:
// removing the active job, or a worker crash, discards the worker and starts a new one.
package hasher

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/bitrise-io/go-chunkupload/blob"
	"github.com/bitrise-io/go-chunkupload/task"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/opencontainers/go-digest"
)

// Options ...
type Options struct {
	// Digest computes one digest.
	// Default: sha256 in 2 MiB blocks
	Digest DigestFunc
	Logger log.Logger
}

type pending struct {
	job  job
	task *task.Task[digest.Digest]
}

// Hasher is a single-job digest pipeline.
type Hasher struct {
	digest DigestFunc
	logger log.Logger

	nextID atomic.Uint64
	paused atomic.Bool

	cmds      chan func()
	events    chan event
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// Owned by the loop goroutine.
	queue      []pending
	active     *pending
	worker     *worker
	generation uint64
	halted     bool
}

// New starts a Hasher and its first worker.
func New(opts Options) *Hasher {
	if opts.Logger == nil {
		opts.Logger = log.NewLogger()
	}
	if opts.Digest == nil {
		opts.Digest = NewDigestFunc(digest.Canonical, DefaultBlockSize)
	}

	h := &Hasher{
		digest:  opts.Digest,
		logger:  opts.Logger,
		cmds:    make(chan func()),
		events:  make(chan event),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	h.respawn()

	go h.loop()
	return h
}

// HashFile queues b and returns the task that settles with its digest.
// The task emits 0 progress when the job starts, then the number of bytes hashed.
// progress, if not nil, is subscribed before the job can start and must not call
// back into the Hasher.
func (h *Hasher) HashFile(b blob.Blob, progress task.ProgressFunc) *task.Task[digest.Digest] {
	id := h.nextID.Add(1)
	t := task.New[digest.Digest](b, strconv.FormatUint(id, 10))
	if progress != nil {
		t.Tap(progress)
	}
	p := pending{job: job{id: id, blob: b}, task: t}

	if !h.do(func() {
		h.queue = append(h.queue, p)
		h.dispatch()
	}) {
		t.Reject(ErrClosed)
	}
	return t
}

// Remove drops the job of t. A queued job is forgotten, an active one is abandoned by
// replacing the worker. The task of a removed job never settles.
func (h *Hasher) Remove(t *task.Task[digest.Digest]) {
	h.do(func() {
		for i, p := range h.queue {
			if p.task == t {
				h.queue = append(h.queue[:i], h.queue[i+1:]...)
				return
			}
		}

		if h.active != nil && h.active.task == t {
			h.logger.Debugf("Abandoning active digest job %d", h.active.job.id)
			h.active = nil
			h.respawn()
			h.dispatch()
		}
	})
}

// SetPaused stops or resumes dispatching. The active job always runs to completion.
func (h *Hasher) SetPaused(paused bool) {
	h.paused.Store(paused)
	h.do(func() {
		h.halted = paused
		h.dispatch()
	})
}

// Paused ...
func (h *Hasher) Paused() bool {
	return h.paused.Load()
}

// Close stops the worker and rejects every unfinished job with ErrClosed.
func (h *Hasher) Close() {
	h.closeOnce.Do(func() {
		close(h.closing)
	})
	<-h.done
}

func (h *Hasher) do(fn func()) bool {
	select {
	case h.cmds <- fn:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hasher) loop() {
	defer close(h.done)

	for {
		select {
		case fn := <-h.cmds:
			fn()
		case e := <-h.events:
			h.handle(e)
		case <-h.closing:
			h.shutdown()
			return
		}
	}
}

func (h *Hasher) handle(e event) {
	if e.generation != h.generation || h.active == nil || h.active.job.id != e.id {
		return
	}

	t := h.active.task
	switch e.kind {
	case progressEvent:
		t.Progress(e.progress)
		return
	case hashEvent:
		t.Resolve(e.hash)
	case errorEvent:
		h.logger.Warnf("Digest job %d failed: %s", e.id, e.err)
		t.Reject(&DigestError{Err: e.err})
	case faultEvent:
		h.logger.Warnf("Digest worker crashed on job %d, replacing it: %v", e.id, e.fault)
		t.Reject(&FaultError{Value: e.fault})
		h.respawn()
	}

	h.active = nil
	h.dispatch()
}

func (h *Hasher) dispatch() {
	if h.halted || h.active != nil || len(h.queue) == 0 {
		return
	}

	next := h.queue[0]
	h.queue = h.queue[1:]
	h.active = &next

	h.worker.jobs <- next.job
	next.task.Progress(0)
}

func (h *Hasher) respawn() {
	if h.worker != nil {
		h.worker.stop()
	}
	h.generation++
	h.worker = startWorker(h.generation, h.digest, h.events)
}

func (h *Hasher) shutdown() {
	h.worker.stop()
	if h.active != nil {
		h.active.task.Reject(ErrClosed)
		h.active = nil
	}
	for _, p := range h.queue {
		p.task.Reject(ErrClosed)
	}
	h.queue = nil
}
