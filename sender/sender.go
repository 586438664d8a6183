// Package sender drives the chunked transfer of queued files, one file at a time.
//
// For every file the Sender first asks a Deduplicator whether the server already has the
// content. If it does, the file is done without sending a byte. Otherwise its chunks are
// sent one after the other, each next chunk starting right after the last byte the server
// confirmed. The chunk size adapts to the observed transfer time and is shared by all files.
package sender

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-chunkupload/blob"
	"github.com/bitrise-io/go-chunkupload/chunk"
	"github.com/bitrise-io/go-chunkupload/task"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/opencontainers/go-digest"
)

// Options ...
type Options struct {
	Tuning Tuning
	Chunk  chunk.Options
	Logger log.Logger
}

type item struct {
	blob     blob.Blob
	filename string
	digest   digest.Digest
	dedup    Deduplicator
	task     *task.Task[*chunk.FileNode]

	chunk        *chunk.Chunk
	uploadURL    string
	token        string
	aborted      bool
	sent         int64
	chunks       int
	cancelLookup context.CancelFunc
}

// Sender is a single-file transfer pipeline.
type Sender struct {
	tuning    Tuning
	chunkOpts chunk.Options
	logger    log.Logger
	stats     *Stats

	paused    atomic.Bool
	chunkSize atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	cmds      chan func()
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// Owned by the loop goroutine.
	queue        []*item
	current      *item
	halted       bool
	chunkSending bool
	size         int64
}

// New starts a Sender.
func New(opts Options) *Sender {
	if opts.Logger == nil {
		opts.Logger = log.NewLogger()
	}
	if opts.Chunk.Logger == nil {
		opts.Chunk.Logger = opts.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Sender{
		tuning:    opts.Tuning.WithDefaults(),
		chunkOpts: opts.Chunk.WithDefaults(),
		logger:    opts.Logger,
		stats:     newStats(),
		ctx:       ctx,
		cancel:    cancel,
		cmds:      make(chan func()),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.setChunkSize(s.tuning.Initial)

	go s.loop()
	return s
}

// SendFile queues b for transfer and returns the task that settles with the file resource.
// progress, if not nil, is subscribed before the file can start; it receives the number of
// bytes the server has (or is being sent) and must not call back into the Sender.
func (s *Sender) SendFile(b blob.Blob, filename string, d digest.Digest, dedup Deduplicator, progress task.ProgressFunc) *task.Task[*chunk.FileNode] {
	t := task.New[*chunk.FileNode](b, d.String())
	if progress != nil {
		t.Tap(progress)
	}

	if dedup == nil {
		t.Reject(ErrMissingDeduplicator)
		return t
	}

	it := &item{
		blob:     b,
		filename: filename,
		digest:   d,
		dedup:    dedup,
		task:     t,
	}
	if !s.do(func() {
		s.queue = append(s.queue, it)
		s.launchNext()
	}) {
		t.Reject(ErrClosed)
	}
	return t
}

// Remove drops the file of t. A queued file is forgotten. The active file is marked
// aborted, its lookup or chunk is cancelled and the next file starts. The task of a
// removed file is never settled.
func (s *Sender) Remove(t *task.Task[*chunk.FileNode]) {
	s.do(func() {
		if cur := s.current; cur != nil && cur.task == t {
			s.logger.Debugf("Aborting upload of %s", cur.filename)
			cur.aborted = true
			if cur.cancelLookup != nil {
				cur.cancelLookup()
			}
			if cur.chunk != nil {
				cur.chunk.Abort()
			}
			s.current = nil
			s.chunkSending = false
			s.launchNext()
			return
		}

		for i, it := range s.queue {
			if it.task == t {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				return
			}
		}
	})
}

// SetPaused stops or resumes starting lookups and chunks. A chunk in flight completes
// and its result is applied.
func (s *Sender) SetPaused(paused bool) {
	s.paused.Store(paused)
	s.do(func() {
		s.halted = paused
		s.launchNext()
	})
}

// Paused ...
func (s *Sender) Paused() bool {
	return s.paused.Load()
}

// ChunkSize returns the size the next chunk will be built with.
func (s *Sender) ChunkSize() int64 {
	return s.chunkSize.Load()
}

// Stats returns the transfer statistics.
func (s *Sender) Stats() *Stats {
	return s.stats
}

// Close cancels the active transfer and rejects every unfinished file with ErrClosed.
func (s *Sender) Close() {
	s.closeOnce.Do(func() {
		close(s.closing)
	})
	<-s.done
}

func (s *Sender) do(fn func()) bool {
	select {
	case s.cmds <- fn:
		return true
	case <-s.done:
		return false
	}
}

func (s *Sender) loop() {
	defer close(s.done)

	for {
		select {
		case fn := <-s.cmds:
			fn()
		case <-s.closing:
			s.shutdown()
			return
		}
	}
}

func (s *Sender) launchNext() {
	if s.halted {
		return
	}

	if s.current == nil {
		if len(s.queue) == 0 {
			return
		}
		it := s.queue[0]
		s.queue = s.queue[1:]
		s.current = it
		it.task.Progress(0)
		s.lookup(it)
		return
	}

	if s.current.uploadURL != "" && !s.chunkSending {
		s.sendChunk(s.current)
	}
}

func (s *Sender) lookup(it *item) {
	s.logger.Debugf("Looking up %s (%s)", it.filename, it.digest)

	ctx, cancel := context.WithCancel(s.ctx)
	it.cancelLookup = cancel

	go func() {
		state, err := it.dedup.Lookup(ctx, it.digest, it.filename)
		s.do(func() {
			s.onLookup(it, state, err)
		})
	}()
}

func (s *Sender) onLookup(it *item, state FileState, err error) {
	it.cancelLookup()
	if s.current != it || it.aborted {
		return
	}

	if err != nil {
		s.fail(it, &LookupError{Filename: it.filename, Err: err})
		return
	}

	switch state.Kind {
	case KindAlreadyExisting, KindCreated:
		if state.Node == nil {
			s.fail(it, ErrMissingNode)
			return
		}
		s.logger.Infof("%s is %s on the server, skipping upload", it.filename, state.Kind)
		it.task.Resolve(state.Node)
		s.current = nil
		s.launchNext()
	case KindToUpload:
		if state.UploadURL == "" {
			s.fail(it, ErrMissingUploadURL)
			return
		}
		s.logger.Infof("Uploading %s (%s)", it.filename, units.HumanSize(float64(it.blob.Size())))
		it.uploadURL = state.UploadURL
		it.token = state.Token
		it.task.Progress(0)
		s.sendChunk(it)
	default:
		s.fail(it, fmt.Errorf("unknown file state: %s", state.Kind))
	}
}

func (s *Sender) sendChunk(it *item) {
	if it.aborted || s.halted {
		return
	}

	if it.chunk == nil {
		it.chunk = chunk.New(chunk.Params{
			Blob:      it.blob,
			Filename:  it.filename,
			URL:       it.uploadURL,
			Token:     it.token,
			FirstByte: 0,
			Size:      s.size,
			SessionID: it.digest.Encoded(),
		}, s.chunkOpts)
	} else {
		it.chunk = it.chunk.Next(s.size, it.sent)
	}

	c := it.chunk
	it.chunks++
	s.chunkSending = true
	s.logger.Debugf("Sending chunk %d of %s: %s [size=%s]", it.chunks, it.filename, c, units.BytesSize(float64(s.size)))

	start := time.Now()
	t := c.Send(s.ctx).Tap(func(done int64) {
		it.task.Progress(done)
	})

	go func() {
		<-t.Done()
		out, err := t.Result()
		elapsed := time.Since(start)
		s.do(func() {
			s.onChunk(it, c, out, err, elapsed)
		})
	}()
}

func (s *Sender) onChunk(it *item, c *chunk.Chunk, out chunk.Outcome, err error, elapsed time.Duration) {
	if s.current != it || it.aborted || it.chunk != c {
		return
	}
	s.chunkSending = false

	if err != nil {
		s.stats.fileFailed()
		s.setChunkSize(s.tuning.Initial)
		s.fail(it, fmt.Errorf("upload %s: %w", it.filename, err))
		return
	}

	s.stats.chunkDone(elapsed, c.Len())

	if out.Terminal() {
		size := it.blob.Size()
		it.sent = size
		it.task.Progress(size)
		it.task.Resolve(out.File)
		s.logger.Donef("Uploaded %s in %d chunk(s)", it.filename, it.chunks)
		s.current = nil
		s.launchNext()
		return
	}

	it.sent = out.Range.End
	it.task.Progress(out.Range.End)
	s.setChunkSize(s.tuning.NextChunkSize(s.size, elapsed))
	s.sendChunk(it)
}

func (s *Sender) fail(it *item, err error) {
	s.logger.Errorf("Upload of %s failed: %s", it.filename, err)
	it.task.Reject(err)
	s.current = nil
	s.launchNext()
}

func (s *Sender) setChunkSize(size int64) {
	s.size = size
	s.chunkSize.Store(size)
}

func (s *Sender) shutdown() {
	s.cancel()
	if s.current != nil {
		s.current.aborted = true
		if s.current.chunk != nil {
			s.current.chunk.Abort()
		}
		s.current.task.Reject(ErrClosed)
		s.current = nil
	}
	for _, it := range s.queue {
		it.task.Reject(ErrClosed)
	}
	s.queue = nil
}
