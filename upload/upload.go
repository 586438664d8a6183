// Package upload runs files through hashing and transfer and keeps track of their progress.
package upload

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/bitrise-io/go-chunkupload/blob"
	"github.com/bitrise-io/go-chunkupload/chunk"
	"github.com/bitrise-io/go-chunkupload/hasher"
	"github.com/bitrise-io/go-chunkupload/progress"
	"github.com/bitrise-io/go-chunkupload/sender"
	"github.com/bitrise-io/go-chunkupload/task"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
)

var errAborted = errors.New("upload aborted")

// State is the lifecycle stage of an Upload.
type State int

const (
	// Pending means the upload is created but hashing has not started.
	Pending State = iota
	// Hashing means the digest of the file is being computed.
	Hashing
	// Sending means the file is looked up on the server or its chunks are being sent.
	Sending
	// Aborted means the upload was cancelled. Wait returns a nil node and no error.
	Aborted
	// Error means hashing or sending failed. Wait returns the error.
	Error
	// Finished means the server holds the file. Wait returns its node.
	Finished
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Hashing:
		return "hashing"
	case Sending:
		return "sending"
	case Aborted:
		return "aborted"
	case Error:
		return "error"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// Upload is one file on its way through the Hasher and then the Sender.
type Upload struct {
	id       string
	blob     blob.Blob
	fileName string
	dedup    sender.Deduplicator
	hasher   *hasher.Hasher
	sender   *sender.Sender
	logger   log.Logger
	progress *progress.Estimator

	outcome      *task.Task[*chunk.FileNode]
	abortCh      chan struct{}
	sendProgress atomic.Bool

	mu       sync.Mutex
	state    State
	hashTask *task.Task[digest.Digest]
	sendTask *task.Task[*chunk.FileNode]
	data     interface{}
}

func newUpload(b blob.Blob, fileName string, dedup sender.Deduplicator, h *hasher.Hasher, s *sender.Sender, logger log.Logger, progressOpts ...progress.Option) *Upload {
	id := uuid.NewString()
	u := &Upload{
		id:       id,
		blob:     b,
		fileName: fileName,
		dedup:    dedup,
		hasher:   h,
		sender:   s,
		logger:   logger,
		progress: progress.New(b.Size(), progressOpts...),
		outcome:  task.New[*chunk.FileNode](b, id),
		abortCh:  make(chan struct{}),
	}

	u.mu.Lock()
	u.state = Hashing
	u.hashTask = h.HashFile(b, u.progress.SetProgress)
	u.mu.Unlock()

	go u.run()
	return u
}

// ID returns a random identifier of the upload.
func (u *Upload) ID() string { return u.id }

// FileName ...
func (u *Upload) FileName() string { return u.fileName }

// FileSize ...
func (u *Upload) FileSize() int64 { return u.blob.Size() }

// State ...
func (u *Upload) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Progress returns the progress of the current stage. Hashing and sending both count
// from 0 to the file size.
func (u *Upload) Progress() progress.Stats {
	return u.progress.Snapshot()
}

// UpdateProgress commits the latest progress as a speed sample.
func (u *Upload) UpdateProgress() {
	u.progress.Save()
}

// SetCustomData attaches arbitrary caller data to the upload.
func (u *Upload) SetCustomData(data interface{}) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.data = data
}

// CustomData returns what was passed to SetCustomData.
func (u *Upload) CustomData() interface{} {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.data
}

// Done is closed once the upload finished, failed or was aborted.
func (u *Upload) Done() <-chan struct{} {
	return u.outcome.Done()
}

// Wait returns the uploaded file resource. An aborted upload returns (nil, nil).
func (u *Upload) Wait(ctx context.Context) (*chunk.FileNode, error) {
	return u.outcome.Wait(ctx)
}

// Abort stops the upload unless it already finished, failed or was aborted.
func (u *Upload) Abort() {
	u.mu.Lock()
	switch u.state {
	case Finished, Error, Aborted:
		u.mu.Unlock()
		return
	}
	u.state = Aborted
	hashTask, sendTask := u.hashTask, u.sendTask
	u.mu.Unlock()

	u.logger.Infof("Upload of %s aborted", u.fileName)
	close(u.abortCh)
	if hashTask != nil {
		u.hasher.Remove(hashTask)
	}
	if sendTask != nil {
		u.sender.Remove(sendTask)
	}
}

func (u *Upload) run() {
	u.logger.TDebugf("Hashing %s (%s)", u.fileName, units.HumanSize(float64(u.blob.Size())))

	d, err := await(u.hashTask, u.abortCh)
	if err != nil {
		u.fail(err)
		return
	}
	u.progress.SetProgress(u.blob.Size())
	u.logger.TDebugf("Hashed %s: %s", u.fileName, d)

	u.mu.Lock()
	if u.state == Aborted {
		u.mu.Unlock()
		u.outcome.Resolve(nil)
		return
	}
	u.state = Sending
	u.mu.Unlock()

	sendTask := u.sender.SendFile(u.blob, u.fileName, d, u.dedup, u.onSendProgress)

	u.mu.Lock()
	u.sendTask = sendTask
	aborted := u.state == Aborted
	u.mu.Unlock()
	if aborted {
		u.sender.Remove(sendTask)
		u.outcome.Resolve(nil)
		return
	}

	node, err := await(sendTask, u.abortCh)
	if err != nil {
		u.fail(err)
		return
	}

	u.mu.Lock()
	if u.state == Aborted {
		u.mu.Unlock()
		u.outcome.Resolve(nil)
		return
	}
	u.state = Finished
	u.mu.Unlock()

	u.progress.SetProgress(u.blob.Size())
	u.logger.TDebugf("Finished %s", u.fileName)
	u.outcome.Resolve(node)
}

// onSendProgress resets the estimator on a 0 report until the transfer has made progress,
// so restarting from scratch is not measured as a rewind.
func (u *Upload) onSendProgress(done int64) {
	if done == 0 && !u.sendProgress.Load() {
		u.progress.Reset()
	} else if done > 0 {
		u.sendProgress.Store(true)
	}
	u.progress.SetProgress(done)
}

// fail swallows err if the upload was aborted meanwhile.
func (u *Upload) fail(err error) {
	u.mu.Lock()
	if u.state == Aborted {
		u.mu.Unlock()
		u.outcome.Resolve(nil)
		return
	}
	u.state = Error
	u.mu.Unlock()

	u.outcome.Reject(err)
}

// await waits for t to settle. Removed tasks never settle, so abort ends the wait too.
func await[T any](t *task.Task[T], abort <-chan struct{}) (T, error) {
	select {
	case <-t.Done():
		return t.Result()
	case <-abort:
		var zero T
		return zero, errAborted
	}
}
