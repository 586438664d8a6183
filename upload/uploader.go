package upload

import (
	"context"
	"sync"
	"time"

	"github.com/bitrise-io/go-chunkupload/blob"
	"github.com/bitrise-io/go-chunkupload/hasher"
	"github.com/bitrise-io/go-chunkupload/progress"
	"github.com/bitrise-io/go-chunkupload/sender"
	"github.com/bitrise-io/go-utils/v2/log"
	"golang.org/x/sync/errgroup"
)

// DefaultTickInterval is how often progress samples are committed.
const DefaultTickInterval = time.Second

// Options ...
type Options struct {
	Hasher hasher.Options
	Sender sender.Options

	// Dedup is used for files added without their own Deduplicator.
	Dedup sender.Deduplicator

	// TickInterval is the period of progress sampling.
	// Default: 1 second
	TickInterval time.Duration
	// ProgressWindow is the number of samples speed is averaged over.
	// Default: 30
	ProgressWindow int
	// OnTick is called after every progress sample.
	OnTick func()

	Logger log.Logger
}

// Uploader is the registry of uploads sharing one Hasher and one Sender.
type Uploader struct {
	hasher *hasher.Hasher
	sender *sender.Sender
	opts   Options
	logger log.Logger

	mu       sync.Mutex
	uploads  []*Upload
	paused   bool
	stopTick chan struct{}
}

// New creates an Uploader with its own Hasher and Sender.
func New(opts Options) *Uploader {
	if opts.Logger == nil {
		opts.Logger = log.NewLogger()
	}
	if opts.Hasher.Logger == nil {
		opts.Hasher.Logger = opts.Logger
	}
	if opts.Sender.Logger == nil {
		opts.Sender.Logger = opts.Logger
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.ProgressWindow <= 0 {
		opts.ProgressWindow = progress.DefaultWindow
	}

	return &Uploader{
		hasher: hasher.New(opts.Hasher),
		sender: sender.New(opts.Sender),
		opts:   opts,
		logger: opts.Logger,
	}
}

// Add starts uploading b as name. A nil dedup falls back to Options.Dedup.
func (u *Uploader) Add(b blob.Blob, name string, dedup sender.Deduplicator) *Upload {
	if dedup == nil {
		dedup = u.opts.Dedup
	}

	up := newUpload(b, name, dedup, u.hasher, u.sender, u.logger, progress.WithWindow(u.opts.ProgressWindow))

	u.mu.Lock()
	defer u.mu.Unlock()
	u.uploads = append(u.uploads, up)
	u.startTicker()

	return up
}

// Remove aborts up and forgets it.
func (u *Uploader) Remove(up *Upload) {
	u.mu.Lock()
	found := false
	for i, candidate := range u.uploads {
		if candidate == up {
			u.uploads = append(u.uploads[:i], u.uploads[i+1:]...)
			found = true
			break
		}
	}
	u.stopTicker()
	u.mu.Unlock()

	if found {
		up.Abort()
	}
}

// Clear aborts and forgets every upload.
func (u *Uploader) Clear() {
	u.mu.Lock()
	uploads := u.uploads
	u.uploads = nil
	u.stopTicker()
	u.mu.Unlock()

	for _, up := range uploads {
		up.Abort()
	}
}

// Uploads returns the registered uploads in the order they were added.
func (u *Uploader) Uploads() []*Upload {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]*Upload(nil), u.uploads...)
}

// SetPaused pauses or resumes both pipelines. Progress samples taken before a pause
// would distort the speed, so every estimator starts over.
func (u *Uploader) SetPaused(paused bool) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.paused = paused
	u.sender.SetPaused(paused)
	u.hasher.SetPaused(paused)
	for _, up := range u.uploads {
		up.progress.Reset()
	}

	if paused {
		u.stopTicker()
	} else {
		u.startTicker()
	}
}

// Paused ...
func (u *Uploader) Paused() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.paused
}

// Sender exposes the shared Sender, e.g. for its statistics.
func (u *Uploader) Sender() *sender.Sender {
	return u.sender
}

// IsDone blocks until every upload registered at the time of the call has settled.
func (u *Uploader) IsDone(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, up := range u.Uploads() {
		up := up
		g.Go(func() error {
			select {
			case <-up.Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	return g.Wait()
}

// Close aborts every upload and stops both pipelines.
func (u *Uploader) Close() {
	u.Clear()
	u.sender.Close()
	u.hasher.Close()
}

// startTicker must be called with u.mu held.
func (u *Uploader) startTicker() {
	if u.stopTick != nil || u.paused || len(u.uploads) == 0 {
		return
	}

	stop := make(chan struct{})
	u.stopTick = stop
	go u.tick(stop)
}

// stopTicker must be called with u.mu held.
func (u *Uploader) stopTicker() {
	if u.stopTick == nil || (len(u.uploads) > 0 && !u.paused) {
		return
	}
	close(u.stopTick)
	u.stopTick = nil
}

func (u *Uploader) tick(stop <-chan struct{}) {
	ticker := time.NewTicker(u.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, up := range u.Uploads() {
				up.UpdateProgress()
			}
			if u.opts.OnTick != nil {
				u.opts.OnTick()
			}
		}
	}
}
