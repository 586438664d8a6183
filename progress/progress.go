// Package progress estimates completion and transfer speed from periodic samples.
package progress

import (
	"sync"
	"time"
)

// DefaultWindow is the number of samples speed is averaged over.
const DefaultWindow = 30

// Stats is a point-in-time view of an Estimator.
type Stats struct {
	Done    int64
	Total   int64
	Percent float64
	// Speed is in bytes per second.
	Speed float64
}

type sample struct {
	done int64
	at   time.Time
}

// Estimator keeps a bounded ring of (done, time) samples.
// SetProgress records the latest value, Save commits it to the ring.
type Estimator struct {
	mu sync.Mutex

	total  int64
	window int
	now    func() time.Time

	samples []sample
	index   int

	done  int64
	at    time.Time
	speed float64
}

// Option customises an Estimator.
type Option func(*Estimator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Estimator) { e.now = now }
}

// WithWindow sets the ring capacity.
func WithWindow(n int) Option {
	return func(e *Estimator) {
		if n > 1 {
			e.window = n
		}
	}
}

// New creates an Estimator for total bytes.
func New(total int64, opts ...Option) *Estimator {
	e := &Estimator{
		total:  total,
		window: DefaultWindow,
		now:    time.Now,
		index:  -1,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetProgress records done bytes at the current time without committing a sample.
func (e *Estimator) SetProgress(done int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.done = done
	e.at = e.now()
}

// Save commits the last recorded progress into the ring and recomputes the speed.
// It does nothing until SetProgress was called after the last Reset.
func (e *Estimator) Save() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.at.IsZero() {
		return
	}

	s := sample{done: e.done, at: e.at}
	if len(e.samples) < e.window {
		e.samples = append(e.samples, s)
		e.index = len(e.samples) - 1
	} else {
		e.index = (e.index + 1) % len(e.samples)
		e.samples[e.index] = s
	}

	oldest := (e.index + 1) % len(e.samples)
	if oldest == e.index {
		return
	}
	newest := e.samples[e.index]
	first := e.samples[oldest]
	if elapsed := newest.at.Sub(first.at); elapsed != 0 {
		e.speed = float64(newest.done-first.done) / elapsed.Seconds()
	}
}

// Reset drops every sample and zeroes progress and speed.
func (e *Estimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.done = 0
	e.at = time.Time{}
	e.speed = 0
	e.samples = nil
	e.index = -1
}

// Snapshot returns the current figures.
func (e *Estimator) Snapshot() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	percent := 100.0
	if e.total > 0 {
		percent = 100 * float64(e.done) / float64(e.total)
	}

	return Stats{
		Done:    e.done,
		Total:   e.total,
		Percent: percent,
		Speed:   e.speed,
	}
}
