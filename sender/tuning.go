package sender

import (
	"time"

	"github.com/docker/go-units"
)

// Tuning controls the adaptive chunk size shared by every file of a Sender.
type Tuning struct {
	// Initial is the size of the first chunk, and the size restored after a file fails.
	// Default: 128 KiB
	Initial int64
	// Min is the lower bound of halving.
	// Default: 128 KiB
	Min int64
	// Max is the upper bound of doubling.
	// Default: 4 MiB
	Max int64
	// FastThreshold: a chunk faster than this doubles the size.
	// Default: 1 second
	FastThreshold time.Duration
	// SlowThreshold: a chunk slower than this halves the size.
	// Default: 2 seconds
	SlowThreshold time.Duration
}

// DefaultTuning returns the default chunk size bounds and thresholds.
func DefaultTuning() Tuning {
	return Tuning{
		Initial:       128 * units.KiB,
		Min:           128 * units.KiB,
		Max:           4 * units.MiB,
		FastThreshold: time.Second,
		SlowThreshold: 2 * time.Second,
	}
}

// WithDefaults fills every unset field from DefaultTuning.
func (t Tuning) WithDefaults() Tuning {
	d := DefaultTuning()
	if t.Min <= 0 {
		t.Min = d.Min
	}
	if t.Max <= 0 {
		t.Max = d.Max
	}
	if t.Initial <= 0 {
		t.Initial = d.Initial
	}
	if t.FastThreshold <= 0 {
		t.FastThreshold = d.FastThreshold
	}
	if t.SlowThreshold <= 0 {
		t.SlowThreshold = d.SlowThreshold
	}
	return t
}

// NextChunkSize applies the sizing rule to the chunk that follows one of size bytes
// that took elapsed. The result stays within [Min, Max].
func (t Tuning) NextChunkSize(size int64, elapsed time.Duration) int64 {
	switch {
	case elapsed < t.FastThreshold && size < t.Max:
		size *= 2
	case elapsed > t.SlowThreshold && size >= 2*t.Min:
		size /= 2
	}
	return t.clamp(size)
}

func (t Tuning) clamp(size int64) int64 {
	if size > t.Max {
		return t.Max
	}
	if size < t.Min {
		return t.Min
	}
	return size
}
