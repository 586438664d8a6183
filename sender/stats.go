package sender

import (
	"sync"
	"time"
)

// Stats accumulates the duration and size of acknowledged chunks.
type Stats struct {
	mu             sync.Mutex
	sum            time.Duration
	bytes          int64
	finishedChunks int64
	failedFiles    int64
}

func newStats() *Stats {
	return &Stats{}
}

func (s *Stats) chunkDone(d time.Duration, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += d
	s.bytes += n
	s.finishedChunks++
}

func (s *Stats) fileFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedFiles++
}

// Average returns the mean duration of acknowledged chunks.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finishedChunks == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finishedChunks)
}

// FinishedCount returns the number of acknowledged chunks.
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedChunks
}

// FailedFiles returns the number of files rejected after a chunk ran out of attempts.
func (s *Stats) FailedFiles() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failedFiles
}

// TotalDuration ...
func (s *Stats) TotalDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sum
}

// Throughput returns acknowledged bytes per second of chunk transfer time.
func (s *Stats) Throughput() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sum <= 0 {
		return 0
	}
	return float64(s.bytes) / s.sum.Seconds()
}
