package hasher

import (
	"errors"
	"fmt"
)

// ErrClosed rejects jobs submitted to, or still pending in, a closed Hasher.
var ErrClosed = errors.New("hasher is closed")

// DigestError is a digest function that returned an error.
type DigestError struct {
	Err error
}

func (e *DigestError) Error() string {
	return fmt.Sprintf("digest failed: %s", e.Err)
}

func (e *DigestError) Unwrap() error {
	return e.Err
}

// FaultError is a digest worker that crashed while working on the job. The worker
// is replaced before the next job is dispatched.
type FaultError struct {
	Value interface{}
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("digest worker fault: %v", e.Value)
}
