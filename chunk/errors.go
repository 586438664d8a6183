package chunk

import (
	"errors"
	"fmt"
)

// ErrUnparsableResponse is returned for a 2xx response that is neither a range
// acknowledgement nor a file resource array.
var ErrUnparsableResponse = errors.New("cannot parse response")

// ErrAborted rejects the task of an aborted chunk.
var ErrAborted = errors.New("chunk transfer aborted")

// StatusError is a response with a status code of 300 or above.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// TransferError is returned once every attempt of a chunk failed. It wraps the last error.
type TransferError struct {
	Attempts int
	Err      error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("chunk failed after %d attempt(s): %s", e.Attempts, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}
