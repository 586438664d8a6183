package sender

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingNode is a lookup that reported known content without a file resource.
	ErrMissingNode = errors.New("file state has no node")
	// ErrMissingUploadURL is a to_upload lookup without an upload URL.
	ErrMissingUploadURL = errors.New("file state has no upload URL")
	// ErrMissingDeduplicator rejects files submitted without a Deduplicator.
	ErrMissingDeduplicator = errors.New("no deduplicator")
	// ErrClosed rejects files submitted to, or still pending in, a closed Sender.
	ErrClosed = errors.New("sender is closed")
)

// LookupError is a failed dedup lookup. Lookups are not retried.
type LookupError struct {
	Filename string
	Err      error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("dedup lookup of %s: %s", e.Filename, e.Err)
}

func (e *LookupError) Unwrap() error {
	return e.Err
}
