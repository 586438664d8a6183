package sender

import (
	"context"

	"github.com/bitrise-io/go-chunkupload/chunk"
	"github.com/opencontainers/go-digest"
)

// Kind is the outcome of a dedup lookup.
type Kind int

const (
	// KindUnknown is the zero Kind, never a valid lookup result.
	KindUnknown Kind = iota
	// KindAlreadyExisting means the server already stores the content.
	KindAlreadyExisting
	// KindCreated means the server created the file from content it already had.
	KindCreated
	// KindToUpload means the content has to be sent to UploadURL.
	KindToUpload
)

func (k Kind) String() string {
	switch k {
	case KindAlreadyExisting:
		return "already_existing"
	case KindCreated:
		return "created"
	case KindToUpload:
		return "to_upload"
	default:
		return "unknown"
	}
}

// FileState is what the server knows about a (digest, filename) pair.
// Node is set for KindAlreadyExisting and KindCreated, UploadURL and Token for KindToUpload.
type FileState struct {
	Kind      Kind
	Node      *chunk.FileNode
	UploadURL string
	// Token is optional. Without it chunks are sent with the client's cookies.
	Token string
}

// AlreadyExisting ...
func AlreadyExisting(node *chunk.FileNode) FileState {
	return FileState{Kind: KindAlreadyExisting, Node: node}
}

// Created ...
func Created(node *chunk.FileNode) FileState {
	return FileState{Kind: KindCreated, Node: node}
}

// ToUpload ...
func ToUpload(uploadURL, token string) FileState {
	return FileState{Kind: KindToUpload, UploadURL: uploadURL, Token: token}
}

// Deduplicator asks the server whether it already has the content of a file.
type Deduplicator interface {
	Lookup(ctx context.Context, d digest.Digest, filename string) (FileState, error)
}

// DeduplicatorFunc adapts a function to Deduplicator.
type DeduplicatorFunc func(ctx context.Context, d digest.Digest, filename string) (FileState, error)

// Lookup calls f.
func (f DeduplicatorFunc) Lookup(ctx context.Context, d digest.Digest, filename string) (FileState, error) {
	return f(ctx, d, filename)
}
