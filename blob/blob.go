// Package blob provides the byte sources the upload pipelines read from.
package blob

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/gabriel-vasile/mimetype"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
)

// DefaultContentType is sent when a blob does not declare a type.
const DefaultContentType = "application/octet-stream"

const sniffLength = 512

// Blob is a random-access, fixed-size byte source.
type Blob interface {
	io.ReaderAt
	// Size returns the total number of bytes.
	Size() int64
	// Type returns the declared content type, or an empty string.
	Type() string
}

// ContentType returns the declared type of b, or DefaultContentType.
func ContentType(b Blob) string {
	if t := b.Type(); t != "" {
		return t
	}
	return DefaultContentType
}

type memBlob struct {
	r           *bytes.Reader
	contentType string
}

func (m memBlob) ReadAt(p []byte, off int64) (int, error) { return m.r.ReadAt(p, off) }
func (m memBlob) Size() int64                             { return m.r.Size() }
func (m memBlob) Type() string                            { return m.contentType }

// FromBytes wraps an in-memory buffer. The slice must not be modified afterwards.
func FromBytes(data []byte, contentType string) Blob {
	return memBlob{
		r:           bytes.NewReader(data),
		contentType: contentType,
	}
}

// File is a Blob backed by an open billy file.
type File struct {
	file        billy.File
	name        string
	size        int64
	contentType string
}

// Open opens path on fs and sniffs its content type.
func Open(fs billy.Filesystem, path string) (*File, error) {
	info, err := fs.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}

	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	head := make([]byte, sniffLength)
	n, err := f.ReadAt(head, 0)
	if err != nil && err != io.EOF {
		_ = f.Close()
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	contentType := DefaultContentType
	if n > 0 {
		if mt := mimetype.Detect(head[:n]); mt != nil {
			contentType = mt.String()
		}
	}

	return &File{
		file:        f,
		name:        info.Name(),
		size:        info.Size(),
		contentType: contentType,
	}, nil
}

// OpenFile opens a path on the local filesystem. `~` and relative paths are resolved first.
func OpenFile(path string) (*File, error) {
	absPath, err := pathutil.NewPathModifier().AbsPath(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	return Open(osfs.New(filepath.Dir(absPath)), filepath.Base(absPath))
}

// ReadAt implements io.ReaderAt.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	return f.file.ReadAt(p, off)
}

// Size ...
func (f *File) Size() int64 { return f.size }

// Type ...
func (f *File) Type() string { return f.contentType }

// Name returns the base name of the file.
func (f *File) Name() string { return f.name }

// Close releases the underlying file handle.
func (f *File) Close() error {
	if f.file == nil {
		return nil
	}
	return f.file.Close()
}

var _ Blob = (*File)(nil)

// statFile reports whether path is an existing regular file.
func statFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
