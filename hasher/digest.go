package hasher

import (
	"context"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"errors"
	"fmt"
	"io"

	"github.com/bitrise-io/go-chunkupload/blob"
	"github.com/opencontainers/go-digest"
)

// DefaultBlockSize is the number of bytes hashed between two progress reports.
const DefaultBlockSize = 2 * 1024 * 1024

// DigestFunc computes the digest of b. It reports the number of bytes hashed so far
// through progress and stops early once ctx is done.
type DigestFunc func(ctx context.Context, b blob.Blob, progress func(done int64)) (digest.Digest, error)

// ParseAlgorithm returns the digest algorithm with the given name, e.g. "sha256".
func ParseAlgorithm(name string) (digest.Algorithm, error) {
	alg := digest.Algorithm(name)
	if !alg.Available() {
		return "", fmt.Errorf("unsupported digest algorithm: %s", name)
	}
	return alg, nil
}

// NewDigestFunc streams a blob through alg in blocks of blockSize bytes.
func NewDigestFunc(alg digest.Algorithm, blockSize int) DigestFunc {
	if alg == "" {
		alg = digest.Canonical
	}
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}

	return func(ctx context.Context, b blob.Blob, progress func(done int64)) (digest.Digest, error) {
		if !alg.Available() {
			return "", fmt.Errorf("unsupported digest algorithm: %s", alg)
		}

		digester := alg.Digester()
		buf := make([]byte, blockSize)
		size := b.Size()

		var offset int64
		for offset < size {
			if err := ctx.Err(); err != nil {
				return "", err
			}

			n := int64(blockSize)
			if remaining := size - offset; remaining < n {
				n = remaining
			}

			read, err := b.ReadAt(buf[:n], offset)
			if read > 0 {
				// hash.Hash never returns an error from Write
				_, _ = digester.Hash().Write(buf[:read])
				offset += int64(read)
			}
			if err != nil && !errors.Is(err, io.EOF) {
				return "", fmt.Errorf("read at %d: %w", offset, err)
			}
			if read == 0 {
				return "", fmt.Errorf("read at %d: %w", offset, io.ErrUnexpectedEOF)
			}

			progress(offset)
		}

		return digester.Digest(), nil
	}
}
