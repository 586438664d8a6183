package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-chunkupload/blob"
	"github.com/bitrise-io/go-chunkupload/chunk"
	"github.com/bitrise-io/go-chunkupload/hasher"
	"github.com/bitrise-io/go-chunkupload/sender"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

// chunkServer acknowledges chunks and answers the last one with the file resource.
// While hold is set, requests block until they are released or cancelled.
type chunkServer struct {
	*httptest.Server

	mu       sync.Mutex
	requests int
	hold     chan struct{}
	arrived  chan struct{}
}

func newChunkServer(t *testing.T) *chunkServer {
	s := &chunkServer{arrived: make(chan struct{}, 16)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

func (s *chunkServer) handle(w http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, r.Body)

	s.mu.Lock()
	s.requests++
	hold := s.hold
	s.mu.Unlock()

	select {
	case s.arrived <- struct{}{}:
	default:
	}

	if hold != nil {
		select {
		case <-hold:
		case <-r.Context().Done():
			return
		}
	}

	var first, last, total int64
	if _, err := fmt.Sscanf(r.Header.Get("Content-Range"), "bytes %d-%d/%d", &first, &last, &total); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if last == total-1 {
		_, _ = fmt.Fprintf(w, `[{"id":"%s","type":"file","size":%d}]`, r.Header.Get("Session-Id"), total)
		return
	}
	w.Header().Set(chunk.FileRangeHeader, fmt.Sprintf("0-%d/%d", last, total))
}

func (s *chunkServer) Hold() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hold = make(chan struct{})
	return s.hold
}

func (s *chunkServer) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

func toUpload(url string) sender.Deduplicator {
	return sender.DeduplicatorFunc(func(ctx context.Context, d digest.Digest, filename string) (sender.FileState, error) {
		return sender.ToUpload(url, "token"), nil
	})
}

// blockingDigest never finishes on its own.
func blockingDigest(ctx context.Context, b blob.Blob, progress func(done int64)) (digest.Digest, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func newTestUploader(t *testing.T, opts Options) *Uploader {
	opts.Logger = log.NewLogger()
	opts.Sender.Chunk = chunk.Options{
		Attempts:   1,
		RetryDelay: time.Millisecond,
		Timeout:    waitTimeout,
	}
	u := New(opts)
	t.Cleanup(u.Close)
	return u
}

func fileBlob(size int) blob.Blob {
	return blob.FromBytes(bytes.Repeat([]byte{'a'}, size), "application/octet-stream")
}

func wait(t *testing.T, up *Upload) (*chunk.FileNode, error) {
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	node, err := up.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "upload did not settle")
	return node, err
}

func TestUpload_Finishes(t *testing.T) {
	server := newChunkServer(t)
	u := newTestUploader(t, Options{})

	b := fileBlob(300000)
	up := u.Add(b, "movie.mp4", toUpload(server.URL))
	assert.NotEmpty(t, up.ID())
	assert.Equal(t, "movie.mp4", up.FileName())
	assert.Equal(t, int64(300000), up.FileSize())

	node, err := wait(t, up)
	require.NoError(t, err)
	require.NotNil(t, node)

	assert.Equal(t, digest.FromBytes(bytes.Repeat([]byte{'a'}, 300000)).Encoded(), node.ID)
	assert.Equal(t, Finished, up.State())
	assert.Equal(t, int64(300000), up.Progress().Done)
	assert.Equal(t, 100.0, up.Progress().Percent)
	assert.Equal(t, 2, server.Requests())
}

func TestUpload_AlreadyExisting(t *testing.T) {
	server := newChunkServer(t)
	u := newTestUploader(t, Options{})

	dedup := sender.DeduplicatorFunc(func(ctx context.Context, d digest.Digest, filename string) (sender.FileState, error) {
		return sender.AlreadyExisting(&chunk.FileNode{ID: "existing"}), nil
	})
	up := u.Add(fileBlob(1000), "a.bin", dedup)

	node, err := wait(t, up)
	require.NoError(t, err)
	assert.Equal(t, "existing", node.ID)
	assert.Equal(t, Finished, up.State())
	assert.Equal(t, int64(1000), up.Progress().Done)
	assert.Zero(t, server.Requests())
}

func TestUpload_AbortWhileHashing(t *testing.T) {
	u := newTestUploader(t, Options{Hasher: hasher.Options{Digest: blockingDigest}})

	up := u.Add(fileBlob(10), "a.bin", toUpload("http://127.0.0.1:1"))
	assert.Equal(t, Hashing, up.State())

	up.Abort()

	node, err := wait(t, up)
	assert.NoError(t, err)
	assert.Nil(t, node)
	assert.Equal(t, Aborted, up.State())
}

func TestUpload_AbortWhileSending(t *testing.T) {
	server := newChunkServer(t)
	release := server.Hold()
	t.Cleanup(func() { close(release) })

	u := newTestUploader(t, Options{})
	up := u.Add(fileBlob(1000), "a.bin", toUpload(server.URL))

	select {
	case <-server.arrived:
	case <-time.After(waitTimeout):
		t.Fatal("no chunk request arrived")
	}
	assert.Equal(t, Sending, up.State())

	up.Abort()

	node, err := wait(t, up)
	assert.NoError(t, err)
	assert.Nil(t, node)
	assert.Equal(t, Aborted, up.State())
}

func TestUpload_SendingRestartsProgress(t *testing.T) {
	server := newChunkServer(t)
	release := server.Hold()
	t.Cleanup(func() { close(release) })

	step := make(chan struct{})
	gate := make(chan struct{})
	sha256 := hasher.NewDigestFunc(digest.SHA256, 0)
	slowDigest := func(ctx context.Context, b blob.Blob, progress func(done int64)) (digest.Digest, error) {
		progress(100000)
		select {
		case <-step:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		progress(200000)
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return sha256(ctx, b, func(int64) {})
	}

	u := newTestUploader(t, Options{
		Hasher:       hasher.Options{Digest: slowDigest},
		TickInterval: time.Hour,
	})
	up := u.Add(fileBlob(300000), "movie.mp4", toUpload(server.URL))

	require.Eventually(t, func() bool { return up.Progress().Done == 100000 }, waitTimeout, time.Millisecond)
	up.UpdateProgress()
	time.Sleep(10 * time.Millisecond)
	close(step)
	require.Eventually(t, func() bool { return up.Progress().Done == 200000 }, waitTimeout, time.Millisecond)
	up.UpdateProgress()

	hashing := up.Progress()
	assert.Equal(t, Hashing, up.State())
	assert.Greater(t, hashing.Speed, 0.0)

	close(gate)
	select {
	case <-server.arrived:
	case <-time.After(waitTimeout):
		t.Fatal("no chunk request arrived")
	}

	sending := up.Progress()
	assert.Equal(t, Sending, up.State())
	assert.Less(t, sending.Done, int64(300000))
	assert.Less(t, sending.Percent, 100.0)
	assert.Zero(t, sending.Speed)
}

func TestUpload_Error(t *testing.T) {
	u := newTestUploader(t, Options{})

	lookupErr := errors.New("dedup service unavailable")
	dedup := sender.DeduplicatorFunc(func(ctx context.Context, d digest.Digest, filename string) (sender.FileState, error) {
		return sender.FileState{}, lookupErr
	})
	up := u.Add(fileBlob(10), "a.bin", dedup)

	node, err := wait(t, up)
	assert.Nil(t, node)
	require.ErrorIs(t, err, lookupErr)

	var lookupError *sender.LookupError
	assert.ErrorAs(t, err, &lookupError)
	assert.Equal(t, Error, up.State())

	up.Abort()
	assert.Equal(t, Error, up.State())
}

func TestUpload_AbortAfterFinishIsNoop(t *testing.T) {
	server := newChunkServer(t)
	u := newTestUploader(t, Options{})

	up := u.Add(fileBlob(10), "a.bin", toUpload(server.URL))
	_, err := wait(t, up)
	require.NoError(t, err)

	up.Abort()
	up.Abort()
	assert.Equal(t, Finished, up.State())
}

func TestUpload_CustomData(t *testing.T) {
	u := newTestUploader(t, Options{Hasher: hasher.Options{Digest: blockingDigest}})
	up := u.Add(fileBlob(10), "a.bin", toUpload("http://127.0.0.1:1"))

	assert.Nil(t, up.CustomData())
	up.SetCustomData(map[string]string{"row": "3"})
	assert.Equal(t, map[string]string{"row": "3"}, up.CustomData())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "pending", Pending.String())
	assert.Equal(t, "hashing", Hashing.String())
	assert.Equal(t, "sending", Sending.String())
	assert.Equal(t, "aborted", Aborted.String())
	assert.Equal(t, "error", Error.String())
	assert.Equal(t, "finished", Finished.String())
	assert.Equal(t, "unknown", State(42).String())
}
