package upload

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-chunkupload/config"
	"github.com/bitrise-io/go-chunkupload/hasher"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploader_DefaultDedup(t *testing.T) {
	server := newChunkServer(t)
	u := newTestUploader(t, Options{Dedup: toUpload(server.URL)})

	up := u.Add(fileBlob(100), "a.bin", nil)

	node, err := wait(t, up)
	require.NoError(t, err)
	assert.NotNil(t, node)
	assert.Equal(t, 1, server.Requests())
}

func TestUploader_Remove(t *testing.T) {
	u := newTestUploader(t, Options{Hasher: hasher.Options{Digest: blockingDigest}})

	first := u.Add(fileBlob(10), "first.bin", toUpload("http://127.0.0.1:1"))
	second := u.Add(fileBlob(10), "second.bin", toUpload("http://127.0.0.1:1"))
	require.Equal(t, []*Upload{first, second}, u.Uploads())

	u.Remove(first)
	assert.Equal(t, []*Upload{second}, u.Uploads())

	node, err := wait(t, first)
	assert.NoError(t, err)
	assert.Nil(t, node)
	assert.Equal(t, Aborted, first.State())
	assert.Equal(t, Hashing, second.State())

	u.Remove(first)
	assert.Len(t, u.Uploads(), 1)
}

func TestUploader_Clear(t *testing.T) {
	u := newTestUploader(t, Options{Hasher: hasher.Options{Digest: blockingDigest}})

	uploads := []*Upload{
		u.Add(fileBlob(10), "a.bin", toUpload("http://127.0.0.1:1")),
		u.Add(fileBlob(10), "b.bin", toUpload("http://127.0.0.1:1")),
	}

	u.Clear()
	assert.Empty(t, u.Uploads())

	for _, up := range uploads {
		_, err := wait(t, up)
		assert.NoError(t, err)
		assert.Equal(t, Aborted, up.State())
	}
}

func TestUploader_SetPaused(t *testing.T) {
	server := newChunkServer(t)
	u := newTestUploader(t, Options{})

	u.SetPaused(true)
	assert.True(t, u.Paused())
	assert.True(t, u.Sender().Paused())

	up := u.Add(fileBlob(100), "a.bin", toUpload(server.URL))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, Hashing, up.State())
	assert.Zero(t, server.Requests())

	u.SetPaused(false)
	assert.False(t, u.Paused())
	assert.False(t, u.Sender().Paused())

	_, err := wait(t, up)
	require.NoError(t, err)
	assert.Equal(t, Finished, up.State())
}

func TestUploader_SetPausedResetsProgress(t *testing.T) {
	server := newChunkServer(t)
	release := server.Hold()
	t.Cleanup(func() { close(release) })

	u := newTestUploader(t, Options{TickInterval: time.Hour})
	sending := u.Add(fileBlob(300000), "sending.bin", toUpload(server.URL))
	select {
	case <-server.arrived:
	case <-time.After(waitTimeout):
		t.Fatal("no chunk request arrived")
	}
	queued := u.Add(fileBlob(1000), "queued.bin", toUpload(server.URL))

	require.Eventually(t, func() bool { return queued.Progress().Done == 1000 }, waitTimeout, time.Millisecond)
	for _, up := range u.Uploads() {
		require.Greater(t, up.Progress().Done, int64(0))
		up.UpdateProgress()
	}
	assert.Equal(t, Sending, sending.State())

	u.SetPaused(true)

	for _, up := range u.Uploads() {
		stats := up.Progress()
		assert.Zero(t, stats.Done, up.FileName())
		assert.Zero(t, stats.Speed, up.FileName())
		assert.Zero(t, stats.Percent, up.FileName())
	}
}

func TestUploader_Ticks(t *testing.T) {
	var ticks atomic.Int32
	u := newTestUploader(t, Options{
		Hasher:       hasher.Options{Digest: blockingDigest},
		TickInterval: 10 * time.Millisecond,
		OnTick:       func() { ticks.Add(1) },
	})

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, ticks.Load(), "ticker runs without uploads")

	u.Add(fileBlob(10), "a.bin", toUpload("http://127.0.0.1:1"))
	assert.Eventually(t, func() bool { return ticks.Load() >= 2 }, waitTimeout, 10*time.Millisecond)

	u.Clear()
	time.Sleep(30 * time.Millisecond)
	stopped := ticks.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, stopped, ticks.Load(), "ticker runs after the registry emptied")
}

func TestUploader_IsDone(t *testing.T) {
	server := newChunkServer(t)
	u := newTestUploader(t, Options{})

	u.Add(fileBlob(100), "a.bin", toUpload(server.URL))
	u.Add(fileBlob(200), "b.bin", toUpload(server.URL))

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, u.IsDone(ctx))

	for _, up := range u.Uploads() {
		assert.Equal(t, Finished, up.State())
	}
}

func TestUploader_IsDoneTimesOut(t *testing.T) {
	u := newTestUploader(t, Options{Hasher: hasher.Options{Digest: blockingDigest}})
	u.Add(fileBlob(10), "a.bin", toUpload("http://127.0.0.1:1"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, u.IsDone(ctx), context.DeadlineExceeded)
}

func TestUploader_Close(t *testing.T) {
	u := New(Options{Hasher: hasher.Options{Digest: blockingDigest}})
	up := u.Add(fileBlob(10), "a.bin", toUpload("http://127.0.0.1:1"))

	u.Close()

	node, err := wait(t, up)
	assert.NoError(t, err)
	assert.Nil(t, node)
	assert.Equal(t, Aborted, up.State())
	assert.Empty(t, u.Uploads())
}

func TestNewFromConfig(t *testing.T) {
	server := newChunkServer(t)
	cfg := config.Config{
		InitialChunkSize: 64,
		MinChunkSize:     64,
		MaxChunkSize:     1024,
		FastThreshold:    time.Second,
		SlowThreshold:    2 * time.Second,
		ChunkAttempts:    1,
		RetryDelay:       time.Millisecond,
		ChunkTimeout:     waitTimeout,
		ProgressWindow:   5,
		ProgressInterval: 10 * time.Millisecond,
		HashBlockSize:    16,
		HashAlgorithm:    "sha512",
	}
	require.NoError(t, cfg.Validate())

	u, err := NewFromConfig(cfg, toUpload(server.URL), nil)
	require.NoError(t, err)
	t.Cleanup(u.Close)
	assert.Equal(t, int64(64), u.Sender().ChunkSize())

	up := u.Add(fileBlob(100), "a.bin", nil)
	node, err := wait(t, up)
	require.NoError(t, err)
	assert.Equal(t, digest.SHA512.FromBytes(bytes.Repeat([]byte{'a'}, 100)).Encoded(), node.ID)
	assert.Equal(t, 2, server.Requests())
}

func TestNewFromConfig_InvalidAlgorithm(t *testing.T) {
	_, err := NewFromConfig(config.Config{HashAlgorithm: "crc32"}, nil, nil)
	assert.Error(t, err)
}
