// Package chunk transfers one byte window of a file to an upload session.
//
// Every request carries the window in Content-Range and the session key in Session-Id.
// The server answers either with the range it has received so far, or, once the file
// is complete, with a JSON array holding the resulting file resource.
package chunk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strings"
	"sync"

	"github.com/avast/retry-go/v4"
	"github.com/bitrise-io/go-chunkupload/blob"
	"github.com/bitrise-io/go-chunkupload/task"
	"github.com/hashicorp/go-retryablehttp"
)

// Params describes one byte window of a file.
type Params struct {
	Blob     blob.Blob
	Filename string
	URL      string
	// Token is sent as a Bearer token. When empty the client's cookies are used instead.
	Token     string
	FirstByte int64
	// Size is the desired window length. The window is clipped to the end of the blob.
	Size int64
	// SessionID identifies the upload session, the content digest of the file.
	SessionID string
}

// Chunk is a single window transfer with its own retry budget.
type Chunk struct {
	params   Params
	lastByte int64
	opts     Options

	mu      sync.Mutex
	aborted bool
	cancel  context.CancelFunc
	task    *task.Task[Outcome]
}

// New creates the chunk covering [p.FirstByte, min(size-1, p.FirstByte+p.Size-1)].
func New(p Params, opts Options) *Chunk {
	lastByte := p.FirstByte + p.Size - 1
	if end := p.Blob.Size() - 1; lastByte > end {
		lastByte = end
	}

	return &Chunk{
		params:   p,
		lastByte: lastByte,
		opts:     opts.WithDefaults(),
	}
}

// FirstByte ...
func (c *Chunk) FirstByte() int64 { return c.params.FirstByte }

// LastByte ...
func (c *Chunk) LastByte() int64 { return c.lastByte }

// Len returns the number of bytes in the window.
func (c *Chunk) Len() int64 {
	if c.lastByte < c.params.FirstByte {
		return 0
	}
	return c.lastByte - c.params.FirstByte + 1
}

// IsLast reports whether the window ends at the last byte of the blob.
func (c *Chunk) IsLast() bool {
	return c.lastByte == c.params.Blob.Size()-1
}

// Next returns the chunk that follows once the server confirmed every byte up to sent.
// When sent already covers the whole blob without the server returning the file resource,
// the last size bytes are sent again so the server can finalize the session.
func (c *Chunk) Next(size, sent int64) *Chunk {
	p := c.params
	p.Size = size

	total := p.Blob.Size()
	if sent+1 >= total {
		p.FirstByte = total - size
		if p.FirstByte < 0 {
			p.FirstByte = 0
		}
	} else {
		p.FirstByte = sent + 1
	}

	return New(p, c.opts)
}

// ContentRange returns the value of the Content-Range request header.
func (c *Chunk) ContentRange() string {
	total := c.params.Blob.Size()
	if total == 0 {
		return "bytes */0"
	}
	return fmt.Sprintf("bytes %d-%d/%d", c.params.FirstByte, c.lastByte, total)
}

func (c *Chunk) String() string {
	return c.ContentRange()
}

// Send starts the transfer in the background. The task reports the absolute file offset
// reached so far and settles with the server's answer, or with the last error once the
// retry budget is spent.
func (c *Chunk) Send(ctx context.Context) *task.Task[Outcome] {
	t := task.New[Outcome](c.params.Blob, fmt.Sprintf("%s %s", c.params.SessionID, c))
	ctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	aborted := c.aborted
	c.cancel = cancel
	c.task = t
	c.mu.Unlock()

	if aborted {
		cancel()
		t.Reject(ErrAborted)
		return t
	}

	go c.run(ctx, cancel, t)
	return t
}

// Abort cancels the in-flight attempt and any pending retry. The task is rejected with
// ErrAborted and responses that still arrive are discarded.
func (c *Chunk) Abort() {
	c.mu.Lock()
	c.aborted = true
	cancel := c.cancel
	t := c.task
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if t != nil {
		t.Reject(ErrAborted)
	}
}

func (c *Chunk) isAborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted
}

func (c *Chunk) run(ctx context.Context, cancel context.CancelFunc, t *task.Task[Outcome]) {
	defer cancel()

	var outcome Outcome
	attempts := 0
	err := retry.Do(
		func() error {
			attempts++
			o, err := c.attempt(ctx, t)
			if err != nil {
				return err
			}
			outcome = o
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.opts.Attempts),
		retry.Delay(c.opts.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			if c.isAborted() {
				return
			}
			c.opts.Logger.Warnf("Chunk %s attempt %d/%d failed: %s", c, n+1, c.opts.Attempts, err)
		}),
	)

	if c.isAborted() {
		t.Reject(ErrAborted)
		return
	}
	if err != nil {
		t.Reject(&TransferError{Attempts: attempts, Err: err})
		return
	}
	t.Resolve(outcome)
}

func (c *Chunk) attempt(ctx context.Context, t *task.Task[Outcome]) (Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := c.newRequest(ctx, t)
	if err != nil {
		return Outcome{}, err
	}

	dump, err := httputil.DumpRequest(req.Request, false)
	if err != nil {
		c.opts.Logger.Warnf("error while dumping request: %s", err)
	}
	c.opts.Logger.Debugf("Chunk request dump: %s", string(dump))

	resp, err := c.opts.Client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Outcome{}, fmt.Errorf("chunk %s timed out after %s: %w", c, c.opts.Timeout, err)
		}
		return Outcome{}, fmt.Errorf("send chunk %s: %w", c, err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			c.opts.Logger.Printf(err.Error())
		}
	}(resp.Body)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Outcome{}, fmt.Errorf("read response of chunk %s: %w", c, err)
	}

	dump, err = httputil.DumpResponse(resp, false)
	if err != nil {
		c.opts.Logger.Warnf("error while dumping response: %s", err)
	}
	c.opts.Logger.Debugf("Chunk response dump: %s%s", string(dump), string(body))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Outcome{}, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	return parseResponse(resp.Header, body)
}

func (c *Chunk) newRequest(ctx context.Context, t *task.Task[Outcome]) (*retryablehttp.Request, error) {
	length := c.Len()

	var body interface{}
	if length > 0 {
		body = retryablehttp.ReaderFunc(func() (io.Reader, error) {
			return &progressReader{
				r:      io.NewSectionReader(c.params.Blob, c.params.FirstByte, length),
				offset: c.params.FirstByte,
				report: t.Progress,
			}, nil
		})
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.params.URL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.ContentLength = length

	req.Header.Set("Content-Type", blob.ContentType(c.params.Blob))
	req.Header.Set("Content-Range", c.ContentRange())
	req.Header.Set("Content-Disposition", contentDisposition(c.params.Filename))
	req.Header.Set("Session-Id", c.params.SessionID)
	if c.params.Token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.params.Token))
	}

	return req, nil
}

func contentDisposition(filename string) string {
	if filename == "" {
		filename = "name"
	}
	return fmt.Sprintf(`attachment; filename="%s"`, escapeComponent(filename))
}

// escapeComponent percent-encodes every byte except letters, digits and -_.!~*'().
func escapeComponent(s string) string {
	const hex = "0123456789ABCDEF"

	var b strings.Builder
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if keepUnescaped(ch) {
			b.WriteByte(ch)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[ch>>4])
		b.WriteByte(hex[ch&0x0f])
	}
	return b.String()
}

func keepUnescaped(ch byte) bool {
	switch {
	case 'a' <= ch && ch <= 'z', 'A' <= ch && ch <= 'Z', '0' <= ch && ch <= '9':
		return true
	}
	return strings.IndexByte("-_.!~*'()", ch) >= 0
}

// progressReader reports the absolute offset reached after every read.
type progressReader struct {
	r      io.Reader
	offset int64
	report func(done int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.offset += int64(n)
		p.report(p.offset)
	}
	return n, err
}
