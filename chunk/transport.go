package chunk

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	// DefaultAttempts is the number of times a chunk is tried before its file fails.
	DefaultAttempts = 8
	// DefaultRetryDelay is the fixed wait between two attempts.
	DefaultRetryDelay = time.Second
	// DefaultTimeout bounds a single attempt.
	DefaultTimeout = 30 * time.Second
)

// Options holds the transfer settings shared by every chunk of a Sender.
type Options struct {
	// Client performs single requests. Retries happen per chunk, not in the client.
	// Default: NewClient(Logger)
	Client *retryablehttp.Client

	// Attempts is the retry budget of one chunk.
	// Default: 8
	Attempts uint

	// RetryDelay is the wait between attempts.
	// Default: 1 second
	RetryDelay time.Duration

	// Timeout is the deadline of a single attempt. Exceeding it counts as a failed attempt.
	// Default: 30 seconds
	Timeout time.Duration

	Logger log.Logger
}

// WithDefaults fills every unset field.
func (o Options) WithDefaults() Options {
	if o.Logger == nil {
		o.Logger = log.NewLogger()
	}
	if o.Client == nil {
		o.Client = NewClient(o.Logger)
	}
	if o.Attempts == 0 {
		o.Attempts = DefaultAttempts
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

// NewClient returns a retryablehttp client that performs exactly one attempt per call.
// Requests without a token rely on the cookies collected by its jar.
func NewClient(logger log.Logger) *retryablehttp.Client {
	client := retryhttp.NewClient(logger)
	client.HTTPClient = DefaultHTTPClient()
	client.RetryMax = 0
	client.CheckRetry = createNoRetryFunction(logger)
	return client
}

// DefaultHTTPClient creates an HTTP client for chunk uploads with a cookie jar
// for ambient credentials.
func DefaultHTTPClient() *http.Client {
	// cookiejar.New only fails for a broken public suffix list, which is nil here.
	jar, _ := cookiejar.New(nil)

	return &http.Client{
		// No timeout - each attempt has its own deadline via context
		Timeout: 0,
		Jar:     jar,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxConnsPerHost:     4,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

func createNoRetryFunction(logger log.Logger) func(context.Context, *http.Response, error) (bool, error) {
	return func(ctx context.Context, resp *http.Response, doErr error) (bool, error) {
		if doErr != nil {
			logger.Debugf("CheckRetry: request failed: %+v", doErr)
		}
		return false, nil
	}
}
