// Package dedup implements sender.Deduplicator on top of a lookup API and an S3 content index.
package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strings"

	"github.com/bitrise-io/go-chunkupload/chunk"
	"github.com/bitrise-io/go-chunkupload/sender"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/opencontainers/go-digest"
)

// ErrUnknownState is returned when the server answers a lookup with a state the client does not know.
var ErrUnknownState = errors.New("unknown file state")

type lookupRequest struct {
	SHA       string `json:"sha"`
	Algorithm string `json:"algorithm"`
	Filename  string `json:"filename"`
}

type lookupResponse struct {
	State     string          `json:"state"`
	Node      *chunk.FileNode `json:"node"`
	UploadURL string          `json:"uploadUrl"`
	Token     string          `json:"token"`
}

// APIClient asks the upload API whether it already has a file's content.
type APIClient struct {
	httpClient  *retryablehttp.Client
	baseURL     string
	accessToken string
	logger      log.Logger
}

// NewAPIClient ...
func NewAPIClient(baseURL, accessToken string, logger log.Logger) *APIClient {
	if logger == nil {
		logger = log.NewLogger()
	}
	return &APIClient{
		httpClient:  retryhttp.NewClient(logger),
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		accessToken: accessToken,
		logger:      logger,
	}
}

// Lookup implements sender.Deduplicator.
func (c *APIClient) Lookup(ctx context.Context, d digest.Digest, filename string) (sender.FileState, error) {
	url := fmt.Sprintf("%s/files/lookup", c.baseURL)

	body, err := json.Marshal(lookupRequest{
		SHA:       d.Encoded(),
		Algorithm: d.Algorithm().String(),
		Filename:  filename,
	})
	if err != nil {
		return sender.FileState{}, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return sender.FileState{}, err
	}
	if c.accessToken != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	}
	req.Header.Set("Content-type", "application/json")

	dump, err := httputil.DumpRequest(req.Request, true)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.Debugf("Lookup request dump: %s", string(dump))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return sender.FileState{}, err
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	dump, err = httputil.DumpResponse(resp, true)
	if err != nil {
		c.logger.Warnf("error while dumping response: %s", err)
	}
	c.logger.Debugf("Lookup response dump: %s", string(dump))

	if resp.StatusCode != http.StatusOK {
		return sender.FileState{}, unwrapError(resp)
	}

	var response lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return sender.FileState{}, fmt.Errorf("decode lookup response: %w", err)
	}

	return response.fileState()
}

func (r lookupResponse) fileState() (sender.FileState, error) {
	switch r.State {
	case sender.KindAlreadyExisting.String():
		return sender.AlreadyExisting(r.Node), nil
	case sender.KindCreated.String():
		return sender.Created(r.Node), nil
	case sender.KindToUpload.String():
		return sender.ToUpload(r.UploadURL, r.Token), nil
	default:
		return sender.FileState{}, fmt.Errorf("%w: %q", ErrUnknownState, r.State)
	}
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorResp)
}
