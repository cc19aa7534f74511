// Package registry provides a client for a HuggingFace-style model registry:
// repo metadata lookups and Range-capable file fetches.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/easel-sd/easel/internal/common"
	"github.com/easel-sd/easel/internal/models"
)

const (
	DefaultBaseURL   = "https://huggingface.co"
	DefaultTimeout   = 30 * time.Second
	DefaultRateLimit = 5 // requests per second
)

// Client talks to the model registry.
type Client struct {
	baseURL    string
	httpClient *http.Client
	fileClient *http.Client
	logger     *common.Logger
	limiter    *rate.Limiter
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithBaseURL sets the base URL
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithLogger sets the logger
func WithLogger(logger *common.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimit sets the metadata request rate limit
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

// WithTimeout sets the metadata request timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// NewClient creates a new registry client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		// File fetches stream for as long as the download takes; the
		// per-request timeout must not apply to them.
		fileClient: &http.Client{},
		limiter:    rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger:     common.NewSilentLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// ModelInfo is the registry's repo metadata.
type ModelInfo struct {
	ID       string    `json:"id"`
	SHA      string    `json:"sha,omitempty"`
	Siblings []Sibling `json:"siblings"`
}

// Sibling is one file listed in a repo.
type Sibling struct {
	Rfilename string `json:"rfilename"`
}

// Files returns the sibling file paths.
func (m *ModelInfo) Files() []string {
	out := make([]string, 0, len(m.Siblings))
	for _, s := range m.Siblings {
		out = append(out, s.Rfilename)
	}
	return out
}

// GetModelInfo fetches repo metadata including the sibling file list. One
// operation serves both existence checks and file enumeration.
func (c *Client) GetModelInfo(ctx context.Context, repo string) (*ModelInfo, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	reqURL := fmt.Sprintf("%s/api/models/%s", c.baseURL, encodePath(repo))

	var info *ModelInfo
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", models.ErrDownloadNetwork, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(fmt.Errorf("repo '%s': %w", repo, models.ErrNotFound))
		case resp.StatusCode >= 500:
			return fmt.Errorf("%w: registry status %d", models.ErrDownloadNetwork, resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("%w: registry status %d", models.ErrDownloadNetwork, resp.StatusCode))
		}

		var decoded ModelInfo
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode registry response: %w", err))
		}
		info = &decoded
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		c.logger.Warn().Str("repo", repo).Err(err).Msg("Registry metadata lookup failed")
		return nil, err
	}

	c.logger.Debug().Str("repo", repo).Int("files", len(info.Siblings)).Msg("Registry metadata")
	return info, nil
}

// ResolveURL returns the download URL for a file within a repo, with each
// path segment URL-encoded.
func (c *Client) ResolveURL(repo, path string) string {
	return fmt.Sprintf("%s/%s/resolve/main/%s", c.baseURL, encodePath(repo), encodePath(path))
}

// FetchFile opens a streaming GET for a repo file, resuming from offset
// via a Range header when offset > 0. The caller owns the response body.
// 2xx, 206 and 416 responses are returned for the caller to interpret;
// other statuses are errors.
func (c *Client) FetchFile(ctx context.Context, repo, path string, offset int64) (*http.Response, error) {
	reqURL := c.ResolveURL(repo, path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := c.fileClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrDownloadNetwork, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 || resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		return resp, nil
	}

	resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("file '%s/%s': %w", repo, path, models.ErrNotFound)
	}
	return nil, fmt.Errorf("%w: registry status %d for %s", models.ErrDownloadNetwork, resp.StatusCode, path)
}

// encodePath URL-encodes each segment of a slash-separated path while
// keeping the separators.
func encodePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
