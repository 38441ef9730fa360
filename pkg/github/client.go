// Package github provides the GitHub REST operations the merge train needs:
// pull request snapshots, synthetic branch management, and check status
// aggregation.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"mergebot/pkg/limiter"
	"mergebot/pkg/logx"
)

// ErrNotFound is returned for 404 responses.
var ErrNotFound = errors.New("resource not found")

// APIError carries a non-2xx GitHub response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github api error %d: %s", e.StatusCode, e.Message)
}

// Client provides GitHub REST operations for a single repository.
type Client struct {
	baseURL string
	host    string
	token   string
	owner   string
	repo    string

	httpClient *http.Client
	limiter    *limiter.Limiter
	cache      *responseCache
	logger     *logx.Logger
}

// NewClient creates a GitHub client for the specified repository. A nil
// limiter disables request pacing.
func NewClient(baseURL, token, owner, repo string, lim *limiter.Limiter) (*Client, error) {
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}

	return &Client{
		baseURL:    baseURL,
		host:       parsed.Host,
		token:      token,
		owner:      owner,
		repo:       repo,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    lim,
		cache:      newResponseCache(),
		logger:     logx.NewLogger("github"),
	}, nil
}

// Host returns the API hostname, the key used for limiter budgets.
func (c *Client) Host() string {
	return c.host
}

// Owner returns the repository owner.
func (c *Client) Owner() string {
	return c.owner
}

// Repo returns the repository name.
func (c *Client) Repo() string {
	return c.repo
}

// RepoPath returns the owner/repo path.
func (c *Client) RepoPath() string {
	return fmt.Sprintf("%s/%s", c.owner, c.repo)
}

// repoURL builds an absolute URL under /repos/{owner}/{repo}.
func (c *Client) repoURL(format string, args ...interface{}) string {
	return fmt.Sprintf("%s/repos/%s/%s", c.baseURL, c.owner, c.repo) + fmt.Sprintf(format, args...)
}

type cachedResponse struct {
	etag string
	body []byte
}

// responseCache holds ETag-validated GET responses keyed by URL. A 304 from
// the API replays the cached body and does not count against the rate limit.
type responseCache struct {
	entries map[string]cachedResponse
	mu      sync.RWMutex
}

func newResponseCache() *responseCache {
	return &responseCache{entries: make(map[string]cachedResponse)}
}

func (rc *responseCache) get(url string) (cachedResponse, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	entry, ok := rc.entries[url]
	return entry, ok
}

func (rc *responseCache) put(url, etag string, body []byte) {
	if etag == "" {
		return
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.entries[url] = cachedResponse{etag: etag, body: body}
}

// getJSON performs a GET with ETag revalidation and decodes into out.
func (c *Client) getJSON(ctx context.Context, url string, out interface{}) error {
	if err := c.pace(); err != nil {
		return err
	}
	defer c.release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	c.setHeaders(req)

	cached, haveCached := c.cache.get(url)
	if haveCached {
		req.Header.Set("If-None-Match", cached.etag)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified && haveCached {
		c.logger.Debug("etag hit: %s", url)
		return decodeJSON(cached.body, out)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("GET %s: read body: %w", url, err)
	}
	if err := checkStatus(resp.StatusCode, body); err != nil {
		return err
	}

	c.cache.put(url, resp.Header.Get("ETag"), body)
	return decodeJSON(body, out)
}

// doJSON performs a mutating request with an optional JSON body, decoding the
// response into out when out is non-nil.
func (c *Client) doJSON(ctx context.Context, method, url string, payload, out interface{}) error {
	if err := c.pace(); err != nil {
		return err
	}
	defer c.release()

	var reader io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode payload: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	c.setHeaders(req)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("%s %s", method, url)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, url, err)
	}
	if err := checkStatus(resp.StatusCode, body); err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return decodeJSON(body, out)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) pace() error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Reserve(c.host); err != nil {
		return fmt.Errorf("request budget for %s: %w", c.host, err)
	}
	if err := c.limiter.Acquire(c.host); err != nil {
		return fmt.Errorf("concurrency budget for %s: %w", c.host, err)
	}
	return nil
}

func (c *Client) release() {
	if c.limiter == nil {
		return
	}
	_ = c.limiter.Release(c.host)
}

func checkStatus(code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}
	if code == http.StatusNotFound {
		return ErrNotFound
	}

	var ghErr struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &ghErr)
	if ghErr.Message == "" {
		ghErr.Message = http.StatusText(code)
	}
	return &APIError{StatusCode: code, Message: ghErr.Message}
}

func decodeJSON(body []byte, out interface{}) error {
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse JSON response: %w", err)
	}
	return nil
}
