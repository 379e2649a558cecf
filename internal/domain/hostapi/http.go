package hostapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// NetHTTPClient implements HTTPClient with net/http. Redirects are not
// followed: the capability check covers only the requested host.
type NetHTTPClient struct {
	client   *http.Client
	maxBytes int64
}

// NewHTTPClient creates a client with a per-request timeout and a body cap.
func NewHTTPClient(timeout time.Duration, maxBytes int64) *NetHTTPClient {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxReadBytes
	}
	return &NetHTTPClient{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		maxBytes: maxBytes,
	}
}

// Get fetches rawURL.
func (c *NetHTTPClient) Get(ctx context.Context, rawURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("User-Agent", "pluginhost")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	// Redirects are reported by status alone; their bodies are boilerplate.
	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		return nil, resp.StatusCode, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if int64(len(body)) > c.maxBytes {
		return nil, resp.StatusCode, fmt.Errorf("%w: over %d bytes", ErrTooLarge, c.maxBytes)
	}
	return body, resp.StatusCode, nil
}

var _ HTTPClient = (*NetHTTPClient)(nil)
