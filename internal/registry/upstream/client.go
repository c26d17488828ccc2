// Package upstream provides the shared HTTP client the adapters use
// for proxy cache-fills. Identical in-flight fetches are deduplicated
// with singleflight so a thundering herd on one artifact results in a
// single upstream request.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/singleflight"
)

// Response is a fully buffered upstream reply.
type Response struct {
	StatusCode  int
	Body        []byte
	ContentType string
	Header      http.Header
}

// OK reports whether the status code is 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Client wraps a retrying HTTP client with request deduplication.
type Client struct {
	http  *retryablehttp.Client
	group singleflight.Group
}

// NewClient builds a client with the given per-request timeout.
func NewClient(timeout time.Duration) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = timeout
	rc.Logger = nil
	return &Client{http: rc}
}

// Get fetches url with the given extra headers. Non-2xx responses are
// returned, not turned into errors; callers decide what a 401 or 404
// means for them.
func (c *Client) Get(ctx context.Context, url string, header http.Header) (*Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	for k, values := range header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream body: %w", err)
	}
	return &Response{
		StatusCode:  resp.StatusCode,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		Header:      resp.Header,
	}, nil
}

// GetShared is Get with singleflight semantics: concurrent calls for
// the same URL (and no special headers) share one upstream request.
func (c *Client) GetShared(ctx context.Context, url string) (*Response, error) {
	v, err, _ := c.group.Do(url, func() (interface{}, error) {
		return c.Get(ctx, url, nil)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Response), nil
}
