package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Download is a raw response body fetched outside the envelope contract.
type Download struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64
}

// Fetch retrieves rawURL without decoding it. Document links may point at a
// storage host other than the backend, so no Authorization header is sent.
// The caller must close Body.
func Fetch(ctx context.Context, c *Client, rawURL string) (*Download, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.observe(http.MethodGet, 0, time.Since(start))
		return nil, &TransportError{Method: http.MethodGet, URL: rawURL, Err: err}
	}
	c.metrics.observe(http.MethodGet, resp.StatusCode, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		msg := statusText(resp)
		if msg == "" {
			msg = DefaultErrorMessage
		}
		return nil, &APIError{Status: resp.StatusCode, Message: msg}
	}
	return &Download{
		Body:          resp.Body,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
	}, nil
}
