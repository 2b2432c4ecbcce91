package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Params are query parameters for GET and HEAD requests. A nil value (or a
// nil pointer) leaves the parameter out.
type Params map[string]any

type request struct {
	method string
	params Params
	body   Body
	header http.Header
}

// RequestOption configures a single request.
type RequestOption func(*request)

// WithMethod sets the HTTP method. The default is GET.
func WithMethod(method string) RequestOption {
	return func(r *request) {
		r.method = strings.ToUpper(method)
	}
}

// WithParams sets query parameters. They are only sent with GET and HEAD.
func WithParams(p Params) RequestOption {
	return func(r *request) {
		r.params = p
	}
}

// WithBody sets the request payload. It is never sent with GET or HEAD.
func WithBody(b Body) RequestOption {
	return func(r *request) {
		r.body = b
	}
}

// WithHeader adds a header. Caller headers override the ones the client sets.
func WithHeader(key, value string) RequestOption {
	return func(r *request) {
		r.header.Set(key, value)
	}
}

// Request performs one call and decodes the envelope's data as T.
func Request[T any](ctx context.Context, c *Client, rawURL string, opts ...RequestOption) (*Envelope[T], error) {
	r := request{method: http.MethodGet, header: make(http.Header)}
	for _, opt := range opts {
		opt(&r)
	}
	readOnly := r.method == http.MethodGet || r.method == http.MethodHead

	target := rawURL
	if readOnly && len(r.params) > 0 {
		u, err := withQuery(rawURL, r.params)
		if err != nil {
			return nil, err
		}
		target = u
	} else if len(r.params) > 0 {
		c.logger.Debug("query params ignored for method", "method", r.method, "url", rawURL)
	}

	var (
		body        io.Reader
		contentType string
	)
	if r.body != nil && !readOnly {
		var err error
		body, contentType, err = r.body.encode()
		if err != nil {
			return nil, err
		}
	} else if r.body != nil {
		c.logger.Debug("request body ignored for method", "method", r.method, "url", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, target, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, vs := range r.header {
		req.Header[k] = vs
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.observe(r.method, 0, time.Since(start))
		c.logger.Debug("request failed", "method", r.method, "url", target, "error", err)
		return nil, &TransportError{Method: r.method, URL: target, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	c.metrics.observe(r.method, resp.StatusCode, time.Since(start))
	if err != nil {
		return nil, &TransportError{Method: r.method, URL: target, Err: fmt.Errorf("reading response: %w", err)}
	}
	c.logger.Debug("request", "method", r.method, "url", target, "status", resp.StatusCode,
		"duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.failure(resp, data)
	}
	return decodeSuccess[T](resp.StatusCode, r.method == http.MethodHead, data)
}

func (c *Client) failure(resp *http.Response, data []byte) error {
	env := parseLenient(data)
	apiErr := &APIError{
		Status:  resp.StatusCode,
		Message: resolveMessage(env, statusText(resp)),
	}
	if env.Error != nil {
		apiErr.Details = env.Error.Details
	}
	if resp.StatusCode == http.StatusUnauthorized {
		c.logger.Warn("backend rejected credentials, ending session", "url", resp.Request.URL.String())
		c.expire()
		apiErr.Message = env.Message
		if apiErr.Message == "" {
			apiErr.Message = SessionExpiredMessage
		}
	}
	return apiErr
}

// decodeSuccess parses a 2xx body. Only 204 responses (and HEAD, which never
// carries a body) may omit data.
func decodeSuccess[T any](status int, head bool, data []byte) (*Envelope[T], error) {
	out := &Envelope[T]{Status: status, HTTPStatus: status}
	if len(bytes.TrimSpace(data)) == 0 {
		if status == http.StatusNoContent || head {
			return out, nil
		}
		return nil, &ContractError{Status: status, Reason: MissingDataMessage}
	}

	var env rawEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ContractError{Status: status, Reason: "malformed response from server", Err: err}
	}
	if env.Status != 0 {
		out.Status = env.Status
	}
	out.Message = env.Message
	out.Error = env.Error

	if len(env.Data) == 0 {
		if status == http.StatusNoContent {
			return out, nil
		}
		return nil, &ContractError{Status: status, Reason: MissingDataMessage}
	}
	if err := json.Unmarshal(env.Data, &out.Data); err != nil {
		return nil, &ContractError{Status: status, Reason: "malformed response from server", Err: err}
	}
	return out, nil
}

// statusText is the reason phrase of the response, e.g. "Not Found".
func statusText(resp *http.Response) string {
	code := strconv.Itoa(resp.StatusCode)
	if text := strings.TrimSpace(strings.TrimPrefix(resp.Status, code)); text != "" {
		return text
	}
	return http.StatusText(resp.StatusCode)
}

func withQuery(rawURL string, params Params) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing url: %w", err)
	}
	q := u.Query()
	for k, v := range params {
		for _, s := range paramValues(v) {
			q.Add(k, s)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func paramValues(v any) []string {
	if v == nil {
		return nil
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		return paramValues(rv.Elem().Interface())
	}
	switch t := v.(type) {
	case string:
		return []string{t}
	case []string:
		return t
	case fmt.Stringer:
		return []string{t.String()}
	}
	return []string{fmt.Sprint(v)}
}
