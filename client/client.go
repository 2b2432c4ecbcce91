// Package client issues authenticated requests against the story backend and
// turns its JSON envelopes into typed results or typed errors.
//
// A 401 from any request ends the session: the client calls Logout on the
// session it was built with before returning ErrSessionExpired.
package client

import (
	"log/slog"
	"net/http"
	"os"
	"time"
)

const (
	defaultTimeout   = 2 * time.Minute
	maxResponseBytes = 16 << 20
)

// Session is the part of the session store the client depends on. Token is
// read on every request; Logout is called on 401.
type Session interface {
	Token() string
	Logout()
}

// Client holds the dependencies shared by every request.
type Client struct {
	http    *http.Client
	session Session
	logger  *slog.Logger
	metrics *Metrics
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithTimeout sets the overall per-request timeout of the default transport.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http = &http.Client{Timeout: d}
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithMetrics records request counts and latencies into m.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// New creates a Client bound to session. session may be nil, in which case
// requests are anonymous and 401s end nothing.
func New(session Session, opts ...Option) *Client {
	c := &Client{
		http:    &http.Client{Timeout: defaultTimeout},
		session: session,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	c.logger = c.logger.With("component", "client")
	return c
}

func (c *Client) token() string {
	if c.session == nil {
		return ""
	}
	return c.session.Token()
}

func (c *Client) expire() {
	if c.session != nil {
		c.session.Logout()
	}
	c.metrics.observeLogout()
}
