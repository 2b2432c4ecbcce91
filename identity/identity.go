// Package identity talks to the GoTrue-compatible identity provider that
// issues the bearer tokens the story backend accepts.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	gotrue "github.com/supabase-community/gotrue-go"
	"github.com/supabase-community/gotrue-go/types"

	"github.com/jmcleod/storyverse/client"
	"github.com/jmcleod/storyverse/session"
)

const (
	defaultTimeout = 30 * time.Second
	authPath       = "/auth/v1"
	statusPrefix   = "response status code "
)

// ErrMalformedResponse is returned when a success response lacks a token or
// user.
var ErrMalformedResponse = errors.New("identity provider returned an unusable response")

// Session is an issued credential.
type Session struct {
	AccessToken  string       `json:"access_token"`
	TokenType    string       `json:"token_type"`
	ExpiresIn    int          `json:"expires_in"`
	RefreshToken string       `json:"refresh_token"`
	User         session.User `json:"user"`
}

// SignUpResult is the outcome of SignUp. Session is nil while the phone
// number still has to be confirmed with a one-time code.
type SignUpResult struct {
	User    session.User
	Session *Session
}

// NeedsVerification reports whether a code must be verified before sign-in.
func (r *SignUpResult) NeedsVerification() bool { return r.Session == nil }

// Client calls the identity provider.
type Client struct {
	base    string
	anonKey string
	gotrue  gotrue.Client
	http    *http.Client
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New returns a client for the provider at baseURL authenticating as the
// project with anonKey.
func New(baseURL, anonKey string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parsing identity url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("identity url %q must be an absolute http(s) url", baseURL)
	}
	if anonKey == "" {
		return nil, errors.New("identity anon key is required")
	}
	c := &Client{
		base:    strings.TrimRight(u.String(), "/"),
		anonKey: anonKey,
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	c.logger = c.logger.With("component", "identity")
	c.gotrue = gotrue.New("", anonKey).WithCustomGoTrueURL(c.base + authPath).WithToken(anonKey)
	return c, nil
}

// SignInWithPassword exchanges a phone number and password for a session.
func (c *Client) SignInWithPassword(ctx context.Context, phone, password string) (*Session, error) {
	gt, cancel := c.with(ctx)
	defer cancel()
	resp, err := gt.Token(types.TokenRequest{GrantType: "password", Phone: phone, Password: password})
	if err != nil {
		return nil, c.translate("/token", err)
	}
	return toSession(resp.Session)
}

// SignUp creates an account. Depending on the provider's settings the
// account is usable at once or awaits a one-time code.
func (c *Client) SignUp(ctx context.Context, phone, password string) (*SignUpResult, error) {
	gt, cancel := c.with(ctx)
	defer cancel()
	resp, err := gt.Signup(types.SignupRequest{Phone: phone, Password: password})
	if err != nil {
		return nil, c.translate("/signup", err)
	}
	if resp.Session.AccessToken != "" {
		s, err := toSession(resp.Session)
		if err != nil {
			return nil, err
		}
		return &SignUpResult{User: s.User, Session: s}, nil
	}
	if resp.User.ID == uuid.Nil {
		return nil, ErrMalformedResponse
	}
	return &SignUpResult{User: toUser(resp.User)}, nil
}

// VerifyOTP confirms the code sent by SMS and returns the resulting session.
func (c *Client) VerifyOTP(ctx context.Context, phone, code string) (*Session, error) {
	gt, cancel := c.with(ctx)
	defer cancel()
	resp, err := gt.VerifyForUser(types.VerifyForUserRequest{
		Type:       types.VerificationTypeSMS,
		Phone:      phone,
		Token:      code,
		RedirectTo: c.base,
	})
	if err == nil {
		return toSession(resp.Session)
	}
	// Providers answer the JSON verify call with 200 where the library
	// expects a 303; the session is in the body either way.
	if status, body, ok := parseStatus(err); ok && status == http.StatusOK {
		var s types.Session
		if err := json.Unmarshal([]byte(body), &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		return toSession(s)
	}
	return nil, c.translate("/verify", err)
}

// with binds ctx to the requests of a single call. The request timeout
// rides on the context so the caller's cancellation still applies.
func (c *Client) with(ctx context.Context) (gotrue.Client, context.CancelFunc) {
	cancel := context.CancelFunc(func() {})
	if c.http.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.http.Timeout)
	}
	base := c.http.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	return c.gotrue.WithClient(http.Client{
		Transport:     contextTransport{ctx: ctx, base: base},
		CheckRedirect: c.http.CheckRedirect,
		Jar:           c.http.Jar,
	}), cancel
}

type contextTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (t contextTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	return t.base.RoundTrip(r.WithContext(t.ctx))
}

// translate maps a gotrue-go failure onto the package's error types.
func (c *Client) translate(path string, err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return &client.TransportError{Method: strings.ToUpper(ue.Op), URL: ue.URL, Err: ue.Err}
	}
	if errors.Is(err, types.ErrInvalidTokenRequest) || errors.Is(err, types.ErrInvalidVerifyRequest) {
		return fmt.Errorf("identity request: %w", err)
	}
	if status, body, ok := parseStatus(err); ok {
		var eb errorBody
		_ = json.Unmarshal([]byte(body), &eb)
		e := eb.toError(status)
		c.logger.Info("identity request rejected", "path", authPath+path, "status", status, "code", e.Code)
		return e
	}
	return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
}

// parseStatus recovers the status and body gotrue-go folds into its
// non-success errors.
func parseStatus(err error) (int, string, bool) {
	rest, ok := strings.CutPrefix(err.Error(), statusPrefix)
	if !ok {
		return 0, "", false
	}
	code, body, _ := strings.Cut(rest, ": ")
	status, convErr := strconv.Atoi(code)
	if convErr != nil {
		return 0, "", false
	}
	return status, body, true
}

func toSession(s types.Session) (*Session, error) {
	if s.AccessToken == "" || s.User.ID == uuid.Nil {
		return nil, ErrMalformedResponse
	}
	return &Session{
		AccessToken:  s.AccessToken,
		TokenType:    s.TokenType,
		ExpiresIn:    s.ExpiresIn,
		RefreshToken: s.RefreshToken,
		User:         toUser(s.User),
	}, nil
}

func toUser(u types.User) session.User {
	return session.User{
		ID:        u.ID.String(),
		Phone:     u.Phone,
		Email:     u.Email,
		Role:      u.Role,
		CreatedAt: u.CreatedAt,
		Metadata:  u.UserMetadata,
	}
}
