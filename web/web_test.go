package web

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/storyverse/client"
	"github.com/jmcleod/storyverse/identity"
	"github.com/jmcleod/storyverse/identity/identitytest"
	"github.com/jmcleod/storyverse/notify"
	"github.com/jmcleod/storyverse/query"
	"github.com/jmcleod/storyverse/session"
	"github.com/jmcleod/storyverse/storage/memory"
	"github.com/jmcleod/storyverse/story"
	"github.com/jmcleod/storyverse/story/storytest"
)

const (
	testPhone    = "+59170000000"
	testPassword = "river-lantern-42"
)

var pngHead = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type testEnv struct {
	t        *testing.T
	base     string
	http     *http.Client
	backend  *storytest.Backend
	provider *identitytest.Provider
	session  *session.Store
	cache    *query.Cache
	notify   *notify.Center
}

func newTestEnv(t *testing.T, signedIn bool) *testEnv {
	t.Helper()
	return newTestEnvWithIdentity(t, signedIn, "")
}

// newTestEnvWithIdentity points the identity client at identityURL instead
// of the fake provider when it is not empty.
func newTestEnvWithIdentity(t *testing.T, signedIn bool, identityURL string) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	userID := "user-1"
	token := identitytest.Token(userID, testPhone, time.Hour)
	backend := storytest.NewBackend(token)
	endpoints, err := story.NewEndpoints(backend.Serve(t))
	require.NoError(t, err)

	provider := identitytest.NewProvider(false)
	if identityURL == "" {
		identityURL = provider.Serve(t)
	}
	idc, err := identity.New(identityURL, identitytest.AnonKey, identity.WithLogger(logger))
	require.NoError(t, err)

	cache := query.New(query.WithLogger(logger), query.WithRetryDelay(0),
		query.WithRetryIf(func(err error) bool { return !errors.Is(err, client.ErrSessionExpired) }))
	sess := session.New(memory.NewRepository(), session.WithCache(cache), session.WithLogger(logger))
	if signedIn {
		require.NoError(t, sess.SetAuth(session.User{ID: userID, Phone: testPhone}, token))
	}
	api := client.New(sess, client.WithLogger(logger))
	center := notify.NewCenter()

	srv, err := New(Deps{
		Session:  sess,
		Identity: idc,
		Stories:  story.NewQueries(story.NewService(api, endpoints), cache),
		Notify:   center,
	}, WithLogger(logger))
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &testEnv{
		t:    t,
		base: ts.URL,
		http: &http.Client{
			Jar: jar,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		backend:  backend,
		provider: provider,
		session:  sess,
		cache:    cache,
		notify:   center,
	}
}

func (e *testEnv) get(path string) (*http.Response, string) {
	e.t.Helper()
	resp, err := e.http.Get(e.base + path)
	require.NoError(e.t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(e.t, err)
	return resp, string(body)
}

// csrf returns the token from the cookie jar, visiting a page first if no
// cookie was issued yet.
func (e *testEnv) csrf() string {
	e.t.Helper()
	u, err := url.Parse(e.base)
	require.NoError(e.t, err)
	for range 2 {
		for _, c := range e.http.Jar.Cookies(u) {
			if c.Name == csrfCookieName {
				return c.Value
			}
		}
		e.get("/login")
	}
	e.t.Fatal("no CSRF cookie issued")
	return ""
}

func (e *testEnv) post(path string, form url.Values) (*http.Response, string) {
	e.t.Helper()
	resp, err := e.http.PostForm(e.base+path, form)
	require.NoError(e.t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(e.t, err)
	return resp, string(body)
}

func (e *testEnv) postStory(image []byte, description, style string) (*http.Response, string) {
	e.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(e.t, mw.WriteField(csrfFieldName, e.csrf()))
	require.NoError(e.t, mw.WriteField("description", description))
	require.NoError(e.t, mw.WriteField("style", style))
	if image != nil {
		fw, err := mw.CreateFormFile("image", "cat.png")
		require.NoError(e.t, err)
		_, err = fw.Write(image)
		require.NoError(e.t, err)
	}
	require.NoError(e.t, mw.Close())

	resp, err := e.http.Post(e.base+"/stories", mw.FormDataContentType(), &buf)
	require.NoError(e.t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(e.t, err)
	return resp, string(body)
}

func TestGuardRedirects(t *testing.T) {
	e := newTestEnv(t, false)

	tests := []struct {
		path     string
		status   int
		location string
	}{
		{"/", http.StatusSeeOther, "/login"},
		{"/stories/5", http.StatusSeeOther, "/login?from=%2Fstories%2F5"},
		{"/nowhere", http.StatusSeeOther, "/"},
		{"/login", http.StatusOK, ""},
		{"/register", http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, _ := e.get(tt.path)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.location, resp.Header.Get("Location"))
		})
	}
}

func TestPublicPagesRedirectWhenSignedIn(t *testing.T) {
	e := newTestEnv(t, true)
	for _, path := range []string{"/login", "/register", "/verify"} {
		resp, _ := e.get(path)
		assert.Equal(t, http.StatusSeeOther, resp.StatusCode, path)
		assert.Equal(t, "/", resp.Header.Get("Location"), path)
	}
}

func TestLoginReturnsToRequestedPage(t *testing.T) {
	e := newTestEnv(t, false)
	e.provider.AddUser(testPhone, testPassword)

	resp, body := e.get("/login?from=%2Fstories%2F1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `value="/stories/1"`)

	resp, _ = e.post("/login", url.Values{
		csrfFieldName: {e.csrf()},
		"phone":       {"7000 0000"},
		"password":    {testPassword},
		"from":        {"/stories/1"},
	})
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/stories/1", resp.Header.Get("Location"))
	require.True(t, e.session.IsAuthenticated())
	assert.Equal(t, testPhone, e.session.User().Phone)
	assert.Equal(t, 1, e.provider.Hits("/auth/v1/token"))
}

func TestLoginIgnoresForeignReturnTarget(t *testing.T) {
	e := newTestEnv(t, false)
	e.provider.AddUser(testPhone, testPassword)

	resp, _ := e.post("/login", url.Values{
		csrfFieldName: {e.csrf()},
		"phone":       {testPhone},
		"password":    {testPassword},
		"from":        {"https://evil.example/stories"},
	})
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))
}

func TestLoginRejected(t *testing.T) {
	e := newTestEnv(t, false)
	e.provider.AddUser(testPhone, testPassword)

	resp, body := e.post("/login", url.Values{
		csrfFieldName: {e.csrf()},
		"phone":       {testPhone},
		"password":    {"wrong-password"},
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, body, "invalid phone number or password")
	assert.False(t, e.session.IsAuthenticated())
}

func TestLoginProviderUnreachable(t *testing.T) {
	down := httptest.NewServer(http.NotFoundHandler())
	down.Close()
	e := newTestEnvWithIdentity(t, false, down.URL)

	resp, body := e.post("/login", url.Values{
		csrfFieldName: {e.csrf()},
		"phone":       {testPhone},
		"password":    {testPassword},
	})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, body, client.TransportMessage)
	assert.False(t, e.session.IsAuthenticated())

	resp, _ = e.post("/register", url.Values{
		csrfFieldName:      {e.csrf()},
		"phone":            {testPhone},
		"password":         {testPassword},
		"confirm_password": {testPassword},
	})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestIdentityFailureStatus(t *testing.T) {
	rejected := &identity.Error{Status: http.StatusBadRequest, Code: "invalid_credentials"}
	assert.Equal(t, http.StatusUnauthorized, identityFailureStatus(rejected, http.StatusUnauthorized))
	transport := &client.TransportError{Method: http.MethodPost, URL: "http://id", Err: errors.New("refused")}
	assert.Equal(t, http.StatusBadGateway, identityFailureStatus(transport, http.StatusUnauthorized))
	assert.Equal(t, http.StatusBadGateway, identityFailureStatus(identity.ErrMalformedResponse, http.StatusBadRequest))
}

func TestLoginValidation(t *testing.T) {
	e := newTestEnv(t, false)

	resp, body := e.post("/login", url.Values{csrfFieldName: {e.csrf()}, "phone": {testPhone}})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, body, "please fill in all fields")
	assert.Zero(t, e.provider.Hits("/auth/v1/token"))
}

func TestRegisterThenVerify(t *testing.T) {
	e := newTestEnv(t, false)

	resp, _ := e.post("/register", url.Values{
		csrfFieldName:      {e.csrf()},
		"phone":            {"70000000"},
		"password":         {testPassword},
		"confirm_password": {testPassword},
	})
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/verify?phone=%2B59170000000", resp.Header.Get("Location"))

	resp, _ = e.post("/verify", url.Values{
		csrfFieldName: {e.csrf()},
		"phone":       {testPhone},
		"code":        {identitytest.Code},
	})
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/login", resp.Header.Get("Location"))
	assert.False(t, e.session.IsAuthenticated())
}

func TestRegisterPasswordMismatch(t *testing.T) {
	e := newTestEnv(t, false)

	resp, body := e.post("/register", url.Values{
		csrfFieldName:      {e.csrf()},
		"phone":            {testPhone},
		"password":         {testPassword},
		"confirm_password": {"something-else"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, body, "passwords do not match")
	assert.Zero(t, e.provider.Hits("/auth/v1/signup"))
}

func TestCSRFRejected(t *testing.T) {
	e := newTestEnv(t, true)
	e.csrf()

	resp, _ := e.post("/logout", url.Values{csrfFieldName: {"forged"}})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.True(t, e.session.IsAuthenticated())
}

func TestStoriesPage(t *testing.T) {
	e := newTestEnv(t, true)
	e.backend.Add(story.Story{Title: "The lighthouse keeper", Style: "watercolor"})

	resp, body := e.get("/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "The lighthouse keeper")
	assert.Contains(t, body, testPhone)
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))

	e.get("/")
	assert.Equal(t, 1, e.backend.Hits("GET /api/generate-story"))
}

func TestCreateStory(t *testing.T) {
	e := newTestEnv(t, true)
	_, body := e.get("/")
	assert.Contains(t, body, "No stories yet")

	resp, _ := e.postStory(pngHead, "a cat who sails", "watercolor")
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))
	assert.Equal(t, 1, e.backend.Hits("POST /api/generate-story"))

	_, body = e.get("/")
	assert.Contains(t, body, "Story generated successfully")
	assert.Contains(t, body, "The watercolor tale")
	assert.Equal(t, 2, e.backend.Hits("GET /api/generate-story"))
}

func TestCreateStoryValidation(t *testing.T) {
	e := newTestEnv(t, true)

	tests := []struct {
		name  string
		image []byte
		desc  string
		style string
		want  string
	}{
		{"missing image", nil, "a cat", "anime", "image is required"},
		{"not an image", []byte("just some text"), "a cat", "anime", "file must be an image"},
		{"missing description", pngHead, "   ", "anime", "description is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := e.postStory(tt.image, tt.desc, tt.style)
			assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
			assert.Contains(t, body, tt.want)
		})
	}
	assert.Zero(t, e.backend.Hits("POST /api/generate-story"))
}

func TestCreateStoryValidationWithListFailureNotifiesOnce(t *testing.T) {
	e := newTestEnv(t, true)
	e.backend.FailList(http.StatusInternalServerError)

	resp, body := e.postStory(nil, "a cat", "anime")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, body, `class="warning"`)
	assert.Equal(t, 1, strings.Count(body, "toast-error"))

	var errs []string
	for _, toast := range e.notify.Active() {
		if toast.Kind == notify.Error {
			errs = append(errs, toast.Message)
		}
	}
	assert.Equal(t, []string{"image is required"}, errs)
	assert.True(t, e.session.IsAuthenticated())
}

func TestStoryListFailureNotifies(t *testing.T) {
	e := newTestEnv(t, true)
	e.backend.FailList(http.StatusInternalServerError)

	resp, body := e.get("/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `class="warning"`)
	assert.Equal(t, 1, strings.Count(body, "toast-error"))
}

func TestStoryDetailAndDocument(t *testing.T) {
	e := newTestEnv(t, true)
	resp, _ := e.postStory(pngHead, "a cat who sails", "comic")
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	resp, body := e.get("/stories/1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "The comic tale")

	resp, body = e.get("/stories/1/document")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/pdf", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "attachment")
	assert.True(t, strings.HasPrefix(body, "%PDF-1.7"))
}

func TestDocumentMissing(t *testing.T) {
	e := newTestEnv(t, true)
	e.backend.Add(story.Story{Title: "Draft"})

	resp, _ := e.get("/stories/1/document")
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/stories/1", resp.Header.Get("Location"))

	_, body := e.get("/stories/1")
	assert.Contains(t, body, "this story has no document yet")
}

func TestStoryNotFound(t *testing.T) {
	e := newTestEnv(t, true)

	for _, path := range []string{"/stories/99", "/stories/abc"} {
		resp, _ := e.get(path)
		assert.Equal(t, http.StatusSeeOther, resp.StatusCode, path)
		assert.Equal(t, "/", resp.Header.Get("Location"), path)
	}
	_, body := e.get("/")
	assert.Contains(t, body, "story not found")
}

func TestRevokedTokenEndsSession(t *testing.T) {
	e := newTestEnv(t, true)
	e.backend.SetToken("rotated")

	resp, _ := e.get("/")
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/login", resp.Header.Get("Location"))
	assert.False(t, e.session.IsAuthenticated())

	_, body := e.get("/login")
	assert.Contains(t, body, "invalid or expired token")
}

func TestLogoutClearsCache(t *testing.T) {
	e := newTestEnv(t, true)
	e.get("/")
	require.Equal(t, 1, e.cache.Len())

	resp, _ := e.post("/logout", url.Values{csrfFieldName: {e.csrf()}})
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/login", resp.Header.Get("Location"))
	assert.False(t, e.session.IsAuthenticated())
	assert.Zero(t, e.cache.Len())

	_, body := e.get("/login")
	assert.Contains(t, body, "signed out")
}

func TestSignInThrottle(t *testing.T) {
	now := time.Unix(1700000000, 0)
	th := newSignInThrottle()
	th.now = func() time.Time { return now }

	for range maxFailures - 1 {
		th.recordFailure(testPhone)
	}
	blocked, _ := th.check(testPhone)
	assert.False(t, blocked)

	th.recordFailure(testPhone)
	blocked, wait := th.check(testPhone)
	assert.True(t, blocked)
	assert.Equal(t, baseLockout, wait)

	th.recordFailure(testPhone)
	_, wait = th.check(testPhone)
	assert.Equal(t, 2*baseLockout, wait)

	now = now.Add(3 * baseLockout)
	blocked, _ = th.check(testPhone)
	assert.False(t, blocked)

	th.recordSuccess(testPhone)
	assert.Empty(t, th.attempts)

	th.recordFailure(testPhone)
	now = now.Add(attemptExpiry + time.Second)
	blocked, _ = th.check(testPhone)
	assert.False(t, blocked)
	assert.Empty(t, th.attempts)
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, "1", retryAfterSeconds(200*time.Millisecond))
	assert.Equal(t, "90", retryAfterSeconds(90*time.Second))
}
