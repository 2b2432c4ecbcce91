// Package web serves the local browser interface: sign-in, sign-up and code
// verification pages in the public tree, and the story list, story detail
// and document download in the protected tree.
package web

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/storyverse/client"
	"github.com/jmcleod/storyverse/form"
	"github.com/jmcleod/storyverse/identity"
	"github.com/jmcleod/storyverse/notify"
	"github.com/jmcleod/storyverse/route"
	"github.com/jmcleod/storyverse/session"
	"github.com/jmcleod/storyverse/story"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

// Deps are the components the pages operate on. Identity may be nil, in
// which case the public pages explain that sign-in is not configured.
type Deps struct {
	Session  *session.Store
	Identity *identity.Client
	Stories  *story.Queries
	Notify   *notify.Center
}

// Server renders the pages.
type Server struct {
	Deps
	guard       *route.Guard
	pages       map[string]*template.Template
	throttle    *signInThrottle
	logger      *slog.Logger
	countryCode string
	minScore    int
	secure      bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithCountryCode sets the calling code added to local phone numbers.
func WithCountryCode(cc string) Option {
	return func(s *Server) {
		s.countryCode = cc
	}
}

// WithMinPasswordScore sets the zxcvbn score required at sign-up.
func WithMinPasswordScore(score int) Option {
	return func(s *Server) {
		s.minScore = score
	}
}

// WithSecureCookies marks cookies Secure, for deployments behind TLS.
func WithSecureCookies(secure bool) Option {
	return func(s *Server) {
		s.secure = secure
	}
}

var pageNames = []string{"login", "register", "verify", "stories", "story"}

// New parses the embedded templates and returns a Server.
func New(deps Deps, opts ...Option) (*Server, error) {
	if deps.Session == nil || deps.Stories == nil {
		return nil, errors.New("web: session and stories are required")
	}
	s := &Server{
		Deps:        deps,
		guard:       route.NewGuard(deps.Session),
		throttle:    newSignInThrottle(),
		countryCode: form.DefaultCountryCode,
		minScore:    form.DefaultMinPasswordScore,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.Notify == nil {
		s.Notify = notify.NewCenter()
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	s.logger = s.logger.With("component", "web")

	funcs := template.FuncMap{
		"date": func(t time.Time) string {
			if t.IsZero() {
				return ""
			}
			return t.Local().Format("Jan 2, 2006")
		},
	}
	s.pages = make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		t, err := template.New(name).Funcs(funcs).ParseFS(templateFS, "templates/layout.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("parsing %s template: %w", name, err)
		}
		s.pages[name] = t
	}
	return s, nil
}

// Handler returns the router for the interface. Pages sit behind the route
// guard; unknown paths are redirected to the root.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(SecurityHeaders)

	assets, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err)
	}
	r.Handle("/assets/*", http.StripPrefix("/assets/", http.FileServer(http.FS(assets))))

	r.Group(func(r chi.Router) {
		r.Use(s.csrf)
		r.Post("/logout", s.handleLogout)

		r.Group(func(r chi.Router) {
			r.Use(s.guard.Middleware)
			r.Get(route.LoginPath, s.handleLoginPage)
			r.Post(route.LoginPath, s.handleLogin)
			r.Get(route.RegisterPath, s.handleRegisterPage)
			r.Post(route.RegisterPath, s.handleRegister)
			r.Get(route.VerifyPath, s.handleVerifyPage)
			r.Post(route.VerifyPath, s.handleVerify)

			r.Get(route.RootPath, s.handleStories)
			r.Post(route.StoriesPath, s.handleCreateStory)
			r.Get(route.StoriesPath+"/{id}", s.handleStory)
			r.Get(route.StoriesPath+"/{id}/document", s.handleDocument)
		})
	})

	toRoot := func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, route.RootPath, http.StatusSeeOther)
	}
	r.NotFound(toRoot)
	r.MethodNotAllowed(toRoot)
	return r
}

// page is the data every template receives.
type page struct {
	Title         string
	CSRF          string
	User          *session.User
	Toasts        []notify.Toast
	Form          map[string]string
	Errors        map[string]string
	From          string
	IdentityReady bool

	Stories   []story.Story
	Story     *story.Story
	LoadError string
}

func (s *Server) render(w http.ResponseWriter, r *http.Request, name string, status int, p page) {
	p.CSRF = csrfToken(r)
	p.User = s.Session.User()
	p.Toasts = s.Notify.Active()
	p.IdentityReady = s.Identity != nil

	var buf bytes.Buffer
	if err := s.pages[name].ExecuteTemplate(&buf, "layout", p); err != nil {
		s.logger.Error("rendering page failed", "page", name, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

func (s *Server) redirect(w http.ResponseWriter, r *http.Request, target string) {
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// fail records the single notification for a failed action. It reports
// whether the session ended, in which case the caller must send the user
// to sign in.
func (s *Server) fail(err error) (sessionEnded bool) {
	s.Notify.Error(client.Message(err))
	if errors.Is(err, client.ErrSessionExpired) {
		return true
	}
	var te *client.TransportError
	if errors.As(err, &te) {
		s.logger.Warn("backend unreachable", "url", te.URL, "error", te.Err)
	}
	return false
}
