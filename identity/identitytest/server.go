// Package identitytest provides an in-memory GoTrue-compatible identity
// provider for tests.
package identitytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// AnonKey is the project key the provider accepts.
	AnonKey = "test-anon-key"
	// Code is the one-time code every verification accepts.
	Code = "123456"
)

var signingKey = []byte("identitytest-signing-key")

type account struct {
	id        string
	phone     string
	password  string
	confirmed bool
	createdAt time.Time
}

// Provider is the fake identity provider.
type Provider struct {
	mu          sync.Mutex
	accounts    map[string]*account
	autoConfirm bool
	hits        map[string]int
}

// NewProvider returns a provider. With autoConfirm, sign-up returns a
// session at once instead of waiting for a code.
func NewProvider(autoConfirm bool) *Provider {
	return &Provider{
		accounts:    make(map[string]*account),
		autoConfirm: autoConfirm,
		hits:        make(map[string]int),
	}
}

// Serve starts the provider on a local listener closed at test cleanup and
// returns its base URL.
func (p *Provider) Serve(t testing.TB) string {
	t.Helper()
	srv := httptest.NewServer(p.Router())
	t.Cleanup(srv.Close)
	return srv.URL
}

// AddUser registers a confirmed account and returns its id.
func (p *Provider) AddUser(phone, password string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	a := &account{id: uuid.NewString(), phone: phone, password: password, confirmed: true, createdAt: time.Now().UTC()}
	p.accounts[phone] = a
	return a.id
}

// Hits reports how many requests reached path.
func (p *Provider) Hits(path string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hits[path]
}

// Router registers the provider routes.
func (p *Provider) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(p.requireAnonKey)
	r.Post("/auth/v1/token", p.handleToken)
	r.Post("/auth/v1/signup", p.handleSignUp)
	r.Post("/auth/v1/verify", p.handleVerify)
	return r
}

func (p *Provider) requireAnonKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.hits[r.URL.Path]++
		p.mu.Unlock()
		if r.Header.Get("apikey") != AnonKey {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "No API key found in request"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type credentials struct {
	Phone    string `json:"phone"`
	Password string `json:"password"`
	Type     string `json:"type"`
	Token    string `json:"token"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{"code": status, "error_code": code, "msg": msg})
}

func decode(w http.ResponseWriter, r *http.Request) (credentials, bool) {
	var c credentials
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "Could not parse request body as JSON")
		return c, false
	}
	return c, true
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("grant_type") != "password" {
		writeError(w, http.StatusBadRequest, "unsupported_grant_type", "unsupported grant type")
		return
	}
	c, ok := decode(w, r)
	if !ok {
		return
	}
	p.mu.Lock()
	a, found := p.accounts[c.Phone]
	p.mu.Unlock()
	if !found || a.password != c.Password {
		writeError(w, http.StatusBadRequest, "invalid_credentials", "Invalid login credentials")
		return
	}
	if !a.confirmed {
		writeError(w, http.StatusBadRequest, "phone_not_confirmed", "Phone not confirmed")
		return
	}
	writeJSON(w, http.StatusOK, sessionFor(a))
}

func (p *Provider) handleSignUp(w http.ResponseWriter, r *http.Request) {
	c, ok := decode(w, r)
	if !ok {
		return
	}
	if len(c.Password) < 6 {
		writeError(w, http.StatusUnprocessableEntity, "weak_password", "Password should be at least 6 characters.")
		return
	}
	p.mu.Lock()
	if _, exists := p.accounts[c.Phone]; exists {
		p.mu.Unlock()
		writeError(w, http.StatusUnprocessableEntity, "phone_exists", "Phone number already registered by another user")
		return
	}
	a := &account{id: uuid.NewString(), phone: c.Phone, password: c.Password, confirmed: p.autoConfirm, createdAt: time.Now().UTC()}
	p.accounts[c.Phone] = a
	p.mu.Unlock()

	if a.confirmed {
		writeJSON(w, http.StatusOK, sessionFor(a))
		return
	}
	writeJSON(w, http.StatusOK, userFor(a))
}

func (p *Provider) handleVerify(w http.ResponseWriter, r *http.Request) {
	c, ok := decode(w, r)
	if !ok {
		return
	}
	p.mu.Lock()
	a, found := p.accounts[c.Phone]
	if found && c.Type == "sms" && c.Token == Code {
		a.confirmed = true
	}
	p.mu.Unlock()
	if !found || c.Type != "sms" || c.Token != Code {
		writeError(w, http.StatusForbidden, "otp_expired", "Token has expired or is invalid")
		return
	}
	writeJSON(w, http.StatusOK, sessionFor(a))
}

func userFor(a *account) map[string]any {
	return map[string]any{
		"id":            a.id,
		"phone":         a.phone,
		"role":          "authenticated",
		"created_at":    a.createdAt.Format(time.RFC3339Nano),
		"user_metadata": map[string]any{},
	}
}

func sessionFor(a *account) map[string]any {
	return map[string]any{
		"access_token":  Token(a.id, a.phone, time.Hour),
		"token_type":    "bearer",
		"expires_in":    3600,
		"refresh_token": uuid.NewString(),
		"user":          userFor(a),
	}
}

// Token issues an HS256 access token for subject. Tests use it to seed a
// session without going through sign-in.
func Token(subject, phone string, ttl time.Duration) string {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   subject,
		"phone": phone,
		"role":  "authenticated",
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
	if err != nil {
		panic(err)
	}
	return signed
}
