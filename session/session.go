// Package session holds the client's single authenticated session: the
// identity record and bearer token, mirrored in memory and persisted to a
// storage.Repository so it survives restarts.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/storyverse/internal/util"
	"github.com/jmcleod/storyverse/storage"
)

const (
	// Namespace and Key locate the persisted session record.
	Namespace = "__client"
	Key       = "auth"

	recordAAD = "storyverse:session:" + Key
	keyInfo   = "storyverse:session-key:v1"
)

var (
	// ErrInvalidSession is returned by SetAuth when the user or token is missing.
	ErrInvalidSession = errors.New("session requires a user id and a token")
	// ErrNoSession is returned when an operation needs an authenticated session.
	ErrNoSession = errors.New("no active session")
)

// User is the identity record returned by the identity provider. The client
// treats it as opaque apart from the ID.
type User struct {
	ID        string         `json:"id"`
	Phone     string         `json:"phone,omitempty"`
	Email     string         `json:"email,omitempty"`
	Role      string         `json:"role,omitempty"`
	CreatedAt time.Time      `json:"created_at,omitzero"`
	Metadata  map[string]any `json:"user_metadata,omitempty"`
}

// Snapshot is a consistent copy of the session state.
type Snapshot struct {
	User            *User
	Token           string
	IsAuthenticated bool
}

// Clearer is implemented by caches that must not outlive a session.
type Clearer interface {
	Clear()
}

// record is the persisted shape of the session.
type record struct {
	User            *User  `json:"user"`
	Token           string `json:"token"`
	IsAuthenticated bool   `json:"isAuthenticated"`
}

// Store owns the session. Other components read it and may only change it
// through SetAuth and Logout.
type Store struct {
	// writeMu orders SetAuth and Logout end to end: persist, publish and
	// notify. mu only guards the in-memory fields for readers.
	writeMu sync.Mutex
	mu      sync.RWMutex
	user    *User
	token   string

	repo      storage.Repository
	key       *memguard.Enclave
	cache     Clearer
	logger    *slog.Logger
	observers []func(Snapshot)
}

// Option configures a Store.
type Option func(*Store)

// WithCache attaches the cache that Logout clears.
func WithCache(c Clearer) Option {
	return func(s *Store) {
		s.cache = c
	}
}

// WithLogger sets the logger used for session lifecycle events.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithSecret seals the persisted record with a key derived from secret.
// An empty secret leaves the record unsealed.
func WithSecret(secret string) Option {
	return func(s *Store) {
		if secret == "" {
			return
		}
		key, err := util.DeriveKey([]byte(secret), nil, keyInfo)
		if err != nil {
			s.log().Warn("session: could not derive sealing key", "error", err)
			return
		}
		// NewEnclave wipes key after copying it.
		s.key = memguard.NewEnclave(key)
	}
}

// OnChange registers fn to run after every SetAuth and Logout. fn must not
// call SetAuth or Logout.
func OnChange(fn func(Snapshot)) Option {
	return func(s *Store) {
		s.observers = append(s.observers, fn)
	}
}

// New creates a Store backed by repo and rehydrates any persisted session.
// A missing, corrupt or undecryptable record yields an empty session.
func New(repo storage.Repository, opts ...Option) *Store {
	s := &Store{repo: repo}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	s.logger = s.logger.With("component", "session")
	s.rehydrate()
	return s
}

func (s *Store) log() *slog.Logger {
	if s.logger == nil {
		return slog.Default()
	}
	return s.logger
}

func (s *Store) rehydrate() {
	env, err := s.repo.Get(Namespace, Key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("session: reading persisted session failed", "error", err)
		}
		return
	}

	data, err := s.open(env)
	if err != nil {
		s.discard("unreadable", err)
		return
	}
	defer util.WipeBytes(data)

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.discard("corrupt", err)
		return
	}
	if rec.User == nil || rec.User.ID == "" || rec.Token == "" {
		s.discard("incomplete", nil)
		return
	}

	s.user = rec.User
	s.token = rec.Token
	s.logger.Debug("session: rehydrated", "user_id", rec.User.ID)
}

// discard drops a persisted record that cannot become a session.
func (s *Store) discard(reason string, err error) {
	s.logger.Warn("session: discarding persisted record", "reason", reason, "error", err)
	if delErr := s.repo.Delete(Namespace, Key); delErr != nil && !errors.Is(delErr, storage.ErrNotFound) {
		s.logger.Warn("session: removing persisted record failed", "error", delErr)
	}
}

func (s *Store) open(env *storage.Envelope) ([]byte, error) {
	if s.key == nil {
		return storage.OpenRecord(nil, env, []byte(recordAAD))
	}
	buf, err := s.key.Open()
	if err != nil {
		return nil, fmt.Errorf("opening session key: %w", err)
	}
	defer buf.Destroy()
	return storage.OpenRecord(buf.Bytes(), env, []byte(recordAAD))
}

func (s *Store) seal(data []byte) (*storage.Envelope, error) {
	if s.key == nil {
		return storage.RawRecord(data), nil
	}
	buf, err := s.key.Open()
	if err != nil {
		return nil, fmt.Errorf("opening session key: %w", err)
	}
	defer buf.Destroy()
	return storage.SealRecord(buf.Bytes(), data, []byte(recordAAD))
}

// SetAuth records an authenticated session, replacing any previous one.
// The record is persisted before it becomes visible; on failure the prior
// session is left untouched.
func (s *Store) SetAuth(user User, token string) error {
	if user.ID == "" || token == "" {
		return ErrInvalidSession
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	data, err := json.Marshal(record{User: &user, Token: token, IsAuthenticated: true})
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	env, err := s.seal(data)
	util.WipeBytes(data)
	if err != nil {
		return fmt.Errorf("sealing session: %w", err)
	}
	if err := s.repo.Put(Namespace, Key, env); err != nil {
		return fmt.Errorf("persisting session: %w", err)
	}

	s.mu.Lock()
	s.user = &user
	s.token = token
	s.mu.Unlock()

	s.logger.Info("session established", "user_id", user.ID)
	s.notify()
	return nil
}

// Logout clears the session, removes the persisted record and clears the
// attached cache. Calling it without a session is a no-op apart from the
// cache clear.
func (s *Store) Logout() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	wasAuthenticated := s.token != ""
	s.user = nil
	s.token = ""
	s.mu.Unlock()

	if err := s.repo.Delete(Namespace, Key); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("session: removing persisted record failed", "error", err)
	}
	if s.cache != nil {
		s.cache.Clear()
	}
	if wasAuthenticated {
		s.logger.Info("session ended")
	}
	s.notify()
}

// Token returns the current bearer token or "" without touching storage.
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// User returns a copy of the current user, or nil.
func (s *Store) User() *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

// IsAuthenticated reports whether both a user and a token are present.
func (s *Store) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user != nil && s.token != ""
}

// Snapshot returns the whole state under one lock.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{Token: s.token}
	if s.user != nil {
		u := *s.user
		snap.User = &u
	}
	snap.IsAuthenticated = snap.User != nil && snap.Token != ""
	return snap
}

func (s *Store) notify() {
	if len(s.observers) == 0 {
		return
	}
	snap := s.Snapshot()
	for _, fn := range s.observers {
		fn(snap)
	}
}
