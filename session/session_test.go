package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/storyverse/storage"
	"github.com/jmcleod/storyverse/storage/memory"
)

type countingCache struct {
	clears atomic.Int32
}

func (c *countingCache) Clear() { c.clears.Add(1) }

// countingRepo counts repository round trips so tests can assert that reads
// of the in-memory mirror never touch storage.
type countingRepo struct {
	storage.Repository
	calls  atomic.Int32
	putErr error
}

func (r *countingRepo) Put(ns, key string, env *storage.Envelope) error {
	r.calls.Add(1)
	if r.putErr != nil {
		return r.putErr
	}
	return r.Repository.Put(ns, key, env)
}

func (r *countingRepo) Get(ns, key string) (*storage.Envelope, error) {
	r.calls.Add(1)
	return r.Repository.Get(ns, key)
}

func (r *countingRepo) Delete(ns, key string) error {
	r.calls.Add(1)
	return r.Repository.Delete(ns, key)
}

// gatedRepo parks Put until release is closed.
type gatedRepo struct {
	storage.Repository
	entered chan struct{}
	release chan struct{}
}

func (r *gatedRepo) Put(ns, key string, env *storage.Envelope) error {
	close(r.entered)
	<-r.release
	return r.Repository.Put(ns, key, env)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStore(t *testing.T, repo storage.Repository, opts ...Option) *Store {
	t.Helper()
	return New(repo, append([]Option{WithLogger(quietLogger())}, opts...)...)
}

func assertInvariant(t *testing.T, s *Store) {
	t.Helper()
	snap := s.Snapshot()
	both := snap.User != nil && snap.Token != ""
	assert.Equal(t, both, snap.IsAuthenticated)
	assert.Equal(t, both, s.IsAuthenticated())
}

func TestStartsEmpty(t *testing.T) {
	s := newStore(t, memory.NewRepository())
	assert.False(t, s.IsAuthenticated())
	assert.Empty(t, s.Token())
	assert.Nil(t, s.User())
}

func TestAuthenticatedInvariant(t *testing.T) {
	type step struct {
		login bool
		user  User
		token string
	}
	sequences := map[string][]step{
		"login":               {{login: true, user: User{ID: "u1"}, token: "t1"}},
		"login-logout":        {{login: true, user: User{ID: "u1"}, token: "t1"}, {}},
		"logout-only":         {{}},
		"relogin-overwrites":  {{login: true, user: User{ID: "u1"}, token: "t1"}, {login: true, user: User{ID: "u2"}, token: "t2"}},
		"invalid-after-valid": {{login: true, user: User{ID: "u1"}, token: "t1"}, {login: true, user: User{ID: "u2"}, token: ""}},
		"missing-user-id":     {{login: true, user: User{}, token: "t1"}},
		"logout-twice":        {{login: true, user: User{ID: "u1"}, token: "t1"}, {}, {}},
	}

	for name, seq := range sequences {
		t.Run(name, func(t *testing.T) {
			s := newStore(t, memory.NewRepository())
			for _, st := range seq {
				if st.login {
					_ = s.SetAuth(st.user, st.token)
				} else {
					s.Logout()
				}
				assertInvariant(t, s)
			}
		})
	}
}

func TestSetAuthOverwrites(t *testing.T) {
	s := newStore(t, memory.NewRepository())
	require.NoError(t, s.SetAuth(User{ID: "u1", Phone: "+59170000001"}, "t1"))
	require.NoError(t, s.SetAuth(User{ID: "u2", Phone: "+59170000002"}, "t2"))

	assert.Equal(t, "t2", s.Token())
	assert.Equal(t, "u2", s.User().ID)
}

func TestSetAuthRejectsIncompleteSession(t *testing.T) {
	s := newStore(t, memory.NewRepository())
	require.NoError(t, s.SetAuth(User{ID: "u1"}, "t1"))

	err := s.SetAuth(User{ID: "u2"}, "")
	assert.ErrorIs(t, err, ErrInvalidSession)
	err = s.SetAuth(User{}, "t2")
	assert.ErrorIs(t, err, ErrInvalidSession)

	assert.Equal(t, "t1", s.Token())
	assert.Equal(t, "u1", s.User().ID)
}

func TestSetAuthPersistFailureKeepsPriorState(t *testing.T) {
	repo := &countingRepo{Repository: memory.NewRepository()}
	s := newStore(t, repo)
	require.NoError(t, s.SetAuth(User{ID: "u1"}, "t1"))

	repo.putErr = errors.New("disk full")
	err := s.SetAuth(User{ID: "u2"}, "t2")
	require.Error(t, err)
	assert.Equal(t, "t1", s.Token())
}

func TestLogoutWaitsForPendingSetAuth(t *testing.T) {
	backing := memory.NewRepository()
	repo := &gatedRepo{Repository: backing, entered: make(chan struct{}), release: make(chan struct{})}
	s := newStore(t, repo)

	setDone := make(chan error, 1)
	go func() { setDone <- s.SetAuth(User{ID: "u1"}, "t1") }()
	<-repo.entered

	logoutDone := make(chan struct{})
	go func() {
		s.Logout()
		close(logoutDone)
	}()
	select {
	case <-logoutDone:
		t.Fatal("Logout finished while SetAuth was still persisting")
	case <-time.After(50 * time.Millisecond):
	}

	close(repo.release)
	require.NoError(t, <-setDone)
	<-logoutDone

	assert.False(t, s.IsAuthenticated())
	_, err := backing.Get(Namespace, Key)
	assert.ErrorIs(t, err, storage.ErrNotFound, "storage must agree with memory")
}

func TestConcurrentMutationsKeepStorageInSync(t *testing.T) {
	repo := memory.NewRepository()
	s := newStore(t, repo)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%3 == 0 {
				s.Logout()
				return
			}
			id := fmt.Sprintf("u%d", i)
			assert.NoError(t, s.SetAuth(User{ID: id}, "t-"+id))
		}()
	}
	wg.Wait()

	reloaded := newStore(t, repo)
	assert.Equal(t, s.Snapshot(), reloaded.Snapshot())
}

func TestLogoutIdempotent(t *testing.T) {
	cache := &countingCache{}
	repo := memory.NewRepository()
	s := newStore(t, repo, WithCache(cache))
	require.NoError(t, s.SetAuth(User{ID: "u1"}, "t1"))

	s.Logout()
	first := s.Snapshot()
	s.Logout()
	second := s.Snapshot()

	assert.Equal(t, first, second)
	assert.False(t, second.IsAuthenticated)
	assert.Equal(t, int32(2), cache.clears.Load())

	_, err := repo.Get(Namespace, Key)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRehydrate(t *testing.T) {
	repo := memory.NewRepository()
	s := newStore(t, repo)
	require.NoError(t, s.SetAuth(User{ID: "u1", Phone: "+59170000001"}, "t1"))

	restarted := newStore(t, repo)
	assert.True(t, restarted.IsAuthenticated())
	assert.Equal(t, "t1", restarted.Token())
	assert.Equal(t, "+59170000001", restarted.User().Phone)

	restarted.Logout()
	again := newStore(t, repo)
	assert.False(t, again.IsAuthenticated())
}

func TestPersistedRecordShape(t *testing.T) {
	repo := memory.NewRepository()
	s := newStore(t, repo)
	require.NoError(t, s.SetAuth(User{ID: "u1"}, "t1"))

	env, err := repo.Get(Namespace, Key)
	require.NoError(t, err)
	assert.Equal(t, storage.SchemeRaw, env.Scheme)
	assert.JSONEq(t, `{"user":{"id":"u1"},"token":"t1","isAuthenticated":true}`, string(env.Ciphertext))
}

func TestRehydrateCorruptRecord(t *testing.T) {
	cases := map[string]*storage.Envelope{
		"not-json":   storage.RawRecord([]byte("{not json")),
		"no-token":   storage.RawRecord([]byte(`{"user":{"id":"u1"},"token":"","isAuthenticated":true}`)),
		"no-user":    storage.RawRecord([]byte(`{"user":null,"token":"t1","isAuthenticated":true}`)),
		"bad-scheme": {Ver: 1, Scheme: "rot13", Ciphertext: []byte("x")},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			repo := memory.NewRepository()
			require.NoError(t, repo.Put(Namespace, Key, env))

			s := newStore(t, repo)
			assert.False(t, s.IsAuthenticated())
			assertInvariant(t, s)

			_, err := repo.Get(Namespace, Key)
			assert.ErrorIs(t, err, storage.ErrNotFound)
		})
	}
}

func TestSealedPersistence(t *testing.T) {
	repo := memory.NewRepository()
	s := newStore(t, repo, WithSecret("correct horse"))
	require.NoError(t, s.SetAuth(User{ID: "u1"}, "secret-token"))

	env, err := repo.Get(Namespace, Key)
	require.NoError(t, err)
	assert.Equal(t, storage.SchemeAESGCM, env.Scheme)
	assert.NotContains(t, string(env.Ciphertext), "secret-token")

	t.Run("SameSecret", func(t *testing.T) {
		restarted := newStore(t, repo, WithSecret("correct horse"))
		assert.Equal(t, "secret-token", restarted.Token())
	})

	t.Run("WrongSecret", func(t *testing.T) {
		// Copy the record so the discard in this case does not affect others.
		other := memory.NewRepository()
		require.NoError(t, other.Put(Namespace, Key, env))
		restarted := newStore(t, other, WithSecret("battery staple"))
		assert.False(t, restarted.IsAuthenticated())
	})

	t.Run("NoSecret", func(t *testing.T) {
		other := memory.NewRepository()
		require.NoError(t, other.Put(Namespace, Key, env))
		restarted := newStore(t, other)
		assert.False(t, restarted.IsAuthenticated())
	})
}

func TestTokenReadsDoNotTouchStorage(t *testing.T) {
	repo := &countingRepo{Repository: memory.NewRepository()}
	s := newStore(t, repo)
	require.NoError(t, s.SetAuth(User{ID: "u1"}, "t1"))

	before := repo.calls.Load()
	for i := 0; i < 10; i++ {
		_ = s.Token()
		_ = s.IsAuthenticated()
		_ = s.Snapshot()
	}
	assert.Equal(t, before, repo.calls.Load())
}

func TestObserversSeeEveryMutation(t *testing.T) {
	var seen []bool
	s := newStore(t, memory.NewRepository(), OnChange(func(snap Snapshot) {
		seen = append(seen, snap.IsAuthenticated)
	}))

	require.NoError(t, s.SetAuth(User{ID: "u1"}, "t1"))
	s.Logout()
	s.Logout()

	assert.Equal(t, []bool{true, false, false}, seen)
}

func TestClaims(t *testing.T) {
	s := newStore(t, memory.NewRepository())

	_, err := s.Claims()
	assert.ErrorIs(t, err, ErrNoSession)

	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "u1",
		"phone": "59170000001",
		"role":  "authenticated",
		"exp":   exp.Unix(),
	}).SignedString([]byte("backend-only-key"))
	require.NoError(t, err)
	require.NoError(t, s.SetAuth(User{ID: "u1"}, token))

	c, err := s.Claims()
	require.NoError(t, err)
	assert.Equal(t, "u1", c.Subject)
	assert.Equal(t, "59170000001", c.Phone)
	assert.Equal(t, "authenticated", c.Role)
	assert.True(t, exp.Equal(c.ExpiresAt))
	assert.False(t, c.Expired(time.Now()))
	assert.True(t, c.Expired(exp.Add(time.Minute)))

	require.NoError(t, s.SetAuth(User{ID: "u1"}, "opaque-token"))
	_, err = s.Claims()
	assert.Error(t, err)
}
