// Package query caches the results of read requests and coordinates
// mutations with them.
//
// Reads go through Fetch: a fresh entry is returned as is, a stale one is
// returned while a single background refresh runs, and a missing or
// invalidated one is loaded with at most one fetch in flight per key.
// Invalidate and Clear both win over fetches that were already running when
// they were called: such a fetch still answers its callers but does not write
// into the cache, and the next Fetch starts a new one.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// DefaultStaleTime is how long a fetched value counts as fresh.
	DefaultStaleTime  = 5 * time.Minute
	defaultRetryDelay = time.Second
)

// epoch counts the invalidations of one key. Loads record the epoch they
// started in and only store into the same epoch.
type epoch struct {
	key Key
	n   uint64
}

type entry struct {
	key        Key
	value      any
	fetchedAt  time.Time
	invalid    bool
	refreshing bool
}

// Cache holds fetched values keyed by Key. The zero value is not usable; use
// New.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	epochs  map[string]*epoch
	gen     uint64
	flights singleflight.Group

	staleTime  time.Duration
	retryDelay time.Duration
	retryIf    func(error) bool
	now        func() time.Time
	logger     *slog.Logger
	metrics    *Metrics
}

// Option configures a Cache.
type Option func(*Cache)

// WithStaleTime sets how long a value is served without a refresh.
func WithStaleTime(d time.Duration) Option {
	return func(c *Cache) {
		c.staleTime = d
	}
}

// WithRetryIf decides whether a failed read is retried once. The default
// retries every error.
func WithRetryIf(fn func(error) bool) Option {
	return func(c *Cache) {
		c.retryIf = fn
	}
}

// WithRetryDelay sets the pause before the retry of a failed read.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Cache) {
		c.retryDelay = d
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithMetrics records lookups into m.
func WithMetrics(m *Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// New returns an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries:    make(map[string]*entry),
		epochs:     make(map[string]*epoch),
		staleTime:  DefaultStaleTime,
		retryDelay: defaultRetryDelay,
		retryIf:    func(error) bool { return true },
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	c.logger = c.logger.With("component", "query")
	return c
}

// Fetch returns the value cached under key, loading it with fn when the
// entry is missing or invalidated. Concurrent callers for the same key share
// one call to fn. A stale value is returned immediately and refreshed in the
// background.
//
// fn runs on a context detached from ctx's cancellation so that a caller
// giving up does not fail the other callers waiting on the same fetch; ctx
// only bounds how long this caller waits.
func Fetch[T any](ctx context.Context, c *Cache, key Key, fn func(context.Context) (T, error)) (T, error) {
	id := key.String()

	c.mu.Lock()
	if e, ok := c.entries[id]; ok && !e.invalid {
		if v, ok := e.value.(T); ok {
			if c.now().Sub(e.fetchedAt) < c.staleTime {
				c.mu.Unlock()
				c.metrics.observe(resultHit)
				return v, nil
			}
			if !e.refreshing {
				e.refreshing = true
				go c.refresh(key, c.gen, c.epochLocked(key, id), func(ctx context.Context) (any, error) { return fn(ctx) })
			}
			c.mu.Unlock()
			c.metrics.observe(resultStale)
			return v, nil
		}
		c.logger.Warn("cached value has unexpected type, refetching", "key", id, "type", fmt.Sprintf("%T", e.value))
	}
	gen, ep := c.gen, c.epochLocked(key, id)
	c.mu.Unlock()
	c.metrics.observe(resultMiss)

	ch := c.flights.DoChan(flightKey(gen, ep, id), func() (any, error) {
		return c.load(context.WithoutCancel(ctx), key, gen, ep, func(ctx context.Context) (any, error) { return fn(ctx) })
	})

	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(T)
		return v, nil
	}
}

// Invalidate marks every entry whose key starts with prefix as stale. The
// next Fetch of such a key blocks on a fresh load, even when a fetch of that
// key is still in flight.
func (c *Cache) Invalidate(prefix Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ep := range c.epochs {
		if ep.key.HasPrefix(prefix) {
			ep.n++
		}
	}
	n := 0
	for _, e := range c.entries {
		if e.key.HasPrefix(prefix) {
			e.invalid = true
			n++
		}
	}
	c.logger.Debug("invalidated", "prefix", prefix.String(), "entries", n)
}

// Clear drops every entry. Fetches already in flight still answer their
// callers but no longer write into the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
	c.epochs = make(map[string]*epoch)
	c.gen++
	c.logger.Debug("cleared")
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) epochLocked(key Key, id string) uint64 {
	ep, ok := c.epochs[id]
	if !ok {
		ep = &epoch{key: key}
		c.epochs[id] = ep
	}
	return ep.n
}

func (c *Cache) load(ctx context.Context, key Key, gen, ep uint64, fn func(context.Context) (any, error)) (any, error) {
	v, err := fn(ctx)
	if err != nil && c.retryIf(err) {
		c.logger.Debug("fetch failed, retrying", "key", key.String(), "error", err)
		if c.retryDelay > 0 {
			t := time.NewTimer(c.retryDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, err
			case <-t.C:
			}
		}
		v, err = fn(ctx)
	}
	if err != nil {
		return nil, err
	}
	c.store(key, gen, ep, v)
	return v, nil
}

func (c *Cache) refresh(key Key, gen, ep uint64, fn func(context.Context) (any, error)) {
	id := key.String()
	_, err, _ := c.flights.Do(flightKey(gen, ep, id), func() (any, error) {
		return c.load(context.Background(), key, gen, ep, fn)
	})
	if err == nil {
		return
	}
	c.logger.Warn("background refresh failed", "key", id, "error", err)
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok && c.gen == gen {
		e.refreshing = false
	}
}

func (c *Cache) store(key Key, gen, ep uint64, v any) {
	id := key.String()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		c.logger.Debug("discarding result fetched before clear", "key", id)
		return
	}
	if cur, ok := c.epochs[id]; !ok || cur.n != ep {
		c.logger.Debug("discarding result fetched before invalidation", "key", id)
		return
	}
	c.entries[id] = &entry{key: key, value: v, fetchedAt: c.now()}
}

func flightKey(gen, ep uint64, id string) string {
	return fmt.Sprintf("%d|%d|%s", gen, ep, id)
}
