// Package redis provides a Redis-backed storage repository, letting several
// client processes on one machine share the persisted session.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	red "github.com/redis/go-redis/v9"

	"github.com/jmcleod/storyverse/storage"
)

const (
	defaultKeyPrefix = "storyverse:"
	defaultTimeout   = 3 * time.Second
)

// Store implements storage.Repository with one Redis hash per namespace.
type Store struct {
	client  red.UniversalClient
	prefix  string
	timeout time.Duration
}

var _ storage.Repository = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix overrides the prefix prepended to every namespace hash key.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithTimeout bounds each Redis round trip.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewRepository returns a Repository backed by an existing Redis client.
func NewRepository(client red.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: defaultKeyPrefix, timeout: defaultTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewRepositoryFromURL parses a redis:// URL, pings the server and returns a Repository.
func NewRepositoryFromURL(ctx context.Context, url string, opts ...Option) (*Store, error) {
	o, err := red.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := red.NewClient(o)
	s := NewRepository(client, opts...)
	pingCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return s, nil
}

// Close closes the underlying Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) hashKey(namespace string) string {
	return s.prefix + namespace
}

func (s *Store) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

func (s *Store) Put(namespace, key string, envelope *storage.Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	ctx, cancel := s.ctx()
	defer cancel()
	return s.client.HSet(ctx, s.hashKey(namespace), key, data).Err()
}

func (s *Store) Get(namespace, key string) (*storage.Envelope, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	data, err := s.client.HGet(ctx, s.hashKey(namespace), key).Bytes()
	if errors.Is(err, red.Nil) {
		return nil, fmt.Errorf("%s/%s: %w", namespace, key, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var envelope storage.Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}
	return &envelope, nil
}

func (s *Store) Delete(namespace, key string) error {
	ctx, cancel := s.ctx()
	defer cancel()
	n, err := s.client.HDel(ctx, s.hashKey(namespace), key).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", namespace, key, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) List(namespace string) ([]string, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	return s.client.HKeys(ctx, s.hashKey(namespace)).Result()
}
