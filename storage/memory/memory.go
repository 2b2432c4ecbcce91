// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"sync"

	"github.com/jmcleod/storyverse/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for tests and for runs that must not leave state behind.
type Repository struct {
	mu   sync.RWMutex
	data map[string]map[string]*storage.Envelope
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]map[string]*storage.Envelope)}
}

func cloneEnvelope(env *storage.Envelope) *storage.Envelope {
	if env == nil {
		return nil
	}
	return &storage.Envelope{
		Ver:        env.Ver,
		Scheme:     env.Scheme,
		Nonce:      append([]byte(nil), env.Nonce...),
		Ciphertext: append([]byte(nil), env.Ciphertext...),
	}
}

func (r *Repository) Put(namespace, key string, envelope *storage.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[namespace]; !ok {
		r.data[namespace] = make(map[string]*storage.Envelope)
	}
	r.data[namespace][key] = cloneEnvelope(envelope)
	return nil
}

func (r *Repository) Get(namespace, key string) (*storage.Envelope, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	env, ok := r.data[namespace][key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneEnvelope(env), nil
}

func (r *Repository) Delete(namespace, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ns, ok := r.data[namespace]
	if !ok {
		return storage.ErrNotFound
	}
	if _, ok := ns[key]; !ok {
		return storage.ErrNotFound
	}
	delete(ns, key)
	return nil
}

func (r *Repository) List(namespace string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.data[namespace]))
	for k := range r.data[namespace] {
		keys = append(keys, k)
	}
	return keys, nil
}
