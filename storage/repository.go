// Package storage provides the durable state layer the client keeps between
// runs. Records are opaque envelopes grouped by namespace.
package storage

import "errors"

// ErrNotFound is returned when a namespace or key holds no record.
var ErrNotFound = errors.New("record not found")

// Repository defines the interface for durable client-side record storage.
type Repository interface {
	Put(namespace string, key string, envelope *Envelope) error
	Get(namespace string, key string) (*Envelope, error)
	Delete(namespace string, key string) error
	List(namespace string) ([]string, error)
}
