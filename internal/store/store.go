// Package store defines the exact-id entity store and its key-value backend.
package store

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("store closed")

// Entity is anything persisted by exact id
type Entity interface {
	EntityType() string
	EntityID() string
}

// Store loads, saves and removes entities by type and id
type Store interface {
	// Load fills dst with the stored entity of dst's type and the given id.
	// It reports false, with dst untouched, when no such entity exists.
	Load(ctx context.Context, id string, dst Entity) (bool, error)
	Save(ctx context.Context, e Entity) error
	Remove(ctx context.Context, entityType, id string) error
}

// Transactor is implemented by stores that can apply a group of writes as one unit
type Transactor interface {
	Transaction(ctx context.Context, fn func(Store) error) error
}

// Atomically runs fn against a unit of work when s supports one, and against s otherwise.
// Writes made by fn are discarded when it returns an error.
func Atomically(ctx context.Context, s Store, fn func(Store) error) error {
	if t, ok := s.(Transactor); ok {
		return t.Transaction(ctx, fn)
	}
	return fn(s)
}
