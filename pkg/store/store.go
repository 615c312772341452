// Package store defines the key-value capability the cache layer is built on
// and its Redis, S3 and in-memory implementations.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("store: key not found")

// Store is a flat key-value store holding opaque byte values.
//
// Implementations must be safe for concurrent use. Delete of a missing key
// is not an error.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, keys ...string) error
	// Keys lists every key starting with prefix. An empty prefix lists all keys.
	Keys(ctx context.Context, prefix string) ([]string, error)
}
