package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get for a missing key.
	ErrNotFound = errors.New("key not found")

	// ErrQuotaExceeded is returned when a write fails because the store is full.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
)

// Record is a raw key/value pair. Values are opaque to the store.
type Record struct {
	Key   string
	Value []byte
}

// KeyValueStore persists small records that must survive a restart.
type KeyValueStore interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// List returns every record whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]Record, error)
}
