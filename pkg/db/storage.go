package db

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

type Version int

const (
	CurrentVersion = 1
)

// Storage is a minimal key-value contract: string keys, JSON values,
// optional TTL, prefix enumeration. There are no multi-key transactions
// and no compare-and-swap; every higher-level mutation is an independent
// read-modify-write.
type Storage interface {
	Close() error
	Version() (int, error)

	// Create stores an object only if the key does not exist yet,
	// otherwise returns model.ErrAlreadyExists. A zero TTL means no expiry.
	Create(ctx context.Context, key string, obj interface{}, ttl time.Duration) error

	// Put stores an object, overwriting any previous value
	Put(ctx context.Context, key string, obj interface{}, ttl time.Duration) error

	// Get reads an object by key, returning model.ErrNotFound when missing
	Get(ctx context.Context, key string, out interface{}) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Walk iterates over all keys with the given prefix. Keys are passed
	// to the callback without the internal namespace.
	Walk(ctx context.Context, prefix string, cb func(key string, data []byte) error) error

	// Incr atomically increments an integer counter and returns the new
	// value. The TTL is applied on every call.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Open creates a storage backend from configuration
func Open(config *Config) (Storage, error) {
	switch config.Type {
	case "", "badger":
		return NewBadger(config)
	case "redis":
		return NewRedis(config)
	default:
		return nil, errors.Errorf("unsupported storage type %q", config.Type)
	}
}
