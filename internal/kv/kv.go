// Package kv provides the shared key-value store the coordination layer
// runs on. Production uses Redis; tests use the in-memory implementation.
package kv

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by implementations.
var (
	// ErrLockLost is returned when a lock operation discovers the caller
	// no longer owns the lock key.
	ErrLockLost = errors.New("kv: lock lost")
)

// Store is the narrow KV surface the fence protocol needs. Get returns
// ok=false for a missing key rather than an error so callers can tell
// "absent" from "store unreachable".
type Store interface {
	Get(ctx context.Context, key string) (val []byte, ok bool, err error)
	// Set writes key=val. A ttl of zero means no expiry.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	// SetNX writes key=val only if the key does not exist; reports whether
	// the write happened.
	SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)

	IncrBy(ctx context.Context, key string, n int64) (int64, error)

	Expire(ctx context.Context, key string, ttl time.Duration) error
	// ExpireIfEqual extends key's TTL only while its value still equals
	// val, in one atomic step; reports whether the extension happened.
	// Backs lock renewal, where a separate check and expire would let a
	// stalled holder extend a key a new holder just claimed.
	ExpireIfEqual(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error)
	// TTL returns the remaining lifetime of key; ok=false when the key is
	// missing or has no expiry.
	TTL(ctx context.Context, key string) (ttl time.Duration, ok bool, err error)

	// Scan returns all keys matching the prefix. Used only by the
	// validator's index-rebuild fallback, never on hot paths.
	Scan(ctx context.Context, prefix string) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}
