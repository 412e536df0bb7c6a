package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Lock is a token-fenced distributed lock over a Store. Exactly one
// process holds a given lock key at a time; the holder must Renew before
// the TTL lapses or another process may acquire it. A holder that loses
// the lock must stop touching the protected state and let the validator
// clean up.
type Lock struct {
	store Store
	key   string
	token string
}

// NewLock creates an unacquired lock for key.
func NewLock(store Store, key string) *Lock {
	return &Lock{
		store: store,
		key:   key,
		token: uuid.NewString(),
	}
}

// Key returns the lock's KV key.
func (l *Lock) Key() string { return l.key }

// Acquire attempts to take the lock with the given TTL. Returns false if
// another holder owns it.
func (l *Lock) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	ok, err := l.store.SetNX(ctx, l.key, []byte(l.token), ttl)
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", l.key, err)
	}
	return ok, nil
}

// Renew extends the TTL of a held lock. Returns ErrLockLost if the key
// has expired or is owned by someone else; the caller must treat that as
// fatal for the protected operation.
func (l *Lock) Renew(ctx context.Context, ttl time.Duration) error {
	ok, err := l.store.ExpireIfEqual(ctx, l.key, []byte(l.token), ttl)
	if err != nil {
		return fmt.Errorf("renew lock %s: %w", l.key, err)
	}
	if !ok {
		return fmt.Errorf("renew lock %s: %w", l.key, ErrLockLost)
	}
	return nil
}

// Owned reports whether this instance still holds the lock.
func (l *Lock) Owned(ctx context.Context) (bool, error) {
	val, ok, err := l.store.Get(ctx, l.key)
	if err != nil {
		return false, fmt.Errorf("check lock %s: %w", l.key, err)
	}
	return ok && string(val) == l.token, nil
}

// Release drops the lock if this instance still owns it. Releasing a lock
// already taken over by another holder is a no-op, not an error.
func (l *Lock) Release(ctx context.Context) error {
	owned, err := l.Owned(ctx)
	if err != nil {
		return err
	}
	if !owned {
		return nil
	}
	if err := l.store.Delete(ctx, l.key); err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	return nil
}
