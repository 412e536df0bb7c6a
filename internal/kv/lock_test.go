package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLock_AcquireExclusive(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	a := NewLock(m, "lock:job:1")
	b := NewLock(m, "lock:job:1")

	ok, err := a.Acquire(ctx, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be refused")

	owned, err := a.Owned(ctx)
	require.NoError(t, err)
	assert.True(t, owned)

	owned, err = b.Owned(ctx)
	require.NoError(t, err)
	assert.False(t, owned)
}

func TestLock_RenewExtendsTTL(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	now := time.Now()
	m.SetClock(func() time.Time { return now })

	l := NewLock(m, "lock:job:2")
	ok, err := l.Acquire(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(800 * time.Millisecond)
	require.NoError(t, l.Renew(ctx, time.Second))

	// Past the original expiry but within the renewed TTL.
	now = now.Add(800 * time.Millisecond)
	owned, err := l.Owned(ctx)
	require.NoError(t, err)
	assert.True(t, owned)
}

func TestLock_RenewAfterLossFails(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	now := time.Now()
	m.SetClock(func() time.Time { return now })

	a := NewLock(m, "lock:job:3")
	ok, err := a.Acquire(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// TTL lapses, another process takes over.
	now = now.Add(2 * time.Second)
	b := NewLock(m, "lock:job:3")
	ok, err = b.Acquire(ctx, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	err = a.Renew(ctx, time.Second)
	require.ErrorIs(t, err, ErrLockLost)

	// The stale holder's release must not disturb the new holder.
	require.NoError(t, a.Release(ctx))
	owned, err := b.Owned(ctx)
	require.NoError(t, err)
	assert.True(t, owned)
}

func TestLock_StaleRenewCannotExtendNewHolder(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	now := time.Now()
	m.SetClock(func() time.Time { return now })

	a := NewLock(m, "lock:job:5")
	ok, err := a.Acquire(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	b := NewLock(m, "lock:job:5")
	ok, err = b.Acquire(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// A stalled holder waking up right after a takeover must not
	// push out the new holder's expiry.
	err = a.Renew(ctx, time.Hour)
	require.ErrorIs(t, err, ErrLockLost)

	ttl, hasTTL, err := m.TTL(ctx, "lock:job:5")
	require.NoError(t, err)
	require.True(t, hasTTL)
	assert.Equal(t, time.Second, ttl)
}

func TestLock_ReleaseIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	l := NewLock(m, "lock:job:4")
	ok, err := l.Acquire(ctx, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Release(ctx))
	require.NoError(t, l.Release(ctx))

	// Lock is free again.
	again := NewLock(m, "lock:job:4")
	ok, err = again.Acquire(ctx, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
