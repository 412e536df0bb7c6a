package kv

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests and by single-node dev mode.
// TTLs are evaluated lazily against the store's clock, which tests can
// replace to step time deterministically.
type Memory struct {
	mu      sync.Mutex
	values  map[string]memEntry
	sets    map[string]map[string]struct{}
	nowFunc func() time.Time
}

type memEntry struct {
	val       []byte
	expiresAt time.Time // zero means no expiry
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		values:  make(map[string]memEntry),
		sets:    make(map[string]map[string]struct{}),
		nowFunc: time.Now,
	}
}

// SetClock replaces the store's time source. Test-only.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nowFunc = now
}

// expired reports and reaps an expired entry. Caller holds mu.
func (m *Memory) expired(key string) bool {
	e, ok := m.values[key]
	if !ok {
		return true
	}
	if !e.expiresAt.IsZero() && !m.nowFunc().Before(e.expiresAt) {
		delete(m.values, key)
		return true
	}
	return false
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return nil, false, nil
	}
	e := m.values[key]
	out := make([]byte, len(e.val))
	copy(out, e.val)
	return out, true, nil
}

func (m *Memory) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(key, val, ttl)
	return nil
}

func (m *Memory) set(key string, val []byte, ttl time.Duration) {
	e := memEntry{val: append([]byte(nil), val...)}
	if ttl > 0 {
		e.expiresAt = m.nowFunc().Add(ttl)
	}
	m.values[key] = e
}

func (m *Memory) SetNX(_ context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.expired(key) {
		return false, nil
	}
	m.set(key, val, ttl)
	return true, nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
		delete(m.sets, k)
	}
	return nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.expired(key) {
		return true, nil
	}
	_, ok := m.sets[key]
	return ok, nil
}

func (m *Memory) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]struct{})
		m.sets[key] = s
	}
	for _, mem := range members {
		s[mem] = struct{}{}
	}
	return nil
}

func (m *Memory) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[key]
	if !ok {
		return nil
	}
	for _, mem := range members {
		delete(s, mem)
	}
	if len(s) == 0 {
		delete(m.sets, key)
	}
	return nil
}

func (m *Memory) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sets[key]
	out := make([]string, 0, len(s))
	for mem := range s {
		out = append(out, mem)
	}
	return out, nil
}

func (m *Memory) SCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.sets[key])), nil
}

func (m *Memory) IncrBy(_ context.Context, key string, n int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cur int64
	if !m.expired(key) {
		cur = parseInt(m.values[key].val)
	}
	cur += n
	m.values[key] = memEntry{val: formatInt(cur), expiresAt: m.values[key].expiresAt}
	return cur, nil
}

func (m *Memory) ExpireIfEqual(_ context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return false, nil
	}
	e := m.values[key]
	if !bytes.Equal(e.val, val) {
		return false, nil
	}
	e.expiresAt = m.nowFunc().Add(ttl)
	m.values[key] = e
	return true, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return nil
	}
	e := m.values[key]
	e.expiresAt = m.nowFunc().Add(ttl)
	m.values[key] = e
	return nil
}

func (m *Memory) TTL(_ context.Context, key string) (time.Duration, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return 0, false, nil
	}
	e := m.values[key]
	if e.expiresAt.IsZero() {
		return 0, false, nil
	}
	return e.expiresAt.Sub(m.nowFunc()), true, nil
}

func (m *Memory) Scan(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.values {
		if strings.HasPrefix(k, prefix) && !m.expired(k) {
			keys = append(keys, k)
		}
	}
	for k := range m.sets {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func parseInt(b []byte) int64 {
	n, _ := strconv.ParseInt(string(b), 10, 64)
	return n
}

func formatInt(n int64) []byte {
	return strconv.AppendInt(nil, n, 10)
}
