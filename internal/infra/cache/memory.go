package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Memory is an in-process ResultCache for deployments without Redis and
// for tests. Expired entries are dropped lazily on read.
type Memory struct {
	prefix     string
	defaultTTL time.Duration
	now        func() time.Time

	mu      sync.RWMutex
	entries map[string]memoryEntry

	hits   atomic.Int64
	misses atomic.Int64
}

type memoryEntry struct {
	value     string
	storedAt  time.Time
	expiresAt time.Time
}

// MemoryOptions configures a Memory cache.
type MemoryOptions struct {
	KeyPrefix  string
	DefaultTTL time.Duration
	Now        func() time.Time
}

func NewMemory(opts MemoryOptions) *Memory {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Memory{
		prefix:     opts.KeyPrefix,
		defaultTTL: opts.DefaultTTL,
		now:        now,
		entries:    make(map[string]memoryEntry),
	}
}

func (m *Memory) Get(_ context.Context, qualifiedName, fingerprint string) (string, bool) {
	key := buildKey(m.prefix, qualifiedName, fingerprint)

	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()

	if ok && m.now().Before(entry.expiresAt) {
		m.hits.Add(1)
		return entry.value, true
	}
	if ok {
		m.mu.Lock()
		if stale, still := m.entries[key]; still && stale.storedAt.Equal(entry.storedAt) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
	}
	m.misses.Add(1)
	return "", false
}

func (m *Memory) Set(_ context.Context, qualifiedName, fingerprint, value string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	if ttl <= 0 {
		return
	}
	key := buildKey(m.prefix, qualifiedName, fingerprint)
	now := m.now()

	m.mu.Lock()
	m.entries[key] = memoryEntry{
		value:     value,
		storedAt:  now,
		expiresAt: now.Add(ttl),
	}
	m.mu.Unlock()
}

func (m *Memory) Clear(context.Context) int {
	m.mu.Lock()
	cleared := len(m.entries)
	m.entries = make(map[string]memoryEntry)
	m.mu.Unlock()

	m.hits.Store(0)
	m.misses.Store(0)
	return cleared
}

func (m *Memory) Stats(context.Context) Stats {
	now := m.now()

	m.mu.RLock()
	keys := 0
	for _, entry := range m.entries {
		if now.Before(entry.expiresAt) {
			keys++
		}
	}
	m.mu.RUnlock()

	hits := m.hits.Load()
	misses := m.misses.Load()
	return Stats{
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate(hits, misses),
		Keys:    keys,
	}
}

var _ ResultCache = (*Memory)(nil)
