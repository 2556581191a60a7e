package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemory_RoundTrip(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := &now
	mem := NewMemory(MemoryOptions{
		KeyPrefix:  "toolmux:cache:",
		DefaultTTL: 10 * time.Minute,
		Now:        func() time.Time { return *clock },
	})

	mem.Set(ctx, "calculator__add", "abc123", "3", 0)

	value, ok := mem.Get(ctx, "calculator__add", "abc123")
	require.True(t, ok)
	require.Equal(t, "3", value)

	expired := now.Add(11 * time.Minute)
	clock = &expired
	_, ok = mem.Get(ctx, "calculator__add", "abc123")
	require.False(t, ok)
}

func TestMemory_MissForUnknownFingerprint(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(MemoryOptions{DefaultTTL: time.Minute})

	mem.Set(ctx, "calculator__add", "abc123", "3", 0)

	_, ok := mem.Get(ctx, "calculator__add", "other")
	require.False(t, ok)

	_, ok = mem.Get(ctx, "calculator__sub", "abc123")
	require.False(t, ok)
}

func TestMemory_Stats(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(MemoryOptions{DefaultTTL: time.Minute})

	mem.Set(ctx, "notes__list", "fp1", "[]", 0)
	_, _ = mem.Get(ctx, "notes__list", "fp1")
	_, _ = mem.Get(ctx, "notes__list", "fp2")
	_, _ = mem.Get(ctx, "notes__list", "fp3")

	stats := mem.Stats(ctx)
	require.EqualValues(t, 1, stats.Hits)
	require.EqualValues(t, 2, stats.Misses)
	require.InDelta(t, 1.0/3.0, stats.HitRate, 1e-9)
	require.Equal(t, 1, stats.Keys)
}

func TestMemory_ClearResetsCounters(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(MemoryOptions{DefaultTTL: time.Minute})

	mem.Set(ctx, "notes__list", "fp1", "[]", 0)
	mem.Set(ctx, "notes__get", "fp2", "{}", 0)
	_, _ = mem.Get(ctx, "notes__list", "fp1")

	require.Equal(t, 2, mem.Clear(ctx))

	stats := mem.Stats(ctx)
	require.EqualValues(t, 0, stats.Hits)
	require.EqualValues(t, 0, stats.Misses)
	require.Equal(t, 0, stats.Keys)
}

func TestBuildKey_TruncatesFingerprint(t *testing.T) {
	key := buildKey("toolmux:cache:", "calculator__add", "0123456789abcdef0123456789abcdef")
	require.Equal(t, "toolmux:cache:calculator__add:0123456789abcdef", key)
}

func TestNoop_AlwaysMisses(t *testing.T) {
	ctx := context.Background()
	noop := NewNoop()

	noop.Set(ctx, "calculator__add", "fp", "3", time.Minute)
	_, ok := noop.Get(ctx, "calculator__add", "fp")
	require.False(t, ok)
	require.Equal(t, Stats{}, noop.Stats(ctx))
}
