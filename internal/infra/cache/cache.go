// Package cache stores idempotent tool call results keyed by a
// deterministic fingerprint. Backends degrade to "always miss" when
// their store is unreachable; callers never observe a cache error.
package cache

import (
	"context"
	"time"
)

// Stats summarizes cache effectiveness since startup (or the last clear).
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hitRate"`
	Keys    int     `json:"keys"`
}

// ResultCache is the registry's view of a result store. Get returns
// (value, true) on a hit; Set is best-effort; Clear removes every entry
// under the cache's key prefix and returns how many were dropped.
type ResultCache interface {
	Get(ctx context.Context, qualifiedName, fingerprint string) (string, bool)
	Set(ctx context.Context, qualifiedName, fingerprint, value string, ttl time.Duration)
	Clear(ctx context.Context) int
	Stats(ctx context.Context) Stats
}

// buildKey composes the storage key: fixed namespace prefix, the tool's
// qualified name, and a shortened content hash of the arguments.
func buildKey(prefix, qualifiedName, fingerprint string) string {
	if len(fingerprint) > 16 {
		fingerprint = fingerprint[:16]
	}
	return prefix + qualifiedName + ":" + fingerprint
}

func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Noop is the backend used when caching is disabled: every Get misses
// and every Set is dropped.
type Noop struct{}

func NewNoop() *Noop {
	return &Noop{}
}

func (n *Noop) Get(context.Context, string, string) (string, bool) { return "", false }

func (n *Noop) Set(context.Context, string, string, string, time.Duration) {}

func (n *Noop) Clear(context.Context) int { return 0 }

func (n *Noop) Stats(context.Context) Stats { return Stats{} }

var _ ResultCache = (*Noop)(nil)
