// Package cache implements the dispatch cache: a concurrent, generation-invalidated memo table
// keyed by (function id, dispatched type multiset, preference fingerprint).
package cache

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dispatchkit/dispatch/typekey"
)

// PreferenceFingerprint is the cacheable projection of a prefstate.State: everything about the
// current preference stack that can change which backend plan is built, and nothing that can't
// (the Trace sink is intentionally excluded — two calls with different sinks but identical
// prioritize/type state must share a cache entry).
type PreferenceFingerprint struct {
	Prioritize string // ordered prioritize names, joined
	ForcedType string // forced type key string, or "" if none
}

// Fingerprint builds a PreferenceFingerprint from an ordered prioritize list and an optional
// forced type.
func Fingerprint(prioritize []string, forced *typekey.Key) PreferenceFingerprint {
	var forcedStr string
	if forced != nil {
		forcedStr = forced.String()
	}
	return PreferenceFingerprint{
		Prioritize: strings.Join(prioritize, ","),
		ForcedType: forcedStr,
	}
}

// Key identifies one memoized dispatch plan.
type Key struct {
	FnID        string
	Types       string // sorted, joined type keys
	Fingerprint PreferenceFingerprint
}

// KeyFor builds a Key from a function id, a dispatched type multiset, and a preference
// fingerprint.
func KeyFor(fnID string, types map[typekey.Key]struct{}, fp PreferenceFingerprint) Key {
	return Key{FnID: fnID, Types: strings.Join(typekey.SortedStrings(types), ","), Fingerprint: fp}
}

// Cache is a generation-invalidated, racy-tolerant memo table. Inserts are idempotent by
// construction (two concurrent builders for the same Key always compute the same Plan), so the
// lock-free sync.Map is the right tool here rather than the RWMutex-guarded maps the registry
// packages across the retrieval pack favor for their own, non-idempotent state.
type Cache[T any] struct {
	m          sync.Map // Key -> entry[T]
	generation atomic.Uint64
}

type entry[T any] struct {
	generation uint64
	plan       T
}

// New creates an empty Cache.
func New[T any]() *Cache[T] {
	return &Cache[T]{}
}

// GetOrBuild returns the cached value for key if present and current, otherwise calls build,
// stores the result, and returns it. Concurrent callers racing on the same key may each call
// build once; the cache keeps whichever store lands last (last-write-wins), which is safe
// because build is assumed to be a pure function of key and the current registry generation.
func (c *Cache[T]) GetOrBuild(key Key, build func() T) T {
	gen := c.generation.Load()
	if v, ok := c.m.Load(key); ok {
		if e := v.(entry[T]); e.generation == gen {
			return e.plan
		}
	}
	plan := build()
	c.m.Store(key, entry[T]{generation: gen, plan: plan})
	return plan
}

// InvalidateAll bumps the generation counter so every previously cached entry reads as stale.
// Entries are not eagerly removed; a stale entry is overwritten in place the next time its key is
// built, so memory is bounded by the set of keys ever built rather than growing with every
// invalidation. Stale entries whose keys are never looked up again stay in the map.
func (c *Cache[T]) InvalidateAll() {
	c.generation.Add(1)
}

// Len reports the number of entries currently stored, live or stale. Exposed for tests and
// diagnostics only.
func (c *Cache[T]) Len() int {
	n := 0
	c.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
