// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package cache implements the bounded LRU call-result cache with per-entry
// TTL and glob-based capability exclusions.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/stacklok/mcpbridge/pkg/bridge"
	"github.com/stacklok/mcpbridge/pkg/logger"
)

// Stats holds cache statistics. Counters are monotonic for the lifetime of
// the cache.
type Stats struct {
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	Size       int
	MaxEntries int
}

// entry is one cached call result. Recency is tracked by position in the LRU
// list; hits is the per-entry hit count.
type entry struct {
	key        string
	capability string
	value      string
	expiresAt  time.Time
	hits       uint64
}

// CallCache is a bounded LRU cache keyed by capability name plus a canonical
// digest of the call arguments. Entries carry their own TTL; an expired entry
// is treated as absent and evicted lazily on lookup. All methods are safe for
// concurrent use.
type CallCache struct {
	mu         sync.Mutex
	maxEntries int
	entries    map[string]*list.Element
	lru        *list.List
	exclusions []glob.Glob

	hits      uint64
	misses    uint64
	evictions uint64
}

// New creates a call cache holding at most maxEntries entries. Capabilities
// matching any of excludePatterns (glob syntax, * matches any substring) are
// never stored.
func New(maxEntries int, excludePatterns []string) (*CallCache, error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("%w: cache max entries must be positive, got %d", bridge.ErrInvalidConfig, maxEntries)
	}

	exclusions := make([]glob.Glob, 0, len(excludePatterns))
	for _, p := range excludePatterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid cache exclusion pattern %q: %v", bridge.ErrInvalidConfig, p, err)
		}
		exclusions = append(exclusions, g)
	}

	return &CallCache{
		maxEntries: maxEntries,
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
		exclusions: exclusions,
	}, nil
}

// Excluded reports whether results for the given capability are barred from
// the cache by an exclusion pattern.
func (c *CallCache) Excluded(capability string) bool {
	for _, g := range c.exclusions {
		if g.Match(capability) {
			return true
		}
	}
	return false
}

// Get looks up the cached result for a capability and argument set. A hit
// refreshes the entry's recency and increments its hit count. An entry past
// its expiry is removed and reported as a miss.
func (c *CallCache) Get(capability string, args map[string]any) (string, bool) {
	key := cacheKey(capability, args)

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		return "", false
	}

	ent := elem.Value.(*entry)
	if time.Now().After(ent.expiresAt) {
		// Lazy expiry: treat as absent and drop the stale entry.
		c.removeLocked(elem)
		c.misses++
		return "", false
	}

	c.lru.MoveToFront(elem)
	ent.hits++
	c.hits++
	return ent.value, true
}

// Put stores a call result with the given TTL, evicting the least-recently
// used entry when at capacity. Overwriting an existing key replaces its value
// and expiry without refreshing its recency. Excluded capabilities and
// non-positive TTLs are ignored.
func (c *CallCache) Put(capability string, args map[string]any, value string, ttl time.Duration) {
	if ttl <= 0 || c.Excluded(capability) {
		return
	}
	key := cacheKey(capability, args)
	expiresAt := time.Now().Add(ttl)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		ent := elem.Value.(*entry)
		ent.value = value
		ent.expiresAt = expiresAt
		return
	}

	elem := c.lru.PushFront(&entry{
		key:        key,
		capability: capability,
		value:      value,
		expiresAt:  expiresAt,
	})
	c.entries[key] = elem

	for c.lru.Len() > c.maxEntries {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
		c.evictions++
	}
}

// Invalidate drops every entry belonging to the given capability and returns
// the number of entries removed.
func (c *CallCache) Invalidate(capability string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for elem := c.lru.Front(); elem != nil; {
		next := elem.Next()
		if elem.Value.(*entry).capability == capability {
			c.removeLocked(elem)
			removed++
		}
		elem = next
	}
	return removed
}

// Clear drops all entries.
func (c *CallCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.lru.Len()
	c.entries = make(map[string]*list.Element)
	c.lru.Init()
	if n > 0 {
		logger.Debugf("Call cache cleared (%d entries dropped)", n)
	}
}

// Stats returns a snapshot of the cache counters.
func (c *CallCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Hits:       c.hits,
		Misses:     c.misses,
		Evictions:  c.evictions,
		Size:       c.lru.Len(),
		MaxEntries: c.maxEntries,
	}
}

func (c *CallCache) removeLocked(elem *list.Element) {
	ent := elem.Value.(*entry)
	c.lru.Remove(elem)
	delete(c.entries, ent.key)
}

// cacheKey builds the canonical cache key: the capability name joined with a
// fixed-length digest of the arguments. encoding/json sorts map keys, which
// makes the serialization order-independent for the argument maps the
// protocol carries.
func cacheKey(capability string, args map[string]any) string {
	data, err := json.Marshal(args)
	if err != nil {
		// Unserializable arguments still need a stable-enough key; fall back
		// to the fmt rendering rather than failing the lookup.
		data = []byte(fmt.Sprintf("%v", args))
	}
	sum := sha256.Sum256(data)
	return capability + ":" + hex.EncodeToString(sum[:])
}
