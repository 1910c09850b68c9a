package beatsync

import (
	"sync"
	"time"
)

// SessionCache is the in-memory tier of the load path: the last known
// working set per (user, date), answered without any I/O. One entry is
// kept per distinct date viewed; entries leave only through explicit
// invalidation, never through navigation. Entries carry the time they
// were filled so the loader can decide whether a hit for today still
// warrants a background refresh.
type SessionCache struct {
	entries map[string]*cacheEntry
	mu      sync.RWMutex

	hits      uint64
	misses    uint64
	evictions uint64
}

type cacheEntry struct {
	state    DayState
	filledAt time.Time
}

// NewSessionCache creates an empty cache.
func NewSessionCache() *SessionCache {
	return &SessionCache{entries: make(map[string]*cacheEntry)}
}

func cacheKey(userID, date string) string {
	return userID + "|" + date
}

// Get returns the cached state for (user, date) and when it was filled.
func (c *SessionCache) Get(userID, date string) (DayState, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[cacheKey(userID, date)]
	if !ok {
		c.misses++
		return DayState{}, time.Time{}, false
	}
	c.hits++
	return entry.state.Clone(), entry.filledAt, true
}

// Put stores the state for (user, date), stamped with now.
func (c *SessionCache) Put(userID, date string, state DayState, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(userID, date)] = &cacheEntry{
		state:    state.Clone(),
		filledAt: now,
	}
}

// Invalidate drops the entry for (user, date) if present.
func (c *SessionCache) Invalidate(userID, date string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey(userID, date)
	if _, ok := c.entries[key]; ok {
		delete(c.entries, key)
		c.evictions++
	}
}

// InvalidateUser drops every cached date for the user.
func (c *SessionCache) InvalidateUser(userID string) {
	prefix := userID + "|"
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(c.entries, key)
			c.evictions++
		}
	}
}

// InvalidateAll empties the cache.
func (c *SessionCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictions += uint64(len(c.entries))
	c.entries = make(map[string]*cacheEntry)
}

// CacheStats reports cache effectiveness counters.
type CacheStats struct {
	Entries   int    `json:"entries"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

// Stats returns a snapshot of the cache counters.
func (c *SessionCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CacheStats{
		Entries:   len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}
