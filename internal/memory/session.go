// Package memory holds the short-lived session cache and the read-side
// entity views assembled from the store.
package memory

import (
	"maps"
	"sync"
	"time"
)

// DefaultTTL is the lifetime of a session entry when none is given.
const DefaultTTL = 300 * time.Second

type sessionEntry struct {
	data    map[string]any
	expires time.Time
}

// SessionCache is a process-local TTL cache. It is only a latency
// optimisation; the store stays authoritative. Safe for concurrent use.
type SessionCache struct {
	mu      sync.Mutex
	entries map[string]sessionEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewSessionCache creates a cache whose entries live for ttl (DefaultTTL if <= 0).
func NewSessionCache(ttl time.Duration) *SessionCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &SessionCache{entries: make(map[string]sessionEntry), ttl: ttl, now: time.Now}
}

// Set stores a copy of data under key with the default TTL.
func (c *SessionCache) Set(key string, data map[string]any) {
	c.SetTTL(key, data, c.ttl)
}

// SetTTL stores a copy of data under key for ttl.
func (c *SessionCache) SetTTL(key string, data map[string]any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = sessionEntry{data: maps.Clone(data), expires: c.now().Add(ttl)}
}

// Get returns the entry for key. Expired entries are evicted on read.
func (c *SessionCache) Get(key string) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return maps.Clone(e.data), true
}

// Clear removes key.
func (c *SessionCache) Clear(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Sweep drops every expired entry and returns how many were removed.
func (c *SessionCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len reports the number of entries, expired ones included.
func (c *SessionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
