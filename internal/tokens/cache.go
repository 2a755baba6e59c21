// Package tokens holds the in-memory API key cache used by the render service.
package tokens

import "sync"

// ScopeRender is the capability required by the render endpoints.
const ScopeRender = "render"

// Scope is the set of capabilities granted to a token, e.g. {"render": true}.
type Scope map[string]bool

// Allows reports whether the scope grants name.
func (s Scope) Allows(name string) bool {
	return s[name]
}

// Entry is what is known about one API token.
type Entry struct {
	// RateLimit is requests per limiter interval. 0 disables limiting for the token.
	RateLimit int
	Scope     Scope
}

// Cache is a concurrency-safe token table. It is not ready until the first
// Replace, so callers can tell "unknown key" from "not loaded yet".
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewCache returns an empty, not yet ready cache.
func NewCache() *Cache {
	return &Cache{}
}

// Replace swaps in a copy of m.
func (c *Cache) Replace(m map[string]Entry) {
	next := make(map[string]Entry, len(m))
	for k, v := range m {
		next[k] = v
	}
	c.mu.Lock()
	c.entries = next
	c.mu.Unlock()
}

// Ready returns true once the cache has been loaded at least once.
func (c *Cache) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries != nil
}

// Lookup returns the entry for token.
func (c *Cache) Lookup(token string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[token]
	return e, ok
}

// RateLimit returns the configured limit for token, or 0 when it is unknown.
func (c *Cache) RateLimit(token string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[token].RateLimit
}

// Len is the number of cached tokens.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
