// xmlorganizer: in-memory idempotency and issuer caches
package main

import "sync"

// IdempotencyCache holds the content hashes and access keys of every
// document already committed to the catalog. A hit short-circuits duplicate
// re-feeds without a catalog round trip; a miss is not authoritative, the
// catalog's UNIQUE constraints remain the source of truth.
type IdempotencyCache struct {
	mu     sync.RWMutex
	hashes map[string]struct{}
	keys   map[string]struct{}
}

func NewIdempotencyCache() *IdempotencyCache {
	return &IdempotencyCache{
		hashes: make(map[string]struct{}),
		keys:   make(map[string]struct{}),
	}
}

func (c *IdempotencyCache) HasHash(hash string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.hashes[hash]
	return ok
}

func (c *IdempotencyCache) HasKey(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.keys[key]
	return ok
}

// Add records a committed document. Only called from the successful tail of
// the atomic transaction and from startup hydration.
func (c *IdempotencyCache) Add(hash, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hashes[hash] = struct{}{}
	c.keys[key] = struct{}{}
}

func (c *IdempotencyCache) Len() (hashes, keys int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.hashes), len(c.keys)
}

type issuerEntry struct {
	ID   int64
	Name string
}

// IssuerCache maps tax IDs to catalog issuer rows so the hot path upserts
// without hitting the database for every document.
type IssuerCache struct {
	mu      sync.Mutex
	byTaxID map[string]issuerEntry
}

func NewIssuerCache() *IssuerCache {
	return &IssuerCache{byTaxID: make(map[string]issuerEntry)}
}

func (c *IssuerCache) Get(taxID string) (issuerEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byTaxID[taxID]
	return e, ok
}

func (c *IssuerCache) Put(taxID string, id int64, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byTaxID[taxID] = issuerEntry{ID: id, Name: name}
}

func (c *IssuerCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byTaxID)
}
