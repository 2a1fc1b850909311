package indexer

import (
	"strings"
	"sync"
)

// Cache holds built indexes by document identity.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*DocumentIndex
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]*DocumentIndex)}
}

func (c *Cache) Get(key string) (*DocumentIndex, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, ok := c.entries[key]
	return idx, ok
}

func (c *Cache) Put(key string, idx *DocumentIndex) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = idx
}

func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// InvalidatePath drops every entry built from the file at path, whatever
// its mtime and size were.
func (c *Cache) InvalidatePath(path string) int {
	prefix := path + "|"
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Retain drops every entry except key.
func (c *Cache) Retain(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k != key {
			delete(c.entries, k)
		}
	}
}

func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*DocumentIndex)
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
